// Copyright 2021 Converter Systems LLC. All rights reserved.

package main

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/convertersystems/opcua-subscriptions/server"
	"github.com/convertersystems/opcua-subscriptions/ua"
	"go.uber.org/zap"
)

func isKnownKind(kind string) bool {
	switch kind {
	case "constant", "ramp", "sine", "random":
		return true
	default:
		return false
	}
}

// valueAt returns the value of the variable at elapsed time t.
func valueAt(v VariableConfig, t time.Duration, rnd *rand.Rand) ua.Variant {
	switch v.Kind {
	case "ramp":
		if v.Period <= 0 {
			return int32(0)
		}
		frac := float64(t%v.Period) / float64(v.Period)
		return int32(frac * v.Amplitude)
	case "sine":
		if v.Period <= 0 {
			return 0.0
		}
		return v.Amplitude * math.Sin(2*math.Pi*float64(t)/float64(v.Period))
	case "random":
		return v.Amplitude * rnd.Float64()
	default:
		return v.Amplitude
	}
}

// simulator updates the variables of the server and raises events until stopped.
type simulator struct {
	srv     *server.Server
	cfg     *Config
	logger  *zap.Logger
	start   time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
	eventNo int
}

func newSimulator(srv *server.Server, cfg *Config, logger *zap.Logger) (*simulator, error) {
	s := &simulator{srv: srv, cfg: cfg, logger: logger, start: time.Now(), stop: make(chan struct{})}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, v := range cfg.Variables {
		if _, err := srv.AddVariable(ua.ParseNodeID(v.NodeID), valueAt(v, 0, rnd)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *simulator) run() {
	for _, v := range s.cfg.Variables {
		if v.Kind == "constant" {
			continue
		}
		s.wg.Add(1)
		go s.update(v)
	}
	if s.cfg.Events.Interval > 0 {
		s.wg.Add(1)
		go s.raiseEvents()
	}
}

func (s *simulator) update(v VariableConfig) {
	defer s.wg.Done()
	nodeID := ua.ParseNodeID(v.NodeID)
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(v.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.srv.SetValue(nodeID, valueAt(v, time.Since(s.start), rnd)); err != nil {
				s.logger.Error("error updating variable", zap.String("nodeID", v.NodeID), zap.Error(err))
			}
		}
	}
}

func (s *simulator) raiseEvents() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Events.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.eventNo++
			s.srv.EmitEvent(&ua.BaseEvent{
				SourceName: s.cfg.Events.SourceName,
				Message:    ua.NewLocalizedText(fmt.Sprintf("simulated event %d", s.eventNo), ""),
				Severity:   s.cfg.Events.Severity,
			})
			if n := s.cfg.Server.DropEvery; n > 0 && s.eventNo%n == 0 {
				// the client recovers the dropped message with Republish.
				s.srv.DropNotifications(1)
			}
		}
	}
}

func (s *simulator) close() {
	close(s.stop)
	s.wg.Wait()
}
