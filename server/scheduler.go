// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"sync"
	"time"
)

// PollListener is sampled by a PollGroup.
type PollListener interface {
	Poll()
}

// Scheduler samples listeners periodically. Listeners with the same interval share
// one PollGroup, which runs while it has listeners.
type Scheduler struct {
	sync.Mutex
	closing             <-chan struct{}
	groups              map[time.Duration]*PollGroup
	minSamplingInterval time.Duration
}

// NewScheduler instantiates a new Scheduler.
func NewScheduler(server *Server) *Scheduler {
	return &Scheduler{
		closing:             server.closing,
		groups:              make(map[time.Duration]*PollGroup),
		minSamplingInterval: time.Duration(server.minSamplingInterval * float64(time.Millisecond)),
	}
}

func (s *Scheduler) clamp(interval time.Duration) time.Duration {
	return max(interval, s.minSamplingInterval)
}

// Subscribe polls the listener every interval, starting a group if none runs at that interval.
func (s *Scheduler) Subscribe(interval time.Duration, listener PollListener) {
	s.Lock()
	defer s.Unlock()
	interval = s.clamp(interval)
	g, ok := s.groups[interval]
	if !ok {
		g = newPollGroup(interval, s.closing)
		s.groups[interval] = g
	}
	g.add(listener)
}

// Unsubscribe stops polling the listener. A group left without listeners is stopped.
func (s *Scheduler) Unsubscribe(interval time.Duration, listener PollListener) {
	s.Lock()
	defer s.Unlock()
	interval = s.clamp(interval)
	g, ok := s.groups[interval]
	if !ok {
		return
	}
	if g.remove(listener) == 0 {
		g.stop()
		delete(s.groups, interval)
	}
}

// PollGroup returns the running group for the interval.
func (s *Scheduler) PollGroup(interval time.Duration) (*PollGroup, bool) {
	s.Lock()
	defer s.Unlock()
	g, ok := s.groups[s.clamp(interval)]
	return g, ok
}

// Len returns the number of running poll groups.
func (s *Scheduler) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.groups)
}

// PollGroup polls its listeners on every tick until stopped or the server closes.
type PollGroup struct {
	sync.Mutex
	interval  time.Duration
	listeners map[PollListener]struct{}
	done      chan struct{}
}

func newPollGroup(interval time.Duration, closing <-chan struct{}) *PollGroup {
	g := &PollGroup{
		interval:  interval,
		listeners: make(map[PollListener]struct{}),
		done:      make(chan struct{}),
	}
	go g.run(closing)
	return g
}

func (g *PollGroup) run(closing <-chan struct{}) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-closing:
			return
		case <-g.done:
			return
		case <-ticker.C:
			// poll outside the lock, so listeners may unsubscribe while polled.
			g.Lock()
			listeners := make([]PollListener, 0, len(g.listeners))
			for l := range g.listeners {
				listeners = append(listeners, l)
			}
			g.Unlock()
			for _, l := range listeners {
				l.Poll()
			}
		}
	}
}

func (g *PollGroup) add(listener PollListener) {
	g.Lock()
	g.listeners[listener] = struct{}{}
	g.Unlock()
}

// remove returns the number of listeners left.
func (g *PollGroup) remove(listener PollListener) int {
	g.Lock()
	defer g.Unlock()
	delete(g.listeners, listener)
	return len(g.listeners)
}

func (g *PollGroup) stop() {
	close(g.done)
}

// Interval returns the polling interval.
func (g *PollGroup) Interval() time.Duration {
	return g.interval
}

// Len returns the number of listeners.
func (g *PollGroup) Len() int {
	g.Lock()
	defer g.Unlock()
	return len(g.listeners)
}
