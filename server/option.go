// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Option is a functional option to be applied to a server during initialization.
type Option func(*Server) error

// WithMaxSubscriptionCount sets the number of subscriptions that may be active. (default: 0, no limit)
func WithMaxSubscriptionCount(value uint32) Option {
	return func(srv *Server) error {
		srv.maxSubscriptionCount = value
		return nil
	}
}

// WithMaxPublishRequests sets the number of publish requests that may be parked at the server. (default: 10)
// When exceeded, the oldest request is answered with BadTooManyPublishRequests.
func WithMaxPublishRequests(value int) Option {
	return func(srv *Server) error {
		if value < 1 {
			return errors.Errorf("max publish requests must be at least 1, got %d", value)
		}
		srv.maxPublishRequests = value
		return nil
	}
}

// WithMaxMonitoredItemsPerCall sets the operation limit reported to clients. (default: 0, no limit)
func WithMaxMonitoredItemsPerCall(value uint32) Option {
	return func(srv *Server) error {
		srv.maxMonitoredItemsPerCall = value
		return nil
	}
}

// WithMinSamplingInterval sets the fastest rate at which monitored items are sampled, in ms. (default: 50)
func WithMinSamplingInterval(value float64) Option {
	return func(srv *Server) error {
		if value <= 0 {
			return errors.Errorf("min sampling interval must be greater than 0, got %v", value)
		}
		srv.minSamplingInterval = value
		return nil
	}
}

// WithMinPublishingInterval sets the fastest publishing interval of subscriptions, in ms. (default: 50)
func WithMinPublishingInterval(value float64) Option {
	return func(srv *Server) error {
		if value <= 0 {
			return errors.Errorf("min publishing interval must be greater than 0, got %v", value)
		}
		srv.minPublishingInterval = value
		return nil
	}
}

// WithMaxRetransmissionQueueLength sets the number of sent messages each subscription keeps for Republish. (default: 64)
func WithMaxRetransmissionQueueLength(value int) Option {
	return func(srv *Server) error {
		if value < 1 {
			return errors.Errorf("max retransmission queue length must be at least 1, got %d", value)
		}
		srv.maxRetransmissionQueueLength = value
		return nil
	}
}

// WithMaxWorkerThreads sets the number of workers that handle requests. (default: 4)
func WithMaxWorkerThreads(value int) Option {
	return func(srv *Server) error {
		if value < 1 {
			return errors.Errorf("max worker threads must be at least 1, got %d", value)
		}
		srv.maxWorkerThreads = value
		return nil
	}
}

// WithLogger sets the logger. (default: no-op)
func WithLogger(value *zap.Logger) Option {
	return func(srv *Server) error {
		if value == nil {
			return errors.New("logger is nil")
		}
		srv.logger = value
		return nil
	}
}
