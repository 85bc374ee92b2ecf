// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option is a functional option to be applied to a client during initialization.
type Option func(*Client) error

// WithMaxPendingPublishRequests sets the upper bound of publish requests outstanding at the server. (default: 2)
// The effective bound is the smaller of this value and the number of active subscriptions plus one.
func WithMaxPendingPublishRequests(value int) Option {
	return func(c *Client) error {
		if value < 1 {
			return errors.Errorf("max pending publish requests must be at least 1, got %d", value)
		}
		c.maxPendingPublishRequests = value
		return nil
	}
}

// WithMaxMonitoredItemsPerCall sets the local limit of monitored items per service call. (default: 10000)
func WithMaxMonitoredItemsPerCall(value uint32) Option {
	return func(c *Client) error {
		if value == 0 {
			return errors.New("max monitored items per call must be greater than 0")
		}
		c.maxMonitoredItemsPerCall = value
		return nil
	}
}

// WithOperationLimitFallback sets the items per call used by batches when the server limit cannot be read. (default: 1000)
func WithOperationLimitFallback(value uint32) Option {
	return func(c *Client) error {
		if value == 0 {
			return errors.New("operation limit fallback must be greater than 0")
		}
		c.operationLimitFallback = value
		return nil
	}
}

// WithOperationLimitReadTimeout sets the time to wait for the server limit of items per call. (default: 5s)
func WithOperationLimitReadTimeout(value time.Duration) Option {
	return func(c *Client) error {
		c.operationLimitReadTimeout = value
		return nil
	}
}

// WithWatchdogMultiplier sets the multiple of the keep-alive interval after which a stalled subscription is reported. (default: 1.25, min: 1.0)
func WithWatchdogMultiplier(value float64) Option {
	return func(c *Client) error {
		if value < 1.0 {
			value = 1.0
		}
		c.watchdogMultiplier = value
		return nil
	}
}

// WithMaxAcknowledgementsPerRequest sets the maximum number of acknowledgements sent in one publish request. (default: 8192)
func WithMaxAcknowledgementsPerRequest(value int) Option {
	return func(c *Client) error {
		if value < 1 {
			return errors.Errorf("max acknowledgements per request must be at least 1, got %d", value)
		}
		c.maxAcknowledgementsPerRequest = value
		return nil
	}
}

// WithDeliveryWorkers sets the number of workers delivering notifications to listeners. (default: 4)
func WithDeliveryWorkers(value int) Option {
	return func(c *Client) error {
		if value < 1 {
			return errors.Errorf("delivery workers must be at least 1, got %d", value)
		}
		c.deliveryWorkers = value
		return nil
	}
}

// WithPublishRetryBackoff sets the delay policy for reissuing publish requests after a failure. (default: exponential, 100ms to 10s)
func WithPublishRetryBackoff(value backoff.BackOff) Option {
	return func(c *Client) error {
		c.publishRetryBackoff = value
		return nil
	}
}

// WithTimeoutHint sets the default number of milliseconds to wait before a ServiceRequest is cancelled. (default: 15000)
func WithTimeoutHint(value uint32) Option {
	return func(c *Client) error {
		c.timeoutHint = value
		return nil
	}
}

// WithMetricsRegisterer registers the client metrics. (default: not registered)
func WithMetricsRegisterer(value prometheus.Registerer) Option {
	return func(c *Client) error {
		c.registerer = value
		return nil
	}
}

// WithLogger sets the logger. (default: zap.NewNop())
func WithLogger(value *zap.Logger) Option {
	return func(c *Client) error {
		c.logger = value
		return nil
	}
}

// WithTrace logs all ServiceRequests and ServiceResponses at Info level.
func WithTrace() Option {
	return func(c *Client) error {
		c.trace = true
		return nil
	}
}
