// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultTimeoutHint is the default number of milliseconds before a request is cancelled. (15 sec)
	defaultTimeoutHint uint32 = 15000
	// defaultMaxPendingPublishRequests is the default upper bound of outstanding publish requests.
	defaultMaxPendingPublishRequests int = 2
	// defaultMaxMonitoredItemsPerCall is the default local limit of items per service call.
	defaultMaxMonitoredItemsPerCall uint32 = 10000
	// defaultOperationLimitFallback is the default items per call of a batch when the server limit is unreadable.
	defaultOperationLimitFallback uint32 = 1000
	// defaultOperationLimitReadTimeout is the default time to wait for the server limit.
	defaultOperationLimitReadTimeout = 5 * time.Second
	// defaultWatchdogMultiplier is the default multiple of the keep-alive interval before a stall is reported.
	defaultWatchdogMultiplier float64 = 1.25
	// defaultMaxAcknowledgementsPerRequest is the default maximum number of acknowledgements in one publish request.
	defaultMaxAcknowledgementsPerRequest int = 8192
	// defaultDeliveryWorkers is the default number of workers delivering notifications.
	defaultDeliveryWorkers int = 4
	// maxConcurrentCalls limits the partitions of one operation that are in flight at the same time.
	maxConcurrentCalls int = 4
)

// Channel sends service requests to a server and returns the responses.
// The session and secure channel behind it are owned by the caller.
type Channel interface {
	Request(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error)
}

// Client manages the subscriptions of one session. It issues publish requests,
// recovers missed notification messages and delivers notifications to listeners.
type Client struct {
	channel                       Channel
	ctx                           context.Context
	cancel                        context.CancelFunc
	logger                        *zap.Logger
	trace                         bool
	timeoutHint                   uint32
	maxPendingPublishRequests     int
	maxMonitoredItemsPerCall      uint32
	operationLimitFallback        uint32
	operationLimitReadTimeout     time.Duration
	watchdogMultiplier            float64
	maxAcknowledgementsPerRequest int
	deliveryWorkers               int
	publishRetryBackoff           backoff.BackOff
	registerer                    prometheus.Registerer
	metrics                       *metrics
	requestHandleLock             sync.Mutex
	requestHandle                 uint32
	subscriptionsLock             sync.RWMutex
	subscriptions                 map[uint32]*Subscription
	publishing                    *publishingManager
	pool                          *deliveryPool
	limitGroup                    singleflight.Group
	limitLock                     sync.Mutex
	operationLimit                uint32
	operationLimitKnown           bool
	closed                        atomic.Bool
}

// New returns a client that sends requests through the channel.
func New(ch Channel, opts ...Option) (*Client, error) {
	if ch == nil {
		return nil, errors.New("channel is nil")
	}
	cli := &Client{
		channel:                       ch,
		logger:                        zap.NewNop(),
		timeoutHint:                   defaultTimeoutHint,
		maxPendingPublishRequests:     defaultMaxPendingPublishRequests,
		maxMonitoredItemsPerCall:      defaultMaxMonitoredItemsPerCall,
		operationLimitFallback:        defaultOperationLimitFallback,
		operationLimitReadTimeout:     defaultOperationLimitReadTimeout,
		watchdogMultiplier:            defaultWatchdogMultiplier,
		maxAcknowledgementsPerRequest: defaultMaxAcknowledgementsPerRequest,
		deliveryWorkers:               defaultDeliveryWorkers,
		subscriptions:                 make(map[uint32]*Subscription),
	}

	// apply each option to the default
	for _, opt := range opts {
		if err := opt(cli); err != nil {
			return nil, err
		}
	}

	if cli.publishRetryBackoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0
		cli.publishRetryBackoff = b
	}
	cli.metrics = newMetrics()
	if cli.registerer != nil {
		if err := cli.metrics.register(cli.registerer); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	cli.ctx, cli.cancel = context.WithCancel(context.Background())
	cli.pool = newDeliveryPool(cli.deliveryWorkers)
	cli.publishing = newPublishingManager(cli)
	return cli, nil
}

// Close stops issuing publish requests and waits for queued notifications to be delivered.
// Subscriptions are not deleted on the server.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	for _, s := range c.activeSubscriptions() {
		s.watchdog.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.pool.stopWait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("client closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSubscription returns a subscription that is created on the server by calling Create.
func (c *Client) NewSubscription(opts ...SubscriptionOption) *Subscription {
	return newSubscription(c, opts...)
}

// Subscriptions returns the subscriptions that are active on the server.
func (c *Client) Subscriptions() []*Subscription {
	return c.activeSubscriptions()
}

// PendingPublishRequests returns the number of publish requests outstanding at the server.
// The count is shared by every subscription of the client.
func (c *Client) PendingPublishRequests() int {
	return int(c.publishing.pending.Load())
}

// request sends a service request to the server and returns the response.
// A bad ServiceResult is returned as the error.
func (c *Client) request(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	header := req.Header()
	header.Timestamp = time.Now()
	header.RequestHandle = c.getNextRequestHandle()
	// publish requests are replaced, never cancelled by the client.
	if _, ok := req.(*ua.PublishRequest); !ok {
		if header.TimeoutHint == 0 {
			header.TimeoutHint = c.timeoutHint
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, header.Timestamp.Add(time.Duration(header.TimeoutHint)*time.Millisecond))
		defer cancel()
	}
	name := serviceName(req)
	res, err := c.channel.Request(ctx, req)
	if err == nil {
		switch {
		case res == nil:
			err = ua.BadUnknownResponse
		case res.Header().ServiceResult.IsBad():
			err = res.Header().ServiceResult
		default:
			if _, ok := res.(*ua.ServiceFault); ok {
				err = ua.BadUnknownResponse
			}
		}
	} else if ctx.Err() == context.DeadlineExceeded {
		err = ua.BadRequestTimeout
	}
	status := statusOf(err)
	c.metrics.serviceCalls.WithLabelValues(name, statusLabel(status)).Inc()
	if ce := c.logger.Check(c.traceLevel(), "service request"); ce != nil {
		ce.Write(zap.String("service", name), zap.Uint32("requestHandle", header.RequestHandle), zap.Stringer("status", statusStringer(status)))
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) traceLevel() zapcore.Level {
	if c.trace {
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

// getNextRequestHandle gets next RequestHandle in sequence, skipping zero.
func (c *Client) getNextRequestHandle() uint32 {
	c.requestHandleLock.Lock()
	defer c.requestHandleLock.Unlock()
	if c.requestHandle == math.MaxUint32 {
		c.requestHandle = 0
	}
	c.requestHandle++
	return c.requestHandle
}

// readOperationLimit reads MaxMonitoredItemsPerCall from the server. Concurrent reads are
// collapsed into one. A successful read is kept for the lifetime of the client.
func (c *Client) readOperationLimit(ctx context.Context) (uint32, bool) {
	c.limitLock.Lock()
	if c.operationLimitKnown {
		v := c.operationLimit
		c.limitLock.Unlock()
		return v, true
	}
	c.limitLock.Unlock()
	v, err, _ := c.limitGroup.Do("MaxMonitoredItemsPerCall", func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, c.operationLimitReadTimeout)
		defer cancel()
		res, err := c.Read(ctx, &ua.ReadRequest{
			NodesToRead: []ua.ReadValueID{
				{NodeID: ua.VariableIDServerServerCapabilitiesOperationLimitsMaxMonitoredItemsPerCall, AttributeID: ua.AttributeIDValue},
			},
		})
		if err != nil {
			return nil, err
		}
		if len(res.Results) != 1 {
			return nil, ua.BadUnknownResponse
		}
		if sc := res.Results[0].StatusCode; sc.IsBad() {
			return nil, sc
		}
		n, ok := toUint32(res.Results[0].Value)
		if !ok {
			return nil, errors.Errorf("unexpected type %T", res.Results[0].Value)
		}
		c.limitLock.Lock()
		c.operationLimit, c.operationLimitKnown = n, true
		c.limitLock.Unlock()
		return n, nil
	})
	if err != nil {
		c.logger.Warn("error reading operation limit", zap.Error(err))
		return 0, false
	}
	return v.(uint32), true
}

// partitionSize returns the items per call for synchronizing subscriptions.
func (c *Client) partitionSize(ctx context.Context) int {
	limit, ok := c.readOperationLimit(ctx)
	if !ok || limit == 0 || limit > c.maxMonitoredItemsPerCall {
		return int(c.maxMonitoredItemsPerCall)
	}
	return int(limit)
}

// batchPartitionSize returns the items per call for batches. Falls back to a conservative limit when the server limit is unreadable.
func (c *Client) batchPartitionSize(ctx context.Context) int {
	limit, ok := c.readOperationLimit(ctx)
	if !ok {
		return int(min(c.operationLimitFallback, c.maxMonitoredItemsPerCall))
	}
	if limit == 0 || limit > c.maxMonitoredItemsPerCall {
		return int(c.maxMonitoredItemsPerCall)
	}
	return int(limit)
}

func (c *Client) addActive(s *Subscription, id uint32) {
	c.subscriptionsLock.Lock()
	c.subscriptions[id] = s
	n := len(c.subscriptions)
	c.subscriptionsLock.Unlock()
	c.metrics.activeSubscriptions.Set(float64(n))
	c.resumePublishing()
}

// resumePublishing restores the publish credit after the subscriptions changed.
func (c *Client) resumePublishing() {
	c.publishing.resetBackoff()
	c.publishing.maybeSendPublishRequests()
}

func (c *Client) removeActive(id uint32) {
	c.subscriptionsLock.Lock()
	delete(c.subscriptions, id)
	n := len(c.subscriptions)
	c.subscriptionsLock.Unlock()
	c.metrics.activeSubscriptions.Set(float64(n))
}

func (c *Client) subscriptionByID(id uint32) (*Subscription, bool) {
	c.subscriptionsLock.RLock()
	defer c.subscriptionsLock.RUnlock()
	s, ok := c.subscriptions[id]
	return s, ok
}

func (c *Client) activeSubscriptions() []*Subscription {
	c.subscriptionsLock.RLock()
	defer c.subscriptionsLock.RUnlock()
	ret := make([]*Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		ret = append(ret, s)
	}
	return ret
}

func (c *Client) activeSubscriptionCount() int {
	c.subscriptionsLock.RLock()
	defer c.subscriptionsLock.RUnlock()
	return len(c.subscriptions)
}

func serviceName(req ua.ServiceRequest) string {
	t := reflect.TypeOf(req)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return strings.TrimSuffix(t.Name(), "Request")
}

func statusLabel(status ua.StatusCode) string {
	return fmt.Sprintf("0x%08X", uint32(status))
}

type statusStringer ua.StatusCode

func (s statusStringer) String() string {
	return fmt.Sprintf("0x%08X %s", uint32(s), ua.StatusCode(s).Error())
}

func toUint32(v ua.Variant) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case uint16:
		return uint32(n), true
	case uint64:
		if n > math.MaxUint32 {
			return math.MaxUint32, true
		}
		return uint32(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		if n > math.MaxUint32 {
			return math.MaxUint32, true
		}
		return uint32(n), true
	default:
		return 0, false
	}
}
