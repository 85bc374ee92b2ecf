// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// defaultPublishingInterval is the default publishing interval in milliseconds.
	defaultPublishingInterval float64 = 1000.0
	// defaultTargetKeepAliveInterval is the default interval between keep-alive messages.
	defaultTargetKeepAliveInterval = 10 * time.Second
	// lifetimeMultiplier is the ratio of the lifetime count to the keep-alive count. Must be at least 3.
	lifetimeMultiplier uint64 = 5
)

// SubscriptionServerState is the configuration of a subscription as last acknowledged by the server.
type SubscriptionServerState struct {
	SubscriptionID            uint32
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
	PublishingEnabled         bool
}

// SubscriptionOption is a functional option to be applied to a subscription during initialization.
type SubscriptionOption func(*Subscription)

// WithPublishingInterval sets the requested publishing interval in milliseconds. (default: 1000)
func WithPublishingInterval(value float64) SubscriptionOption {
	return func(s *Subscription) {
		s.publishingInterval = value
	}
}

// WithTargetKeepAliveInterval sets the interval between keep-alive messages. The keep-alive and
// lifetime counts are calculated from it and the publishing interval. (default: 10s)
func WithTargetKeepAliveInterval(value time.Duration) SubscriptionOption {
	return func(s *Subscription) {
		s.targetKeepAliveInterval = value
		s.autoKeepAlive = true
	}
}

// WithMaxKeepAliveCount sets the requested keep-alive count and stops calculating it.
// If no lifetime count is set, it becomes a multiple of the keep-alive count.
func WithMaxKeepAliveCount(value uint32) SubscriptionOption {
	return func(s *Subscription) {
		s.maxKeepAliveCount = value
		if s.autoKeepAlive {
			s.lifetimeCount = calculateLifetimeCount(value)
		}
		s.autoKeepAlive = false
	}
}

// WithLifetimeCount sets the requested lifetime count and stops calculating it.
func WithLifetimeCount(value uint32) SubscriptionOption {
	return func(s *Subscription) {
		s.lifetimeCount = value
		s.autoKeepAlive = false
	}
}

// WithMaxNotificationsPerPublish sets the maximum number of notifications in one message. (default: 0, unlimited)
func WithMaxNotificationsPerPublish(value uint32) SubscriptionOption {
	return func(s *Subscription) {
		s.maxNotificationsPerPublish = value
	}
}

// WithPriority sets the relative priority of the subscription. (default: 0)
func WithPriority(value byte) SubscriptionOption {
	return func(s *Subscription) {
		s.priority = value
	}
}

// WithPublishingEnabled sets whether the server publishes notifications. (default: true)
func WithPublishingEnabled(value bool) SubscriptionOption {
	return func(s *Subscription) {
		s.publishingEnabled = value
	}
}

// WithListener adds a listener of the notifications of the subscription.
func WithListener(value SubscriptionListener) SubscriptionOption {
	return func(s *Subscription) {
		s.listeners = append(s.listeners, value)
	}
}

// Subscription is a collection of monitored items that the server reports through publish responses.
type Subscription struct {
	client                     *Client
	mu                         sync.Mutex
	publishingInterval         float64
	lifetimeCount              uint32
	maxKeepAliveCount          uint32
	maxNotificationsPerPublish uint32
	priority                   byte
	publishingEnabled          bool
	targetKeepAliveInterval    time.Duration
	autoKeepAlive              bool
	state                      SyncState
	paramsChanged              bool
	revision                   uint64
	server                     *SubscriptionServerState
	listeners                  []SubscriptionListener
	itemsLock                  sync.RWMutex
	items                      map[uint32]*MonitoredItem
	pendingDeletes             []*MonitoredItem
	handles                    *ClientHandleSequence
	syncLock                   sync.Mutex
	delivery                   *serialQueue
	watchdog                   *watchdog
	lastSequenceNumber         atomic.Uint32
}

func newSubscription(c *Client, opts ...SubscriptionOption) *Subscription {
	s := &Subscription{
		client:                  c,
		publishingInterval:      defaultPublishingInterval,
		targetKeepAliveInterval: defaultTargetKeepAliveInterval,
		autoKeepAlive:           true,
		publishingEnabled:       true,
		items:                   make(map[uint32]*MonitoredItem),
		handles:                 NewClientHandleSequence(),
		delivery:                newSerialQueue(c.pool),
	}
	s.watchdog = newWatchdog(s.onWatchdogTimerElapsed)
	for _, opt := range opts {
		opt(s)
	}
	if s.autoKeepAlive {
		s.recalculateKeepAlive()
	}
	if s.maxKeepAliveCount == 0 {
		s.maxKeepAliveCount = 1
	}
	if s.lifetimeCount == 0 {
		s.lifetimeCount = calculateLifetimeCount(s.maxKeepAliveCount)
	}
	return s
}

// calculateKeepAliveCount returns the keep-alive count that gives the target interval at the publishing interval (ms).
func calculateKeepAliveCount(target time.Duration, publishingInterval float64) uint32 {
	ms := float64(target) / float64(time.Millisecond)
	n := math.Ceil(ms / math.Max(1, publishingInterval))
	if math.IsNaN(n) || n < 1 {
		return 1
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// calculateLifetimeCount returns a multiple of the keep-alive count, capped at the maximum count.
func calculateLifetimeCount(maxKeepAliveCount uint32) uint32 {
	n := uint64(maxKeepAliveCount) * lifetimeMultiplier
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// recalculateKeepAlive requires lock held.
func (s *Subscription) recalculateKeepAlive() {
	s.maxKeepAliveCount = calculateKeepAliveCount(s.targetKeepAliveInterval, s.publishingInterval)
	s.lifetimeCount = calculateLifetimeCount(s.maxKeepAliveCount)
}

// Client returns the client of the subscription.
func (s *Subscription) Client() *Client {
	return s.client
}

// SubscriptionID returns the id assigned by the server, or zero if not created.
func (s *Subscription) SubscriptionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return 0
	}
	return s.server.SubscriptionID
}

// State returns the synchronization state.
func (s *Subscription) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerState returns a copy of the configuration acknowledged by the server. Returns false if not created.
func (s *Subscription) ServerState() (SubscriptionServerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return SubscriptionServerState{}, false
	}
	return *s.server, true
}

// PublishingInterval returns the desired publishing interval in milliseconds.
func (s *Subscription) PublishingInterval() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishingInterval
}

// MaxKeepAliveCount returns the desired keep-alive count.
func (s *Subscription) MaxKeepAliveCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxKeepAliveCount
}

// LifetimeCount returns the desired lifetime count.
func (s *Subscription) LifetimeCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifetimeCount
}

// PublishingEnabled returns the desired publishing mode.
func (s *Subscription) PublishingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishingEnabled
}

// LastSequenceNumber returns the sequence number of the last notification message delivered.
func (s *Subscription) LastSequenceNumber() uint32 {
	return s.lastSequenceNumber.Load()
}

// AddListener adds a listener of the notifications of the subscription.
func (s *Subscription) AddListener(l SubscriptionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener removes a listener.
func (s *Subscription) RemoveListener(l SubscriptionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.listeners {
		if x == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Subscription) getListeners() []SubscriptionListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners
}

// SetPublishingInterval sets the desired publishing interval in milliseconds.
// If the keep-alive count is calculated, the keep-alive and lifetime counts follow.
func (s *Subscription) SetPublishingInterval(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishingInterval = value
	if s.autoKeepAlive {
		s.recalculateKeepAlive()
	}
	s.markChanged()
}

// SetTargetKeepAliveInterval sets the interval between keep-alive messages and calculates the keep-alive and lifetime counts.
func (s *Subscription) SetTargetKeepAliveInterval(value time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetKeepAliveInterval = value
	s.autoKeepAlive = true
	s.recalculateKeepAlive()
	s.markChanged()
}

// SetMaxKeepAliveCount sets the desired keep-alive count and stops calculating it.
func (s *Subscription) SetMaxKeepAliveCount(value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxKeepAliveCount = value
	s.autoKeepAlive = false
	s.markChanged()
}

// SetLifetimeCount sets the desired lifetime count and stops calculating the keep-alive count.
func (s *Subscription) SetLifetimeCount(value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifetimeCount = value
	s.autoKeepAlive = false
	s.markChanged()
}

// SetMaxNotificationsPerPublish sets the maximum number of notifications in one message.
func (s *Subscription) SetMaxNotificationsPerPublish(value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxNotificationsPerPublish = value
	s.markChanged()
}

// SetPriority sets the relative priority of the subscription.
func (s *Subscription) SetPriority(value byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = value
	s.markChanged()
}

// markChanged requires lock held.
func (s *Subscription) markChanged() {
	s.revision++
	if s.state == SyncStateInitial {
		return
	}
	s.paramsChanged = true
	s.state = SyncStateUnsynchronized
}

// refreshState recalculates the state from the parameters and the items. Requires lock held.
func (s *Subscription) refreshState() {
	s.itemsLock.RLock()
	defer s.itemsLock.RUnlock()
	s.refreshStateLocked()
}

// refreshStateLocked requires lock and itemsLock held.
func (s *Subscription) refreshStateLocked() {
	if s.server == nil {
		s.state = SyncStateInitial
		return
	}
	if s.paramsChanged || len(s.pendingDeletes) > 0 {
		s.state = SyncStateUnsynchronized
		return
	}
	for _, item := range s.items {
		if item.State() != SyncStateSynchronized {
			s.state = SyncStateUnsynchronized
			return
		}
	}
	s.state = SyncStateSynchronized
}

// Create creates the subscription on the server. If the server revised the publishing
// interval and the keep-alive count is calculated, the counts are recalculated and the
// subscription is modified once more.
func (s *Subscription) Create(ctx context.Context) error {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()
	s.mu.Lock()
	if s.state != SyncStateInitial {
		s.mu.Unlock()
		return ErrSubscriptionAlreadyCreated
	}
	req := &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: s.publishingInterval,
		RequestedLifetimeCount:      s.lifetimeCount,
		RequestedMaxKeepAliveCount:  s.maxKeepAliveCount,
		MaxNotificationsPerPublish:  s.maxNotificationsPerPublish,
		PublishingEnabled:           s.publishingEnabled,
		Priority:                    s.priority,
	}
	s.mu.Unlock()

	res, err := s.client.CreateSubscription(ctx, req)
	if err != nil {
		return errors.Wrap(err, "create subscription")
	}

	s.mu.Lock()
	s.server = &SubscriptionServerState{
		SubscriptionID:            res.SubscriptionID,
		RevisedPublishingInterval: res.RevisedPublishingInterval,
		RevisedLifetimeCount:      res.RevisedLifetimeCount,
		RevisedMaxKeepAliveCount:  res.RevisedMaxKeepAliveCount,
		PublishingEnabled:         req.PublishingEnabled,
	}
	s.paramsChanged = false
	if s.autoKeepAlive && res.RevisedPublishingInterval != req.RequestedPublishingInterval {
		s.publishingInterval = res.RevisedPublishingInterval
		s.recalculateKeepAlive()
		if s.maxKeepAliveCount != res.RevisedMaxKeepAliveCount || s.lifetimeCount != res.RevisedLifetimeCount {
			s.revision++
			s.paramsChanged = true
		}
	}
	s.refreshState()
	needsModify := s.paramsChanged
	interval := watchdogInterval(res.RevisedPublishingInterval, res.RevisedMaxKeepAliveCount, s.client.watchdogMultiplier)
	s.mu.Unlock()

	s.lastSequenceNumber.Store(0)
	s.watchdog.arm(interval)
	s.client.logger.Info("subscription created",
		zap.Uint32("subscriptionID", res.SubscriptionID),
		zap.Float64("publishingInterval", res.RevisedPublishingInterval),
		zap.Uint32("maxKeepAliveCount", res.RevisedMaxKeepAliveCount),
		zap.Uint32("lifetimeCount", res.RevisedLifetimeCount))
	s.client.addActive(s, res.SubscriptionID)

	if needsModify {
		return s.modify(ctx)
	}
	return nil
}

// Modify sends the changed subscription parameters to the server.
func (s *Subscription) Modify(ctx context.Context) error {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()
	return s.modify(ctx)
}

func (s *Subscription) modify(ctx context.Context) error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return ErrSubscriptionNotCreated
	}
	if !s.paramsChanged {
		s.mu.Unlock()
		return nil
	}
	id := s.server.SubscriptionID
	revision := s.revision
	req := &ua.ModifySubscriptionRequest{
		SubscriptionID:              id,
		RequestedPublishingInterval: s.publishingInterval,
		RequestedLifetimeCount:      s.lifetimeCount,
		RequestedMaxKeepAliveCount:  s.maxKeepAliveCount,
		MaxNotificationsPerPublish:  s.maxNotificationsPerPublish,
		Priority:                    s.priority,
	}
	s.mu.Unlock()

	res, err := s.client.ModifySubscription(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "modify subscription %d", id)
	}

	s.mu.Lock()
	if s.server == nil || s.server.SubscriptionID != id {
		s.mu.Unlock()
		return ErrSubscriptionNotCreated
	}
	s.server.RevisedPublishingInterval = res.RevisedPublishingInterval
	s.server.RevisedLifetimeCount = res.RevisedLifetimeCount
	s.server.RevisedMaxKeepAliveCount = res.RevisedMaxKeepAliveCount
	if s.revision == revision {
		s.paramsChanged = false
	}
	s.refreshState()
	interval := watchdogInterval(res.RevisedPublishingInterval, res.RevisedMaxKeepAliveCount, s.client.watchdogMultiplier)
	s.mu.Unlock()

	s.watchdog.arm(interval)
	s.client.resumePublishing()
	s.client.logger.Info("subscription modified",
		zap.Uint32("subscriptionID", id),
		zap.Float64("publishingInterval", res.RevisedPublishingInterval),
		zap.Uint32("maxKeepAliveCount", res.RevisedMaxKeepAliveCount),
		zap.Uint32("lifetimeCount", res.RevisedLifetimeCount))
	return nil
}

// SetPublishingMode enables or disables publishing. If the subscription is not yet created,
// only the mode used at creation changes.
func (s *Subscription) SetPublishingMode(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if s.server == nil {
		s.publishingEnabled = enabled
		s.mu.Unlock()
		return nil
	}
	id := s.server.SubscriptionID
	s.mu.Unlock()

	res, err := s.client.SetPublishingMode(ctx, &ua.SetPublishingModeRequest{
		PublishingEnabled: enabled,
		SubscriptionIDs:   []uint32{id},
	})
	if err != nil {
		return errors.Wrapf(err, "set publishing mode of subscription %d", id)
	}
	if len(res.Results) != 1 {
		return ua.BadUnknownResponse
	}
	if sc := res.Results[0]; sc.IsBad() {
		return errors.Wrapf(sc, "set publishing mode of subscription %d", id)
	}

	s.mu.Lock()
	s.publishingEnabled = enabled
	if s.server != nil {
		s.server.PublishingEnabled = enabled
	}
	s.mu.Unlock()
	if enabled {
		s.client.resumePublishing()
	}
	return nil
}

// Delete deletes the subscription on the server. The subscription and its items are
// reset to their initial state regardless of the result, and may be created again.
func (s *Subscription) Delete(ctx context.Context) error {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return ErrSubscriptionNotCreated
	}
	id := s.server.SubscriptionID
	s.mu.Unlock()

	res, err := s.client.DeleteSubscriptions(ctx, &ua.DeleteSubscriptionsRequest{
		SubscriptionIDs: []uint32{id},
	})
	s.reset()
	s.client.logger.Info("subscription deleted", zap.Uint32("subscriptionID", id))
	if err != nil {
		return errors.Wrapf(err, "delete subscription %d", id)
	}
	if len(res.Results) != 1 {
		return ua.BadUnknownResponse
	}
	if sc := res.Results[0]; sc.IsBad() {
		return errors.Wrapf(sc, "delete subscription %d", id)
	}
	return nil
}

// NotifyTransferFailed resets the subscription and its items to their initial state
// after the subscription could not be transferred to a new session.
func (s *Subscription) NotifyTransferFailed(status ua.StatusCode) {
	id := s.reset()
	s.client.logger.Warn("subscription transfer failed", zap.Uint32("subscriptionID", id), zap.Stringer("status", statusStringer(status)))
	s.delivery.submit(func() {
		for _, l := range s.getListeners() {
			l.OnTransferFailed(s, status)
		}
	})
}

// reset returns the subscription and its items to their initial state. Returns the former subscription id.
func (s *Subscription) reset() uint32 {
	s.watchdog.cancel()
	var id uint32
	s.mu.Lock()
	if s.server != nil {
		id = s.server.SubscriptionID
	}
	s.server = nil
	s.state = SyncStateInitial
	s.paramsChanged = false
	s.itemsLock.Lock()
	for _, item := range s.items {
		item.notifyTransferFailed()
	}
	for _, item := range s.pendingDeletes {
		s.handles.Release(item.applyDeleteResult(ua.Good))
	}
	s.pendingDeletes = nil
	s.itemsLock.Unlock()
	s.mu.Unlock()
	if id != 0 {
		s.client.removeActive(id)
	}
	return id
}
