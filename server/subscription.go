// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

const (
	maxPublishingInterval = 60 * 60 * 1000.0
	// the longest keep-alive interval, in ms.
	maxKeepAliveInterval = 60 * 60 * 1000.0
)

// Subscription collects notifications from its monitored items and publishes them to the session.
type Subscription struct {
	sync.RWMutex
	manager                    *SubscriptionManager
	session                    *Session
	id                         uint32
	publishingInterval         float64
	lifetimeCount              uint32
	maxKeepAliveCount          uint32
	maxNotificationsPerPublish uint32
	publishingEnabled          bool
	priority                   byte
	items                      map[uint32]*MonitoredItem
	seqNum                     uint32
	keepAliveCounter           uint32
	lifetimeCounter            uint32
	needKeepAlive              bool
	pending                    deque.Deque[ua.NotificationMessage]
	retransmissionQueue        deque.Deque[ua.NotificationMessage]
	ticker                     *time.Ticker
	stopping                   chan struct{}
	stopOnce                   sync.Once
	deleted                    bool
}

// NewSubscription constructs a new Subscription with revised parameters. Call startPublishing to start the publishing timer.
func NewSubscription(manager *SubscriptionManager, session *Session, id uint32, req *ua.CreateSubscriptionRequest) *Subscription {
	s := &Subscription{
		manager:           manager,
		session:           session,
		id:                id,
		publishingEnabled: req.PublishingEnabled,
		items:             make(map[uint32]*MonitoredItem),
		needKeepAlive:     true,
		stopping:          make(chan struct{}),
	}
	s.revise(req.RequestedPublishingInterval, req.RequestedLifetimeCount, req.RequestedMaxKeepAliveCount, req.MaxNotificationsPerPublish, req.Priority)
	return s
}

// ID returns the id of the subscription.
func (s *Subscription) ID() uint32 {
	return s.id
}

// PublishingInterval returns the revised publishing interval in ms.
func (s *Subscription) PublishingInterval() float64 {
	s.RLock()
	defer s.RUnlock()
	return s.publishingInterval
}

// LifetimeCount returns the revised lifetime count.
func (s *Subscription) LifetimeCount() uint32 {
	s.RLock()
	defer s.RUnlock()
	return s.lifetimeCount
}

// MaxKeepAliveCount returns the revised keep-alive count.
func (s *Subscription) MaxKeepAliveCount() uint32 {
	s.RLock()
	defer s.RUnlock()
	return s.maxKeepAliveCount
}

// PublishingEnabled returns true if notifications are published.
func (s *Subscription) PublishingEnabled() bool {
	s.RLock()
	defer s.RUnlock()
	return s.publishingEnabled
}

// MonitoredItemCount returns the number of monitored items.
func (s *Subscription) MonitoredItemCount() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.items)
}

// MonitoredItem returns the item with the id.
func (s *Subscription) MonitoredItem(id uint32) (*MonitoredItem, bool) {
	s.RLock()
	defer s.RUnlock()
	mi, ok := s.items[id]
	return mi, ok
}

// revise sets the parameters to the nearest values the server supports. Called with the lock held.
func (s *Subscription) revise(publishingInterval float64, lifetimeCount, maxKeepAliveCount, maxNotificationsPerPublish uint32, priority byte) {
	if minInterval := s.manager.server.minPublishingInterval; math.IsNaN(publishingInterval) || publishingInterval < minInterval {
		publishingInterval = minInterval
	}
	if publishingInterval > maxPublishingInterval {
		publishingInterval = maxPublishingInterval
	}
	if maxKeepAliveCount == 0 {
		maxKeepAliveCount = 1
	}
	if limit := uint32(maxKeepAliveInterval / publishingInterval); maxKeepAliveCount > limit {
		maxKeepAliveCount = max(limit, 1)
	}
	if uint64(lifetimeCount) < 3*uint64(maxKeepAliveCount) {
		lifetimeCount = 3 * maxKeepAliveCount
	}
	s.publishingInterval = publishingInterval
	s.lifetimeCount = lifetimeCount
	s.maxKeepAliveCount = maxKeepAliveCount
	s.maxNotificationsPerPublish = maxNotificationsPerPublish
	s.priority = priority
}

func (s *Subscription) interval() time.Duration {
	return time.Duration(s.publishingInterval * float64(time.Millisecond))
}

// startPublishing starts the publishing timer.
func (s *Subscription) startPublishing() {
	s.Lock()
	s.ticker = time.NewTicker(s.interval())
	s.Unlock()
	go func() {
		defer s.ticker.Stop()
		for {
			select {
			case <-s.stopping:
				return
			case <-s.manager.server.closing:
				return
			case <-s.ticker.C:
				s.onPublishingTimer()
			}
		}
	}()
}

// stopPublishing stops the publishing timer.
func (s *Subscription) stopPublishing() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// Modify revises the parameters and restarts the publishing timer.
func (s *Subscription) Modify(req *ua.ModifySubscriptionRequest) {
	s.Lock()
	defer s.Unlock()
	s.revise(req.RequestedPublishingInterval, req.RequestedLifetimeCount, req.RequestedMaxKeepAliveCount, req.MaxNotificationsPerPublish, req.Priority)
	s.lifetimeCounter = 0
	if s.ticker != nil {
		s.ticker.Reset(s.interval())
	}
}

// SetPublishingMode enables or disables the sending of notifications. Keep-alive messages are sent in either mode.
func (s *Subscription) SetPublishingMode(enabled bool) {
	s.Lock()
	defer s.Unlock()
	s.publishingEnabled = enabled
	s.lifetimeCounter = 0
}

// Delete stops publishing and deletes the monitored items.
func (s *Subscription) Delete() {
	s.stopPublishing()
	s.Lock()
	s.deleted = true
	items := make([]*MonitoredItem, 0, len(s.items))
	for _, mi := range s.items {
		items = append(items, mi)
	}
	clear(s.items)
	s.pending.Clear()
	s.retransmissionQueue.Clear()
	s.Unlock()
	for _, mi := range items {
		mi.Delete()
	}
}

func (s *Subscription) addItem(mi *MonitoredItem) {
	s.Lock()
	s.items[mi.id] = mi
	s.Unlock()
}

func (s *Subscription) removeItem(id uint32) (*MonitoredItem, bool) {
	s.Lock()
	defer s.Unlock()
	mi, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	return mi, ok
}

// sortedItems returns the items in id order. Called with the lock held.
func (s *Subscription) sortedItems() []*MonitoredItem {
	items := make([]*MonitoredItem, 0, len(s.items))
	for _, mi := range s.items {
		items = append(items, mi)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].id < items[j].id })
	return items
}

func (s *Subscription) onPublishingTimer() {
	s.Lock()
	if s.deleted {
		s.Unlock()
		return
	}
	if s.publishingEnabled && s.pending.Len() == 0 {
		if data := s.collectNotifications(); len(data) > 0 {
			s.enqueueMessage(data)
		}
	}
	if s.pending.Len() == 0 && !s.needKeepAlive {
		s.keepAliveCounter++
		if s.keepAliveCounter >= s.maxKeepAliveCount {
			s.needKeepAlive = true
		}
	}
	if s.flush() || s.session.hasPublishRequest() {
		s.lifetimeCounter = 0
	} else {
		s.lifetimeCounter++
	}
	expired := s.lifetimeCounter >= s.lifetimeCount
	s.Unlock()
	if expired {
		s.expire()
	}
}

// collectNotifications takes the notifications of the items, up to the max per publish. Called with the lock held.
func (s *Subscription) collectNotifications() []ua.ExtensionObject {
	limit := int(s.maxNotificationsPerPublish)
	var dataChanges []ua.MonitoredItemNotification
	var events []ua.EventFieldList
	for _, mi := range s.sortedItems() {
		if !mi.sample() {
			continue
		}
		remaining := 0
		if limit > 0 {
			remaining = limit - len(dataChanges) - len(events)
			if remaining <= 0 {
				break
			}
		}
		if mi.isEventItem() {
			n, _ := mi.eventNotifications(remaining)
			events = append(events, n...)
		} else {
			n, _ := mi.dataNotifications(remaining)
			dataChanges = append(dataChanges, n...)
		}
	}
	data := make([]ua.ExtensionObject, 0, 2)
	if len(dataChanges) > 0 {
		data = append(data, ua.DataChangeNotification{MonitoredItems: dataChanges})
	}
	if len(events) > 0 {
		data = append(data, ua.EventNotificationList{Events: events})
	}
	return data
}

// enqueueMessage numbers the message and keeps it for retransmission. Called with the lock held.
func (s *Subscription) enqueueMessage(data []ua.ExtensionObject) {
	srv := s.manager.server
	s.seqNum = nextSequenceNumber(s.seqNum)
	msg := ua.NotificationMessage{SequenceNumber: s.seqNum, PublishTime: time.Now(), NotificationData: data}
	for s.retransmissionQueue.Len() >= srv.maxRetransmissionQueueLength {
		s.retransmissionQueue.PopFront()
	}
	s.retransmissionQueue.PushBack(msg)
	s.keepAliveCounter = 0
	s.needKeepAlive = false
	if srv.takeDrop() {
		srv.logger.Warn("dropping notification message", zap.Uint32("subscriptionID", s.id), zap.Uint32("sequenceNumber", msg.SequenceNumber))
		return
	}
	s.pending.PushBack(msg)
}

// flush answers parked publish requests while there is something to send. Called with the lock held.
func (s *Subscription) flush() bool {
	sent := false
	for s.pending.Len() > 0 || s.needKeepAlive {
		op, ok := s.session.removePublishRequest()
		if !ok {
			break
		}
		s.respond(op)
		sent = true
	}
	return sent
}

// handleLatePublishRequest answers the request at once if a message or keep-alive is waiting.
func (s *Subscription) handleLatePublishRequest(op *publishOp) bool {
	s.Lock()
	defer s.Unlock()
	s.lifetimeCounter = 0
	if s.deleted || (s.pending.Len() == 0 && !s.needKeepAlive) {
		return false
	}
	s.respond(op)
	return true
}

// respond sends the next message, or a keep-alive announcing the next sequence number. Called with the lock held.
func (s *Subscription) respond(op *publishOp) {
	var msg ua.NotificationMessage
	if s.pending.Len() > 0 {
		msg = s.pending.PopFront()
	} else {
		msg = ua.NotificationMessage{SequenceNumber: nextSequenceNumber(s.seqNum), PublishTime: time.Now(), NotificationData: []ua.ExtensionObject{}}
		s.needKeepAlive = false
	}
	s.keepAliveCounter = 0
	s.lifetimeCounter = 0
	avail := make([]uint32, 0, s.retransmissionQueue.Len())
	for i := 0; i < s.retransmissionQueue.Len(); i++ {
		avail = append(avail, s.retransmissionQueue.At(i).SequenceNumber)
	}
	op.respond(&ua.PublishResponse{
		ResponseHeader:           responseHeader(op.req, ua.Good),
		SubscriptionID:           s.id,
		AvailableSequenceNumbers: avail,
		MoreNotifications:        s.pending.Len() > 0,
		NotificationMessage:      msg,
		Results:                  op.results,
	})
}

// acknowledge removes the message from the retransmission queue.
func (s *Subscription) acknowledge(seqNum uint32) bool {
	s.Lock()
	defer s.Unlock()
	i := s.retransmissionQueue.Index(func(m ua.NotificationMessage) bool { return m.SequenceNumber == seqNum })
	if i < 0 {
		return false
	}
	s.retransmissionQueue.Remove(i)
	return true
}

// republish returns the message from the retransmission queue.
func (s *Subscription) republish(seqNum uint32) (ua.NotificationMessage, bool) {
	s.Lock()
	defer s.Unlock()
	s.lifetimeCounter = 0
	i := s.retransmissionQueue.Index(func(m ua.NotificationMessage) bool { return m.SequenceNumber == seqNum })
	if i < 0 {
		return ua.NotificationMessage{}, false
	}
	return s.retransmissionQueue.At(i), true
}

// expire deletes the subscription and tells the client with a status change.
func (s *Subscription) expire() {
	srv := s.manager.server
	s.RLock()
	seq := nextSequenceNumber(s.seqNum)
	s.RUnlock()
	srv.logger.Warn("subscription expired", zap.Uint32("subscriptionID", s.id))
	s.manager.Delete(s)
	s.Delete()
	s.session.addStateChange(stateChangeOp{
		subscriptionID: s.id,
		message: ua.NotificationMessage{
			SequenceNumber:   seq,
			PublishTime:      time.Now(),
			NotificationData: []ua.ExtensionObject{ua.StatusChangeNotification{Status: ua.BadTimeout}},
		},
	})
}

// nextSequenceNumber returns the number after n. Zero is skipped on wrap.
func nextSequenceNumber(n uint32) uint32 {
	if n == math.MaxUint32 {
		return 1
	}
	return n + 1
}
