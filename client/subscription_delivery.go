// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"math"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"go.uber.org/zap"
)

// nextSequenceNumber returns the sequence number after n. Sequence numbers wrap to 1.
func nextSequenceNumber(n uint32) uint32 {
	if n == math.MaxUint32 {
		return 1
	}
	return n + 1
}

// prevSequenceNumber returns the sequence number before n.
func prevSequenceNumber(n uint32) uint32 {
	if n <= 1 {
		return math.MaxUint32
	}
	return n - 1
}

// isAfter returns true if a follows b in sequence number order.
func isAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// processPublishResponse runs on the delivery path of the subscription. Missing messages
// are recovered before the message of the response is delivered.
func (s *Subscription) processPublishResponse(res *ua.PublishResponse) {
	c := s.client
	msg := res.NotificationMessage
	seq := msg.SequenceNumber
	expected := nextSequenceNumber(s.lastSequenceNumber.Load())
	if isAfter(seq, expected) {
		c.logger.Warn("notification messages missing",
			zap.Uint32("subscriptionID", res.SubscriptionID),
			zap.Uint32("expected", expected),
			zap.Uint32("sequenceNumber", seq))
		s.recover(res.SubscriptionID, expected, seq)
		s.lastSequenceNumber.Store(prevSequenceNumber(seq))
	}
	if len(msg.NotificationData) > 0 {
		if !isAfter(seq, s.lastSequenceNumber.Load()) {
			c.metrics.duplicates.Inc()
			c.logger.Warn("notification message already delivered",
				zap.Uint32("subscriptionID", res.SubscriptionID),
				zap.Uint32("sequenceNumber", seq))
			c.publishing.addAcknowledgements(res.SubscriptionID, res.AvailableSequenceNumbers)
			return
		}
		s.lastSequenceNumber.Store(seq)
	}
	c.publishing.addAcknowledgements(res.SubscriptionID, res.AvailableSequenceNumbers)
	if ce := c.logger.Check(c.traceLevel(), "notification message"); ce != nil {
		ce.Write(zap.Uint32("subscriptionID", res.SubscriptionID), zap.Uint32("sequenceNumber", seq), zap.Int("notificationData", len(msg.NotificationData)))
	}
	s.deliver(msg)
}

// recover republishes the messages from first up to, not including, end. Recovered messages
// are delivered in order. Listeners are told once if any message could not be recovered.
func (s *Subscription) recover(subscriptionID, first, end uint32) {
	c := s.client
	lost := 0
	for n := first; n != end; n = nextSequenceNumber(n) {
		res, err := c.Republish(c.ctx, &ua.RepublishRequest{
			SubscriptionID:           subscriptionID,
			RetransmitSequenceNumber: n,
		})
		if err != nil {
			lost++
			c.metrics.republishRequests.WithLabelValues("failed").Inc()
			c.logger.Warn("error republishing",
				zap.Uint32("subscriptionID", subscriptionID),
				zap.Uint32("sequenceNumber", n),
				zap.Error(err))
			continue
		}
		c.metrics.republishRequests.WithLabelValues("recovered").Inc()
		s.lastSequenceNumber.Store(n)
		s.deliver(res.NotificationMessage)
	}
	if lost > 0 {
		c.metrics.dataLost.Inc()
		for _, l := range s.getListeners() {
			l.OnNotificationDataLost(s)
		}
	}
}

// deliver decodes the message and routes the notifications to items and listeners.
func (s *Subscription) deliver(msg ua.NotificationMessage) {
	if len(msg.NotificationData) == 0 {
		s.onKeepAlive(msg.PublishTime)
		return
	}
	for _, data := range msg.NotificationData {
		switch body := data.(type) {
		case ua.DataChangeNotification:
			s.onDataChange(msg.PublishTime, body)
		case *ua.DataChangeNotification:
			s.onDataChange(msg.PublishTime, *body)
		case ua.EventNotificationList:
			s.onEvents(body)
		case *ua.EventNotificationList:
			s.onEvents(*body)
		case ua.StatusChangeNotification:
			s.onStatusChange(body.Status)
		case *ua.StatusChangeNotification:
			s.onStatusChange(body.Status)
		default:
			s.client.logger.Warn("unknown notification data", zap.Any("type", data))
		}
	}
}

func (s *Subscription) onKeepAlive(publishTime time.Time) {
	s.client.metrics.notifications.WithLabelValues("keep_alive").Inc()
	for _, l := range s.getListeners() {
		l.OnKeepAlive(s, publishTime)
	}
}

func (s *Subscription) onDataChange(publishTime time.Time, body ua.DataChangeNotification) {
	if len(body.MonitoredItems) == 0 {
		s.onKeepAlive(publishTime)
		return
	}
	items := make([]*MonitoredItem, 0, len(body.MonitoredItems))
	values := make([]ua.DataValue, 0, len(body.MonitoredItems))
	for _, z := range body.MonitoredItems {
		item, ok := s.MonitoredItem(z.ClientHandle)
		if !ok {
			s.client.logger.Debug("value for unknown client handle", zap.Uint32("clientHandle", z.ClientHandle))
			continue
		}
		item.onDataValue(z.Value)
		items = append(items, item)
		values = append(values, z.Value)
	}
	s.client.metrics.notifications.WithLabelValues("data_change").Add(float64(len(items)))
	if len(items) == 0 {
		return
	}
	for _, l := range s.getListeners() {
		l.OnDataReceived(s, items, values)
	}
}

func (s *Subscription) onEvents(body ua.EventNotificationList) {
	items := make([]*MonitoredItem, 0, len(body.Events))
	fields := make([][]ua.Variant, 0, len(body.Events))
	for _, z := range body.Events {
		item, ok := s.MonitoredItem(z.ClientHandle)
		if !ok {
			s.client.logger.Debug("event for unknown client handle", zap.Uint32("clientHandle", z.ClientHandle))
			continue
		}
		item.onEvent(z.EventFields)
		items = append(items, item)
		fields = append(fields, z.EventFields)
	}
	s.client.metrics.notifications.WithLabelValues("event").Add(float64(len(items)))
	if len(items) == 0 {
		return
	}
	for _, l := range s.getListeners() {
		l.OnEventReceived(s, items, fields)
	}
}

// onStatusChange tells the listeners, then resets the subscription if it timed out on the server.
func (s *Subscription) onStatusChange(status ua.StatusCode) {
	s.client.metrics.notifications.WithLabelValues("status_change").Inc()
	for _, l := range s.getListeners() {
		l.OnStatusChanged(s, status)
	}
	if status == ua.BadTimeout {
		id := s.reset()
		s.client.logger.Warn("subscription timed out on the server", zap.Uint32("subscriptionID", id))
	}
}

// onWatchdogTimerElapsed is called by the watchdog. Listeners are told on the delivery path.
func (s *Subscription) onWatchdogTimerElapsed() {
	s.client.metrics.watchdogElapsed.Inc()
	s.client.logger.Warn("no publish response within keep-alive interval", zap.Uint32("subscriptionID", s.SubscriptionID()))
	s.delivery.submit(func() {
		for _, l := range s.getListeners() {
			l.OnWatchdogTimerElapsed(s)
		}
	})
}
