// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
)

// SubscriptionListener receives the notifications of a subscription. Methods are
// called on the delivery path of the subscription, one at a time, in sequence number order.
type SubscriptionListener interface {
	// OnKeepAlive is called when a notification message carries no notifications.
	OnKeepAlive(s *Subscription, publishTime time.Time)
	// OnDataReceived is called with the values of a data change notification.
	OnDataReceived(s *Subscription, items []*MonitoredItem, values []ua.DataValue)
	// OnEventReceived is called with the events of an event notification list.
	OnEventReceived(s *Subscription, items []*MonitoredItem, fields [][]ua.Variant)
	// OnStatusChanged is called with the status of a status change notification.
	OnStatusChanged(s *Subscription, status ua.StatusCode)
	// OnWatchdogTimerElapsed is called when no publish response arrived in time.
	OnWatchdogTimerElapsed(s *Subscription)
	// OnNotificationDataLost is called once when notification messages could not be recovered.
	OnNotificationDataLost(s *Subscription)
	// OnTransferFailed is called when the subscription could not be transferred to a new session.
	OnTransferFailed(s *Subscription, status ua.StatusCode)
}

// BaseSubscriptionListener implements every method of SubscriptionListener with no action.
// Embed it to implement only the methods needed.
type BaseSubscriptionListener struct{}

// OnKeepAlive does nothing.
func (BaseSubscriptionListener) OnKeepAlive(s *Subscription, publishTime time.Time) {}

// OnDataReceived does nothing.
func (BaseSubscriptionListener) OnDataReceived(s *Subscription, items []*MonitoredItem, values []ua.DataValue) {
}

// OnEventReceived does nothing.
func (BaseSubscriptionListener) OnEventReceived(s *Subscription, items []*MonitoredItem, fields [][]ua.Variant) {
}

// OnStatusChanged does nothing.
func (BaseSubscriptionListener) OnStatusChanged(s *Subscription, status ua.StatusCode) {}

// OnWatchdogTimerElapsed does nothing.
func (BaseSubscriptionListener) OnWatchdogTimerElapsed(s *Subscription) {}

// OnNotificationDataLost does nothing.
func (BaseSubscriptionListener) OnNotificationDataLost(s *Subscription) {}

// OnTransferFailed does nothing.
func (BaseSubscriptionListener) OnTransferFailed(s *Subscription, status ua.StatusCode) {}
