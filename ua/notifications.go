// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"time"
)

// NotificationMessage is the payload of a Publish or Republish response.
// A message with no NotificationData is a keep-alive.
type NotificationMessage struct {
	SequenceNumber   uint32
	PublishTime      time.Time
	NotificationData []ExtensionObject
}

// DataChangeNotification reports changed values of data items.
type DataChangeNotification struct {
	MonitoredItems []MonitoredItemNotification
}

// MonitoredItemNotification reports a value for the item with ClientHandle.
type MonitoredItemNotification struct {
	ClientHandle uint32
	Value        DataValue
}

// EventNotificationList reports events of event items.
type EventNotificationList struct {
	Events []EventFieldList
}

// EventFieldList holds the selected fields of one event for the item with ClientHandle.
type EventFieldList struct {
	ClientHandle uint32
	EventFields  []Variant
}

// StatusChangeNotification reports a change of the subscription status.
type StatusChangeNotification struct {
	Status StatusCode
}
