// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/gammazero/deque"
)

const (
	maxQueueSize        = 1024
	maxSamplingInterval = 60 * 1000.0
)

// MonitoredItem specifies the node that is monitored for data changes or events.
type MonitoredItem struct {
	sync.RWMutex
	id                  uint32
	itemToMonitor       ua.ReadValueID
	monitoringMode      ua.MonitoringMode
	clientHandle        uint32
	samplingInterval    float64
	queueSize           uint32
	discardOldest       bool
	timestampsToReturn  ua.TimestampsToReturn
	queue               deque.Deque[ua.DataValue]
	events              deque.Deque[[]ua.Variant]
	prequeue            deque.Deque[ua.DataValue]
	dataChangeFilter    ua.DataChangeFilter
	eventFilter         ua.EventFilter
	previousQueuedValue ua.DataValue
	sub                 *Subscription
	srv                 *Server
	overflowCount       uint32
}

// NewMonitoredItem constructs a new MonitoredItem and starts monitoring.
func NewMonitoredItem(sub *Subscription, id uint32, itemToMonitor ua.ReadValueID, monitoringMode ua.MonitoringMode, parameters ua.MonitoringParameters, timestampsToReturn ua.TimestampsToReturn, publishingInterval float64) *MonitoredItem {
	mi := &MonitoredItem{
		sub:                 sub,
		srv:                 sub.manager.server,
		id:                  id,
		itemToMonitor:       itemToMonitor,
		monitoringMode:      monitoringMode,
		clientHandle:        parameters.ClientHandle,
		discardOldest:       parameters.DiscardOldest,
		timestampsToReturn:  timestampsToReturn,
		previousQueuedValue: ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, 0, time.Time{}, 0),
	}
	mi.setQueueSize(parameters.QueueSize)
	mi.setSamplingInterval(parameters.SamplingInterval, publishingInterval)
	mi.setFilter(parameters.Filter)
	mi.Lock()
	mi.startMonitoring()
	mi.Unlock()
	return mi
}

// ID returns the id assigned by the server.
func (mi *MonitoredItem) ID() uint32 {
	return mi.id
}

// ClientHandle returns the handle the client uses to identify notifications of the item.
func (mi *MonitoredItem) ClientHandle() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.clientHandle
}

// MonitoringMode returns the monitoring mode.
func (mi *MonitoredItem) MonitoringMode() ua.MonitoringMode {
	mi.RLock()
	defer mi.RUnlock()
	return mi.monitoringMode
}

// QueueSize returns the revised queue size.
func (mi *MonitoredItem) QueueSize() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.queueSize
}

// SamplingInterval returns the sampling interval in ms of the MonitoredItem.
func (mi *MonitoredItem) SamplingInterval() float64 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.samplingInterval
}

// Modify modifies the MonitoredItem.
func (mi *MonitoredItem) Modify(req ua.MonitoredItemModifyRequest, timestampsToReturn ua.TimestampsToReturn, publishingInterval float64) ua.MonitoredItemModifyResult {
	mi.Lock()
	defer mi.Unlock()
	mi.stopMonitoring()
	mi.clientHandle = req.RequestedParameters.ClientHandle
	mi.discardOldest = req.RequestedParameters.DiscardOldest
	mi.timestampsToReturn = timestampsToReturn
	mi.setQueueSize(req.RequestedParameters.QueueSize)
	mi.setSamplingInterval(req.RequestedParameters.SamplingInterval, publishingInterval)
	mi.setFilter(req.RequestedParameters.Filter)
	mi.startMonitoring()
	return ua.MonitoredItemModifyResult{RevisedSamplingInterval: mi.samplingInterval, RevisedQueueSize: mi.queueSize}
}

// Delete stops monitoring and clears the queues.
func (mi *MonitoredItem) Delete() {
	mi.Lock()
	defer mi.Unlock()
	mi.stopMonitoring()
	mi.queue.Clear()
	mi.events.Clear()
	mi.prequeue.Clear()
	mi.previousQueuedValue = ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, 0, time.Time{}, 0)
}

// SetMonitoringMode sets the MonitoringMode of the MonitoredItem.
func (mi *MonitoredItem) SetMonitoringMode(mode ua.MonitoringMode) {
	mi.Lock()
	defer mi.Unlock()
	if mi.monitoringMode == mode {
		return
	}
	mi.stopMonitoring()
	mi.monitoringMode = mode
	if mode == ua.MonitoringModeDisabled {
		mi.queue.Clear()
		mi.events.Clear()
		mi.previousQueuedValue = ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, 0, time.Time{}, 0)
	}
	mi.startMonitoring()
}

func (mi *MonitoredItem) isEventItem() bool {
	return mi.itemToMonitor.AttributeID == ua.AttributeIDEventNotifier
}

func (mi *MonitoredItem) setQueueSize(queueSize uint32) {
	if mi.isEventItem() {
		queueSize = maxQueueSize
	}
	if queueSize > maxQueueSize {
		queueSize = maxQueueSize
	}
	if queueSize < 1 {
		queueSize = 1
	}
	mi.queueSize = queueSize

	// trim to size
	for mi.queue.Len() > int(mi.queueSize) {
		if mi.discardOldest {
			mi.queue.PopFront()
		} else {
			mi.queue.PopBack()
		}
	}
}

// setSamplingInterval revises the interval. A negative interval means the publishing interval.
func (mi *MonitoredItem) setSamplingInterval(samplingInterval, publishingInterval float64) {
	if mi.isEventItem() {
		mi.samplingInterval = 0
		return
	}
	if samplingInterval < 0 {
		samplingInterval = publishingInterval
	}
	if samplingInterval < mi.srv.minSamplingInterval {
		samplingInterval = mi.srv.minSamplingInterval
	}
	if samplingInterval > maxSamplingInterval {
		samplingInterval = maxSamplingInterval
	}
	if v, ok := mi.srv.namespaceManager.FindVariable(mi.itemToMonitor.NodeID); ok {
		if m := v.MinimumSamplingInterval(); samplingInterval < m {
			samplingInterval = m
		}
	}
	mi.samplingInterval = samplingInterval
}

func (mi *MonitoredItem) setFilter(filter ua.ExtensionObject) {
	mi.dataChangeFilter = ua.DataChangeFilter{Trigger: ua.DataChangeTriggerStatusValue}
	mi.eventFilter = ua.EventFilter{SelectClauses: ua.BaseEventSelectClauses}
	switch {
	case mi.isEventItem():
		if ef, ok := filter.(ua.EventFilter); ok && len(ef.SelectClauses) > 0 {
			mi.eventFilter = ef
		}
	default:
		if dcf, ok := filter.(ua.DataChangeFilter); ok {
			mi.dataChangeFilter = dcf
		}
	}
}

// startMonitoring is called with the lock held.
func (mi *MonitoredItem) startMonitoring() {
	if mi.monitoringMode == ua.MonitoringModeDisabled {
		return
	}
	if mi.isEventItem() {
		mi.srv.namespaceManager.subscribeEvents(mi)
		return
	}
	mi.prequeue.PushBack(mi.srv.readValue(mi.itemToMonitor))
	mi.srv.scheduler.Subscribe(mi.samplingDuration(), mi)
}

// stopMonitoring is called with the lock held.
func (mi *MonitoredItem) stopMonitoring() {
	if mi.isEventItem() {
		mi.srv.namespaceManager.unsubscribeEvents(mi)
		return
	}
	mi.srv.scheduler.Unsubscribe(mi.samplingDuration(), mi)
}

func (mi *MonitoredItem) samplingDuration() time.Duration {
	return time.Duration(mi.samplingInterval * float64(time.Millisecond))
}

// Poll reads the value of the itemToMonitor.
func (mi *MonitoredItem) Poll() {
	v := mi.srv.readValue(mi.itemToMonitor)
	mi.Lock()
	if mi.monitoringMode != ua.MonitoringModeDisabled {
		mi.prequeue.PushBack(v)
	}
	mi.Unlock()
}

// OnEvent queues the selected fields of the event.
func (mi *MonitoredItem) OnEvent(evt *ua.BaseEvent) {
	mi.Lock()
	defer mi.Unlock()
	if mi.monitoringMode == ua.MonitoringModeDisabled {
		return
	}
	for mi.events.Len() >= int(mi.queueSize) {
		if mi.discardOldest {
			mi.events.PopFront()
		} else {
			mi.events.PopBack()
		}
		mi.overflowCount++
	}
	mi.events.PushBack(evt.Select(mi.eventFilter.SelectClauses))
}

// enqueue is called with the lock held.
func (mi *MonitoredItem) enqueue(item ua.DataValue) {
	overflow := false
	if mi.discardOldest {
		for mi.queue.Len() >= int(mi.queueSize) {
			mi.queue.PopFront() // discard oldest
			overflow = true
		}
		mi.queue.PushBack(item)
		if overflow && mi.queueSize > 1 {
			v := mi.queue.Front()
			v.StatusCode = ua.StatusCode(uint32(v.StatusCode) | ua.InfoTypeDataValue | ua.Overflow)
			mi.queue.Set(0, v)
		}
	} else {
		for mi.queue.Len() >= int(mi.queueSize) {
			mi.queue.PopBack() // discard newest
			overflow = true
		}
		mi.queue.PushBack(item)
		if overflow && mi.queueSize > 1 {
			v := mi.queue.Back()
			v.StatusCode = ua.StatusCode(uint32(v.StatusCode) | ua.InfoTypeDataValue | ua.Overflow)
			mi.queue.Set(mi.queue.Len()-1, v)
		}
	}
	if overflow {
		mi.overflowCount++
	}
}

// sample moves the sampled values that pass the filter into the queue, and reports
// whether the item has notifications to publish.
func (mi *MonitoredItem) sample() bool {
	mi.Lock()
	defer mi.Unlock()
	if mi.monitoringMode == ua.MonitoringModeDisabled {
		return false
	}
	if mi.isEventItem() {
		return mi.events.Len() > 0 && mi.monitoringMode == ua.MonitoringModeReporting
	}
	for mi.prequeue.Len() > 0 {
		v := mi.prequeue.PopFront()
		if mi.isDataChange(v, mi.previousQueuedValue) {
			mi.enqueue(withTimestamps(v, mi.timestampsToReturn))
			mi.previousQueuedValue = v
		}
	}
	return mi.queue.Len() > 0 && mi.monitoringMode == ua.MonitoringModeReporting
}

// dataNotifications removes at most max values from the queue. Zero means no limit.
func (mi *MonitoredItem) dataNotifications(max int) (notifications []ua.MonitoredItemNotification, more bool) {
	mi.Lock()
	defer mi.Unlock()
	for (max == 0 || len(notifications) < max) && mi.queue.Len() > 0 {
		notifications = append(notifications, ua.MonitoredItemNotification{ClientHandle: mi.clientHandle, Value: mi.queue.PopFront()})
	}
	return notifications, mi.queue.Len() > 0
}

// eventNotifications removes at most max events from the queue. Zero means no limit.
func (mi *MonitoredItem) eventNotifications(max int) (notifications []ua.EventFieldList, more bool) {
	mi.Lock()
	defer mi.Unlock()
	for (max == 0 || len(notifications) < max) && mi.events.Len() > 0 {
		notifications = append(notifications, ua.EventFieldList{ClientHandle: mi.clientHandle, EventFields: mi.events.PopFront()})
	}
	return notifications, mi.events.Len() > 0
}

func (mi *MonitoredItem) isDataChange(current, previous ua.DataValue) bool {
	dcf := mi.dataChangeFilter
	if current.StatusCode&0xFFFFF000 != previous.StatusCode&0xFFFFF000 {
		return true
	}
	switch dcf.Trigger {
	case ua.DataChangeTriggerStatus:
		return false
	case ua.DataChangeTriggerStatusValueTimestamp:
		if !current.SourceTimestamp.Equal(previous.SourceTimestamp) {
			return true
		}
	}
	switch dcf.DeadbandType {
	case ua.DeadbandTypeAbsolute:
		return !deadbandEqualAbsolute(current.Value, previous.Value, dcf.DeadbandValue)
	case ua.DeadbandTypePercent:
		return true
	default:
		return !reflect.DeepEqual(current.Value, previous.Value)
	}
}

// deadbandEqualAbsolute returns true if both values are numbers that differ by no more than the deadband.
func deadbandEqualAbsolute(current, previous ua.Variant, deadband float64) bool {
	c, ok1 := toFloat64(current)
	p, ok2 := toFloat64(previous)
	if !ok1 || !ok2 {
		return reflect.DeepEqual(current, previous)
	}
	return math.Abs(c-p) <= deadband
}

func toFloat64(v ua.Variant) (float64, bool) {
	switch x := v.(type) {
	case int8:
		return float64(x), true
	case uint8:
		return float64(x), true
	case int16:
		return float64(x), true
	case uint16:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// withTimestamps returns a new instance of DataValue with only the selected timestamps.
func withTimestamps(value ua.DataValue, timestampsToReturn ua.TimestampsToReturn) ua.DataValue {
	switch timestampsToReturn {
	case ua.TimestampsToReturnSource:
		return ua.NewDataValue(value.Value, value.StatusCode, value.SourceTimestamp, 0, time.Time{}, 0)
	case ua.TimestampsToReturnServer:
		return ua.NewDataValue(value.Value, value.StatusCode, time.Time{}, 0, value.ServerTimestamp, 0)
	case ua.TimestampsToReturnNeither:
		return ua.NewDataValue(value.Value, value.StatusCode, time.Time{}, 0, time.Time{}, 0)
	default:
		return value
	}
}
