// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"reflect"
	"sync"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/pkg/errors"
)

const (
	// defaultSamplingInterval requests the publishing interval of the subscription.
	defaultSamplingInterval float64 = -1
	// defaultQueueSize is the default number of values queued by the server for each item.
	defaultQueueSize uint32 = 1
)

// MonitoredItemServerState is the configuration of a monitored item as last acknowledged by the server.
type MonitoredItemServerState struct {
	MonitoredItemID         uint32
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
	FilterResult            ua.ExtensionObject
	MonitoringMode          ua.MonitoringMode
}

// monitoredItemDiff holds the fields changed since the last successful create or modify.
type monitoredItemDiff struct {
	samplingInterval   *float64
	queueSize          *uint32
	discardOldest      *bool
	filter             *ua.ExtensionObject
	timestampsToReturn *ua.TimestampsToReturn
}

func (d monitoredItemDiff) isEmpty() bool {
	return d.samplingInterval == nil && d.queueSize == nil && d.discardOldest == nil && d.filter == nil && d.timestampsToReturn == nil
}

// MonitoredItem is a data or event source of a subscription.
type MonitoredItem struct {
	mu                 sync.Mutex
	itemToMonitor      ua.ReadValueID
	monitoringMode     ua.MonitoringMode
	samplingInterval   float64
	queueSize          uint32
	discardOldest      bool
	filter             ua.ExtensionObject
	timestampsToReturn ua.TimestampsToReturn
	state              SyncState
	clientHandle       uint32
	server             *MonitoredItemServerState
	diff               monitoredItemDiff
	revision           uint64
	subscription       *Subscription
	dataHandler        func(*MonitoredItem, ua.DataValue)
	eventHandler       func(*MonitoredItem, []ua.Variant)
}

// MonitoredItemOption is a functional option to be applied to a monitored item during initialization.
type MonitoredItemOption func(*MonitoredItem)

// WithSamplingInterval sets the requested sampling interval in milliseconds. (default: -1, the publishing interval)
func WithSamplingInterval(value float64) MonitoredItemOption {
	return func(m *MonitoredItem) {
		m.samplingInterval = value
	}
}

// WithQueueSize sets the requested size of the server queue. (default: 1)
func WithQueueSize(value uint32) MonitoredItemOption {
	return func(m *MonitoredItem) {
		m.queueSize = value
	}
}

// WithDiscardOldest sets whether the server discards the oldest value when the queue is full. (default: true)
func WithDiscardOldest(value bool) MonitoredItemOption {
	return func(m *MonitoredItem) {
		m.discardOldest = value
	}
}

// WithFilter sets the monitoring filter, e.g. ua.DataChangeFilter or ua.EventFilter. (default: none)
func WithFilter(value ua.ExtensionObject) MonitoredItemOption {
	return func(m *MonitoredItem) {
		m.filter = value
	}
}

// WithMonitoringMode sets the monitoring mode used when the item is created. (default: Reporting)
func WithMonitoringMode(value ua.MonitoringMode) MonitoredItemOption {
	return func(m *MonitoredItem) {
		m.monitoringMode = value
	}
}

// WithTimestampsToReturn sets the timestamps the server attaches to values. (default: Both)
func WithTimestampsToReturn(value ua.TimestampsToReturn) MonitoredItemOption {
	return func(m *MonitoredItem) {
		m.timestampsToReturn = value
	}
}

// WithDataValueHandler sets the function called with each value received for the item.
func WithDataValueHandler(f func(*MonitoredItem, ua.DataValue)) MonitoredItemOption {
	return func(m *MonitoredItem) {
		m.dataHandler = f
	}
}

// WithEventHandler sets the function called with the fields of each event received for the item.
func WithEventHandler(f func(*MonitoredItem, []ua.Variant)) MonitoredItemOption {
	return func(m *MonitoredItem) {
		m.eventHandler = f
	}
}

// NewMonitoredItem returns a monitored item for the given attribute. The item is
// created on the server after it is added to a subscription and the subscription is synchronized.
func NewMonitoredItem(itemToMonitor ua.ReadValueID, opts ...MonitoredItemOption) *MonitoredItem {
	m := &MonitoredItem{
		itemToMonitor:      itemToMonitor,
		monitoringMode:     ua.MonitoringModeReporting,
		samplingInterval:   defaultSamplingInterval,
		queueSize:          defaultQueueSize,
		discardOldest:      true,
		timestampsToReturn: ua.TimestampsToReturnBoth,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewDataItem returns a monitored item for the Value attribute of a node.
func NewDataItem(nodeID ua.NodeID, opts ...MonitoredItemOption) *MonitoredItem {
	return NewMonitoredItem(ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDValue}, opts...)
}

// NewEventItem returns a monitored item for the events of a notifier node.
func NewEventItem(nodeID ua.NodeID, filter ua.EventFilter, opts ...MonitoredItemOption) *MonitoredItem {
	opts = append([]MonitoredItemOption{WithFilter(filter), WithSamplingInterval(0), WithQueueSize(1000)}, opts...)
	return NewMonitoredItem(ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDEventNotifier}, opts...)
}

// ItemToMonitor returns the attribute that is monitored.
func (m *MonitoredItem) ItemToMonitor() ua.ReadValueID {
	return m.itemToMonitor
}

// ClientHandle returns the handle that correlates notifications with the item, or zero if not added.
func (m *MonitoredItem) ClientHandle() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientHandle
}

// MonitoredItemID returns the id assigned by the server, or zero if not created.
func (m *MonitoredItem) MonitoredItemID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return 0
	}
	return m.server.MonitoredItemID
}

// State returns the synchronization state.
func (m *MonitoredItem) State() SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ServerState returns a copy of the configuration acknowledged by the server. Returns false if not created.
func (m *MonitoredItem) ServerState() (MonitoredItemServerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return MonitoredItemServerState{}, false
	}
	return *m.server, true
}

// Subscription returns the subscription the item was added to, or nil.
func (m *MonitoredItem) Subscription() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscription
}

// SamplingInterval returns the desired sampling interval.
func (m *MonitoredItem) SamplingInterval() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samplingInterval
}

// QueueSize returns the desired queue size.
func (m *MonitoredItem) QueueSize() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueSize
}

// DiscardOldest returns the desired discard policy.
func (m *MonitoredItem) DiscardOldest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discardOldest
}

// Filter returns the desired filter.
func (m *MonitoredItem) Filter() ua.ExtensionObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter
}

// MonitoringMode returns the desired monitoring mode.
func (m *MonitoredItem) MonitoringMode() ua.MonitoringMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoringMode
}

// TimestampsToReturn returns the desired timestamps to return.
func (m *MonitoredItem) TimestampsToReturn() ua.TimestampsToReturn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timestampsToReturn
}

// SetSamplingInterval sets the desired sampling interval in milliseconds.
func (m *MonitoredItem) SetSamplingInterval(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samplingInterval = value
	m.markChanged(func(d *monitoredItemDiff) { d.samplingInterval = &value })
}

// SetQueueSize sets the desired size of the server queue.
func (m *MonitoredItem) SetQueueSize(value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueSize = value
	m.markChanged(func(d *monitoredItemDiff) { d.queueSize = &value })
}

// SetDiscardOldest sets whether the server discards the oldest value when the queue is full.
func (m *MonitoredItem) SetDiscardOldest(value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardOldest = value
	m.markChanged(func(d *monitoredItemDiff) { d.discardOldest = &value })
}

// SetFilter sets the desired monitoring filter.
func (m *MonitoredItem) SetFilter(value ua.ExtensionObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = value
	m.markChanged(func(d *monitoredItemDiff) { d.filter = &value })
}

// SetTimestampsToReturn sets the timestamps the server attaches to values.
func (m *MonitoredItem) SetTimestampsToReturn(value ua.TimestampsToReturn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timestampsToReturn = value
	m.markChanged(func(d *monitoredItemDiff) { d.timestampsToReturn = &value })
}

// SetDataValueHandler sets the function called with each value received for the item.
func (m *MonitoredItem) SetDataValueHandler(f func(*MonitoredItem, ua.DataValue)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataHandler = f
}

// SetEventHandler sets the function called with the fields of each event received for the item.
func (m *MonitoredItem) SetEventHandler(f func(*MonitoredItem, []ua.Variant)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandler = f
}

// SetMonitoringMode changes the monitoring mode. If the item is not yet created, only
// the mode used at creation changes.
func (m *MonitoredItem) SetMonitoringMode(ctx context.Context, mode ua.MonitoringMode) error {
	m.mu.Lock()
	if m.state == SyncStateInitial {
		m.monitoringMode = mode
		m.mu.Unlock()
		return nil
	}
	s := m.subscription
	m.mu.Unlock()
	if s == nil {
		return ErrItemNotCreated
	}
	b := s.client.NewBatchSetMonitoringMode()
	if _, err := b.Add(m, mode); err != nil {
		return err
	}
	results, err := b.Execute(ctx)
	if err != nil {
		return err
	}
	if r := results[0]; !r.IsGood() {
		return errors.Wrapf(r.StatusCode(), "set monitoring mode of item %d", m.ClientHandle())
	}
	return nil
}

// markChanged records a change in the pending diff. Requires lock held.
func (m *MonitoredItem) markChanged(f func(*monitoredItemDiff)) {
	m.revision++
	if m.state == SyncStateInitial {
		return
	}
	f(&m.diff)
	m.state = SyncStateUnsynchronized
}

// parameters returns the requested parameters from the desired values. Requires lock held.
func (m *MonitoredItem) parameters() ua.MonitoringParameters {
	return ua.MonitoringParameters{
		ClientHandle:     m.clientHandle,
		SamplingInterval: m.samplingInterval,
		Filter:           m.filter,
		QueueSize:        m.queueSize,
		DiscardOldest:    m.discardOldest,
	}
}

// createRequest builds the request to create the item, with the revision of the
// desired values it was built from. Does not change state.
func (m *MonitoredItem) createRequest() (ua.MonitoredItemCreateRequest, ua.TimestampsToReturn, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ua.MonitoredItemCreateRequest{
		ItemToMonitor:       m.itemToMonitor,
		MonitoringMode:      m.monitoringMode,
		RequestedParameters: m.parameters(),
	}, m.timestampsToReturn, m.revision
}

// modifyRequest builds the request to modify the item, with the revision of the
// desired values it was built from. Does not change state.
func (m *MonitoredItem) modifyRequest() (ua.MonitoredItemModifyRequest, ua.TimestampsToReturn, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uint32(0)
	if m.server != nil {
		id = m.server.MonitoredItemID
	}
	return ua.MonitoredItemModifyRequest{
		MonitoredItemID:     id,
		RequestedParameters: m.parameters(),
	}, m.timestampsToReturn, m.revision
}

// applyCreateResult applies the result of a create call built at the given revision.
// Values changed while the call was in flight are left in the diff for the next modify.
func (m *MonitoredItem) applyCreateResult(result OperationResult, res ua.MonitoredItemCreateResult, sent ua.MonitoredItemCreateRequest, timestamps ua.TimestampsToReturn, revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !result.IsGood() {
		m.state = SyncStateInitial
		m.server = nil
		m.diff = monitoredItemDiff{}
		return
	}
	m.server = &MonitoredItemServerState{
		MonitoredItemID:         res.MonitoredItemID,
		RevisedSamplingInterval: res.RevisedSamplingInterval,
		RevisedQueueSize:        res.RevisedQueueSize,
		FilterResult:            res.FilterResult,
		MonitoringMode:          sent.MonitoringMode,
	}
	m.diff = monitoredItemDiff{}
	m.state = SyncStateSynchronized
	if m.revision != revision {
		m.diffFrom(sent.RequestedParameters, timestamps)
	}
}

// diffFrom records the desired values that differ from the sent ones. Requires lock held.
func (m *MonitoredItem) diffFrom(sent ua.MonitoringParameters, timestamps ua.TimestampsToReturn) {
	if m.samplingInterval != sent.SamplingInterval {
		v := m.samplingInterval
		m.diff.samplingInterval = &v
	}
	if m.queueSize != sent.QueueSize {
		v := m.queueSize
		m.diff.queueSize = &v
	}
	if m.discardOldest != sent.DiscardOldest {
		v := m.discardOldest
		m.diff.discardOldest = &v
	}
	if !reflect.DeepEqual(m.filter, sent.Filter) {
		v := m.filter
		m.diff.filter = &v
	}
	if m.timestampsToReturn != timestamps {
		v := m.timestampsToReturn
		m.diff.timestampsToReturn = &v
	}
	if !m.diff.isEmpty() {
		m.state = SyncStateUnsynchronized
	}
}

// applyModifyResult applies the result of a modify call built at the given revision.
// The diff is kept if the desired values changed while the call was in flight.
func (m *MonitoredItem) applyModifyResult(result OperationResult, res ua.MonitoredItemModifyResult, revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == SyncStateInitial {
		return
	}
	if !result.IsGood() {
		m.state = SyncStateUnsynchronized
		return
	}
	m.server.RevisedSamplingInterval = res.RevisedSamplingInterval
	m.server.RevisedQueueSize = res.RevisedQueueSize
	m.server.FilterResult = res.FilterResult
	if m.revision != revision {
		m.state = SyncStateUnsynchronized
		return
	}
	m.diff = monitoredItemDiff{}
	m.state = SyncStateSynchronized
}

// applyBatchModifyResult applies the result of a batch modify. On success the desired
// values become the values that were sent.
func (m *MonitoredItem) applyBatchModifyResult(result OperationResult, res ua.MonitoredItemModifyResult, sent ua.MonitoringParameters, timestamps ua.TimestampsToReturn, revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == SyncStateInitial || !result.IsGood() {
		return
	}
	m.samplingInterval = sent.SamplingInterval
	m.queueSize = sent.QueueSize
	m.discardOldest = sent.DiscardOldest
	m.filter = sent.Filter
	m.timestampsToReturn = timestamps
	m.server.RevisedSamplingInterval = res.RevisedSamplingInterval
	m.server.RevisedQueueSize = res.RevisedQueueSize
	m.server.FilterResult = res.FilterResult
	if m.revision != revision {
		m.state = SyncStateUnsynchronized
		return
	}
	m.diff = monitoredItemDiff{}
	m.state = SyncStateSynchronized
}

// applyMonitoringModeResult applies the result of a set monitoring mode call.
func (m *MonitoredItem) applyMonitoringModeResult(result OperationResult, mode ua.MonitoringMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil || !result.IsGood() {
		return
	}
	m.monitoringMode = mode
	m.server.MonitoringMode = mode
}

// applyDeleteResult resets the item regardless of status. Returns the client handle that was released.
func (m *MonitoredItem) applyDeleteResult(status ua.StatusCode) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := m.clientHandle
	m.state = SyncStateInitial
	m.server = nil
	m.diff = monitoredItemDiff{}
	m.clientHandle = 0
	m.subscription = nil
	return handle
}

// notifyTransferFailed resets the item as after a failed create. The client handle is kept.
func (m *MonitoredItem) notifyTransferFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = SyncStateInitial
	m.server = nil
	m.diff = monitoredItemDiff{}
}

func (m *MonitoredItem) onDataValue(value ua.DataValue) {
	m.mu.Lock()
	h := m.dataHandler
	m.mu.Unlock()
	if h != nil {
		h(m, value)
	}
}

func (m *MonitoredItem) onEvent(fields []ua.Variant) {
	m.mu.Lock()
	h := m.eventHandler
	m.mu.Unlock()
	if h != nil {
		h(m, fields)
	}
}

// fields returns the names of the changed fields.
func (d monitoredItemDiff) fields() []string {
	var ret []string
	if d.samplingInterval != nil {
		ret = append(ret, "SamplingInterval")
	}
	if d.queueSize != nil {
		ret = append(ret, "QueueSize")
	}
	if d.discardOldest != nil {
		ret = append(ret, "DiscardOldest")
	}
	if d.filter != nil {
		ret = append(ret, "Filter")
	}
	if d.timestampsToReturn != nil {
		ret = append(ret, "TimestampsToReturn")
	}
	return ret
}

// PendingChanges returns the names of the fields changed since the server last acknowledged the item.
func (m *MonitoredItem) PendingChanges() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diff.fields()
}
