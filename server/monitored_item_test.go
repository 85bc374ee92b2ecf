package server

import (
	"testing"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"gotest.tools/assert"
)

func newQueueItem(queueSize uint32, discardOldest bool) *MonitoredItem {
	return &MonitoredItem{
		itemToMonitor: ua.ReadValueID{NodeID: testNodeID, AttributeID: ua.AttributeIDValue},
		queueSize:     queueSize,
		discardOldest: discardOldest,
	}
}

func queuedValues(mi *MonitoredItem) []ua.Variant {
	values := make([]ua.Variant, 0, mi.queue.Len())
	for i := 0; i < mi.queue.Len(); i++ {
		values = append(values, mi.queue.At(i).Value)
	}
	return values
}

func TestEnqueueDiscardOldest(t *testing.T) {
	mi := newQueueItem(2, true)
	for i := 1; i <= 3; i++ {
		mi.enqueue(ua.NewDataValue(i, ua.Good, time.Time{}, 0, time.Time{}, 0))
	}
	assert.DeepEqual(t, queuedValues(mi), []ua.Variant{2, 3})
	assert.Equal(t, uint32(mi.queue.Front().StatusCode)&ua.Overflow, ua.Overflow)
	assert.Equal(t, mi.overflowCount, uint32(1))
}

func TestEnqueueDiscardNewest(t *testing.T) {
	mi := newQueueItem(2, false)
	for i := 1; i <= 3; i++ {
		mi.enqueue(ua.NewDataValue(i, ua.Good, time.Time{}, 0, time.Time{}, 0))
	}
	assert.DeepEqual(t, queuedValues(mi), []ua.Variant{1, 3})
	assert.Equal(t, uint32(mi.queue.Back().StatusCode)&ua.Overflow, ua.Overflow)
}

func TestEnqueueQueueSizeOneHasNoOverflowBit(t *testing.T) {
	mi := newQueueItem(1, true)
	mi.enqueue(ua.NewDataValue(1, ua.Good, time.Time{}, 0, time.Time{}, 0))
	mi.enqueue(ua.NewDataValue(2, ua.Good, time.Time{}, 0, time.Time{}, 0))
	assert.DeepEqual(t, queuedValues(mi), []ua.Variant{2})
	assert.Equal(t, mi.queue.Front().StatusCode, ua.Good)
}

func TestIsDataChange(t *testing.T) {
	now := time.Now()
	mi := newQueueItem(1, true)
	mi.setFilter(nil)
	prev := ua.NewDataValue(1.0, ua.Good, now, 0, now, 0)
	assert.Assert(t, !mi.isDataChange(ua.NewDataValue(1.0, ua.Good, now.Add(time.Second), 0, now, 0), prev))
	assert.Assert(t, mi.isDataChange(ua.NewDataValue(1.5, ua.Good, now, 0, now, 0), prev))
	assert.Assert(t, mi.isDataChange(ua.NewDataValue(1.0, ua.BadNodeIDUnknown, now, 0, now, 0), prev))

	mi.setFilter(ua.DataChangeFilter{Trigger: ua.DataChangeTriggerStatusValueTimestamp})
	assert.Assert(t, mi.isDataChange(ua.NewDataValue(1.0, ua.Good, now.Add(time.Second), 0, now, 0), prev))

	mi.setFilter(ua.DataChangeFilter{Trigger: ua.DataChangeTriggerStatus})
	assert.Assert(t, !mi.isDataChange(ua.NewDataValue(2.0, ua.Good, now, 0, now, 0), prev))

	mi.setFilter(ua.DataChangeFilter{Trigger: ua.DataChangeTriggerStatusValue, DeadbandType: ua.DeadbandTypeAbsolute, DeadbandValue: 0.5})
	assert.Assert(t, !mi.isDataChange(ua.NewDataValue(1.4, ua.Good, now, 0, now, 0), prev))
	assert.Assert(t, mi.isDataChange(ua.NewDataValue(1.6, ua.Good, now, 0, now, 0), prev))
	assert.Assert(t, mi.isDataChange(ua.NewDataValue("text", ua.Good, now, 0, now, 0), prev))
}

func TestWithTimestamps(t *testing.T) {
	now := time.Now()
	v := ua.NewDataValue(1, ua.Good, now, 3, now, 4)
	src := withTimestamps(v, ua.TimestampsToReturnSource)
	assert.Equal(t, src.SourceTimestamp, now)
	assert.Assert(t, src.ServerTimestamp.IsZero())
	svr := withTimestamps(v, ua.TimestampsToReturnServer)
	assert.Assert(t, svr.SourceTimestamp.IsZero())
	assert.Equal(t, svr.ServerTimestamp, now)
	neither := withTimestamps(v, ua.TimestampsToReturnNeither)
	assert.Assert(t, neither.SourceTimestamp.IsZero() && neither.ServerTimestamp.IsZero())
	assert.Equal(t, withTimestamps(v, ua.TimestampsToReturnBoth), v)
}

type countingListener struct {
	polls chan struct{}
}

func newCountingListener() *countingListener {
	return &countingListener{polls: make(chan struct{}, 1)}
}

func (l *countingListener) Poll() {
	select {
	case l.polls <- struct{}{}:
	default:
	}
}

func TestSchedulerSharesPollGroups(t *testing.T) {
	srv := newTestServer(t, WithMinSamplingInterval(20))
	s := srv.Scheduler()
	a, b := newCountingListener(), newCountingListener()
	s.Subscribe(100*time.Millisecond, a)
	s.Subscribe(100*time.Millisecond, b)
	assert.Equal(t, s.Len(), 1)
	g, ok := s.PollGroup(100 * time.Millisecond)
	assert.Assert(t, ok)
	assert.Equal(t, g.Len(), 2)

	// intervals below the minimum share the fastest group.
	s.Subscribe(time.Millisecond, a)
	g, ok = s.PollGroup(20 * time.Millisecond)
	assert.Assert(t, ok)
	assert.Equal(t, g.Interval(), 20*time.Millisecond)
	assert.Equal(t, s.Len(), 2)

	s.Unsubscribe(20*time.Millisecond, a)
	assert.Equal(t, s.Len(), 1)
	s.Unsubscribe(100*time.Millisecond, a)
	s.Unsubscribe(100*time.Millisecond, b)
	assert.Equal(t, s.Len(), 0)
	// unknown groups are ignored.
	s.Unsubscribe(time.Second, a)
}

func TestPollGroupPollsListeners(t *testing.T) {
	srv := newTestServer(t)
	l := newCountingListener()
	srv.Scheduler().Subscribe(10*time.Millisecond, l)
	select {
	case <-l.polls:
	case <-time.After(5 * time.Second):
		t.Fatal("listener not polled")
	}
	srv.Scheduler().Unsubscribe(10*time.Millisecond, l)
	_, ok := srv.Scheduler().PollGroup(10 * time.Millisecond)
	assert.Assert(t, !ok)
}

func TestDataItemsShareSchedulerGroup(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.AddVariable(testNodeID, 1.0)
	assert.NilError(t, err)
	sub := createSubscription(t, srv, 1000, 100, 300)
	first := createDataItem(t, srv, sub.SubscriptionID, 1)
	createDataItem(t, srv, sub.SubscriptionID, 2)
	g, ok := srv.Scheduler().PollGroup(10 * time.Millisecond)
	assert.Assert(t, ok)
	assert.Equal(t, g.Len(), 2)

	res := request[*ua.DeleteMonitoredItemsResponse](t, srv, &ua.DeleteMonitoredItemsRequest{
		SubscriptionID:   sub.SubscriptionID,
		MonitoredItemIDs: []uint32{first.MonitoredItemID},
	})
	assert.DeepEqual(t, res.Results, []ua.StatusCode{ua.Good})
	assert.Equal(t, g.Len(), 1)
}

func TestSamplingSkipsUnchangedValues(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.AddVariable(testNodeID, 1.0)
	assert.NilError(t, err)
	sub := createSubscription(t, srv, 1000, 100, 300)
	item := createDataItem(t, srv, sub.SubscriptionID, 1)
	s, _ := srv.SubscriptionManager().Get(sub.SubscriptionID)
	mi, _ := s.MonitoredItem(item.MonitoredItemID)

	mi.Poll()
	mi.Poll()
	assert.Assert(t, mi.sample())
	n, more := mi.dataNotifications(0)
	assert.Equal(t, len(n), 1)
	assert.Assert(t, !more)

	assert.NilError(t, srv.SetValue(testNodeID, 2.0))
	mi.Poll()
	assert.Assert(t, mi.sample())
	n, _ = mi.dataNotifications(0)
	assert.Equal(t, n[len(n)-1].Value.Value, ua.Variant(2.0))
}
