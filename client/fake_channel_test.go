package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"gotest.tools/assert"
)

type publishResult struct {
	res *ua.PublishResponse
	err error
}

// fakeChannel records requests and answers them with scripted handlers. Without a handler,
// services succeed with the requested values, Read fails and Publish waits for publishCh.
type fakeChannel struct {
	sync.Mutex
	calls          []ua.ServiceRequest
	handlers       map[string]func(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error)
	subscriptionID uint32
	itemID         uint32
	publishCh      chan publishResult
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers:  make(map[string]func(context.Context, ua.ServiceRequest) (ua.ServiceResponse, error)),
		publishCh: make(chan publishResult),
	}
}

func (f *fakeChannel) on(service string, h func(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error)) {
	f.Lock()
	defer f.Unlock()
	f.handlers[service] = h
}

func (f *fakeChannel) callsOf(service string) []ua.ServiceRequest {
	f.Lock()
	defer f.Unlock()
	var ret []ua.ServiceRequest
	for _, req := range f.calls {
		if serviceName(req) == service {
			ret = append(ret, req)
		}
	}
	return ret
}

func (f *fakeChannel) services() []string {
	f.Lock()
	defer f.Unlock()
	ret := make([]string, len(f.calls))
	for i, req := range f.calls {
		ret[i] = serviceName(req)
	}
	return ret
}

func (f *fakeChannel) Request(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	name := serviceName(req)
	f.Lock()
	f.calls = append(f.calls, req)
	h := f.handlers[name]
	f.Unlock()
	if h != nil {
		return h(ctx, req)
	}
	switch r := req.(type) {
	case *ua.CreateSubscriptionRequest:
		f.Lock()
		f.subscriptionID++
		id := f.subscriptionID
		f.Unlock()
		return &ua.CreateSubscriptionResponse{
			SubscriptionID:            id,
			RevisedPublishingInterval: r.RequestedPublishingInterval,
			RevisedLifetimeCount:      r.RequestedLifetimeCount,
			RevisedMaxKeepAliveCount:  r.RequestedMaxKeepAliveCount,
		}, nil
	case *ua.ModifySubscriptionRequest:
		return &ua.ModifySubscriptionResponse{
			RevisedPublishingInterval: r.RequestedPublishingInterval,
			RevisedLifetimeCount:      r.RequestedLifetimeCount,
			RevisedMaxKeepAliveCount:  r.RequestedMaxKeepAliveCount,
		}, nil
	case *ua.DeleteSubscriptionsRequest:
		return &ua.DeleteSubscriptionsResponse{Results: goodResults(len(r.SubscriptionIDs))}, nil
	case *ua.SetPublishingModeRequest:
		return &ua.SetPublishingModeResponse{Results: goodResults(len(r.SubscriptionIDs))}, nil
	case *ua.CreateMonitoredItemsRequest:
		results := make([]ua.MonitoredItemCreateResult, len(r.ItemsToCreate))
		f.Lock()
		for i, item := range r.ItemsToCreate {
			f.itemID++
			results[i] = ua.MonitoredItemCreateResult{
				MonitoredItemID:         f.itemID,
				RevisedSamplingInterval: item.RequestedParameters.SamplingInterval,
				RevisedQueueSize:        item.RequestedParameters.QueueSize,
			}
		}
		f.Unlock()
		return &ua.CreateMonitoredItemsResponse{Results: results}, nil
	case *ua.ModifyMonitoredItemsRequest:
		results := make([]ua.MonitoredItemModifyResult, len(r.ItemsToModify))
		for i, item := range r.ItemsToModify {
			results[i] = ua.MonitoredItemModifyResult{
				RevisedSamplingInterval: item.RequestedParameters.SamplingInterval,
				RevisedQueueSize:        item.RequestedParameters.QueueSize,
			}
		}
		return &ua.ModifyMonitoredItemsResponse{Results: results}, nil
	case *ua.DeleteMonitoredItemsRequest:
		return &ua.DeleteMonitoredItemsResponse{Results: goodResults(len(r.MonitoredItemIDs))}, nil
	case *ua.SetMonitoringModeRequest:
		return &ua.SetMonitoringModeResponse{Results: goodResults(len(r.MonitoredItemIDs))}, nil
	case *ua.ReadRequest:
		return nil, ua.BadNodeIDUnknown
	case *ua.RepublishRequest:
		return nil, ua.BadMessageNotAvailable
	case *ua.PublishRequest:
		select {
		case p := <-f.publishCh:
			if p.err != nil {
				return nil, p.err
			}
			return p.res, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ua.BadServiceUnsupported
}

func goodResults(n int) []ua.StatusCode {
	return make([]ua.StatusCode, n)
}

func newTestClient(t *testing.T, f *fakeChannel, opts ...Option) *Client {
	t.Helper()
	c, err := New(f, opts...)
	assert.NilError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func newTestSubscription(t *testing.T, c *Client, opts ...SubscriptionOption) *Subscription {
	t.Helper()
	s := c.NewSubscription(opts...)
	assert.NilError(t, s.Create(context.Background()))
	return s
}

func newTestItems(n int) []*MonitoredItem {
	items := make([]*MonitoredItem, n)
	for i := range items {
		items[i] = NewDataItem(ua.NewNodeIDNumeric(2, uint32(i+1)))
	}
	return items
}

// waitFor polls the condition until it is true or the time is up.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recordingListener records what the delivery path hands to listeners.
type recordingListener struct {
	BaseSubscriptionListener
	sync.Mutex
	sequenceNumbers []uint32
	values          []ua.DataValue
	keepAlives      int
	statuses        []ua.StatusCode
	dataLost        int
	watchdog        int
	transferFailed  []ua.StatusCode
	block           chan struct{}
}

func (l *recordingListener) OnDataReceived(s *Subscription, items []*MonitoredItem, values []ua.DataValue) {
	if l.block != nil {
		<-l.block
	}
	l.Lock()
	defer l.Unlock()
	l.sequenceNumbers = append(l.sequenceNumbers, s.LastSequenceNumber())
	l.values = append(l.values, values...)
}

func (l *recordingListener) OnKeepAlive(s *Subscription, publishTime time.Time) {
	l.Lock()
	defer l.Unlock()
	l.keepAlives++
}

func (l *recordingListener) OnStatusChanged(s *Subscription, status ua.StatusCode) {
	l.Lock()
	defer l.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *recordingListener) OnNotificationDataLost(s *Subscription) {
	l.Lock()
	defer l.Unlock()
	l.dataLost++
}

func (l *recordingListener) OnWatchdogTimerElapsed(s *Subscription) {
	l.Lock()
	defer l.Unlock()
	l.watchdog++
}

func (l *recordingListener) OnTransferFailed(s *Subscription, status ua.StatusCode) {
	l.Lock()
	defer l.Unlock()
	l.transferFailed = append(l.transferFailed, status)
}

func (l *recordingListener) seqs() []uint32 {
	l.Lock()
	defer l.Unlock()
	return append([]uint32(nil), l.sequenceNumbers...)
}

func dataMessage(seq uint32, handle uint32, value any) ua.NotificationMessage {
	return ua.NotificationMessage{
		SequenceNumber: seq,
		PublishTime:    time.Now(),
		NotificationData: []ua.ExtensionObject{
			ua.DataChangeNotification{
				MonitoredItems: []ua.MonitoredItemNotification{
					{ClientHandle: handle, Value: ua.NewDataValue(value, ua.Good, time.Now(), 0, time.Now(), 0)},
				},
			},
		},
	}
}
