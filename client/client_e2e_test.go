package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/convertersystems/opcua-subscriptions/client"
	"github.com/convertersystems/opcua-subscriptions/server"
	"github.com/convertersystems/opcua-subscriptions/ua"
	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"
	"gotest.tools/assert/cmp"
)

var demoNodeID = ua.ParseNodeID("ns=2;s=Demo.Dynamic.Scalar.Double")

// newEndToEnd starts an in-memory server with one variable and a client connected to it.
func newEndToEnd(t *testing.T, opts ...client.Option) (*server.Server, *client.Client) {
	t.Helper()
	srv, err := server.New(
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithMinPublishingInterval(10),
		server.WithMinSamplingInterval(10),
	)
	assert.NilError(t, err)
	t.Cleanup(srv.Close)
	_, err = srv.AddVariable(demoNodeID, 1.0)
	assert.NilError(t, err)

	opts = append([]client.Option{client.WithLogger(zaptest.NewLogger(t))}, opts...)
	cli, err := client.New(srv, opts...)
	assert.NilError(t, err)
	t.Cleanup(func() { cli.Close(context.Background()) })
	return srv, cli
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		var zero T
		return zero
	}
}

type recorder struct {
	client.BaseSubscriptionListener
	statuses chan ua.StatusCode
	lost     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{statuses: make(chan ua.StatusCode, 8), lost: make(chan struct{}, 8)}
}

func (r *recorder) OnStatusChanged(s *client.Subscription, status ua.StatusCode) {
	r.statuses <- status
}

func (r *recorder) OnNotificationDataLost(s *client.Subscription) {
	r.lost <- struct{}{}
}

// subscribeValues creates a subscription with one data item that reports to the returned channel.
func subscribeValues(t *testing.T, cli *client.Client, l client.SubscriptionListener) (*client.Subscription, *client.MonitoredItem, <-chan ua.Variant) {
	t.Helper()
	values := make(chan ua.Variant, 64)
	sub := cli.NewSubscription(
		client.WithPublishingInterval(10),
		client.WithMaxKeepAliveCount(10),
		client.WithLifetimeCount(300),
		client.WithListener(l),
	)
	ctx := context.Background()
	assert.NilError(t, sub.Create(ctx))
	item := client.NewDataItem(demoNodeID,
		client.WithSamplingInterval(10),
		client.WithDataValueHandler(func(mi *client.MonitoredItem, v ua.DataValue) { values <- v.Value }),
	)
	assert.NilError(t, sub.AddMonitoredItem(item))
	assert.NilError(t, sub.SynchronizeMonitoredItems(ctx))
	assert.Equal(t, item.State(), client.SyncStateSynchronized)
	return sub, item, values
}

func TestEndToEndDataChange(t *testing.T) {
	srv, cli := newEndToEnd(t)
	sub, item, values := subscribeValues(t, cli, newRecorder())
	ctx := context.Background()

	assert.Equal(t, receive(t, values), ua.Variant(1.0))
	assert.NilError(t, srv.SetValue(demoNodeID, 2.0))
	assert.Equal(t, receive(t, values), ua.Variant(2.0))

	s, ok := srv.SubscriptionManager().Get(sub.SubscriptionID())
	assert.Assert(t, ok)
	mi, ok := s.MonitoredItem(item.MonitoredItemID())
	assert.Assert(t, ok)
	assert.Equal(t, mi.ClientHandle(), item.ClientHandle())

	item.SetSamplingInterval(40)
	item.SetQueueSize(3)
	assert.DeepEqual(t, item.PendingChanges(), []string{"SamplingInterval", "QueueSize"})
	assert.NilError(t, sub.SynchronizeMonitoredItems(ctx))
	assert.Equal(t, mi.SamplingInterval(), 40.0)
	assert.Equal(t, mi.QueueSize(), uint32(3))
	assert.Equal(t, len(item.PendingChanges()), 0)

	assert.Assert(t, sub.RemoveMonitoredItem(item))
	assert.NilError(t, sub.SynchronizeMonitoredItems(ctx))
	assert.Equal(t, s.MonitoredItemCount(), 0)
	assert.Equal(t, item.State(), client.SyncStateInitial)

	assert.NilError(t, sub.Delete(ctx))
	assert.Equal(t, srv.SubscriptionManager().Len(), 0)
	assert.Assert(t, cmp.Len(cli.Subscriptions(), 0))
}

func TestEndToEndRepublishRecoversDroppedMessage(t *testing.T) {
	srv, cli := newEndToEnd(t)
	r := newRecorder()
	sub, _, values := subscribeValues(t, cli, r)
	assert.Equal(t, receive(t, values), ua.Variant(1.0))
	first := sub.LastSequenceNumber()

	srv.DropNotifications(1)
	assert.NilError(t, srv.SetValue(demoNodeID, 2.0))
	assert.Equal(t, receive(t, values), ua.Variant(2.0))
	waitFor(t, "republish", func() bool { return srv.Session().RepublishCount() > 0 })
	assert.Equal(t, sub.LastSequenceNumber(), first+1)

	assert.NilError(t, srv.SetValue(demoNodeID, 3.0))
	assert.Equal(t, receive(t, values), ua.Variant(3.0))
	assert.Assert(t, cmp.Len(r.lost, 0))
}

func TestEndToEndUnrecoverableMessageReportsDataLost(t *testing.T) {
	srv, cli := newEndToEnd(t)
	r := newRecorder()
	_, _, values := subscribeValues(t, cli, r)
	assert.Equal(t, receive(t, values), ua.Variant(1.0))

	srv.FailService("Republish", ua.BadMessageNotAvailable, 1)
	srv.DropNotifications(1)
	assert.NilError(t, srv.SetValue(demoNodeID, 2.0))
	receive(t, r.lost)

	assert.NilError(t, srv.SetValue(demoNodeID, 3.0))
	assert.Equal(t, receive(t, values), ua.Variant(3.0))
}

func TestEndToEndEvents(t *testing.T) {
	srv, cli := newEndToEnd(t)
	ctx := context.Background()
	events := make(chan ua.BaseEvent, 8)
	sub := cli.NewSubscription(client.WithPublishingInterval(10), client.WithMaxKeepAliveCount(10))
	assert.NilError(t, sub.Create(ctx))
	item := client.NewEventItem(ua.ObjectIDServer, ua.EventFilter{SelectClauses: ua.BaseEventSelectClauses},
		client.WithEventHandler(func(mi *client.MonitoredItem, fields []ua.Variant) {
			var evt ua.BaseEvent
			if err := evt.UnmarshalFields(fields); err == nil {
				events <- evt
			}
		}),
	)
	assert.NilError(t, sub.AddMonitoredItem(item))
	assert.NilError(t, sub.SynchronizeMonitoredItems(ctx))

	srv.EmitEvent(&ua.BaseEvent{
		SourceName: "Boiler",
		Message:    ua.NewLocalizedText("temperature high", ""),
		Severity:   500,
	})
	evt := receive(t, events)
	assert.Equal(t, evt.SourceName, "Boiler")
	assert.Equal(t, evt.Message.Text, "temperature high")
	assert.Equal(t, evt.Severity, uint16(500))
	assert.Assert(t, len(evt.EventID) > 0)
}

func TestEndToEndSubscriptionExpires(t *testing.T) {
	srv, cli := newEndToEnd(t, client.WithMaxPendingPublishRequests(1))
	ctx := context.Background()
	r := newRecorder()

	// the only publish request is refused, so the subscription runs out of lifetime.
	srv.FailService("Publish", ua.BadTooManyPublishRequests, 1)
	sub := cli.NewSubscription(
		client.WithPublishingInterval(10),
		client.WithMaxKeepAliveCount(1),
		client.WithLifetimeCount(3),
		client.WithListener(r),
	)
	assert.NilError(t, sub.Create(ctx))
	waitFor(t, "subscription expiry", func() bool { return srv.SubscriptionManager().Len() == 0 })

	// another subscription restarts publishing, which delivers the status change.
	other := cli.NewSubscription(client.WithPublishingInterval(10), client.WithMaxKeepAliveCount(10))
	assert.NilError(t, other.Create(ctx))
	assert.Equal(t, receive(t, r.statuses), ua.BadTimeout)
	waitFor(t, "reset", func() bool { return sub.State() == client.SyncStateInitial })
	assert.Equal(t, sub.SubscriptionID(), uint32(0))
	assert.Assert(t, cmp.Len(cli.Subscriptions(), 1))
}

func TestEndToEndPublishingMode(t *testing.T) {
	srv, cli := newEndToEnd(t)
	ctx := context.Background()
	sub, _, values := subscribeValues(t, cli, newRecorder())
	assert.Equal(t, receive(t, values), ua.Variant(1.0))

	assert.NilError(t, sub.SetPublishingMode(ctx, false))
	s, ok := srv.SubscriptionManager().Get(sub.SubscriptionID())
	assert.Assert(t, ok)
	assert.Assert(t, !s.PublishingEnabled())
	assert.Assert(t, !sub.PublishingEnabled())

	assert.NilError(t, sub.SetPublishingMode(ctx, true))
	assert.NilError(t, srv.SetValue(demoNodeID, 2.0))
	assert.Equal(t, receive(t, values), ua.Variant(2.0))
}

func TestEndToEndOperationLimitPartitionsCalls(t *testing.T) {
	srv, err := server.New(
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithMinPublishingInterval(10),
		server.WithMaxMonitoredItemsPerCall(2),
	)
	assert.NilError(t, err)
	t.Cleanup(srv.Close)
	cli, err := client.New(srv, client.WithLogger(zaptest.NewLogger(t)))
	assert.NilError(t, err)
	t.Cleanup(func() { cli.Close(context.Background()) })

	ctx := context.Background()
	sub := cli.NewSubscription(client.WithPublishingInterval(10))
	assert.NilError(t, sub.Create(ctx))
	items := make([]*client.MonitoredItem, 5)
	for i := range items {
		nodeID := ua.NewNodeIDNumeric(2, uint32(100+i))
		_, err := srv.AddVariable(nodeID, int32(i))
		assert.NilError(t, err)
		items[i] = client.NewDataItem(nodeID)
	}
	assert.NilError(t, sub.AddMonitoredItems(items...))
	assert.NilError(t, sub.SynchronizeMonitoredItems(ctx))
	s, ok := srv.SubscriptionManager().Get(sub.SubscriptionID())
	assert.Assert(t, ok)
	assert.Equal(t, s.MonitoredItemCount(), 5)
	for _, item := range items {
		assert.Equal(t, item.State(), client.SyncStateSynchronized)
	}
}
