package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"
)

var testNodeID = ua.NewNodeIDString(2, "Demo.Dynamic.Scalar.Double")

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithMinPublishingInterval(10),
		WithMinSamplingInterval(10),
	}, opts...)
	srv, err := New(opts...)
	assert.NilError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func request[T ua.ServiceResponse](t *testing.T, srv *Server, req ua.ServiceRequest) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := srv.Request(ctx, req)
	assert.NilError(t, err)
	r, ok := res.(T)
	if !ok {
		t.Fatalf("unexpected response %T with result %v", res, res.Header().ServiceResult)
	}
	return r
}

// requestFault returns the service result of a request that is expected to fail.
func requestFault(t *testing.T, srv *Server, req ua.ServiceRequest) ua.StatusCode {
	t.Helper()
	return request[*ua.ServiceFault](t, srv, req).ServiceResult
}

func createSubscription(t *testing.T, srv *Server, publishingInterval float64, keepAlive, lifetime uint32) *ua.CreateSubscriptionResponse {
	t.Helper()
	return request[*ua.CreateSubscriptionResponse](t, srv, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: publishingInterval,
		RequestedMaxKeepAliveCount:  keepAlive,
		RequestedLifetimeCount:      lifetime,
		PublishingEnabled:           true,
	})
}

func createDataItem(t *testing.T, srv *Server, subscriptionID, clientHandle uint32) ua.MonitoredItemCreateResult {
	t.Helper()
	res := request[*ua.CreateMonitoredItemsResponse](t, srv, &ua.CreateMonitoredItemsRequest{
		SubscriptionID:     subscriptionID,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		ItemsToCreate: []ua.MonitoredItemCreateRequest{{
			ItemToMonitor:       ua.ReadValueID{NodeID: testNodeID, AttributeID: ua.AttributeIDValue},
			MonitoringMode:      ua.MonitoringModeReporting,
			RequestedParameters: ua.MonitoringParameters{ClientHandle: clientHandle, SamplingInterval: 10, QueueSize: 4, DiscardOldest: true},
		}},
	})
	assert.Equal(t, len(res.Results), 1)
	assert.Equal(t, res.Results[0].StatusCode, ua.Good)
	return res.Results[0]
}

func statusOf(err error) ua.StatusCode {
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	return ua.BadUnexpectedError
}

func publish(t *testing.T, srv *Server, acks ...ua.SubscriptionAcknowledgement) *ua.PublishResponse {
	t.Helper()
	return request[*ua.PublishResponse](t, srv, &ua.PublishRequest{SubscriptionAcknowledgements: acks})
}

// publishData publishes until a message with notifications arrives.
func publishData(t *testing.T, srv *Server) *ua.PublishResponse {
	t.Helper()
	for i := 0; i < 100; i++ {
		res := publish(t, srv)
		if len(res.NotificationMessage.NotificationData) > 0 {
			return res
		}
	}
	t.Fatal("no notification received")
	return nil
}

func dataChanges(t *testing.T, msg ua.NotificationMessage) []ua.MonitoredItemNotification {
	t.Helper()
	assert.Equal(t, len(msg.NotificationData), 1)
	dcn, ok := msg.NotificationData[0].(ua.DataChangeNotification)
	assert.Assert(t, ok, "unexpected notification %T", msg.NotificationData[0])
	return dcn.MonitoredItems
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(WithMaxPublishRequests(0))
	assert.ErrorContains(t, err, "max publish requests")
	_, err = New(WithLogger(nil))
	assert.ErrorContains(t, err, "logger is nil")
}

func TestCreateSubscriptionRevisesParameters(t *testing.T) {
	srv := newTestServer(t, WithMinPublishingInterval(50))
	res := createSubscription(t, srv, 1, 0, 1)
	assert.Assert(t, res.SubscriptionID != 0)
	assert.Equal(t, res.RevisedPublishingInterval, float64(50))
	assert.Equal(t, res.RevisedMaxKeepAliveCount, uint32(1))
	assert.Equal(t, res.RevisedLifetimeCount, uint32(3))
	assert.Equal(t, srv.SubscriptionManager().Len(), 1)

	res2 := request[*ua.ModifySubscriptionResponse](t, srv, &ua.ModifySubscriptionRequest{
		SubscriptionID:              res.SubscriptionID,
		RequestedPublishingInterval: 100,
		RequestedMaxKeepAliveCount:  10,
		RequestedLifetimeCount:      50,
	})
	assert.Equal(t, res2.RevisedPublishingInterval, float64(100))
	assert.Equal(t, res2.RevisedMaxKeepAliveCount, uint32(10))
	assert.Equal(t, res2.RevisedLifetimeCount, uint32(50))
}

func TestMaxSubscriptionCount(t *testing.T) {
	srv := newTestServer(t, WithMaxSubscriptionCount(1))
	createSubscription(t, srv, 100, 10, 30)
	sc := requestFault(t, srv, &ua.CreateSubscriptionRequest{RequestedPublishingInterval: 100})
	assert.Equal(t, sc, ua.BadTooManySubscriptions)
}

func TestUnknownSubscription(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, requestFault(t, srv, &ua.ModifySubscriptionRequest{SubscriptionID: 9}), ua.BadSubscriptionIDInvalid)
	assert.Equal(t, requestFault(t, srv, &ua.RepublishRequest{SubscriptionID: 9, RetransmitSequenceNumber: 1}), ua.BadSubscriptionIDInvalid)
	res := request[*ua.DeleteSubscriptionsResponse](t, srv, &ua.DeleteSubscriptionsRequest{SubscriptionIDs: []uint32{9}})
	assert.DeepEqual(t, res.Results, []ua.StatusCode{ua.BadSubscriptionIDInvalid})
	res2 := request[*ua.SetPublishingModeResponse](t, srv, &ua.SetPublishingModeRequest{SubscriptionIDs: []uint32{9}})
	assert.DeepEqual(t, res2.Results, []ua.StatusCode{ua.BadSubscriptionIDInvalid})
}

func TestPublishWithoutSubscriptions(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, requestFault(t, srv, &ua.PublishRequest{}), ua.BadNoSubscription)
}

func TestPublishKeepAlive(t *testing.T) {
	srv := newTestServer(t)
	sub := createSubscription(t, srv, 10, 2, 30)
	res := publish(t, srv)
	assert.Equal(t, res.SubscriptionID, sub.SubscriptionID)
	assert.Equal(t, len(res.NotificationMessage.NotificationData), 0)
	// a keep-alive announces the next sequence number without using it.
	assert.Equal(t, res.NotificationMessage.SequenceNumber, uint32(1))
	res = publish(t, srv)
	assert.Equal(t, res.NotificationMessage.SequenceNumber, uint32(1))
}

func TestPublishDataChangeAndAcknowledge(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.AddVariable(testNodeID, 1.0)
	assert.NilError(t, err)
	sub := createSubscription(t, srv, 10, 100, 300)
	item := createDataItem(t, srv, sub.SubscriptionID, 7)
	assert.Assert(t, item.MonitoredItemID != 0)
	assert.Equal(t, item.RevisedQueueSize, uint32(4))

	res := publishData(t, srv)
	assert.Equal(t, res.NotificationMessage.SequenceNumber, uint32(1))
	assert.DeepEqual(t, res.AvailableSequenceNumbers, []uint32{1})
	notifications := dataChanges(t, res.NotificationMessage)
	assert.Equal(t, len(notifications), 1)
	assert.Equal(t, notifications[0].ClientHandle, uint32(7))
	assert.Equal(t, notifications[0].Value.Value, ua.Variant(1.0))

	assert.NilError(t, srv.SetValue(testNodeID, 2.0))
	ack := ua.SubscriptionAcknowledgement{SubscriptionID: sub.SubscriptionID, SequenceNumber: 1}
	res = request[*ua.PublishResponse](t, srv, &ua.PublishRequest{SubscriptionAcknowledgements: []ua.SubscriptionAcknowledgement{ack}})
	assert.DeepEqual(t, res.Results, []ua.StatusCode{ua.Good})
	for len(res.NotificationMessage.NotificationData) == 0 {
		res = publish(t, srv)
	}
	assert.Equal(t, res.NotificationMessage.SequenceNumber, uint32(2))
	assert.Equal(t, dataChanges(t, res.NotificationMessage)[0].Value.Value, ua.Variant(2.0))

	res = publish(t, srv, ack, ua.SubscriptionAcknowledgement{SubscriptionID: 99, SequenceNumber: 2})
	assert.DeepEqual(t, res.Results, []ua.StatusCode{ua.BadSequenceNumberUnknown, ua.BadSubscriptionIDInvalid})
}

func TestDropNotificationsAndRepublish(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.AddVariable(testNodeID, 1.0)
	assert.NilError(t, err)
	sub := createSubscription(t, srv, 10, 1, 300)
	srv.DropNotifications(1)
	createDataItem(t, srv, sub.SubscriptionID, 1)

	// the first message is dropped, so the next response announces or carries number 2.
	waitForRetransmission(t, srv, sub.SubscriptionID, 1)
	assert.NilError(t, srv.SetValue(testNodeID, 2.0))
	res := publishData(t, srv)
	assert.Equal(t, res.NotificationMessage.SequenceNumber, uint32(2))

	rep := request[*ua.RepublishResponse](t, srv, &ua.RepublishRequest{SubscriptionID: sub.SubscriptionID, RetransmitSequenceNumber: 1})
	assert.Equal(t, rep.NotificationMessage.SequenceNumber, uint32(1))
	assert.Equal(t, dataChanges(t, rep.NotificationMessage)[0].Value.Value, ua.Variant(1.0))
	assert.Equal(t, srv.Session().RepublishCount(), uint32(1))

	sc := requestFault(t, srv, &ua.RepublishRequest{SubscriptionID: sub.SubscriptionID, RetransmitSequenceNumber: 99})
	assert.Equal(t, sc, ua.BadMessageNotAvailable)
}

func waitForRetransmission(t *testing.T, srv *Server, subscriptionID, seq uint32) {
	t.Helper()
	s, ok := srv.SubscriptionManager().Get(subscriptionID)
	assert.Assert(t, ok)
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.RLock()
		found := s.retransmissionQueue.Index(func(m ua.NotificationMessage) bool { return m.SequenceNumber == seq }) >= 0
		s.RUnlock()
		if found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("message %d not queued", seq)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTooManyPublishRequests(t *testing.T) {
	srv := newTestServer(t, WithMaxPublishRequests(1))
	createSubscription(t, srv, 1000, 100, 300)
	// wait for the first keep-alive, so nothing is ready to send for a long time.
	publish(t, srv)

	first := make(chan ua.StatusCode, 1)
	go func() {
		res, err := srv.Request(context.Background(), &ua.PublishRequest{})
		if err != nil {
			first <- statusOf(err)
			return
		}
		first <- res.Header().ServiceResult
	}()
	waitForParked(t, srv, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Request(ctx, &ua.PublishRequest{})
	select {
	case sc := <-first:
		assert.Equal(t, sc, ua.BadTooManyPublishRequests)
	case <-time.After(5 * time.Second):
		t.Fatal("oldest request not answered")
	}
}

func waitForParked(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.Session().PublishRequestCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d parked publish requests, got %d", n, srv.Session().PublishRequestCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishRequestExpires(t *testing.T) {
	srv := newTestServer(t)
	createSubscription(t, srv, 1000, 100, 300)
	publish(t, srv)
	req := &ua.PublishRequest{RequestHeader: ua.RequestHeader{Timestamp: time.Now(), TimeoutHint: 50}}
	assert.Equal(t, requestFault(t, srv, req), ua.BadTimeout)
}

func TestCancelledPublishIsRemoved(t *testing.T) {
	srv := newTestServer(t)
	createSubscription(t, srv, 1000, 100, 300)
	publish(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := srv.Request(ctx, &ua.PublishRequest{})
		done <- err
	}()
	waitForParked(t, srv, 1)
	cancel()
	assert.Assert(t, errors.Is(<-done, context.Canceled))
	assert.Equal(t, srv.Session().PublishRequestCount(), 0)
}

func TestSubscriptionExpires(t *testing.T) {
	srv := newTestServer(t)
	sub := createSubscription(t, srv, 10, 1, 3)
	deadline := time.Now().Add(5 * time.Second)
	for srv.SubscriptionManager().Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	res := publish(t, srv)
	assert.Equal(t, res.SubscriptionID, sub.SubscriptionID)
	assert.DeepEqual(t, res.NotificationMessage.NotificationData, []ua.ExtensionObject{ua.StatusChangeNotification{Status: ua.BadTimeout}})
	assert.Equal(t, requestFault(t, srv, &ua.PublishRequest{}), ua.BadNoSubscription)
}

func TestFailService(t *testing.T) {
	srv := newTestServer(t)
	srv.FailService("CreateSubscription", ua.BadTooManySubscriptions, 1)
	sc := requestFault(t, srv, &ua.CreateSubscriptionRequest{RequestedPublishingInterval: 100})
	assert.Equal(t, sc, ua.BadTooManySubscriptions)
	createSubscription(t, srv, 100, 10, 30)
}

func TestReadOperationLimit(t *testing.T) {
	srv := newTestServer(t, WithMaxMonitoredItemsPerCall(100))
	_, err := srv.AddVariable(testNodeID, int32(5))
	assert.NilError(t, err)
	res := request[*ua.ReadResponse](t, srv, &ua.ReadRequest{
		TimestampsToReturn: ua.TimestampsToReturnNeither,
		NodesToRead: []ua.ReadValueID{
			{NodeID: ua.VariableIDServerServerCapabilitiesOperationLimitsMaxMonitoredItemsPerCall, AttributeID: ua.AttributeIDValue},
			{NodeID: testNodeID, AttributeID: ua.AttributeIDValue},
			{NodeID: ua.NewNodeIDNumeric(2, 404), AttributeID: ua.AttributeIDValue},
		},
	})
	assert.Equal(t, res.Results[0].Value, ua.Variant(uint32(100)))
	assert.Equal(t, res.Results[1].Value, ua.Variant(int32(5)))
	assert.Assert(t, res.Results[1].SourceTimestamp.IsZero())
	assert.Equal(t, res.Results[2].StatusCode, ua.BadNodeIDUnknown)
}

func TestCreateMonitoredItemsErrors(t *testing.T) {
	srv := newTestServer(t, WithMaxMonitoredItemsPerCall(2))
	_, err := srv.AddVariable(testNodeID, 1.0)
	assert.NilError(t, err)
	sub := createSubscription(t, srv, 100, 10, 30)
	item := func(nodeID ua.NodeID, attributeID uint32) ua.MonitoredItemCreateRequest {
		return ua.MonitoredItemCreateRequest{
			ItemToMonitor:  ua.ReadValueID{NodeID: nodeID, AttributeID: attributeID},
			MonitoringMode: ua.MonitoringModeReporting,
		}
	}
	res := request[*ua.CreateMonitoredItemsResponse](t, srv, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: sub.SubscriptionID,
		ItemsToCreate:  []ua.MonitoredItemCreateRequest{item(ua.NewNodeIDNumeric(2, 404), ua.AttributeIDValue), item(testNodeID, ua.AttributeIDNodeID)},
	})
	assert.Equal(t, res.Results[0].StatusCode, ua.BadNodeIDUnknown)
	assert.Equal(t, res.Results[1].StatusCode, ua.BadAttributeIDInvalid)

	sc := requestFault(t, srv, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: sub.SubscriptionID,
		ItemsToCreate:  []ua.MonitoredItemCreateRequest{item(testNodeID, ua.AttributeIDValue), item(testNodeID, ua.AttributeIDValue), item(testNodeID, ua.AttributeIDValue)},
	})
	assert.Equal(t, sc, ua.BadTooManyOperations)
	sc = requestFault(t, srv, &ua.CreateMonitoredItemsRequest{SubscriptionID: sub.SubscriptionID})
	assert.Equal(t, sc, ua.BadNothingToDo)
	sc = requestFault(t, srv, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: 99,
		ItemsToCreate:  []ua.MonitoredItemCreateRequest{item(testNodeID, ua.AttributeIDValue)},
	})
	assert.Equal(t, sc, ua.BadSubscriptionIDInvalid)
}

func TestModifyAndDeleteMonitoredItems(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.AddVariable(testNodeID, 1.0)
	assert.NilError(t, err)
	sub := createSubscription(t, srv, 100, 10, 30)
	item := createDataItem(t, srv, sub.SubscriptionID, 1)

	res := request[*ua.ModifyMonitoredItemsResponse](t, srv, &ua.ModifyMonitoredItemsRequest{
		SubscriptionID:     sub.SubscriptionID,
		TimestampsToReturn: ua.TimestampsToReturnSource,
		ItemsToModify: []ua.MonitoredItemModifyRequest{
			{MonitoredItemID: item.MonitoredItemID, RequestedParameters: ua.MonitoringParameters{ClientHandle: 1, SamplingInterval: -1, QueueSize: 5000}},
			{MonitoredItemID: 999},
		},
	})
	assert.Equal(t, res.Results[0].StatusCode, ua.Good)
	// a negative sampling interval means the publishing interval.
	assert.Equal(t, res.Results[0].RevisedSamplingInterval, float64(100))
	assert.Equal(t, res.Results[0].RevisedQueueSize, uint32(maxQueueSize))
	assert.Equal(t, res.Results[1].StatusCode, ua.BadMonitoredItemIDInvalid)

	res2 := request[*ua.SetMonitoringModeResponse](t, srv, &ua.SetMonitoringModeRequest{
		SubscriptionID:   sub.SubscriptionID,
		MonitoringMode:   ua.MonitoringModeDisabled,
		MonitoredItemIDs: []uint32{item.MonitoredItemID, 999},
	})
	assert.DeepEqual(t, res2.Results, []ua.StatusCode{ua.Good, ua.BadMonitoredItemIDInvalid})
	s, _ := srv.SubscriptionManager().Get(sub.SubscriptionID)
	mi, ok := s.MonitoredItem(item.MonitoredItemID)
	assert.Assert(t, ok)
	assert.Equal(t, mi.MonitoringMode(), ua.MonitoringModeDisabled)

	res3 := request[*ua.DeleteMonitoredItemsResponse](t, srv, &ua.DeleteMonitoredItemsRequest{
		SubscriptionID:   sub.SubscriptionID,
		MonitoredItemIDs: []uint32{item.MonitoredItemID, item.MonitoredItemID},
	})
	assert.DeepEqual(t, res3.Results, []ua.StatusCode{ua.Good, ua.BadMonitoredItemIDInvalid})
	assert.Equal(t, s.MonitoredItemCount(), 0)
}

func TestEventItem(t *testing.T) {
	srv := newTestServer(t)
	sub := createSubscription(t, srv, 10, 100, 300)
	res := request[*ua.CreateMonitoredItemsResponse](t, srv, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: sub.SubscriptionID,
		ItemsToCreate: []ua.MonitoredItemCreateRequest{{
			ItemToMonitor:       ua.ReadValueID{NodeID: ua.ObjectIDServer, AttributeID: ua.AttributeIDEventNotifier},
			MonitoringMode:      ua.MonitoringModeReporting,
			RequestedParameters: ua.MonitoringParameters{ClientHandle: 3, Filter: ua.EventFilter{SelectClauses: ua.BaseEventSelectClauses}},
		}},
	})
	assert.Equal(t, res.Results[0].StatusCode, ua.Good)
	assert.Equal(t, res.Results[0].RevisedQueueSize, uint32(maxQueueSize))

	srv.EmitEvent(&ua.BaseEvent{SourceName: "Boiler", Message: ua.NewLocalizedText("high level", ""), Severity: 500})
	pub := publishData(t, srv)
	list, ok := pub.NotificationMessage.NotificationData[0].(ua.EventNotificationList)
	assert.Assert(t, ok)
	assert.Equal(t, len(list.Events), 1)
	assert.Equal(t, list.Events[0].ClientHandle, uint32(3))
	var evt ua.BaseEvent
	assert.NilError(t, evt.UnmarshalFields(list.Events[0].EventFields))
	assert.Equal(t, evt.SourceName, "Boiler")
	assert.Equal(t, evt.Severity, uint16(500))
	assert.Equal(t, evt.EventType, ua.NodeID(ua.ObjectTypeIDBaseEventType))
}

func TestPublishingDisabledSendsKeepAlives(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.AddVariable(testNodeID, 1.0)
	assert.NilError(t, err)
	sub := createSubscription(t, srv, 10, 2, 30)
	res := request[*ua.SetPublishingModeResponse](t, srv, &ua.SetPublishingModeRequest{SubscriptionIDs: []uint32{sub.SubscriptionID}, PublishingEnabled: false})
	assert.DeepEqual(t, res.Results, []ua.StatusCode{ua.Good})
	createDataItem(t, srv, sub.SubscriptionID, 1)
	for i := 0; i < 3; i++ {
		pub := publish(t, srv)
		assert.Equal(t, len(pub.NotificationMessage.NotificationData), 0)
	}
}

func TestCloseAnswersParkedRequests(t *testing.T) {
	srv, err := New()
	assert.NilError(t, err)
	createSubscription(t, srv, 1000, 100, 300)
	publish(t, srv)

	var wg sync.WaitGroup
	wg.Add(1)
	var status ua.StatusCode
	go func() {
		defer wg.Done()
		res, err := srv.Request(context.Background(), &ua.PublishRequest{})
		if err == nil {
			status = res.Header().ServiceResult
		}
	}()
	waitForParked(t, srv, 1)
	srv.Close()
	wg.Wait()
	assert.Equal(t, status, ua.BadShutdown)
	_, err = srv.Request(context.Background(), &ua.ReadRequest{})
	assert.Assert(t, errors.Is(err, ua.BadServerNotConnected))
	srv.Close()
}
