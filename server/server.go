// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// the default number of worker threads that may be created.
	defaultMaxWorkerThreads int = 4
	// the default number of publish requests that may be parked.
	defaultMaxPublishRequests int = 10
	// the default fastest sampling interval, in ms.
	defaultMinSamplingInterval float64 = 50
	// the default fastest publishing interval, in ms.
	defaultMinPublishingInterval float64 = 50
	// the default number of messages kept for Republish.
	defaultMaxRetransmissionQueueLength int = 64
)

// Server is an in-memory OPC UA subscription server with a single session. It answers the
// subscription, monitored item, publish, republish and read services, and is used to exercise
// clients without a network.
type Server struct {
	sync.RWMutex
	logger                       *zap.Logger
	maxSubscriptionCount         uint32
	maxPublishRequests           int
	maxMonitoredItemsPerCall     uint32
	minSamplingInterval          float64
	minPublishingInterval        float64
	maxRetransmissionQueueLength int
	maxWorkerThreads             int
	closing                      chan struct{}
	closed                       bool
	workerpool                   *workerpool.WorkerPool
	session                      *Session
	subscriptionManager          *SubscriptionManager
	namespaceManager             *NamespaceManager
	scheduler                    *Scheduler
	nextSubscriptionID           atomic.Uint32
	nextMonitoredItemID          atomic.Uint32
	faultLock                    sync.Mutex
	faults                       map[string][]ua.StatusCode
	dropCount                    int
}

// New initializes a new instance of the Server.
func New(options ...Option) (*Server, error) {
	srv := &Server{
		logger:                       zap.NewNop(),
		maxPublishRequests:           defaultMaxPublishRequests,
		minSamplingInterval:          defaultMinSamplingInterval,
		minPublishingInterval:        defaultMinPublishingInterval,
		maxRetransmissionQueueLength: defaultMaxRetransmissionQueueLength,
		maxWorkerThreads:             defaultMaxWorkerThreads,
		closing:                      make(chan struct{}),
		faults:                       make(map[string][]ua.StatusCode),
	}

	// apply each option to the default
	for _, opt := range options {
		if err := opt(srv); err != nil {
			return nil, err
		}
	}

	srv.workerpool = workerpool.New(srv.maxWorkerThreads)
	srv.session = NewSession(srv)
	srv.namespaceManager = NewNamespaceManager(srv)
	srv.scheduler = NewScheduler(srv)
	srv.subscriptionManager = NewSubscriptionManager(srv)
	srv.logger.Info("server started", zap.Stringer("sessionID", srv.session.SessionID()))
	return srv, nil
}

// Closing gets a channel that broadcasts the closing of the server.
func (srv *Server) Closing() <-chan struct{} {
	return srv.closing
}

// SessionID returns the id of the session.
func (srv *Server) SessionID() uuid.UUID {
	return srv.session.SessionID()
}

// Session returns the session.
func (srv *Server) Session() *Session {
	return srv.session
}

// SubscriptionManager gets the subscription manager.
func (srv *Server) SubscriptionManager() *SubscriptionManager {
	return srv.subscriptionManager
}

// NamespaceManager gets the namespace manager.
func (srv *Server) NamespaceManager() *NamespaceManager {
	return srv.namespaceManager
}

// Scheduler gets the poll scheduler.
func (srv *Server) Scheduler() *Scheduler {
	return srv.scheduler
}

// WorkerPool gets a pool of workers.
func (srv *Server) WorkerPool() *workerpool.WorkerPool {
	return srv.workerpool
}

// AddVariable adds a variable with an initial value.
func (srv *Server) AddVariable(nodeID ua.NodeID, value ua.Variant) (*VariableNode, error) {
	return srv.namespaceManager.AddVariable(nodeID, value, 0)
}

// SetValue sets the value of a variable, stamped with the current time.
func (srv *Server) SetValue(nodeID ua.NodeID, value ua.Variant) error {
	n, ok := srv.namespaceManager.FindVariable(nodeID)
	if !ok {
		return ua.BadNodeIDUnknown
	}
	now := time.Now()
	n.SetValue(ua.NewDataValue(value, ua.Good, now, 0, now, 0))
	return nil
}

// EmitEvent reports the event to the items monitoring the Server object.
func (srv *Server) EmitEvent(evt *ua.BaseEvent) {
	if evt.EventID == "" {
		id := uuid.New()
		evt.EventID = ua.ByteString(id[:])
	}
	if evt.EventType == nil {
		evt.EventType = ua.ObjectTypeIDBaseEventType
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	srv.namespaceManager.onEvent(evt)
}

// FailService makes the next count requests of the named service, e.g. "Republish", fail with the status.
func (srv *Server) FailService(service string, status ua.StatusCode, count int) {
	srv.faultLock.Lock()
	defer srv.faultLock.Unlock()
	for i := 0; i < count; i++ {
		srv.faults[service] = append(srv.faults[service], status)
	}
}

// DropNotifications makes the next count notification messages skip delivery. The messages
// stay in the retransmission queue, so a client can recover them with Republish.
func (srv *Server) DropNotifications(count int) {
	srv.faultLock.Lock()
	defer srv.faultLock.Unlock()
	srv.dropCount += count
}

func (srv *Server) takeFault(service string) (ua.StatusCode, bool) {
	srv.faultLock.Lock()
	defer srv.faultLock.Unlock()
	q := srv.faults[service]
	if len(q) == 0 {
		return ua.Good, false
	}
	srv.faults[service] = q[1:]
	return q[0], true
}

func (srv *Server) takeDrop() bool {
	srv.faultLock.Lock()
	defer srv.faultLock.Unlock()
	if srv.dropCount == 0 {
		return false
	}
	srv.dropCount--
	return true
}

// Request handles the service request and returns the response. A publish request waits until
// a subscription has a message or keep-alive to send, its timeout hint elapses, or the context is done.
func (srv *Server) Request(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	name := serviceName(req)
	if status, ok := srv.takeFault(name); ok {
		srv.logger.Warn("failing service", zap.String("service", name), zap.Error(status))
		return serviceFault(req, status), nil
	}
	ch := make(chan ua.ServiceResponse, 1)
	if !srv.submit(func() { srv.handle(req, ch) }) {
		return nil, ua.BadServerNotConnected
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		if r, ok := req.(*ua.PublishRequest); ok {
			srv.session.cancelPublishRequest(r)
		}
		return nil, ctx.Err()
	}
}

// submit queues the func to the worker pool, unless the server is closed.
func (srv *Server) submit(f func()) bool {
	srv.RLock()
	defer srv.RUnlock()
	if srv.closed {
		return false
	}
	srv.workerpool.Submit(f)
	return true
}

func (srv *Server) handle(req ua.ServiceRequest, ch chan<- ua.ServiceResponse) {
	srv.logger.Debug("service request", zap.String("service", serviceName(req)), zap.Uint32("requestHandle", req.Header().RequestHandle))
	var res ua.ServiceResponse
	switch r := req.(type) {
	case *ua.PublishRequest:
		srv.handlePublish(r, ch)
		return
	case *ua.RepublishRequest:
		res = srv.handleRepublish(r)
	case *ua.CreateSubscriptionRequest:
		res = srv.handleCreateSubscription(r)
	case *ua.ModifySubscriptionRequest:
		res = srv.handleModifySubscription(r)
	case *ua.SetPublishingModeRequest:
		res = srv.handleSetPublishingMode(r)
	case *ua.DeleteSubscriptionsRequest:
		res = srv.handleDeleteSubscriptions(r)
	case *ua.CreateMonitoredItemsRequest:
		res = srv.handleCreateMonitoredItems(r)
	case *ua.ModifyMonitoredItemsRequest:
		res = srv.handleModifyMonitoredItems(r)
	case *ua.SetMonitoringModeRequest:
		res = srv.handleSetMonitoringMode(r)
	case *ua.DeleteMonitoredItemsRequest:
		res = srv.handleDeleteMonitoredItems(r)
	case *ua.ReadRequest:
		res = srv.handleRead(r)
	default:
		res = serviceFault(req, ua.BadServiceUnsupported)
	}
	ch <- res
}

// Close stops the server. Parked publish requests are answered with BadShutdown.
func (srv *Server) Close() {
	srv.Lock()
	if srv.closed {
		srv.Unlock()
		return
	}
	srv.closed = true
	close(srv.closing)
	srv.Unlock()
	srv.workerpool.StopWait()
	srv.session.close()
	srv.logger.Info("server closed", zap.Stringer("sessionID", srv.session.SessionID()))
}

// serviceName returns the name of the service, e.g. "Publish".
func serviceName(req ua.ServiceRequest) string {
	t := reflect.TypeOf(req)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.TrimSuffix(t.Name(), "Request")
}

func responseHeader(req ua.ServiceRequest, status ua.StatusCode) ua.ResponseHeader {
	return ua.ResponseHeader{
		Timestamp:     time.Now(),
		RequestHandle: req.Header().RequestHandle,
		ServiceResult: status,
	}
}

func serviceFault(req ua.ServiceRequest, status ua.StatusCode) *ua.ServiceFault {
	return &ua.ServiceFault{ResponseHeader: responseHeader(req, status)}
}
