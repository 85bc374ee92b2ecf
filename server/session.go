// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"sync"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// publishOp is a publish request parked until a subscription has something to send.
type publishOp struct {
	req      *ua.PublishRequest
	results  []ua.StatusCode
	received time.Time
	ch       chan<- ua.ServiceResponse
}

// respond completes the request. It is called at most once per op.
func (op *publishOp) respond(res ua.ServiceResponse) {
	op.ch <- res
}

// expired returns true if the request outlived its timeout hint.
func (op *publishOp) expired(now time.Time) bool {
	hint := op.req.TimeoutHint
	return hint > 0 && now.After(op.received.Add(time.Duration(hint)*time.Millisecond))
}

type stateChangeOp struct {
	subscriptionID uint32
	message        ua.NotificationMessage
}

// Session holds the publish requests of the client and the status changes waiting to be sent.
type Session struct {
	sync.Mutex
	server             *Server
	sessionID          uuid.UUID
	maxPublishRequests int
	publishRequests    deque.Deque[*publishOp]
	stateChanges       deque.Deque[stateChangeOp]
	publishCount       uint32
	republishCount     uint32
}

// NewSession instantiates a new Session.
func NewSession(server *Server) *Session {
	return &Session{
		server:             server,
		sessionID:          uuid.New(),
		maxPublishRequests: server.maxPublishRequests,
	}
}

// SessionID returns the id of the session.
func (s *Session) SessionID() uuid.UUID {
	return s.sessionID
}

// PublishRequestCount returns the number of parked publish requests.
func (s *Session) PublishRequestCount() int {
	s.Lock()
	defer s.Unlock()
	return s.publishRequests.Len()
}

// PublishCount returns the number of publish requests received.
func (s *Session) PublishCount() uint32 {
	s.Lock()
	defer s.Unlock()
	return s.publishCount
}

// RepublishCount returns the number of republish requests received.
func (s *Session) RepublishCount() uint32 {
	s.Lock()
	defer s.Unlock()
	return s.republishCount
}

// addPublishRequest parks the request, answering the oldest with BadTooManyPublishRequests when full.
func (s *Session) addPublishRequest(op *publishOp) {
	s.Lock()
	defer s.Unlock()
	for s.publishRequests.Len() >= s.maxPublishRequests {
		old := s.publishRequests.PopFront()
		s.server.logger.Debug("too many publish requests", zap.Uint32("requestHandle", old.req.RequestHandle))
		old.respond(serviceFault(old.req, ua.BadTooManyPublishRequests))
	}
	s.publishRequests.PushBack(op)
}

// removePublishRequest returns the oldest parked request that has not expired.
// Expired requests are answered with BadTimeout.
func (s *Session) removePublishRequest() (*publishOp, bool) {
	s.Lock()
	defer s.Unlock()
	now := time.Now()
	for s.publishRequests.Len() > 0 {
		op := s.publishRequests.PopFront()
		if op.expired(now) {
			op.respond(serviceFault(op.req, ua.BadTimeout))
			continue
		}
		return op, true
	}
	return nil, false
}

// hasPublishRequest returns true if a request is parked.
func (s *Session) hasPublishRequest() bool {
	s.Lock()
	defer s.Unlock()
	return s.publishRequests.Len() > 0
}

// expirePublishRequests answers every expired request with BadTimeout.
func (s *Session) expirePublishRequests() {
	s.Lock()
	defer s.Unlock()
	now := time.Now()
	for i := 0; i < s.publishRequests.Len(); {
		if op := s.publishRequests.At(i); op.expired(now) {
			s.publishRequests.Remove(i)
			op.respond(serviceFault(op.req, ua.BadTimeout))
			continue
		}
		i++
	}
}

// cancelPublishRequest removes the request if it is still parked.
func (s *Session) cancelPublishRequest(req *ua.PublishRequest) bool {
	s.Lock()
	defer s.Unlock()
	if i := s.publishRequests.Index(func(op *publishOp) bool { return op.req == req }); i >= 0 {
		s.publishRequests.Remove(i)
		return true
	}
	return false
}

// addStateChange queues a status change message, and sends it at once if a request is parked.
func (s *Session) addStateChange(op stateChangeOp) {
	s.Lock()
	s.stateChanges.PushBack(op)
	s.Unlock()
	s.flushStateChanges()
}

func (s *Session) flushStateChanges() {
	for {
		s.Lock()
		if s.stateChanges.Len() == 0 {
			s.Unlock()
			return
		}
		s.Unlock()
		pub, ok := s.removePublishRequest()
		if !ok {
			return
		}
		s.Lock()
		if s.stateChanges.Len() == 0 {
			s.publishRequests.PushFront(pub)
			s.Unlock()
			return
		}
		op := s.stateChanges.PopFront()
		s.Unlock()
		pub.respond(stateChangeResponse(pub, op))
	}
}

// takeStateChange removes the oldest status change, if any.
func (s *Session) takeStateChange() (stateChangeOp, bool) {
	s.Lock()
	defer s.Unlock()
	if s.stateChanges.Len() == 0 {
		return stateChangeOp{}, false
	}
	return s.stateChanges.PopFront(), true
}

// close answers every parked request with BadShutdown.
func (s *Session) close() {
	s.Lock()
	defer s.Unlock()
	for s.publishRequests.Len() > 0 {
		op := s.publishRequests.PopFront()
		op.respond(serviceFault(op.req, ua.BadShutdown))
	}
	s.stateChanges.Clear()
}

func stateChangeResponse(pub *publishOp, op stateChangeOp) *ua.PublishResponse {
	return &ua.PublishResponse{
		ResponseHeader:           responseHeader(pub.req, ua.Good),
		SubscriptionID:           op.subscriptionID,
		AvailableSequenceNumbers: []uint32{},
		NotificationMessage:      op.message,
		Results:                  pub.results,
	}
}
