// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// timeoutHintMultiplier scales the timeout hint of publish requests above the longest keep-alive interval.
const timeoutHintMultiplier = 1.5

// publishingManager keeps publish requests outstanding at the server for the subscriptions of a client.
// The pending count is shared by every subscription of the client: a slow listener holds back
// the credit of the whole session, not only of its own subscription.
type publishingManager struct {
	client      *Client
	pending     atomic.Int32
	ackLock     sync.Mutex
	acks        deque.Deque[ua.SubscriptionAcknowledgement]
	queued      map[ua.SubscriptionAcknowledgement]struct{}
	backoffLock sync.Mutex
	retrying    atomic.Bool
}

func newPublishingManager(c *Client) *publishingManager {
	return &publishingManager{
		client: c,
		queued: make(map[ua.SubscriptionAcknowledgement]struct{}),
	}
}

// bound returns the number of publish requests to keep outstanding.
func (p *publishingManager) bound() int {
	return min(p.client.activeSubscriptionCount()+1, p.client.maxPendingPublishRequests)
}

// maybeSendPublishRequests sends publish requests while the pending count is below the bound.
func (p *publishingManager) maybeSendPublishRequests() {
	c := p.client
	if c.closed.Load() || c.activeSubscriptionCount() == 0 {
		return
	}
	bound := int32(p.bound())
	for {
		n := p.pending.Load()
		if n >= bound {
			return
		}
		if p.pending.CompareAndSwap(n, n+1) {
			c.metrics.pendingPublish.Set(float64(n + 1))
			go p.sendPublishRequest()
		}
	}
}

// release returns one credit.
func (p *publishingManager) release() {
	n := p.pending.Add(-1)
	p.client.metrics.pendingPublish.Set(float64(n))
}

func (p *publishingManager) sendPublishRequest() {
	c := p.client
	acks := p.takeAcknowledgements()
	req := &ua.PublishRequest{
		RequestHeader:                ua.RequestHeader{TimeoutHint: p.timeoutHint()},
		SubscriptionAcknowledgements: acks,
	}
	c.metrics.publishRequests.Inc()
	res, err := c.Publish(c.ctx, req)
	if err != nil {
		p.requeueAcknowledgements(acks)
		p.release()
		status := statusOf(err)
		c.metrics.publishResponses.WithLabelValues(statusLabel(status)).Inc()
		switch status {
		case ua.BadNoSubscription, ua.BadTooManyPublishRequests:
			// wait for a change of subscriptions or a returned credit.
			c.logger.Debug("publish request not replaced", zap.Stringer("status", statusStringer(status)))
			return
		case ua.BadTimeout, ua.BadRequestTimeout:
			p.maybeSendPublishRequests()
			return
		}
		if c.closed.Load() {
			return
		}
		c.logger.Warn("error publishing", zap.Error(err))
		p.retryAfterBackoff()
		return
	}
	c.metrics.publishResponses.WithLabelValues(statusLabel(ua.Good)).Inc()
	p.resetBackoff()
	for i, sc := range res.Results {
		if sc.IsBad() && i < len(acks) {
			c.logger.Debug("acknowledgement not accepted",
				zap.Uint32("subscriptionID", acks[i].SubscriptionID),
				zap.Uint32("sequenceNumber", acks[i].SequenceNumber),
				zap.Stringer("status", statusStringer(sc)))
		}
	}
	p.onPublishResponse(res)
}

// onPublishResponse hands the response to the delivery path of the subscription. The credit
// is returned when delivery completes.
func (p *publishingManager) onPublishResponse(res *ua.PublishResponse) {
	c := p.client
	s, ok := c.subscriptionByID(res.SubscriptionID)
	if !ok {
		// not acknowledged, so the messages can be recovered if the subscription becomes known.
		c.logger.Debug("publish response for unknown subscription", zap.Uint32("subscriptionID", res.SubscriptionID))
		p.release()
		p.maybeSendPublishRequests()
		return
	}
	s.watchdog.reset()
	queued := s.delivery.submit(func() {
		defer func() {
			p.release()
			p.maybeSendPublishRequests()
		}()
		s.processPublishResponse(res)
	})
	if !queued {
		p.release()
	}
}

func (p *publishingManager) retryAfterBackoff() {
	if !p.retrying.CompareAndSwap(false, true) {
		return
	}
	p.backoffLock.Lock()
	d := p.client.publishRetryBackoff.NextBackOff()
	p.backoffLock.Unlock()
	if d == backoff.Stop {
		p.retrying.Store(false)
		p.client.logger.Error("publishing stopped after repeated failures")
		return
	}
	time.AfterFunc(d, func() {
		p.retrying.Store(false)
		p.maybeSendPublishRequests()
	})
}

func (p *publishingManager) resetBackoff() {
	p.backoffLock.Lock()
	defer p.backoffLock.Unlock()
	p.client.publishRetryBackoff.Reset()
}

// timeoutHint returns the timeout hint in milliseconds for the next publish request.
func (p *publishingManager) timeoutHint() uint32 {
	var longest float64
	for _, s := range p.client.activeSubscriptions() {
		if st, ok := s.ServerState(); ok {
			longest = math.Max(longest, st.RevisedPublishingInterval*float64(st.RevisedMaxKeepAliveCount))
		}
	}
	return calculateTimeoutHint(longest, p.bound())
}

// calculateTimeoutHint returns zero, for no timeout, if the hint is not representable.
func calculateTimeoutHint(longestKeepAliveInterval float64, bound int) uint32 {
	hint := longestKeepAliveInterval * float64(bound) * timeoutHintMultiplier
	if math.IsNaN(hint) || math.IsInf(hint, 0) || hint < 0 || hint > math.MaxUint32 {
		return 0
	}
	return uint32(hint)
}

// addAcknowledgements queues the sequence numbers to acknowledge with the next publish request.
func (p *publishingManager) addAcknowledgements(subscriptionID uint32, sequenceNumbers []uint32) {
	p.ackLock.Lock()
	defer p.ackLock.Unlock()
	for _, n := range sequenceNumbers {
		ack := ua.SubscriptionAcknowledgement{SubscriptionID: subscriptionID, SequenceNumber: n}
		if _, ok := p.queued[ack]; ok {
			continue
		}
		p.queued[ack] = struct{}{}
		p.acks.PushBack(ack)
	}
}

// takeAcknowledgements removes up to the maximum number of acknowledgements from the queue.
func (p *publishingManager) takeAcknowledgements() []ua.SubscriptionAcknowledgement {
	p.ackLock.Lock()
	defer p.ackLock.Unlock()
	n := min(p.acks.Len(), p.client.maxAcknowledgementsPerRequest)
	ret := make([]ua.SubscriptionAcknowledgement, n)
	for i := range ret {
		ret[i] = p.acks.PopFront()
		delete(p.queued, ret[i])
	}
	return ret
}

// requeueAcknowledgements returns acknowledgements that were not sent to the front of the queue.
func (p *publishingManager) requeueAcknowledgements(acks []ua.SubscriptionAcknowledgement) {
	p.ackLock.Lock()
	defer p.ackLock.Unlock()
	for i := len(acks) - 1; i >= 0; i-- {
		if _, ok := p.queued[acks[i]]; ok {
			continue
		}
		p.queued[acks[i]] = struct{}{}
		p.acks.PushFront(acks[i])
	}
}

// pendingAcknowledgements returns a copy of the queue.
func (p *publishingManager) pendingAcknowledgements() []ua.SubscriptionAcknowledgement {
	p.ackLock.Lock()
	defer p.ackLock.Unlock()
	ret := make([]ua.SubscriptionAcknowledgement, p.acks.Len())
	for i := range ret {
		ret[i] = p.acks.At(i)
	}
	return ret
}
