// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"go.uber.org/zap"
)

// checkOperationCount returns the status for a request with n operations.
func (srv *Server) checkOperationCount(n int) ua.StatusCode {
	if n == 0 {
		return ua.BadNothingToDo
	}
	if limit := srv.maxMonitoredItemsPerCall; limit > 0 && n > int(limit) {
		return ua.BadTooManyOperations
	}
	return ua.Good
}

// handleCreateSubscription creates a Subscription.
func (srv *Server) handleCreateSubscription(req *ua.CreateSubscriptionRequest) ua.ServiceResponse {
	sm := srv.subscriptionManager
	sub := NewSubscription(sm, srv.session, srv.nextSubscriptionID.Add(1), req)
	if err := sm.Add(sub); err != nil {
		return serviceFault(req, ua.BadTooManySubscriptions)
	}
	sub.startPublishing()
	srv.logger.Info("created subscription",
		zap.Uint32("subscriptionID", sub.id),
		zap.Float64("publishingInterval", sub.PublishingInterval()),
		zap.Uint32("maxKeepAliveCount", sub.MaxKeepAliveCount()),
		zap.Uint32("lifetimeCount", sub.LifetimeCount()))
	return &ua.CreateSubscriptionResponse{
		ResponseHeader:            responseHeader(req, ua.Good),
		SubscriptionID:            sub.id,
		RevisedPublishingInterval: sub.PublishingInterval(),
		RevisedLifetimeCount:      sub.LifetimeCount(),
		RevisedMaxKeepAliveCount:  sub.MaxKeepAliveCount(),
	}
}

// handleModifySubscription modifies a Subscription.
func (srv *Server) handleModifySubscription(req *ua.ModifySubscriptionRequest) ua.ServiceResponse {
	sub, ok := srv.subscriptionManager.Get(req.SubscriptionID)
	if !ok {
		return serviceFault(req, ua.BadSubscriptionIDInvalid)
	}
	sub.Modify(req)
	return &ua.ModifySubscriptionResponse{
		ResponseHeader:            responseHeader(req, ua.Good),
		RevisedPublishingInterval: sub.PublishingInterval(),
		RevisedLifetimeCount:      sub.LifetimeCount(),
		RevisedMaxKeepAliveCount:  sub.MaxKeepAliveCount(),
	}
}

// handleSetPublishingMode enables sending of Notifications on one or more Subscriptions.
func (srv *Server) handleSetPublishingMode(req *ua.SetPublishingModeRequest) ua.ServiceResponse {
	if len(req.SubscriptionIDs) == 0 {
		return serviceFault(req, ua.BadNothingToDo)
	}
	results := make([]ua.StatusCode, len(req.SubscriptionIDs))
	for i, id := range req.SubscriptionIDs {
		sub, ok := srv.subscriptionManager.Get(id)
		if !ok {
			results[i] = ua.BadSubscriptionIDInvalid
			continue
		}
		sub.SetPublishingMode(req.PublishingEnabled)
		results[i] = ua.Good
	}
	return &ua.SetPublishingModeResponse{ResponseHeader: responseHeader(req, ua.Good), Results: results}
}

// handleDeleteSubscriptions deletes one or more Subscriptions.
func (srv *Server) handleDeleteSubscriptions(req *ua.DeleteSubscriptionsRequest) ua.ServiceResponse {
	if len(req.SubscriptionIDs) == 0 {
		return serviceFault(req, ua.BadNothingToDo)
	}
	sm := srv.subscriptionManager
	results := make([]ua.StatusCode, len(req.SubscriptionIDs))
	for i, id := range req.SubscriptionIDs {
		sub, ok := sm.Get(id)
		if !ok || !sm.Delete(sub) {
			results[i] = ua.BadSubscriptionIDInvalid
			continue
		}
		sub.Delete()
		results[i] = ua.Good
		srv.logger.Info("deleted subscription", zap.Uint32("subscriptionID", id))
	}
	return &ua.DeleteSubscriptionsResponse{ResponseHeader: responseHeader(req, ua.Good), Results: results}
}

func validTimestampsToReturn(t ua.TimestampsToReturn) bool {
	return t >= ua.TimestampsToReturnSource && t <= ua.TimestampsToReturnNeither
}

func validMonitoringMode(m ua.MonitoringMode) bool {
	return m >= ua.MonitoringModeDisabled && m <= ua.MonitoringModeReporting
}

// handleCreateMonitoredItems creates and adds one or more MonitoredItems to a Subscription.
func (srv *Server) handleCreateMonitoredItems(req *ua.CreateMonitoredItemsRequest) ua.ServiceResponse {
	if sc := srv.checkOperationCount(len(req.ItemsToCreate)); sc.IsBad() {
		return serviceFault(req, sc)
	}
	if !validTimestampsToReturn(req.TimestampsToReturn) {
		return serviceFault(req, ua.BadTimestampsToReturnInvalid)
	}
	sub, ok := srv.subscriptionManager.Get(req.SubscriptionID)
	if !ok {
		return serviceFault(req, ua.BadSubscriptionIDInvalid)
	}
	publishingInterval := sub.PublishingInterval()
	nm := srv.namespaceManager
	results := make([]ua.MonitoredItemCreateResult, len(req.ItemsToCreate))
	for i, item := range req.ItemsToCreate {
		switch item.ItemToMonitor.AttributeID {
		case ua.AttributeIDValue:
			if _, ok := nm.FindVariable(item.ItemToMonitor.NodeID); !ok {
				results[i] = ua.MonitoredItemCreateResult{StatusCode: ua.BadNodeIDUnknown}
				continue
			}
			if f := item.RequestedParameters.Filter; f != nil {
				if _, ok := f.(ua.DataChangeFilter); !ok {
					results[i] = ua.MonitoredItemCreateResult{StatusCode: ua.BadMonitoredItemFilterInvalid}
					continue
				}
			}
		case ua.AttributeIDEventNotifier:
			if !nm.IsEventNotifier(item.ItemToMonitor.NodeID) {
				results[i] = ua.MonitoredItemCreateResult{StatusCode: ua.BadNodeIDUnknown}
				continue
			}
			if f := item.RequestedParameters.Filter; f != nil {
				if _, ok := f.(ua.EventFilter); !ok {
					results[i] = ua.MonitoredItemCreateResult{StatusCode: ua.BadMonitoredItemFilterInvalid}
					continue
				}
			}
		default:
			results[i] = ua.MonitoredItemCreateResult{StatusCode: ua.BadAttributeIDInvalid}
			continue
		}
		if !validMonitoringMode(item.MonitoringMode) {
			results[i] = ua.MonitoredItemCreateResult{StatusCode: ua.BadMonitoringModeInvalid}
			continue
		}
		mi := NewMonitoredItem(sub, srv.nextMonitoredItemID.Add(1), item.ItemToMonitor, item.MonitoringMode, item.RequestedParameters, req.TimestampsToReturn, publishingInterval)
		sub.addItem(mi)
		var filterResult ua.ExtensionObject
		if mi.isEventItem() {
			filterResult = ua.EventFilterResult{SelectClauseResults: make([]ua.StatusCode, len(mi.eventFilter.SelectClauses))}
		}
		results[i] = ua.MonitoredItemCreateResult{
			StatusCode:              ua.Good,
			MonitoredItemID:         mi.id,
			RevisedSamplingInterval: mi.SamplingInterval(),
			RevisedQueueSize:        mi.QueueSize(),
			FilterResult:            filterResult,
		}
	}
	return &ua.CreateMonitoredItemsResponse{ResponseHeader: responseHeader(req, ua.Good), Results: results}
}

// handleModifyMonitoredItems modifies MonitoredItems of a Subscription.
func (srv *Server) handleModifyMonitoredItems(req *ua.ModifyMonitoredItemsRequest) ua.ServiceResponse {
	if sc := srv.checkOperationCount(len(req.ItemsToModify)); sc.IsBad() {
		return serviceFault(req, sc)
	}
	if !validTimestampsToReturn(req.TimestampsToReturn) {
		return serviceFault(req, ua.BadTimestampsToReturnInvalid)
	}
	sub, ok := srv.subscriptionManager.Get(req.SubscriptionID)
	if !ok {
		return serviceFault(req, ua.BadSubscriptionIDInvalid)
	}
	publishingInterval := sub.PublishingInterval()
	results := make([]ua.MonitoredItemModifyResult, len(req.ItemsToModify))
	for i, item := range req.ItemsToModify {
		mi, ok := sub.MonitoredItem(item.MonitoredItemID)
		if !ok {
			results[i] = ua.MonitoredItemModifyResult{StatusCode: ua.BadMonitoredItemIDInvalid}
			continue
		}
		results[i] = mi.Modify(item, req.TimestampsToReturn, publishingInterval)
	}
	return &ua.ModifyMonitoredItemsResponse{ResponseHeader: responseHeader(req, ua.Good), Results: results}
}

// handleSetMonitoringMode sets the monitoring mode for one or more MonitoredItems of a Subscription.
func (srv *Server) handleSetMonitoringMode(req *ua.SetMonitoringModeRequest) ua.ServiceResponse {
	if sc := srv.checkOperationCount(len(req.MonitoredItemIDs)); sc.IsBad() {
		return serviceFault(req, sc)
	}
	if !validMonitoringMode(req.MonitoringMode) {
		return serviceFault(req, ua.BadMonitoringModeInvalid)
	}
	sub, ok := srv.subscriptionManager.Get(req.SubscriptionID)
	if !ok {
		return serviceFault(req, ua.BadSubscriptionIDInvalid)
	}
	results := make([]ua.StatusCode, len(req.MonitoredItemIDs))
	for i, id := range req.MonitoredItemIDs {
		mi, ok := sub.MonitoredItem(id)
		if !ok {
			results[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		mi.SetMonitoringMode(req.MonitoringMode)
		results[i] = ua.Good
	}
	return &ua.SetMonitoringModeResponse{ResponseHeader: responseHeader(req, ua.Good), Results: results}
}

// handleDeleteMonitoredItems removes one or more MonitoredItems of a Subscription.
func (srv *Server) handleDeleteMonitoredItems(req *ua.DeleteMonitoredItemsRequest) ua.ServiceResponse {
	if sc := srv.checkOperationCount(len(req.MonitoredItemIDs)); sc.IsBad() {
		return serviceFault(req, sc)
	}
	sub, ok := srv.subscriptionManager.Get(req.SubscriptionID)
	if !ok {
		return serviceFault(req, ua.BadSubscriptionIDInvalid)
	}
	results := make([]ua.StatusCode, len(req.MonitoredItemIDs))
	for i, id := range req.MonitoredItemIDs {
		mi, ok := sub.removeItem(id)
		if !ok {
			results[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		mi.Delete()
		results[i] = ua.Good
	}
	return &ua.DeleteMonitoredItemsResponse{ResponseHeader: responseHeader(req, ua.Good), Results: results}
}

// handlePublish acknowledges the messages the client received, and answers with the next
// status change, message or keep-alive. When nothing is waiting, the request is parked.
func (srv *Server) handlePublish(req *ua.PublishRequest, ch chan<- ua.ServiceResponse) {
	session := srv.session
	session.Lock()
	session.publishCount++
	session.Unlock()

	sm := srv.subscriptionManager

	// process sub ack's
	results := make([]ua.StatusCode, len(req.SubscriptionAcknowledgements))
	for i, sa := range req.SubscriptionAcknowledgements {
		if sub, ok := sm.Get(sa.SubscriptionID); ok {
			if sub.acknowledge(sa.SequenceNumber) {
				results[i] = ua.Good
			} else {
				results[i] = ua.BadSequenceNumberUnknown
			}
		} else {
			results[i] = ua.BadSubscriptionIDInvalid
		}
	}
	op := &publishOp{req: req, results: results, received: req.Timestamp, ch: ch}
	if op.received.IsZero() {
		op.received = time.Now()
	}

	// process status changes
	if sc, ok := session.takeStateChange(); ok {
		op.respond(stateChangeResponse(op, sc))
		return
	}

	if sm.Len() == 0 {
		op.respond(serviceFault(req, ua.BadNoSubscription))
		return
	}

	for _, sub := range sm.GetByPriority() {
		if sub.handleLatePublishRequest(op) {
			return
		}
	}

	session.addPublishRequest(op)
}

// handleRepublish returns a NotificationMessage from the retransmission queue of a Subscription.
func (srv *Server) handleRepublish(req *ua.RepublishRequest) ua.ServiceResponse {
	session := srv.session
	session.Lock()
	session.republishCount++
	session.Unlock()
	sub, ok := srv.subscriptionManager.Get(req.SubscriptionID)
	if !ok {
		return serviceFault(req, ua.BadSubscriptionIDInvalid)
	}
	msg, ok := sub.republish(req.RetransmitSequenceNumber)
	if !ok {
		return serviceFault(req, ua.BadMessageNotAvailable)
	}
	srv.logger.Debug("republished message", zap.Uint32("subscriptionID", req.SubscriptionID), zap.Uint32("sequenceNumber", req.RetransmitSequenceNumber))
	return &ua.RepublishResponse{ResponseHeader: responseHeader(req, ua.Good), NotificationMessage: msg}
}

// handleRead reads the Value attribute of one or more variables.
func (srv *Server) handleRead(req *ua.ReadRequest) ua.ServiceResponse {
	if len(req.NodesToRead) == 0 {
		return serviceFault(req, ua.BadNothingToDo)
	}
	if !validTimestampsToReturn(req.TimestampsToReturn) {
		return serviceFault(req, ua.BadTimestampsToReturnInvalid)
	}
	results := make([]ua.DataValue, len(req.NodesToRead))
	for i, n := range req.NodesToRead {
		results[i] = withTimestamps(srv.readValue(n), req.TimestampsToReturn)
	}
	return &ua.ReadResponse{ResponseHeader: responseHeader(req, ua.Good), Results: results}
}
