// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"time"
)

// ServiceRequest is a request for a service.
type ServiceRequest interface {
	Header() *RequestHeader
}

// ServiceResponse is a response from a service.
type ServiceResponse interface {
	Header() *ResponseHeader
}

// RequestHeader is the common header of every request.
type RequestHeader struct {
	AuthenticationToken NodeID
	Timestamp           time.Time
	RequestHandle       uint32
	ReturnDiagnostics   uint32
	AuditEntryID        string
	TimeoutHint         uint32
}

// Header returns the request header.
func (h *RequestHeader) Header() *RequestHeader {
	return h
}

// ResponseHeader is the common header of every response.
type ResponseHeader struct {
	Timestamp     time.Time
	RequestHandle uint32
	ServiceResult StatusCode
}

// Header returns the response header.
func (h *ResponseHeader) Header() *ResponseHeader {
	return h
}

// ServiceFault is the response returned when a service fails as a whole.
type ServiceFault struct {
	ResponseHeader
}

// CreateSubscriptionRequest ...
type CreateSubscriptionRequest struct {
	RequestHeader
	RequestedPublishingInterval float64
	RequestedLifetimeCount      uint32
	RequestedMaxKeepAliveCount  uint32
	MaxNotificationsPerPublish  uint32
	PublishingEnabled           bool
	Priority                    byte
}

// CreateSubscriptionResponse ...
type CreateSubscriptionResponse struct {
	ResponseHeader
	SubscriptionID            uint32
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

// ModifySubscriptionRequest ...
type ModifySubscriptionRequest struct {
	RequestHeader
	SubscriptionID              uint32
	RequestedPublishingInterval float64
	RequestedLifetimeCount      uint32
	RequestedMaxKeepAliveCount  uint32
	MaxNotificationsPerPublish  uint32
	Priority                    byte
}

// ModifySubscriptionResponse ...
type ModifySubscriptionResponse struct {
	ResponseHeader
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

// SetPublishingModeRequest ...
type SetPublishingModeRequest struct {
	RequestHeader
	PublishingEnabled bool
	SubscriptionIDs   []uint32
}

// SetPublishingModeResponse ...
type SetPublishingModeResponse struct {
	ResponseHeader
	Results []StatusCode
}

// DeleteSubscriptionsRequest ...
type DeleteSubscriptionsRequest struct {
	RequestHeader
	SubscriptionIDs []uint32
}

// DeleteSubscriptionsResponse ...
type DeleteSubscriptionsResponse struct {
	ResponseHeader
	Results []StatusCode
}

// CreateMonitoredItemsRequest ...
type CreateMonitoredItemsRequest struct {
	RequestHeader
	SubscriptionID     uint32
	TimestampsToReturn TimestampsToReturn
	ItemsToCreate      []MonitoredItemCreateRequest
}

// CreateMonitoredItemsResponse ...
type CreateMonitoredItemsResponse struct {
	ResponseHeader
	Results []MonitoredItemCreateResult
}

// ModifyMonitoredItemsRequest ...
type ModifyMonitoredItemsRequest struct {
	RequestHeader
	SubscriptionID     uint32
	TimestampsToReturn TimestampsToReturn
	ItemsToModify      []MonitoredItemModifyRequest
}

// ModifyMonitoredItemsResponse ...
type ModifyMonitoredItemsResponse struct {
	ResponseHeader
	Results []MonitoredItemModifyResult
}

// SetMonitoringModeRequest ...
type SetMonitoringModeRequest struct {
	RequestHeader
	SubscriptionID   uint32
	MonitoringMode   MonitoringMode
	MonitoredItemIDs []uint32
}

// SetMonitoringModeResponse ...
type SetMonitoringModeResponse struct {
	ResponseHeader
	Results []StatusCode
}

// DeleteMonitoredItemsRequest ...
type DeleteMonitoredItemsRequest struct {
	RequestHeader
	SubscriptionID   uint32
	MonitoredItemIDs []uint32
}

// DeleteMonitoredItemsResponse ...
type DeleteMonitoredItemsResponse struct {
	ResponseHeader
	Results []StatusCode
}

// PublishRequest ...
type PublishRequest struct {
	RequestHeader
	SubscriptionAcknowledgements []SubscriptionAcknowledgement
}

// PublishResponse ...
type PublishResponse struct {
	ResponseHeader
	SubscriptionID           uint32
	AvailableSequenceNumbers []uint32
	MoreNotifications        bool
	NotificationMessage      NotificationMessage
	Results                  []StatusCode
}

// RepublishRequest ...
type RepublishRequest struct {
	RequestHeader
	SubscriptionID           uint32
	RetransmitSequenceNumber uint32
}

// RepublishResponse ...
type RepublishResponse struct {
	ResponseHeader
	NotificationMessage NotificationMessage
}

// ReadRequest ...
type ReadRequest struct {
	RequestHeader
	MaxAge             float64
	TimestampsToReturn TimestampsToReturn
	NodesToRead        []ReadValueID
}

// ReadResponse ...
type ReadResponse struct {
	ResponseHeader
	Results []DataValue
}
