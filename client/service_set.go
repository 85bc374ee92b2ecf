// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"

	"github.com/convertersystems/opcua-subscriptions/ua"
)

// Read returns a list of Node attributes.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.10.2/
func (c *Client) Read(ctx context.Context, request *ua.ReadRequest) (*ua.ReadResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.ReadResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// CreateMonitoredItems creates and adds one or more MonitoredItems to a Subscription.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.12.2/
func (c *Client) CreateMonitoredItems(ctx context.Context, request *ua.CreateMonitoredItemsRequest) (*ua.CreateMonitoredItemsResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.CreateMonitoredItemsResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// ModifyMonitoredItems modifies MonitoredItems of a Subscription.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.12.3/
func (c *Client) ModifyMonitoredItems(ctx context.Context, request *ua.ModifyMonitoredItemsRequest) (*ua.ModifyMonitoredItemsResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.ModifyMonitoredItemsResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// SetMonitoringMode sets the monitoring mode for one or more MonitoredItems of a Subscription.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.12.4/
func (c *Client) SetMonitoringMode(ctx context.Context, request *ua.SetMonitoringModeRequest) (*ua.SetMonitoringModeResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.SetMonitoringModeResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// DeleteMonitoredItems removes one or more MonitoredItems of a Subscription.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.12.6/
func (c *Client) DeleteMonitoredItems(ctx context.Context, request *ua.DeleteMonitoredItemsRequest) (*ua.DeleteMonitoredItemsResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.DeleteMonitoredItemsResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// CreateSubscription creates a Subscription.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.13.2/
func (c *Client) CreateSubscription(ctx context.Context, request *ua.CreateSubscriptionRequest) (*ua.CreateSubscriptionResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.CreateSubscriptionResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// ModifySubscription modifies a Subscription.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.13.3/
func (c *Client) ModifySubscription(ctx context.Context, request *ua.ModifySubscriptionRequest) (*ua.ModifySubscriptionResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.ModifySubscriptionResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// SetPublishingMode enables sending of Notifications on one or more Subscriptions.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.13.4/
func (c *Client) SetPublishingMode(ctx context.Context, request *ua.SetPublishingModeRequest) (*ua.SetPublishingModeResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.SetPublishingModeResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// Publish requests the Server to return a NotificationMessage or a keep-alive Message.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.13.5/
func (c *Client) Publish(ctx context.Context, request *ua.PublishRequest) (*ua.PublishResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.PublishResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// Republish requests the Server to republish a NotificationMessage from its retransmission queue.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.13.6/
func (c *Client) Republish(ctx context.Context, request *ua.RepublishRequest) (*ua.RepublishResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.RepublishResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}

// DeleteSubscriptions deletes one or more Subscriptions.
// See https://reference.opcfoundation.org/v104/Core/docs/Part4/5.13.8/
func (c *Client) DeleteSubscriptions(ctx context.Context, request *ua.DeleteSubscriptionsRequest) (*ua.DeleteSubscriptionsResponse, error) {
	response, err := c.request(ctx, request)
	if err != nil {
		return nil, err
	}
	res, ok := response.(*ua.DeleteSubscriptionsResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return res, nil
}
