// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/pkg/errors"
)

var (
	// ErrSubscriptionNotCreated is returned when an operation requires a subscription that exists on the server.
	ErrSubscriptionNotCreated = errors.WithMessage(ua.BadInvalidState, "subscription not created")
	// ErrSubscriptionAlreadyCreated is returned when creating a subscription that exists on the server.
	ErrSubscriptionAlreadyCreated = errors.WithMessage(ua.BadInvalidState, "subscription already created")
	// ErrItemNotCreated is returned when an operation requires a monitored item that exists on the server.
	ErrItemNotCreated = errors.WithMessage(ua.BadInvalidState, "monitored item not created")
	// ErrItemInUse is returned when adding a monitored item that belongs to another subscription, or is being deleted.
	ErrItemInUse = errors.WithMessage(ua.BadInvalidState, "monitored item in use")
	// ErrBatchExecuted is returned when a batch is modified or executed after it was executed.
	ErrBatchExecuted = errors.WithMessage(ua.BadInvalidState, "batch already executed")
	// ErrClientClosed is returned when the client is closed.
	ErrClientClosed = errors.WithMessage(ua.BadShutdown, "client closed")
)

// OperationResult is the outcome of a service call for one monitored item.
// ServiceResult is the status of the service call itself. OperationResult is
// present only when the service call succeeded far enough to report a result per item.
type OperationResult struct {
	Item               *MonitoredItem
	ServiceResult      ua.StatusCode
	OperationResult    ua.StatusCode
	HasOperationResult bool
}

func newServiceResult(item *MonitoredItem, status ua.StatusCode) OperationResult {
	return OperationResult{Item: item, ServiceResult: status}
}

func newOperationResult(item *MonitoredItem, status ua.StatusCode) OperationResult {
	return OperationResult{Item: item, ServiceResult: ua.Good, OperationResult: status, HasOperationResult: true}
}

// IsServiceResultGood returns true if the service call succeeded.
func (r OperationResult) IsServiceResultGood() bool {
	return r.ServiceResult.IsGood()
}

// IsOperationResultGood returns true if the operation succeeded. Returns false if the operation result is absent.
func (r OperationResult) IsOperationResultGood() bool {
	return r.HasOperationResult && r.OperationResult.IsGood()
}

// IsGood returns true if both service and operation succeeded.
func (r OperationResult) IsGood() bool {
	return r.IsServiceResultGood() && r.IsOperationResultGood()
}

// StatusCode returns the first bad status of the result, or Good.
func (r OperationResult) StatusCode() ua.StatusCode {
	if !r.ServiceResult.IsGood() {
		return r.ServiceResult
	}
	if !r.HasOperationResult {
		return ua.BadUnexpectedError
	}
	return r.OperationResult
}

func allGood(results []OperationResult) bool {
	for _, r := range results {
		if !r.IsGood() {
			return false
		}
	}
	return true
}

// SynchronizationError is returned when synchronizing the monitored items of a subscription
// did not succeed for every item. It carries the results of each phase.
type SynchronizationError struct {
	Deleted  []OperationResult
	Modified []OperationResult
	Created  []OperationResult
}

func (e *SynchronizationError) Error() string {
	var parts []string
	count := func(phase string, results []OperationResult) {
		bad := 0
		for _, r := range results {
			if !r.IsGood() {
				bad++
			}
		}
		if bad > 0 {
			parts = append(parts, fmt.Sprintf("%s %d of %d failed", phase, bad, len(results)))
		}
	}
	count("delete", e.Deleted)
	count("modify", e.Modified)
	count("create", e.Created)
	return "synchronize monitored items: " + strings.Join(parts, ", ")
}

// Failed returns every result that was not good, in delete, modify, create order.
func (e *SynchronizationError) Failed() []OperationResult {
	var ret []OperationResult
	for _, results := range [][]OperationResult{e.Deleted, e.Modified, e.Created} {
		for _, r := range results {
			if !r.IsGood() {
				ret = append(ret, r)
			}
		}
	}
	return ret
}

// statusOf maps an error returned by a service call to a status code.
func statusOf(err error) ua.StatusCode {
	if err == nil {
		return ua.Good
	}
	cause := errors.Cause(err)
	if sc, ok := cause.(ua.StatusCode); ok {
		return sc
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ua.BadRequestTimeout
	case errors.Is(err, context.Canceled):
		return ua.BadRequestCancelledByClient
	default:
		return ua.BadCommunicationError
	}
}
