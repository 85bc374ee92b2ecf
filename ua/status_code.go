// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

// StatusCode is the result of a service or operation.
type StatusCode uint32

const (
	// Good - The operation completed successfully.
	Good StatusCode = 0x00000000
	// GoodSubscriptionTransferred - The subscription was transferred to another session.
	GoodSubscriptionTransferred StatusCode = 0x002D0000
	// Uncertain - The operation completed however its outputs may not be usable.
	Uncertain StatusCode = 0x40000000
	// Bad - The operation failed.
	Bad StatusCode = 0x80000000
	// BadUnexpectedError - An unexpected error occurred.
	BadUnexpectedError StatusCode = 0x80010000
	// BadInternalError - An internal error occurred as a result of a programming or configuration error.
	BadInternalError StatusCode = 0x80020000
	// BadCommunicationError - A low level communication error occurred.
	BadCommunicationError StatusCode = 0x80050000
	// BadDecodingError - Decoding halted because of invalid data in the stream.
	BadDecodingError StatusCode = 0x80070000
	// BadUnknownResponse - An unrecognized response was received from the server.
	BadUnknownResponse StatusCode = 0x80090000
	// BadTimeout - The operation timed out.
	BadTimeout StatusCode = 0x800A0000
	// BadServiceUnsupported - The server does not support the requested service.
	BadServiceUnsupported StatusCode = 0x800B0000
	// BadShutdown - The operation was cancelled because the application is shutting down.
	BadShutdown StatusCode = 0x800C0000
	// BadServerNotConnected - The operation could not complete because the client is not connected to the server.
	BadServerNotConnected StatusCode = 0x800D0000
	// BadNothingToDo - There was nothing to do because the client passed a list of operations with no elements.
	BadNothingToDo StatusCode = 0x800F0000
	// BadTooManyOperations - The request could not be processed because it specified too many operations.
	BadTooManyOperations StatusCode = 0x80100000
	// BadSessionIDInvalid - The session id is not valid.
	BadSessionIDInvalid StatusCode = 0x80250000
	// BadSessionClosed - The session was closed by the client.
	BadSessionClosed StatusCode = 0x80260000
	// BadSubscriptionIDInvalid - The subscription id is not valid.
	BadSubscriptionIDInvalid StatusCode = 0x80280000
	// BadTimestampsToReturnInvalid - The timestamps to return parameter is invalid.
	BadTimestampsToReturnInvalid StatusCode = 0x802B0000
	// BadRequestCancelledByClient - The request was cancelled by the client.
	BadRequestCancelledByClient StatusCode = 0x802C0000
	// BadWaitingForInitialData - Waiting for the server to obtain values from the underlying data source.
	BadWaitingForInitialData StatusCode = 0x80320000
	// BadNodeIDUnknown - The node id refers to a node that does not exist in the server address space.
	BadNodeIDUnknown StatusCode = 0x80340000
	// BadAttributeIDInvalid - The attribute is not supported for the specified Node.
	BadAttributeIDInvalid StatusCode = 0x80350000
	// BadMonitoringModeInvalid - The monitoring mode is invalid.
	BadMonitoringModeInvalid StatusCode = 0x80410000
	// BadMonitoredItemIDInvalid - The monitoring item id does not refer to a valid monitored item.
	BadMonitoredItemIDInvalid StatusCode = 0x80420000
	// BadMonitoredItemFilterInvalid - The monitored item filter parameter is not valid.
	BadMonitoredItemFilterInvalid StatusCode = 0x80430000
	// BadTooManySubscriptions - The server has reached its maximum number of subscriptions.
	BadTooManySubscriptions StatusCode = 0x80770000
	// BadTooManyPublishRequests - The server has reached the maximum number of queued publish requests.
	BadTooManyPublishRequests StatusCode = 0x80780000
	// BadNoSubscription - There is no subscription available for this session.
	BadNoSubscription StatusCode = 0x80790000
	// BadSequenceNumberUnknown - The sequence number is unknown to the server.
	BadSequenceNumberUnknown StatusCode = 0x807A0000
	// BadMessageNotAvailable - The requested notification message is no longer available.
	BadMessageNotAvailable StatusCode = 0x807B0000
	// BadRequestTimeout - Timeout occurred while processing the request.
	BadRequestTimeout StatusCode = 0x80850000
	// BadInvalidState - The operation cannot be completed because the object is closed, uninitialized or in some other invalid state.
	BadInvalidState StatusCode = 0x80AF0000
	// BadTooManyMonitoredItems - The request could not be processed because there are too many monitored items in the subscription.
	BadTooManyMonitoredItems StatusCode = 0x80DB0000
)

const (
	severityMask uint32 = 0xC0000000
	severityGood uint32 = 0x00000000
	severityBad  uint32 = 0x80000000
	severityUnc  uint32 = 0x40000000
)

// Info bits of a StatusCode.
const (
	InfoTypeDataValue uint32 = 0x00000400
	Overflow          uint32 = 0x00000080
)

// IsGood returns true if the StatusCode is good.
func (c StatusCode) IsGood() bool {
	return (uint32(c) & severityMask) == severityGood
}

// IsBad returns true if the StatusCode is bad.
func (c StatusCode) IsBad() bool {
	return (uint32(c) & severityMask) == severityBad
}

// IsUncertain returns true if the StatusCode is uncertain.
func (c StatusCode) IsUncertain() bool {
	return (uint32(c) & severityMask) == severityUnc
}

// Error returns the StatusCode message.
func (c StatusCode) Error() string {
	switch c {
	case Good:
		return "The operation completed successfully."
	case GoodSubscriptionTransferred:
		return "The subscription was transferred to another session."
	case Uncertain:
		return "The operation completed however its outputs may not be usable."
	case Bad:
		return "The operation failed."
	case BadUnexpectedError:
		return "An unexpected error occurred."
	case BadInternalError:
		return "An internal error occurred as a result of a programming or configuration error."
	case BadCommunicationError:
		return "A low level communication error occurred."
	case BadDecodingError:
		return "Decoding halted because of invalid data in the stream."
	case BadUnknownResponse:
		return "An unrecognized response was received from the server."
	case BadTimeout:
		return "The operation timed out."
	case BadServiceUnsupported:
		return "The server does not support the requested service."
	case BadShutdown:
		return "The operation was cancelled because the application is shutting down."
	case BadServerNotConnected:
		return "The operation could not complete because the client is not connected to the server."
	case BadNothingToDo:
		return "There was nothing to do because the client passed a list of operations with no elements."
	case BadTooManyOperations:
		return "The request could not be processed because it specified too many operations."
	case BadSessionIDInvalid:
		return "The session id is not valid."
	case BadSessionClosed:
		return "The session was closed by the client."
	case BadSubscriptionIDInvalid:
		return "The subscription id is not valid."
	case BadTimestampsToReturnInvalid:
		return "The timestamps to return parameter is invalid."
	case BadRequestCancelledByClient:
		return "The request was cancelled by the client."
	case BadWaitingForInitialData:
		return "Waiting for the server to obtain values from the underlying data source."
	case BadNodeIDUnknown:
		return "The node id refers to a node that does not exist in the server address space."
	case BadAttributeIDInvalid:
		return "The attribute is not supported for the specified Node."
	case BadMonitoringModeInvalid:
		return "The monitoring mode is invalid."
	case BadMonitoredItemIDInvalid:
		return "The monitoring item id does not refer to a valid monitored item."
	case BadMonitoredItemFilterInvalid:
		return "The monitored item filter parameter is not valid."
	case BadTooManySubscriptions:
		return "The server has reached its maximum number of subscriptions."
	case BadTooManyPublishRequests:
		return "The server has reached the maximum number of queued publish requests."
	case BadNoSubscription:
		return "There is no subscription available for this session."
	case BadSequenceNumberUnknown:
		return "The sequence number is unknown to the server."
	case BadMessageNotAvailable:
		return "The requested notification message is no longer available."
	case BadRequestTimeout:
		return "Timeout occurred while processing the request."
	case BadInvalidState:
		return "The operation cannot be completed because the object is closed, uninitialized or in some other invalid state."
	case BadTooManyMonitoredItems:
		return "The request could not be processed because there are too many monitored items in the subscription."
	default:
		return "An unknown error occurred."
	}
}
