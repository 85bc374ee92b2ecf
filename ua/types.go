// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"time"
)

// ByteString is a sequence of octets.
type ByteString string

// Variant stores a single value or slice of the builtin types.
type Variant any

// ExtensionObject stores a structured value such as a monitoring filter.
// Encoding of the body is owned by the codec layer.
type ExtensionObject any

// LocalizedText pairs text and a Locale string.
type LocalizedText struct {
	Text   string
	Locale string
}

// NewLocalizedText constructs a LocalizedText.
func NewLocalizedText(text, locale string) LocalizedText {
	return LocalizedText{text, locale}
}

// QualifiedName pairs a name and a namespace index.
type QualifiedName struct {
	NamespaceIndex uint16
	Name           string
}

// DataValue holds the value, quality and timestamps.
type DataValue struct {
	Value             Variant
	StatusCode        StatusCode
	SourceTimestamp   time.Time
	SourcePicoseconds uint16
	ServerTimestamp   time.Time
	ServerPicoseconds uint16
}

// NewDataValue returns a new DataValue.
func NewDataValue(value Variant, status StatusCode, sourceTimestamp time.Time, sourcePicoseconds uint16, serverTimestamp time.Time, serverPicoseconds uint16) DataValue {
	return DataValue{value, status, sourceTimestamp, sourcePicoseconds, serverTimestamp, serverPicoseconds}
}

// AttributeID identifies an attribute of a node.
const (
	AttributeIDNodeID        uint32 = 1
	AttributeIDValue         uint32 = 13
	AttributeIDEventNotifier uint32 = 12
)

// ReadValueID identifies an attribute of a node.
type ReadValueID struct {
	NodeID       NodeID
	AttributeID  uint32
	IndexRange   string
	DataEncoding QualifiedName
}

// MonitoringMode sets whether the item is sampled and reported.
type MonitoringMode int32

// MonitoringMode enumeration.
const (
	MonitoringModeDisabled  MonitoringMode = 0
	MonitoringModeSampling  MonitoringMode = 1
	MonitoringModeReporting MonitoringMode = 2
)

func (m MonitoringMode) String() string {
	switch m {
	case MonitoringModeDisabled:
		return "Disabled"
	case MonitoringModeSampling:
		return "Sampling"
	case MonitoringModeReporting:
		return "Reporting"
	default:
		return "Unknown"
	}
}

// TimestampsToReturn sets which timestamps the server attaches to a DataValue.
type TimestampsToReturn int32

// TimestampsToReturn enumeration.
const (
	TimestampsToReturnSource  TimestampsToReturn = 0
	TimestampsToReturnServer  TimestampsToReturn = 1
	TimestampsToReturnBoth    TimestampsToReturn = 2
	TimestampsToReturnNeither TimestampsToReturn = 3
)

func (t TimestampsToReturn) String() string {
	switch t {
	case TimestampsToReturnSource:
		return "Source"
	case TimestampsToReturnServer:
		return "Server"
	case TimestampsToReturnBoth:
		return "Both"
	case TimestampsToReturnNeither:
		return "Neither"
	default:
		return "Unknown"
	}
}

// DataChangeTrigger sets which changes of a DataValue cause a notification.
type DataChangeTrigger int32

// DataChangeTrigger enumeration.
const (
	DataChangeTriggerStatus               DataChangeTrigger = 0
	DataChangeTriggerStatusValue          DataChangeTrigger = 1
	DataChangeTriggerStatusValueTimestamp DataChangeTrigger = 2
)

// DeadbandType enumeration.
const (
	DeadbandTypeNone     uint32 = 0
	DeadbandTypeAbsolute uint32 = 1
	DeadbandTypePercent  uint32 = 2
)

// DataChangeFilter is a monitoring filter for data items.
type DataChangeFilter struct {
	Trigger       DataChangeTrigger
	DeadbandType  uint32
	DeadbandValue float64
}

// SimpleAttributeOperand selects a field of an event.
type SimpleAttributeOperand struct {
	TypeDefinitionID NodeID
	BrowsePath       []QualifiedName
	AttributeID      uint32
	IndexRange       string
}

// EventFilter is a monitoring filter for event items.
type EventFilter struct {
	SelectClauses []SimpleAttributeOperand
}

// EventFilterResult is returned by the server when creating or modifying an event item.
type EventFilterResult struct {
	SelectClauseResults []StatusCode
}

// MonitoringParameters are the requested parameters of a monitored item.
type MonitoringParameters struct {
	ClientHandle     uint32
	SamplingInterval float64
	Filter           ExtensionObject
	QueueSize        uint32
	DiscardOldest    bool
}

// MonitoredItemCreateRequest describes one item to create.
type MonitoredItemCreateRequest struct {
	ItemToMonitor       ReadValueID
	MonitoringMode      MonitoringMode
	RequestedParameters MonitoringParameters
}

// MonitoredItemCreateResult is the server's answer for one created item.
type MonitoredItemCreateResult struct {
	StatusCode              StatusCode
	MonitoredItemID         uint32
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
	FilterResult            ExtensionObject
}

// MonitoredItemModifyRequest describes one item to modify.
type MonitoredItemModifyRequest struct {
	MonitoredItemID     uint32
	RequestedParameters MonitoringParameters
}

// MonitoredItemModifyResult is the server's answer for one modified item.
type MonitoredItemModifyResult struct {
	StatusCode              StatusCode
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
	FilterResult            ExtensionObject
}

// SubscriptionAcknowledgement acknowledges receipt of one notification message.
type SubscriptionAcknowledgement struct {
	SubscriptionID uint32
	SequenceNumber uint32
}
