// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"strings"
	"time"
)

// BaseEvent holds the common fields of every event.
type BaseEvent struct {
	EventID    ByteString
	EventType  NodeID
	SourceName string
	Time       time.Time
	Message    LocalizedText
	Severity   uint16
}

// BaseEventSelectClauses selects the fields of a BaseEvent, in field order.
var BaseEventSelectClauses []SimpleAttributeOperand = []SimpleAttributeOperand{
	{TypeDefinitionID: ObjectTypeIDBaseEventType, BrowsePath: ParseBrowsePath("EventId"), AttributeID: AttributeIDValue},
	{TypeDefinitionID: ObjectTypeIDBaseEventType, BrowsePath: ParseBrowsePath("EventType"), AttributeID: AttributeIDValue},
	{TypeDefinitionID: ObjectTypeIDBaseEventType, BrowsePath: ParseBrowsePath("SourceName"), AttributeID: AttributeIDValue},
	{TypeDefinitionID: ObjectTypeIDBaseEventType, BrowsePath: ParseBrowsePath("Time"), AttributeID: AttributeIDValue},
	{TypeDefinitionID: ObjectTypeIDBaseEventType, BrowsePath: ParseBrowsePath("Message"), AttributeID: AttributeIDValue},
	{TypeDefinitionID: ObjectTypeIDBaseEventType, BrowsePath: ParseBrowsePath("Severity"), AttributeID: AttributeIDValue},
}

// UnmarshalFields sets the fields of the event from fields selected with BaseEventSelectClauses.
func (evt *BaseEvent) UnmarshalFields(eventFields []Variant) error {
	if len(eventFields) != len(BaseEventSelectClauses) {
		return BadUnexpectedError
	}
	evt.EventID, _ = eventFields[0].(ByteString)
	evt.EventType, _ = eventFields[1].(NodeID)
	evt.SourceName, _ = eventFields[2].(string)
	evt.Time, _ = eventFields[3].(time.Time)
	evt.Message, _ = eventFields[4].(LocalizedText)
	evt.Severity, _ = eventFields[5].(uint16)
	return nil
}

// Select returns the event fields named by the clauses. Unknown clauses select nil.
func (evt *BaseEvent) Select(clauses []SimpleAttributeOperand) []Variant {
	ret := make([]Variant, len(clauses))
	for i, clause := range clauses {
		switch {
		case EqualSimpleAttributeOperand(clause, BaseEventSelectClauses[0]):
			ret[i] = Variant(evt.EventID)
		case EqualSimpleAttributeOperand(clause, BaseEventSelectClauses[1]):
			ret[i] = Variant(evt.EventType)
		case EqualSimpleAttributeOperand(clause, BaseEventSelectClauses[2]):
			ret[i] = Variant(evt.SourceName)
		case EqualSimpleAttributeOperand(clause, BaseEventSelectClauses[3]):
			ret[i] = Variant(evt.Time)
		case EqualSimpleAttributeOperand(clause, BaseEventSelectClauses[4]):
			ret[i] = Variant(evt.Message)
		case EqualSimpleAttributeOperand(clause, BaseEventSelectClauses[5]):
			ret[i] = Variant(evt.Severity)
		default:
			ret[i] = nil
		}
	}
	return ret
}

// ParseBrowsePath splits a path of the form "Name/Name" into qualified names of namespace 0.
func ParseBrowsePath(s string) []QualifiedName {
	if s == "" {
		return []QualifiedName{}
	}
	toks := strings.Split(s, "/")
	path := make([]QualifiedName, len(toks))
	for i, tok := range toks {
		path[i] = QualifiedName{Name: tok}
	}
	return path
}

// EqualSimpleAttributeOperand returns true if the operands select the same field.
func EqualSimpleAttributeOperand(a, b SimpleAttributeOperand) bool {
	if a.TypeDefinitionID != b.TypeDefinitionID || a.AttributeID != b.AttributeID || a.IndexRange != b.IndexRange {
		return false
	}
	if len(a.BrowsePath) != len(b.BrowsePath) {
		return false
	}
	for i := range a.BrowsePath {
		if a.BrowsePath[i] != b.BrowsePath[i] {
			return false
		}
	}
	return true
}
