// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NodeID identifies a node in the address space of a server.
// NodeID values are comparable and may be used as map keys.
type NodeID interface {
	nodeID()
	String() string
}

// NodeIDNumeric is a NodeID of numeric type.
type NodeIDNumeric struct {
	NamespaceIndex uint16
	ID             uint32
}

// NewNodeIDNumeric makes a NodeID of numeric type.
func NewNodeIDNumeric(ns uint16, id uint32) NodeIDNumeric {
	return NodeIDNumeric{ns, id}
}

func (n NodeIDNumeric) nodeID() {}

// String returns a string representation, e.g. "i=85"
func (n NodeIDNumeric) String() string {
	if n.NamespaceIndex == 0 {
		return fmt.Sprintf("i=%d", n.ID)
	}
	return fmt.Sprintf("ns=%d;i=%d", n.NamespaceIndex, n.ID)
}

// NodeIDString is a NodeID of string type.
type NodeIDString struct {
	NamespaceIndex uint16
	ID             string
}

// NewNodeIDString makes a NodeID of string type.
func NewNodeIDString(ns uint16, id string) NodeIDString {
	return NodeIDString{ns, id}
}

func (n NodeIDString) nodeID() {}

// String returns a string representation, e.g. "ns=2;s=Demo.Static.Scalar.Float"
func (n NodeIDString) String() string {
	if n.NamespaceIndex == 0 {
		return fmt.Sprintf("s=%s", n.ID)
	}
	return fmt.Sprintf("ns=%d;s=%s", n.NamespaceIndex, n.ID)
}

// NodeIDGUID is a NodeID of GUID type.
type NodeIDGUID struct {
	NamespaceIndex uint16
	ID             uuid.UUID
}

// NewNodeIDGUID makes a NodeID of GUID type.
func NewNodeIDGUID(ns uint16, id uuid.UUID) NodeIDGUID {
	return NodeIDGUID{ns, id}
}

func (n NodeIDGUID) nodeID() {}

// String returns a string representation, e.g. "ns=2;g=5ce9dbce-5d79-434c-9ac3-1cfba9a6e92c"
func (n NodeIDGUID) String() string {
	if n.NamespaceIndex == 0 {
		return fmt.Sprintf("g=%s", n.ID)
	}
	return fmt.Sprintf("ns=%d;g=%s", n.NamespaceIndex, n.ID)
}

// ParseNodeID returns a NodeID from a string representation.
//   - ParseNodeID("i=85") // integer, assumes ns=0
//   - ParseNodeID("ns=2;s=Demo.Static.Scalar.Float") // string
//   - ParseNodeID("ns=2;g=5ce9dbce-5d79-434c-9ac3-1cfba9a6e92c") // guid
//
// Returns nil if the string is not a valid NodeID.
func ParseNodeID(s string) NodeID {
	var ns uint64
	var err error
	if strings.HasPrefix(s, "ns=") {
		var pos = strings.Index(s, ";")
		if pos == -1 {
			return nil
		}
		ns, err = strconv.ParseUint(s[3:pos], 10, 16)
		if err != nil {
			return nil
		}
		s = s[pos+1:]
	}
	switch {
	case strings.HasPrefix(s, "i="):
		var id, err = strconv.ParseUint(s[2:], 10, 32)
		if err != nil {
			return nil
		}
		return NewNodeIDNumeric(uint16(ns), uint32(id))
	case strings.HasPrefix(s, "s="):
		return NewNodeIDString(uint16(ns), s[2:])
	case strings.HasPrefix(s, "g="):
		var id, err = uuid.Parse(s[2:])
		if err != nil {
			return nil
		}
		return NewNodeIDGUID(uint16(ns), id)
	}
	return nil
}

// Well-known node ids used by the subscription engine.
var (
	ObjectIDServer                                                            = NewNodeIDNumeric(0, 2253)
	ObjectTypeIDBaseEventType                                                 = NewNodeIDNumeric(0, 2041)
	VariableIDServerServerCapabilitiesOperationLimitsMaxMonitoredItemsPerCall = NewNodeIDNumeric(0, 11714)
)
