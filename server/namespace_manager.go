// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"sync"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/pkg/errors"
)

// VariableNode is a variable whose value may be read and monitored.
type VariableNode struct {
	sync.RWMutex
	nodeID                  ua.NodeID
	value                   ua.DataValue
	minimumSamplingInterval float64
}

// NodeID returns the id of the variable.
func (n *VariableNode) NodeID() ua.NodeID {
	return n.nodeID
}

// Value returns the current value of the variable.
func (n *VariableNode) Value() ua.DataValue {
	n.RLock()
	defer n.RUnlock()
	return n.value
}

// SetValue sets the value of the variable.
func (n *VariableNode) SetValue(value ua.DataValue) {
	n.Lock()
	n.value = value
	n.Unlock()
}

// MinimumSamplingInterval returns the fastest rate the variable may be sampled, in ms.
func (n *VariableNode) MinimumSamplingInterval() float64 {
	return n.minimumSamplingInterval
}

// EventListener receives the events emitted by the server.
type EventListener interface {
	OnEvent(evt *ua.BaseEvent)
}

// NamespaceManager manages the variables of a server and the listeners of its events.
type NamespaceManager struct {
	sync.RWMutex
	server         *Server
	variables      map[ua.NodeID]*VariableNode
	eventListeners map[EventListener]struct{}
}

// NewNamespaceManager instantiates a new NamespaceManager.
func NewNamespaceManager(server *Server) *NamespaceManager {
	return &NamespaceManager{
		server:         server,
		variables:      make(map[ua.NodeID]*VariableNode),
		eventListeners: make(map[EventListener]struct{}),
	}
}

// AddVariable adds a variable with an initial value. The minimum sampling interval is in ms.
func (m *NamespaceManager) AddVariable(nodeID ua.NodeID, value ua.Variant, minimumSamplingInterval float64) (*VariableNode, error) {
	if nodeID == nil {
		return nil, errors.New("node id is nil")
	}
	m.Lock()
	defer m.Unlock()
	if _, ok := m.variables[nodeID]; ok {
		return nil, errors.Errorf("node %s already exists", nodeID)
	}
	now := time.Now()
	n := &VariableNode{
		nodeID:                  nodeID,
		value:                   ua.NewDataValue(value, ua.Good, now, 0, now, 0),
		minimumSamplingInterval: minimumSamplingInterval,
	}
	m.variables[nodeID] = n
	return n, nil
}

// FindVariable returns the variable with the id.
func (m *NamespaceManager) FindVariable(id ua.NodeID) (*VariableNode, bool) {
	m.RLock()
	defer m.RUnlock()
	n, ok := m.variables[id]
	return n, ok
}

// DeleteVariable removes the variable. Items monitoring it report BadNodeIDUnknown.
func (m *NamespaceManager) DeleteVariable(id ua.NodeID) bool {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.variables[id]; !ok {
		return false
	}
	delete(m.variables, id)
	return true
}

// Len returns the number of variables.
func (m *NamespaceManager) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.variables)
}

// IsEventNotifier returns true if the node emits events.
func (m *NamespaceManager) IsEventNotifier(id ua.NodeID) bool {
	return id == ua.NodeID(ua.ObjectIDServer)
}

func (m *NamespaceManager) subscribeEvents(l EventListener) {
	m.Lock()
	m.eventListeners[l] = struct{}{}
	m.Unlock()
}

func (m *NamespaceManager) unsubscribeEvents(l EventListener) {
	m.Lock()
	delete(m.eventListeners, l)
	m.Unlock()
}

func (m *NamespaceManager) onEvent(evt *ua.BaseEvent) {
	m.RLock()
	listeners := make([]EventListener, 0, len(m.eventListeners))
	for l := range m.eventListeners {
		listeners = append(listeners, l)
	}
	m.RUnlock()
	for _, l := range listeners {
		l.OnEvent(evt)
	}
}

// readValue reads the value of a variable, or the operation limit of the server.
func (srv *Server) readValue(readValueID ua.ReadValueID) ua.DataValue {
	now := time.Now()
	if readValueID.AttributeID != ua.AttributeIDValue {
		return ua.NewDataValue(nil, ua.BadAttributeIDInvalid, time.Time{}, 0, now, 0)
	}
	if readValueID.NodeID == ua.NodeID(ua.VariableIDServerServerCapabilitiesOperationLimitsMaxMonitoredItemsPerCall) {
		return ua.NewDataValue(srv.maxMonitoredItemsPerCall, ua.Good, time.Time{}, 0, now, 0)
	}
	n, ok := srv.namespaceManager.FindVariable(readValueID.NodeID)
	if !ok {
		return ua.NewDataValue(nil, ua.BadNodeIDUnknown, time.Time{}, 0, now, 0)
	}
	v := n.Value()
	v.ServerTimestamp = now
	return v
}
