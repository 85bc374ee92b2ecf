// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"sort"
	"sync"
	"time"

	"github.com/convertersystems/opcua-subscriptions/ua"
)

// the interval between checks for expired publish requests.
const expiryCheckInterval = time.Second

// SubscriptionManager manages the subscriptions for a server.
type SubscriptionManager struct {
	sync.RWMutex
	server            *Server
	subscriptionsByID map[uint32]*Subscription
}

// NewSubscriptionManager instantiates a new SubscriptionManager.
func NewSubscriptionManager(server *Server) *SubscriptionManager {
	m := &SubscriptionManager{server: server, subscriptionsByID: make(map[uint32]*Subscription)}
	go func(m *SubscriptionManager) {
		ticker := time.NewTicker(expiryCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.server.session.expirePublishRequests()
			case <-m.server.closing:
				m.RLock()
				for _, v := range m.subscriptionsByID {
					v.stopPublishing()
				}
				m.RUnlock()
				return
			}
		}
	}(m)
	return m
}

// Get a subscription from the server.
func (m *SubscriptionManager) Get(id uint32) (*Subscription, bool) {
	m.RLock()
	defer m.RUnlock()
	s, ok := m.subscriptionsByID[id]
	return s, ok
}

// Add a subscription to the server.
func (m *SubscriptionManager) Add(s *Subscription) error {
	m.Lock()
	defer m.Unlock()
	maxSubscriptionCount := m.server.maxSubscriptionCount
	if maxSubscriptionCount > 0 && len(m.subscriptionsByID) >= int(maxSubscriptionCount) {
		return ua.BadTooManySubscriptions
	}
	m.subscriptionsByID[s.id] = s
	return nil
}

// Delete the subscription from the server.
func (m *SubscriptionManager) Delete(s *Subscription) bool {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.subscriptionsByID[s.id]; !ok {
		return false
	}
	delete(m.subscriptionsByID, s.id)
	return true
}

// Len returns the number of subscriptions.
func (m *SubscriptionManager) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.subscriptionsByID)
}

// GetByPriority returns the subscriptions, highest priority first.
func (m *SubscriptionManager) GetByPriority() []*Subscription {
	m.RLock()
	subs := make([]*Subscription, 0, len(m.subscriptionsByID))
	for _, sub := range m.subscriptionsByID {
		subs = append(subs, sub)
	}
	m.RUnlock()
	priorities := make(map[*Subscription]byte, len(subs))
	for _, sub := range subs {
		sub.RLock()
		priorities[sub] = sub.priority
		sub.RUnlock()
	}
	sort.Slice(subs, func(i, j int) bool {
		if priorities[subs[i]] != priorities[subs[j]] {
			return priorities[subs[i]] > priorities[subs[j]]
		}
		return subs[i].id < subs[j].id
	})
	return subs
}
