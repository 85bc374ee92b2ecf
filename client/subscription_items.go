// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"sort"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"go.uber.org/zap"
)

// AddMonitoredItem adds the item to the subscription. A new client handle is assigned unless
// the item was removed and not yet deleted, in which case it is restored with its handle.
func (s *Subscription) AddMonitoredItem(item *MonitoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.addLocked(item)
}

// AddMonitoredItems adds the items to the subscription. Stops at the first item that cannot be added.
func (s *Subscription) AddMonitoredItems(items ...*MonitoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	for _, item := range items {
		if err := s.addLocked(item); err != nil {
			return err
		}
	}
	return nil
}

// addLocked requires lock and itemsLock held.
func (s *Subscription) addLocked(item *MonitoredItem) error {
	item.mu.Lock()
	owner, handle := item.subscription, item.clientHandle
	if owner != nil && owner != s {
		item.mu.Unlock()
		return ErrItemInUse
	}
	if owner == s {
		item.mu.Unlock()
		if existing, ok := s.items[handle]; ok && existing == item {
			return nil
		}
		for i, p := range s.pendingDeletes {
			if p == item {
				s.pendingDeletes = append(s.pendingDeletes[:i], s.pendingDeletes[i+1:]...)
				s.items[handle] = item
				if s.state != SyncStateInitial {
					s.refreshStateLocked()
				}
				return nil
			}
		}
		// delete in flight
		return ErrItemInUse
	}
	handle = s.handles.Next()
	item.clientHandle = handle
	item.subscription = s
	item.mu.Unlock()
	s.items[handle] = item
	if s.state != SyncStateInitial {
		s.state = SyncStateUnsynchronized
	}
	return nil
}

// RemoveMonitoredItem moves the item to the list of items to delete at the next synchronize.
// Returns false if the item is not in the subscription.
func (s *Subscription) RemoveMonitoredItem(item *MonitoredItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.removeLocked(item)
}

// RemoveMonitoredItems removes the items from the subscription. Returns the number removed.
func (s *Subscription) RemoveMonitoredItems(items ...*MonitoredItem) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	n := 0
	for _, item := range items {
		if s.removeLocked(item) {
			n++
		}
	}
	return n
}

// removeLocked requires lock and itemsLock held.
func (s *Subscription) removeLocked(item *MonitoredItem) bool {
	handle := item.ClientHandle()
	if existing, ok := s.items[handle]; !ok || existing != item {
		return false
	}
	delete(s.items, handle)
	s.pendingDeletes = append(s.pendingDeletes, item)
	if s.state != SyncStateInitial {
		s.state = SyncStateUnsynchronized
	}
	return true
}

// MonitoredItems returns the items of the subscription, ordered by client handle.
func (s *Subscription) MonitoredItems() []*MonitoredItem {
	s.itemsLock.RLock()
	defer s.itemsLock.RUnlock()
	return s.sortedItemsLocked(nil)
}

// MonitoredItem returns the item with the client handle.
func (s *Subscription) MonitoredItem(clientHandle uint32) (*MonitoredItem, bool) {
	s.itemsLock.RLock()
	defer s.itemsLock.RUnlock()
	item, ok := s.items[clientHandle]
	return item, ok
}

// PendingDeletes returns the number of items removed and not yet deleted on the server.
func (s *Subscription) PendingDeletes() int {
	s.itemsLock.RLock()
	defer s.itemsLock.RUnlock()
	return len(s.pendingDeletes)
}

// sortedItemsLocked returns the items that satisfy the predicate, ordered by client handle. Requires itemsLock held.
func (s *Subscription) sortedItemsLocked(pred func(*MonitoredItem) bool) []*MonitoredItem {
	handles := make([]uint32, 0, len(s.items))
	for h, item := range s.items {
		if pred == nil || pred(item) {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	ret := make([]*MonitoredItem, len(handles))
	for i, h := range handles {
		ret[i] = s.items[h]
	}
	return ret
}

func (s *Subscription) itemsInState(state SyncState) []*MonitoredItem {
	s.itemsLock.RLock()
	defer s.itemsLock.RUnlock()
	return s.sortedItemsLocked(func(item *MonitoredItem) bool { return item.State() == state })
}

func (s *Subscription) serverID() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return 0, false
	}
	return s.server.SubscriptionID, true
}

func (s *Subscription) finish(results []OperationResult, phase func(*SynchronizationError)) ([]OperationResult, error) {
	s.mu.Lock()
	s.refreshState()
	s.mu.Unlock()
	if allGood(results) {
		return results, nil
	}
	e := &SynchronizationError{}
	phase(e)
	return results, e
}

// CreateMonitoredItems creates every item that exists only in the client.
// Returns a *SynchronizationError if any item was not created.
func (s *Subscription) CreateMonitoredItems(ctx context.Context) ([]OperationResult, error) {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()
	results, err := s.createMonitoredItems(ctx)
	if err != nil {
		return nil, err
	}
	return s.finish(results, func(e *SynchronizationError) { e.Created = results })
}

// ModifyMonitoredItems sends the changed parameters of every item to the server.
// Returns a *SynchronizationError if any item was not modified.
func (s *Subscription) ModifyMonitoredItems(ctx context.Context) ([]OperationResult, error) {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()
	results, err := s.modifyMonitoredItems(ctx)
	if err != nil {
		return nil, err
	}
	return s.finish(results, func(e *SynchronizationError) { e.Modified = results })
}

// DeleteMonitoredItems deletes every removed item on the server. Items that were never
// created are dropped without a service call.
// Returns a *SynchronizationError if any item was not deleted.
func (s *Subscription) DeleteMonitoredItems(ctx context.Context) ([]OperationResult, error) {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()
	results, err := s.deleteMonitoredItems(ctx)
	if err != nil {
		return nil, err
	}
	return s.finish(results, func(e *SynchronizationError) { e.Deleted = results })
}

// SynchronizeMonitoredItems deletes removed items, modifies changed items and creates new
// items, in that order. Returns a *SynchronizationError carrying the results of every
// phase if any operation was not good.
func (s *Subscription) SynchronizeMonitoredItems(ctx context.Context) error {
	s.syncLock.Lock()
	defer s.syncLock.Unlock()
	if _, ok := s.serverID(); !ok {
		return ErrSubscriptionNotCreated
	}
	deleted, err := s.deleteMonitoredItems(ctx)
	if err != nil {
		return err
	}
	modified, err := s.modifyMonitoredItems(ctx)
	if err != nil {
		return err
	}
	created, err := s.createMonitoredItems(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.refreshState()
	s.mu.Unlock()
	if allGood(deleted) && allGood(modified) && allGood(created) {
		return nil
	}
	return &SynchronizationError{Deleted: deleted, Modified: modified, Created: created}
}

// itemCall is one service call for a partition of items.
type itemCall struct {
	timestamps ua.TimestampsToReturn
	indices    []int
}

// groupCalls groups the indices by timestamps to return, in order of first appearance, and partitions each group.
func groupCalls(n int, timestamps func(i int) ua.TimestampsToReturn, size int) []itemCall {
	var order []ua.TimestampsToReturn
	groups := make(map[ua.TimestampsToReturn][]int)
	for i := 0; i < n; i++ {
		ts := timestamps(i)
		if _, ok := groups[ts]; !ok {
			order = append(order, ts)
		}
		groups[ts] = append(groups[ts], i)
	}
	var calls []itemCall
	for _, ts := range order {
		for _, p := range partition(groups[ts], size) {
			calls = append(calls, itemCall{timestamps: ts, indices: p})
		}
	}
	return calls
}

func (s *Subscription) createMonitoredItems(ctx context.Context) ([]OperationResult, error) {
	id, ok := s.serverID()
	if !ok {
		return nil, ErrSubscriptionNotCreated
	}
	items := s.itemsInState(SyncStateInitial)
	if len(items) == 0 {
		return nil, nil
	}
	reqs := make([]ua.MonitoredItemCreateRequest, len(items))
	timestamps := make([]ua.TimestampsToReturn, len(items))
	revisions := make([]uint64, len(items))
	for i, item := range items {
		reqs[i], timestamps[i], revisions[i] = item.createRequest()
	}
	calls := groupCalls(len(items), func(i int) ua.TimestampsToReturn { return timestamps[i] }, s.client.partitionSize(ctx))
	results := make([]OperationResult, len(items))
	s.client.runPartitions(len(calls), func(n int) {
		call := calls[n]
		toCreate := make([]ua.MonitoredItemCreateRequest, len(call.indices))
		for j, i := range call.indices {
			toCreate[j] = reqs[i]
		}
		res, err := s.client.CreateMonitoredItems(ctx, &ua.CreateMonitoredItemsRequest{
			SubscriptionID:     id,
			TimestampsToReturn: call.timestamps,
			ItemsToCreate:      toCreate,
		})
		if err == nil && len(res.Results) != len(toCreate) {
			err = ua.BadUnknownResponse
		}
		if err != nil {
			s.client.logger.Warn("error creating monitored items", zap.Uint32("subscriptionID", id), zap.Int("count", len(toCreate)), zap.Error(err))
		}
		for j, i := range call.indices {
			var r OperationResult
			var cr ua.MonitoredItemCreateResult
			if err != nil {
				r = newServiceResult(items[i], statusOf(err))
			} else {
				cr = res.Results[j]
				r = newOperationResult(items[i], cr.StatusCode)
			}
			items[i].applyCreateResult(r, cr, reqs[i], timestamps[i], revisions[i])
			results[i] = r
		}
	})
	return results, nil
}

func (s *Subscription) modifyMonitoredItems(ctx context.Context) ([]OperationResult, error) {
	id, ok := s.serverID()
	if !ok {
		return nil, ErrSubscriptionNotCreated
	}
	items := s.itemsInState(SyncStateUnsynchronized)
	if len(items) == 0 {
		return nil, nil
	}
	reqs := make([]ua.MonitoredItemModifyRequest, len(items))
	timestamps := make([]ua.TimestampsToReturn, len(items))
	revisions := make([]uint64, len(items))
	for i, item := range items {
		reqs[i], timestamps[i], revisions[i] = item.modifyRequest()
		if ce := s.client.logger.Check(s.client.traceLevel(), "modify monitored item"); ce != nil {
			ce.Write(zap.Uint32("subscriptionID", id), zap.Uint32("clientHandle", reqs[i].RequestedParameters.ClientHandle), zap.Strings("changed", item.PendingChanges()))
		}
	}
	calls := groupCalls(len(items), func(i int) ua.TimestampsToReturn { return timestamps[i] }, s.client.partitionSize(ctx))
	results := make([]OperationResult, len(items))
	s.client.runPartitions(len(calls), func(n int) {
		call := calls[n]
		toModify := make([]ua.MonitoredItemModifyRequest, len(call.indices))
		for j, i := range call.indices {
			toModify[j] = reqs[i]
		}
		res, err := s.client.ModifyMonitoredItems(ctx, &ua.ModifyMonitoredItemsRequest{
			SubscriptionID:     id,
			TimestampsToReturn: call.timestamps,
			ItemsToModify:      toModify,
		})
		if err == nil && len(res.Results) != len(toModify) {
			err = ua.BadUnknownResponse
		}
		if err != nil {
			s.client.logger.Warn("error modifying monitored items", zap.Uint32("subscriptionID", id), zap.Int("count", len(toModify)), zap.Error(err))
		}
		for j, i := range call.indices {
			var r OperationResult
			var mr ua.MonitoredItemModifyResult
			if err != nil {
				r = newServiceResult(items[i], statusOf(err))
			} else {
				mr = res.Results[j]
				r = newOperationResult(items[i], mr.StatusCode)
			}
			items[i].applyModifyResult(r, mr, revisions[i])
			results[i] = r
		}
	})
	return results, nil
}

func (s *Subscription) deleteMonitoredItems(ctx context.Context) ([]OperationResult, error) {
	s.itemsLock.Lock()
	pending := s.pendingDeletes
	s.pendingDeletes = nil
	s.itemsLock.Unlock()

	var items []*MonitoredItem
	for _, item := range pending {
		if item.State() == SyncStateInitial {
			s.handles.Release(item.applyDeleteResult(ua.Good))
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, nil
	}
	id, ok := s.serverID()
	if !ok {
		s.itemsLock.Lock()
		s.pendingDeletes = append(s.pendingDeletes, items...)
		s.itemsLock.Unlock()
		return nil, ErrSubscriptionNotCreated
	}
	ids := make([]uint32, len(items))
	for i, item := range items {
		ids[i] = item.MonitoredItemID()
	}
	calls := groupCalls(len(items), func(int) ua.TimestampsToReturn { return ua.TimestampsToReturnNeither }, s.client.partitionSize(ctx))
	results := make([]OperationResult, len(items))
	s.client.runPartitions(len(calls), func(n int) {
		call := calls[n]
		toDelete := make([]uint32, len(call.indices))
		for j, i := range call.indices {
			toDelete[j] = ids[i]
		}
		res, err := s.client.DeleteMonitoredItems(ctx, &ua.DeleteMonitoredItemsRequest{
			SubscriptionID:   id,
			MonitoredItemIDs: toDelete,
		})
		if err == nil && len(res.Results) != len(toDelete) {
			err = ua.BadUnknownResponse
		}
		if err != nil {
			s.client.logger.Warn("error deleting monitored items", zap.Uint32("subscriptionID", id), zap.Int("count", len(toDelete)), zap.Error(err))
		}
		for j, i := range call.indices {
			var r OperationResult
			if err != nil {
				r = newServiceResult(items[i], statusOf(err))
			} else {
				r = newOperationResult(items[i], res.Results[j])
			}
			s.handles.Release(items[i].applyDeleteResult(r.StatusCode()))
			results[i] = r
		}
	})
	return results, nil
}
