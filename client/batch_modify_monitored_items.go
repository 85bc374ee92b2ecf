// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"go.uber.org/zap"
)

// MonitoredItemChange is a set of parameter changes for one item. Fields that are not set
// keep the current value of the item.
type MonitoredItemChange struct {
	samplingInterval   *float64
	queueSize          *uint32
	discardOldest      *bool
	filter             *ua.ExtensionObject
	timestampsToReturn *ua.TimestampsToReturn
}

// WithSamplingInterval returns the change with the sampling interval set.
func (c MonitoredItemChange) WithSamplingInterval(value float64) MonitoredItemChange {
	c.samplingInterval = &value
	return c
}

// WithQueueSize returns the change with the queue size set.
func (c MonitoredItemChange) WithQueueSize(value uint32) MonitoredItemChange {
	c.queueSize = &value
	return c
}

// WithDiscardOldest returns the change with the discard policy set.
func (c MonitoredItemChange) WithDiscardOldest(value bool) MonitoredItemChange {
	c.discardOldest = &value
	return c
}

// WithFilter returns the change with the filter set.
func (c MonitoredItemChange) WithFilter(value ua.ExtensionObject) MonitoredItemChange {
	c.filter = &value
	return c
}

// WithTimestampsToReturn returns the change with the timestamps to return set.
func (c MonitoredItemChange) WithTimestampsToReturn(value ua.TimestampsToReturn) MonitoredItemChange {
	c.timestampsToReturn = &value
	return c
}

// merge sets the fields that are set in other.
func (c *MonitoredItemChange) merge(other MonitoredItemChange) {
	if other.samplingInterval != nil {
		c.samplingInterval = other.samplingInterval
	}
	if other.queueSize != nil {
		c.queueSize = other.queueSize
	}
	if other.discardOldest != nil {
		c.discardOldest = other.discardOldest
	}
	if other.filter != nil {
		c.filter = other.filter
	}
	if other.timestampsToReturn != nil {
		c.timestampsToReturn = other.timestampsToReturn
	}
}

// BatchModifyMonitoredItems modifies the parameters of many items with the fewest service calls.
// Items are grouped by subscription and timestamps to return, and each group is partitioned by
// the operation limit. The desired values of an item change only if its modify succeeds.
type BatchModifyMonitoredItems struct {
	batch[MonitoredItemChange]
}

// NewBatchModifyMonitoredItems returns an empty batch.
func (c *Client) NewBatchModifyMonitoredItems() *BatchModifyMonitoredItems {
	return &BatchModifyMonitoredItems{batch: newBatch[MonitoredItemChange](c)}
}

// Add merges the change into the changes of the item. Every call returns a new pending
// result, and every pending result of the item completes with the same outcome.
func (b *BatchModifyMonitoredItems) Add(item *MonitoredItem, change MonitoredItemChange) (*PendingResult, error) {
	return b.add(item, func(c *MonitoredItemChange) { c.merge(change) })
}

type modifyKey struct {
	subscription *Subscription
	timestamps   ua.TimestampsToReturn
}

// finalize builds the parameters to send from the current values of the item and the change.
func (c MonitoredItemChange) finalize(item *MonitoredItem) (ua.MonitoredItemModifyRequest, ua.TimestampsToReturn, uint64) {
	req, timestamps, revision := item.modifyRequest()
	p := &req.RequestedParameters
	if c.samplingInterval != nil {
		p.SamplingInterval = *c.samplingInterval
	}
	if c.queueSize != nil {
		p.QueueSize = *c.queueSize
	}
	if c.discardOldest != nil {
		p.DiscardOldest = *c.discardOldest
	}
	if c.filter != nil {
		p.Filter = *c.filter
	}
	if c.timestampsToReturn != nil {
		timestamps = *c.timestampsToReturn
	}
	return req, timestamps, revision
}

// Execute issues the service calls and returns the results in Add order. Per item failures,
// including failure of a whole service call, are reported in the results.
func (b *BatchModifyMonitoredItems) Execute(ctx context.Context) ([]OperationResult, error) {
	entries, pending, err := b.take()
	if err != nil {
		return nil, err
	}
	return b.run(ctx, entries, pending), nil
}

func (b *BatchModifyMonitoredItems) run(ctx context.Context, entries []*batchEntry[MonitoredItemChange], pending []*PendingResult) []OperationResult {
	results := make([]OperationResult, len(entries))
	subs := make([]*Subscription, len(entries))
	reqs := make([]ua.MonitoredItemModifyRequest, len(entries))
	timestamps := make([]ua.TimestampsToReturn, len(entries))
	revisions := make([]uint64, len(entries))
	for i, e := range entries {
		subs[i] = e.item.Subscription()
		reqs[i], timestamps[i], revisions[i] = e.change.finalize(e.item)
	}
	size := b.client.batchPartitionSize(ctx)
	calls := groupBatchCalls(len(entries), func(i int) modifyKey {
		return modifyKey{subs[i], timestamps[i]}
	}, size)
	b.client.runPartitions(len(calls), func(n int) {
		call := calls[n]
		var subscriptionID uint32
		if call.key.subscription != nil {
			subscriptionID, _ = call.key.subscription.serverID()
		}
		if subscriptionID == 0 {
			for _, i := range call.indices {
				results[i] = newServiceResult(entries[i].item, ua.BadSubscriptionIDInvalid)
			}
			return
		}
		toModify := make([]ua.MonitoredItemModifyRequest, len(call.indices))
		for j, i := range call.indices {
			toModify[j] = reqs[i]
		}
		res, err := b.client.ModifyMonitoredItems(ctx, &ua.ModifyMonitoredItemsRequest{
			SubscriptionID:     subscriptionID,
			TimestampsToReturn: call.key.timestamps,
			ItemsToModify:      toModify,
		})
		if err == nil && len(res.Results) != len(toModify) {
			err = ua.BadUnknownResponse
		}
		if err != nil {
			b.client.logger.Warn("error modifying monitored items", zap.Stringer("batchID", b.id), zap.Uint32("subscriptionID", subscriptionID), zap.Int("count", len(toModify)), zap.Error(err))
		}
		for j, i := range call.indices {
			var mr ua.MonitoredItemModifyResult
			if err != nil {
				results[i] = newServiceResult(entries[i].item, statusOf(err))
			} else {
				mr = res.Results[j]
				results[i] = newOperationResult(entries[i].item, mr.StatusCode)
			}
			entries[i].item.applyBatchModifyResult(results[i], mr, reqs[i].RequestedParameters, call.key.timestamps, revisions[i])
		}
	})
	b.logExecuted("ModifyMonitoredItems", len(entries), len(calls))
	return b.complete(entries, pending, results)
}

// ExecuteAsync starts the batch and returns at once. The channel receives the results in Add order.
func (b *BatchModifyMonitoredItems) ExecuteAsync(ctx context.Context) (<-chan []OperationResult, error) {
	return executeAsync(&b.batch, func(entries []*batchEntry[MonitoredItemChange], pending []*PendingResult) []OperationResult {
		return b.run(ctx, entries, pending)
	})
}
