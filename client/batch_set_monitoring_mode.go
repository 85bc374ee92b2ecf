// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"

	"github.com/convertersystems/opcua-subscriptions/ua"
	"go.uber.org/zap"
)

// BatchSetMonitoringMode sets the monitoring mode of many items with the fewest service calls.
// Items are grouped by subscription and mode, and each group is partitioned by the operation limit.
type BatchSetMonitoringMode struct {
	batch[ua.MonitoringMode]
}

// NewBatchSetMonitoringMode returns an empty batch.
func (c *Client) NewBatchSetMonitoringMode() *BatchSetMonitoringMode {
	return &BatchSetMonitoringMode{batch: newBatch[ua.MonitoringMode](c)}
}

// Add requests the mode for the item. The last mode added for an item wins, and every
// pending result of the item completes with the same outcome.
func (b *BatchSetMonitoringMode) Add(item *MonitoredItem, mode ua.MonitoringMode) (*PendingResult, error) {
	return b.add(item, func(m *ua.MonitoringMode) { *m = mode })
}

type setModeKey struct {
	subscription *Subscription
	mode         ua.MonitoringMode
}

// Execute issues the service calls and returns the results in Add order. Per item failures,
// including failure of a whole service call, are reported in the results.
func (b *BatchSetMonitoringMode) Execute(ctx context.Context) ([]OperationResult, error) {
	entries, pending, err := b.take()
	if err != nil {
		return nil, err
	}
	return b.run(ctx, entries, pending), nil
}

func (b *BatchSetMonitoringMode) run(ctx context.Context, entries []*batchEntry[ua.MonitoringMode], pending []*PendingResult) []OperationResult {
	results := make([]OperationResult, len(entries))
	subs := make([]*Subscription, len(entries))
	ids := make([]uint32, len(entries))
	for i, e := range entries {
		subs[i] = e.item.Subscription()
		ids[i] = e.item.MonitoredItemID()
	}
	size := b.client.batchPartitionSize(ctx)
	calls := groupBatchCalls(len(entries), func(i int) setModeKey {
		return setModeKey{subs[i], entries[i].change}
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
		itemIDs := make([]uint32, len(call.indices))
		for j, i := range call.indices {
			itemIDs[j] = ids[i]
		}
		res, err := b.client.SetMonitoringMode(ctx, &ua.SetMonitoringModeRequest{
			SubscriptionID:   subscriptionID,
			MonitoringMode:   call.key.mode,
			MonitoredItemIDs: itemIDs,
		})
		if err == nil && len(res.Results) != len(itemIDs) {
			err = ua.BadUnknownResponse
		}
		if err != nil {
			b.client.logger.Warn("error setting monitoring mode", zap.Stringer("batchID", b.id), zap.Uint32("subscriptionID", subscriptionID), zap.Int("count", len(itemIDs)), zap.Error(err))
		}
		for j, i := range call.indices {
			if err != nil {
				results[i] = newServiceResult(entries[i].item, statusOf(err))
			} else {
				results[i] = newOperationResult(entries[i].item, res.Results[j])
			}
			entries[i].item.applyMonitoringModeResult(results[i], call.key.mode)
		}
	})
	b.logExecuted("SetMonitoringMode", len(entries), len(calls))
	return b.complete(entries, pending, results)
}

// ExecuteAsync starts the batch and returns at once. The channel receives the results in Add order.
func (b *BatchSetMonitoringMode) ExecuteAsync(ctx context.Context) (<-chan []OperationResult, error) {
	return executeAsync(&b.batch, func(entries []*batchEntry[ua.MonitoringMode], pending []*PendingResult) []OperationResult {
		return b.run(ctx, entries, pending)
	})
}

// executeAsync marks the batch executed, then runs it in a goroutine. The channel
// receives exactly one value unless the batch was already executed.
func executeAsync[C any](b *batch[C], run func([]*batchEntry[C], []*PendingResult) []OperationResult) (<-chan []OperationResult, error) {
	entries, pending, err := b.take()
	if err != nil {
		return nil, err
	}
	ch := make(chan []OperationResult, 1)
	go func() {
		ch <- run(entries, pending)
		close(ch)
	}()
	return ch, nil
}
