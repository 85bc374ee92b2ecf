// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PendingResult is the result of one Add to a batch. It completes when the batch is executed.
type PendingResult struct {
	done   chan struct{}
	result OperationResult
}

func newPendingResult() *PendingResult {
	return &PendingResult{done: make(chan struct{})}
}

func (p *PendingResult) complete(r OperationResult) {
	p.result = r
	close(p.done)
}

// Done returns a channel that is closed when the result is available.
func (p *PendingResult) Done() <-chan struct{} {
	return p.done
}

// Result returns the result, or false if the batch has not completed.
func (p *PendingResult) Result() (OperationResult, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return OperationResult{}, false
	}
}

// Wait waits for the result.
func (p *PendingResult) Wait(ctx context.Context) (OperationResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return OperationResult{}, ctx.Err()
	}
}

// batchEntry accumulates the changes of one item and the indices of its pending results.
type batchEntry[C any] struct {
	item    *MonitoredItem
	change  C
	handles []int
}

// batch collects changes per item and the pending results in Add order.
type batch[C any] struct {
	mu       sync.Mutex
	client   *Client
	id       uuid.UUID
	index    map[*MonitoredItem]int
	entries  []*batchEntry[C]
	results  []*PendingResult
	executed bool
}

func newBatch[C any](c *Client) batch[C] {
	return batch[C]{
		client: c,
		id:     uuid.New(),
		index:  make(map[*MonitoredItem]int),
	}
}

// add merges the change into the entry of the item and returns a new pending result.
func (b *batch[C]) add(item *MonitoredItem, merge func(*C)) (*PendingResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.executed {
		return nil, ErrBatchExecuted
	}
	if item.MonitoredItemID() == 0 {
		return nil, ErrItemNotCreated
	}
	i, ok := b.index[item]
	if !ok {
		i = len(b.entries)
		b.index[item] = i
		b.entries = append(b.entries, &batchEntry[C]{item: item})
	}
	e := b.entries[i]
	merge(&e.change)
	p := newPendingResult()
	e.handles = append(e.handles, len(b.results))
	b.results = append(b.results, p)
	return p, nil
}

// take marks the batch executed and returns its entries.
func (b *batch[C]) take() ([]*batchEntry[C], []*PendingResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.executed {
		return nil, nil, ErrBatchExecuted
	}
	b.executed = true
	return b.entries, b.results, nil
}

// batchCall is one service call for a partition of entries with a common key.
type batchCall[K comparable] struct {
	key     K
	indices []int
}

// groupBatchCalls groups the entries by key, in order of first appearance, and partitions each group.
func groupBatchCalls[K comparable](n int, key func(i int) K, size int) []batchCall[K] {
	var order []K
	groups := make(map[K][]int)
	for i := 0; i < n; i++ {
		k := key(i)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}
	var calls []batchCall[K]
	for _, k := range order {
		for _, p := range partition(groups[k], size) {
			calls = append(calls, batchCall[K]{key: k, indices: p})
		}
	}
	return calls
}

// complete broadcasts the result of each entry to every pending result of the entry,
// and returns the results in Add order.
func (b *batch[C]) complete(entries []*batchEntry[C], pending []*PendingResult, results []OperationResult) []OperationResult {
	for i, e := range entries {
		for _, h := range e.handles {
			pending[h].complete(results[i])
		}
	}
	ret := make([]OperationResult, len(pending))
	for i, p := range pending {
		<-p.done
		ret[i] = p.result
	}
	return ret
}

func (b *batch[C]) logExecuted(name string, entries, calls int) {
	b.client.logger.Debug("batch executed",
		zap.String("batch", name),
		zap.Stringer("batchID", b.id),
		zap.Int("items", entries),
		zap.Int("results", len(b.results)),
		zap.Int("calls", calls))
}
