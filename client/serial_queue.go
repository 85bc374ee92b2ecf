// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
)

// deliveryPool is the worker pool shared by the delivery paths of every subscription of a client.
type deliveryPool struct {
	sync.RWMutex
	pool    *workerpool.WorkerPool
	stopped bool
}

func newDeliveryPool(maxWorkers int) *deliveryPool {
	return &deliveryPool{pool: workerpool.New(maxWorkers)}
}

// submit returns false if the pool is stopped.
func (p *deliveryPool) submit(task func()) bool {
	p.RLock()
	defer p.RUnlock()
	if p.stopped {
		return false
	}
	p.pool.Submit(task)
	return true
}

// stopWait stops accepting tasks and waits for queued tasks to complete.
func (p *deliveryPool) stopWait() {
	p.Lock()
	p.stopped = true
	p.Unlock()
	p.pool.StopWait()
}

// serialQueue runs tasks one at a time, in submission order, on the shared pool.
type serialQueue struct {
	sync.Mutex
	pool    *deliveryPool
	tasks   deque.Deque[func()]
	running bool
}

func newSerialQueue(pool *deliveryPool) *serialQueue {
	return &serialQueue{pool: pool}
}

// submit queues the task. Returns false if the pool is stopped.
func (q *serialQueue) submit(task func()) bool {
	q.Lock()
	q.tasks.PushBack(task)
	if q.running {
		q.Unlock()
		return true
	}
	q.running = true
	q.Unlock()
	if !q.pool.submit(q.drain) {
		q.Lock()
		q.tasks.Clear()
		q.running = false
		q.Unlock()
		return false
	}
	return true
}

func (q *serialQueue) drain() {
	for {
		q.Lock()
		if q.tasks.Len() == 0 {
			q.running = false
			q.Unlock()
			return
		}
		task := q.tasks.PopFront()
		q.Unlock()
		task()
	}
}

// len returns the number of queued tasks.
func (q *serialQueue) len() int {
	q.Lock()
	defer q.Unlock()
	return q.tasks.Len()
}
