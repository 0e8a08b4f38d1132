/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"github.com/sasha-s/go-deadlock"
)

// dispatchQueue is an unbounded FIFO of functions for the dispatch loop.
// Pushing never blocks, so callbacks which fire on the loop itself cannot
// deadlock it, and events keep the order in which they were pushed.
type dispatchQueue struct {
	mutex deadlock.Mutex
	items []func()
	wake  chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{
		wake: make(chan struct{}, 1),
	}
}

func (q *dispatchQueue) push(f func()) {
	q.mutex.Lock()
	q.items = append(q.items, f)
	q.mutex.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the oldest function or nil when the queue is empty.
func (q *dispatchQueue) pop() func() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return f
}

func (q *dispatchQueue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}
