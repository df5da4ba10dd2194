// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"fmt"
	"sort"
	"sync"
)

// PriorityQueue keeps its items sorted by a less function. Items that
// compare equal are dequeued in the order they were enqueued.
type PriorityQueue[T any] struct {
	mu    sync.Locker
	less  func(a, b T) bool
	items []T
}

// NewPriorityQueue creates an empty priority queue ordered by less.
// It panics if less is nil.
func NewPriorityQueue[T any](less func(a, b T) bool, options ...QueueOption) *PriorityQueue[T] {
	if less == nil {
		panic("extractqueue: nil less func")
	}
	c := newQueueConfig(options)
	return &PriorityQueue[T]{
		mu:    newLocker(c.threadSafe),
		less:  less,
		items: make([]T, 0),
	}
}

// Enqueue inserts v after all items that are not greater than v.
func (pq *PriorityQueue[T]) Enqueue(v T) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.insert(v)
}

func (pq *PriorityQueue[T]) insert(v T) {
	// Upper bound: first item that v sorts strictly before.
	i := sort.Search(len(pq.items), func(i int) bool {
		return pq.less(v, pq.items[i])
	})
	var zero T
	pq.items = append(pq.items, zero)
	copy(pq.items[i+1:], pq.items[i:])
	pq.items[i] = v
}

// Dequeue removes and returns the item with the highest priority.
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.pop()
}

func (pq *PriorityQueue[T]) pop() (T, bool) {
	var zero T
	if len(pq.items) == 0 {
		return zero, false
	}
	v := pq.items[0]
	pq.items[0] = zero
	pq.items = pq.items[1:]
	return v, true
}

// Peek returns the item with the highest priority without removing it.
func (pq *PriorityQueue[T]) Peek() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.items) == 0 {
		var zero T
		return zero, false
	}
	return pq.items[0], true
}

func (pq *PriorityQueue[T]) Size() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

func (pq *PriorityQueue[T]) IsEmpty() bool {
	return pq.Size() == 0
}

// Clear removes all items.
func (pq *PriorityQueue[T]) Clear() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.items = make([]T, 0)
}

// Items returns a copy of the items in priority order.
func (pq *PriorityQueue[T]) Items() []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	out := make([]T, len(pq.items))
	copy(out, pq.items)
	return out
}

func (pq *PriorityQueue[T]) String() string {
	n := pq.Size()
	if n == 0 {
		return "PriorityQueue(empty)"
	}
	return fmt.Sprintf("PriorityQueue(%d items)", n)
}
