// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"fmt"
	"sync"
)

// nopLocker is used when the caller serializes access itself.
type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

func newLocker(threadSafe bool) sync.Locker {
	if threadSafe {
		return new(sync.Mutex)
	}
	return nopLocker{}
}

type queueConfig struct {
	maxSize    int
	threadSafe bool
}

// QueueOption configures a Queue or PriorityQueue.
type QueueOption func(*queueConfig)

// WithMaxSize limits the number of items in a Queue. Zero means unlimited.
// PriorityQueue is always unbounded and ignores this option.
func WithMaxSize(n int) QueueOption {
	return func(c *queueConfig) {
		if n < 0 {
			n = 0
		}
		c.maxSize = n
	}
}

// WithLocking makes all operations of the queue safe for concurrent use.
func WithLocking() QueueOption {
	return func(c *queueConfig) {
		c.threadSafe = true
	}
}

func newQueueConfig(options []QueueOption) queueConfig {
	var c queueConfig
	for _, opt := range options {
		opt(&c)
	}
	return c
}

// Queue is a first-in-first-out queue. It never blocks: Dequeue and
// Peek on an empty queue return false immediately.
type Queue[T any] struct {
	mu      sync.Locker
	items   []T
	maxSize int
}

// NewQueue creates an empty FIFO queue.
func NewQueue[T any](options ...QueueOption) *Queue[T] {
	c := newQueueConfig(options)
	return &Queue[T]{
		mu:      newLocker(c.threadSafe),
		items:   make([]T, 0),
		maxSize: c.maxSize,
	}
}

// Enqueue adds v to the end of the queue. It returns false if the queue
// is full.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return false
	}
	q.items = append(q.items, v)
	return true
}

// Dequeue removes and returns the first item.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Peek returns the first item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) IsEmpty() bool {
	return q.Size() == 0
}

// IsFull reports whether the queue reached its maximum size.
// An unbounded queue is never full.
func (q *Queue[T]) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize > 0 && len(q.items) >= q.maxSize
}

// Clear removes all items.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]T, 0)
}

// Items returns a copy of the items in FIFO order. Changing the queue
// afterwards does not affect the returned slice.
func (q *Queue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue[T]) String() string {
	n := q.Size()
	if n == 0 {
		return "Queue(empty)"
	}
	return fmt.Sprintf("Queue(%d items)", n)
}
