// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// ManagerStart event type is triggered on manager startup.
	ManagerStart = "MANAGER_START"
	// ManagerStop event type is triggered on manager shutdown.
	ManagerStop = "MANAGER_STOP"
	// QueueStats event type returns queue stats periodically.
	QueueStats = "QUEUE_STATS"
	// QueueClear event type is triggered when the queue is cleared.
	QueueClear = "QUEUE_CLEAR"
	// TaskEnqueue event type is triggered when a new task is added.
	TaskEnqueue = "TASK_ENQUEUE"
	// TaskStart event type is triggered when a task is handed out by Next.
	TaskStart = "TASK_START"
	// TaskRetry event type is triggered when a failed task is re-enqueued.
	TaskRetry = "TASK_RETRY"
	// TaskCompletion event type is triggered when a task completed successfully.
	TaskCompletion = "TASK_COMPLETION"
	// TaskFailure event type is triggered when a task has failed for good.
	TaskFailure = "TASK_FAILURE"
)

// WatchEvent is sent to consumers watching a queue.
type WatchEvent struct {
	Type  string    `json:"type"`            // event type
	Task  *TaskView `json:"task,omitempty"`  // task details
	Stats *Stats    `json:"stats,omitempty"` // statistics
}

func taskEvent(typ string, t *Task) *WatchEvent {
	v := t.View()
	return &WatchEvent{Type: typ, Task: &v}
}

// Publisher receives lifecycle events of an ExtractionQueue.
// Publish must not call back into the queue.
type Publisher interface {
	Publish(*WatchEvent) error
}

// Hub is an in-process Publisher that fans events out to subscribers.
// Publish never blocks: subscribers that don't keep up miss events.
type Hub struct {
	mu   sync.Mutex
	subs map[chan *WatchEvent]struct{}
	size int
}

// NewHub creates a Hub whose subscriber channels buffer up to size events.
func NewHub(size int) *Hub {
	if size < 0 {
		size = 0
	}
	return &Hub{
		subs: make(map[chan *WatchEvent]struct{}),
		size: size,
	}
}

// Publish sends e to all current subscribers.
func (h *Hub) Publish(e *WatchEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		select {
		case c <- e:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events. The channel is closed after
// done is closed.
func (h *Hub) Subscribe(done <-chan struct{}) <-chan *WatchEvent {
	c := make(chan *WatchEvent, h.size)
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-done
		h.mu.Lock()
		delete(h.subs, c)
		close(c)
		h.mu.Unlock()
	}()
	return c
}

// MultiPublisher publishes to all of its publishers. It returns the
// first error but always tries every publisher.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(e *WatchEvent) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(e); err != nil && first == nil {
			first = errors.Wrapf(err, "publish %s", e.Type)
		}
	}
	return first
}

// Watch enables consumers to watch events happening inside the queue.
// Besides task events, a QueueStats event is sent every interval.
// The caller must close done once it is no longer interested in events;
// the returned channel is closed afterwards.
func (q *ExtractionQueue) Watch(done chan struct{}, interval time.Duration) <-chan *WatchEvent {
	events := q.hub.Subscribe(done)

	statsev := make(chan *WatchEvent)
	go func() {
		defer close(statsev)
		if interval <= 0 {
			<-done
			return
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				st := q.Stats()
				select {
				case statsev <- &WatchEvent{Type: QueueStats, Stats: &st}:
				case <-done:
					return
				}
			}
		}
	}()

	return mergeWatchEvents(done, events, statsev)
}

// mergeWatchEvents forwards the events of all cs to one channel. The
// result is closed once every input is closed; inputs are closed by
// their producers after done is closed. Events arriving after done are
// discarded.
func mergeWatchEvents(done <-chan struct{}, cs ...<-chan *WatchEvent) <-chan *WatchEvent {
	out := make(chan *WatchEvent)
	var wg sync.WaitGroup
	wg.Add(len(cs))
	for _, c := range cs {
		go func(c <-chan *WatchEvent) {
			defer wg.Done()
			for e := range c {
				select {
				case out <- e:
				case <-done:
				}
			}
		}(c)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
