// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

var (
	// ErrNilTask is returned when adding a nil task.
	ErrNilTask = errors.New("extractqueue: nil task")
	// ErrNotPending is returned when adding a task that is not pending.
	ErrNotPending = errors.New("extractqueue: task is not pending")
	// ErrRetryBudget is returned when adding a task whose retry count is
	// negative or exceeds its max retries.
	ErrRetryBudget = errors.New("extractqueue: invalid retry budget")
	// ErrNotProcessing is returned when completing or failing a task
	// that is not currently being processed.
	ErrNotProcessing = errors.New("extractqueue: task is not processing")
)

// Stats is a consistent snapshot of the queue.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`    // sum of the above
	Enqueued   int `json:"enqueued"` // tasks added since the last Clear
	Started    int `json:"started"`  // tasks handed out by Next
	Retried    int `json:"retried"`  // failed but re-enqueued
}

// Snapshot holds copies of all tasks, grouped by status.
type Snapshot struct {
	Pending    []Task `json:"pending"`    // in dequeue order
	Processing []Task `json:"processing"` // in priority order
	Completed  []Task `json:"completed"`  // in priority order
	Failed     []Task `json:"failed"`     // in priority order
}

// ExtractionQueue manages extraction tasks through their lifecycle:
// pending, processing, and finally completed or failed.
//
// A task is in exactly one of the four collections at any time. Tasks
// are copied in and out, so callers never share a task with the queue.
// The queue doesn't start any goroutines; use a Manager for that.
type ExtractionQueue struct {
	mu         sync.Locker
	threadSafe bool
	logger     log.Logger
	hub        *Hub
	pub        Publisher
	now        func() time.Time

	pending    *PriorityQueue[*Task]
	processing map[string]*Task // key: task id
	completed  map[string]*Task // key: task id
	failed     map[string]*Task // key: task id

	enqueued int
	started  int
	retried  int
}

// Option is an options provider to be used when creating a
// new extraction queue.
type Option func(*ExtractionQueue)

// SetThreadSafe specifies whether the queue guards all operations with
// a single mutex. It is true by default. Without it, the caller must
// serialize access.
func SetThreadSafe(enabled bool) Option {
	return func(q *ExtractionQueue) {
		q.threadSafe = enabled
	}
}

// SetLogger specifies the logger to use when reporting.
func SetLogger(logger log.Logger) Option {
	return func(q *ExtractionQueue) {
		if logger == nil {
			logger = log.NewNopLogger()
		}
		q.logger = logger
	}
}

// SetPublisher specifies a publisher that receives all task events,
// e.g. a RedisPublisher. Events are always sent to Watch consumers.
func SetPublisher(p Publisher) Option {
	return func(q *ExtractionQueue) {
		q.pub = p
	}
}

// SetClock specifies the clock used for tasks added without a
// creation time.
func SetClock(now func() time.Time) Option {
	return func(q *ExtractionQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewExtractionQueue creates an empty queue.
func NewExtractionQueue(options ...Option) *ExtractionQueue {
	q := &ExtractionQueue{
		threadSafe: true,
		logger:     log.NewNopLogger(),
		hub:        NewHub(64),
		now:        time.Now,
		pending:    NewPriorityQueue((*Task).Less),
		processing: make(map[string]*Task),
		completed:  make(map[string]*Task),
		failed:     make(map[string]*Task),
	}
	for _, opt := range options {
		opt(q)
	}
	q.mu = newLocker(q.threadSafe)
	return q
}

// Add adds a copy of t to the pending tasks. t must be pending.
func (q *ExtractionQueue) Add(t *Task) error {
	if t == nil {
		return ErrNilTask
	}
	if t.Status != StatusPending {
		level.Warn(q.logger).Log("msg", "task is not pending", "task_id", t.ID, "status", t.Status)
		return errors.Wrapf(ErrNotPending, "add %q with status %s", t.ID, t.Status)
	}
	if t.MaxRetries < 0 || t.RetryCount < 0 || t.RetryCount > t.MaxRetries {
		level.Warn(q.logger).Log("msg", "invalid retry budget", "task_id", t.ID, "retry", t.RetryCount, "max_retries", t.MaxRetries)
		return errors.Wrapf(ErrRetryBudget, "add %q with retry %d of %d", t.ID, t.RetryCount, t.MaxRetries)
	}

	q.mu.Lock()
	task := t.clone()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.now().UTC()
	}
	q.pending.Enqueue(task)
	q.enqueued++
	ev := taskEvent(TaskEnqueue, task)
	q.mu.Unlock()

	level.Info(q.logger).Log("msg", "added task", "task_id", task.ID, "priority", task.Priority)
	q.publish(ev)
	return nil
}

// Next moves the pending task with the highest priority into processing
// and returns a copy of it. It returns false immediately if no task is
// pending.
func (q *ExtractionQueue) Next() (Task, bool) {
	q.mu.Lock()
	task, found := q.pending.Dequeue()
	if !found {
		q.mu.Unlock()
		return Task{}, false
	}
	task.Status = StatusProcessing
	q.processing[task.ID] = task
	q.started++
	out := task.clone()
	ev := taskEvent(TaskStart, task)
	q.mu.Unlock()

	level.Info(q.logger).Log("msg", "started task", "task_id", out.ID, "retry", out.RetryCount)
	q.publish(ev)
	return *out, true
}

// Complete marks the processing task with the given id as completed and
// stores its result.
func (q *ExtractionQueue) Complete(id string, result Result) error {
	q.mu.Lock()
	task, found := q.processing[id]
	if !found {
		q.mu.Unlock()
		level.Warn(q.logger).Log("msg", "task not in processing", "task_id", id)
		return errors.Wrapf(ErrNotProcessing, "complete %q", id)
	}
	delete(q.processing, id)
	task.Status = StatusCompleted
	task.Result = result
	q.completed[id] = task
	ev := taskEvent(TaskCompletion, task)
	q.mu.Unlock()

	level.Info(q.logger).Log("msg", "completed task", "task_id", id)
	q.publish(ev)
	return nil
}

// Fail records a failure of the processing task with the given id.
// If retry is true and the task has retries left, it is put back into
// the pending tasks at its original position in priority order and Fail
// returns true. Otherwise the task is failed for good and Fail
// returns false.
func (q *ExtractionQueue) Fail(id, reason string, retry bool) (bool, error) {
	q.mu.Lock()
	task, found := q.processing[id]
	if !found {
		q.mu.Unlock()
		level.Warn(q.logger).Log("msg", "task not in processing", "task_id", id)
		return false, errors.Wrapf(ErrNotProcessing, "fail %q", id)
	}
	delete(q.processing, id)
	task.ErrorMessage = reason
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
	}

	var ev *WatchEvent
	requeued := retry && task.RetryCount < task.MaxRetries
	if requeued {
		// CreatedAt is kept, so the task doesn't lose its place among
		// tasks of the same priority.
		task.Status = StatusPending
		q.pending.Enqueue(task)
		q.retried++
		ev = taskEvent(TaskRetry, task)
	} else {
		task.Status = StatusFailed
		q.failed[id] = task
		ev = taskEvent(TaskFailure, task)
	}
	retries, maxRetries := task.RetryCount, task.MaxRetries
	q.mu.Unlock()

	if requeued {
		level.Info(q.logger).Log("msg", "retrying task", "task_id", id, "retry", retries, "max_retries", maxRetries, "err", reason)
	} else {
		level.Error(q.logger).Log("msg", "task failed", "task_id", id, "retry", retries, "max_retries", maxRetries, "err", reason)
	}
	q.publish(ev)
	return requeued, nil
}

// Status returns the status of the task with the given id.
func (q *ExtractionQueue) Status(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t := q.lookup(id); t != nil {
		return t.Status, true
	}
	return "", false
}

// Result returns the result of the completed task with the given id.
func (q *ExtractionQueue) Result(id string) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, found := q.completed[id]; found {
		return t.Result, true
	}
	return nil, false
}

// Task returns a copy of the task with the given id.
func (q *ExtractionQueue) Task(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t := q.lookup(id); t != nil {
		return *t.clone(), true
	}
	return Task{}, false
}

// lookup finds a task by scanning processing, completed, failed and
// finally pending tasks. It must be called with the lock held.
func (q *ExtractionQueue) lookup(id string) *Task {
	if t, found := q.processing[id]; found {
		return t
	}
	if t, found := q.completed[id]; found {
		return t
	}
	if t, found := q.failed[id]; found {
		return t
	}
	for _, t := range q.pending.Items() {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Stats returns a snapshot of the current statistics.
func (q *ExtractionQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Pending:    q.pending.Size(),
		Processing: len(q.processing),
		Completed:  len(q.completed),
		Failed:     len(q.failed),
		Enqueued:   q.enqueued,
		Started:    q.started,
		Retried:    q.retried,
	}
	st.Total = st.Pending + st.Processing + st.Completed + st.Failed
	return st
}

// All returns copies of all tasks.
func (q *ExtractionQueue) All() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pending.Items()
	s := Snapshot{
		Pending:    make([]Task, 0, len(pending)),
		Processing: copyTasks(q.processing),
		Completed:  copyTasks(q.completed),
		Failed:     copyTasks(q.failed),
	}
	for _, t := range pending {
		s.Pending = append(s.Pending, *t.clone())
	}
	return s
}

func copyTasks(m map[string]*Task) []Task {
	tasks := make([]*Task, 0, len(m))
	for _, t := range m {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Less(tasks[j]) })
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = *t.clone()
	}
	return out
}

// Clear removes all tasks and resets the statistics.
func (q *ExtractionQueue) Clear() {
	q.mu.Lock()
	q.pending.Clear()
	q.processing = make(map[string]*Task)
	q.completed = make(map[string]*Task)
	q.failed = make(map[string]*Task)
	q.enqueued, q.started, q.retried = 0, 0, 0
	q.mu.Unlock()

	level.Info(q.logger).Log("msg", "extraction queue cleared")
	q.publish(&WatchEvent{Type: QueueClear})
}

func (q *ExtractionQueue) String() string {
	st := q.Stats()
	return fmt.Sprintf("ExtractionQueue: %d pending, %d processing, %d completed, %d failed",
		st.Pending, st.Processing, st.Completed, st.Failed)
}

// publish sends e to Watch consumers and the configured publisher.
// It must be called without holding the lock.
func (q *ExtractionQueue) publish(e *WatchEvent) {
	q.hub.Publish(e)
	if q.pub == nil {
		return
	}
	if err := q.pub.Publish(e); err != nil {
		level.Warn(q.logger).Log("msg", "cannot publish event", "type", e.Type, "err", err)
	}
}
