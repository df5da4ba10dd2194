// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultConcurrency  = 5
)

func nop() {}

var (
	testPollerStarted = nop // testing hook
	testPollerStopped = nop // testing hook
)

// closeGracePeriod is how long CloseWithTimeout waits for extractors to
// return after their context was canceled.
var closeGracePeriod = 500 * time.Millisecond

// ErrTimeout is returned by CloseWithTimeout when workers didn't finish
// in time.
var ErrTimeout = errors.New("extractqueue: timeout")

// Manager runs extractions for the tasks of an ExtractionQueue.
// It polls the queue, passes tasks to a fixed number of workers and
// reports the outcome back to the queue.
type Manager struct {
	mu          sync.Mutex
	started     bool
	logger      log.Logger
	q           *ExtractionQueue
	extract     Extractor
	retryIf     func(error) bool
	interval    time.Duration
	concurrency int
	cancel      context.CancelFunc
	pollerc     chan struct{}
	workersWg   *sync.WaitGroup
	workc       chan Task
	busy        int // number of tasks handed to workers but not reported yet
}

// ManagerOption is an options provider to be used when creating a
// new manager.
type ManagerOption func(*Manager)

// SetManagerLogger specifies the logger to use when reporting.
func SetManagerLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger == nil {
			logger = log.NewNopLogger()
		}
		m.logger = logger
	}
}

// SetPollInterval specifies the interval at which the manager polls for tasks.
func SetPollInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// SetConcurrency specifies the number of workers working in parallel.
// Concurrency must be greater or equal to 1 and is 5 by default.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n <= 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetRetryIf specifies which extraction errors are retried. By default,
// all errors are retried except the ones wrapped with Permanent.
func SetRetryIf(fn func(error) bool) ManagerOption {
	return func(m *Manager) {
		if fn == nil {
			fn = defaultRetryIf
		}
		m.retryIf = fn
	}
}

// NewManager creates a manager that runs fn for the tasks of q.
func NewManager(q *ExtractionQueue, fn Extractor, options ...ManagerOption) *Manager {
	m := &Manager{
		q:           q,
		extract:     fn,
		logger:      log.NewNopLogger(),
		retryIf:     defaultRetryIf,
		interval:    defaultPollInterval,
		concurrency: defaultConcurrency,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Start runs the manager. Use Close to stop it. Canceling ctx stops
// running extractions but not the manager itself.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("extractqueue: manager already started")
	}
	if m.extract == nil {
		m.mu.Unlock()
		return errors.New("extractqueue: no extractor")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	// Workers abandoned by an earlier CloseWithTimeout keep their own
	// WaitGroup and channel.
	m.workersWg = new(sync.WaitGroup)
	m.workc = make(chan Task, m.concurrency)
	for i := 0; i < m.concurrency; i++ {
		m.workersWg.Add(1)
		go m.worker(ctx, m.workersWg, m.workc)
	}
	m.pollerc = make(chan struct{})
	go m.poller()
	m.started = true
	m.mu.Unlock()

	level.Info(m.logger).Log("msg", "manager started", "concurrency", m.concurrency, "interval", m.interval)
	m.q.publish(&WatchEvent{Type: ManagerStart})
	return nil
}

// Close stops the manager and waits until all running extractions are
// reported back to the queue. If you need a deadline, use CloseWithTimeout.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout is like Close but cancels running extractions if they
// don't finish within timeout. No new tasks are picked up after calling
// CloseWithTimeout. Use a negative timeout to wait indefinitely.
//
// Extractors that ignore the canceled context are abandoned after a
// short grace period and ErrTimeout is returned. Their tasks stay in
// processing until the extractor returns.
func (m *Manager) CloseWithTimeout(timeout time.Duration) (err error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	wg, workc := m.workersWg, m.workc
	m.mu.Unlock()

	// Stop picking up new tasks
	m.pollerc <- struct{}{}
	<-m.pollerc
	close(workc)

	complete := make(chan struct{})
	go func() {
		wg.Wait()
		close(complete)
	}()

	if timeout < 0 {
		<-complete
	} else {
		select {
		case <-complete:
		case <-time.After(timeout):
			// Extractors see a canceled context; their failures are
			// still reported to the queue.
			m.cancel()
			select {
			case <-complete:
			case <-time.After(closeGracePeriod):
				level.Warn(m.logger).Log("msg", "abandoning running extractions", "processing", m.q.Stats().Processing)
			}
			err = ErrTimeout
		}
	}
	m.cancel()

	level.Info(m.logger).Log("msg", "manager stopped")
	m.q.publish(&WatchEvent{Type: ManagerStop})
	return err
}

// poller periodically watches the queue, picks up tasks, and passes
// them to idle workers.
func (m *Manager) poller() {
	testPollerStarted()

	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.fill()
		case <-m.pollerc:
			testPollerStopped()
			m.pollerc <- struct{}{}
			return
		}
	}
}

// fill hands out tasks until all workers are busy or no task is pending.
// A worker slot is reserved before calling Next, which may block on a
// slow publisher, so m.mu is never held across it.
func (m *Manager) fill() {
	for {
		m.mu.Lock()
		if m.busy >= m.concurrency {
			// All workers busy
			m.mu.Unlock()
			return
		}
		m.busy++
		m.mu.Unlock()

		task, found := m.q.Next()
		if !found {
			// No task to execute
			m.release()
			return
		}
		m.workc <- task
	}
}

func (m *Manager) release() {
	m.mu.Lock()
	m.busy--
	m.mu.Unlock()
}

func (m *Manager) worker(ctx context.Context, wg *sync.WaitGroup, workc <-chan Task) {
	defer wg.Done()
	for task := range workc {
		if err := m.process(ctx, task); err != nil {
			// Retry and failed tasks are covered by process
			level.Error(m.logger).Log("msg", "cannot report task", "task_id", task.ID, "err", err)
		}
		m.release()
	}
}

// process runs the extractor for one task and reports the outcome.
func (m *Manager) process(ctx context.Context, task Task) error {
	result, err := m.run(ctx, task)
	if err != nil {
		retry := m.retryIf(err)
		requeued, ferr := m.q.Fail(task.ID, err.Error(), retry)
		if ferr != nil {
			return ferr
		}
		level.Debug(m.logger).Log("msg", "extraction failed", "task_id", task.ID, "retry", requeued, "err", err)
		return nil
	}
	return m.q.Complete(task.ID, result)
}

// run calls the extractor, turning a panic into an error.
func (m *Manager) run(ctx context.Context, task Task) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(m.logger).Log("msg", "extractor panic", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return m.extract(ctx, task)
}
