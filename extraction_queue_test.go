// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestTask(id string, p Priority, offset time.Duration, options ...TaskOption) *Task {
	options = append([]TaskOption{WithPriority(p), WithCreatedAt(epoch.Add(offset))}, options...)
	return NewTask(id, "ST_"+id, "Station "+id, "2024-01-01", "2024-01-31", options...)
}

// requirePartition checks that every id is in exactly one collection.
func requirePartition(t *testing.T, q *ExtractionQueue, ids ...string) {
	t.Helper()
	all := q.All()
	count := make(map[string]int)
	for _, group := range [][]Task{all.Pending, all.Processing, all.Completed, all.Failed} {
		for _, task := range group {
			count[task.ID]++
		}
	}
	for _, id := range ids {
		require.Equal(t, 1, count[id], "task %q must be in exactly one collection", id)
	}
	st := q.Stats()
	require.Equal(t, len(all.Pending), st.Pending)
	require.Equal(t, len(all.Processing), st.Processing)
	require.Equal(t, len(all.Completed), st.Completed)
	require.Equal(t, len(all.Failed), st.Failed)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*WatchEvent
	err    error
}

func (p *recordingPublisher) Publish(e *WatchEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func TestExtractionQueueNew(t *testing.T) {
	q := NewExtractionQueue()

	assert.Equal(t, Stats{}, q.Stats())
	_, found := q.Next()
	assert.False(t, found)
	assert.Equal(t, "ExtractionQueue: 0 pending, 0 processing, 0 completed, 0 failed", q.String())
}

func TestExtractionQueueAdd(t *testing.T) {
	q := NewExtractionQueue()

	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0)))

	st := q.Stats()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Enqueued)
	status, found := q.Status("1")
	require.True(t, found)
	assert.Equal(t, StatusPending, status)
	requirePartition(t, q, "1")
}

func TestExtractionQueueAddRejectsTaskNotPending(t *testing.T) {
	q := NewExtractionQueue()
	task := newTestTask("1", PriorityNormal, 0)
	task.Status = StatusCompleted

	err := q.Add(task)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotPending))
	assert.Equal(t, Stats{}, q.Stats())
	assert.Equal(t, ErrNilTask, q.Add(nil))
}

func TestExtractionQueueAddRejectsInvalidRetryBudget(t *testing.T) {
	tests := []struct {
		name              string
		retry, maxRetries int
	}{
		{"retry above max", 5, 1},
		{"negative retry", -1, 3},
		{"negative max", 0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewExtractionQueue()
			task := newTestTask("1", PriorityNormal, 0)
			task.RetryCount = tt.retry
			task.MaxRetries = tt.maxRetries

			err := q.Add(task)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRetryBudget))
			assert.Equal(t, Stats{}, q.Stats())
		})
	}

	q := NewExtractionQueue()
	task := newTestTask("1", PriorityNormal, 0, WithMaxRetries(2))
	task.RetryCount = 2
	assert.NoError(t, q.Add(task))
}

func TestExtractionQueueAddCopiesTask(t *testing.T) {
	q := NewExtractionQueue()
	task := newTestTask("1", PriorityNormal, 0, WithMetadata("k", "v"))
	require.NoError(t, q.Add(task))

	task.Priority = PriorityLow
	task.Metadata["k"] = "changed"
	task.Status = StatusFailed

	got, found := q.Next()
	require.True(t, found)
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.Equal(t, StatusProcessing, got.Status)

	// Changing the returned copy doesn't affect the queue either.
	got.Status = StatusCompleted
	status, _ := q.Status("1")
	assert.Equal(t, StatusProcessing, status)
}

func TestExtractionQueueAddSetsMissingCreationTime(t *testing.T) {
	q := NewExtractionQueue(SetClock(func() time.Time { return epoch }))
	task := NewTask("1", "ST", "Station", "", "")
	task.CreatedAt = time.Time{}
	require.NoError(t, q.Add(task))

	got, found := q.Task("1")
	require.True(t, found)
	assert.Equal(t, epoch, got.CreatedAt)
}

func TestExtractionQueuePriorityOrder(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("low", PriorityLow, 0)))
	require.NoError(t, q.Add(newTestTask("urgent", PriorityUrgent, time.Second)))
	require.NoError(t, q.Add(newTestTask("normal", PriorityNormal, 2*time.Second)))

	for _, want := range []string{"urgent", "normal", "low"} {
		got, found := q.Next()
		require.True(t, found)
		assert.Equal(t, want, got.ID)
	}
	_, found := q.Next()
	assert.False(t, found)
}

func TestExtractionQueueOrderIsByPriorityThenCreationTime(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	q := NewExtractionQueue()
	const N = 200
	for i := 0; i < N; i++ {
		p := Priority(rnd.Intn(4))
		offset := time.Duration(rnd.Intn(50)) * time.Second
		require.NoError(t, q.Add(newTestTask(fmt.Sprintf("%d", i), p, offset)))
	}

	var prev *Task
	for i := 0; i < N; i++ {
		got, found := q.Next()
		require.True(t, found)
		if prev != nil {
			require.False(t, got.Less(prev), "task %s dequeued after %s", got.ID, prev.ID)
		}
		prev = &got
	}
}

func TestExtractionQueueSameCreationTimeIsFIFO(t *testing.T) {
	q := NewExtractionQueue()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Add(newTestTask(id, PriorityHigh, 0)))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, _ := q.Next()
		assert.Equal(t, want, got.ID)
	}
}

func TestExtractionQueueComplete(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0)))
	task, found := q.Next()
	require.True(t, found)

	result := &struct{ Rows int }{Rows: 31}
	require.NoError(t, q.Complete(task.ID, result))

	got, found := q.Result("1")
	require.True(t, found)
	assert.Same(t, result, got)

	status, _ := q.Status("1")
	assert.Equal(t, StatusCompleted, status)
	st := q.Stats()
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 0, st.Processing)
	requirePartition(t, q, "1")
}

func TestExtractionQueueCompleteRejectsTaskNotProcessing(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0)))

	// Pending
	err := q.Complete("1", "result")
	assert.True(t, errors.Is(err, ErrNotProcessing))

	// Unknown
	err = q.Complete("unknown", "result")
	assert.True(t, errors.Is(err, ErrNotProcessing))

	// Already completed
	_, _ = q.Next()
	require.NoError(t, q.Complete("1", "first"))
	err = q.Complete("1", "second")
	assert.True(t, errors.Is(err, ErrNotProcessing))

	got, _ := q.Result("1")
	assert.Equal(t, "first", got)
	requirePartition(t, q, "1")
}

func TestExtractionQueueResultNotFound(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0)))

	_, found := q.Result("1")
	assert.False(t, found)
	_, found = q.Result("unknown")
	assert.False(t, found)
}

func TestExtractionQueueFailWithRetry(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0, WithMaxRetries(2))))

	_, _ = q.Next()
	retried, err := q.Fail("1", "timeout", true)
	require.NoError(t, err)
	assert.True(t, retried)

	task, found := q.Task("1")
	require.True(t, found)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "timeout", task.ErrorMessage)
	requirePartition(t, q, "1")

	_, _ = q.Next()
	retried, err = q.Fail("1", "timeout again", true)
	require.NoError(t, err)
	assert.False(t, retried)

	task, _ = q.Task("1")
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "timeout again", task.ErrorMessage)

	st := q.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1, st.Retried)
	requirePartition(t, q, "1")
}

func TestExtractionQueueFailExhaustsRetryBudget(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max_retries=%d", n), func(t *testing.T) {
			q := NewExtractionQueue()
			require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0, WithMaxRetries(n))))

			var attempts int
			for {
				task, found := q.Next()
				if !found {
					break
				}
				attempts++
				require.LessOrEqual(t, task.RetryCount, task.MaxRetries)
				retried, err := q.Fail("1", "kaboom", true)
				require.NoError(t, err)
				assert.Equal(t, attempts < n, retried)
			}
			assert.Equal(t, n, attempts)
			task, _ := q.Task("1")
			assert.Equal(t, StatusFailed, task.Status)
			assert.Equal(t, n, task.RetryCount)
		})
	}
}

func TestExtractionQueueFailWithoutRetryBudget(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0, WithMaxRetries(0))))
	_, _ = q.Next()

	retried, err := q.Fail("1", "kaboom", true)
	require.NoError(t, err)
	assert.False(t, retried)

	task, _ := q.Task("1")
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 0, task.RetryCount)
}

func TestExtractionQueueFailWithoutRetry(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0, WithMaxRetries(5))))
	_, _ = q.Next()

	retried, err := q.Fail("1", "unknown station", false)
	require.NoError(t, err)
	assert.False(t, retried)

	task, _ := q.Task("1")
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	requirePartition(t, q, "1")
}

func TestExtractionQueueFailRejectsTaskNotProcessing(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0)))

	retried, err := q.Fail("1", "kaboom", true)
	assert.False(t, retried)
	assert.True(t, errors.Is(err, ErrNotProcessing))

	task, _ := q.Task("1")
	assert.Equal(t, 0, task.RetryCount)
	assert.Empty(t, task.ErrorMessage)
	assert.Equal(t, 1, q.Stats().Pending)
}

func TestExtractionQueueRetryKeepsOriginalPosition(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("a", PriorityNormal, 0)))
	require.NoError(t, q.Add(newTestTask("b", PriorityNormal, time.Second)))

	task, _ := q.Next()
	require.Equal(t, "a", task.ID)
	require.NoError(t, q.Add(newTestTask("c", PriorityNormal, time.Hour)))
	retried, err := q.Fail("a", "kaboom", true)
	require.NoError(t, err)
	require.True(t, retried)

	// a was created first, so it comes before b and c again,
	// but still after urgent work.
	require.NoError(t, q.Add(newTestTask("u", PriorityUrgent, 2*time.Hour)))
	for _, want := range []string{"u", "a", "b", "c"} {
		got, found := q.Next()
		require.True(t, found)
		assert.Equal(t, want, got.ID)
	}
}

func TestExtractionQueueStatus(t *testing.T) {
	q := NewExtractionQueue()
	for _, id := range []string{"completed", "failed", "processing"} {
		require.NoError(t, q.Add(newTestTask(id, PriorityNormal, 0, WithMaxRetries(0))))
	}
	for i := 0; i < 3; i++ {
		_, found := q.Next()
		require.True(t, found)
	}
	require.NoError(t, q.Complete("completed", "ok"))
	_, err := q.Fail("failed", "kaboom", true)
	require.NoError(t, err)
	require.NoError(t, q.Add(newTestTask("pending", PriorityLow, 0)))

	tests := map[string]Status{
		"processing": StatusProcessing,
		"completed":  StatusCompleted,
		"failed":     StatusFailed,
		"pending":    StatusPending,
	}
	for id, want := range tests {
		got, found := q.Status(id)
		require.True(t, found, id)
		assert.Equal(t, want, got, id)
	}
	_, found := q.Status("unknown")
	assert.False(t, found)
	_, found = q.Task("unknown")
	assert.False(t, found)
}

func TestExtractionQueueAll(t *testing.T) {
	q := NewExtractionQueue()
	require.NoError(t, q.Add(newTestTask("1", PriorityLow, 0)))
	require.NoError(t, q.Add(newTestTask("2", PriorityHigh, 0)))
	require.NoError(t, q.Add(newTestTask("3", PriorityNormal, 0)))
	_, _ = q.Next() // 2

	all := q.All()
	require.Len(t, all.Pending, 2)
	assert.Equal(t, "3", all.Pending[0].ID)
	assert.Equal(t, "1", all.Pending[1].ID)
	require.Len(t, all.Processing, 1)
	assert.Equal(t, "2", all.Processing[0].ID)
	assert.Empty(t, all.Completed)
	assert.Empty(t, all.Failed)

	all.Pending[0].Status = StatusFailed
	status, _ := q.Status("3")
	assert.Equal(t, StatusPending, status)
}

func TestExtractionQueueClear(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewExtractionQueue(SetPublisher(pub))
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Add(newTestTask(fmt.Sprintf("%d", i), PriorityNormal, 0)))
	}
	_, _ = q.Next()
	_, _ = q.Next()
	require.NoError(t, q.Complete("0", "ok"))

	q.Clear()

	assert.Equal(t, Stats{}, q.Stats())
	for i := 0; i < 4; i++ {
		_, found := q.Status(fmt.Sprintf("%d", i))
		assert.False(t, found)
	}
	assert.True(t, errors.Is(q.Complete("1", "ok"), ErrNotProcessing))
	types := pub.types()
	assert.Equal(t, QueueClear, types[len(types)-1])
}

func TestExtractionQueueSingleThreaded(t *testing.T) {
	q := NewExtractionQueue(SetThreadSafe(false))
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0)))
	task, found := q.Next()
	require.True(t, found)
	require.NoError(t, q.Complete(task.ID, "ok"))
	assert.Equal(t, 1, q.Stats().Completed)
	_, ok := q.mu.(nopLocker)
	assert.True(t, ok)
}

func TestExtractionQueuePublishesEvents(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("unavailable")}
	q := NewExtractionQueue(SetPublisher(pub))

	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0, WithMaxRetries(2))))
	_, _ = q.Next()
	_, err := q.Fail("1", "kaboom", true)
	require.NoError(t, err)
	_, _ = q.Next()
	_, err = q.Fail("1", "kaboom", true)
	require.NoError(t, err)
	require.NoError(t, q.Add(newTestTask("2", PriorityNormal, 0)))
	_, _ = q.Next()
	require.NoError(t, q.Complete("2", "ok"))

	want := []string{
		TaskEnqueue, TaskStart, TaskRetry, TaskStart, TaskFailure,
		TaskEnqueue, TaskStart, TaskCompletion,
	}
	assert.Equal(t, want, pub.types())
	last := pub.events[len(pub.events)-1]
	require.NotNil(t, last.Task)
	assert.Equal(t, "2", last.Task.ID)
	assert.True(t, last.Task.HasResult)
}

func TestExtractionQueueLogs(t *testing.T) {
	var buf bytes.Buffer
	q := NewExtractionQueue(SetLogger(log.NewLogfmtLogger(&buf)))
	require.NoError(t, q.Add(newTestTask("1", PriorityNormal, 0, WithMaxRetries(0))))
	_, _ = q.Next()
	_, err := q.Fail("1", "kaboom", true)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `msg="added task" task_id=1`)
	assert.Contains(t, out, `level=error msg="task failed" task_id=1`)
}

func TestExtractionQueueConcurrentAccess(t *testing.T) {
	q := NewExtractionQueue()
	const producers = 4
	const perProducer = 250
	const consumers = 8

	var (
		producing int32 = producers
		mu        sync.Mutex
		attempts  = make(map[string]bool) // key: id and retry count
		wg        sync.WaitGroup
	)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			defer atomic.AddInt32(&producing, -1)
			for i := 0; i < perProducer; i++ {
				id := fmt.Sprintf("%d-%d", p, i)
				task := newTestTask(id, Priority(i%4), time.Duration(i)*time.Millisecond, WithMaxRetries(2))
				assert.NoError(t, q.Add(task))
			}
		}(p)
	}

	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, found := q.Next()
				if !found {
					st := q.Stats()
					if atomic.LoadInt32(&producing) == 0 && st.Pending == 0 && st.Processing == 0 {
						return
					}
					runtime.Gosched()
					continue
				}

				// Every attempt of a task must be handed out exactly once.
				key := fmt.Sprintf("%s#%d", task.ID, task.RetryCount)
				mu.Lock()
				if attempts[key] {
					t.Errorf("task %s dequeued twice", key)
				}
				attempts[key] = true
				mu.Unlock()

				var err error
				switch {
				case task.ID[len(task.ID)-1] == '7':
					_, err = q.Fail(task.ID, "always fails", true)
				case task.RetryCount == 0 && len(task.ID)%2 == 0:
					_, err = q.Fail(task.ID, "first attempt fails", true)
				default:
					err = q.Complete(task.ID, task.StationID)
				}
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	st := q.Stats()
	assert.Equal(t, producers*perProducer, st.Total)
	assert.Equal(t, producers*perProducer, st.Completed+st.Failed)
	assert.Equal(t, producers*perProducer, st.Enqueued)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.Processing)
	assert.Positive(t, st.Failed)
	assert.Positive(t, st.Retried)
}
