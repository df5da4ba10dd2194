// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"fmt"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

const (
	// DefaultSource is the data source used when a task doesn't specify one.
	DefaultSource = "toulouse"
	// DefaultMaxRetries is the retry budget of a task created by NewTask.
	DefaultMaxRetries = 3
)

// Priority of a task. Lower values are dequeued first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = [...]string{"URGENT", "HIGH", "NORMAL", "LOW"}

func (p Priority) String() string {
	if p < PriorityUrgent || p > PriorityLow {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority returns the priority with the given name, e.g. "high".
// Names are matched case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending is the state of a task waiting in the queue.
	StatusPending Status = "pending"
	// StatusProcessing is the state of a task handed out by Next.
	StatusProcessing Status = "processing"
	// StatusCompleted is the state of a task that finished with a result.
	StatusCompleted Status = "completed"
	// StatusFailed is the state of a task that failed for good.
	StatusFailed Status = "failed"
)

// Result is the outcome of an extraction, typically a tabular dataset.
// The queue stores it as-is and never looks inside.
type Result interface{}

// Task is one unit of extraction work: fetch observations of a station
// for a date range from a data source.
type Task struct {
	ID           string            // caller-supplied, unique
	StationID    string            // weather station identifier
	StationName  string            // display name of the station
	StartDate    string            // start of the date range
	EndDate      string            // end of the date range
	Source       string            // data source, e.g. toulouse or meteostat
	Priority     Priority          // lower means: execute earlier
	CreatedAt    time.Time         // time the task was created, used for ordering
	Status       Status            // current state
	RetryCount   int               // number of failures so far
	MaxRetries   int               // retry budget
	ErrorMessage string            // reason of the last failure
	Result       Result            // set when completed
	Metadata     map[string]string // free-form metadata
}

// TaskOption customizes a task created by NewTask.
type TaskOption func(*Task)

// WithSource sets the data source of the task.
func WithSource(source string) TaskOption {
	return func(t *Task) {
		t.Source = source
	}
}

// WithPriority sets the priority of the task.
func WithPriority(p Priority) TaskOption {
	return func(t *Task) {
		t.Priority = p
	}
}

// WithMaxRetries sets the retry budget of the task.
func WithMaxRetries(n int) TaskOption {
	return func(t *Task) {
		if n < 0 {
			n = 0
		}
		t.MaxRetries = n
	}
}

// WithMetadata adds a key/value pair to the metadata of the task.
func WithMetadata(key, value string) TaskOption {
	return func(t *Task) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata[key] = value
	}
}

// WithCreatedAt overrides the creation time of the task.
func WithCreatedAt(at time.Time) TaskOption {
	return func(t *Task) {
		t.CreatedAt = at
	}
}

// NewTask creates a pending task. Without options, the task has normal
// priority, reads from DefaultSource and may be retried DefaultMaxRetries
// times.
func NewTask(id, stationID, stationName, startDate, endDate string, options ...TaskOption) *Task {
	t := &Task{
		ID:          id,
		StationID:   stationID,
		StationName: stationName,
		StartDate:   startDate,
		EndDate:     endDate,
		Source:      DefaultSource,
		Priority:    PriorityNormal,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusPending,
		MaxRetries:  DefaultMaxRetries,
		Metadata:    make(map[string]string),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// NewTaskID returns a random identifier for a new task.
func NewTaskID() string {
	return uuid.NewV4().String()
}

// Less reports whether t must be dequeued before other.
func (t *Task) Less(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	return t.CreatedAt.Before(other.CreatedAt)
}

func (t *Task) String() string {
	return fmt.Sprintf("Task %s: %s (%s, %s)", t.ID, t.StationName, t.Status, t.Priority)
}

// clone returns a copy of t that shares no maps with it.
func (t *Task) clone() *Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TaskView is a flat, serializable projection of a Task, e.g. for logging.
type TaskView struct {
	ID           string `json:"task_id"`
	StationID    string `json:"station_id"`
	StationName  string `json:"station_name"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	Source       string `json:"source"`
	Priority     string `json:"priority"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"` // ISO-8601
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	HasResult    bool   `json:"has_result"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// View returns the projection of t.
func (t *Task) View() TaskView {
	return TaskView{
		ID:           t.ID,
		StationID:    t.StationID,
		StationName:  t.StationName,
		StartDate:    t.StartDate,
		EndDate:      t.EndDate,
		Source:       t.Source,
		Priority:     t.Priority.String(),
		Status:       string(t.Status),
		CreatedAt:    t.CreatedAt.Format(time.RFC3339Nano),
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		HasResult:    t.Result != nil,
		ErrorMessage: t.ErrorMessage,
	}
}
