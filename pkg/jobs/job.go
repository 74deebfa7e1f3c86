// Package jobs defines the job record, its lifecycle states and the retry
// policy shared by the queue store and the worker pool.
//
// A Job is one unit of deferred work. It is created by a producer through
// queue.Enqueue, claimed by exactly one worker at a time, and ends in either
// StateCompleted or StateFailed. Between attempts a failing job waits in
// StateDelayed until its backoff elapses.
package jobs

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// States lists every state in reporting order.
var States = []State{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, st := range States {
		if s == st {
			return true
		}
	}
	return false
}

// Job is the full record of a queued job as held by the store.
type Job struct {
	// ID is unique within the queue and never changes.
	ID string `json:"id"`

	// Queue is the name of the work category the job belongs to.
	Queue string `json:"queue"`

	// Type selects the registered handler.
	Type string `json:"type"`

	// Payload is handed to the handler untouched on every attempt.
	Payload json.RawMessage `json:"payload"`

	// Priority orders eligible jobs; higher values are dispatched first.
	Priority int `json:"priority"`

	// NotBefore is the earliest time the job may be dispatched.
	NotBefore time.Time `json:"not_before"`

	State State `json:"state"`

	// AttemptsMade counts dispatches so far, including the current one
	// while the job is active.
	AttemptsMade int `json:"attempts_made"`

	MaxAttempts int     `json:"max_attempts"`
	Backoff     Backoff `json:"backoff"`

	// Timeout bounds a single attempt. Zero defers to the queue setting.
	Timeout time.Duration `json:"timeout"`

	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	LastError string          `json:"last_error,omitempty"`

	// Seq is the per-queue enqueue sequence used for FIFO ordering.
	Seq int64 `json:"seq"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	FailedAt    time.Time `json:"failed_at,omitempty"`
}

// View is the read-only projection handed to producers polling for status.
type View struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result"`
	LastError    *string         `json:"last_error"`
	AttemptsMade int             `json:"attempts_made"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	FailedAt     *time.Time      `json:"failed_at"`
}

// View projects the job for external callers. Completed jobs always report
// progress 100.
func (j *Job) View() View {
	v := View{
		ID:           j.ID,
		Queue:        j.Queue,
		Type:         j.Type,
		State:        j.State,
		Progress:     j.Progress,
		AttemptsMade: j.AttemptsMade,
		CreatedAt:    j.CreatedAt,
	}
	if j.State == StateCompleted {
		v.Progress = 100
		v.Result = j.Result
		if !j.CompletedAt.IsZero() {
			t := j.CompletedAt
			v.CompletedAt = &t
		}
	}
	if v.Result == nil {
		v.Result = json.RawMessage("null")
	}
	if j.LastError != "" {
		msg := j.LastError
		v.LastError = &msg
	}
	if j.State == StateFailed && !j.FailedAt.IsZero() {
		t := j.FailedAt
		v.FailedAt = &t
	}
	return v
}

// Counts is the number of jobs per state in one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Total is the sum over all states.
func (c Counts) Total() int64 {
	return c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed
}
