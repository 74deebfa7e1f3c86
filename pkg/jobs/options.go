package jobs

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Options configures how a job is enqueued.
type Options struct {
	// JobID replaces the generated ID. Enqueueing an ID that already exists
	// in the queue returns the existing job instead of creating a new one.
	JobID string

	// Priority for this job (higher = processed sooner).
	Priority int

	// Delay postpones eligibility by this long from enqueue time.
	Delay time.Duration

	// MaxAttempts caps the number of executions. At least 1.
	MaxAttempts int

	Backoff Backoff

	// Timeout bounds each attempt; zero uses the queue default.
	Timeout time.Duration
}

// DefaultOptions returns the options used when neither the queue nor the
// caller says otherwise.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 1,
		Backoff:     Backoff{Kind: BackoffFixed},
	}
}

// Option is a functional option for Enqueue.
type Option func(*Options)

// WithJobID sets a caller-chosen job ID.
func WithJobID(id string) Option {
	return func(o *Options) {
		o.JobID = id
	}
}

// WithPriority sets the job priority (higher = processed sooner).
func WithPriority(priority int) Option {
	return func(o *Options) {
		o.Priority = priority
	}
}

// WithDelay delays the job by the given duration from now.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithMaxAttempts sets how many times the job may run before it fails for good.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithBackoff sets the delay policy between attempts.
func WithBackoff(kind BackoffKind, delay time.Duration) Option {
	return func(o *Options) {
		o.Backoff = Backoff{Kind: kind, Delay: delay}
	}
}

// WithTimeout bounds a single attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// ResolveOptions applies opts on top of base and validates the result.
func ResolveOptions(base Options, opts []Option) (Options, error) {
	o := base
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	if o.Backoff.Kind == "" {
		o.Backoff.Kind = BackoffFixed
	}
	return o, nil
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.Priority < math.MinInt32 || o.Priority > math.MaxInt32 {
		return ErrInvalidPriority
	}
	if o.Delay < 0 {
		return fmt.Errorf("%w: negative delay %s", ErrInvalidOption, o.Delay)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidOption, o.MaxAttempts)
	}
	if o.Backoff.Delay < 0 {
		return fmt.Errorf("%w: negative backoff delay %s", ErrInvalidOption, o.Backoff.Delay)
	}
	if o.Backoff.Kind != "" && o.Backoff.Kind != BackoffFixed && o.Backoff.Kind != BackoffExponential {
		return fmt.Errorf("%w: unknown backoff kind %q", ErrInvalidOption, o.Backoff.Kind)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidOption, o.Timeout)
	}
	if o.JobID != "" && strings.ContainsAny(o.JobID, ": \t\n") {
		return fmt.Errorf("%w: job ID %q contains reserved characters", ErrInvalidOption, o.JobID)
	}
	return nil
}

// ValidateEnqueue checks the identifying arguments of an enqueue call.
func ValidateEnqueue(queueName, jobType string) error {
	if strings.TrimSpace(queueName) == "" {
		return ErrEmptyQueueName
	}
	if strings.TrimSpace(jobType) == "" {
		return ErrEmptyJobType
	}
	return nil
}
