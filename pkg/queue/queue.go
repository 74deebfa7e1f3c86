package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/jobq/pkg/events"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultLease is how long an active job stays owned by its worker without
// a heartbeat.
const DefaultLease = 30 * time.Second

// Limiter caps how many jobs a queue dispatches per Duration, across all
// workers sharing the Redis.
type Limiter struct {
	Max      int
	Duration time.Duration
}

func (l *Limiter) enabled() bool {
	return l != nil && l.Max > 0 && l.Duration > 0
}

// Config holds per-queue settings.
type Config struct {
	// Defaults are applied to every enqueue before the caller's options.
	Defaults jobs.Options

	// CompletedTTL and FailedTTL expire terminal jobs. Zero keeps them.
	CompletedTTL time.Duration
	FailedTTL    time.Duration

	// Lease is how long an active job may go without a heartbeat before it
	// is considered stalled.
	Lease time.Duration

	Limiter *Limiter
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Defaults: jobs.DefaultOptions(),
		Lease:    DefaultLease,
	}
}

// Queue is a named category of jobs stored through a Client. It is safe for
// concurrent use; it holds no job state of its own.
type Queue struct {
	client *Client
	name   string
	cfg    Config
	bus    *events.Bus
	log    zerolog.Logger
}

// New binds client to the queue name. bus may be nil.
func New(client *Client, name string, cfg Config, bus *events.Bus) (*Queue, error) {
	if err := jobs.ValidateEnqueue(name, "-"); err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, ": \t\n") {
		return nil, fmt.Errorf("%w: queue name %q contains reserved characters", jobs.ErrInvalidOption, name)
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Defaults.MaxAttempts < 1 {
		cfg.Defaults.MaxAttempts = 1
	}
	return &Queue{
		client: client,
		name:   name,
		cfg:    cfg,
		bus:    bus,
		log:    logger.ForQueue(name),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Config returns the queue settings.
func (q *Queue) Config() Config {
	return q.cfg
}

// encodePayload turns a caller value into the stored JSON payload. Raw JSON
// and byte slices are stored as given and must be valid JSON.
func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", jobs.ErrInvalidOption, err)
		}
		return data, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", jobs.ErrInvalidOption)
	}
	return raw, nil
}

// Enqueue adds a job and returns its ID. The job starts waiting, or delayed
// when a positive delay is given. When WithJobID names an existing job, that
// job's ID is returned and nothing is written.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...jobs.Option) (string, error) {
	if err := jobs.ValidateEnqueue(q.name, jobType); err != nil {
		return "", err
	}
	o, err := jobs.ResolveOptions(q.cfg.Defaults, opts)
	if err != nil {
		return "", err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	now := q.client.now()
	j := &jobs.Job{
		ID:          o.JobID,
		Queue:       q.name,
		Type:        jobType,
		Payload:     data,
		Priority:    o.Priority,
		NotBefore:   now.Add(o.Delay),
		State:       jobs.StateWaiting,
		MaxAttempts: o.MaxAttempts,
		Backoff:     o.Backoff,
		Timeout:     o.Timeout,
		CreatedAt:   now,
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if o.Delay > 0 {
		j.State = jobs.StateDelayed
	}

	created, err := q.client.add(ctx, j)
	if err != nil {
		return "", err
	}
	if !created {
		q.log.Debug().Str("job_id", j.ID).Msg("Job already exists, skipping enqueue")
		return j.ID, nil
	}

	q.bus.Publish(events.JobEvent{Queue: q.name, JobID: j.ID, Type: jobType, Kind: events.Enqueued, Timestamp: now})
	if err := q.client.wakeup(ctx, q.name); err != nil {
		q.log.Warn().Err(err).Msg("Failed to publish wakeup")
	}
	return j.ID, nil
}

// GetJob returns the stored job or jobs.ErrNotFound.
func (q *Queue) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, jobs.ErrEmptyJobID
	}
	return q.client.get(ctx, q.name, id)
}

// GetCounts returns approximate per-state job counts.
func (q *Queue) GetCounts(ctx context.Context) (jobs.Counts, error) {
	return q.client.counts(ctx, q.name)
}

// Remove deletes a job that is waiting, delayed or terminal. Active jobs
// cannot be removed (jobs.ErrInvalidState).
func (q *Queue) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return jobs.ErrEmptyJobID
	}
	if err := q.client.remove(ctx, q.name, id); err != nil {
		return err
	}
	q.bus.Publish(events.JobEvent{Queue: q.name, JobID: id, Kind: events.Removed})
	return nil
}

// List returns up to limit jobs in state.
func (q *Queue) List(ctx context.Context, state jobs.State, limit int64) ([]*jobs.Job, error) {
	return q.client.list(ctx, q.name, state, limit)
}

// Claim atomically takes the next eligible job and marks it active under a
// fresh lease. With nothing eligible it returns nil and the next time a
// delayed job becomes due (zero if none).
func (q *Queue) Claim(ctx context.Context) (*jobs.Job, time.Time, error) {
	j, next, err := q.client.pop(ctx, q.name, q.cfg.Lease)
	if err != nil || j == nil {
		return nil, next, err
	}
	q.bus.Publish(events.JobEvent{
		Queue:    q.name,
		JobID:    j.ID,
		Type:     j.Type,
		Kind:     events.Active,
		Attempt:  j.AttemptsMade,
		Duration: j.StartedAt.Sub(j.CreatedAt),
	})
	return j, time.Time{}, nil
}

// Complete records a successful attempt.
func (q *Queue) Complete(ctx context.Context, j *jobs.Job, result []byte) error {
	if result == nil {
		result = []byte("null")
	}
	if err := q.client.complete(ctx, j, result, q.cfg.CompletedTTL); err != nil {
		return err
	}
	q.bus.Publish(events.JobEvent{
		Queue:    q.name,
		JobID:    j.ID,
		Type:     j.Type,
		Kind:     events.Completed,
		Attempt:  j.AttemptsMade,
		Progress: 100,
		Duration: j.CompletedAt.Sub(j.StartedAt),
	})
	return nil
}

// Fail records a failed attempt and applies the retry policy. The returned
// decision says whether the job was scheduled again or failed for good.
func (q *Queue) Fail(ctx context.Context, j *jobs.Job, cause error) (jobs.Decision, error) {
	return q.fail(ctx, j, cause, false)
}

func (q *Queue) fail(ctx context.Context, j *jobs.Job, cause error, requireExpired bool) (jobs.Decision, error) {
	d := jobs.Decide(j, cause, q.client.now())
	if err := q.client.fail(ctx, j, d, cause, q.cfg.FailedTTL, requireExpired); err != nil {
		return d, err
	}

	kind := events.Failed
	if d.Retry() {
		kind = events.Retrying
		if err := q.client.wakeup(ctx, q.name); err != nil {
			q.log.Warn().Err(err).Msg("Failed to publish wakeup")
		}
	}
	q.bus.Publish(events.JobEvent{
		Queue:   q.name,
		JobID:   j.ID,
		Type:    j.Type,
		Kind:    kind,
		Attempt: j.AttemptsMade,
		Err:     j.LastError,
	})
	return d, nil
}

// Postpone gives a claimed job back without spending its attempt; it becomes
// eligible again after d. No wakeup is published: the job is not runnable
// before d and dispatchers are throttled until then.
func (q *Queue) Postpone(ctx context.Context, j *jobs.Job, d time.Duration) error {
	return q.client.postpone(ctx, j, q.client.now().Add(d))
}

// RetryAfter is how long a dispatcher should wait after the limiter refused
// a dispatch. Zero when the queue has no limiter.
func (q *Queue) RetryAfter() time.Duration {
	l := q.cfg.Limiter
	if !l.enabled() {
		return 0
	}
	return l.Duration / time.Duration(l.Max)
}

// ReportProgress stores progress for the current attempt. Values outside
// 0-100 are clamped and lower values than the stored one are ignored.
func (q *Queue) ReportProgress(ctx context.Context, j *jobs.Job, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := q.client.progress(ctx, j, percent); err != nil {
		return err
	}
	q.bus.Publish(events.JobEvent{Queue: q.name, JobID: j.ID, Type: j.Type, Kind: events.Progress, Attempt: j.AttemptsMade, Progress: percent})
	return nil
}

// ExtendLease renews ownership of an active job.
func (q *Queue) ExtendLease(ctx context.Context, j *jobs.Job) error {
	return q.client.extend(ctx, j, q.cfg.Lease)
}

// RecoverStalled fails the current attempt of every active job whose lease
// has expired, as if its handler had returned jobs.ErrStalled. It returns
// the number of jobs recovered.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	ids, err := q.client.expiredLeases(ctx, q.name)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		j, err := q.client.get(ctx, q.name, id)
		if errors.Is(err, jobs.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		if j.State != jobs.StateActive {
			continue
		}

		d, err := q.fail(ctx, j, jobs.ErrStalled, true)
		if errors.Is(err, jobs.ErrLeaseLost) {
			// Renewed or finished in the meantime.
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		q.bus.Publish(events.JobEvent{Queue: q.name, JobID: j.ID, Type: j.Type, Kind: events.Stalled, Attempt: j.AttemptsMade})
		q.log.Warn().
			Str("job_id", j.ID).
			Int("attempt", j.AttemptsMade).
			Str("next_state", string(d.State)).
			Msg("Recovered stalled job")
	}
	return recovered, nil
}

// Subscribe opens the wakeup channel dispatchers listen on.
func (q *Queue) Subscribe(ctx context.Context) *redis.PubSub {
	return q.client.subscribe(ctx, q.name)
}

// Allow consumes one dispatch token from the queue's limiter. Queues without
// a limiter always allow.
func (q *Queue) Allow(ctx context.Context) (bool, error) {
	l := q.cfg.Limiter
	if !l.enabled() {
		return true, nil
	}
	rate := float64(l.Max) / l.Duration.Seconds()
	return q.client.Allow(ctx, q.name, rate, l.Max)
}
