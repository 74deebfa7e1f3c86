// Package worker runs job handlers for one queue.
//
// A Pool owns a fixed number of execution slots. Its dispatch loop claims the
// next eligible job whenever a slot is free, runs the registered handler under
// a watchdog and records the outcome in the store:
//   - success completes the job with the handler's JSON result
//   - failure goes through the retry controller (delayed or failed)
//   - a handler that outlives its timeout loses the slot and the attempt
//   - a panic is recovered and counted as a failed attempt
//
// While a handler runs, the pool renews the job's lease so that other pools
// do not treat it as stalled. Each pool also sweeps the queue for jobs whose
// lease ran out, which is how work held by a crashed process is recovered.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/guido-cesarano/jobq/pkg/queue"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval bounds how long an idle dispatcher sleeps when no
	// wakeup arrives.
	DefaultPollInterval = time.Second

	// storeTimeout bounds the writes made after a handler returns. They run
	// detached from the pool's context so that shutdown still records
	// outcomes.
	storeTimeout = 5 * time.Second
)

var (
	ErrPoolStarted = errors.New("jobq: worker pool already started")
	ErrPoolStopped = errors.New("jobq: worker pool stopped")
)

// Config tunes a Pool.
type Config struct {
	// Concurrency is the number of jobs executed at once. Minimum 1.
	Concurrency int

	// Timeout applies to jobs enqueued without their own timeout. Zero
	// means no limit.
	Timeout time.Duration

	// PollInterval is the safety poll used when no wakeup is received.
	PollInterval time.Duration

	// StalledInterval is how often expired leases are swept. Defaults to
	// half the queue lease.
	StalledInterval time.Duration
}

// Pool executes jobs of one queue.
type Pool struct {
	queue *queue.Queue
	cfg   Config
	log   zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
	stopped  bool

	slots chan struct{}
	wake  chan struct{}

	stopLoops context.CancelFunc
	loops     sync.WaitGroup

	jobCtx     context.Context
	cancelJobs context.CancelFunc
	inflight   sync.WaitGroup
}

// NewPool creates a pool for q. Handlers must be registered before jobs of
// their type are dispatched; unknown types fail without retry.
func NewPool(q *queue.Queue, cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = q.Config().Lease / 2
	}
	return &Pool{
		queue:    q,
		cfg:      cfg,
		log:      logger.ForQueue(q.Name()),
		handlers: make(map[string]Handler),
		slots:    make(chan struct{}, cfg.Concurrency),
		wake:     make(chan struct{}, 1),
	}
}

// Queue returns the queue the pool serves.
func (p *Pool) Queue() *queue.Queue {
	return p.queue
}

// RegisterHandler binds h to jobType, replacing any earlier binding.
func (p *Pool) RegisterHandler(jobType string, h Handler) error {
	if jobType == "" {
		return jobs.ErrEmptyJobType
	}
	if h == nil {
		return errors.New("jobq: handler cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
	return nil
}

func (p *Pool) handler(jobType string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[jobType]
}

// Start launches the dispatch loop, the wakeup listener and the stalled job
// sweeper. Cancelling ctx stops dispatching new jobs; running handlers are
// only cancelled by Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	loopCtx, stopLoops := context.WithCancel(ctx)
	p.stopLoops = stopLoops
	p.jobCtx, p.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))

	p.loops.Add(3)
	go p.listen(loopCtx)
	go p.sweep(loopCtx)
	go p.dispatch(loopCtx)

	p.log.Info().Int("concurrency", p.cfg.Concurrency).Msg("Worker pool started")
	return nil
}

// Stop stops dispatching and waits for running handlers. When ctx expires
// first, the remaining handlers' contexts are cancelled, their attempts are
// recorded as failed and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.stopLoops()
	p.loops.Wait()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancelJobs()
		p.log.Info().Msg("Worker pool drained")
		return nil
	case <-ctx.Done():
		p.log.Warn().Msg("Drain deadline reached, cancelling running jobs")
		p.cancelJobs()
		<-drained
		return ctx.Err()
	}
}

// dispatch claims jobs while slots are free.
func (p *Pool) dispatch(ctx context.Context) {
	defer p.loops.Done()

	for {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, wait, throttled := p.next(ctx)
		if job == nil {
			<-p.slots
			if ctx.Err() != nil {
				return
			}
			if throttled {
				p.throttle(ctx, wait)
			} else {
				p.idle(ctx, wait)
			}
			continue
		}

		p.inflight.Add(1)
		go p.run(job)
	}
}

// next claims one job. With nothing to run it returns how long to idle, and
// whether the wait comes from the rate limiter.
func (p *Pool) next(ctx context.Context) (*jobs.Job, time.Duration, bool) {
	job, due, err := p.queue.Claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error().Err(err).Msg("Failed to claim job")
		}
		return nil, p.cfg.PollInterval, false
	}
	if job == nil {
		wait := p.cfg.PollInterval
		if !due.IsZero() {
			if d := time.Until(due); d < wait {
				wait = max(d, 0)
			}
		}
		return nil, wait, false
	}

	allowed, err := p.queue.Allow(ctx)
	if err != nil {
		// Fail open: a broken limiter must not stall the queue.
		p.log.Error().Err(err).Msg("Rate limit check failed")
		return job, 0, false
	}
	if allowed {
		return job, 0, false
	}

	retry := p.queue.RetryAfter()
	postponeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := p.queue.Postpone(postponeCtx, job, retry); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to postpone rate limited job")
	} else {
		p.log.Debug().Str("job_id", job.ID).Dur("retry_after", retry).Msg("Rate limit exceeded, postponing job")
	}
	return nil, retry, true
}

// idle sleeps until d elapses, a wakeup arrives or ctx is done.
func (p *Pool) idle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-p.wake:
	}
}

// throttle sleeps for d after the limiter refused a dispatch. Wakeups are
// drained: nothing can run before the bucket refills.
func (p *Pool) throttle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-p.wake:
		}
	}
}

// listen turns pub/sub wakeups into a non-blocking signal for dispatch.
func (p *Pool) listen(ctx context.Context) {
	defer p.loops.Done()

	sub := p.queue.Subscribe(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case p.wake <- struct{}{}:
			default:
			}
		}
	}
}

// sweep periodically recovers jobs whose lease expired.
func (p *Pool) sweep(ctx context.Context) {
	defer p.loops.Done()

	ticker := time.NewTicker(p.cfg.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RecoverStalled(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("Stalled job sweep failed")
				continue
			}
			if n > 0 {
				p.log.Warn().Int("count", n).Msg("Recovered stalled jobs")
			}
		}
	}
}

// run executes one claimed job and records its outcome.
func (p *Pool) run(job *jobs.Job) {
	defer p.inflight.Done()
	defer func() { <-p.slots }()

	log := p.log.With().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Int("attempt", job.AttemptsMade).
		Logger()
	log.Info().Msg("Processing job")

	var result any
	var err error
	if h := p.handler(job.Type); h != nil {
		result, err = p.execute(job, h, log)
	} else {
		err = jobs.Poison(fmt.Errorf("%w: %q", jobs.ErrUnknownJobType, job.Type))
	}

	var data []byte
	if err == nil {
		data, err = encodeResult(result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err == nil {
		if cErr := p.queue.Complete(ctx, job, data); cErr != nil {
			log.Error().Err(cErr).Msg("Failed to record completion")
			return
		}
		log.Info().Msg("Job completed")
		return
	}

	if errors.Is(err, jobs.ErrLeaseLost) {
		// Another pool recovered the job; its outcome is no longer ours.
		return
	}

	d, fErr := p.queue.Fail(ctx, job, err)
	if fErr != nil {
		log.Error().Err(fErr).AnErr("cause", err).Msg("Failed to record failure")
		return
	}
	if d.Retry() {
		log.Warn().Err(err).Time("not_before", d.NotBefore).Msg("Job failed, retry scheduled")
	} else {
		log.Error().Err(err).Msg("Job failed")
	}
}

type outcome struct {
	result any
	err    error
}

// execute runs h under the job's timeout, renewing the lease while it runs.
// It returns as soon as the timeout fires or the pool cancels running jobs,
// even if the handler keeps going.
func (p *Pool) execute(job *jobs.Job, h Handler, log zerolog.Logger) (any, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(p.jobCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(p.jobCtx)
	}
	defer cancel()

	done := make(chan outcome, 1)
	view := *job
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h.Handle(ctx, &view, p.progress(job, log))
		done <- outcome{result: res, err: err}
	}()

	heartbeat := time.NewTicker(max(p.queue.Config().Lease/3, time.Millisecond))
	defer heartbeat.Stop()

	for {
		select {
		case out := <-done:
			return out.result, out.err

		case <-heartbeat.C:
			if err := p.extend(job); errors.Is(err, jobs.ErrLeaseLost) {
				log.Warn().Msg("Lease lost, abandoning job")
				return nil, err
			} else if err != nil {
				log.Warn().Err(err).Msg("Failed to extend lease")
			}

		case <-ctx.Done():
			select {
			case out := <-done:
				return out.result, out.err
			default:
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warn().Dur("timeout", timeout).Msg("Handler timed out; its goroutine may still be running")
				return nil, fmt.Errorf("%w after %s", jobs.ErrHandlerTimeout, timeout)
			}
			log.Warn().Msg("Handler cancelled by shutdown")
			return nil, fmt.Errorf("handler cancelled: %w", ctx.Err())
		}
	}
}

func (p *Pool) extend(job *jobs.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return p.queue.ExtendLease(ctx, job)
}

// progress returns the ProgressFunc handed to the handler of job.
func (p *Pool) progress(job *jobs.Job, log zerolog.Logger) ProgressFunc {
	var mu sync.Mutex
	last := -1
	return func(percent int) {
		mu.Lock()
		defer mu.Unlock()
		if percent <= last {
			return
		}
		last = percent

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := p.queue.ReportProgress(ctx, job, percent); err != nil {
			log.Debug().Err(err).Int("progress", percent).Msg("Progress update dropped")
		}
	}
}

// encodeResult stores raw JSON as given and marshals anything else.
func encodeResult(result any) ([]byte, error) {
	switch r := result.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		if !json.Valid(r) {
			return nil, jobs.Poison(errors.New("handler returned invalid JSON result"))
		}
		return r, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, jobs.Poison(fmt.Errorf("encode result: %w", err))
	}
	return data, nil
}
