// Package registry is the entry point producers and workers share. It owns
// the named queues of one process, their worker pools and the cron scheduler
// for repeatable jobs, and gives them an explicit lifecycle:
//
//	reg := registry.New(client, registry.Options{})
//	reg.RegisterHandler("email", "welcome-email", handler)
//	reg.Start(ctx)
//	defer reg.Shutdown(drainCtx)
//
// A registry that never registers handlers is a pure producer: it enqueues
// and queries but runs no pools.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/guido-cesarano/jobq/pkg/events"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/guido-cesarano/jobq/pkg/queue"
	"github.com/guido-cesarano/jobq/pkg/worker"
	"github.com/robfig/cron/v3"
)

// scheduleTimeout bounds the enqueue made by each cron run.
const scheduleTimeout = 10 * time.Second

// QueueSettings configures one queue and its pool.
type QueueSettings struct {
	Queue  queue.Config
	Worker worker.Config
}

// Options configures a Registry. Queues not listed in Queues use Defaults.
type Options struct {
	Defaults QueueSettings
	Queues   map[string]QueueSettings
}

type entry struct {
	queue *queue.Queue
	pool  *worker.Pool
}

// Registry holds the queues and pools of a process.
type Registry struct {
	client *queue.Client
	opts   Options
	bus    *events.Bus
	cron   *cron.Cron

	mu        sync.Mutex
	entries   map[string]*entry
	schedules map[cron.EntryID]string
	ctx       context.Context
	started bool
	stopped bool
}

// New creates a registry on top of client. Zero-valued Defaults fall back to
// queue.DefaultConfig.
func New(client *queue.Client, opts Options) *Registry {
	if opts.Defaults.Queue.Lease == 0 && opts.Defaults.Queue.Defaults.MaxAttempts == 0 {
		opts.Defaults.Queue = queue.DefaultConfig()
	}
	return &Registry{
		client: client,
		opts:   opts,
		bus:    events.NewBus(),
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger{}),
			cron.WithChain(cron.Recover(cronLogger{})),
		),
		entries:   make(map[string]*entry),
		schedules: make(map[cron.EntryID]string),
	}
}

// Events returns the bus every queue of the registry publishes to.
func (r *Registry) Events() *events.Bus {
	return r.bus
}

// Client returns the store client.
func (r *Registry) Client() *queue.Client {
	return r.client
}

func (r *Registry) settings(name string) QueueSettings {
	if s, ok := r.opts.Queues[name]; ok {
		return s
	}
	return r.opts.Defaults
}

// entry returns the queue named name, creating it on first use.
func (r *Registry) entry(name string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e, nil
	}

	q, err := queue.New(r.client, name, r.settings(name).Queue, r.bus)
	if err != nil {
		return nil, err
	}
	e := &entry{queue: q}
	r.entries[name] = e
	return e, nil
}

// Queue returns the queue named name.
func (r *Registry) Queue(name string) (*queue.Queue, error) {
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	return e.queue, nil
}

// Queues lists the names of the queues used so far.
func (r *Registry) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Enqueue adds a job to the named queue.
func (r *Registry) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts ...jobs.Option) (string, error) {
	q, err := r.Queue(queueName)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, jobType, payload, opts...)
}

// GetJob returns the caller-facing view of a job.
func (r *Registry) GetJob(ctx context.Context, queueName, id string) (jobs.View, error) {
	q, err := r.Queue(queueName)
	if err != nil {
		return jobs.View{}, err
	}
	j, err := q.GetJob(ctx, id)
	if err != nil {
		return jobs.View{}, err
	}
	return j.View(), nil
}

// GetCounts returns the per-state counts of a queue.
func (r *Registry) GetCounts(ctx context.Context, queueName string) (jobs.Counts, error) {
	q, err := r.Queue(queueName)
	if err != nil {
		return jobs.Counts{}, err
	}
	return q.GetCounts(ctx)
}

// RemoveJob deletes a job that is not running.
func (r *Registry) RemoveJob(ctx context.Context, queueName, id string) error {
	q, err := r.Queue(queueName)
	if err != nil {
		return err
	}
	return q.Remove(ctx, id)
}

// ListJobs returns views of up to limit jobs in state.
func (r *Registry) ListJobs(ctx context.Context, queueName string, state jobs.State, limit int64) ([]jobs.View, error) {
	q, err := r.Queue(queueName)
	if err != nil {
		return nil, err
	}
	list, err := q.List(ctx, state, limit)
	if err != nil {
		return nil, err
	}
	views := make([]jobs.View, 0, len(list))
	for _, j := range list {
		views = append(views, j.View())
	}
	return views, nil
}

// RegisterHandler binds h to jobType on the named queue. The queue's pool is
// created on the first registration and started right away if the registry
// is already running.
func (r *Registry) RegisterHandler(queueName, jobType string, h worker.Handler) error {
	e, err := r.entry(queueName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return worker.ErrPoolStopped
	}
	if e.pool == nil {
		e.pool = worker.NewPool(e.queue, r.settings(queueName).Worker)
		if r.started {
			if err := e.pool.Start(r.ctx); err != nil {
				return err
			}
		}
	}
	return e.pool.RegisterHandler(jobType, h)
}

// Schedule enqueues a job on every tick of spec, a cron expression with a
// seconds field (or a descriptor such as "@every 1m"). Each run gets a new
// job ID. Runs only happen while the registry is started.
func (r *Registry) Schedule(spec, queueName, jobType string, payload any, opts ...jobs.Option) (cron.EntryID, error) {
	if err := jobs.ValidateEnqueue(queueName, jobType); err != nil {
		return 0, err
	}
	if _, err := r.Queue(queueName); err != nil {
		return 0, err
	}
	if _, err := jobs.ResolveOptions(r.settings(queueName).Queue.Defaults, opts); err != nil {
		return 0, err
	}

	id, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), scheduleTimeout)
		defer cancel()

		jobID, err := r.Enqueue(ctx, queueName, jobType, payload, opts...)
		if err != nil {
			logger.Log.Error().Err(err).Str("spec", spec).Str("queue", queueName).Msg("Failed to enqueue scheduled job")
			return
		}
		logger.Log.Info().Str("job_id", jobID).Str("type", jobType).Str("spec", spec).Msg("Scheduled job enqueued")
	})
	if err != nil {
		return 0, fmt.Errorf("%w: schedule %q: %v", jobs.ErrInvalidOption, spec, err)
	}

	r.mu.Lock()
	r.schedules[id] = queueName
	r.mu.Unlock()
	return id, nil
}

// Unschedule removes a repeatable job of queueName. An id that is unknown or
// belongs to another queue yields jobs.ErrNotFound.
func (r *Registry) Unschedule(queueName string, id cron.EntryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.schedules[id]; !ok || owner != queueName {
		return fmt.Errorf("%w: schedule %d on queue %s", jobs.ErrNotFound, id, queueName)
	}
	delete(r.schedules, id)
	r.cron.Remove(id)
	return nil
}

// Start launches the pools of every queue with handlers and the cron
// scheduler. ctx bounds dispatching; handlers keep running until Shutdown.
// If a pool fails to start, the pools started before it are stopped again
// and the scheduler is left off.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return worker.ErrPoolStopped
	}
	if r.started {
		return worker.ErrPoolStarted
	}

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	var running []*worker.Pool
	for _, name := range names {
		e := r.entries[name]
		if e.pool == nil {
			continue
		}
		if err := e.pool.Start(ctx); err != nil {
			r.rollback(running)
			return fmt.Errorf("start pool %s: %w", name, err)
		}
		running = append(running, e.pool)
	}
	r.started = true
	r.ctx = ctx
	r.cron.Start()
	logger.Log.Info().Int("queues", len(r.entries)).Msg("Registry started")
	return nil
}

// rollback stops the pools a failed Start had already launched.
func (r *Registry) rollback(pools []*worker.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), scheduleTimeout)
	defer cancel()
	for _, p := range pools {
		if err := p.Stop(ctx); err != nil {
			logger.Log.Error().Err(err).Str("queue", p.Queue().Name()).Msg("Failed to stop pool after start error")
		}
	}
}

// Shutdown stops the scheduler, then drains every pool concurrently. Jobs
// still running when ctx expires are cancelled and recorded as failed
// attempts. The event bus is closed last.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	pools := make([]*worker.Pool, 0, len(r.entries))
	for _, e := range r.entries {
		if e.pool != nil {
			pools = append(pools, e.pool)
		}
	}
	r.mu.Unlock()

	var errs []error
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("scheduler: %w", ctx.Err()))
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("pool %s: %w", p.Queue().Name(), err))
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	r.bus.Close()
	logger.Log.Info().Msg("Registry stopped")
	return errors.Join(errs...)
}

// cronLogger sends cron's own logging to the global logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
