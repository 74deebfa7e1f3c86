// Package metrics exports Prometheus metrics for job processing. A Collector
// follows the registry's event bus for per-job counters and histograms and
// polls queue counts for depth gauges.
package metrics

import (
	"context"
	"time"

	"github.com/guido-cesarano/jobq/pkg/events"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DepthInterval is how often queue depths are refreshed by default.
const DepthInterval = 5 * time.Second

// Source is what the depth collector polls. *registry.Registry satisfies it.
type Source interface {
	Queues() []string
	GetCounts(ctx context.Context, queueName string) (jobs.Counts, error)
}

// Collector owns the job metrics.
type Collector struct {
	// jobsProcessed counts finished attempts.
	// Labels:
	//   - queue: queue name
	//   - status: "completed", "retrying" or "failed"
	//   - type: job type
	jobsProcessed *prometheus.CounterVec

	// jobsEnqueued counts admitted jobs.
	jobsEnqueued *prometheus.CounterVec

	// stalledRecovered counts attempts failed because their lease expired.
	stalledRecovered *prometheus.CounterVec

	// jobDuration is the run time of successful attempts in seconds.
	jobDuration *prometheus.HistogramVec

	// queueLatency is the time between enqueue and the start of an attempt.
	queueLatency *prometheus.HistogramVec

	// queueDepth is the number of jobs per queue and state, refreshed by
	// CollectDepths.
	queueDepth *prometheus.GaugeVec

	// eventsDropped mirrors events.Bus.Dropped.
	eventsDropped prometheus.Gauge
}

// NewCollector registers the job metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		jobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobq_processed_total",
			Help: "The total number of finished job attempts",
		}, []string{"queue", "status", "type"}),

		jobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobq_enqueued_total",
			Help: "The total number of enqueued jobs",
		}, []string{"queue", "type"}),

		stalledRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobq_stalled_total",
			Help: "Attempts failed because the worker lease expired",
		}, []string{"queue"}),

		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobq_job_duration_seconds",
			Help:    "Duration of successful job attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "type"}),

		queueLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobq_queue_latency_seconds",
			Help:    "Time spent in queue before an attempt starts",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "type"}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobq_queue_depth",
			Help: "Number of jobs per queue and state",
		}, []string{"queue", "state"}),

		eventsDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobq_events_dropped",
			Help: "Job events a slow subscriber missed",
		}),
	}
}

// Observe updates the metrics for one event.
func (c *Collector) Observe(e events.JobEvent) {
	switch e.Kind {
	case events.Enqueued:
		c.jobsEnqueued.WithLabelValues(e.Queue, e.Type).Inc()
	case events.Active:
		c.queueLatency.WithLabelValues(e.Queue, e.Type).Observe(e.Duration.Seconds())
	case events.Completed:
		c.jobsProcessed.WithLabelValues(e.Queue, "completed", e.Type).Inc()
		c.jobDuration.WithLabelValues(e.Queue, e.Type).Observe(e.Duration.Seconds())
	case events.Retrying:
		c.jobsProcessed.WithLabelValues(e.Queue, "retrying", e.Type).Inc()
	case events.Failed:
		c.jobsProcessed.WithLabelValues(e.Queue, "failed", e.Type).Inc()
	case events.Stalled:
		c.stalledRecovered.WithLabelValues(e.Queue).Inc()
	}
}

// Run observes every event of bus until ctx is done or the bus is closed.
func (c *Collector) Run(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// CollectDepths refreshes the depth gauges every interval until ctx is done.
// bus may be nil.
func (c *Collector) CollectDepths(ctx context.Context, src Source, bus *events.Bus, interval time.Duration) {
	if interval <= 0 {
		interval = DepthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.refresh(ctx, src, bus)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) refresh(ctx context.Context, src Source, bus *events.Bus) {
	for _, name := range src.Queues() {
		counts, err := src.GetCounts(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				logger.Log.Warn().Err(err).Str("queue", name).Msg("Failed to collect queue depth")
			}
			continue
		}
		c.queueDepth.WithLabelValues(name, string(jobs.StateWaiting)).Set(float64(counts.Waiting))
		c.queueDepth.WithLabelValues(name, string(jobs.StateActive)).Set(float64(counts.Active))
		c.queueDepth.WithLabelValues(name, string(jobs.StateDelayed)).Set(float64(counts.Delayed))
		c.queueDepth.WithLabelValues(name, string(jobs.StateCompleted)).Set(float64(counts.Completed))
		c.queueDepth.WithLabelValues(name, string(jobs.StateFailed)).Set(float64(counts.Failed))
	}
	if bus != nil {
		c.eventsDropped.Set(float64(bus.Dropped()))
	}
}
