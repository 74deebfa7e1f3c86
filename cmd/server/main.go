// Package main implements the jobq HTTP API server.
//
// API Endpoints:
//
//	POST   /queues/:queue/jobs           - Enqueue a job
//	GET    /queues/:queue/jobs/:id       - Job status, progress and result
//	DELETE /queues/:queue/jobs/:id       - Remove a job that is not running
//	GET    /queues/:queue/jobs?state=    - List jobs in one state
//	GET    /queues/:queue/counts         - Number of jobs per state
//	POST   /queues/:queue/schedules      - Register a repeatable job
//	DELETE /queues/:queue/schedules/:id  - Remove a repeatable job
//	GET    /artifacts/:key               - Download a file produced by a job
//
// Every route except /healthz and /metrics requires the API key when one is
// configured.
//	GET    /healthz                      - Redis connectivity
//	GET    /metrics                      - Prometheus metrics
//
// Enqueue Request Format:
//
//	{
//	  "type": "welcome-email",
//	  "payload": {"to": "user@example.com"},
//	  "priority": 10,
//	  "delay": "30s",
//	  "max_attempts": 3,
//	  "backoff": {"kind": "exponential", "delay": "1s"}
//	}
//
// Usage:
//
//	go run ./cmd/server -config jobq.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guido-cesarano/jobq/pkg/artifacts"
	"github.com/guido-cesarano/jobq/pkg/config"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/guido-cesarano/jobq/pkg/metrics"
	"github.com/guido-cesarano/jobq/pkg/queue"
	"github.com/guido-cesarano/jobq/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const (
	defaultListLimit = 50
	shutdownTimeout  = 10 * time.Second
)

// api holds what the handlers need.
type api struct {
	reg   *registry.Registry
	store artifacts.BlobStore
}

// enqueueRequest is the body of POST /queues/:queue/jobs. Durations use Go
// syntax ("1.5s", "2m"). The payload is kept as raw JSON so numbers reach the
// handler exactly as sent.
type enqueueRequest struct {
	Type        string          `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority"`
	JobID       string          `json:"job_id"`
	Delay       string          `json:"delay"`
	MaxAttempts *int            `json:"max_attempts"`
	Backoff     *backoffSpec    `json:"backoff"`
	Timeout     string          `json:"timeout"`
}

// payload returns the job payload, nil when the request carried none.
func (r enqueueRequest) payload() any {
	if len(r.Payload) == 0 {
		return nil
	}
	return r.Payload
}

type backoffSpec struct {
	Kind  string `json:"kind"`
	Delay string `json:"delay"`
}

// scheduleRequest is the body of POST /queues/:queue/schedules.
type scheduleRequest struct {
	Spec string `json:"spec" binding:"required"`
	enqueueRequest
}

// options converts the request into enqueue options. Fields left out fall
// back to the queue defaults.
func (r enqueueRequest) options() ([]jobs.Option, error) {
	var opts []jobs.Option
	if r.JobID != "" {
		opts = append(opts, jobs.WithJobID(r.JobID))
	}
	if r.Priority != nil {
		opts = append(opts, jobs.WithPriority(*r.Priority))
	}
	if r.MaxAttempts != nil {
		opts = append(opts, jobs.WithMaxAttempts(*r.MaxAttempts))
	}
	if r.Delay != "" {
		d, err := parseDuration("delay", r.Delay)
		if err != nil {
			return nil, err
		}
		opts = append(opts, jobs.WithDelay(d))
	}
	if r.Timeout != "" {
		d, err := parseDuration("timeout", r.Timeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, jobs.WithTimeout(d))
	}
	if r.Backoff != nil {
		kind, err := jobs.ParseBackoffKind(r.Backoff.Kind)
		if err != nil {
			return nil, err
		}
		var d time.Duration
		if r.Backoff.Delay != "" {
			if d, err = parseDuration("backoff delay", r.Backoff.Delay); err != nil {
				return nil, err
			}
		}
		opts = append(opts, jobs.WithBackoff(kind, d))
	}
	return opts, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", jobs.ErrInvalidOption, field, err)
	}
	return d, nil
}

// statusFor maps library errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrEmptyQueueName),
		errors.Is(err, jobs.ErrEmptyJobType),
		errors.Is(err, jobs.ErrEmptyJobID),
		errors.Is(err, jobs.ErrInvalidPriority),
		errors.Is(err, jobs.ErrInvalidOption):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// authMiddleware enforces API Key authentication. An empty key disables it.
func authMiddleware(requiredKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if requiredKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != requiredKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// enableCORS adds CORS headers and answers preflight requests before auth runs.
func enableCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// requestLogger logs every request through the global logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// setupRouter configures the routes. gatherer may be nil to leave out /metrics.
func setupRouter(reg *registry.Registry, store artifacts.BlobStore, apiKey string, gatherer prometheus.Gatherer) *gin.Engine {
	a := &api{reg: reg, store: store}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), enableCORS())

	r.GET("/healthz", a.health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/artifacts/:key", authMiddleware(apiKey), a.getArtifact)

	q := r.Group("/queues/:queue", authMiddleware(apiKey))
	{
		q.POST("/jobs", a.enqueue)
		q.GET("/jobs", a.listJobs)
		q.GET("/jobs/:id", a.getJob)
		q.DELETE("/jobs/:id", a.removeJob)
		q.GET("/counts", a.counts)
		q.POST("/schedules", a.schedule)
		q.DELETE("/schedules/:id", a.unschedule)
	}
	return r
}

func (a *api) health(c *gin.Context) {
	if err := a.reg.Client().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *api) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts, err := req.options()
	if err != nil {
		abortWithError(c, err)
		return
	}

	id, err := a.reg.Enqueue(c.Request.Context(), c.Param("queue"), req.Type, req.payload(), opts...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (a *api) getJob(c *gin.Context) {
	view, err := a.reg.GetJob(c.Request.Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *api) removeJob(c *gin.Context) {
	if err := a.reg.RemoveJob(c.Request.Context(), c.Param("queue"), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) listJobs(c *gin.Context) {
	state := jobs.State(c.DefaultQuery("state", string(jobs.StateWaiting)))
	limit := int64(defaultListLimit)
	if s := c.Query("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	views, err := a.reg.ListJobs(c.Request.Context(), c.Param("queue"), state, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (a *api) counts(c *gin.Context) {
	counts, err := a.reg.GetCounts(c.Request.Context(), c.Param("queue"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (a *api) schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts, err := req.options()
	if err != nil {
		abortWithError(c, err)
		return
	}

	entryID, err := a.reg.Schedule(req.Spec, c.Param("queue"), req.Type, req.payload(), opts...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry_id": entryID})
}

func (a *api) unschedule(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	if err := a.reg.Unschedule(c.Param("queue"), cron.EntryID(id)); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) getArtifact(c *gin.Context) {
	data, err := a.store.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Configure(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(cfg.RedisOptions())
	client := queue.NewClientFromRedis(rdb)
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		logger.Log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
	}

	reg := registry.New(client, cfg.RegistryOptions())
	for _, name := range cfg.QueueNames() {
		if _, err := reg.Queue(name); err != nil {
			logger.Log.Fatal().Err(err).Str("queue", name).Msg("Invalid queue configuration")
		}
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector := metrics.NewCollector(promReg)
		go collector.Run(ctx, reg.Events())
		go collector.CollectDepths(ctx, reg, reg.Events(), metrics.DepthInterval)
		gatherer = promReg
	}

	if err := reg.Start(ctx); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	store := artifacts.NewRedisStore(rdb, cfg.Artifacts.BaseURL, cfg.Artifacts.TTL)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           setupRouter(reg, store, cfg.Server.APIKey, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Registry shutdown failed")
	}
	logger.Log.Info().Msg("Server stopped")
}
