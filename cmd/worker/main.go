// Package main implements the jobq worker process.
// The worker runs the demo handlers on the email, reports and images queues
// and exposes Prometheus metrics.
//
// Features:
//   - Bounded concurrency per queue with graceful drain on SIGINT/SIGTERM
//   - Retries with fixed or exponential backoff from the queue configuration
//   - Stalled job recovery for crashed workers
//   - Reports uploaded to the artifact store
//
// Usage:
//
//	go run ./cmd/worker -config jobq.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/jobq/pkg/artifacts"
	"github.com/guido-cesarano/jobq/pkg/config"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/guido-cesarano/jobq/pkg/metrics"
	"github.com/guido-cesarano/jobq/pkg/queue"
	"github.com/guido-cesarano/jobq/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	drain := flag.Duration("drain", 30*time.Second, "how long to wait for running jobs on shutdown")
	scale := flag.Float64("work-scale", 1, "multiplier for the simulated work of the demo handlers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Configure(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(cfg.RedisOptions())
	client := queue.NewClientFromRedis(rdb)
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		logger.Log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
	}

	reg := registry.New(client, cfg.RegistryOptions())
	h := &handlers{
		store: artifacts.NewRedisStore(rdb, cfg.Artifacts.BaseURL, cfg.Artifacts.TTL),
		scale: *scale,
	}
	if err := h.register(reg); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to register handlers")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector := metrics.NewCollector(promReg)
		go collector.Run(ctx, reg.Events())
		go collector.CollectDepths(ctx, reg, reg.Events(), metrics.DepthInterval)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if err := reg.Start(ctx); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start worker")
	}
	logger.Log.Info().Strs("queues", reg.Queues()).Msg("Worker started. Waiting for jobs...")

	<-ctx.Done()
	logger.Log.Info().Dur("drain", *drain).Msg("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *drain)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Worker did not drain cleanly")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics shutdown failed")
		}
	}
	logger.Log.Info().Msg("Worker stopped")
}
