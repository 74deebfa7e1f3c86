// Package main provides a benchmark tool for jobq to measure job throughput.
// It enqueues a large number of no-op jobs, processes them with an in-process
// worker pool and measures both phases.
//
// Usage:
//
//	go run ./benchmark -jobs 100000 -concurrency 32
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/guido-cesarano/jobq/pkg/queue"
	"github.com/guido-cesarano/jobq/pkg/registry"
	"github.com/guido-cesarano/jobq/pkg/worker"
)

const benchQueue = "benchmark"

func main() {
	numJobs := flag.Int("jobs", 100000, "Number of jobs to enqueue")
	numEnqueuers := flag.Int("enqueuers", 10, "Number of concurrent enqueuers")
	concurrency := flag.Int("concurrency", 32, "Worker pool concurrency")
	addr := flag.String("addr", "localhost:6379", "Redis address; empty runs against an in-memory Redis")
	flag.Parse()

	logger.Configure("warn", "console")

	if *addr == "" {
		s, err := miniredis.Run()
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to start miniredis")
		}
		defer s.Close()
		*addr = s.Addr()
	}

	client := queue.NewClient(*addr)
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		logger.Log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to connect to Redis")
	}

	reg := registry.New(client, registry.Options{Defaults: registry.QueueSettings{
		Queue:  queue.DefaultConfig(),
		Worker: worker.Config{Concurrency: *concurrency},
	}})

	var processed atomic.Int64
	err := reg.RegisterHandler(benchQueue, "noop", worker.HandlerFunc(func(ctx context.Context, j *jobs.Job, progress worker.ProgressFunc) (any, error) {
		processed.Add(1)
		return nil, nil
	}))
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to register handler")
	}

	fmt.Printf("jobq Benchmark\n")
	fmt.Printf("==============\n")
	fmt.Printf("Jobs to enqueue: %d\n", *numJobs)
	fmt.Printf("Concurrent enqueuers: %d\n", *numEnqueuers)
	fmt.Printf("Pool concurrency: %d\n\n", *concurrency)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	jobsPerEnqueuer := *numJobs / *numEnqueuers

	for i := 0; i < *numEnqueuers; i++ {
		wg.Add(1)
		go func(enqueuerID int) {
			defer wg.Done()
			for j := 0; j < jobsPerEnqueuer; j++ {
				payload := map[string]int{"enqueuer": enqueuerID, "job": j}
				if _, err := reg.Enqueue(ctx, benchQueue, "noop", payload, jobs.WithPriority(rand.Intn(10))); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)
	total := enqueued.Load()

	fmt.Printf("Enqueued %d jobs in %s\n", total, enqueueTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n\n", float64(total)/enqueueTime.Seconds())

	// Processing phase
	fmt.Printf("Processing...\n")
	startProcess := time.Now()
	if err := reg.Start(ctx); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start pool")
	}

	for {
		counts, err := reg.GetCounts(ctx, benchQueue)
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to read counts")
		}
		if counts.Completed+counts.Failed >= total {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d jobs\n", total-counts.Completed-counts.Failed)
	}

	processTime := time.Since(startProcess)
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Shutdown failed")
	}

	fmt.Printf("\nProcessed %d jobs in %s\n", processed.Load(), processTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n", float64(total)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f jobs/sec\n", float64(total)/totalTime.Seconds())
}
