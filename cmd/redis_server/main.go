// Package main runs an in-memory Redis for local development, so the server
// and worker can be tried without installing Redis. Data is lost on exit.
//
// Usage:
//
//	go run ./cmd/redis_server -addr 127.0.0.1:6379
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/jobq/pkg/logger"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "listen address")
	password := flag.String("password", "", "require AUTH with this password")
	flag.Parse()

	s := miniredis.NewMiniRedis()
	if *password != "" {
		s.RequireAuth(*password)
	}
	if err := s.StartAddr(*addr); err != nil {
		logger.Log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to start miniredis")
	}
	defer s.Close()

	logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Log.Info().Msg("Shutting down MiniRedis...")
}
