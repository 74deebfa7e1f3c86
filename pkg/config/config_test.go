package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// clearEnv blanks the overrides so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, k := range []string{"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "API_KEY", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Defaults.Concurrency)
	assert.Equal(t, 1, cfg.Defaults.MaxAttempts)
	assert.Equal(t, queue.DefaultLease, cfg.Defaults.Lease)
	assert.Empty(t, cfg.QueueNames())
}

func TestLoadValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
redis:
  addr: redis:6379
  db: 2
server:
  api_key: secret
defaults:
  concurrency: 8
  max_attempts: 3
  backoff:
    kind: exponential
    delay: 500ms
queues:
  reports:
    concurrency: 1
    timeout: 2m
    limiter:
      max: 10
      duration: 1m
  email: {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.RedisOptions().DB)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, ":8081", cfg.Server.Addr, "unset keys keep their default")
	assert.Equal(t, []string{"email", "reports"}, cfg.QueueNames())

	reports := cfg.Queue("reports")
	assert.Equal(t, 1, reports.Concurrency)
	assert.Equal(t, 3, reports.MaxAttempts)
	assert.Equal(t, 2*time.Minute, reports.Timeout)
	assert.Equal(t, jobs.Backoff{Kind: jobs.BackoffExponential, Delay: 500 * time.Millisecond}, reports.Backoff)
	require.NotNil(t, reports.Limiter)
	assert.Equal(t, 10, reports.Limiter.Max)

	email := cfg.Queue("email")
	assert.Equal(t, 8, email.Concurrency)
	assert.Nil(t, email.Limiter)

	assert.Equal(t, cfg.Defaults, cfg.Queue("unknown"))
}

func TestRegistryOptions(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
defaults:
  max_attempts: 2
  completed_ttl: 1h
queues:
  reports:
    priority: 5
    lease: 10s
    limiter: {max: 3, duration: 1s}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	opts := cfg.RegistryOptions()
	assert.Equal(t, 2, opts.Defaults.Queue.Defaults.MaxAttempts)
	assert.Equal(t, time.Hour, opts.Defaults.Queue.CompletedTTL)
	assert.Equal(t, 4, opts.Defaults.Worker.Concurrency)

	reports, ok := opts.Queues["reports"]
	require.True(t, ok)
	assert.Equal(t, 5, reports.Queue.Defaults.Priority)
	assert.Equal(t, 2, reports.Queue.Defaults.MaxAttempts)
	assert.Equal(t, 10*time.Second, reports.Queue.Lease)
	assert.Equal(t, &queue.Limiter{Max: 3, Duration: time.Second}, reports.Queue.Limiter)
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_ADDR", "10.0.0.1:6380")
	t.Setenv("REDIS_PASSWORD", "pw")
	t.Setenv("API_KEY", "from-env")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, `
redis:
  addr: ignored:6379
server:
  api_key: from-file
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:6380", cfg.Redis.Addr)
	assert.Equal(t, "pw", cfg.RedisOptions().Password)
	assert.Equal(t, "from-env", cfg.Server.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/nonexistent/jobq.yaml")
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "redis: [unclosed"))
	assert.Error(t, err)

	tests := []struct {
		name    string
		content string
	}{
		{"unknown backoff", "defaults:\n  backoff: {kind: linear}\n"},
		{"negative timeout", "defaults:\n  timeout: -1s\n"},
		{"bad limiter", "queues:\n  email:\n    limiter: {max: 0, duration: 1s}\n"},
		{"negative attempts", "queues:\n  email:\n    max_attempts: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestBadRedisDBEnv(t *testing.T) {
	t.Setenv("REDIS_DB", "two")
	_, err := Load("")
	assert.Error(t, err)
}
