// Package config loads the YAML configuration shared by the server, the
// worker and jobqctl. Every setting has a default, so running without a file
// works; environment variables override the file for deployment secrets.
//
// Example:
//
//	redis:
//	  addr: localhost:6379
//	defaults:
//	  concurrency: 4
//	  max_attempts: 3
//	  backoff: {kind: exponential, delay: 1s}
//	queues:
//	  reports:
//	    concurrency: 1
//	    timeout: 2m
//	    limiter: {max: 10, duration: 1m}
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/queue"
	"github.com/guido-cesarano/jobq/pkg/registry"
	"github.com/guido-cesarano/jobq/pkg/worker"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Server struct {
		Addr   string `yaml:"addr"`
		APIKey string `yaml:"api_key"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Artifacts struct {
		TTL     time.Duration `yaml:"ttl"`
		BaseURL string        `yaml:"base_url"`
	} `yaml:"artifacts"`

	Defaults QueueConfig            `yaml:"defaults"`
	Queues   map[string]QueueConfig `yaml:"queues"`
}

// QueueConfig holds the settings of one queue. In the queues section, zero
// fields inherit from defaults.
type QueueConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Priority     int           `yaml:"priority"`
	Backoff      jobs.Backoff  `yaml:"backoff"`
	Timeout      time.Duration `yaml:"timeout"`
	Lease        time.Duration `yaml:"lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
	CompletedTTL time.Duration `yaml:"completed_ttl"`
	FailedTTL    time.Duration `yaml:"failed_ttl"`
	Limiter      *Limiter      `yaml:"limiter"`
}

// Limiter caps dispatch to Max jobs per Duration.
type Limiter struct {
	Max      int           `yaml:"max"`
	Duration time.Duration `yaml:"duration"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Server.Addr = ":8081"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":8080"
	cfg.Log.Level = "info"
	cfg.Artifacts.TTL = 24 * time.Hour
	cfg.Artifacts.BaseURL = "http://localhost:8081/artifacts"
	cfg.Defaults = QueueConfig{
		Concurrency:  4,
		MaxAttempts:  1,
		Backoff:      jobs.Backoff{Kind: jobs.BackoffFixed},
		Lease:        queue.DefaultLease,
		PollInterval: worker.DefaultPollInterval,
		CompletedTTL: 24 * time.Hour,
		FailedTTL:    7 * 24 * time.Hour,
	}
	cfg.Queues = map[string]QueueConfig{}
	return cfg
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with REDIS_ADDR, REDIS_PASSWORD, REDIS_DB,
// API_KEY, LOG_LEVEL and LOG_FORMAT when set.
func (c *Config) applyEnv() error {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate rejects settings the queue would refuse at runtime.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required")
	}
	if err := c.Defaults.validate("defaults"); err != nil {
		return err
	}
	for name, qc := range c.Queues {
		if err := jobs.ValidateEnqueue(name, "-"); err != nil {
			return fmt.Errorf("config: queues: %w", err)
		}
		if err := qc.validate("queues." + name); err != nil {
			return err
		}
	}
	return nil
}

func (q QueueConfig) validate(section string) error {
	if q.Concurrency < 0 || q.MaxAttempts < 0 {
		return fmt.Errorf("config: %s: concurrency and max_attempts must not be negative", section)
	}
	if q.Backoff.Kind != "" {
		if _, err := jobs.ParseBackoffKind(string(q.Backoff.Kind)); err != nil {
			return fmt.Errorf("config: %s: %w", section, err)
		}
	}
	for name, d := range map[string]time.Duration{
		"timeout":       q.Timeout,
		"lease":         q.Lease,
		"poll_interval": q.PollInterval,
		"completed_ttl": q.CompletedTTL,
		"failed_ttl":    q.FailedTTL,
		"backoff.delay": q.Backoff.Delay,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s: %s must not be negative", section, name)
		}
	}
	if q.Limiter != nil && (q.Limiter.Max <= 0 || q.Limiter.Duration <= 0) {
		return fmt.Errorf("config: %s: limiter needs positive max and duration", section)
	}
	return nil
}

// Queue returns the effective settings of the named queue.
func (c *Config) Queue(name string) QueueConfig {
	out := c.Defaults
	o, ok := c.Queues[name]
	if !ok {
		return out
	}
	if o.Concurrency != 0 {
		out.Concurrency = o.Concurrency
	}
	if o.MaxAttempts != 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.Priority != 0 {
		out.Priority = o.Priority
	}
	if o.Backoff.Kind != "" {
		out.Backoff.Kind = o.Backoff.Kind
	}
	if o.Backoff.Delay != 0 {
		out.Backoff.Delay = o.Backoff.Delay
	}
	if o.Timeout != 0 {
		out.Timeout = o.Timeout
	}
	if o.Lease != 0 {
		out.Lease = o.Lease
	}
	if o.PollInterval != 0 {
		out.PollInterval = o.PollInterval
	}
	if o.CompletedTTL != 0 {
		out.CompletedTTL = o.CompletedTTL
	}
	if o.FailedTTL != 0 {
		out.FailedTTL = o.FailedTTL
	}
	if o.Limiter != nil {
		out.Limiter = o.Limiter
	}
	return out
}

// QueueNames lists the queues named in the file, sorted.
func (c *Config) QueueNames() []string {
	names := make([]string, 0, len(c.Queues))
	for name := range c.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Settings converts queue settings into the registry's form.
func (q QueueConfig) Settings() registry.QueueSettings {
	qc := queue.Config{
		Defaults: jobs.Options{
			Priority:    q.Priority,
			MaxAttempts: q.MaxAttempts,
			Backoff:     q.Backoff,
		},
		CompletedTTL: q.CompletedTTL,
		FailedTTL:    q.FailedTTL,
		Lease:        q.Lease,
	}
	if q.Limiter != nil {
		qc.Limiter = &queue.Limiter{Max: q.Limiter.Max, Duration: q.Limiter.Duration}
	}
	return registry.QueueSettings{
		Queue: qc,
		Worker: worker.Config{
			Concurrency:  q.Concurrency,
			Timeout:      q.Timeout,
			PollInterval: q.PollInterval,
		},
	}
}

// RegistryOptions builds registry options for every configured queue.
func (c *Config) RegistryOptions() registry.Options {
	opts := registry.Options{
		Defaults: c.Defaults.Settings(),
		Queues:   make(map[string]registry.QueueSettings, len(c.Queues)),
	}
	for name := range c.Queues {
		opts.Queues[name] = c.Queue(name).Settings()
	}
	return opts
}

// RedisOptions returns go-redis connection options.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}
