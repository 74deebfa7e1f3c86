// Package main implements jobqctl, a command line client for jobq queues.
//
// Command Structure:
//
//	jobqctl
//	├── enqueue <queue> <type> [payload]   # Add a job, payload is JSON
//	├── get <queue> <id>                   # Show job status and result
//	├── counts <queue>                     # Jobs per state
//	├── list <queue> --state S             # Jobs in one state
//	└── remove <queue> <id>                # Delete a job that is not running
//
// Global flags: --config/-c for the YAML configuration, --redis to override
// the Redis address.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guido-cesarano/jobq/pkg/config"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/guido-cesarano/jobq/pkg/queue"
	"github.com/guido-cesarano/jobq/pkg/registry"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// cli carries the state shared by all subcommands.
type cli struct {
	configPath string
	redisAddr  string

	client *queue.Client
	reg    *registry.Registry
}

// connect loads the configuration and opens the registry.
func (c *cli) connect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.redisAddr != "" {
		cfg.Redis.Addr = c.redisAddr
	}
	logger.Configure("warn", "console")

	c.client = queue.NewClientFromRedis(redis.NewClient(cfg.RedisOptions()))
	if err := c.client.Ping(cmd.Context()); err != nil {
		c.client.Close()
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	c.reg = registry.New(c.client, cfg.RegistryOptions())
	return nil
}

func (c *cli) close(cmd *cobra.Command, args []string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:                "jobqctl",
		Short:              "Inspect and feed jobq queues",
		SilenceUsage:       true,
		PersistentPreRunE:  c.connect,
		PersistentPostRunE: c.close,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.redisAddr, "redis", "", "Redis address, overrides the configuration")

	root.AddCommand(
		c.enqueueCmd(),
		c.getCmd(),
		c.countsCmd(),
		c.listCmd(),
		c.removeCmd(),
	)
	return root
}

func (c *cli) enqueueCmd() *cobra.Command {
	var (
		jobID       string
		priority    int
		delay       time.Duration
		attempts    int
		backoff     string
		backoffWait time.Duration
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <type> [payload]",
		Short: "Add a job to a queue",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[2])
			}

			var opts []jobs.Option
			flags := cmd.Flags()
			if flags.Changed("id") {
				opts = append(opts, jobs.WithJobID(jobID))
			}
			if flags.Changed("priority") {
				opts = append(opts, jobs.WithPriority(priority))
			}
			if flags.Changed("delay") {
				opts = append(opts, jobs.WithDelay(delay))
			}
			if flags.Changed("attempts") {
				opts = append(opts, jobs.WithMaxAttempts(attempts))
			}
			if flags.Changed("backoff") || flags.Changed("backoff-delay") {
				kind, err := jobs.ParseBackoffKind(backoff)
				if err != nil {
					return err
				}
				opts = append(opts, jobs.WithBackoff(kind, backoffWait))
			}
			if flags.Changed("timeout") {
				opts = append(opts, jobs.WithTimeout(timeout))
			}

			id, err := c.reg.Enqueue(cmd.Context(), args[0], args[1], payload, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&jobID, "id", "", "job ID; an existing ID is not enqueued twice")
	f.IntVarP(&priority, "priority", "p", 0, "priority, higher runs first")
	f.DurationVar(&delay, "delay", 0, "delay before the job is eligible (e.g. 30s)")
	f.IntVar(&attempts, "attempts", 1, "maximum number of attempts")
	f.StringVar(&backoff, "backoff", "fixed", "backoff kind: fixed or exponential")
	f.DurationVar(&backoffWait, "backoff-delay", 0, "base delay between attempts")
	f.DurationVar(&timeout, "timeout", 0, "maximum run time of one attempt")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <queue> <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := c.reg.GetJob(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func (c *cli) countsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts <queue>",
		Short: "Show the number of jobs per state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := c.reg.GetCounts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counts)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		state string
		limit int64
	)
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List jobs in one state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			views, err := c.reg.ListJobs(cmd.Context(), args[0], jobs.State(state), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", string(jobs.StateWaiting), "waiting, active, delayed, completed or failed")
	cmd.Flags().Int64VarP(&limit, "limit", "n", 50, "maximum number of jobs")
	return cmd
}

func (c *cli) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <queue> <id>",
		Short: "Delete a job that is not running",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.reg.RemoveJob(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[1])
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
