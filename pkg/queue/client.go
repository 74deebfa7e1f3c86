// Package queue provides the Redis-backed durable store and the named queue
// handles built on top of it. It supports:
//   - Atomic claim of the highest-priority eligible job with Lua scripts
//   - Delayed jobs held in a sorted set and promoted when due
//   - Retry bookkeeping with fixed or exponential backoff
//   - Leases on active jobs so crashed workers' jobs are recovered
//   - Completed/failed retention with TTLs
//   - Token bucket rate limiting of dispatch
//
// The Client type owns the Redis connection; Queue binds it to one name.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the client writes.
const DefaultPrefix = "jobq"

// promoteBatch bounds how many due delayed jobs one pop call moves to ready.
const promoteBatch = 100

// Client manages the connection to Redis and performs the atomic job state
// transitions. All operations are context-aware.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewClient creates a new client connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
//
// Example:
//
//	client := queue.NewClient("localhost:6379")
func NewClient(addr string) *Client {
	return NewClientFromRedis(redis.NewClient(&redis.Options{
		Addr: addr,
	}))
}

// NewClientFromRedis wraps an existing go-redis client.
func NewClientFromRedis(rdb redis.UniversalClient) *Client {
	return &Client{
		rdb:    rdb,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
}

// Redis exposes the underlying connection for collaborators that share it,
// such as the blob store.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// Ping checks that Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return unavailable(c.rdb.Ping(ctx).Err())
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) keys(queueName string) keyspace {
	return newKeyspace(c.prefix, queueName)
}

// unavailable tags transport-level failures so callers can match
// jobs.ErrStoreUnavailable.
func unavailable(err error) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, jobs.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", jobs.ErrStoreUnavailable, err)
}

// add stores a new job. The job's Seq is assigned here. It returns false
// when a job with the same ID already exists in the queue.
func (c *Client) add(ctx context.Context, j *jobs.Job) (bool, error) {
	k := c.keys(j.Queue)

	seq, err := c.rdb.Incr(ctx, k.seq).Result()
	if err != nil {
		return false, unavailable(err)
	}
	j.Seq = seq
	member := rank(j.Priority, j.Seq, j.ID)

	args := []interface{}{string(j.State), member, j.ID, millisCeil(j.NotBefore)}
	args = append(args, encodeJob(j, member)...)

	created, err := enqueueScript.Run(ctx, c.rdb,
		[]string{k.job(j.ID), k.ready, k.delayed},
		args...,
	).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return created == 1, nil
}

// get loads one job.
func (c *Client) get(ctx context.Context, queueName, id string) (*jobs.Job, error) {
	fields, err := c.rdb.HGetAll(ctx, c.keys(queueName).job(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, jobs.ErrNotFound
	}
	return decodeJob(fields)
}

// counts returns the number of jobs per state. The five reads are pipelined
// but not transactional, so the figures are approximate under load.
func (c *Client) counts(ctx context.Context, queueName string) (jobs.Counts, error) {
	k := c.keys(queueName)

	pipe := c.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, k.ready)
	active := pipe.ZCard(ctx, k.active)
	completed := pipe.ZCard(ctx, k.completed)
	failed := pipe.ZCard(ctx, k.failed)
	delayed := pipe.ZCard(ctx, k.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return jobs.Counts{}, unavailable(err)
	}

	return jobs.Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// pop atomically claims the next eligible job. When nothing is eligible it
// returns a nil job and the earliest pending not-before time (zero if no job
// is delayed).
func (c *Client) pop(ctx context.Context, queueName string, lease time.Duration) (*jobs.Job, time.Time, error) {
	k := c.keys(queueName)
	now := c.now()

	res, err := popScript.Run(ctx, c.rdb,
		[]string{k.ready, k.delayed, k.active},
		k.jobPrefix,
		millis(now),
		millis(now.Add(lease)),
		strconv.Itoa(promoteBatch),
	).Slice()
	if err != nil {
		return nil, time.Time{}, unavailable(err)
	}
	if len(res) < 2 {
		return nil, time.Time{}, fmt.Errorf("queue: unexpected pop reply of length %d", len(res))
	}

	if tag, _ := res[0].(string); tag == "none" {
		next, _ := res[1].(string)
		if next == "" {
			return nil, time.Time{}, nil
		}
		ms, err := strconv.ParseFloat(next, 64)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("queue: bad delayed score %q: %w", next, err)
		}
		return nil, time.UnixMilli(int64(ms)), nil
	}

	j, err := decodeJob(pairsToMap(res[1:]))
	if err != nil {
		return nil, time.Time{}, err
	}
	return j, time.Time{}, nil
}

// complete stores the result of the current attempt. ErrLeaseLost means the
// job was no longer active under this attempt.
func (c *Client) complete(ctx context.Context, j *jobs.Job, result []byte, retention time.Duration) error {
	k := c.keys(j.Queue)
	now := c.now()

	ok, err := completeScript.Run(ctx, c.rdb,
		[]string{k.job(j.ID), k.active, k.completed},
		j.ID,
		strconv.Itoa(j.AttemptsMade),
		millis(now),
		string(result),
		strconv.FormatInt(retention.Milliseconds(), 10),
		millis(now.Add(-retention)),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if ok != 1 {
		return jobs.ErrLeaseLost
	}

	j.State = jobs.StateCompleted
	j.Progress = 100
	j.Result = result
	j.CompletedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

// fail applies a retry decision to the current attempt. With requireExpired
// set the transition only happens if the job's lease has run out, which is
// how stalled jobs are reclaimed without racing a live worker.
func (c *Client) fail(ctx context.Context, j *jobs.Job, d jobs.Decision, cause error, retention time.Duration, requireExpired bool) error {
	k := c.keys(j.Queue)
	now := c.now()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	expired := "0"
	if requireExpired {
		expired = "1"
	}

	ok, err := failScript.Run(ctx, c.rdb,
		[]string{k.job(j.ID), k.active, k.delayed, k.failed},
		j.ID,
		strconv.Itoa(j.AttemptsMade),
		millis(now),
		string(d.State),
		millisCeil(d.NotBefore),
		msg,
		strconv.FormatInt(retention.Milliseconds(), 10),
		millis(now.Add(-retention)),
		expired,
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if ok != 1 {
		return jobs.ErrLeaseLost
	}

	j.State = d.State
	j.LastError = msg
	if d.State == jobs.StateDelayed {
		j.NotBefore = fromMillis(millisCeil(d.NotBefore))
	} else {
		j.FailedAt = time.UnixMilli(now.UnixMilli())
	}
	return nil
}

// postpone returns a claimed job to the delayed set until notBefore without
// counting the attempt.
func (c *Client) postpone(ctx context.Context, j *jobs.Job, notBefore time.Time) error {
	k := c.keys(j.Queue)
	ok, err := postponeScript.Run(ctx, c.rdb,
		[]string{k.job(j.ID), k.active, k.delayed},
		j.ID,
		strconv.Itoa(j.AttemptsMade),
		millisCeil(notBefore),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if ok != 1 {
		return jobs.ErrLeaseLost
	}
	j.AttemptsMade--
	j.State = jobs.StateDelayed
	j.NotBefore = fromMillis(millisCeil(notBefore))
	return nil
}

// progress raises the stored progress of the current attempt.
func (c *Client) progress(ctx context.Context, j *jobs.Job, percent int) error {
	ok, err := progressScript.Run(ctx, c.rdb,
		[]string{c.keys(j.Queue).job(j.ID)},
		strconv.Itoa(j.AttemptsMade),
		strconv.Itoa(percent),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if ok != 1 {
		return jobs.ErrLeaseLost
	}
	return nil
}

// extend moves the lease deadline of the current attempt to now+lease.
func (c *Client) extend(ctx context.Context, j *jobs.Job, lease time.Duration) error {
	k := c.keys(j.Queue)
	ok, err := extendScript.Run(ctx, c.rdb,
		[]string{k.job(j.ID), k.active},
		j.ID,
		strconv.Itoa(j.AttemptsMade),
		millis(c.now().Add(lease)),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if ok != 1 {
		return jobs.ErrLeaseLost
	}
	return nil
}

// remove deletes a job that is not active.
func (c *Client) remove(ctx context.Context, queueName, id string) error {
	k := c.keys(queueName)
	res, err := removeScript.Run(ctx, c.rdb,
		[]string{k.job(id), k.ready, k.delayed, k.completed, k.failed},
		id,
	).Int()
	if err != nil {
		return unavailable(err)
	}
	switch res {
	case 0:
		return jobs.ErrNotFound
	case -1:
		return jobs.ErrInvalidState
	}
	return nil
}

// expiredLeases lists active job IDs whose lease deadline has passed.
func (c *Client) expiredLeases(ctx context.Context, queueName string) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, c.keys(queueName).active, &redis.ZRangeBy{
		Min: "-inf",
		Max: millis(c.now()),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// list returns up to limit jobs in the given state. Waiting jobs come in
// dispatch order, delayed jobs by not-before, active jobs by lease deadline,
// completed and failed jobs newest first.
func (c *Client) list(ctx context.Context, queueName string, state jobs.State, limit int64) ([]*jobs.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	k := c.keys(queueName)

	var ids []string
	var err error
	switch state {
	case jobs.StateWaiting:
		var members []string
		members, err = c.rdb.ZRange(ctx, k.ready, 0, limit-1).Result()
		for _, m := range members {
			ids = append(ids, idFromRank(m))
		}
	case jobs.StateDelayed:
		ids, err = c.rdb.ZRange(ctx, k.delayed, 0, limit-1).Result()
	case jobs.StateActive:
		ids, err = c.rdb.ZRange(ctx, k.active, 0, limit-1).Result()
	case jobs.StateCompleted:
		ids, err = c.rdb.ZRevRange(ctx, k.completed, 0, limit-1).Result()
	case jobs.StateFailed:
		ids, err = c.rdb.ZRevRange(ctx, k.failed, 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("%w: unknown state %q", jobs.ErrInvalidOption, state)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, k.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}

	out := make([]*jobs.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Expired between the index read and the fetch.
			continue
		}
		j, err := decodeJob(fields)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// wakeup nudges dispatchers idling on the queue.
func (c *Client) wakeup(ctx context.Context, queueName string) error {
	return unavailable(c.rdb.Publish(ctx, c.keys(queueName).wakeup, "1").Err())
}

// subscribe opens the wakeup channel of a queue.
func (c *Client) subscribe(ctx context.Context, queueName string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, c.keys(queueName).wakeup)
}

// Allow checks if an operation keyed by key may proceed under a token bucket
// of the given rate (tokens per second) and burst (capacity).
func (c *Client) Allow(ctx context.Context, key string, rate float64, burst int) (bool, error) {
	now := float64(c.now().UnixMilli()) / 1000

	result, err := allowScript.Run(ctx, c.rdb,
		[]string{c.prefix + ":ratelimit:" + key},
		strconv.FormatFloat(rate, 'f', -1, 64),
		burst,
		strconv.FormatFloat(now, 'f', 3, 64),
		1,
	).Int()
	if err != nil {
		return false, unavailable(err)
	}

	return result == 1, nil
}
