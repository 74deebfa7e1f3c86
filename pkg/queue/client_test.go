package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/jobq/pkg/events"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock shared by a client under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client, *testClock) {
	t.Helper()
	s := miniredis.RunT(t)
	client := NewClient(s.Addr())
	t.Cleanup(func() { client.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	client.now = clock.Now
	return s, client, clock
}

func newTestQueue(t *testing.T, client *Client, name string, mutate ...func(*Config)) *Queue {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	q, err := New(client, name, cfg, nil)
	require.NoError(t, err)
	return q
}

func TestEnqueue(t *testing.T) {
	s, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "welcome-email", map[string]string{"email": "a@b.com"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Verify job is indexed using a direct redis connection to miniredis
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	n, _ := rdb.ZCard(ctx, "jobq:email:ready").Result()
	assert.Equal(t, int64(1), n)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateWaiting, job.State)
	assert.Equal(t, "email", job.Queue)
	assert.Equal(t, "welcome-email", job.Type)
	assert.JSONEq(t, `{"email":"a@b.com"}`, string(job.Payload))
	assert.Equal(t, 1, job.MaxAttempts)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.Equal(t, int64(1), job.Seq)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Counts{Waiting: 1}, counts)
}

func TestEnqueueValidation(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", nil)
	assert.ErrorIs(t, err, jobs.ErrEmptyJobType)

	_, err = q.Enqueue(ctx, "welcome-email", []byte("{not json"))
	assert.ErrorIs(t, err, jobs.ErrInvalidOption)

	_, err = q.Enqueue(ctx, "welcome-email", nil, jobs.WithMaxAttempts(0))
	assert.ErrorIs(t, err, jobs.ErrInvalidOption)

	_, err = New(client, "bad:name", DefaultConfig(), nil)
	assert.ErrorIs(t, err, jobs.ErrInvalidOption)

	_, err = New(client, "", DefaultConfig(), nil)
	assert.ErrorIs(t, err, jobs.ErrEmptyQueueName)
}

func TestEnqueueWithJobIDIsIdempotent(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "documents")
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "generate-report", map[string]int{"month": 1}, jobs.WithJobID("report-2026-01"))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "generate-report", map[string]int{"month": 2}, jobs.WithJobID("report-2026-01"))
	require.NoError(t, err)

	assert.Equal(t, "report-2026-01", id1)
	assert.Equal(t, id1, id2)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	job, err := q.GetJob(ctx, id1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"month":1}`, string(job.Payload))
}

func TestDelayedJobCountsAsDelayedUntilDue(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	ctx := context.Background()

	created := clock.Now()
	id, err := q.Enqueue(ctx, "welcome-email", nil, jobs.WithDelay(500*time.Millisecond))
	require.NoError(t, err)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)
	assert.Equal(t, int64(0), counts.Waiting)

	job, next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, created.Add(500*time.Millisecond).UnixMilli(), next.UnixMilli())

	clock.Advance(499 * time.Millisecond)
	job, _, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "job must not be dispatched before its delay elapses")

	clock.Advance(time.Millisecond)
	job, _, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, jobs.StateActive, job.State)
	assert.False(t, job.StartedAt.Before(job.NotBefore))
}

func TestClaimPriorityOrder(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "default")
	ctx := context.Background()

	low, _ := q.Enqueue(ctx, "test", nil, jobs.WithPriority(-5))
	high, _ := q.Enqueue(ctx, "test", nil, jobs.WithPriority(5))
	normal, _ := q.Enqueue(ctx, "test", nil)

	for _, want := range []string{high, normal, low} {
		job, _, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}

	job, next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.True(t, next.IsZero())
}

func TestClaimIsFIFOWithinPriority(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "default")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 12; i++ {
		id, err := q.Enqueue(ctx, "test", map[string]int{"i": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	waiting, err := q.List(ctx, jobs.StateWaiting, 100)
	require.NoError(t, err)
	require.Len(t, waiting, 12)
	for i, j := range waiting {
		assert.Equal(t, ids[i], j.ID)
	}

	for _, want := range ids {
		job, _, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "welcome-email", nil, jobs.WithMaxAttempts(3))
	require.NoError(t, err)

	job, _, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.AttemptsMade)

	require.NoError(t, q.Complete(ctx, job, []byte(`{"sent":true}`)))

	stored, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, stored.State)
	assert.Equal(t, 100, stored.Progress)
	assert.JSONEq(t, `{"sent":true}`, string(stored.Result))
	assert.False(t, stored.CompletedAt.IsZero())

	assert.ErrorIs(t, q.Complete(ctx, job, nil), jobs.ErrLeaseLost)
	_, err = q.Fail(ctx, job, errors.New("late"))
	assert.ErrorIs(t, err, jobs.ErrLeaseLost)

	again, _, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Counts{Completed: 1}, counts)
}

func TestFailRetriesWithBackoffThenFails(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "welcome-email", nil,
		jobs.WithMaxAttempts(2),
		jobs.WithBackoff(jobs.BackoffFixed, 100*time.Millisecond),
	)
	require.NoError(t, err)

	job, _, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	d, err := q.Fail(ctx, job, errors.New("smtp down"))
	require.NoError(t, err)
	assert.True(t, d.Retry())

	stored, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateDelayed, stored.State)
	assert.Equal(t, "smtp down", stored.LastError)
	assert.Equal(t, clock.Now().Add(100*time.Millisecond).UnixMilli(), stored.NotBefore.UnixMilli())

	next, _, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	clock.Advance(100 * time.Millisecond)
	job, _, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsMade)

	d, err = q.Fail(ctx, job, errors.New("smtp still down"))
	require.NoError(t, err)
	assert.False(t, d.Retry())

	stored, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, stored.State)
	assert.Equal(t, 2, stored.AttemptsMade)
	assert.Equal(t, "smtp still down", stored.LastError)
	assert.False(t, stored.FailedAt.IsZero())

	clock.Advance(time.Hour)
	again, _, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Counts{Failed: 1}, counts)
}

func TestPoisonPayloadFailsWithoutRetry(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "welcome-email", nil, jobs.WithMaxAttempts(5))
	require.NoError(t, err)
	job, _, err := q.Claim(ctx)
	require.NoError(t, err)

	d, err := q.Fail(ctx, job, jobs.Poison(errors.New("missing email")))
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, d.State)

	stored, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, stored.State)
	assert.Contains(t, stored.LastError, "missing email")
}

func TestRemove(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	ctx := context.Background()

	waiting, _ := q.Enqueue(ctx, "welcome-email", nil)
	delayed, _ := q.Enqueue(ctx, "welcome-email", nil, jobs.WithDelay(time.Minute))
	active, _ := q.Enqueue(ctx, "welcome-email", nil)

	require.NoError(t, q.Remove(ctx, waiting))
	_, err := q.GetJob(ctx, waiting)
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	require.NoError(t, q.Remove(ctx, delayed))

	job, _, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, active, job.ID)

	assert.ErrorIs(t, q.Remove(ctx, active), jobs.ErrInvalidState)

	require.NoError(t, q.Complete(ctx, job, nil))
	require.NoError(t, q.Remove(ctx, active))

	assert.ErrorIs(t, q.Remove(ctx, "missing"), jobs.ErrNotFound)
	assert.ErrorIs(t, q.Remove(ctx, ""), jobs.ErrEmptyJobID)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestProgressIsMonotonicWithinAttempt(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	q := newTestQueue(t, client, "documents")
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "generate-report", nil, jobs.WithMaxAttempts(2))
	job, _, err := q.Claim(ctx)
	require.NoError(t, err)

	var reads []int
	for _, p := range []int{30, 20, 60, 150} {
		require.NoError(t, q.ReportProgress(ctx, job, p))
		stored, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		reads = append(reads, stored.Progress)
	}
	assert.Equal(t, []int{30, 30, 60, 100}, reads)

	_, err = q.Fail(ctx, job, errors.New("renderer crashed"))
	require.NoError(t, err)
	assert.ErrorIs(t, q.ReportProgress(ctx, job, 90), jobs.ErrLeaseLost)

	clock.Advance(time.Second)
	retry, _, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 0, retry.Progress, "a fresh attempt starts from zero")
}

func TestRecoverStalled(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	q := newTestQueue(t, client, "images", func(c *Config) {
		c.Lease = time.Second
	})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "resize-image", nil, jobs.WithMaxAttempts(2))
	job, _, err := q.Claim(ctx)
	require.NoError(t, err)

	n, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, q.ExtendLease(ctx, job))
	clock.Advance(700 * time.Millisecond)
	n, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "extended lease still valid")

	clock.Advance(time.Second)
	n, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateDelayed, stored.State)
	assert.Equal(t, jobs.ErrStalled.Error(), stored.LastError)

	// The worker that lost its lease can no longer finish the job.
	assert.ErrorIs(t, q.Complete(ctx, job, nil), jobs.ErrLeaseLost)
	assert.ErrorIs(t, q.ExtendLease(ctx, job), jobs.ErrLeaseLost)

	retry, _, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 2, retry.AttemptsMade)

	clock.Advance(2 * time.Second)
	n, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, stored.State)
}

func TestCompletedRetention(t *testing.T) {
	s, client, clock := setupTestRedis(t)
	q := newTestQueue(t, client, "email", func(c *Config) {
		c.CompletedTTL = time.Hour
	})
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, "welcome-email", nil)
	job, _, _ := q.Claim(ctx)
	require.NoError(t, q.Complete(ctx, job, nil))

	// Verify TTL (miniredis supports TTL)
	assert.Equal(t, time.Hour, s.TTL("jobq:email:job:"+first))

	clock.Advance(2 * time.Hour)
	_, _ = q.Enqueue(ctx, "welcome-email", nil)
	job, _, _ = q.Claim(ctx)
	require.NoError(t, q.Complete(ctx, job, nil))

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed, "older completed entries are pruned from the index")
}

func TestListByState(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "welcome-email", map[string]int{"i": i}, jobs.WithDelay(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
	}

	delayed, err := q.List(ctx, jobs.StateDelayed, 2)
	require.NoError(t, err)
	require.Len(t, delayed, 2)
	assert.True(t, delayed[0].NotBefore.Before(delayed[1].NotBefore))

	failed, err := q.List(ctx, jobs.StateFailed, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = q.List(ctx, jobs.State("paused"), 10)
	assert.ErrorIs(t, err, jobs.ErrInvalidOption)
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "stress")
	ctx := context.Background()

	const total = 200
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "noop", map[string]int{"i": i})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, _, err := q.Claim(ctx)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	for id, n := range claimed {
		assert.Equal(t, 1, n, fmt.Sprintf("job %s claimed %d times", id, n))
	}
}

func TestStoreUnavailable(t *testing.T) {
	s, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "email")
	s.Close()

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "welcome-email", nil)
	assert.ErrorIs(t, err, jobs.ErrStoreUnavailable)

	_, err = q.GetCounts(ctx)
	assert.ErrorIs(t, err, jobs.ErrStoreUnavailable)

	_, err = q.GetJob(ctx, "anything")
	assert.ErrorIs(t, err, jobs.ErrStoreUnavailable)
}

func TestEventsArePublished(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	bus := events.NewBus()
	q, err := New(client, "email", DefaultConfig(), bus)
	require.NoError(t, err)
	ch, cancel := bus.Subscribe(16)
	defer cancel()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "welcome-email", nil)
	job, _, _ := q.Claim(ctx)
	require.NoError(t, q.ReportProgress(ctx, job, 50))
	require.NoError(t, q.Complete(ctx, job, nil))

	var kinds []events.Kind
	for i := 0; i < 4; i++ {
		e := <-ch
		assert.Equal(t, id, e.JobID)
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []events.Kind{events.Enqueued, events.Active, events.Progress, events.Completed}, kinds)
}

func TestRateLimit(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	ctx := context.Background()

	key := "test"
	rate := 1.0 // 1 token per second
	burst := 1  // Capacity 1

	// First call should succeed
	allowed, err := client.Allow(ctx, key, rate, burst)
	require.NoError(t, err)
	assert.True(t, allowed, "Expected first call to be allowed")

	// Second call immediately after should fail (burst consumed)
	allowed, err = client.Allow(ctx, key, rate, burst)
	require.NoError(t, err)
	assert.False(t, allowed, "Expected second call to be denied")

	// Wait for refill (1.1s)
	clock.Advance(1100 * time.Millisecond)

	// Third call should succeed
	allowed, err = client.Allow(ctx, key, rate, burst)
	require.NoError(t, err)
	assert.True(t, allowed, "Expected third call to be allowed after refill")
}

func TestQueueAllowWithoutLimiter(t *testing.T) {
	_, client, _ := setupTestRedis(t)
	q := newTestQueue(t, client, "email")

	for i := 0; i < 5; i++ {
		ok, err := q.Allow(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	}

	limited := newTestQueue(t, client, "limited", func(c *Config) {
		c.Limiter = &Limiter{Max: 2, Duration: time.Second}
	})
	var allowed int
	for i := 0; i < 5; i++ {
		ok, err := limited.Allow(context.Background())
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestRankOrdering(t *testing.T) {
	assert.Less(t, rank(10, 9, "a"), rank(0, 1, "b"))
	assert.Less(t, rank(0, 1, "z"), rank(0, 2, "a"))
	assert.Less(t, rank(-1, 1, "a"), rank(-2, 1, "a"))
	assert.Equal(t, "abc", idFromRank(rank(3, 4, "abc")))
}

func TestPostponeDoesNotSpendAttempt(t *testing.T) {
	_, client, clock := setupTestRedis(t)
	q := newTestQueue(t, client, "email", func(c *Config) {
		c.Limiter = &Limiter{Max: 2, Duration: time.Second}
	})
	ctx := context.Background()

	assert.Equal(t, 500*time.Millisecond, q.RetryAfter())

	id, err := q.Enqueue(ctx, "welcome-email", nil, jobs.WithMaxAttempts(1))
	require.NoError(t, err)

	job, _, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.AttemptsMade)

	require.NoError(t, q.Postpone(ctx, job, q.RetryAfter()))
	assert.Equal(t, 0, job.AttemptsMade)

	stored, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateDelayed, stored.State)
	assert.Equal(t, 0, stored.AttemptsMade)

	next, due, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, clock.Now().Add(500*time.Millisecond).UnixMilli(), due.UnixMilli())

	clock.Advance(500 * time.Millisecond)
	job, _, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.AttemptsMade)

	// The postponed attempt is gone; the lease token moved on.
	assert.ErrorIs(t, q.Postpone(ctx, &jobs.Job{ID: id, Queue: "email", AttemptsMade: 5}, 0), jobs.ErrLeaseLost)
}
