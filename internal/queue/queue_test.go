package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/hakhel/internal/config"
	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Key:          "test:jobs",
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		WorkerLimit:  2,
		MaxAttempts:  3,
		RetryBackoff: time.Minute,
		JobTimeout:   time.Second,
	}
}

func TestRedisQueue_ClaimOnlyDueJobs(t *testing.T) {
	_, client := newTestClient(t)
	q := NewRedisQueue(client, "test:jobs", discardLogger())
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(ctx, DispatchJob(1, 10), now.Add(-time.Minute)))
	require.NoError(t, q.Enqueue(ctx, RebuildSubjectJob(1, 20), now))
	require.NoError(t, q.Enqueue(ctx, RebuildCommunityJob(1), now.Add(time.Hour)))

	jobs, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, KindDispatch, jobs[0].Kind)
	assert.Equal(t, int64(10), jobs[0].IntentID)
	assert.NotEmpty(t, jobs[0].ID)
	assert.Equal(t, KindRebuildSubject, jobs[1].Kind)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	again, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRedisQueue_ClaimSkipsMalformedMembers(t *testing.T) {
	_, client := newTestClient(t)
	q := NewRedisQueue(client, "test:jobs", discardLogger())
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	malformed := metrics.QueueJobs.WithLabelValues("unknown", "malformed")
	before := testutil.ToFloat64(malformed)

	require.NoError(t, client.ZAdd(ctx, "test:jobs", redis.Z{
		Score:  float64(now.Add(-time.Minute).UnixMilli()),
		Member: "{not json",
	}).Err())
	require.NoError(t, q.Enqueue(ctx, DispatchJob(1, 10), now))

	jobs, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(10), jobs[0].IntentID)
	assert.Equal(t, before+1, testutil.ToFloat64(malformed))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "malformed member is not left behind")
}

func TestRedisQueue_ClaimRespectsLimit(t *testing.T) {
	_, client := newTestClient(t)
	q := NewRedisQueue(client, "test:jobs", discardLogger())
	ctx := context.Background()
	now := time.Now()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, DispatchJob(1, i), now.Add(-time.Second)))
	}

	jobs, err := q.Claim(ctx, now, 3)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestRedisLocker(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "dispatch:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "dispatch:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("hakhel:lock:dispatch:abc"))

	_, ok, err = locker.TryLock(ctx, "dispatch:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_UnlockAfterExpiryKeepsNewHolder(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, unlock(ctx))
	assert.True(t, mr.Exists("hakhel:lock:k"), "stale unlock must not release the new holder")
}

func newTestWorker(t *testing.T, now time.Time) (*Worker, *RedisQueue) {
	t.Helper()
	_, client := newTestClient(t)
	cfg := testQueueConfig()
	q := NewRedisQueue(client, cfg.Key, discardLogger())
	w := NewWorker(q, cfg, discardLogger())
	w.now = func() time.Time { return now }
	return w, q
}

func TestWorker_ProcessBatch(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("success consumes the job", func(t *testing.T) {
		w, q := newTestWorker(t, now)
		var calls atomic.Int32
		w.Handle(KindDispatch, func(_ context.Context, job Job) error {
			calls.Add(1)
			assert.Equal(t, int64(7), job.IntentID)
			return nil
		})
		require.NoError(t, q.Enqueue(ctx, DispatchJob(1, 7), now))

		require.NoError(t, w.processBatch(ctx))
		assert.Equal(t, int32(1), calls.Load())
		depth, _ := q.Depth(ctx)
		assert.Zero(t, depth)
	})

	t.Run("transient failure is retried with backoff", func(t *testing.T) {
		w, q := newTestWorker(t, now)
		w.Handle(KindDispatch, func(context.Context, Job) error { return errors.New("db timeout") })
		require.NoError(t, q.Enqueue(ctx, DispatchJob(1, 7), now))

		require.NoError(t, w.processBatch(ctx))

		jobs, err := q.Claim(ctx, now.Add(59*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, jobs, "retry must wait for the backoff")

		jobs, err = q.Claim(ctx, now.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, 1, jobs[0].Attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		w, q := newTestWorker(t, now)
		w.Handle(KindDispatch, func(context.Context, Job) error { return errors.New("boom") })
		job := DispatchJob(1, 7)
		job.Attempts = 2
		require.NoError(t, q.Enqueue(ctx, job, now))

		require.NoError(t, w.processBatch(ctx))
		depth, _ := q.Depth(ctx)
		assert.Zero(t, depth)
	})

	t.Run("stale reference is discarded", func(t *testing.T) {
		w, q := newTestWorker(t, now)
		w.Handle(KindRebuildSubject, func(context.Context, Job) error {
			return appErr.NewStaleReference("subject %d", 3)
		})
		require.NoError(t, q.Enqueue(ctx, RebuildSubjectJob(1, 3), now))

		require.NoError(t, w.processBatch(ctx))
		depth, _ := q.Depth(ctx)
		assert.Zero(t, depth)
	})

	t.Run("permanent failure is dropped without retry", func(t *testing.T) {
		w, q := newTestWorker(t, now)
		var calls atomic.Int32
		w.Handle(KindDispatch, func(context.Context, Job) error {
			calls.Add(1)
			return appErr.NewPermanent("complete intent %d after send", 7)
		})
		require.NoError(t, q.Enqueue(ctx, DispatchJob(1, 7), now))

		require.NoError(t, w.processBatch(ctx))
		depth, _ := q.Depth(ctx)
		assert.Zero(t, depth)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("missing tenant is fatal", func(t *testing.T) {
		w, q := newTestWorker(t, now)
		w.Handle(KindDispatch, func(context.Context, Job) error {
			return appErr.NewTenantMissing("dispatch job without community")
		})
		require.NoError(t, q.Enqueue(ctx, DispatchJob(0, 7), now))

		err := w.processBatch(ctx)
		assert.True(t, appErr.IsTenantMissing(err))
		depth, _ := q.Depth(ctx)
		assert.Zero(t, depth, "fatal jobs are not retried")
	})

	t.Run("unknown kind is dropped", func(t *testing.T) {
		w, q := newTestWorker(t, now)
		require.NoError(t, q.Enqueue(ctx, Job{Kind: "mystery", CommunityID: 1}, now))

		require.NoError(t, w.processBatch(ctx))
		depth, _ := q.Depth(ctx)
		assert.Zero(t, depth)
	})
}

func TestWorker_StartStopsOnTenantError(t *testing.T) {
	w, q := newTestWorker(t, time.Now())
	w.now = time.Now
	w.Handle(KindDispatch, func(context.Context, Job) error {
		return appErr.NewTenantMissing("no community")
	})
	require.NoError(t, q.Enqueue(context.Background(), DispatchJob(0, 1), time.Now().Add(-time.Second)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := w.Start(ctx)
	assert.True(t, appErr.IsTenantMissing(err))
}
