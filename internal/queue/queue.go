package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/metrics"
)

type Kind string

const (
	KindDispatch         Kind = "dispatch"
	KindRebuildSubject   Kind = "rebuild_subject"
	KindRebuildCommunity Kind = "rebuild_community"
)

// Job is one unit of delayed work. Every job names its community explicitly.
type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	CommunityID int64     `json:"community_id"`
	SubjectID   int64     `json:"subject_id,omitempty"`
	IntentID    int64     `json:"intent_id,omitempty"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

func DispatchJob(communityID, intentID int64) Job {
	return Job{Kind: KindDispatch, CommunityID: communityID, IntentID: intentID}
}

func RebuildSubjectJob(communityID, subjectID int64) Job {
	return Job{Kind: KindRebuildSubject, CommunityID: communityID, SubjectID: subjectID}
}

func RebuildCommunityJob(communityID int64) Job {
	return Job{Kind: KindRebuildCommunity, CommunityID: communityID}
}

// Enqueuer schedules a job to run at or after runAt.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job, runAt time.Time) error
}

// RedisQueue is a delayed queue on a sorted set scored by run-at time in
// unix milliseconds.
type RedisQueue struct {
	client *redis.Client
	key    string
	l      *slog.Logger
}

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisQueue(client *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		key:    key,
		l:      logger.With("layer", "queue", "component", "redis_queue"),
	}
}

var _ Enqueuer = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, runAt time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	err = q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}
	return nil
}

// claimScript pops up to ARGV[2] members due at ARGV[1] in one atomic step so
// two workers never claim the same job.
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #items > 0 then
	redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`)

// Claim removes and returns the jobs due at now.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	res, err := claimScript.Run(ctx, q.client, []string{q.key}, strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	jobs := make([]Job, 0, len(res))
	for _, raw := range res {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// already removed by the claim script, so it is gone for good
			q.l.ErrorContext(ctx, "Dropping malformed job",
				slog.String("key", q.key),
				slog.Int("bytes", len(raw)),
				slog.Any("error", err))
			metrics.QueueJobs.WithLabelValues("unknown", "malformed").Inc()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
