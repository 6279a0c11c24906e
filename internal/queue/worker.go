package queue

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samims/hakhel/internal/config"
	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/metrics"
)

type Handler func(ctx context.Context, job Job) error

// Worker polls the queue and runs due jobs with bounded concurrency.
type Worker struct {
	queue    *RedisQueue
	handlers map[Kind]Handler
	cfg      config.QueueConfig
	l        *slog.Logger
	now      func() time.Time
}

func NewWorker(queue *RedisQueue, cfg config.QueueConfig, logger *slog.Logger) *Worker {
	return &Worker{
		queue:    queue,
		handlers: make(map[Kind]Handler),
		cfg:      cfg,
		l:        logger.With("layer", "queue", "component", "worker"),
		now:      time.Now,
	}
}

// Handle registers the handler for a job kind. Call before Start.
func (w *Worker) Handle(kind Kind, h Handler) {
	w.handlers[kind] = h
}

// Start polls until ctx is cancelled. It returns early with the error when a
// job reports a missing tenant context, which must stop the process.
func (w *Worker) Start(ctx context.Context) error {
	w.l.InfoContext(ctx, "Starting queue worker", slog.Int("max_workers", w.cfg.WorkerLimit))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.l.InfoContext(ctx, "Queue worker shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				if appErr.IsTenantMissing(err) {
					w.l.ErrorContext(ctx, "FATAL: job without tenant context, stopping worker", slog.Any("error", err))
					return err
				}
				w.l.ErrorContext(ctx, "Error processing job batch", slog.Any("error", err))
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	jobs, err := w.queue.Claim(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if depth, err := w.queue.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	if len(jobs) == 0 {
		return nil
	}

	w.l.DebugContext(ctx, "Processing batch of due jobs", slog.Int("count", len(jobs)))

	eg, egCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, w.cfg.WorkerLimit)
	for _, job := range jobs {
		sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-sem }()
			return w.run(egCtx, job)
		})
	}
	return eg.Wait()
}

// run executes one job. Only a tenant error is returned; everything else is
// settled here by dropping or re-enqueueing the job.
func (w *Worker) run(ctx context.Context, job Job) error {
	log := w.l.With(
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int64("community_id", job.CommunityID),
		slog.Int("attempts", job.Attempts),
	)

	h, ok := w.handlers[job.Kind]
	if !ok {
		log.ErrorContext(ctx, "No handler for job kind, dropping")
		metrics.QueueJobs.WithLabelValues(string(job.Kind), "unknown").Inc()
		return nil
	}

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	err := h(jobCtx, job)
	switch {
	case err == nil:
		metrics.QueueJobs.WithLabelValues(string(job.Kind), "ok").Inc()
		return nil

	case appErr.IsTenantMissing(err):
		metrics.QueueJobs.WithLabelValues(string(job.Kind), "fatal").Inc()
		return err

	case appErr.IsStale(err):
		log.WarnContext(ctx, "Discarding job with stale reference", slog.Any("error", err))
		metrics.QueueJobs.WithLabelValues(string(job.Kind), "stale").Inc()
		return nil

	case appErr.IsPermanent(err):
		log.ErrorContext(ctx, "Job failed without retry", slog.Any("error", err))
		metrics.QueueJobs.WithLabelValues(string(job.Kind), "dropped").Inc()
		return nil
	}

	job.Attempts++
	if job.Attempts >= w.cfg.MaxAttempts {
		log.ErrorContext(ctx, "Job failed permanently", slog.Any("error", err))
		metrics.QueueJobs.WithLabelValues(string(job.Kind), "exhausted").Inc()
		return nil
	}

	delay := w.cfg.RetryBackoff << (job.Attempts - 1)
	log.WarnContext(ctx, "Job failed, retrying", slog.Any("error", err), slog.Duration("delay", delay))
	metrics.QueueJobs.WithLabelValues(string(job.Kind), "retry").Inc()

	// the batch context may already be cancelled; the retry must still land
	if err := w.queue.Enqueue(context.WithoutCancel(ctx), job, w.now().Add(delay)); err != nil {
		log.ErrorContext(ctx, "Failed to re-enqueue job", slog.Any("error", err))
	}
	return nil
}
