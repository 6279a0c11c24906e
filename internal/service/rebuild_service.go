package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/oplog"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/storage"
	"github.com/samims/hakhel/pkg/tracing"
)

// RebuildSummary counts what a community-wide pass did.
type RebuildSummary struct {
	Subjects  int64 `json:"subjects"`
	Created   int64 `json:"created"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
	Failed    int64 `json:"failed"`
	Scheduled int64 `json:"dispatches_scheduled"`
}

// RebuildService refreshes intents for whole communities and runs the daily
// sweep that schedules due dispatches.
type RebuildService interface {
	RebuildSubject(ctx context.Context, communityID, subjectID int64) error
	RebuildCommunity(ctx context.Context, communityID int64) (RebuildSummary, error)
	// Sweep refreshes every subject of the community, then enqueues dispatch
	// jobs for the intents due today at the send window.
	Sweep(ctx context.Context, communityID int64) (RebuildSummary, error)
}

type rebuildService struct {
	store       storage.Storage
	intents     IntentService
	resolver    PreferenceResolver
	jobs        queue.Enqueuer
	recorder    oplog.Recorder
	workerLimit int
	batchSize   int
	logger      *slog.Logger
	tracer      *tracing.Tracer
	now         func() time.Time
}

func NewRebuildService(
	store storage.Storage,
	intents IntentService,
	resolver PreferenceResolver,
	jobs queue.Enqueuer,
	recorder oplog.Recorder,
	workerLimit, batchSize int,
	logger *slog.Logger,
) RebuildService {
	if workerLimit < 1 {
		workerLimit = 1
	}
	if batchSize < 1 {
		batchSize = 200
	}
	return &rebuildService{
		store:       store,
		intents:     intents,
		resolver:    resolver,
		jobs:        jobs,
		recorder:    recorder,
		workerLimit: workerLimit,
		batchSize:   batchSize,
		logger:      logger.With("layer", "service", "component", "rebuildService"),
		tracer:      tracing.NewTracer(tracing.GetTracer("rebuild-service")),
		now:         time.Now,
	}
}

func (s *rebuildService) RebuildSubject(ctx context.Context, communityID, subjectID int64) error {
	_, _, err := s.intents.Process(ctx, communityID, subjectID)
	return err
}

func (s *rebuildService) RebuildCommunity(ctx context.Context, communityID int64) (RebuildSummary, error) {
	ctx, span := s.tracer.StartSpan(ctx, "RebuildService.RebuildCommunity",
		attribute.Int64(tracing.AttrCommunityID, communityID))
	defer span.End()

	if err := s.requireCommunity(ctx, communityID); err != nil {
		return RebuildSummary{}, err
	}
	sum, err := s.refreshAll(ctx, communityID)
	if err != nil {
		s.tracer.RecordError(span, err)
	}
	return sum, err
}

func (s *rebuildService) Sweep(ctx context.Context, communityID int64) (RebuildSummary, error) {
	ctx, span := s.tracer.StartSpan(ctx, "RebuildService.Sweep",
		attribute.Int64(tracing.AttrCommunityID, communityID))
	defer span.End()

	if err := s.requireCommunity(ctx, communityID); err != nil {
		return RebuildSummary{}, err
	}

	sum, err := s.refreshAll(ctx, communityID)
	if err != nil {
		s.tracer.RecordError(span, err)
		return sum, err
	}

	cfg, err := s.resolver.Resolve(ctx, model.CommunityOwner(communityID))
	if err != nil {
		s.tracer.RecordError(span, err)
		return sum, err
	}
	now := s.now().In(cfg.Location())
	runAt := now
	if cfg.SendWindowStart != nil {
		if opens := cfg.SendWindowStart.On(now); opens.After(now) {
			runAt = opens
		}
	}

	due, err := s.store.ListDueIntents(ctx, communityID, model.CivilDate(now))
	if err != nil {
		s.tracer.RecordError(span, err)
		return sum, fmt.Errorf("list due intents: %w", err)
	}
	for _, in := range due {
		if err := s.jobs.Enqueue(ctx, queue.DispatchJob(communityID, in.ID), runAt); err != nil {
			s.tracer.RecordError(span, err)
			return sum, fmt.Errorf("enqueue dispatch for intent %d: %w", in.ID, err)
		}
		sum.Scheduled++
	}

	s.logger.InfoContext(ctx, "Daily sweep finished",
		slog.Int64("community_id", communityID),
		slog.Any("summary", sum),
		slog.Time("dispatch_at", runAt))
	return sum, nil
}

func (s *rebuildService) requireCommunity(ctx context.Context, communityID int64) error {
	if communityID == 0 {
		return appErr.NewTenantMissing("community-wide pass without community")
	}
	if _, err := s.store.FindCommunity(ctx, communityID); err != nil {
		if appErr.IsNotFound(err) {
			return appErr.NewStaleReference("community %d", communityID)
		}
		return fmt.Errorf("load community %d: %w", communityID, err)
	}
	return nil
}

// refreshAll pages through the community's subjects and processes each page
// with bounded concurrency. A failing subject is recorded and skipped.
func (s *rebuildService) refreshAll(ctx context.Context, communityID int64) (RebuildSummary, error) {
	var subjects, created, updated, unchanged, failed atomic.Int64
	var afterID int64

	for {
		ids, err := s.store.ListSubjectIDs(ctx, communityID, afterID, s.batchSize)
		if err != nil {
			return RebuildSummary{}, fmt.Errorf("list subjects after %d: %w", afterID, err)
		}
		if len(ids) == 0 {
			break
		}

		eg, egCtx := errgroup.WithContext(ctx)
		sem := make(chan struct{}, s.workerLimit)
		for _, id := range ids {
			sem <- struct{}{}
			eg.Go(func() error {
				defer func() { <-sem }()
				subjects.Add(1)

				_, mode, err := s.intents.Process(egCtx, communityID, id)
				if err != nil {
					if appErr.IsTenantMissing(err) {
						return err
					}
					failed.Add(1)
					s.recordFailure(egCtx, communityID, id, err)
					return nil
				}
				switch mode {
				case model.RefreshCreated:
					created.Add(1)
				case model.RefreshUpdated:
					updated.Add(1)
				default:
					unchanged.Add(1)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return RebuildSummary{}, err
		}

		afterID = ids[len(ids)-1]
		if len(ids) < s.batchSize {
			break
		}
	}

	return RebuildSummary{
		Subjects:  subjects.Load(),
		Created:   created.Load(),
		Updated:   updated.Load(),
		Unchanged: unchanged.Load(),
		Failed:    failed.Load(),
	}, nil
}

func (s *rebuildService) recordFailure(ctx context.Context, communityID, subjectID int64, err error) {
	level := slog.LevelError
	if appErr.IsStale(err) {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "Subject refresh failed",
		slog.Int64("community_id", communityID),
		slog.Int64("subject_id", subjectID),
		slog.Any("error", err))

	s.recorder.Record(ctx, model.OperationalEvent{
		EventType:    model.EventRebuildBatchFailure,
		CommunityID:  &communityID,
		EntityType:   string(model.OwnerSubject),
		EntityID:     &subjectID,
		ErrorType:    "subject_refresh_failed",
		ErrorMessage: model.TruncateError(err),
	})
}
