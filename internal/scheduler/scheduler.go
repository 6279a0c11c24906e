package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/samims/hakhel/internal/config"
	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/metrics"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/oplog"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/service"
	"github.com/samims/hakhel/internal/storage"
)

// Sweeper runs one community's daily sweep.
type Sweeper interface {
	Sweep(ctx context.Context, communityID int64) (service.RebuildSummary, error)
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one daily cron entry per community, firing at the
// community's effective sweep time in its own zone.
type Scheduler struct {
	cron      *cron.Cron
	store     storage.Storage
	resolver  service.PreferenceResolver
	sweeper   Sweeper
	locker    queue.Locker
	recorder  oplog.Recorder
	cfg       config.SchedulerConfig
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[int64]entry
	baseCtx context.Context
}

var _ service.Rescheduler = (*Scheduler)(nil)

func New(
	store storage.Storage,
	resolver service.PreferenceResolver,
	sweeper Sweeper,
	locker queue.Locker,
	recorder oplog.Recorder,
	cfg config.SchedulerConfig,
	batchSize int,
	logger *slog.Logger,
) *Scheduler {
	logger = logger.With("layer", "scheduler")
	cl := cronLogger{l: logger}
	if batchSize < 1 {
		batchSize = 200
	}
	return &Scheduler{
		cron:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		store:     store,
		resolver:  resolver,
		sweeper:   sweeper,
		locker:    locker,
		recorder:  recorder,
		cfg:       cfg,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[int64]entry),
		baseCtx:   context.Background(),
	}
}

// JobName is the stable name of a community's daily entry.
func JobName(communityID int64) string {
	return fmt.Sprintf("daily_for_community_%d", communityID)
}

// CronSpec renders the sweep time as a zoned daily cron expression. The
// wall-clock value is used as stored, never converted.
func CronSpec(cfg model.EffectiveConfig) string {
	sweep := model.WallClock{}
	if cfg.DailySweepTime != nil {
		sweep = *cfg.DailySweepTime
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", cfg.TimeZone, sweep.Minute, sweep.Hour)
}

// Start ensures every community's entry, then runs the cron loop with a
// periodic resync until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.EnsureAll(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Initial schedule sync incomplete", slog.Any("error", err))
	}

	if s.cfg.SyncInterval > 0 {
		_, err := s.cron.AddFunc("@every "+s.cfg.SyncInterval.String(), func() {
			if err := s.EnsureAll(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Schedule resync incomplete", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("add resync entry: %w", err)
		}
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", slog.Int("communities", s.Len()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

// EnsureAll pages through every community, ensures its entry, and drops
// entries of communities that no longer exist.
func (s *Scheduler) EnsureAll(ctx context.Context) error {
	seen := make(map[int64]bool)
	var errs []error
	var afterID int64

	for {
		page, err := s.store.ListCommunities(ctx, afterID, s.batchSize)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("list communities after %d: %w", afterID, err))...)
		}
		for _, c := range page {
			seen[c.ID] = true
			cfg, err := s.resolver.Resolve(ctx, model.CommunityOwner(c.ID))
			if err != nil {
				errs = append(errs, fmt.Errorf("resolve community %d: %w", c.ID, err))
				continue
			}
			if err := s.ensure(ctx, c.ID, cfg); err != nil {
				errs = append(errs, err)
			}
		}
		if len(page) < s.batchSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	for _, id := range s.communityIDs() {
		if !seen[id] {
			s.Remove(ctx, id)
		}
	}
	return errors.Join(errs...)
}

// Reschedule re-reads the community's effective sweep settings and moves
// its entry when they changed.
func (s *Scheduler) Reschedule(ctx context.Context, communityID int64) error {
	if communityID == 0 {
		return appErr.NewTenantMissing("reschedule without community")
	}
	if _, err := s.store.FindCommunity(ctx, communityID); err != nil {
		if appErr.IsNotFound(err) {
			s.Remove(ctx, communityID)
			return nil
		}
		return fmt.Errorf("load community %d: %w", communityID, err)
	}
	cfg, err := s.resolver.Resolve(ctx, model.CommunityOwner(communityID))
	if err != nil {
		return fmt.Errorf("resolve community %d: %w", communityID, err)
	}
	return s.ensure(ctx, communityID, cfg)
}

// Remove drops the community's entry if one exists.
func (s *Scheduler) Remove(ctx context.Context, communityID int64) {
	s.mu.Lock()
	cur, ok := s.entries[communityID]
	if ok {
		s.cron.Remove(cur.id)
		delete(s.entries, communityID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.InfoContext(ctx, "Daily job removed", slog.String("job", JobName(communityID)))
	s.recorder.Record(ctx, model.OperationalEvent{
		EventType:   model.EventDailyJobRemoved,
		CommunityID: &communityID,
		EntityType:  string(model.OwnerCommunity),
		EntityID:    &communityID,
		Details:     map[string]any{"job": JobName(communityID), "cron": cur.spec},
	})
}

// Len is the number of community entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) ensure(ctx context.Context, communityID int64, cfg model.EffectiveConfig) error {
	spec := CronSpec(cfg)

	s.mu.Lock()
	cur, exists := s.entries[communityID]
	if exists && cur.spec == spec {
		s.mu.Unlock()
		return nil
	}
	if exists {
		s.cron.Remove(cur.id)
		delete(s.entries, communityID)
	}
	id, err := s.cron.AddFunc(spec, func() { s.runSweep(communityID) })
	if err == nil {
		s.entries[communityID] = entry{id: id, spec: spec}
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", JobName(communityID), spec, err)
	}

	s.logger.InfoContext(ctx, "Daily job ensured",
		slog.String("job", JobName(communityID)),
		slog.String("cron", spec))
	details := map[string]any{"job": JobName(communityID), "cron": spec}
	if exists {
		details["previous_cron"] = cur.spec
	}
	s.recorder.Record(ctx, model.OperationalEvent{
		EventType:   model.EventDailyJobEnsured,
		CommunityID: &communityID,
		EntityType:  string(model.OwnerCommunity),
		EntityID:    &communityID,
		Details:     details,
	})
	return nil
}

func (s *Scheduler) communityIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) runSweep(communityID int64) {
	ctx := s.base()
	if s.cfg.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SweepTimeout)
		defer cancel()
	}
	result := s.sweepCommunity(ctx, communityID)
	metrics.SweepRuns.WithLabelValues(result).Inc()
}

// sweepCommunity runs the sweep once per community day across all workers.
func (s *Scheduler) sweepCommunity(ctx context.Context, communityID int64) string {
	log := s.logger.With(slog.Int64("community_id", communityID), slog.String("job", JobName(communityID)))

	cfg, err := s.resolver.Resolve(ctx, model.CommunityOwner(communityID))
	if err != nil {
		log.ErrorContext(ctx, "Failed to resolve sweep settings", slog.Any("error", err))
		return "error"
	}
	today := model.CivilDate(s.now().In(cfg.Location()))
	key := fmt.Sprintf("sweep:%d:%s", communityID, today.Format(time.DateOnly))

	unlock, ok, err := s.locker.TryLock(ctx, key, s.cfg.SweepLockTTL)
	if err != nil {
		log.ErrorContext(ctx, "Failed to take sweep lock", slog.Any("error", err))
		return "error"
	}
	if !ok {
		log.DebugContext(ctx, "Sweep already taken for today")
		return "skipped"
	}

	sum, err := s.sweeper.Sweep(ctx, communityID)
	if err != nil {
		// let the next trigger retry today's sweep
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			log.WarnContext(ctx, "Failed to release sweep lock", slog.Any("error", uerr))
		}
		if appErr.IsStale(err) {
			log.WarnContext(ctx, "Community vanished, dropping its daily job")
			s.Remove(ctx, communityID)
			return "stale"
		}
		log.ErrorContext(ctx, "Daily sweep failed", slog.Any("error", err))
		return "failed"
	}

	log.InfoContext(ctx, "Daily sweep ran", slog.Any("summary", sum))
	return "ok"
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
