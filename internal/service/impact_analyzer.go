package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/metrics"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/oplog"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/storage"
	"github.com/samims/hakhel/pkg/tracing"
)

// Decision reasons recorded with every rebuild decision.
const (
	ReasonNoImpactFields      = "no_impact_fields"
	ReasonSubjectOverride     = "subject_override_changed"
	ReasonEffectiveChanged    = "effective_value_changed"
	ReasonEffectiveUnchanged  = "effective_value_unchanged"
	ReasonInheritsChanged     = "inherits_changed_fields"
	ReasonFullyOverridden     = "fully_overridden"
	ReasonScheduleFieldChange = "schedule_fields_changed"
)

// Rescheduler re-derives a community's daily sweep entry.
type Rescheduler interface {
	Reschedule(ctx context.Context, communityID int64) error
}

// ImpactAnalyzer turns committed preference changes into rebuild and
// reschedule work.
type ImpactAnalyzer interface {
	Analyze(ctx context.Context, change model.PreferenceChange) error
	// Preview counts the live intents a tentative record would invalidate.
	Preview(ctx context.Context, owner model.Owner, tentative *model.Preference) (int64, error)
}

type impactDecision struct {
	target     model.Owner
	rebuild    bool
	reason     string
	fields     []string
	reschedule []string
}

type impactAnalyzer struct {
	store       storage.Storage
	jobs        queue.Enqueuer
	rescheduler Rescheduler
	recorder    oplog.Recorder
	logger      *slog.Logger
	tracer      *tracing.Tracer
	batchSize   int
	now         func() time.Time
}

func NewImpactAnalyzer(
	store storage.Storage,
	jobs queue.Enqueuer,
	rescheduler Rescheduler,
	recorder oplog.Recorder,
	batchSize int,
	logger *slog.Logger,
) ImpactAnalyzer {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &impactAnalyzer{
		store:       store,
		jobs:        jobs,
		rescheduler: rescheduler,
		recorder:    recorder,
		logger:      logger.With("layer", "service", "component", "impactAnalyzer"),
		tracer:      tracing.NewTracer(tracing.GetTracer("impact-analyzer")),
		batchSize:   batchSize,
		now:         time.Now,
	}
}

func (a *impactAnalyzer) Analyze(ctx context.Context, change model.PreferenceChange) error {
	ctx, span := a.tracer.StartSpan(ctx, "ImpactAnalyzer.Analyze",
		attribute.String(tracing.AttrOwner, change.Owner.String()))
	defer span.End()

	changed := change.ChangedFields()
	a.logger.InfoContext(ctx, "Analyzing preference change",
		slog.String("owner", change.Owner.String()),
		slog.Any("changed_fields", changed))

	var failures []error
	err := a.walk(ctx, change.Owner, change.Old, change.New, func(d impactDecision) error {
		if err := a.apply(ctx, change, d); err != nil {
			failures = append(failures, err)
			a.recordBatchFailure(ctx, change.Owner, d, err)
		}
		return nil
	})
	if err != nil {
		a.tracer.RecordError(span, err)
		return err
	}
	if len(failures) > 0 {
		err := errors.Join(failures...)
		a.tracer.RecordError(span, err)
		return fmt.Errorf("%d impact actions failed: %w", len(failures), err)
	}
	return nil
}

func (a *impactAnalyzer) Preview(ctx context.Context, owner model.Owner, tentative *model.Preference) (int64, error) {
	ctx, span := a.tracer.StartSpan(ctx, "ImpactAnalyzer.Preview",
		attribute.String(tracing.AttrOwner, owner.String()))
	defer span.End()

	old, err := a.store.FindPreference(ctx, owner)
	if err != nil {
		if !appErr.IsNotFound(err) {
			a.tracer.RecordError(span, err)
			return 0, err
		}
		old = nil
	}

	var total int64
	err = a.walk(ctx, owner, old, tentative, func(d impactDecision) error {
		if !d.rebuild {
			return nil
		}
		var n int64
		var err error
		if d.target.Kind == model.OwnerSubject {
			n, err = a.store.CountIntents(ctx, d.target.CommunityID, d.target.ID)
		} else {
			n, err = a.store.CountIntents(ctx, d.target.ID, 0)
		}
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		a.tracer.RecordError(span, err)
		return 0, err
	}
	return total, nil
}

// walk produces one decision per affected target without side effects.
func (a *impactAnalyzer) walk(ctx context.Context, owner model.Owner, old, new *model.Preference, visit func(impactDecision) error) error {
	changed := model.ChangedFields(old, new)
	impact := model.Intersect(changed, model.ImpactFields)
	schedule := model.Intersect(changed, model.ScheduleFields)

	switch owner.Kind {
	case model.OwnerSubject:
		d := impactDecision{target: owner, reason: ReasonNoImpactFields}
		if len(impact) > 0 {
			d.rebuild, d.reason, d.fields = true, ReasonSubjectOverride, impact
		}
		return visit(d)

	case model.OwnerCommunity:
		if len(impact) == 0 && len(schedule) == 0 {
			return visit(impactDecision{target: owner, reason: ReasonNoImpactFields})
		}
		system, err := a.systemPreference(ctx)
		if err != nil {
			return err
		}
		return visit(communityDecision(owner, old, new, system, impact, schedule))

	case model.OwnerSystem:
		if len(impact) == 0 && len(schedule) == 0 {
			return visit(impactDecision{target: owner, reason: ReasonNoImpactFields})
		}
		return a.walkCommunities(ctx, impact, schedule, visit)
	}
	return appErr.NewInvalidInput("unknown owner kind %q", owner.Kind)
}

// communityDecision compares effective values, where effective means the
// community's own value if present, else the system value.
func communityDecision(owner model.Owner, old, new, system *model.Preference, impact, schedule []string) impactDecision {
	before := ResolveChain(old, system)
	after := ResolveChain(new, system)

	d := impactDecision{target: owner, reason: ReasonEffectiveUnchanged}
	for _, f := range impact {
		if !effectiveEqual(before, after, f) {
			d.fields = append(d.fields, f)
		}
	}
	if len(impact) == 0 {
		d.reason = ReasonNoImpactFields
	}
	if len(d.fields) > 0 {
		d.rebuild, d.reason = true, ReasonEffectiveChanged
	}
	for _, f := range schedule {
		if !effectiveEqual(before, after, f) {
			d.reschedule = append(d.reschedule, f)
		}
	}
	return d
}

// inheritanceDecision decides for one community after a system change: only
// fields the community does not override reach it.
func inheritanceDecision(communityID int64, pref *model.Preference, impact, schedule []string) impactDecision {
	d := impactDecision{target: model.CommunityOwner(communityID), reason: ReasonFullyOverridden}
	for _, f := range impact {
		if !pref.Has(f) {
			d.fields = append(d.fields, f)
		}
	}
	if len(impact) == 0 {
		d.reason = ReasonNoImpactFields
	}
	if len(d.fields) > 0 {
		d.rebuild, d.reason = true, ReasonInheritsChanged
	}
	for _, f := range schedule {
		if !pref.Has(f) {
			d.reschedule = append(d.reschedule, f)
		}
	}
	return d
}

func (a *impactAnalyzer) walkCommunities(ctx context.Context, impact, schedule []string, visit func(impactDecision) error) error {
	var afterID int64
	for {
		communities, err := a.store.ListCommunities(ctx, afterID, a.batchSize)
		if err != nil {
			return fmt.Errorf("list communities after %d: %w", afterID, err)
		}
		if len(communities) == 0 {
			return nil
		}

		ids := make([]int64, len(communities))
		for i, c := range communities {
			ids[i] = c.ID
		}
		prefs, err := a.store.FindCommunityPreferences(ctx, ids)
		if err != nil {
			return fmt.Errorf("load community preferences: %w", err)
		}

		for _, id := range ids {
			d := inheritanceDecision(id, prefs[id], impact, schedule)
			if len(impact) == 0 && len(d.reschedule) == 0 {
				continue
			}
			if err := visit(d); err != nil {
				return err
			}
		}

		afterID = ids[len(ids)-1]
		if len(communities) < a.batchSize {
			return nil
		}
	}
}

func (a *impactAnalyzer) systemPreference(ctx context.Context) (*model.Preference, error) {
	p, err := a.store.FindPreference(ctx, model.SystemOwner())
	if err != nil {
		if appErr.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load system preference: %w", err)
	}
	return p, nil
}

// apply enqueues the rebuild and reschedules as decided, recording both.
func (a *impactAnalyzer) apply(ctx context.Context, change model.PreferenceChange, d impactDecision) error {
	decision := "skip"
	if d.rebuild {
		decision = "rebuild"
	}
	metrics.RebuildDecisions.WithLabelValues(string(change.Owner.Kind), decision).Inc()

	a.logger.InfoContext(ctx, "Rebuild decision",
		slog.String("changed_owner", change.Owner.String()),
		slog.String("target", d.target.String()),
		slog.String("decision", decision),
		slog.String("reason", d.reason),
		slog.Any("fields", d.fields))

	a.recorder.Record(ctx, model.OperationalEvent{
		EventType:   model.EventRebuildDecision,
		CommunityID: communityOf(d.target),
		EntityType:  string(d.target.Kind),
		EntityID:    entityOf(d.target),
		Details: map[string]any{
			"changed_owner":  change.Owner.String(),
			"changed_fields": change.ChangedFields(),
			"decision":       decision,
			"reason":         d.reason,
			"fields":         d.fields,
			"changed_by":     change.ChangedBy,
		},
	})

	if d.rebuild {
		var job queue.Job
		switch d.target.Kind {
		case model.OwnerSubject:
			job = queue.RebuildSubjectJob(d.target.CommunityID, d.target.ID)
		default:
			job = queue.RebuildCommunityJob(d.target.ID)
		}
		if err := a.jobs.Enqueue(ctx, job, a.now()); err != nil {
			return fmt.Errorf("enqueue rebuild for %s: %w", d.target, err)
		}
	}

	if len(d.reschedule) > 0 && d.target.Kind == model.OwnerCommunity {
		a.recorder.Record(ctx, model.OperationalEvent{
			EventType:   model.EventRescheduleDecision,
			CommunityID: communityOf(d.target),
			EntityType:  string(d.target.Kind),
			EntityID:    entityOf(d.target),
			Details: map[string]any{
				"changed_owner": change.Owner.String(),
				"reason":        ReasonScheduleFieldChange,
				"fields":        d.reschedule,
			},
		})
		if err := a.rescheduler.Reschedule(ctx, d.target.ID); err != nil {
			return fmt.Errorf("reschedule %s: %w", d.target, err)
		}
	}
	return nil
}

func (a *impactAnalyzer) recordBatchFailure(ctx context.Context, changed model.Owner, d impactDecision, err error) {
	a.logger.ErrorContext(ctx, "Impact action failed",
		slog.String("changed_owner", changed.String()),
		slog.String("target", d.target.String()),
		slog.Any("error", err))
	a.recorder.Record(ctx, model.OperationalEvent{
		EventType:    model.EventRebuildBatchFailure,
		CommunityID:  communityOf(d.target),
		EntityType:   string(d.target.Kind),
		EntityID:     entityOf(d.target),
		Details:      map[string]any{"changed_owner": changed.String()},
		ErrorType:    "impact_action_failed",
		ErrorMessage: err.Error(),
	})
}

func communityOf(o model.Owner) *int64 {
	if o.Kind == model.OwnerSystem {
		return nil
	}
	id := o.CommunityID
	return &id
}

func entityOf(o model.Owner) *int64 {
	if o.Kind == model.OwnerSystem {
		return nil
	}
	id := o.ID
	return &id
}
