package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/storage"
	"github.com/samims/hakhel/pkg/tracing"
)

// ChangePublisher emits committed preference changes.
type ChangePublisher interface {
	PublishPreferenceChange(ctx context.Context, change model.PreferenceChange) error
}

// PreferenceView is a stored record next to what it resolves to.
type PreferenceView struct {
	Preference *model.Preference     `json:"preference"`
	Effective  model.EffectiveConfig `json:"effective"`
}

type PreferenceService interface {
	Get(ctx context.Context, owner model.Owner) (*PreferenceView, error)
	Update(ctx context.Context, owner model.Owner, pref *model.Preference, actor string) (*PreferenceView, error)
	Delete(ctx context.Context, owner model.Owner, actor string) error
	Preview(ctx context.Context, owner model.Owner, pref *model.Preference) (int64, error)
}

type preferenceService struct {
	store     storage.Storage
	analyzer  ImpactAnalyzer
	publisher ChangePublisher
	logger    *slog.Logger
	tracer    *tracing.Tracer
	now       func() time.Time
}

func NewPreferenceService(store storage.Storage, analyzer ImpactAnalyzer, publisher ChangePublisher, logger *slog.Logger) PreferenceService {
	return &preferenceService{
		store:     store,
		analyzer:  analyzer,
		publisher: publisher,
		logger:    logger.With("layer", "service", "component", "preferenceService"),
		tracer:    tracing.NewTracer(tracing.GetTracer("preference-service")),
		now:       time.Now,
	}
}

func (s *preferenceService) Get(ctx context.Context, owner model.Owner) (*PreferenceView, error) {
	if err := s.requireOwner(ctx, owner); err != nil {
		return nil, err
	}
	chain, err := s.store.FindChain(ctx, owner)
	if err != nil {
		return nil, appErr.NewInternal("failed to load preferences: %v", err)
	}
	return &PreferenceView{Preference: chain[0], Effective: ResolveChain(chain...)}, nil
}

func (s *preferenceService) Update(ctx context.Context, owner model.Owner, pref *model.Preference, actor string) (*PreferenceView, error) {
	ctx, span := s.tracer.StartSpan(ctx, "PreferenceService.Update",
		attribute.String(tracing.AttrOwner, owner.String()))
	defer span.End()

	chain, err := s.prepare(ctx, owner, pref)
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, err
	}

	previous, err := s.store.SavePreference(ctx, pref)
	if err != nil {
		s.tracer.RecordError(span, err)
		s.logger.Error("failed to save preference", slog.String("owner", owner.String()), slog.String("error", err.Error()))
		return nil, appErr.NewInternal("failed to save preference: %v", err)
	}

	s.publish(ctx, model.PreferenceChange{
		Owner:     owner,
		Old:       previous,
		New:       pref,
		ChangedAt: s.now().UTC(),
		ChangedBy: actor,
	})

	chain[0] = pref
	return &PreferenceView{Preference: pref, Effective: ResolveChain(chain...)}, nil
}

func (s *preferenceService) Delete(ctx context.Context, owner model.Owner, actor string) error {
	if owner.Kind == model.OwnerSystem {
		verr := appErr.NewValidationError()
		verr.Add("owner", "the system preference cannot be deleted")
		return verr
	}
	if err := s.requireOwner(ctx, owner); err != nil {
		return err
	}

	previous, err := s.store.DeletePreference(ctx, owner)
	if err != nil {
		if appErr.IsNotFound(err) {
			return err
		}
		return appErr.NewInternal("failed to delete preference: %v", err)
	}

	s.publish(ctx, model.PreferenceChange{
		Owner:     owner,
		Old:       previous,
		ChangedAt: s.now().UTC(),
		ChangedBy: actor,
	})
	return nil
}

func (s *preferenceService) Preview(ctx context.Context, owner model.Owner, pref *model.Preference) (int64, error) {
	if _, err := s.prepare(ctx, owner, pref); err != nil {
		return 0, err
	}
	n, err := s.analyzer.Preview(ctx, owner, pref)
	if err != nil {
		return 0, appErr.NewInternal("failed to preview impact: %v", err)
	}
	return n, nil
}

// prepare normalizes and validates pref for owner and returns the owner's
// stored chain.
func (s *preferenceService) prepare(ctx context.Context, owner model.Owner, pref *model.Preference) ([]*model.Preference, error) {
	if err := s.requireOwner(ctx, owner); err != nil {
		return nil, err
	}
	pref.Owner = owner
	NormalizePreference(pref)

	chain, err := s.store.FindChain(ctx, owner)
	if err != nil {
		return nil, appErr.NewInternal("failed to load preferences: %v", err)
	}
	if err := ValidatePreference(pref, chain[1:]...); err != nil {
		return nil, err
	}
	return chain, nil
}

func (s *preferenceService) requireOwner(ctx context.Context, owner model.Owner) error {
	if !owner.Valid() {
		return appErr.NewInvalidInput("invalid owner %s", owner)
	}
	switch owner.Kind {
	case model.OwnerCommunity:
		if _, err := s.store.FindCommunity(ctx, owner.ID); err != nil {
			return ownerLookupError(err, owner)
		}
	case model.OwnerSubject:
		if _, err := s.store.FindSubject(ctx, owner.CommunityID, owner.ID); err != nil {
			return ownerLookupError(err, owner)
		}
	}
	return nil
}

func ownerLookupError(err error, owner model.Owner) error {
	if appErr.IsNotFound(err) {
		return appErr.NewNotFound("%s does not exist", owner)
	}
	return appErr.NewInternal("failed to load %s: %v", owner, err)
}

// publish runs after commit. Failures are logged, never returned.
func (s *preferenceService) publish(ctx context.Context, change model.PreferenceChange) {
	changed := change.ChangedFields()
	if len(changed) == 0 {
		s.logger.Debug("Preference saved without changes", slog.String("owner", change.Owner.String()))
		return
	}
	if err := s.publisher.PublishPreferenceChange(ctx, change); err != nil {
		s.logger.Error("failed to publish preference change",
			slog.String("owner", change.Owner.String()),
			slog.Any("changed_fields", changed),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("Preference change published",
		slog.String("owner", change.Owner.String()),
		slog.Any("changed_fields", changed),
		slog.String("changed_by", changedBy(change)))
}

func changedBy(c model.PreferenceChange) string {
	if c.ChangedBy == "" {
		return "unknown"
	}
	return c.ChangedBy
}
