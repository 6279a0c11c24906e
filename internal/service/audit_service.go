package service

import (
	"context"
	"log/slog"
	"time"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/storage"
)

// AuditService reports on the Sent / NotSent log.
type AuditService interface {
	Stats(ctx context.Context, communityID int64, since time.Time) (*model.AuditStats, error)
}

type auditService struct {
	store    storage.Storage
	resolver PreferenceResolver
	logger   *slog.Logger
	now      func() time.Time
}

func NewAuditService(store storage.Storage, resolver PreferenceResolver, logger *slog.Logger) AuditService {
	return &auditService{
		store:    store,
		resolver: resolver,
		logger:   logger.With("layer", "service", "component", "auditService"),
		now:      time.Now,
	}
}

// Stats counts outcomes since the given date. A zero since means the last 30
// days of the community's calendar.
func (s *auditService) Stats(ctx context.Context, communityID int64, since time.Time) (*model.AuditStats, error) {
	if _, err := s.store.FindCommunity(ctx, communityID); err != nil {
		if appErr.IsNotFound(err) {
			return nil, err
		}
		return nil, appErr.NewInternal("failed to load community: %v", err)
	}

	cfg, err := s.resolver.Resolve(ctx, model.CommunityOwner(communityID))
	if err != nil {
		return nil, appErr.NewInternal("failed to resolve preferences: %v", err)
	}
	today := model.CivilDate(s.now().In(cfg.Location()))
	if since.IsZero() {
		since = today.AddDate(0, 0, -30)
	}
	if since.After(today) {
		return nil, appErr.NewInvalidInput("since %s is in the future", since.Format(time.DateOnly))
	}

	stats, err := s.store.Stats(ctx, communityID, since, today)
	if err != nil {
		s.logger.Error("failed to compute audit stats", slog.Int64("community_id", communityID), slog.String("error", err.Error()))
		return nil, appErr.NewInternal("failed to compute stats: %v", err)
	}
	return stats, nil
}
