package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/samims/hakhel/internal/calendar"
	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/metrics"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/oplog"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/storage"
	"github.com/samims/hakhel/pkg/tracing"
)

// IntentService owns generation and approval of each subject's live intent.
type IntentService interface {
	// Process creates or refreshes the subject's intent for its next occurrence.
	Process(ctx context.Context, communityID, subjectID int64) (*model.Intent, model.RefreshMode, error)
	ListIntents(ctx context.Context, communityID int64, status model.ApprovalStatus) ([]model.Intent, error)
	Approve(ctx context.Context, communityID, intentID int64, approver string) (*model.Intent, error)
	Reject(ctx context.Context, communityID, intentID int64, approver string) (*model.Intent, error)
}

type intentService struct {
	store    storage.Storage
	resolver PreferenceResolver
	calendar calendar.Resolver
	jobs     queue.Enqueuer
	recorder oplog.Recorder
	logger   *slog.Logger
	tracer   *tracing.Tracer
	now      func() time.Time
}

func NewIntentService(
	store storage.Storage,
	resolver PreferenceResolver,
	cal calendar.Resolver,
	jobs queue.Enqueuer,
	recorder oplog.Recorder,
	logger *slog.Logger,
) IntentService {
	return &intentService{
		store:    store,
		resolver: resolver,
		calendar: cal,
		jobs:     jobs,
		recorder: recorder,
		logger:   logger.With("layer", "service", "component", "intentService"),
		tracer:   tracing.NewTracer(tracing.GetTracer("intent-service")),
		now:      time.Now,
	}
}

func (s *intentService) Process(ctx context.Context, communityID, subjectID int64) (*model.Intent, model.RefreshMode, error) {
	if communityID == 0 {
		return nil, "", appErr.NewTenantMissing("process subject %d without community", subjectID)
	}
	ctx, span := s.tracer.StartSpan(ctx, "IntentService.Process",
		attribute.Int64(tracing.AttrCommunityID, communityID),
		attribute.Int64(tracing.AttrSubjectID, subjectID))
	defer span.End()

	subject, err := s.store.FindSubject(ctx, communityID, subjectID)
	if err != nil {
		if appErr.IsNotFound(err) {
			return nil, "", appErr.NewStaleReference("subject %d in community %d", subjectID, communityID)
		}
		s.tracer.RecordError(span, err)
		return nil, "", fmt.Errorf("load subject %d: %w", subjectID, err)
	}

	cfg, err := s.resolver.Resolve(ctx, subject.Owner())
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, "", err
	}

	now := s.now().In(cfg.Location())
	occ, err := calendar.AnchorOccurrence(ctx, s.calendar,
		subject.Deceased.HebrewMonthOfDeath, subject.Deceased.HebrewDayOfDeath, now)
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, "", fmt.Errorf("resolve occurrence for subject %d: %w", subjectID, err)
	}

	floor, err := s.floorDate(ctx, subjectID, now)
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, "", err
	}

	sendDate, err := NextSendDate(ctx, s.calendar, occ, cfg.Offsets, floor)
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, "", err
	}

	fields := model.IntentFields{
		SendDate: sendDate,
		Channel:  SelectChannel(cfg.ChannelPriority, subject.Contact.Phone, subject.Contact.Email),
		Email:    subject.Contact.Email,
		Phone:    subject.Contact.Phone,
	}

	intent, mode, err := s.store.RefreshIntent(ctx, communityID, subjectID, func(current *model.Intent) (model.IntentWrite, error) {
		if current == nil {
			return model.IntentWrite{Create: &model.Intent{
				CommunityID:    communityID,
				SubjectID:      subjectID,
				SendDate:       fields.SendDate,
				Channel:        fields.Channel,
				Email:          fields.Email,
				Phone:          fields.Phone,
				ApprovalStatus: model.ApprovalPending,
				Token:          uuid.NewString(),
			}}, nil
		}
		changed := current.Diff(fields)
		if len(changed) == 0 {
			return model.IntentWrite{}, nil
		}
		return model.IntentWrite{Update: &fields, Changed: changed}, nil
	})
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, "", err
	}

	metrics.IntentRefreshes.WithLabelValues(string(mode)).Inc()
	if mode != model.RefreshUnchanged {
		s.logger.InfoContext(ctx, "Intent refreshed",
			slog.Int64("community_id", communityID),
			slog.Int64("subject_id", subjectID),
			slog.String("mode", string(mode)),
			slog.String("send_date", sendDate.Format(time.DateOnly)),
			slog.String("channel", string(fields.Channel)))

		s.recorder.Record(ctx, model.OperationalEvent{
			EventType:    model.EventFutureMessageBuild,
			CommunityID:  &communityID,
			EntityType:   string(model.OwnerSubject),
			EntityID:     &subjectID,
			MessageToken: intent.Token,
			Details: map[string]any{
				"mode":            string(mode),
				"offsets":         cfg.Offsets,
				"occurrence_date": occ.Date.Format(time.DateOnly),
				"send_date":       sendDate.Format(time.DateOnly),
				"floor_date":      floor.Format(time.DateOnly),
				"channel":         string(fields.Channel),
			},
		})
	}
	return intent, mode, nil
}

// floorDate is today in the community zone, or tomorrow when something was
// already sent to the subject today.
func (s *intentService) floorDate(ctx context.Context, subjectID int64, now time.Time) (time.Time, error) {
	start := model.Date(now)
	end := start.AddDate(0, 0, 1)
	sent, err := s.store.HasSentBetween(ctx, subjectID, start, end)
	if err != nil {
		return time.Time{}, fmt.Errorf("check sent today for subject %d: %w", subjectID, err)
	}
	floor := model.CivilDate(now)
	if sent {
		floor = floor.AddDate(0, 0, 1)
	}
	return floor, nil
}

// SendCandidates lists occurrence-minus-offset dates, earliest first.
func SendCandidates(occurrence time.Time, offsets []int) []time.Time {
	out := make([]time.Time, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, occurrence.AddDate(0, 0, -o))
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// NextSendDate picks the first candidate on or after floor. When the
// occurrence has none left it tries the next cycle once, then settles on floor.
func NextSendDate(ctx context.Context, cal calendar.Resolver, occ calendar.Occurrence, offsets []int, floor time.Time) (time.Time, error) {
	for _, c := range SendCandidates(occ.Date, offsets) {
		if !c.Before(floor) {
			return c, nil
		}
	}

	next, err := occ.Next(ctx, cal)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve next cycle: %w", err)
	}
	for _, c := range SendCandidates(next.Date, offsets) {
		if !c.Before(floor) {
			return c, nil
		}
	}
	return floor, nil
}

// SelectChannel walks the priority list for the first channel the contact can
// receive on. SMS is always considered usable.
func SelectChannel(priority []model.Channel, phone, email string) model.Channel {
	for _, ch := range priority {
		switch ch {
		case model.ChannelSMS:
			return ch
		case model.ChannelWhatsApp:
			if phone != "" {
				return ch
			}
		case model.ChannelEmail:
			if email != "" {
				return ch
			}
		}
	}
	return model.ChannelSMS
}

func (s *intentService) ListIntents(ctx context.Context, communityID int64, status model.ApprovalStatus) ([]model.Intent, error) {
	if status != "" && !status.Valid() {
		return nil, appErr.NewInvalidInput("unknown approval status %q", status)
	}
	if _, err := s.store.FindCommunity(ctx, communityID); err != nil {
		return nil, err
	}
	intents, err := s.store.ListIntents(ctx, communityID, status)
	if err != nil {
		s.logger.Error("failed to list intents", slog.Int64("community_id", communityID), slog.String("error", err.Error()))
		return nil, appErr.NewInternal("failed to list intents: %v", err)
	}
	return intents, nil
}

func (s *intentService) Approve(ctx context.Context, communityID, intentID int64, approver string) (*model.Intent, error) {
	intent, err := s.setApproval(ctx, communityID, intentID, model.ApprovalApproved, approver)
	if err != nil {
		return nil, err
	}

	// an intent approved on or after its send date missed today's sweep
	cfg, err := s.resolver.Resolve(ctx, model.SubjectOwner(communityID, intent.SubjectID))
	if err != nil {
		s.logger.Warn("could not resolve config after approval", slog.Int64("intent_id", intentID), slog.Any("error", err))
		return intent, nil
	}
	today := model.CivilDate(s.now().In(cfg.Location()))
	if !intent.SendDate.After(today) {
		if err := s.jobs.Enqueue(ctx, queue.DispatchJob(communityID, intentID), s.now()); err != nil {
			s.logger.Error("failed to enqueue dispatch after approval", slog.Int64("intent_id", intentID), slog.Any("error", err))
		}
	}
	return intent, nil
}

func (s *intentService) Reject(ctx context.Context, communityID, intentID int64, approver string) (*model.Intent, error) {
	return s.setApproval(ctx, communityID, intentID, model.ApprovalRejected, approver)
}

func (s *intentService) setApproval(ctx context.Context, communityID, intentID int64, status model.ApprovalStatus, approver string) (*model.Intent, error) {
	ctx, span := s.tracer.StartSpan(ctx, "IntentService.SetApproval",
		attribute.Int64(tracing.AttrCommunityID, communityID),
		attribute.Int64(tracing.AttrIntentID, intentID))
	defer span.End()

	intent, err := s.store.SetApproval(ctx, communityID, intentID, status, approver, s.now().UTC())
	if err != nil {
		s.tracer.RecordError(span, err)
		if appErr.IsNotFound(err) {
			return nil, err
		}
		return nil, appErr.NewInternal("failed to set approval: %v", err)
	}

	s.logger.Info("Intent approval updated",
		slog.Int64("intent_id", intentID),
		slog.String("status", string(status)),
		slog.String("approver", approver))
	return intent, nil
}
