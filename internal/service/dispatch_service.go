package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/samims/hakhel/internal/calendar"
	"github.com/samims/hakhel/internal/delivery"
	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/metrics"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/oplog"
	"github.com/samims/hakhel/internal/queue"
	"github.com/samims/hakhel/internal/storage"
	"github.com/samims/hakhel/pkg/tracing"
)

// Outcome is how a dispatch attempt ended.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeNotSent   Outcome = "not_sent"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
)

type DispatchService interface {
	// Perform dispatches one intent. Stale references come back as
	// OutcomeStale together with an ErrStaleReference error.
	Perform(ctx context.Context, communityID, intentID int64) (Outcome, error)
}

type dispatchService struct {
	store      storage.Storage
	resolver   PreferenceResolver
	calendar   calendar.Resolver
	intents    IntentService
	dispatcher delivery.Dispatcher
	renderer   *Renderer
	jobs       queue.Enqueuer
	locker     queue.Locker
	lockTTL    time.Duration
	recorder   oplog.Recorder
	logger     *slog.Logger
	tracer     *tracing.Tracer
	now        func() time.Time
}

type DispatchDeps struct {
	Store      storage.Storage
	Resolver   PreferenceResolver
	Calendar   calendar.Resolver
	Intents    IntentService
	Dispatcher delivery.Dispatcher
	Renderer   *Renderer
	Jobs       queue.Enqueuer
	Locker     queue.Locker
	LockTTL    time.Duration
	Recorder   oplog.Recorder
}

func NewDispatchService(deps DispatchDeps, logger *slog.Logger) DispatchService {
	return &dispatchService{
		store:      deps.Store,
		resolver:   deps.Resolver,
		calendar:   deps.Calendar,
		intents:    deps.Intents,
		dispatcher: deps.Dispatcher,
		renderer:   deps.Renderer,
		jobs:       deps.Jobs,
		locker:     deps.Locker,
		lockTTL:    deps.LockTTL,
		recorder:   deps.Recorder,
		logger:     logger.With("layer", "service", "component", "dispatchService"),
		tracer:     tracing.NewTracer(tracing.GetTracer("dispatch-service")),
		now:        time.Now,
	}
}

func (s *dispatchService) Perform(ctx context.Context, communityID, intentID int64) (Outcome, error) {
	if communityID == 0 {
		return "", appErr.NewTenantMissing("dispatch of intent %d without community", intentID)
	}
	ctx, span := s.tracer.StartSpan(ctx, "DispatchService.Perform",
		attribute.Int64(tracing.AttrCommunityID, communityID),
		attribute.Int64(tracing.AttrIntentID, intentID))
	defer span.End()

	outcome, err := s.perform(ctx, communityID, intentID)
	if outcome != "" {
		metrics.DispatchOutcomes.WithLabelValues(string(outcome)).Inc()
		span.SetAttributes(attribute.String(tracing.AttrOutcome, string(outcome)))
	}
	if err != nil && !appErr.IsStale(err) {
		s.tracer.RecordError(span, err)
	}
	return outcome, err
}

func (s *dispatchService) perform(ctx context.Context, communityID, intentID int64) (Outcome, error) {
	log := s.logger.With(slog.Int64("community_id", communityID), slog.Int64("intent_id", intentID))

	community, err := s.store.FindCommunity(ctx, communityID)
	if err != nil {
		if appErr.IsNotFound(err) {
			log.ErrorContext(ctx, "Community no longer exists, discarding dispatch")
			return OutcomeStale, appErr.NewStaleReference("community %d", communityID)
		}
		return "", fmt.Errorf("load community %d: %w", communityID, err)
	}

	intent, err := s.store.FindIntent(ctx, communityID, intentID)
	if err != nil {
		if appErr.IsNotFound(err) {
			log.WarnContext(ctx, "Intent no longer exists, discarding dispatch")
			return OutcomeStale, appErr.NewStaleReference("intent %d in community %d", intentID, communityID)
		}
		return "", fmt.Errorf("load intent %d: %w", intentID, err)
	}
	log = log.With(slog.Int64("subject_id", intent.SubjectID), slog.String("token", intent.Token))
	s.tracer.AddIntentAttributes(trace.SpanFromContext(ctx), intent.SubjectID, intent.Token, string(intent.Channel))

	if intent.ApprovalStatus != model.ApprovalApproved {
		log.InfoContext(ctx, "Intent not approved, recording not sent", slog.String("status", string(intent.ApprovalStatus)))
		return s.abandon(ctx, intent, model.ReasonNotApproved, "", nil)
	}

	subject, err := s.store.FindSubject(ctx, communityID, intent.SubjectID)
	if err != nil {
		if appErr.IsNotFound(err) {
			return OutcomeStale, appErr.NewStaleReference("subject %d in community %d", intent.SubjectID, communityID)
		}
		return "", fmt.Errorf("load subject %d: %w", intent.SubjectID, err)
	}

	cfg, err := s.resolver.Resolve(ctx, subject.Owner())
	if err != nil {
		return s.abandon(ctx, intent, model.ReasonDeliveryFailed, "", err)
	}

	now := s.now().In(cfg.Location())
	if cfg.SendWindowStart != nil {
		if opens := cfg.SendWindowStart.On(now); now.Before(opens) {
			return s.deferToWindow(ctx, intent, opens)
		}
	}

	if subject.Contact.OptedOut {
		log.InfoContext(ctx, "Contact opted out")
		return s.abandon(ctx, intent, model.ReasonOptOut, "", nil)
	}

	unlock, ok, err := s.locker.TryLock(ctx, "dispatch:"+intent.Token, s.lockTTL)
	if err != nil {
		return s.abandon(ctx, intent, model.ReasonDeliveryFailed, "", fmt.Errorf("acquire dispatch lock: %w", err))
	}
	if !ok {
		log.InfoContext(ctx, "Dispatch already in progress for token")
		return OutcomeDuplicate, nil
	}
	// an unrecorded send keeps the lock until it expires
	keepLock := false
	defer func() {
		if keepLock {
			return
		}
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.WarnContext(ctx, "Failed to release dispatch lock", slog.Any("error", err))
		}
	}()

	// checked under the lock so a finished attempt is always visible
	exists, err := s.store.ExistsByToken(ctx, intent.Token)
	if err != nil {
		return s.abandon(ctx, intent, model.ReasonDeliveryFailed, "", fmt.Errorf("check token %s: %w", intent.Token, err))
	}
	if exists {
		log.InfoContext(ctx, "Token already audited, skipping duplicate dispatch")
		return OutcomeDuplicate, nil
	}

	if intent.Phone == "" && intent.Email == "" {
		return s.abandon(ctx, intent, model.ReasonNoContactInfo, "", errors.New("contact has neither phone nor email"))
	}

	occ, err := calendar.AnchorOccurrence(ctx, s.calendar,
		subject.Deceased.HebrewMonthOfDeath, subject.Deceased.HebrewDayOfDeath, now)
	if err != nil {
		return s.abandon(ctx, intent, model.ReasonDeliveryFailed, "", err)
	}
	msg, err := s.renderer.Render(intent.Channel, community, subject, occ)
	if err != nil {
		return s.abandon(ctx, intent, model.ReasonDeliveryFailed, "", err)
	}

	channels := FallbackChannels(intent.Channel, cfg)
	receipt, err := s.dispatcher.Send(ctx, channels, intent.Phone, intent.Email, msg)
	if err != nil {
		reason := model.ReasonDeliveryFailed
		if errors.Is(err, delivery.ErrNoUsableChannel) {
			reason = model.ReasonNoDeliveryMethod
		}
		log.WarnContext(ctx, "Delivery failed", slog.Any("channels", channels), slog.Any("error", err))
		return s.abandon(ctx, intent, reason, msg.Body, err)
	}

	rec := model.SentRecord{
		CommunityID: communityID,
		SubjectID:   intent.SubjectID,
		Token:       intent.Token,
		ReceiptID:   receipt.ReceiptID,
		Channel:     receipt.Channel,
		SendDate:    intent.SendDate,
		FullMessage: msg.Body,
		Email:       intent.Email,
		Phone:       intent.Phone,
	}
	if err := s.store.CompleteIntent(ctx, intent, rec); err != nil {
		if appErr.IsDuplicate(err) {
			log.WarnContext(ctx, "Sent record already exists for token")
			return OutcomeDuplicate, nil
		}
		// the message is out; retrying would deliver it again
		keepLock = true
		log.ErrorContext(ctx, "Message sent but not recorded",
			slog.String("channel", string(receipt.Channel)),
			slog.String("receipt_id", receipt.ReceiptID),
			slog.Any("error", err))
		s.record(ctx, intent, model.EventDispatch, map[string]any{
			"outcome":    string(OutcomeSent),
			"recorded":   false,
			"channel":    string(receipt.Channel),
			"receipt_id": receipt.ReceiptID,
		}, err)
		return OutcomeSent, appErr.NewPermanent("complete intent %d after send: %v", intent.ID, err)
	}

	log.InfoContext(ctx, "Intent dispatched",
		slog.String("channel", string(receipt.Channel)),
		slog.String("receipt_id", receipt.ReceiptID))
	s.record(ctx, intent, model.EventDispatch, map[string]any{
		"outcome":    string(OutcomeSent),
		"channel":    string(receipt.Channel),
		"receipt_id": receipt.ReceiptID,
		"channels":   channels,
	}, nil)

	// arm the next occurrence
	if _, _, err := s.intents.Process(ctx, communityID, intent.SubjectID); err != nil {
		log.ErrorContext(ctx, "Failed to regenerate intent after dispatch", slog.Any("error", err))
	}
	return OutcomeSent, nil
}

// FallbackChannels is the primary channel followed, when fallback is allowed,
// by the remaining priority entries.
func FallbackChannels(primary model.Channel, cfg model.EffectiveConfig) []model.Channel {
	out := []model.Channel{primary}
	if !cfg.AllowFallbackChannels {
		return out
	}
	for _, ch := range cfg.ChannelPriority {
		if !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}

func (s *dispatchService) deferToWindow(ctx context.Context, intent *model.Intent, opens time.Time) (Outcome, error) {
	if err := s.jobs.Enqueue(ctx, queue.DispatchJob(intent.CommunityID, intent.ID), opens); err != nil {
		return "", fmt.Errorf("defer dispatch of intent %d: %w", intent.ID, err)
	}
	s.logger.InfoContext(ctx, "Dispatch deferred to send window",
		slog.Int64("intent_id", intent.ID),
		slog.Time("window_start", opens))
	s.record(ctx, intent, model.EventDispatchDeferred, map[string]any{
		"run_at": opens.Format(time.RFC3339),
	}, nil)
	return OutcomeDeferred, nil
}

// abandon closes the intent with a NotSent record. The pipeline
// never retries it; the next sweep arms a fresh intent.
func (s *dispatchService) abandon(ctx context.Context, intent *model.Intent, reason model.NotSentReason, body string, cause error) (Outcome, error) {
	rec := model.NotSentRecord{
		CommunityID:  intent.CommunityID,
		SubjectID:    intent.SubjectID,
		Token:        intent.Token,
		Reason:       reason,
		Channel:      intent.Channel,
		SendDate:     intent.SendDate,
		FullMessage:  body,
		Email:        intent.Email,
		Phone:        intent.Phone,
		ErrorMessage: model.TruncateError(cause),
	}
	if err := s.store.AbandonIntent(ctx, intent, rec); err != nil {
		if appErr.IsDuplicate(err) {
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("abandon intent %d: %w", intent.ID, err)
	}

	s.record(ctx, intent, model.EventDispatchSkipped, map[string]any{
		"outcome": string(OutcomeNotSent),
		"reason":  string(reason),
	}, cause)
	return OutcomeNotSent, nil
}

func (s *dispatchService) record(ctx context.Context, intent *model.Intent, eventType string, details map[string]any, cause error) {
	communityID, intentID := intent.CommunityID, intent.ID
	ev := model.OperationalEvent{
		EventType:    eventType,
		CommunityID:  &communityID,
		EntityType:   "intent",
		EntityID:     &intentID,
		MessageToken: intent.Token,
		Details:      details,
	}
	if cause != nil {
		ev.ErrorType = "dispatch_error"
		ev.ErrorMessage = model.TruncateError(cause)
	}
	s.recorder.Record(ctx, ev)
}
