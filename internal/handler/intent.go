package handler

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samims/hakhel/internal/middleware"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/service"
	"github.com/samims/hakhel/pkg/tracing"
)

type IntentHandler struct {
	svc    service.IntentService
	logger *slog.Logger
	tracer *tracing.Tracer
}

func NewIntentHandler(svc service.IntentService, logger *slog.Logger) *IntentHandler {
	return &IntentHandler{
		svc:    svc,
		logger: logger.With("layer", "handler", "component", "intentHandler"),
		tracer: tracing.NewTracer(tracing.GetTracer("intent-handler")),
	}
}

// List returns the community's intents, optionally filtered by ?status=.
func (h *IntentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "ListIntents")
	defer span.End()

	cid, err := int64Param(r, "cid")
	if err != nil {
		writeError(w, h.logger, "ListIntents", err)
		return
	}
	intents, err := h.svc.ListIntents(ctx, cid, model.ApprovalStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, "ListIntents", err)
		return
	}
	if intents == nil {
		intents = []model.Intent{}
	}
	writeJSON(w, http.StatusOK, intents)
}

func (h *IntentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "ApproveIntent", h.svc.Approve)
}

func (h *IntentHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "RejectIntent", h.svc.Reject)
}

type decision func(ctx context.Context, communityID, intentID int64, approver string) (*model.Intent, error)

func (h *IntentHandler) decide(w http.ResponseWriter, r *http.Request, op string, fn decision) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), op)
	defer span.End()

	cid, err := int64Param(r, "cid")
	if err != nil {
		writeError(w, h.logger, op, err)
		return
	}
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, h.logger, op, err)
		return
	}
	span.SetAttributes(
		attribute.Int64(tracing.AttrCommunityID, cid),
		attribute.Int64(tracing.AttrIntentID, id))

	actor, _ := middleware.ActorFromContext(ctx)
	intent, err := fn(ctx, cid, id, actor)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, op, err)
		return
	}
	h.logger.Info("Intent decision recorded",
		slog.String("op", op),
		slog.Int64("community_id", cid),
		slog.Int64("intent_id", id),
		slog.String("approver", actor))
	writeJSON(w, http.StatusOK, intent)
}
