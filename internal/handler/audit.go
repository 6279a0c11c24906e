package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/service"
	"github.com/samims/hakhel/pkg/tracing"
)

// EventReader lists recent operational events of a community.
type EventReader interface {
	Recent(ctx context.Context, communityID int64, limit int) ([]model.OperationalEvent, error)
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type AuditHandler struct {
	svc    service.AuditService
	events EventReader
	logger *slog.Logger
	tracer *tracing.Tracer
}

func NewAuditHandler(svc service.AuditService, events EventReader, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		svc:    svc,
		events: events,
		logger: logger.With("layer", "handler", "component", "auditHandler"),
		tracer: tracing.NewTracer(tracing.GetTracer("audit-handler")),
	}
}

// Stats serves ?since=YYYY-MM-DD; without it the service picks the window.
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "AuditStats")
	defer span.End()

	cid, err := int64Param(r, "cid")
	if err != nil {
		writeError(w, h.logger, "AuditStats", err)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, h.logger, "AuditStats", appErr.NewInvalidInput("since must be YYYY-MM-DD, got %q", raw))
			return
		}
	}

	stats, err := h.svc.Stats(ctx, cid, since)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, "AuditStats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AuditHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "RecentEvents")
	defer span.End()

	cid, err := int64Param(r, "cid")
	if err != nil {
		writeError(w, h.logger, "RecentEvents", err)
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, h.logger, "RecentEvents", appErr.NewInvalidInput("limit must be a positive integer, got %q", raw))
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.events.Recent(ctx, cid, limit)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, "RecentEvents", err)
		return
	}
	if events == nil {
		events = []model.OperationalEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
