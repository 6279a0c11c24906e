package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/middleware"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/service"
	"github.com/samims/hakhel/pkg/tracing"
)

// preferenceRequest is the writable part of a preference. Absent or null
// fields inherit from the parent level.
type preferenceRequest struct {
	Offsets               []int           `json:"offsets"`
	ChannelPriority       []model.Channel `json:"channel_priority"`
	AllowFallbackChannels *bool           `json:"allow_fallback_channels"`
	DailySweepTime        *string         `json:"daily_sweep_time"`
	SendWindowStart       *string         `json:"send_window_start"`
	TimeZone              *string         `json:"time_zone"`
}

func (req preferenceRequest) toModel() (*model.Preference, error) {
	pref := &model.Preference{
		Offsets:               req.Offsets,
		ChannelPriority:       req.ChannelPriority,
		AllowFallbackChannels: req.AllowFallbackChannels,
		TimeZone:              req.TimeZone,
	}
	verr := appErr.NewValidationError()
	pref.DailySweepTime = parseWallClock(verr, model.FieldDailySweepTime, req.DailySweepTime)
	pref.SendWindowStart = parseWallClock(verr, model.FieldSendWindowStart, req.SendWindowStart)
	return pref, verr.OrNil()
}

func parseWallClock(verr *appErr.ValidationError, field string, raw *string) *model.WallClock {
	if raw == nil || *raw == "" {
		return nil
	}
	wc, err := model.ParseWallClock(*raw)
	if err != nil {
		verr.Add(field, err.Error())
		return nil
	}
	return &wc
}

type PreferenceHandler struct {
	svc    service.PreferenceService
	logger *slog.Logger
	tracer *tracing.Tracer
}

func NewPreferenceHandler(svc service.PreferenceService, logger *slog.Logger) *PreferenceHandler {
	return &PreferenceHandler{
		svc:    svc,
		logger: logger.With("layer", "handler", "component", "preferenceHandler"),
		tracer: tracing.NewTracer(tracing.GetTracer("preference-handler")),
	}
}

// Routes mounts the handlers under a system, community, or subject prefix.
// The owner is read from whichever of cid and sid the prefix binds.
func (h *PreferenceHandler) Routes(r chi.Router) {
	r.Get("/", h.Get)
	r.Put("/", h.Update)
	r.Delete("/", h.Delete)
	r.Post("/preview", h.Preview)
}

func ownerFromRequest(r *http.Request) (model.Owner, error) {
	if chi.URLParam(r, "cid") == "" {
		return model.SystemOwner(), nil
	}
	cid, err := int64Param(r, "cid")
	if err != nil {
		return model.Owner{}, err
	}
	if chi.URLParam(r, "sid") == "" {
		return model.CommunityOwner(cid), nil
	}
	sid, err := int64Param(r, "sid")
	if err != nil {
		return model.Owner{}, err
	}
	return model.SubjectOwner(cid, sid), nil
}

func (h *PreferenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "GetPreference")
	defer span.End()

	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, h.logger, "GetPreference", err)
		return
	}
	view, err := h.svc.Get(ctx, owner)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, "GetPreference", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *PreferenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "UpdatePreference")
	defer span.End()

	owner, pref, err := h.readPreference(r)
	if err != nil {
		writeError(w, h.logger, "UpdatePreference", err)
		return
	}
	actor, _ := middleware.ActorFromContext(ctx)

	view, err := h.svc.Update(ctx, owner, pref, actor)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, "UpdatePreference", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *PreferenceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "DeletePreference")
	defer span.End()

	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, h.logger, "DeletePreference", err)
		return
	}
	actor, _ := middleware.ActorFromContext(ctx)

	if err := h.svc.Delete(ctx, owner, actor); err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, "DeletePreference", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PreferenceHandler) Preview(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "PreviewPreference")
	defer span.End()

	owner, pref, err := h.readPreference(r)
	if err != nil {
		writeError(w, h.logger, "PreviewPreference", err)
		return
	}
	n, err := h.svc.Preview(ctx, owner, pref)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, "PreviewPreference", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"impact_count": n})
}

func (h *PreferenceHandler) readPreference(r *http.Request) (model.Owner, *model.Preference, error) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		return model.Owner{}, nil, err
	}
	var req preferenceRequest
	if err := decodeBody(r, &req); err != nil {
		return model.Owner{}, nil, err
	}
	pref, err := req.toModel()
	if err != nil {
		return model.Owner{}, nil, err
	}
	return owner, pref, nil
}
