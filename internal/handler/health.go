package handler

import (
	"log/slog"
	"net/http"

	"github.com/samims/hakhel/internal/service"
)

type HealthHandler struct {
	service service.HealthService
	logger  *slog.Logger
}

func NewHealthHandler(svc service.HealthService, l *slog.Logger) *HealthHandler {
	return &HealthHandler{service: svc, logger: l.With("layer", "handler", "component", "healthHandler")}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readiness pings every dependency and answers 503 if any is down.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	status := h.service.Check(r.Context())
	code := http.StatusOK
	if !h.service.Healthy(status) {
		code = http.StatusServiceUnavailable
		h.logger.Warn("Readiness check failed", slog.Any("status", status))
	}
	writeJSON(w, code, status)
}
