package handler

import (
	"log/slog"
	"net/http"
	"strings"

	twilioClient "github.com/twilio/twilio-go/client"

	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/oplog"
)

// failedStatuses are the terminal Twilio statuses that mean no delivery.
var failedStatuses = map[string]bool{"failed": true, "undelivered": true}

// WebhookHandler receives Twilio delivery-status callbacks.
type WebhookHandler struct {
	validator   *twilioClient.RequestValidator
	webhookHost string
	recorder    oplog.Recorder
	logger      *slog.Logger
}

// NewWebhookHandler verifies the X-Twilio-Signature header when authToken
// is set. webhookHost is the public base URL Twilio was given.
func NewWebhookHandler(authToken, webhookHost string, recorder oplog.Recorder, logger *slog.Logger) *WebhookHandler {
	h := &WebhookHandler{
		webhookHost: webhookHost,
		recorder:    recorder,
		logger:      logger.With("layer", "handler", "component", "webhookHandler"),
	}
	if authToken != "" {
		v := twilioClient.NewRequestValidator(authToken)
		h.validator = &v
	}
	return h
}

func (h *WebhookHandler) TwilioStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	if h.validator != nil && !h.validator.Validate(h.publicURL(r), params, r.Header.Get("X-Twilio-Signature")) {
		h.logger.Warn("Rejected unsigned delivery callback", slog.String("sid", params["MessageSid"]))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	sid, status := params["MessageSid"], params["MessageStatus"]
	if sid == "" || status == "" {
		http.Error(w, "MessageSid and MessageStatus are required", http.StatusBadRequest)
		return
	}

	ev := model.OperationalEvent{
		EventType:  model.EventDeliveryStatus,
		EntityType: "message",
		Details: map[string]any{
			"receipt_id": sid,
			"status":     status,
			"modality":   r.URL.Query().Get("modality"),
		},
	}
	if failedStatuses[status] {
		ev.ErrorType = "delivery_" + status
		ev.ErrorMessage = strings.TrimSpace(params["ErrorCode"] + " " + params["ErrorMessage"])
		h.logger.Warn("Delivery reported failed",
			slog.String("sid", sid),
			slog.String("status", status),
			slog.String("error_code", params["ErrorCode"]))
	}
	h.recorder.Record(r.Context(), ev)
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) publicURL(r *http.Request) string {
	host := h.webhookHost
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return strings.TrimRight(host, "/") + r.URL.RequestURI()
}
