package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/handler"
	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/oplog"
	"github.com/samims/hakhel/internal/service"
)

const secret = "router-test-secret"

type stubPreferences struct {
	service.PreferenceService
}

func (stubPreferences) Get(context.Context, model.Owner) (*service.PreferenceView, error) {
	return &service.PreferenceView{Effective: service.ResolveChain()}, nil
}

type stubEvents struct{}

func (stubEvents) Recent(context.Context, int64, int) ([]model.OperationalEvent, error) {
	return nil, nil
}

func newTestRouter() http.Handler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(Handlers{
		Preference: handler.NewPreferenceHandler(stubPreferences{}, log),
		Intent:     handler.NewIntentHandler(nil, log),
		Audit:      handler.NewAuditHandler(nil, stubEvents{}, log),
		Webhook:    handler.NewWebhookHandler("", "", oplog.Nop{}, log),
		Health:     handler.NewHealthHandler(service.NewHealthService(nil), log),
	}, config.AuthConfig{JWTSecret: secret, AllowedOrigins: []string{"*"}})
}

func bearer(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "gabbai@shul",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestRouter_APIRequiresToken(t *testing.T) {
	r := newTestRouter()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/system/preference", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/communities/3/preference", nil)
	req.Header.Set("Authorization", bearer(t))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/communities/3/events", nil)
	req.Header.Set("Authorization", bearer(t))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestRouter_PublicRoutes(t *testing.T) {
	r := newTestRouter()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "callback without MessageSid")
}
