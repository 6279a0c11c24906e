package calendar

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/hakhel/internal/config"
)

func newTestHebcal(t *testing.T, handler http.HandlerFunc) *HebcalClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHebcalClient(
		config.CalendarConfig{BaseURL: srv.URL, Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestHebcalClient_NextOccurrence(t *testing.T) {
	c := newTestHebcal(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/converter", r.URL.Path)
		assert.Equal(t, "1", q.Get("h2g"))
		assert.Equal(t, "5785", q.Get("hy"))
		assert.Equal(t, "Nisan", q.Get("hm"))
		assert.Equal(t, "15", q.Get("hd"))
		_, _ = w.Write([]byte(`{"gy":2025,"gm":4,"gd":13,"hy":5785,"hm":"Nisan","hd":15}`))
	})

	got, err := c.NextOccurrence(context.Background(), Nisan, 15, 5785)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.April, 13, 0, 0, 0, 0, time.UTC), got)
}

func TestHebcalClient_CurrentCycleYear(t *testing.T) {
	c := newTestHebcal(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-10-01", r.URL.Query().Get("date"))
		assert.Equal(t, "1", r.URL.Query().Get("g2h"))
		_, _ = w.Write([]byte(`{"gy":2025,"gm":10,"gd":1,"hy":5786,"hm":"Tishrei","hd":9}`))
	})

	got, err := c.CurrentCycleYear(context.Background(), time.Date(2025, time.October, 1, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 5786, got)
}

func TestHebcalClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "converter error", status: http.StatusOK, body: `{"error":"invalid date"}`},
		{name: "server error", status: http.StatusBadGateway, body: `oops`},
		{name: "malformed json", status: http.StatusOK, body: `{`},
		{name: "incomplete", status: http.StatusOK, body: `{"hy":5785}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestHebcal(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.NextOccurrence(context.Background(), Av, 9, 5785)
			assert.Error(t, err)
		})
	}
}

func TestHebcalClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	c := NewHebcalClient(
		config.CalendarConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	_, err := c.CurrentCycleYear(context.Background(), time.Now())
	assert.Error(t, err)
}
