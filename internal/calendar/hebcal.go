package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/pkg/tracing"
)

// HebcalClient resolves dates with the hebcal.com converter API.
type HebcalClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	tracer  *tracing.Tracer
}

func NewHebcalClient(cfg config.CalendarConfig, logger *slog.Logger) *HebcalClient {
	return &HebcalClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("layer", "calendar", "component", "hebcal"),
		tracer:  tracing.NewTracer(tracing.GetTracer("hakhel-calendar")),
	}
}

var _ Resolver = (*HebcalClient)(nil)

type converterResponse struct {
	GY    int    `json:"gy"`
	GM    int    `json:"gm"`
	GD    int    `json:"gd"`
	HY    int    `json:"hy"`
	HM    string `json:"hm"`
	HD    int    `json:"hd"`
	Error string `json:"error"`
}

func (c *HebcalClient) NextOccurrence(ctx context.Context, month Month, day, year int) (time.Time, error) {
	q := url.Values{}
	q.Set("cfg", "json")
	q.Set("h2g", "1")
	q.Set("hy", strconv.Itoa(year))
	q.Set("hm", string(month))
	q.Set("hd", strconv.Itoa(day))

	resp, err := c.convert(ctx, "h2g", q)
	if err != nil {
		return time.Time{}, fmt.Errorf("h2g %d %s %d: %w", year, month, day, err)
	}
	if resp.GY == 0 || resp.GM == 0 || resp.GD == 0 {
		return time.Time{}, fmt.Errorf("h2g %d %s %d: incomplete response", year, month, day)
	}
	return time.Date(resp.GY, time.Month(resp.GM), resp.GD, 0, 0, 0, 0, time.UTC), nil
}

func (c *HebcalClient) CurrentCycleYear(ctx context.Context, today time.Time) (int, error) {
	q := url.Values{}
	q.Set("cfg", "json")
	q.Set("g2h", "1")
	q.Set("strict", "1")
	q.Set("date", today.Format(time.DateOnly))

	resp, err := c.convert(ctx, "g2h", q)
	if err != nil {
		return 0, fmt.Errorf("g2h %s: %w", today.Format(time.DateOnly), err)
	}
	if resp.HY == 0 {
		return 0, fmt.Errorf("g2h %s: incomplete response", today.Format(time.DateOnly))
	}
	return resp.HY, nil
}

func (c *HebcalClient) convert(ctx context.Context, op string, q url.Values) (*converterResponse, error) {
	ctx, span := c.tracer.StartClientSpan(ctx, "hebcal."+op, attribute.String("calendar.operation", op))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/converter?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	res, err := c.client.Do(req)
	if err != nil {
		c.tracer.RecordError(span, err)
		c.logger.ErrorContext(ctx, "calendar request failed", "op", op, "error", err)
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", res.StatusCode)
		c.tracer.RecordError(span, err)
		return nil, err
	}

	var body converterResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		c.tracer.RecordError(span, err)
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body.Error != "" {
		err := fmt.Errorf("converter error: %s", body.Error)
		c.tracer.RecordError(span, err)
		return nil, err
	}
	return &body, nil
}
