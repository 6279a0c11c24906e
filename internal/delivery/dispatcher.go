package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/samims/hakhel/internal/metrics"
	"github.com/samims/hakhel/internal/model"
)

// ErrNoUsableChannel means no channel in the list had both a destination and
// a registered transport, so nothing was attempted.
var ErrNoUsableChannel = errors.New("no usable delivery channel")

// Message is a rendered notification. From fields override the transport
// defaults with the community's own sender identity.
type Message struct {
	Subject   string
	Body      string
	FromPhone string
	FromEmail string
}

type Receipt struct {
	Channel   model.Channel `json:"channel"`
	ReceiptID string        `json:"receipt_id"`
}

// Transport delivers one message over one channel and returns the provider's
// message id.
type Transport interface {
	Deliver(ctx context.Context, to string, msg Message) (string, error)
}

type Dispatcher interface {
	Send(ctx context.Context, channels []model.Channel, phone, email string, msg Message) (*Receipt, error)
}

type dispatcher struct {
	transports     map[model.Channel]Transport
	attemptTimeout time.Duration
	logger         *slog.Logger
}

func NewDispatcher(transports map[model.Channel]Transport, attemptTimeout time.Duration, logger *slog.Logger) Dispatcher {
	return &dispatcher{
		transports:     transports,
		attemptTimeout: attemptTimeout,
		logger:         logger.With("layer", "delivery", "component", "dispatcher"),
	}
}

// Destination picks the address a channel delivers to.
func Destination(ch model.Channel, phone, email string) string {
	switch ch {
	case model.ChannelSMS, model.ChannelWhatsApp:
		return phone
	case model.ChannelEmail:
		return email
	}
	return ""
}

// Send tries channels in order and stops at the first success. Each channel
// is attempted at most once.
func (d *dispatcher) Send(ctx context.Context, channels []model.Channel, phone, email string, msg Message) (*Receipt, error) {
	var (
		tried   []model.Channel
		lastErr error
	)

	for _, ch := range channels {
		if slices.Contains(tried, ch) {
			continue
		}
		to := Destination(ch, phone, email)
		transport, ok := d.transports[ch]
		if to == "" || !ok {
			d.logger.DebugContext(ctx, "skipping channel", "channel", ch, "has_destination", to != "", "has_transport", ok)
			continue
		}
		tried = append(tried, ch)

		id, err := d.attempt(ctx, ch, transport, to, msg)
		if err != nil {
			lastErr = err
			d.logger.WarnContext(ctx, "delivery attempt failed", "channel", ch, "error", err)
			continue
		}

		d.logger.InfoContext(ctx, "delivered", "channel", ch, "receipt_id", id)
		return &Receipt{Channel: ch, ReceiptID: id}, nil
	}

	if len(tried) == 0 {
		return nil, fmt.Errorf("%w: channels=%v phone=%t email=%t", ErrNoUsableChannel, channels, phone != "", email != "")
	}
	return nil, fmt.Errorf("all channels failed %v: %w", tried, lastErr)
}

func (d *dispatcher) attempt(ctx context.Context, ch model.Channel, t Transport, to string, msg Message) (string, error) {
	if d.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
	}

	start := time.Now()
	id, err := t.Deliver(ctx, to, msg)
	metrics.DeliveryDuration.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())

	if err == nil && id == "" {
		err = errors.New("provider returned no message id")
	}
	if err != nil {
		metrics.DeliveryAttempts.WithLabelValues(string(ch), "failed").Inc()
		return "", err
	}
	metrics.DeliveryAttempts.WithLabelValues(string(ch), "delivered").Inc()
	return id, nil
}
