package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/model"
)

type fakeTransport struct {
	id    string
	err   error
	delay time.Duration
	calls []string
}

func (f *fakeTransport) Deliver(ctx context.Context, to string, _ Message) (string, error) {
	f.calls = append(f.calls, to)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.id, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_Send(t *testing.T) {
	all := []model.Channel{model.ChannelSMS, model.ChannelWhatsApp, model.ChannelEmail}

	tests := []struct {
		name        string
		channels    []model.Channel
		phone       string
		email       string
		sms         *fakeTransport
		whatsapp    *fakeTransport
		mail        *fakeTransport
		wantChannel model.Channel
		wantID      string
		wantErr     error
		wantCalls   [3]int
	}{
		{
			name:        "first channel succeeds",
			channels:    all,
			phone:       "+15551234",
			email:       "a@example.com",
			sms:         &fakeTransport{id: "SM1"},
			whatsapp:    &fakeTransport{id: "WA1"},
			mail:        &fakeTransport{id: "EM1"},
			wantChannel: model.ChannelSMS,
			wantID:      "SM1",
			wantCalls:   [3]int{1, 0, 0},
		},
		{
			name:        "falls back after failures",
			channels:    all,
			phone:       "+15551234",
			email:       "a@example.com",
			sms:         &fakeTransport{err: errors.New("sms down")},
			whatsapp:    &fakeTransport{err: errors.New("wa down")},
			mail:        &fakeTransport{id: "EM1"},
			wantChannel: model.ChannelEmail,
			wantID:      "EM1",
			wantCalls:   [3]int{1, 1, 1},
		},
		{
			name:        "skips channels without destination",
			channels:    all,
			email:       "a@example.com",
			sms:         &fakeTransport{id: "SM1"},
			whatsapp:    &fakeTransport{id: "WA1"},
			mail:        &fakeTransport{id: "EM1"},
			wantChannel: model.ChannelEmail,
			wantID:      "EM1",
			wantCalls:   [3]int{0, 0, 1},
		},
		{
			name:      "nothing usable",
			channels:  []model.Channel{model.ChannelEmail},
			phone:     "+15551234",
			sms:       &fakeTransport{id: "SM1"},
			whatsapp:  &fakeTransport{id: "WA1"},
			mail:      &fakeTransport{id: "EM1"},
			wantErr:   ErrNoUsableChannel,
			wantCalls: [3]int{0, 0, 0},
		},
		{
			name:      "duplicate channels are tried once",
			channels:  []model.Channel{model.ChannelSMS, model.ChannelSMS},
			phone:     "+15551234",
			sms:       &fakeTransport{err: errors.New("sms down")},
			whatsapp:  &fakeTransport{},
			mail:      &fakeTransport{},
			wantErr:   errors.New("sms down"),
			wantCalls: [3]int{1, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(map[model.Channel]Transport{
				model.ChannelSMS:      tt.sms,
				model.ChannelWhatsApp: tt.whatsapp,
				model.ChannelEmail:    tt.mail,
			}, time.Second, discardLogger())

			receipt, err := d.Send(context.Background(), tt.channels, tt.phone, tt.email, Message{Body: "hi"})

			assert.Equal(t, tt.wantCalls, [3]int{len(tt.sms.calls), len(tt.whatsapp.calls), len(tt.mail.calls)})
			if tt.wantErr != nil {
				require.Error(t, err)
				if errors.Is(tt.wantErr, ErrNoUsableChannel) {
					assert.ErrorIs(t, err, ErrNoUsableChannel)
				} else {
					assert.Contains(t, err.Error(), tt.wantErr.Error())
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantChannel, receipt.Channel)
			assert.Equal(t, tt.wantID, receipt.ReceiptID)
		})
	}
}

func TestDispatcher_MissingTransportIsSkipped(t *testing.T) {
	email := &fakeTransport{id: "EM1"}
	d := NewDispatcher(map[model.Channel]Transport{model.ChannelEmail: email}, time.Second, discardLogger())

	receipt, err := d.Send(context.Background(), []model.Channel{model.ChannelWhatsApp, model.ChannelEmail}, "+1555", "a@example.com", Message{})
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, receipt.Channel)
}

func TestDispatcher_AttemptTimeout(t *testing.T) {
	slow := &fakeTransport{id: "SM1", delay: time.Second}
	fast := &fakeTransport{id: "EM1"}
	d := NewDispatcher(map[model.Channel]Transport{
		model.ChannelSMS:   slow,
		model.ChannelEmail: fast,
	}, 20*time.Millisecond, discardLogger())

	receipt, err := d.Send(context.Background(), []model.Channel{model.ChannelSMS, model.ChannelEmail}, "+1555", "a@example.com", Message{})
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, receipt.Channel)
}

type fakeTwilio struct {
	params *twilioApi.CreateMessageParams
	sid    string
	err    error
}

func (f *fakeTwilio) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{Sid: &f.sid}, nil
}

func TestTwilioTransport(t *testing.T) {
	cfg := config.DeliveryConfig{
		TwilioPhoneNumber:  "+15550000",
		TwilioWhatsAppFrom: "+14155238886",
		WebhookHost:        "hooks.example.com",
	}

	t.Run("sms uses community number", func(t *testing.T) {
		api := &fakeTwilio{sid: "SM123"}
		sid, err := NewSMSTransport(api, cfg).Deliver(context.Background(), "+15551234", Message{Body: "hi", FromPhone: "+15559999"})
		require.NoError(t, err)
		assert.Equal(t, "SM123", sid)
		assert.Equal(t, "+15559999", *api.params.From)
		assert.Equal(t, "+15551234", *api.params.To)
		assert.Equal(t, "https://hooks.example.com/webhooks/twilio/status?modality=sms", *api.params.StatusCallback)
	})

	t.Run("sms falls back to configured number", func(t *testing.T) {
		api := &fakeTwilio{sid: "SM124"}
		_, err := NewSMSTransport(api, cfg).Deliver(context.Background(), "+15551234", Message{Body: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "+15550000", *api.params.From)
	})

	t.Run("whatsapp prefixes both ends", func(t *testing.T) {
		api := &fakeTwilio{sid: "WA1"}
		_, err := NewWhatsAppTransport(api, cfg).Deliver(context.Background(), "+15551234", Message{Body: "hi", FromPhone: "+15559999"})
		require.NoError(t, err)
		assert.Equal(t, "whatsapp:+14155238886", *api.params.From)
		assert.Equal(t, "whatsapp:+15551234", *api.params.To)
	})

	t.Run("provider error", func(t *testing.T) {
		api := &fakeTwilio{err: errors.New("21211 invalid to")}
		_, err := NewSMSTransport(api, cfg).Deliver(context.Background(), "bogus", Message{Body: "hi"})
		assert.ErrorContains(t, err, "21211")
	})
}

func TestStatusCallbackURL(t *testing.T) {
	assert.Empty(t, StatusCallbackURL("", model.ChannelSMS))
	assert.Empty(t, StatusCallbackURL("http://localhost:3000", model.ChannelSMS))
	assert.Equal(t, "http://api.example.com/webhooks/twilio/status?modality=whatsapp",
		StatusCallbackURL("http://api.example.com/", model.ChannelWhatsApp))
}

type fakeSendGrid struct {
	sent *mail.SGMailV3
	resp *rest.Response
	err  error
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	f.sent = m
	return f.resp, f.err
}

func TestSendGridTransport(t *testing.T) {
	cfg := config.DeliveryConfig{SendGridFromEmail: "no-reply@hakhel.me", EmailSubject: "reminder"}

	t.Run("uses provider message id", func(t *testing.T) {
		client := &fakeSendGrid{resp: &rest.Response{
			StatusCode: http.StatusAccepted,
			Headers:    map[string][]string{"X-Message-Id": {"abc123"}},
		}}
		id, err := NewSendGridTransport(client, cfg).Deliver(context.Background(), "a@example.com", Message{Body: "hi", FromEmail: "office@shul.org"})
		require.NoError(t, err)
		assert.Equal(t, "abc123", id)
		assert.Equal(t, "office@shul.org", client.sent.From.Address)
		assert.Equal(t, "reminder", client.sent.Subject)
	})

	t.Run("synthesizes id without header", func(t *testing.T) {
		client := &fakeSendGrid{resp: &rest.Response{StatusCode: http.StatusAccepted}}
		id, err := NewSendGridTransport(client, cfg).Deliver(context.Background(), "a@example.com", Message{Body: "hi"})
		require.NoError(t, err)
		assert.Contains(t, id, "email-")
		assert.Equal(t, "no-reply@hakhel.me", client.sent.From.Address)
	})

	t.Run("non 2xx is an error", func(t *testing.T) {
		client := &fakeSendGrid{resp: &rest.Response{StatusCode: http.StatusUnauthorized, Body: "bad key"}}
		_, err := NewSendGridTransport(client, cfg).Deliver(context.Background(), "a@example.com", Message{Body: "hi"})
		assert.ErrorContains(t, err, "401")
	})
}
