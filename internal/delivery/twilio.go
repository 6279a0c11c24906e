package delivery

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/model"
)

const whatsappPrefix = "whatsapp:"

// messageCreator is the slice of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioTransport sends SMS or WhatsApp messages.
type TwilioTransport struct {
	api      messageCreator
	channel  model.Channel
	from     string
	callback string
}

func NewTwilioClient(cfg config.DeliveryConfig) *twilio.RestClient {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	client.SetTimeout(cfg.AttemptTimeout)
	return client
}

func NewSMSTransport(api messageCreator, cfg config.DeliveryConfig) *TwilioTransport {
	return &TwilioTransport{
		api:      api,
		channel:  model.ChannelSMS,
		from:     cfg.TwilioPhoneNumber,
		callback: StatusCallbackURL(cfg.WebhookHost, model.ChannelSMS),
	}
}

// NewWhatsAppTransport always sends from the configured WhatsApp sender;
// community numbers are not registered with WhatsApp.
func NewWhatsAppTransport(api messageCreator, cfg config.DeliveryConfig) *TwilioTransport {
	return &TwilioTransport{
		api:      api,
		channel:  model.ChannelWhatsApp,
		from:     cfg.TwilioWhatsAppFrom,
		callback: StatusCallbackURL(cfg.WebhookHost, model.ChannelWhatsApp),
	}
}

func (t *TwilioTransport) Deliver(ctx context.Context, to string, msg Message) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetBody(msg.Body)

	switch t.channel {
	case model.ChannelWhatsApp:
		params.SetFrom(whatsappPrefix + t.from)
		params.SetTo(whatsappPrefix + to)
	default:
		from := msg.FromPhone
		if from == "" {
			from = t.from
		}
		params.SetFrom(from)
		params.SetTo(to)
	}
	if t.callback != "" {
		params.SetStatusCallback(t.callback)
	}

	type result struct {
		resp *twilioApi.ApiV2010Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.api.CreateMessage(params)
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("twilio %s: %w", t.channel, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("twilio %s: %w", t.channel, r.err)
		}
		if r.resp == nil || r.resp.Sid == nil {
			return "", fmt.Errorf("twilio %s: response without sid", t.channel)
		}
		return *r.resp.Sid, nil
	}
}

// StatusCallbackURL builds the delivery-status webhook for a channel. Local
// hosts get no callback since the provider cannot reach them.
func StatusCallbackURL(host string, ch model.Channel) string {
	if host == "" || strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
		return ""
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return strings.TrimRight(host, "/") + "/webhooks/twilio/status?modality=" + url.QueryEscape(string(ch))
}
