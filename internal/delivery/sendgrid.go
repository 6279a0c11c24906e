package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/samims/hakhel/internal/config"
)

type emailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridTransport struct {
	client  emailClient
	from    string
	subject string
}

func NewSendGridClient(cfg config.DeliveryConfig) *sendgrid.Client {
	return sendgrid.NewSendClient(cfg.SendGridAPIKey)
}

func NewSendGridTransport(client emailClient, cfg config.DeliveryConfig) *SendGridTransport {
	return &SendGridTransport{
		client:  client,
		from:    cfg.SendGridFromEmail,
		subject: cfg.EmailSubject,
	}
}

func (t *SendGridTransport) Deliver(ctx context.Context, to string, msg Message) (string, error) {
	from := msg.FromEmail
	if from == "" {
		from = t.from
	}
	subject := msg.Subject
	if subject == "" {
		subject = t.subject
	}

	m := mail.NewV3MailInit(
		mail.NewEmail("", from),
		subject,
		mail.NewEmail("", to),
		mail.NewContent("text/plain", msg.Body),
	)

	resp, err := t.client.SendWithContext(ctx, m)
	if err != nil {
		return "", fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sendgrid failed with status %d: %s", resp.StatusCode, resp.Body)
	}

	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 && ids[0] != "" {
		return ids[0], nil
	}
	return "email-" + uuid.NewString(), nil
}
