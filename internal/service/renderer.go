package service

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/samims/hakhel/internal/calendar"
	"github.com/samims/hakhel/internal/delivery"
	"github.com/samims/hakhel/internal/model"
)

// MessageData is everything a template may reference.
type MessageData struct {
	Community   *model.Community
	Subject     *model.Subject
	Occurrence  calendar.Occurrence
	HebrewDate  string
	DateDisplay string
}

var (
	shortTemplate = template.Must(template.New("short").Parse(
		`שלום {{.Subject.Contact.FirstName}}, ` +
			`היארצייט של {{.Subject.Deceased.Name}} יחול ב{{.HebrewDate}} ({{.DateDisplay}}). ` +
			`{{.Community.Name}}`))

	emailTemplate = template.Must(template.New("email").Parse(
		`שלום {{.Subject.Contact.FirstName}} {{.Subject.Contact.LastName}},

אנו מבקשים להזכיר כי יום השנה לפטירת {{.Subject.Deceased.Name}}{{with .Subject.Relation}} ({{.}}){{end}} יחול ב{{.HebrewDate}}, {{.DateDisplay}}.

בברכה,
{{.Community.Name}}
`))
)

// Renderer builds message text from current subject and community data.
type Renderer struct {
	emailSubject string
	templates    map[model.Channel]*template.Template
}

func NewRenderer(emailSubject string) *Renderer {
	return &Renderer{
		emailSubject: emailSubject,
		templates: map[model.Channel]*template.Template{
			model.ChannelSMS:      shortTemplate,
			model.ChannelWhatsApp: shortTemplate,
			model.ChannelEmail:    emailTemplate,
		},
	}
}

func (r *Renderer) Render(ch model.Channel, community *model.Community, subject *model.Subject, occ calendar.Occurrence) (delivery.Message, error) {
	tmpl, ok := r.templates[ch]
	if !ok {
		return delivery.Message{}, fmt.Errorf("no template for channel %q", ch)
	}

	data := MessageData{
		Community:   community,
		Subject:     subject,
		Occurrence:  occ,
		HebrewDate:  fmt.Sprintf("%d ב%s", occ.Day, occ.Month.HebrewName()),
		DateDisplay: occ.Date.Format(time.DateOnly),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return delivery.Message{}, fmt.Errorf("render %s message: %w", ch, err)
	}

	return delivery.Message{
		Subject:   r.emailSubject,
		Body:      buf.String(),
		FromPhone: community.PhoneNumber,
		FromEmail: community.EmailAddress,
	}, nil
}
