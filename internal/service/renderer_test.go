package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/hakhel/internal/calendar"
	"github.com/samims/hakhel/internal/model"
)

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer("תזכורת יארצייט")
	c := &model.Community{ID: 1, Name: "קהילת שלום", PhoneNumber: "+97221234567", EmailAddress: "office@shalom.org"}
	subject := testSubject(1, 2)
	occ := calendar.Occurrence{Date: day("2025-04-13"), Year: 5785, Month: calendar.Nisan, Day: 15}

	t.Run("sms", func(t *testing.T) {
		msg, err := r.Render(model.ChannelSMS, c, subject, occ)
		require.NoError(t, err)
		assert.Contains(t, msg.Body, "Dana")
		assert.Contains(t, msg.Body, "Moshe Levi")
		assert.Contains(t, msg.Body, "15 בניסן")
		assert.Contains(t, msg.Body, "2025-04-13")
		assert.Equal(t, c.PhoneNumber, msg.FromPhone)
		assert.Equal(t, c.EmailAddress, msg.FromEmail)
	})

	t.Run("email carries subject line and relation", func(t *testing.T) {
		msg, err := r.Render(model.ChannelEmail, c, subject, occ)
		require.NoError(t, err)
		assert.Equal(t, "תזכורת יארצייט", msg.Subject)
		assert.Contains(t, msg.Body, "(father)")
		assert.Contains(t, msg.Body, c.Name)
	})

	t.Run("whatsapp shares the short template", func(t *testing.T) {
		sms, err := r.Render(model.ChannelSMS, c, subject, occ)
		require.NoError(t, err)
		wa, err := r.Render(model.ChannelWhatsApp, c, subject, occ)
		require.NoError(t, err)
		assert.Equal(t, sms.Body, wa.Body)
	})

	t.Run("unknown channel", func(t *testing.T) {
		_, err := r.Render(model.Channel("fax"), c, subject, occ)
		assert.Error(t, err)
	})
}
