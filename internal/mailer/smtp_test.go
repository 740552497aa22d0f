package mailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEmail(t *testing.T) {
	msg := &Message{
		To:      "lea@example.com",
		Subject: "Nouveaux profils pour vous",
		HTML:    "<html><body>Bonjour</body></html>",
		Headers: map[string]string{
			"List-Unsubscribe":      "<https://app.example.com/unsubscribe/tok>",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
			"X-Campaign-Id":         "42",
		},
	}

	e := buildEmail("noreply@example.com", msg)

	require.Equal(t, []string{"lea@example.com"}, e.To)
	assert.Equal(t, "noreply@example.com", e.From)
	assert.Equal(t, "Nouveaux profils pour vous", e.Subject)
	assert.Equal(t, msg.HTML, string(e.HTML))
	assert.Empty(t, e.Text)
	assert.Equal(t, "<https://app.example.com/unsubscribe/tok>", e.Headers.Get("List-Unsubscribe"))
	assert.Equal(t, "List-Unsubscribe=One-Click", e.Headers.Get("List-Unsubscribe-Post"))
	assert.Equal(t, "42", e.Headers.Get("X-Campaign-Id"))
}

func TestBuildEmailFromName(t *testing.T) {
	e := buildEmail("noreply@example.com", &Message{
		To:       "lea@example.com",
		FromName: "CoeurLink",
		Text:     "plain fallback",
	})

	assert.Equal(t, "CoeurLink <noreply@example.com>", e.From)
	assert.Equal(t, "plain fallback", string(e.Text))
}
