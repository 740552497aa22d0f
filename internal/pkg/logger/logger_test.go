package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestRedactEmail(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"jeanne.doe@example.com", "je***@example.com"},
		{"jd@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"a@b@c", "***@***"},
	}
	for _, c := range cases {
		if got := RedactEmail(c.in); got != c.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLogRedactsEmailFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Info("send failed", "email", "jeanne.doe@example.com", "campaign_id", "c1")

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["email"] != "je***@example.com" {
		t.Errorf("email field not redacted: %q", entry["email"])
	}
	if entry["campaign_id"] != "c1" {
		t.Errorf("campaign_id mangled: %q", entry["campaign_id"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %q, want INFO", entry["level"])
	}
}

func TestLogRedactsEmbeddedEmails(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Warn("smtp error", "err", "550 mailbox jeanne.doe@example.com unavailable")

	if strings.Contains(buf.String(), "jeanne.doe@") {
		t.Errorf("embedded email leaked: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(WARN)
	defer func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
	}()

	Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("INFO entry written despite WARN level: %s", buf.String())
	}
	Warn("should pass")
	if buf.Len() == 0 {
		t.Error("WARN entry dropped")
	}
}
