// Package mailer wraps the outbound SMTP relay behind a small
// dispatcher interface. The transport keeps a bounded connection pool
// and its own per-second rate cap; callers bound concurrency
// separately, and the two limits must be configured consistently.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"golang.org/x/time/rate"

	"github.com/coeurlink/mailer/internal/config"
)

// Message is one outbound email, fully rendered.
type Message struct {
	To       string
	Subject  string
	HTML     string
	Text     string
	Headers  map[string]string
	FromName string
}

// Dispatcher sends rendered messages. Implemented by SMTPSender in
// production and stubbed in worker tests.
type Dispatcher interface {
	Send(ctx context.Context, msg *Message) error
}

// SMTPSender dispatches via a pooled SMTP connection.
type SMTPSender struct {
	pool    *email.Pool
	from    string
	limiter *rate.Limiter
	timeout time.Duration
}

// NewSMTPSender connects the pool to the configured relay.
func NewSMTPSender(cfg config.SMTPConfig) (*SMTPSender, error) {
	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	pool, err := email.NewPool(cfg.Addr(), cfg.MaxConns, auth)
	if err != nil {
		return nil, fmt.Errorf("smtp pool %s: %w", cfg.Addr(), err)
	}
	return &SMTPSender{
		pool:    pool,
		from:    cfg.From,
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.PerSecond),
		timeout: cfg.Timeout(),
	}, nil
}

// Send dispatches one message, blocking for the transport rate cap
// first. Returns the relay's error verbatim for retry classification.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}

	if err := s.pool.Send(buildEmail(s.from, msg), s.timeout); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildEmail(from string, msg *Message) *email.Email {
	e := email.NewEmail()
	e.From = from
	if msg.FromName != "" {
		e.From = fmt.Sprintf("%s <%s>", msg.FromName, from)
	}
	e.To = []string{msg.To}
	e.Subject = msg.Subject
	e.HTML = []byte(msg.HTML)
	if msg.Text != "" {
		e.Text = []byte(msg.Text)
	}
	for k, v := range msg.Headers {
		e.Headers.Set(k, v)
	}
	return e
}

// Close shuts down the connection pool.
func (s *SMTPSender) Close() {
	s.pool.Close()
}
