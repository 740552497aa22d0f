// Package worker contains the send pipeline: the batch sender that
// drains campaign queues through the SMTP dispatcher, and the cron
// driver that runs it under a distributed lock within a wall-clock
// budget.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coeurlink/mailer/internal/domain"
	"github.com/coeurlink/mailer/internal/mailer"
	"github.com/coeurlink/mailer/internal/metrics"
	"github.com/coeurlink/mailer/internal/pkg/logger"
	"github.com/coeurlink/mailer/internal/service/campaign"
	"github.com/coeurlink/mailer/internal/template"
	"github.com/coeurlink/mailer/internal/tracking"
)

// A send gets this many attempts total before it fails terminally.
const maxAttempts = 2

// SendQueue is the queue surface the batch sender needs.
type SendQueue interface {
	Pop(ctx context.Context, campaignID string) (*domain.QueuedEmail, error)
	IsEmpty(ctx context.Context, campaignID string) (bool, error)
	PushToRetry(ctx context.Context, item domain.QueuedEmail, errMsg string) error
}

// RecipientSource resolves queued user IDs to mailable identities.
type RecipientSource interface {
	ResolveBatch(ctx context.Context, userIDs []string) (map[string]domain.Recipient, error)
}

// SendStore persists dispatch outcomes in bulk.
type SendStore interface {
	MarkSentBatch(ctx context.Context, ids []string) (int64, error)
	MarkFailedBatch(ctx context.Context, failures []domain.SendFailure) error
}

// CounterStore applies campaign counter deltas.
type CounterStore interface {
	IncrementCounters(ctx context.Context, id string, d campaign.CounterDelta) error
}

// Throttle reserves send slots against the shared rate limit.
type Throttle interface {
	Reserve(ctx context.Context, n int) (allowed bool, wait time.Duration, err error)
}

// BatchSenderConfig sizes one batch.
type BatchSenderConfig struct {
	BatchSize   int
	Concurrency int
}

// BatchSender processes one batch of queued sends for a campaign:
// dequeue, personalize, rewrite for tracking, dispatch, persist
// outcomes. Outcomes are written in two bulk statements plus one
// counter update, not per email.
type BatchSender struct {
	queue      SendQueue
	recipients RecipientSource
	sends      SendStore
	counters   CounterStore
	dispatcher mailer.Dispatcher
	tracker    *tracking.Processor
	throttle   Throttle
	metrics    *metrics.Metrics
	cfg        BatchSenderConfig
}

// NewBatchSender wires a batch sender.
func NewBatchSender(
	queue SendQueue,
	recipients RecipientSource,
	sends SendStore,
	counters CounterStore,
	dispatcher mailer.Dispatcher,
	tracker *tracking.Processor,
	throttle Throttle,
	m *metrics.Metrics,
	cfg BatchSenderConfig,
) *BatchSender {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &BatchSender{
		queue:      queue,
		recipients: recipients,
		sends:      sends,
		counters:   counters,
		dispatcher: dispatcher,
		tracker:    tracker,
		throttle:   throttle,
		metrics:    m,
		cfg:        cfg,
	}
}

// BatchResult reports one batch. Done means the campaign's queue was
// exhausted; retried sends may still be waiting out their backoff.
type BatchResult struct {
	Sent    int
	Failed  int
	Retried int
	Done    bool
}

type dispatchFailure struct {
	item   domain.QueuedEmail
	errMsg string
}

// ProcessBatch drains up to BatchSize records from the campaign's queue
// and dispatches them with bounded concurrency. A paused campaign is
// left untouched, nothing dequeued.
func (s *BatchSender) ProcessBatch(ctx context.Context, c *domain.Campaign) (BatchResult, error) {
	if c.Paused {
		return BatchResult{}, nil
	}

	started := time.Now()
	defer func() {
		s.metrics.BatchDuration.Observe(time.Since(started).Seconds())
	}()

	items, err := s.dequeue(ctx, c.ID)
	if err != nil {
		return BatchResult{}, err
	}
	if len(items) == 0 {
		return BatchResult{Done: true}, nil
	}

	userIDs := make([]string, len(items))
	for i, item := range items {
		userIDs[i] = item.UserID
	}
	resolved, err := s.recipients.ResolveBatch(ctx, userIDs)
	if err != nil {
		// Nothing was dispatched: requeue with attempt counts untouched.
		// Only per-recipient dispatch failures count against the retry
		// budget; a store outage must never burn one.
		for _, item := range items {
			if pushErr := s.queue.PushToRetry(ctx, item, "resolve recipients: "+err.Error()); pushErr != nil {
				logger.Error("requeue after resolve failure", "send_id", item.SendID, "err", pushErr)
			}
		}
		return BatchResult{}, fmt.Errorf("resolve recipients: %w", err)
	}

	var (
		mu       sync.Mutex
		sentIDs  []string
		failures []dispatchFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := s.dispatchOne(gctx, c, item, resolved); err != nil {
				mu.Lock()
				failures = append(failures, dispatchFailure{item: item, errMsg: err.Error()})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			sentIDs = append(sentIDs, item.SendID)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Sent: len(sentIDs), Failed: len(failures)}

	if _, err := s.sends.MarkSentBatch(ctx, sentIDs); err != nil {
		return res, fmt.Errorf("persist sent batch: %w", err)
	}
	s.metrics.EmailsSent.Add(float64(len(sentIDs)))

	terminal, err := s.handleFailures(ctx, failures)
	if err != nil {
		return res, err
	}
	res.Retried = len(failures) - terminal

	if err := s.counters.IncrementCounters(ctx, c.ID, campaign.CounterDelta{
		Sent:   len(sentIDs),
		Failed: terminal,
	}); err != nil {
		return res, fmt.Errorf("update campaign counters: %w", err)
	}

	empty, err := s.queue.IsEmpty(ctx, c.ID)
	if err != nil {
		return res, err
	}
	res.Done = empty

	logger.Info("batch processed", "campaign_id", c.ID,
		"sent", res.Sent, "failed", res.Failed, "retried", res.Retried, "done", res.Done)
	return res, nil
}

func (s *BatchSender) dequeue(ctx context.Context, campaignID string) ([]domain.QueuedEmail, error) {
	items := make([]domain.QueuedEmail, 0, s.cfg.BatchSize)
	for len(items) < s.cfg.BatchSize {
		item, err := s.queue.Pop(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if item == nil {
			break
		}
		items = append(items, *item)
	}
	return items, nil
}

func (s *BatchSender) dispatchOne(ctx context.Context, c *domain.Campaign,
	item domain.QueuedEmail, resolved map[string]domain.Recipient) error {

	rcpt, ok := resolved[item.UserID]
	if !ok {
		// Transient: the user row may be mid-migration
		return fmt.Errorf("recipient %s not found", item.UserID)
	}

	unsubURL := s.tracker.UnsubscribeURL(rcpt.UnsubscribeToken, item.TrackingID)
	vars := map[string]any{
		"first_name":      rcpt.FirstName,
		"last_name":       rcpt.LastName,
		"name":            strings.TrimSpace(rcpt.FirstName + " " + rcpt.LastName),
		"email":           rcpt.Email,
		"unsubscribe_url": unsubURL,
	}

	subject := template.Render(c.Subject, vars)
	html := template.Render(c.HTMLContent, vars)
	html = s.tracker.Process(html, item.TrackingID, unsubURL)

	if err := s.waitForSlot(ctx); err != nil {
		return err
	}

	return s.dispatcher.Send(ctx, &mailer.Message{
		To:       rcpt.Email,
		Subject:  subject,
		HTML:     html,
		FromName: c.FromName,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
			"X-Campaign-Id":         c.ID,
			"X-Tracking-Id":         item.TrackingID,
		},
	})
}

func (s *BatchSender) waitForSlot(ctx context.Context) error {
	for {
		allowed, wait, err := s.throttle.Reserve(ctx, 1)
		if err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// handleFailures routes each failure to the retry set or to terminal
// FAILED, persists all of them in one statement, and returns the
// terminal count.
func (s *BatchSender) handleFailures(ctx context.Context, failures []dispatchFailure) (int, error) {
	if len(failures) == 0 {
		return 0, nil
	}

	records := make([]domain.SendFailure, 0, len(failures))
	terminal := 0
	for _, f := range failures {
		attempts := f.item.Attempts + 1
		isTerminal := attempts >= maxAttempts
		records = append(records, domain.SendFailure{
			SendID:   f.item.SendID,
			Error:    f.errMsg,
			Terminal: isTerminal,
			Attempts: attempts,
		})
		if isTerminal {
			terminal++
			s.metrics.EmailsFailed.Inc()
			logger.Error("send failed terminally",
				"send_id", f.item.SendID, "recipient", f.item.Email, "err", f.errMsg)
			continue
		}
		item := f.item
		item.Attempts = attempts
		if err := s.queue.PushToRetry(ctx, item, f.errMsg); err != nil {
			return terminal, fmt.Errorf("push to retry: %w", err)
		}
		s.metrics.EmailsRetried.Inc()
	}

	if err := s.sends.MarkFailedBatch(ctx, records); err != nil {
		return terminal, fmt.Errorf("persist failed batch: %w", err)
	}
	return terminal, nil
}
