// Package campaign implements campaign lifecycle management: creation,
// listing, pause/resume and the transition from draft to an actively
// sending campaign with its per-recipient send records enqueued.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/coeurlink/mailer/internal/domain"
	"github.com/coeurlink/mailer/internal/pkg/logger"
)

var (
	ErrNotFound   = errors.New("campaign not found")
	ErrNotDraft   = errors.New("campaign is not a draft")
	ErrNotSending = errors.New("campaign is not sending")
	ErrInvalid    = errors.New("invalid campaign")
)

// ListFilter narrows List results.
type ListFilter struct {
	Status domain.CampaignStatus
	Limit  int
	Offset int
}

// CounterDelta is a batch of counter increments applied atomically to a
// campaign row. Deltas are additive so concurrent batches never clobber
// each other.
type CounterDelta struct {
	Sent         int
	Failed       int
	Bounced      int
	Opens        int
	UniqueOpens  int
	Clicks       int
	UniqueClicks int
	Unsubscribes int
}

// Repository is the persistence contract for campaigns.
type Repository interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error)
	Create(ctx context.Context, c *domain.Campaign) (string, error)
	// UpdateStatus moves a campaign from one status to another and
	// reports ErrNotFound when no row is in the expected state, which
	// makes lifecycle transitions race-safe.
	UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error
	SetPaused(ctx context.Context, id string, paused bool) error
	Active(ctx context.Context) ([]domain.Campaign, error)
	IncrementCounters(ctx context.Context, id string, d CounterDelta) error
}

// SendStore persists per-recipient send records.
type SendStore interface {
	CreateBatch(ctx context.Context, sends []domain.EmailSend) error
}

// EligibilitySource enumerates recipients who may be mailed.
type EligibilitySource interface {
	EligibleRecipients(ctx context.Context) ([]domain.Recipient, error)
}

// Enqueuer pushes queued emails onto a campaign's send queue.
type Enqueuer interface {
	Push(ctx context.Context, campaignID string, items ...domain.QueuedEmail) error
}

// Service orchestrates campaign operations.
type Service struct {
	repo     Repository
	sends    SendStore
	eligible EligibilitySource
	queue    Enqueuer
}

// NewService wires a campaign service.
func NewService(repo Repository, sends SendStore, eligible EligibilitySource, queue Enqueuer) *Service {
	return &Service{repo: repo, sends: sends, eligible: eligible, queue: queue}
}

// Create validates and persists a new draft campaign.
func (s *Service) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalid)
	}
	if strings.TrimSpace(c.FromEmail) == "" {
		return "", fmt.Errorf("%w: from_email is required", ErrInvalid)
	}
	if strings.TrimSpace(c.HTMLContent) == "" {
		return "", fmt.Errorf("%w: html_content is required", ErrInvalid)
	}
	c.Status = domain.CampaignDraft
	return s.repo.Create(ctx, c)
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns matching the filter plus the unfiltered total.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, f)
}

// Pause stops batch processing for a sending campaign. Queued items
// stay queued; already-dispatched emails are not recalled.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.setPaused(ctx, id, true)
}

// Resume re-enables batch processing for a paused campaign.
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.setPaused(ctx, id, false)
}

func (s *Service) setPaused(ctx context.Context, id string, paused bool) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignSending {
		return ErrNotSending
	}
	return s.repo.SetPaused(ctx, id, paused)
}

// Send moves a draft campaign into SENDING, creates a PENDING send
// record per eligible recipient and enqueues them all. Returns the
// number of recipients enqueued. Recipients without explicit marketing
// consent never make it into the queue.
func (s *Service) Send(ctx context.Context, id string) (int, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status != domain.CampaignDraft {
		return 0, ErrNotDraft
	}

	if err := s.repo.UpdateStatus(ctx, id, domain.CampaignDraft, domain.CampaignSending); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Lost the race with a concurrent Send
			return 0, ErrNotDraft
		}
		return 0, err
	}

	recipients, err := s.eligible.EligibleRecipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate recipients: %w", err)
	}

	sends := make([]domain.EmailSend, 0, len(recipients))
	items := make([]domain.QueuedEmail, 0, len(recipients))
	for _, rcpt := range recipients {
		send := domain.EmailSend{
			ID:         uuid.New().String(),
			CampaignID: id,
			UserID:     rcpt.ID,
			Email:      rcpt.Email,
			TrackingID: uuid.New().String(),
			Status:     domain.SendPending,
		}
		sends = append(sends, send)
		items = append(items, domain.QueuedEmail{
			CampaignID: id,
			UserID:     rcpt.ID,
			Email:      rcpt.Email,
			TrackingID: send.TrackingID,
			SendID:     send.ID,
		})
	}

	if len(sends) > 0 {
		if err := s.sends.CreateBatch(ctx, sends); err != nil {
			return 0, fmt.Errorf("create send records: %w", err)
		}
		if err := s.queue.Push(ctx, id, items...); err != nil {
			return 0, fmt.Errorf("enqueue: %w", err)
		}
	}

	logger.Info("campaign send started",
		"campaign_id", id, "recipients", len(items))
	return len(items), nil
}
