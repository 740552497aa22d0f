// Package preference manages per-user marketing consent. Consent is
// explicit opt-in: a user with no preference row has never consented
// and is never eligible for marketing email.
package preference

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/coeurlink/mailer/internal/domain"
	"github.com/coeurlink/mailer/internal/pkg/logger"
)

var ErrNotFound = errors.New("preference not found")

// A recipient whose soft bounce count reaches this threshold is treated
// as a hard bounce and dropped from future sends.
const softBounceLimit = 3

// Store is the persistence contract for preference rows.
type Store interface {
	Get(ctx context.Context, userID string) (*domain.EmailPreference, error)
	// UpsertConsent grants consent, keeping any existing unsubscribe
	// token and clearing prior unsubscribe state. The token argument is
	// only used when the row is created.
	UpsertConsent(ctx context.Context, userID, source, token string) error
	WithdrawConsent(ctx context.Context, userID, reason string) error
	// UnsubscribeByToken withdraws consent for the row holding the
	// token and returns its user ID. Unknown tokens yield ErrNotFound.
	UnsubscribeByToken(ctx context.Context, token, reason string) (string, error)
	// RotateToken replaces the user's unsubscribe token. Unknown users
	// yield ErrNotFound.
	RotateToken(ctx context.Context, userID, token string) error
	IncrementBounce(ctx context.Context, userID string, hard bool) error
	EligibleRecipients(ctx context.Context) ([]domain.Recipient, error)
}

// Service applies the consent rules on top of the store.
type Service struct {
	store Store
}

// NewService wires a preference service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns a user's preference row.
func (s *Service) Get(ctx context.Context, userID string) (*domain.EmailPreference, error) {
	return s.store.Get(ctx, userID)
}

// IsEligible reports whether a user may receive marketing email. All
// four conditions must hold: a preference row exists, consent is
// granted, the user has not unsubscribed, and the address has not hard
// bounced.
func (s *Service) IsEligible(ctx context.Context, userID string) (bool, error) {
	p, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.MarketingConsent && p.UnsubscribedAt == nil && !p.IsHardBounce, nil
}

// OptIn records explicit consent from the given source. Re-consenting
// after an unsubscribe clears the unsubscribe state. Idempotent.
func (s *Service) OptIn(ctx context.Context, userID, source string) error {
	token, err := newToken()
	if err != nil {
		return err
	}
	if err := s.store.UpsertConsent(ctx, userID, source, token); err != nil {
		return fmt.Errorf("record consent: %w", err)
	}
	logger.Info("marketing consent granted", "user_id", userID, "source", source)
	return nil
}

// OptOut withdraws consent for a known user. Idempotent.
func (s *Service) OptOut(ctx context.Context, userID, reason string) error {
	if err := s.store.WithdrawConsent(ctx, userID, reason); err != nil {
		return err
	}
	logger.Info("marketing consent withdrawn", "user_id", userID)
	return nil
}

// UnsubscribeByToken handles a one-click unsubscribe. The operation is
// idempotent; a second click on the same link succeeds without change.
// Returns the affected user ID for event attribution.
func (s *Service) UnsubscribeByToken(ctx context.Context, token, reason string) (string, error) {
	if token == "" {
		return "", ErrNotFound
	}
	userID, err := s.store.UnsubscribeByToken(ctx, token, reason)
	if err != nil {
		return "", err
	}
	logger.Info("unsubscribed via token", "user_id", userID)
	return userID, nil
}

// RotateToken mints a fresh unsubscribe token for the user and returns
// it. Footer links in already-delivered email stop resolving; the next
// send carries the new token.
func (s *Service) RotateToken(ctx context.Context, userID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.store.RotateToken(ctx, userID, token); err != nil {
		return "", err
	}
	logger.Info("unsubscribe token rotated", "user_id", userID)
	return token, nil
}

// RecordBounce updates bounce bookkeeping for a user. Hard bounces
// disqualify immediately; soft bounces accumulate and disqualify once
// they reach the limit. The store applies the escalation atomically.
func (s *Service) RecordBounce(ctx context.Context, userID string, hard bool) error {
	return s.store.IncrementBounce(ctx, userID, hard)
}

// EligibleRecipients enumerates all users currently eligible for
// marketing email.
func (s *Service) EligibleRecipients(ctx context.Context) ([]domain.Recipient, error) {
	return s.store.EligibleRecipients(ctx)
}

// SoftBounceLimit exposes the escalation threshold to the store layer.
func SoftBounceLimit() int { return softBounceLimit }

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
