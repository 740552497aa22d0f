package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coeurlink/mailer/internal/domain"
)

// EventRepo records tracking events. Every event appends a row to the
// event log and bumps the per-event campaign counter; the first
// occurrence per send additionally stamps the send record and bumps the
// unique counter. All of it happens in one transaction with the send
// row locked, so concurrent opens of the same pixel cannot both count
// as the first.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event recorder.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

type lockedSend struct {
	id         string
	campaignID string
	userID     string
	status     domain.SendStatus
	openedAt   *time.Time
	clickedAt  *time.Time
	bouncedAt  *time.Time
}

func lockSend(ctx context.Context, tx *sql.Tx, trackingID string) (*lockedSend, error) {
	s := &lockedSend{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, campaign_id, user_id, status, opened_at, clicked_at, bounced_at
		FROM email_sends
		WHERE tracking_id = $1
		FOR UPDATE
	`, trackingID).Scan(&s.id, &s.campaignID, &s.userID, &s.status,
		&s.openedAt, &s.clickedAt, &s.bouncedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSendNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock send: %w", err)
	}
	return s, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e domain.EmailEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO email_events (id, send_id, type, first, ip_hash, user_agent, url, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, uuid.New().String(), e.SendID, e.Type, e.First, e.IPHash, e.UserAgent, e.URL)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecordOpen logs a pixel load. open_count increments on every load;
// unique_opens and the send's opened_at only on the first.
func (r *EventRepo) RecordOpen(ctx context.Context, trackingID, ipHash, userAgent string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	s, err := lockSend(ctx, tx, trackingID)
	if err != nil {
		return err
	}
	first := s.openedAt == nil

	if err := insertEvent(ctx, tx, domain.EmailEvent{
		SendID: s.id, Type: domain.EventOpened, First: first,
		IPHash: ipHash, UserAgent: userAgent,
	}); err != nil {
		return err
	}

	if first {
		if _, err := tx.ExecContext(ctx,
			`UPDATE email_sends SET opened_at = NOW() WHERE id = $1 AND opened_at IS NULL`,
			s.id); err != nil {
			return fmt.Errorf("stamp opened_at: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET
			open_count   = open_count + 1,
			unique_opens = unique_opens + $1,
			updated_at   = NOW()
		WHERE id = $2
	`, boolToInt(first), s.campaignID); err != nil {
		return fmt.Errorf("bump open counters: %w", err)
	}

	return tx.Commit()
}

// RecordClick logs a tracked link click and its target URL.
func (r *EventRepo) RecordClick(ctx context.Context, trackingID, url, ipHash, userAgent string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	s, err := lockSend(ctx, tx, trackingID)
	if err != nil {
		return err
	}
	first := s.clickedAt == nil

	if err := insertEvent(ctx, tx, domain.EmailEvent{
		SendID: s.id, Type: domain.EventClicked, First: first,
		IPHash: ipHash, UserAgent: userAgent, URL: url,
	}); err != nil {
		return err
	}

	if first {
		if _, err := tx.ExecContext(ctx,
			`UPDATE email_sends SET clicked_at = NOW() WHERE id = $1 AND clicked_at IS NULL`,
			s.id); err != nil {
			return fmt.Errorf("stamp clicked_at: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET
			click_count   = click_count + 1,
			unique_clicks = unique_clicks + $1,
			updated_at    = NOW()
		WHERE id = $2
	`, boolToInt(first), s.campaignID); err != nil {
		return fmt.Errorf("bump click counters: %w", err)
	}

	return tx.Commit()
}

// RecordBounce marks a send bounced and returns the affected user ID so
// the caller can update the recipient's bounce bookkeeping. Redelivered
// webhook notifications for an already-bounced send only append to the
// event log.
func (r *EventRepo) RecordBounce(ctx context.Context, trackingID, reason string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	s, err := lockSend(ctx, tx, trackingID)
	if err != nil {
		return "", err
	}
	first := s.bouncedAt == nil

	if err := insertEvent(ctx, tx, domain.EmailEvent{
		SendID: s.id, Type: domain.EventBounced, First: first, URL: "",
	}); err != nil {
		return "", err
	}

	if first {
		// FAILED is terminal and never revisited
		if _, err := tx.ExecContext(ctx, `
			UPDATE email_sends SET
				status     = CASE WHEN status IN ('PENDING','SENT') THEN 'BOUNCED' ELSE status END,
				bounced_at = NOW(),
				last_error = $2
			WHERE id = $1 AND bounced_at IS NULL
		`, s.id, reason); err != nil {
			return "", fmt.Errorf("mark bounced: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET bounce_count = bounce_count + 1, updated_at = NOW()
			WHERE id = $1
		`, s.campaignID); err != nil {
			return "", fmt.Errorf("bump bounce counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return s.userID, nil
}

// RecordUnsubscribe attributes an unsubscribe to the send whose link
// was clicked. The preference change itself happens elsewhere; this
// only feeds the campaign's statistics.
func (r *EventRepo) RecordUnsubscribe(ctx context.Context, trackingID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	s, err := lockSend(ctx, tx, trackingID)
	if err != nil {
		return err
	}

	var already bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM email_events WHERE send_id = $1 AND type = $2)
	`, s.id, domain.EventUnsubscribed).Scan(&already); err != nil {
		return fmt.Errorf("check prior unsubscribe: %w", err)
	}

	if err := insertEvent(ctx, tx, domain.EmailEvent{
		SendID: s.id, Type: domain.EventUnsubscribed, First: !already,
	}); err != nil {
		return err
	}

	if !already {
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET unsubscribe_count = unsubscribe_count + 1, updated_at = NOW()
			WHERE id = $1
		`, s.campaignID); err != nil {
			return fmt.Errorf("bump unsubscribe counter: %w", err)
		}
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
