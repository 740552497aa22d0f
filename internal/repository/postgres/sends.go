package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/coeurlink/mailer/internal/domain"
)

var ErrSendNotFound = errors.New("send not found")

// SendRepo persists per-recipient send records.
type SendRepo struct{ db *sql.DB }

// NewSendRepo creates a Postgres-backed send repository.
func NewSendRepo(db *sql.DB) *SendRepo { return &SendRepo{db: db} }

// CreateBatch bulk-inserts PENDING send records via COPY. A campaign
// send can enqueue tens of thousands of rows at once, so row-at-a-time
// inserts are off the table.
func (r *SendRepo) CreateBatch(ctx context.Context, sends []domain.EmailSend) error {
	if len(sends) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("email_sends",
		"id", "campaign_id", "user_id", "email", "tracking_id", "status"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, s := range sends {
		if _, err := stmt.ExecContext(ctx,
			s.ID, s.CampaignID, s.UserID, s.Email, s.TrackingID, domain.SendPending); err != nil {
			stmt.Close()
			return fmt.Errorf("copy send %s: %w", s.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkSentBatch moves PENDING sends to SENT in one statement. The
// status guard keeps a late success report from reviving a send that
// already reached a terminal state.
func (r *SendRepo) MarkSentBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = $1, sent_at = NOW(), attempts = attempts + 1
		WHERE id = ANY($2) AND status = $3
	`, domain.SendSent, pq.Array(ids), domain.SendPending)
	if err != nil {
		return 0, fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkFailedBatch records dispatch failures in one statement. Terminal
// failures become FAILED; transient ones stay PENDING with attempts and
// last_error updated for the retry.
func (r *SendRepo) MarkFailedBatch(ctx context.Context, failures []domain.SendFailure) error {
	if len(failures) == 0 {
		return nil
	}

	ids := make([]string, len(failures))
	errs := make([]string, len(failures))
	terminal := make([]bool, len(failures))
	attempts := make([]int64, len(failures))
	for i, f := range failures {
		ids[i] = f.SendID
		errs[i] = f.Error
		terminal[i] = f.Terminal
		attempts[i] = int64(f.Attempts)
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE email_sends AS s SET
			status     = CASE WHEN f.terminal THEN 'FAILED' ELSE s.status END,
			attempts   = f.attempts,
			last_error = f.last_error
		FROM (
			SELECT unnest($1::text[])  AS id,
			       unnest($2::text[])  AS last_error,
			       unnest($3::bool[])  AS terminal,
			       unnest($4::int[])   AS attempts
		) f
		WHERE s.id = f.id AND s.status = 'PENDING'
	`, pq.Array(ids), pq.Array(errs), pq.Array(terminal), pq.Array(attempts))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// CountPending reports how many sends of a campaign have not reached a
// terminal state yet. Zero pending with an empty queue means the
// campaign is complete.
func (r *SendRepo) CountPending(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_sends
		WHERE campaign_id = $1 AND status = $2
	`, campaignID, domain.SendPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// GetByTrackingID resolves a send from its external correlation key.
func (r *SendRepo) GetByTrackingID(ctx context.Context, trackingID string) (*domain.EmailSend, error) {
	s := &domain.EmailSend{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, user_id, email, tracking_id, status,
		       attempts, COALESCE(last_error,''),
		       sent_at, opened_at, clicked_at, bounced_at, created_at
		FROM email_sends
		WHERE tracking_id = $1
	`, trackingID).Scan(
		&s.ID, &s.CampaignID, &s.UserID, &s.Email, &s.TrackingID, &s.Status,
		&s.Attempts, &s.LastError,
		&s.SentAt, &s.OpenedAt, &s.ClickedAt, &s.BouncedAt, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSendNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send by tracking id: %w", err)
	}
	return s, nil
}
