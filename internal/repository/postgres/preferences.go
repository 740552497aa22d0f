package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coeurlink/mailer/internal/domain"
	"github.com/coeurlink/mailer/internal/service/preference"
)

// PreferenceRepo implements preference.Store.
type PreferenceRepo struct{ db *sql.DB }

// NewPreferenceRepo creates a Postgres-backed preference store.
func NewPreferenceRepo(db *sql.DB) *PreferenceRepo { return &PreferenceRepo{db: db} }

func (r *PreferenceRepo) Get(ctx context.Context, userID string) (*domain.EmailPreference, error) {
	p := &domain.EmailPreference{}
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, marketing_consent, consent_given_at, COALESCE(consent_source,''),
		       unsubscribed_at, COALESCE(unsubscribe_reason,''), unsubscribe_token,
		       soft_bounce_count, is_hard_bounce, updated_at
		FROM email_preferences
		WHERE user_id = $1
	`, userID).Scan(
		&p.UserID, &p.MarketingConsent, &p.ConsentGivenAt, &p.ConsentSource,
		&p.UnsubscribedAt, &p.UnsubscribeReason, &p.UnsubscribeToken,
		&p.SoftBounceCount, &p.IsHardBounce, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, preference.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return p, nil
}

// UpsertConsent grants consent and clears prior unsubscribe state. The
// token only applies on insert; an existing row keeps its token so
// already-sent unsubscribe links stay valid.
func (r *PreferenceRepo) UpsertConsent(ctx context.Context, userID, source, token string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_preferences
			(user_id, marketing_consent, consent_given_at, consent_source,
			 unsubscribe_token, updated_at)
		VALUES ($1, true, NOW(), $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			marketing_consent  = true,
			consent_given_at   = NOW(),
			consent_source     = EXCLUDED.consent_source,
			unsubscribed_at    = NULL,
			unsubscribe_reason = NULL,
			updated_at         = NOW()
	`, userID, source, token)
	if err != nil {
		return fmt.Errorf("upsert consent: %w", err)
	}
	return nil
}

// WithdrawConsent is idempotent: repeated withdrawals keep the first
// unsubscribe timestamp and reason.
func (r *PreferenceRepo) WithdrawConsent(ctx context.Context, userID, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_preferences SET
			marketing_consent  = false,
			unsubscribe_reason = CASE WHEN unsubscribed_at IS NULL THEN $2 ELSE unsubscribe_reason END,
			unsubscribed_at    = COALESCE(unsubscribed_at, NOW()),
			updated_at         = NOW()
		WHERE user_id = $1
	`, userID, reason)
	if err != nil {
		return fmt.Errorf("withdraw consent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return preference.ErrNotFound
	}
	return nil
}

func (r *PreferenceRepo) UnsubscribeByToken(ctx context.Context, token, reason string) (string, error) {
	var userID string
	err := r.db.QueryRowContext(ctx, `
		UPDATE email_preferences SET
			marketing_consent  = false,
			unsubscribe_reason = CASE WHEN unsubscribed_at IS NULL THEN $2 ELSE unsubscribe_reason END,
			unsubscribed_at    = COALESCE(unsubscribed_at, NOW()),
			updated_at         = NOW()
		WHERE unsubscribe_token = $1
		RETURNING user_id
	`, token, reason).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", preference.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("unsubscribe by token: %w", err)
	}
	return userID, nil
}

// RotateToken swaps the unsubscribe token in place.
func (r *PreferenceRepo) RotateToken(ctx context.Context, userID, token string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_preferences
		SET unsubscribe_token = $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, token)
	if err != nil {
		return fmt.Errorf("rotate token: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return preference.ErrNotFound
	}
	return nil
}

// IncrementBounce applies bounce bookkeeping atomically, including the
// soft-to-hard escalation once the soft bounce count reaches the limit.
func (r *PreferenceRepo) IncrementBounce(ctx context.Context, userID string, hard bool) error {
	var res sql.Result
	var err error
	if hard {
		res, err = r.db.ExecContext(ctx, `
			UPDATE email_preferences
			SET is_hard_bounce = true, updated_at = NOW()
			WHERE user_id = $1
		`, userID)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE email_preferences SET
				soft_bounce_count = soft_bounce_count + 1,
				is_hard_bounce    = is_hard_bounce OR soft_bounce_count + 1 >= $2,
				updated_at        = NOW()
			WHERE user_id = $1
		`, userID, preference.SoftBounceLimit())
	}
	if err != nil {
		return fmt.Errorf("increment bounce: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return preference.ErrNotFound
	}
	return nil
}

// EligibleRecipients joins users with their preference rows. Users
// without a row never appear: eligibility requires explicit consent.
func (r *PreferenceRepo) EligibleRecipients(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.email, COALESCE(u.first_name,''), COALESCE(u.last_name,''),
		       p.unsubscribe_token
		FROM users u
		JOIN email_preferences p ON p.user_id = u.id
		WHERE p.marketing_consent = true
		  AND p.unsubscribed_at IS NULL
		  AND p.is_hard_bounce = false
		ORDER BY u.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("eligible recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rcpt domain.Recipient
		if err := rows.Scan(&rcpt.ID, &rcpt.Email, &rcpt.FirstName, &rcpt.LastName,
			&rcpt.UnsubscribeToken); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rcpt)
	}
	return out, rows.Err()
}
