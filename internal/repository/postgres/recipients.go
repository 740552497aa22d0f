package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/coeurlink/mailer/internal/domain"
)

// RecipientRepo resolves user identities for personalization.
type RecipientRepo struct{ db *sql.DB }

// NewRecipientRepo creates a Postgres-backed recipient resolver.
func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// ResolveBatch loads the recipients for a batch of user IDs in one
// query, keyed by user ID. IDs without a matching user are simply
// absent from the result; the caller treats those as transient
// failures.
func (r *RecipientRepo) ResolveBatch(ctx context.Context, userIDs []string) (map[string]domain.Recipient, error) {
	out := make(map[string]domain.Recipient, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.email, COALESCE(u.first_name,''), COALESCE(u.last_name,''),
		       COALESCE(p.unsubscribe_token,'')
		FROM users u
		LEFT JOIN email_preferences p ON p.user_id = u.id
		WHERE u.id = ANY($1)
	`, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rcpt domain.Recipient
		if err := rows.Scan(&rcpt.ID, &rcpt.Email, &rcpt.FirstName, &rcpt.LastName,
			&rcpt.UnsubscribeToken); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out[rcpt.ID] = rcpt
	}
	return out, rows.Err()
}
