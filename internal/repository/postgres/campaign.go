// Package postgres implements the persistence contracts against
// PostgreSQL using database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/coeurlink/mailer/internal/domain"
	"github.com/coeurlink/mailer/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignCols = `
	id, name, subject, COALESCE(from_name,''), from_email,
	html_content, COALESCE(text_content,''), status, paused,
	sent_count, failed_count, bounce_count,
	open_count, unique_opens, click_count, unique_clicks,
	unsubscribe_count, created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.HTMLContent, &c.TextContent, &c.Status, &c.Paused,
		&c.SentCount, &c.FailedCount, &c.BounceCount,
		&c.OpenCount, &c.UniqueOpens, &c.ClickCount, &c.UniqueClicks,
		&c.UnsubscribeCount, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM campaigns`
	var countArgs []interface{}
	if f.Status != "" {
		countQ += ` WHERE status = $1`
		countArgs = append(countArgs, f.Status)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignCols + ` FROM campaigns`
	var args []interface{}
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(` WHERE status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, subject, from_name, from_email, html_content,
			 text_content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, c.ID, c.Name, c.Subject, c.FromName, c.FromEmail,
		c.HTMLContent, c.TextContent, c.Status)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return c.ID, nil
}

// UpdateStatus is a guarded transition: the row must currently be in
// the from status or nothing happens and ErrNotFound is returned.
func (r *CampaignRepo) UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) SetPaused(ctx context.Context, id string, paused bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET paused = $1, updated_at = NOW()
		WHERE id = $2
	`, paused, id)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

// Active returns campaigns the batch sender should work on: SENDING
// and not paused, oldest first so a long-running campaign finishes
// before newer ones start consuming budget.
func (r *CampaignRepo) Active(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns
		 WHERE status = $1 AND paused = false
		 ORDER BY created_at ASC`, domain.CampaignSending)
	if err != nil {
		return nil, fmt.Errorf("active campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// IncrementCounters applies a batch of additive counter deltas in one
// statement so concurrent writers never lose updates.
func (r *CampaignRepo) IncrementCounters(ctx context.Context, id string, d campaign.CounterDelta) error {
	if d == (campaign.CounterDelta{}) {
		return nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			sent_count        = sent_count + $1,
			failed_count      = failed_count + $2,
			bounce_count      = bounce_count + $3,
			open_count        = open_count + $4,
			unique_opens      = unique_opens + $5,
			click_count       = click_count + $6,
			unique_clicks     = unique_clicks + $7,
			unsubscribe_count = unsubscribe_count + $8,
			updated_at        = NOW()
		WHERE id = $9
	`, d.Sent, d.Failed, d.Bounced, d.Opens, d.UniqueOpens,
		d.Clicks, d.UniqueClicks, d.Unsubscribes, id)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}
