package campaign

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coeurlink/mailer/internal/domain"
)

type memRepo struct {
	campaigns map[string]*domain.Campaign
}

func newMemRepo() *memRepo {
	return &memRepo{campaigns: map[string]*domain.Campaign{}}
}

func (m *memRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, len(m.campaigns), nil
}

func (m *memRepo) Create(_ context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = "c-1"
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return c.ID, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id string, from, to domain.CampaignStatus) error {
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return ErrNotFound
	}
	c.Status = to
	return nil
}

func (m *memRepo) SetPaused(_ context.Context, id string, paused bool) error {
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Paused = paused
	return nil
}

func (m *memRepo) Active(_ context.Context) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.Status == domain.CampaignSending && !c.Paused {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memRepo) IncrementCounters(_ context.Context, id string, d CounterDelta) error {
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.SentCount += d.Sent
	c.FailedCount += d.Failed
	return nil
}

type memSends struct{ created []domain.EmailSend }

func (m *memSends) CreateBatch(_ context.Context, sends []domain.EmailSend) error {
	m.created = append(m.created, sends...)
	return nil
}

type memEligible struct{ recipients []domain.Recipient }

func (m *memEligible) EligibleRecipients(_ context.Context) ([]domain.Recipient, error) {
	return m.recipients, nil
}

type memQueue struct{ pushed map[string][]domain.QueuedEmail }

func (m *memQueue) Push(_ context.Context, campaignID string, items ...domain.QueuedEmail) error {
	if m.pushed == nil {
		m.pushed = map[string][]domain.QueuedEmail{}
	}
	m.pushed[campaignID] = append(m.pushed[campaignID], items...)
	return nil
}

func newTestService(repo *memRepo, eligible []domain.Recipient) (*Service, *memSends, *memQueue) {
	sends := &memSends{}
	q := &memQueue{}
	svc := NewService(repo, sends, &memEligible{recipients: eligible}, q)
	return svc, sends, q
}

func draft(id string) *domain.Campaign {
	return &domain.Campaign{
		ID:          id,
		Name:        "Weekly matches",
		Subject:     "De nouveaux profils vous attendent",
		FromEmail:   "noreply@example.com",
		HTMLContent: "<html><body>Bonjour {{first_name}}</body></html>",
		Status:      domain.CampaignDraft,
	}
}

func TestCreateValidates(t *testing.T) {
	svc, _, _ := newTestService(newMemRepo(), nil)

	cases := []struct {
		name string
		mut  func(*domain.Campaign)
	}{
		{"missing name", func(c *domain.Campaign) { c.Name = "" }},
		{"missing subject", func(c *domain.Campaign) { c.Subject = "" }},
		{"missing from", func(c *domain.Campaign) { c.FromEmail = "" }},
		{"missing html", func(c *domain.Campaign) { c.HTMLContent = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := draft("")
			tc.mut(c)
			_, err := svc.Create(context.Background(), c)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestCreateForcesDraftStatus(t *testing.T) {
	repo := newMemRepo()
	svc, _, _ := newTestService(repo, nil)

	c := draft("")
	c.Status = domain.CampaignSending
	id, err := svc.Create(context.Background(), c)
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignDraft, got.Status)
}

func TestSendCreatesRecordsAndEnqueues(t *testing.T) {
	repo := newMemRepo()
	repo.campaigns["c-1"] = draft("c-1")
	recipients := []domain.Recipient{
		{ID: "u-1", Email: "lea@example.com", FirstName: "Léa"},
		{ID: "u-2", Email: "marc@example.com", FirstName: "Marc"},
	}
	svc, sends, q := newTestService(repo, recipients)

	n, err := svc.Send(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := svc.Get(context.Background(), "c-1")
	assert.Equal(t, domain.CampaignSending, got.Status)

	require.Len(t, sends.created, 2)
	for _, s := range sends.created {
		assert.Equal(t, domain.SendPending, s.Status)
		assert.NotEmpty(t, s.TrackingID)
		assert.NotEmpty(t, s.ID)
	}

	require.Len(t, q.pushed["c-1"], 2)
	assert.Equal(t, sends.created[0].TrackingID, q.pushed["c-1"][0].TrackingID)
	assert.Equal(t, sends.created[0].ID, q.pushed["c-1"][0].SendID)
}

func TestSendRejectsNonDraft(t *testing.T) {
	repo := newMemRepo()
	c := draft("c-1")
	c.Status = domain.CampaignSending
	repo.campaigns["c-1"] = c
	svc, _, _ := newTestService(repo, nil)

	_, err := svc.Send(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrNotDraft)
}

func TestSendWithNoEligibleRecipients(t *testing.T) {
	repo := newMemRepo()
	repo.campaigns["c-1"] = draft("c-1")
	svc, sends, q := newTestService(repo, nil)

	n, err := svc.Send(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sends.created)
	assert.Empty(t, q.pushed)

	// Status still advances so the cron driver can complete it
	got, _ := svc.Get(context.Background(), "c-1")
	assert.Equal(t, domain.CampaignSending, got.Status)
}

func TestPauseResume(t *testing.T) {
	repo := newMemRepo()
	c := draft("c-1")
	c.Status = domain.CampaignSending
	repo.campaigns["c-1"] = c
	svc, _, _ := newTestService(repo, nil)

	require.NoError(t, svc.Pause(context.Background(), "c-1"))
	got, _ := svc.Get(context.Background(), "c-1")
	assert.True(t, got.Paused)

	require.NoError(t, svc.Resume(context.Background(), "c-1"))
	got, _ = svc.Get(context.Background(), "c-1")
	assert.False(t, got.Paused)
}

func TestPauseRejectsDraft(t *testing.T) {
	repo := newMemRepo()
	repo.campaigns["c-1"] = draft("c-1")
	svc, _, _ := newTestService(repo, nil)

	assert.ErrorIs(t, svc.Pause(context.Background(), "c-1"), ErrNotSending)
}
