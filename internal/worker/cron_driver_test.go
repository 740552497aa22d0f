package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coeurlink/mailer/internal/domain"
	"github.com/coeurlink/mailer/internal/metrics"
	"github.com/coeurlink/mailer/internal/pkg/distlock"
)

type fakeCampaignSource struct {
	campaigns []domain.Campaign
	completed []string
}

func (f *fakeCampaignSource) Active(context.Context) ([]domain.Campaign, error) {
	out := make([]domain.Campaign, 0, len(f.campaigns))
	for _, c := range f.campaigns {
		if c.Status == domain.CampaignSending && !c.Paused {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCampaignSource) UpdateStatus(_ context.Context, id string, from, to domain.CampaignStatus) error {
	for i := range f.campaigns {
		if f.campaigns[i].ID == id && f.campaigns[i].Status == from {
			f.campaigns[i].Status = to
			if to == domain.CampaignCompleted {
				f.completed = append(f.completed, id)
			}
			return nil
		}
	}
	return nil
}

type fakePending struct{ counts map[string]int64 }

func (f *fakePending) CountPending(_ context.Context, campaignID string) (int64, error) {
	return f.counts[campaignID], nil
}

func newDriverFixture(t *testing.T, f *senderFixture, src *fakeCampaignSource,
	pending *fakePending, budget time.Duration) *CronDriver {
	t.Helper()
	factory := func() distlock.DistLock {
		return distlock.NewRedisLock(f.rdb, LockName, 55*time.Second)
	}
	return NewCronDriver(src, pending, f.queue, f.sender, factory,
		metrics.NewNop(), CronDriverConfig{Budget: budget})
}

func TestRunDrainsWholeQueue(t *testing.T) {
	f := newSenderFixture(t, BatchSenderConfig{BatchSize: 20, Concurrency: 5})
	f.seed(t, "c-1", 25)
	src := &fakeCampaignSource{campaigns: []domain.Campaign{*sendingCampaign()}}
	pending := &fakePending{counts: map[string]int64{}}
	driver := newDriverFixture(t, f, src, pending, 30*time.Second)

	res, err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Skipped)
	assert.False(t, res.Continuing)
	assert.Equal(t, 25, res.Summary.Sent)
	assert.Zero(t, res.Summary.Failed)

	require.Len(t, res.Results, 1)
	assert.Equal(t, "c-1", res.Results[0].CampaignID)
	assert.True(t, res.Results[0].Completed)
	assert.Equal(t, []string{"c-1"}, src.completed)
	assert.NotEmpty(t, res.Runtime)
}

func TestRunSkipsWhenLocked(t *testing.T) {
	f := newSenderFixture(t, BatchSenderConfig{})
	f.seed(t, "c-1", 2)
	src := &fakeCampaignSource{campaigns: []domain.Campaign{*sendingCampaign()}}
	driver := newDriverFixture(t, f, src, &fakePending{}, 30*time.Second)

	holder := distlock.NewRedisLock(f.rdb, LockName, 55*time.Second)
	acquired, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)
	defer holder.Release(context.Background())

	res, err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.NotEmpty(t, res.Message)
	assert.Zero(t, res.Summary.Sent)

	remaining, _ := f.queue.Len(context.Background(), "c-1")
	assert.EqualValues(t, 2, remaining, "skipped run must not dequeue")
}

func TestRunReleasesLock(t *testing.T) {
	f := newSenderFixture(t, BatchSenderConfig{})
	src := &fakeCampaignSource{}
	driver := newDriverFixture(t, f, src, &fakePending{}, 30*time.Second)

	_, err := driver.Run(context.Background())
	require.NoError(t, err)

	// A second run must be able to take the lock again
	res, err := driver.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestRunStopsAtBudget(t *testing.T) {
	f := newSenderFixture(t, BatchSenderConfig{BatchSize: 20, Concurrency: 5})
	f.seed(t, "c-1", 25)
	src := &fakeCampaignSource{campaigns: []domain.Campaign{*sendingCampaign()}}
	driver := newDriverFixture(t, f, src, &fakePending{}, time.Nanosecond)

	res, err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Continuing, "leftover work is deferred to the next tick")
	assert.Zero(t, res.Summary.Sent)

	remaining, _ := f.queue.Len(context.Background(), "c-1")
	assert.EqualValues(t, 25, remaining)
	assert.Empty(t, src.completed)
}

func TestRunKeepsCampaignOpenWhilePendingSends(t *testing.T) {
	f := newSenderFixture(t, BatchSenderConfig{BatchSize: 20, Concurrency: 5})
	f.seed(t, "c-1", 1)
	src := &fakeCampaignSource{campaigns: []domain.Campaign{*sendingCampaign()}}
	// One send is waiting out its retry backoff
	pending := &fakePending{counts: map[string]int64{"c-1": 1}}
	driver := newDriverFixture(t, f, src, pending, 30*time.Second)

	res, err := driver.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Completed)
	assert.Empty(t, src.completed)
}

func TestRunRequeuesElapsedRetries(t *testing.T) {
	f := newSenderFixture(t, BatchSenderConfig{BatchSize: 20, Concurrency: 5})
	f.recipients.byID["u-1"] = domain.Recipient{ID: "u-1", Email: "lea@example.com", FirstName: "Léa"}
	src := &fakeCampaignSource{campaigns: []domain.Campaign{*sendingCampaign()}}
	driver := newDriverFixture(t, f, src, &fakePending{counts: map[string]int64{}}, 30*time.Second)

	// Plant a retry record whose backoff window already elapsed
	member, err := json.Marshal(domain.QueuedEmail{
		CampaignID: "c-1", UserID: "u-1", Email: "lea@example.com",
		TrackingID: "trk-1", SendID: "s-1",
		Attempts: 1, LastError: "connection refused",
	})
	require.NoError(t, err)
	require.NoError(t, f.rdb.ZAdd(context.Background(), "mailer:retry", redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).Unix()),
		Member: member,
	}).Err())

	res, err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.Sent, "requeued retry dispatched this run")
	retries, _ := f.queue.RetryCount(context.Background())
	assert.Zero(t, retries)
}
