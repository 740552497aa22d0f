package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/coeurlink/mailer/internal/domain"
	"github.com/coeurlink/mailer/internal/metrics"
	"github.com/coeurlink/mailer/internal/pkg/distlock"
	"github.com/coeurlink/mailer/internal/pkg/logger"
)

// LockName identifies the lock serializing processing runs across
// instances. Wiring must mint the run lock under this name.
const LockName = "cron-process-emails"

// CampaignSource lists work and applies lifecycle transitions.
type CampaignSource interface {
	Active(ctx context.Context) ([]domain.Campaign, error)
	UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error
}

// PendingCounter reports unresolved sends per campaign.
type PendingCounter interface {
	CountPending(ctx context.Context, campaignID string) (int64, error)
}

// RetryQueue is the queue surface the driver needs: draining elapsed
// retries back into campaign queues and measuring depth.
type RetryQueue interface {
	RetryReady(ctx context.Context, limit int) ([]domain.QueuedEmail, error)
	Push(ctx context.Context, campaignID string, items ...domain.QueuedEmail) error
	Len(ctx context.Context, campaignID string) (int64, error)
}

// LockFactory mints a fresh single-use lock per run.
type LockFactory func() distlock.DistLock

// CronDriverConfig bounds one run.
type CronDriverConfig struct {
	// Budget is the wall-clock limit for one run. It must stay under
	// the lock TTL, which in turn stays under the external scheduler's
	// invocation interval.
	Budget time.Duration
}

// CronDriver executes one processing run per external scheduler tick:
// take the lock, drain elapsed retries, work through active campaigns
// batch by batch until the queues are empty or the budget runs out.
// Leftover work is picked up by the next tick; the driver never
// schedules itself.
type CronDriver struct {
	campaigns CampaignSource
	pending   PendingCounter
	queue     RetryQueue
	sender    *BatchSender
	newLock   LockFactory
	metrics   *metrics.Metrics
	cfg       CronDriverConfig

	now func() time.Time
}

// NewCronDriver wires a cron driver.
func NewCronDriver(
	campaigns CampaignSource,
	pending PendingCounter,
	queue RetryQueue,
	sender *BatchSender,
	newLock LockFactory,
	m *metrics.Metrics,
	cfg CronDriverConfig,
) *CronDriver {
	if cfg.Budget <= 0 {
		cfg.Budget = 50 * time.Second
	}
	return &CronDriver{
		campaigns: campaigns,
		pending:   pending,
		queue:     queue,
		sender:    sender,
		newLock:   newLock,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CampaignRunResult reports one campaign's share of a run.
type CampaignRunResult struct {
	CampaignID string `json:"campaign_id"`
	Name       string `json:"name"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Retried    int    `json:"retried"`
	Remaining  int64  `json:"remaining"`
	Completed  bool   `json:"completed"`
}

// RunSummary aggregates a run.
type RunSummary struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// RunResult is the driver's report, serialized verbatim in the cron
// endpoint's response.
type RunResult struct {
	Success    bool                `json:"success"`
	Skipped    bool                `json:"skipped,omitempty"`
	Message    string              `json:"message,omitempty"`
	Results    []CampaignRunResult `json:"results"`
	Summary    RunSummary          `json:"summary"`
	Runtime    string              `json:"runtime"`
	Continuing bool                `json:"continuing,omitempty"`
}

// Run executes one processing run. A run that cannot take the lock is
// reported as skipped, not as an error: overlapping scheduler ticks are
// expected operation.
func (d *CronDriver) Run(ctx context.Context) (*RunResult, error) {
	started := d.now()

	lock := d.newLock()
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		d.metrics.CronRuns.WithLabelValues("skipped").Inc()
		return &RunResult{
			Skipped: true,
			Message: "previous run still in progress",
			Runtime: d.now().Sub(started).String(),
		}, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error("release cron lock", "err", err)
		}
	}()

	deadline := started.Add(d.cfg.Budget)
	res := &RunResult{Success: true, Results: []CampaignRunResult{}}

	if err := d.drainRetries(ctx, deadline); err != nil {
		return nil, err
	}

	campaigns, err := d.campaigns.Active(ctx)
	if err != nil {
		d.metrics.CronRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}

	var queueDepth int64
	for i := range campaigns {
		c := &campaigns[i]
		cr, err := d.runCampaign(ctx, c, deadline)
		if err != nil {
			d.metrics.CronRuns.WithLabelValues("error").Inc()
			return nil, err
		}
		res.Results = append(res.Results, *cr)
		res.Summary.Sent += cr.Sent
		res.Summary.Failed += cr.Failed
		queueDepth += cr.Remaining
		if cr.Remaining > 0 {
			res.Continuing = true
		}
		if d.now().After(deadline) && i < len(campaigns)-1 {
			res.Continuing = true
			break
		}
	}

	d.metrics.QueueDepth.Set(float64(queueDepth))
	d.metrics.CronRuns.WithLabelValues("ok").Inc()
	res.Runtime = d.now().Sub(started).String()

	logger.Info("cron run finished",
		"sent", res.Summary.Sent, "failed", res.Summary.Failed,
		"campaigns", len(res.Results), "continuing", res.Continuing,
		"runtime", res.Runtime)
	return res, nil
}

// drainRetries moves every retry record whose backoff has elapsed back
// onto its campaign queue, so the batch loop below picks it up in FIFO
// order with everything else.
func (d *CronDriver) drainRetries(ctx context.Context, deadline time.Time) error {
	for d.now().Before(deadline) {
		items, err := d.queue.RetryReady(ctx, 100)
		if err != nil {
			return fmt.Errorf("drain retries: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		byCampaign := map[string][]domain.QueuedEmail{}
		for _, item := range items {
			byCampaign[item.CampaignID] = append(byCampaign[item.CampaignID], item)
		}
		for campaignID, group := range byCampaign {
			if err := d.queue.Push(ctx, campaignID, group...); err != nil {
				return fmt.Errorf("requeue retries for %s: %w", campaignID, err)
			}
		}
		logger.Info("retries requeued", "count", len(items))
	}
	return nil
}

func (d *CronDriver) runCampaign(ctx context.Context, c *domain.Campaign, deadline time.Time) (*CampaignRunResult, error) {
	cr := &CampaignRunResult{CampaignID: c.ID, Name: c.Name}

	done := false
	for d.now().Before(deadline) {
		br, err := d.sender.ProcessBatch(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: %w", c.ID, err)
		}
		cr.Sent += br.Sent
		cr.Failed += br.Failed
		cr.Retried += br.Retried
		if br.Done {
			done = true
			break
		}
		if br.Sent+br.Failed == 0 {
			// No progress and not done: paused or stuck, move on
			break
		}
	}

	remaining, err := d.queue.Len(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	cr.Remaining = remaining

	if done && remaining == 0 {
		completed, err := d.maybeComplete(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		cr.Completed = completed
	}
	return cr, nil
}

// maybeComplete closes a campaign once nothing is queued and no send is
// still PENDING. Sends waiting out a retry backoff keep the campaign
// open even with an empty queue.
func (d *CronDriver) maybeComplete(ctx context.Context, campaignID string) (bool, error) {
	pending, err := d.pending.CountPending(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	err = d.campaigns.UpdateStatus(ctx, campaignID,
		domain.CampaignSending, domain.CampaignCompleted)
	if err != nil {
		// Lost a race with another transition; not an error
		logger.Warn("complete campaign", "campaign_id", campaignID, "err", err)
		return false, nil
	}
	logger.Info("campaign completed", "campaign_id", campaignID)
	return true, nil
}
