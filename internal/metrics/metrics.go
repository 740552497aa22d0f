// Package metrics exposes Prometheus instrumentation for the send
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline's Prometheus collectors. A single
// instance is created at startup and handed to the components that
// record into it.
type Metrics struct {
	EmailsSent    prometheus.Counter
	EmailsFailed  prometheus.Counter
	EmailsRetried prometheus.Counter
	Opens         prometheus.Counter
	Clicks        prometheus.Counter
	Bounces       prometheus.Counter
	Unsubscribes  prometheus.Counter

	CronRuns      *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	QueueDepth    prometheus.Gauge
}

// New registers the pipeline collectors on a registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EmailsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailer_emails_sent_total",
			Help: "Emails successfully handed to the SMTP relay.",
		}),
		EmailsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailer_emails_failed_total",
			Help: "Emails that terminally failed to send.",
		}),
		EmailsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailer_emails_retried_total",
			Help: "Send attempts pushed to the retry set.",
		}),
		Opens: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailer_opens_total",
			Help: "Tracking pixel loads recorded.",
		}),
		Clicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailer_clicks_total",
			Help: "Tracked link clicks recorded.",
		}),
		Bounces: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailer_bounces_total",
			Help: "Bounce notifications recorded.",
		}),
		Unsubscribes: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailer_unsubscribes_total",
			Help: "Unsubscribes recorded.",
		}),
		CronRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailer_cron_runs_total",
			Help: "Cron-triggered processing runs by outcome.",
		}, []string{"outcome"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailer_batch_duration_seconds",
			Help:    "Wall-clock duration of one campaign batch.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mailer_queue_depth",
			Help: "Queued sends across active campaigns at the end of a run.",
		}),
	}
}

// NewNop returns metrics on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
