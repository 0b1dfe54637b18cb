// Package metrics registers the engine's Prometheus collectors on the
// default registry. Collectors are package-level so every component shares
// one registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campaign_engine"

var (
	// EmailsSent counts send attempts by result (accepted, failed, suppressed).
	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "emails_total",
		Help:      "Outbound messages by result",
	}, []string{"result"})

	SendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "send_duration_seconds",
		Help:      "Time spent in a single gateway send",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// Jobs counts finished dispatch jobs by outcome (completed, draft, invalid, error, retried).
	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "jobs_total",
		Help:      "Dispatch jobs by outcome",
	}, []string{"outcome"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "active_jobs",
		Help:      "Campaign jobs currently running in this process",
	})

	PooledTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "smtp",
		Name:      "pooled_transports",
		Help:      "Open transports held by the gateway pool",
	})

	// Signals counts ingestion work items by kind and outcome.
	Signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "signals_total",
		Help:      "Tracking and provider signals by kind and outcome",
	}, []string{"kind", "outcome"})

	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "webhook_notifications_total",
		Help:      "Provider webhook envelopes by type and outcome",
	}, []string{"type", "outcome"})

	Replies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "replies_total",
		Help:      "Inbound messages by classification outcome",
	}, []string{"outcome"})

	// Transitions counts state-update primitive results by event kind and rule.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engagement",
		Name:      "transitions_total",
		Help:      "Recipient transitions by event kind and applied rule",
	}, []string{"kind", "rule"})

	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber was not keeping up",
	})

	LedgerDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "ledger_drift_total",
		Help:      "Counter mismatches between the ledger and recipient rows",
	}, []string{"kind"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Dispatch jobs waiting, pending plus delayed",
	})

	RecoveredCampaigns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "stuck_campaigns_reset_total",
		Help:      "Campaigns reset from sending to draft by the recovery sweep",
	})
)
