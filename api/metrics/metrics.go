package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_ledger_build_info",
			Help: "Build information of the tally ledger API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_ledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_ledger_reconcile_runs_total",
			Help: "Total number of reconciliation runs",
		},
		[]string{"check_name", "status"},
	)

	ReconcileRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_ledger_reconcile_run_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"check_name"},
	)

	ReconcileMismatches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_ledger_reconcile_mismatches",
			Help: "Mismatches found by the most recent reconciliation run",
		},
		[]string{"check_name"},
	)

	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_ledger_sweep_runs_total",
			Help: "Total number of sweep runs",
		},
		[]string{"sweep", "status"},
	)

	SweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_ledger_sweep_items_total",
			Help: "Total number of rows transitioned by sweeps",
		},
		[]string{"sweep"},
	)

	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_ledger_webhooks_total",
			Help: "Total number of payment webhooks processed",
		},
		[]string{"provider", "status"},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_ledger_outbox_pending",
			Help: "Economic events waiting for dispatch",
		},
	)
)
