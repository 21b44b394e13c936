package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Outbound gateway calls by gateway, operation and outcome",
		},
		[]string{"gateway", "operation", "outcome"},
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of outbound gateway calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"gateway", "operation"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_notifications_total",
			Help: "Inbound gateway notifications by result",
		},
		[]string{"gateway", "result"},
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_events_total",
			Help: "Transaction events handled by the reconciliation engine",
		},
		[]string{"kind", "outcome"},
	)

	StateViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transaction_state_violations_total",
			Help: "Rejected illegal transaction transitions",
		},
	)

	WalletMovements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_entries_total",
			Help: "Wallet ledger entries written, by direction",
		},
		[]string{"direction"},
	)

	SweepRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_actions_total",
			Help: "Actions taken by the reconciliation sweeper",
		},
		[]string{"sweep", "result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Handled HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
