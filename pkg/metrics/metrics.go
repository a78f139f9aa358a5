// Package metrics provides Prometheus metrics for the Integration Hub:
// connector traffic, rate limiting, sync jobs, webhook deliveries and queue
// depth. All collectors register automatically via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectorRequests counts connector API calls by auth type and outcome
	ConnectorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connector_requests_total",
			Help: "Total connector API requests",
		},
		[]string{"auth_type", "status"},
	)

	// RateLimitRejections counts reservations denied by the rate limiter
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_rate_limit_rejections_total",
			Help: "Requests denied by the per-connection rate limiter",
		},
		[]string{"connection_id"},
	)

	// SyncJobs counts sync job completions by terminal status
	SyncJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_sync_jobs_total",
			Help: "Sync jobs by terminal status",
		},
		[]string{"direction", "status"},
	)

	// SyncDuration observes sync job wall time
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hub_sync_duration_seconds",
			Help:    "Sync job duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"direction"},
	)

	// SyncRecords counts per-record outcomes across sync jobs
	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_sync_records_total",
			Help: "Sync records by outcome",
		},
		[]string{"outcome"},
	)

	// WebhookDeliveries counts outbound delivery attempts by outcome
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_webhook_deliveries_total",
			Help: "Webhook delivery attempts",
		},
		[]string{"status"},
	)

	// WebhookDeliveryDuration observes outbound delivery latency
	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_webhook_delivery_duration_seconds",
			Help:    "Outbound webhook delivery latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// InboundEvents counts received webhook events by disposition
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_webhook_inbound_events_total",
			Help: "Inbound webhook events by disposition",
		},
		[]string{"status"},
	)

	// QueueDepth tracks messages waiting per priority lane
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hub_queue_depth",
			Help: "Messages waiting per priority lane",
		},
		[]string{"priority"},
	)

	// DeadLetters counts entries moved to the dead-letter store
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_dead_letters_total",
			Help: "Entries moved to the dead-letter store",
		},
		[]string{"source"},
	)

	// TokenRefreshes counts token refresh attempts by outcome
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_token_refreshes_total",
			Help: "OAuth token refreshes",
		},
		[]string{"status"},
	)
)
