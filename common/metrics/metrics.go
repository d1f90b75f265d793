// Package metrics holds the Prometheus collectors shared by every service process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbox relay metrics
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_outbox_published_total",
			Help: "Total number of outbox records published to the event bus",
		},
		[]string{"service", "topic"},
	)

	OutboxPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_outbox_publish_failures_total",
			Help: "Total number of failed outbox publish attempts",
		},
		[]string{"service", "topic"},
	)

	OutboxPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backbone_outbox_pending",
			Help: "Outbox records committed but not yet published",
		},
		[]string{"service"},
	)

	OutboxBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backbone_outbox_batch_duration_seconds",
			Help:    "Duration of one relay batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Consumer metrics
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_events_consumed_total",
			Help: "Total number of events handled by consumers, by outcome",
		},
		[]string{"consumer", "event_type", "outcome"},
	)

	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_events_dead_lettered_total",
			Help: "Total number of events parked after exhausting redelivery",
		},
		[]string{"topic", "group"},
	)

	EventHandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backbone_event_handle_duration_seconds",
			Help:    "Duration of event handling in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer", "event_type"},
	)

	// Heartbeat metrics
	HeartbeatsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_heartbeats_published_total",
			Help: "Total number of registry heartbeats published",
		},
		[]string{"service", "health"},
	)

	// Gateway metrics
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_gateway_requests_total",
			Help: "Total number of requests handled by the gateway, by route and outcome",
		},
		[]string{"route", "outcome", "status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backbone_gateway_request_duration_seconds",
			Help:    "Gateway request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	GatewayUpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_gateway_upstream_attempts_total",
			Help: "Total number of upstream attempts, by service and result",
		},
		[]string{"service", "result"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backbone_gateway_breaker_state",
			Help: "Circuit breaker state per instance (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "instance"},
	)

	RegistryInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backbone_gateway_registry_instances",
			Help: "Registered instances per service and health",
		},
		[]string{"service", "health"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_gateway_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	AccessLogDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backbone_gateway_access_log_dropped_total",
			Help: "Access log entries dropped because the sink buffer was full or indexing failed",
		},
	)

	NotificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backbone_notification_deliveries_total",
			Help: "Notification delivery attempts by result",
		},
		[]string{"channel", "result"},
	)
)

// Consumer outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeDropped   = "dropped"
	OutcomeRetry     = "retry"
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
