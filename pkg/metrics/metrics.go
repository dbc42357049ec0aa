package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CodesIssued counts IssueCode outcomes (delivered|undelivered|storage_error).
	CodesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twofactor_codes_issued_total",
			Help: "Total number of verification codes issued",
		},
		[]string{"kind", "result"},
	)

	// Validations counts ValidateCode outcomes (valid|invalid|error).
	Validations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twofactor_validations_total",
			Help: "Total number of verification code validations",
		},
		[]string{"kind", "result"},
	)

	// Deliveries counts dispatcher sends per template (sent|failed|template_missing).
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twofactor_notification_deliveries_total",
			Help: "Total number of notification delivery attempts",
		},
		[]string{"template", "result"},
	)

	TransportReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twofactor_transport_reloads_total",
			Help: "Notification transport configuration loads by source (store|fallback)",
		},
		[]string{"source"},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twofactor_audit_write_failures_total",
			Help: "Audit events that could not be persisted",
		},
	)

	DeliveryLogFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twofactor_delivery_log_failures_total",
			Help: "Send attempts that could not be written to email_logs",
		},
	)

	CodesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twofactor_codes_purged_total",
			Help: "Expired verification codes removed by maintenance",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "twofactor_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
