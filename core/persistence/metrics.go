package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomePartial = "partial"
)

var (
	// RecordOperations counts record store calls by collection, operation and outcome.
	RecordOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordbase_record_operations_total",
			Help: "Total number of record operations",
		},
		[]string{"collection", "operation", "outcome"},
	)
	// RecordOperationDuration is the latency of record store calls.
	RecordOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recordbase_record_operation_duration_seconds",
			Help:    "Record operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection", "operation"},
	)
	// SchemaMigrations counts collection migrations by outcome.
	SchemaMigrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordbase_schema_migrations_total",
			Help: "Total number of collection schema migrations",
		},
		[]string{"collection", "outcome"},
	)
	// AccessDenials counts operations rejected by an access rule.
	AccessDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordbase_access_denials_total",
			Help: "Total number of operations denied by access rules",
		},
		[]string{"collection", "operation"},
	)
)
