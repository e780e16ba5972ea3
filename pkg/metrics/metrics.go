// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks resolve outcomes by system and decision
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "resolutions_total",
			Help:      "Total number of resolved drafts by outcome",
		},
		[]string{"system", "status", "replayed"},
	)

	// ResolutionDuration tracks end-to-end resolve latency
	ResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "duration_seconds",
			Help:      "Duration of resolve calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"system"},
	)

	// ResolutionRetriesTotal tracks resolves restarted after a lost optimistic race
	ResolutionRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "retries_total",
			Help:      "Total number of resolve attempts retried after a version conflict",
		},
		[]string{"system"},
	)

	// CandidatesExtracted tracks the size of candidate pools
	CandidatesExtracted = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "matching",
			Name:      "candidates",
			Help:      "Number of candidate persons scored per draft",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
		},
	)

	// ReviewDecisionsTotal tracks human review decisions
	ReviewDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "review",
			Name:      "decisions_total",
			Help:      "Total number of review decisions by action and result",
		},
		[]string{"action", "result"},
	)

	// AuditRecordsTotal tracks appended audit records
	AuditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "audit",
			Name:      "records_total",
			Help:      "Total number of audit records appended",
		},
		[]string{"method", "link_state"},
	)

	// LockWaitSeconds tracks time to acquire a lock set
	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring resolution locks in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend"},
	)

	// LockFailuresTotal tracks lock sets that could not be acquired
	LockFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "lock",
			Name:      "failures_total",
			Help:      "Total number of lock acquisitions that failed or timed out",
		},
		[]string{"backend"},
	)

	// KafkaMessagesConsumed tracks drafts and events read from Kafka
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// GraphProjectionsTotal tracks identity mappings written to the graph
	GraphProjectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "graph",
			Name:      "projections_total",
			Help:      "Total number of identity mapping projections by result",
		},
		[]string{"status"},
	)
)
