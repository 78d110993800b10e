// Package metrics registers the Prometheus collectors exposed at
// /ingest/metrics (spec.md §6), following the teacher's
// package-level-promauto-vars style in internal/metrics/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestReceivedTotal counts every record seen by the Ingress API,
	// regardless of outcome.
	IngestReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "excluster_ingest_received_total",
		Help: "Total log records received by the ingress endpoint.",
	}, []string{"service_id"})

	// IngestAcceptedTotal counts records enqueued for processing.
	IngestAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "excluster_ingest_accepted_total",
		Help: "Total log records accepted and enqueued by the ingress endpoint.",
	}, []string{"service_id"})

	// IngestRejectedTotal counts records rejected, broken down by reason
	// (validation, size, service, rate_limit, duplicate) per §4.4/§7.
	IngestRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "excluster_ingest_rejected_total",
		Help: "Total log records rejected by the ingress endpoint, by reason.",
	}, []string{"service_id", "reason"})

	// QueueDepth is the current number of batches waiting in the worker pool queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "excluster_worker_queue_depth",
		Help: "Current depth of the worker pool's batch queue.",
	})

	// QueueOverflowTotal counts producer enqueue attempts that timed out
	// against a full queue (§4.6 backpressure).
	QueueOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "excluster_worker_queue_overflow_total",
		Help: "Total enqueue attempts rejected because the worker queue was full.",
	})

	// RecordDeadlineExceededTotal counts records dropped because the
	// per-record extract+cluster deadline elapsed (§5).
	RecordDeadlineExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "excluster_worker_record_deadline_exceeded_total",
		Help: "Total records dropped after exceeding the per-record processing deadline.",
	})

	// RateLimitRemaining reports the current token count in each
	// per-service bucket (§4.3).
	RateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "excluster_rate_limit_remaining",
		Help: "Tokens remaining in the per-service rate limit bucket.",
	}, []string{"service_id"})

	// DedupCacheSize is the current number of live entries in the dedup cache.
	DedupCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "excluster_dedup_cache_size",
		Help: "Current number of entries held in the deduplication cache.",
	})

	// DedupHitsTotal counts records suppressed as duplicates.
	DedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "excluster_dedup_hits_total",
		Help: "Total records suppressed by the deduplication window.",
	})

	// DedupEvictionsTotal counts cache entries evicted for capacity; entries
	// that expire by TTL are not counted.
	DedupEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "excluster_dedup_evictions_total",
		Help: "Total deduplication cache entries evicted.",
	})

	// ExtractionOutcomeTotal counts Extract() calls by outcome (stack_traced,
	// stack_less, not_exception), per §4.2.
	ExtractionOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "excluster_extraction_outcome_total",
		Help: "Total extraction attempts by outcome.",
	}, []string{"outcome"})

	// ClusterCreatedTotal counts new clusters created at first sight of a key.
	ClusterCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "excluster_cluster_created_total",
		Help: "Total new clusters created.",
	}, []string{"service_id"})

	// ClusterHitTotal counts matches against an existing cluster.
	ClusterHitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "excluster_cluster_hit_total",
		Help: "Total exceptions matched to an existing cluster.",
	}, []string{"service_id"})

	// ClusterContentionTotal counts unique-violation retries during
	// find-or-create (§4.7 serialization requirement).
	ClusterContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "excluster_cluster_contention_total",
		Help: "Total find-or-create retries caused by a concurrent first-sight race.",
	})

	// FetchErrorsTotal counts failed pull-fetcher runs by source type.
	FetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "excluster_fetch_errors_total",
		Help: "Total pull fetcher failures, by log source type.",
	}, []string{"source_type"})

	// SchedulerTickErrorsTotal counts per-service scheduling errors that did
	// not halt the rest of the tick (§4.8 failure semantics).
	SchedulerTickErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "excluster_scheduler_tick_errors_total",
		Help: "Total per-service scheduling errors encountered during a tick.",
	}, []string{"service_id"})
)
