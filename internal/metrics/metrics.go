// Package metrics declares the Prometheus collectors protosink exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every protosink metric.
const Namespace = "protosink"

var (
	MessagesConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "messages_consumed_total",
		Namespace: Namespace,
		Help:      "Messages pulled from the source.",
	})

	MessagesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "messages_skipped_total",
			Namespace: Namespace,
			Help:      "Messages skipped without producing rows, by reason.",
		},
		[]string{"reason"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "dead_letters_total",
			Namespace: Namespace,
			Help:      "Messages sent to the dead-letter target.",
		},
		[]string{"target", "result"},
	)

	BatchesCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "batches_committed_total",
		Namespace: Namespace,
		Help:      "Batches whose offsets were committed.",
	})

	BatchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:      "batch_duration_seconds",
		Namespace: Namespace,
		Buckets:   prometheus.DefBuckets,
		Help:      "Time from poll to offset commit per batch.",
	})

	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "batch_size",
		Namespace: Namespace,
		Help:      "Current adaptive batch size.",
	})

	TransformDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:      "transform_duration_seconds",
		Namespace: Namespace,
		Buckets:   prometheus.DefBuckets,
		Help:      "Wall-clock time of plugin calls.",
	})

	TransformFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "transform_failures_total",
			Namespace: Namespace,
			Help:      "Plugin calls that did not succeed, by reason.",
		},
		[]string{"reason"},
	)

	PluginReloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "plugin_reloads_total",
		Namespace: Namespace,
		Help:      "Plugin execution contexts rebuilt after a timeout or trap.",
	})

	SchemaLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "schema_lookups_total",
			Namespace: Namespace,
			Help:      "Schema resolutions by cache tier that answered (memory, shared, registry).",
		},
		[]string{"source"},
	)

	RegistryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "registry_requests_total",
			Namespace: Namespace,
			Help:      "Schema registry HTTP requests by status class.",
		},
		[]string{"status"},
	)

	SchemaChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "schema_changes_total",
			Namespace: Namespace,
			Help:      "DDL statements applied to the destination.",
		},
		[]string{"kind"},
	)

	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "rows_written_total",
			Namespace: Namespace,
			Help:      "Rows committed to destination tables.",
		},
		[]string{"table"},
	)

	WriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "write_failures_total",
			Namespace: Namespace,
			Help:      "Table transactions that did not commit.",
		},
		[]string{"table"},
	)

	WriteLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:      "write_latency_seconds",
			Namespace: Namespace,
			Buckets:   prometheus.DefBuckets,
			Help:      "Duration of table write transactions.",
		},
		[]string{"table"},
	)

	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "cache_operations_total",
			Namespace: Namespace,
			Help:      "Shared schema cache operations by backend, operation and result.",
		},
		[]string{"cache", "op", "result"},
	)

	CacheLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:      "cache_latency_seconds",
			Namespace: Namespace,
			Buckets:   prometheus.DefBuckets,
			Help:      "Shared schema cache operation latency.",
		},
		[]string{"cache", "op"},
	)
)
