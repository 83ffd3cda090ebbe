// Package metrics declares the process-wide Prometheus collectors used
// by the transaction committer, cron executor, search flusher, and log
// sink manager. Collectors are package-level so every subsystem shares
// one registry without threading a handle through constructors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommitLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coredb",
		Subsystem: "txn",
		Name:      "commit_latency_seconds",
		Help:      "Time from committer-queue admission to commit completion.",
		Buckets:   prometheus.DefBuckets,
	})

	CommitterQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coredb",
		Subsystem: "txn",
		Name:      "committer_queue_depth",
		Help:      "Number of transactions waiting for a committer slot.",
	})

	CommitOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coredb",
		Subsystem: "txn",
		Name:      "commit_outcomes_total",
		Help:      "Commit attempts by outcome (ok, occ, retention_exceeded, schema_enforcement, overloaded).",
	}, []string{"outcome"})

	CronJobDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coredb",
		Subsystem: "cron",
		Name:      "job_duration_seconds",
		Help:      "Wall time of one cron job attempt.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job", "kind"})

	CronSkippedRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coredb",
		Subsystem: "cron",
		Name:      "skipped_runs_total",
		Help:      "Catch-up runs skipped because next_ts fell too far behind.",
	}, []string{"job"})

	SearchFlushDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coredb",
		Subsystem: "search",
		Name:      "flush_duration_seconds",
		Help:      "Time to freeze a memory delta into an on-disk segment.",
		Buckets:   prometheus.DefBuckets,
	})

	LogSinkDroppedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coredb",
		Subsystem: "logsink",
		Name:      "dropped_events_total",
		Help:      "Events dropped because a channel was full (manager or per-sink).",
	}, []string{"reason"})

	BlobPartUploadSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coredb",
		Subsystem: "blob",
		Name:      "part_upload_size_bytes",
		Help:      "Logical (pre-compression) size of each multipart upload part.",
		Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12),
	})

	SearchSegmentFlushBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coredb",
		Subsystem: "search",
		Name:      "segment_flush_bytes",
		Help:      "Compressed size of each segment written by a delta flush.",
		Buckets:   prometheus.ExponentialBuckets(1<<10, 2, 16),
	})
)

func init() {
	prometheus.MustRegister(
		CommitLatencySeconds,
		CommitterQueueDepth,
		CommitOutcomesTotal,
		CronJobDurationSeconds,
		CronSkippedRunsTotal,
		SearchFlushDurationSeconds,
		LogSinkDroppedEventsTotal,
		BlobPartUploadSizeBytes,
		SearchSegmentFlushBytes,
	)
}
