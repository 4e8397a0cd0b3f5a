// Package metrics provides Prometheus metrics for the blobstore healer.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all healer metrics.
var Registry = prometheus.NewRegistry()

// HealerMetrics holds all Prometheus metrics for one healer process.
type HealerMetrics struct {
	// Healing pass metrics
	KeysHealed     *prometheus.CounterVec // per outcome: already_complete, healed, failed
	EntriesFetched prometheus.Counter
	EntriesDeleted prometheus.Counter
	BytesCopied    prometheus.Counter
	PassDuration   prometheus.Histogram
	PassErrors     prometheus.Counter

	// Throttle metrics
	ReplicationLagSeconds prometheus.Gauge // max across monitored regions
	ThrottleSleeps        prometheus.Counter
	ThrottleSleepSeconds  prometheus.Counter

	// Queue metrics
	QueueDepth prometheus.Gauge

	// Healer info (constant labels exposed as a gauge)
	HealerInfo *prometheus.GaugeVec // labels: version, dry_run
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the storage id as a constant label.
func InitMetrics(storageID, version string, dryRun bool) *HealerMetrics {
	constLabels := prometheus.Labels{
		"storage": storageID,
	}

	m := &HealerMetrics{
		KeysHealed: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "blobstore_healer_keys_total",
			Help:        "Keys classified by healing passes, by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		EntriesFetched: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blobstore_healer_queue_entries_fetched_total",
			Help:        "Sync queue entries fetched by healing passes",
			ConstLabels: constLabels,
		}),
		EntriesDeleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blobstore_healer_queue_entries_deleted_total",
			Help:        "Sync queue entries drained after healing",
			ConstLabels: constLabels,
		}),
		BytesCopied: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blobstore_healer_bytes_copied_total",
			Help:        "Bytes written to replicas that were missing a blob",
			ConstLabels: constLabels,
		}),
		PassDuration: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:        "blobstore_healer_pass_duration_seconds",
			Help:        "Duration of healing passes",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
			ConstLabels: constLabels,
		}),
		PassErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blobstore_healer_pass_errors_total",
			Help:        "Healing passes that ended with a batch-level error",
			ConstLabels: constLabels,
		}),

		ReplicationLagSeconds: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blobstore_healer_replication_lag_seconds",
			Help:        "Maximum database replication lag across monitored regions",
			ConstLabels: constLabels,
		}),
		ThrottleSleeps: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blobstore_healer_throttle_sleeps_total",
			Help:        "Number of throttle waits between healing passes",
			ConstLabels: constLabels,
		}),
		ThrottleSleepSeconds: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "blobstore_healer_throttle_sleep_seconds_total",
			Help:        "Total time spent waiting for replication lag",
			ConstLabels: constLabels,
		}),

		QueueDepth: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "blobstore_healer_queue_depth",
			Help:        "Entries currently in the sync queue",
			ConstLabels: constLabels,
		}),

		HealerInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "blobstore_healer_info",
			Help:        "Healer information (value is always 1)",
			ConstLabels: constLabels,
		}, []string{"version", "dry_run"}),
	}

	m.HealerInfo.WithLabelValues(version, strconv.FormatBool(dryRun)).Set(1)

	return m
}
