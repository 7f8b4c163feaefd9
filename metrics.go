package opcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "opcache"

// Metrics 汇总缓存与预热的 Prometheus 指标。
// reg 为 nil 时指标不会注册，可安全地多次创建（测试）。
type Metrics struct {
	lookups        *prometheus.CounterVec
	fallbackErrors prometheus.Counter
	warmups        *prometheus.CounterVec
	warmupDuration prometheus.Histogram
	resolveFailed  prometheus.Counter
	snapshotKeys   prometheus.Gauge
	snapshotBytes  prometheus.Gauge
}

// NewMetrics 创建指标集合。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lookups_total",
			Help:      "Total number of cache lookups by answering tier.",
		}, []string{"tier"}),
		fallbackErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fallback_errors_total",
			Help:      "Total number of fallback pool read errors served as misses.",
		}),
		warmups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "warmups_total",
			Help:      "Total number of warm-up runs by outcome.",
		}, []string{"status"}),
		warmupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "warmup_duration_seconds",
			Help:      "Time spent in a full warm-up run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		resolveFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resolution_failures_total",
			Help:      "Total number of entities skipped because resolution failed.",
		}),
		snapshotKeys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_keys",
			Help:      "Number of keys in the currently served fast tier snapshot.",
		}),
		snapshotBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_artifact_bytes",
			Help:      "Size of the last written fast tier artifact.",
		}),
	}
}

const (
	tierFast     = "fast"
	tierFallback = "fallback"
	tierMiss     = "miss"
)

func metricsOrDefault(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}
