package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LakeMetrics counts lake writes by backend and outcome.
type LakeMetrics struct {
	writesTotal   *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
}

func NewLakeMetrics(reg prometheus.Registerer) *LakeMetrics {
	factory := promauto.With(reg)
	return &LakeMetrics{
		writesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lakesink",
			Subsystem: "lake",
			Name:      "writes_total",
			Help:      "Total number of lake file writes by backend and outcome.",
		}, []string{"backend", "outcome"}),
		writeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lakesink",
			Subsystem: "lake",
			Name:      "write_duration_seconds",
			Help:      "Lake write latency in seconds, token exchange included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
	}
}

func (m *LakeMetrics) ObserveWrite(backend, outcome string, elapsed time.Duration) {
	m.writesTotal.WithLabelValues(backend, outcome).Inc()
	m.writeDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}
