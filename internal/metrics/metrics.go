// Package metrics holds the Prometheus collectors of matrix builds and
// indicator computations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	matrixSeconds    *prometheus.HistogramVec
	matrixRows       *prometheus.CounterVec
	matrixFailures   *prometheus.CounterVec
	indicatorSeconds *prometheus.HistogramVec
	indicatorCache   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		matrixSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daviplan",
			Name:      "matrix_build_seconds",
			Help:      "Duration of travel-time matrix builds per mode variant.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"mode", "method"}),
		matrixRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daviplan",
			Name:      "matrix_rows_written_total",
			Help:      "Rows written to matrix tables.",
		}, []string{"table"}),
		matrixFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daviplan",
			Name:      "matrix_build_failures_total",
			Help:      "Failed matrix builds by status.",
		}, []string{"status"}),
		indicatorSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daviplan",
			Name:      "indicator_compute_seconds",
			Help:      "Duration of indicator computations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"indicator"}),
		indicatorCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daviplan",
			Name:      "indicator_cache_requests_total",
			Help:      "Indicator result cache lookups.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.matrixSeconds, m.matrixRows, m.matrixFailures, m.indicatorSeconds, m.indicatorCache)
	return m
}

// ObserveMatrixBuild records one finished variant build.
func (m *Metrics) ObserveMatrixBuild(mode, method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.matrixSeconds.WithLabelValues(mode, method).Observe(elapsed.Seconds())
}

// AddMatrixRows counts rows written to table.
func (m *Metrics) AddMatrixRows(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.matrixRows.WithLabelValues(table).Add(float64(n))
}

// MatrixFailed counts a failed build.
func (m *Metrics) MatrixFailed(status string) {
	if m == nil {
		return
	}
	m.matrixFailures.WithLabelValues(status).Inc()
}

// ObserveIndicator records one computation.
func (m *Metrics) ObserveIndicator(name string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.indicatorSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
}

// CacheHit counts a cache lookup; hit false is a miss.
func (m *Metrics) CacheHit(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.indicatorCache.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
