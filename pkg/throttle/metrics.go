package throttle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's Prometheus instruments. A nil *Metrics
// is a valid no-op receiver so callers that do not scrape anything can
// skip the registry entirely.
type Metrics struct {
	checks        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	storeErrors   prometheus.Counter
	configReloads *prometheus.CounterVec
	waitSeconds   prometheus.Histogram
}

// NewMetrics registers the throttling instruments with the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttling_checks_total",
			Help: "Rule evaluations by rule and result.",
		}, []string{"rule", "result"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttling_rejections_total",
			Help: "Requests rejected with a limit-exceeded result, by rule.",
		}, []string{"rule"}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "throttling_store_errors_total",
			Help: "Counter store failures that caused a rule to fail open.",
		}),
		configReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttling_config_reloads_total",
			Help: "Config reload attempts by result.",
		}, []string{"result"}),
		waitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "throttling_wait_seconds",
			Help:    "Time spent holding delayed requests before admission or rejection.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

func (m *Metrics) observeCheck(rule string, exceeded bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if exceeded {
		result = "exceeded"
	}
	m.checks.WithLabelValues(rule, result).Inc()
}

func (m *Metrics) observeRejection(rule string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(rule).Inc()
}

func (m *Metrics) observeStoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

// ObserveConfigReload records a reload attempt outcome. Exposed for the
// settings watcher.
func (m *Metrics) ObserveConfigReload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

func (m *Metrics) observeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.waitSeconds.Observe(d.Seconds())
}
