// Package metrics exposes compilation counters and timings in Prometheus
// format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeCompiled      = "compiled"
	OutcomeNotApplicable = "not_applicable"
	OutcomeFailed        = "failed"
	OutcomeRejected      = "rejected"
)

// Compilation metrics live on their own registry so several servers in one
// process (tests) never collide on the default one.
type Metrics struct {
	registry     *prometheus.Registry
	compilations *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		compilations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "compilations_total",
			Help:      "Compilations by strategy, quantization and outcome.",
		}, []string{"strategy", "quantization", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiln",
			Name:      "compilation_duration_seconds",
			Help:      "Wall time of Execute, including calibration and engine build.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"strategy"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiln",
			Name:      "compilations_in_flight",
			Help:      "Compilations currently holding the build lock.",
		}),
	}
	m.registry.MustRegister(
		m.compilations,
		m.duration,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one finished (or rejected) compilation.
func (m *Metrics) Observe(strategy, quantization, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.compilations.WithLabelValues(strategy, quantization, outcome).Inc()
	if outcome != OutcomeRejected {
		m.duration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	}
}

// Track marks a compilation as running until the returned func is called.
func (m *Metrics) Track() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
