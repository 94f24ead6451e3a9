package ensemble

import (
	stderrors "errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the collectors a run updates.
type Metrics struct {
	Evaluations *prometheus.CounterVec
	Duration    prometheus.Histogram
	InFlight    prometheus.Gauge
}

// NewMetrics creates the run collectors and registers them with reg. When
// reg already holds them the registered collectors are reused, so several
// runs in one process share the series. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rsopt",
			Name:      "evaluations_total",
			Help:      "Simulations finished, by status.",
		}, []string{"status"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rsopt",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of one simulation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rsopt",
			Name:      "evaluations_in_flight",
			Help:      "Simulations currently running.",
		}),
	}
	if reg == nil {
		return m
	}
	m.Evaluations = register(reg, m.Evaluations)
	m.Duration = register(reg, m.Duration)
	m.InFlight = register(reg, m.InFlight)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if stderrors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
