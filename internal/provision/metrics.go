package provision

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "devvm"

// Metrics records step outcomes. A nil *Metrics records nothing.
type Metrics struct {
	stepDuration *prometheus.HistogramVec
	stepOutcomes *prometheus.CounterVec
	lastRun      *prometheus.GaugeVec
}

// NewMetrics creates the provisioning metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent checking and running a provisioning step.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"step"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "step_outcomes_total",
			Help:      "Provisioning steps by outcome.",
		}, []string{"step", "outcome"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last provisioning run, by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.stepDuration, m.stepOutcomes, m.lastRun} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observeStep(r StepResult) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(r.Name).Observe(r.Duration.Seconds())
	m.stepOutcomes.WithLabelValues(r.Name, string(r.Outcome)).Inc()
}

func (m *Metrics) observeRun(at time.Time, failed bool) {
	if m == nil {
		return
	}
	result := "success"
	if failed {
		result = "failure"
	}
	m.lastRun.WithLabelValues(result).Set(float64(at.Unix()))
}
