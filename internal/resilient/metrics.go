package resilient

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes client behaviour to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	Calls   *prometheus.CounterVec
	Retries *prometheus.CounterVec
	Breaker *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grader_remote_calls_total",
				Help: "Remote calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grader_remote_retries_total",
				Help: "Retry attempts by endpoint and error kind",
			},
			[]string{"endpoint", "kind"},
		),
		Breaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grader_circuit_state",
				Help: "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)",
			},
			[]string{"endpoint"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.Retries, m.Breaker)
	}
	return m
}

func (m *Metrics) call(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) retry(endpoint string, k Kind) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(endpoint, k.String()).Inc()
}

func (m *Metrics) state(endpoint string, s State) {
	if m == nil {
		return
	}
	m.Breaker.WithLabelValues(endpoint).Set(float64(s))
}
