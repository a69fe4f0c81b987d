package resilience

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors breakers report into. Any field may be nil.
type Metrics struct {
	State       *prometheus.GaugeVec   // labels: target
	Transitions *prometheus.CounterVec // labels: target, from, to
	Opened      *prometheus.CounterVec // labels: target
}

var metrics atomic.Pointer[Metrics]

// UseMetrics installs the collectors shared by every breaker. Passing nil stops reporting.
func UseMetrics(m *Metrics) {
	metrics.Store(m)
}

func observeState(target string, s State) {
	if m := metrics.Load(); m != nil && m.State != nil {
		m.State.WithLabelValues(target).Set(s.gauge())
	}
}

func observeTransition(target string, from, to State) {
	m := metrics.Load()
	if m == nil {
		return
	}
	if m.Transitions != nil {
		m.Transitions.WithLabelValues(target, from.String(), to.String()).Inc()
	}
	if to == Open && m.Opened != nil {
		m.Opened.WithLabelValues(target).Inc()
	}
}
