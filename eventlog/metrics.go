package eventlog

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/stagectl"
)

const namespace = "stagectl"

// Metrics holds the counters derived from observability events.
type Metrics struct {
	Activations        prometheus.Counter
	Fallbacks          prometheus.Counter
	RejectedValidation prometheus.Counter
	Events             *prometheus.CounterVec
	StageFailures      *prometheus.CounterVec
	Dropped            prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg. A nil reg
// leaves them unregistered, which tests use to read values directly.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Configurations that became active.",
		}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback substitutions triggered, whether or not the substitute succeeded.",
		}),
		RejectedValidation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_validations_total",
			Help:      "Draft validations that were rejected.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Observability events by kind.",
		}, []string{"kind"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage invocations that failed without a usable fallback.",
		}, []string{"stage"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventlog_dropped_total",
			Help:      "Events not written to outputs because the buffer was full.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Activations, m.Fallbacks, m.RejectedValidation, m.Events, m.StageFailures, m.Dropped} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register eventlog metrics: %w", err)
		}
	}
	return m, nil
}

// Observe updates the counters for one event.
func (m *Metrics) Observe(e stagectl.Event) {
	m.Events.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case stagectl.EventKindActivation:
		if e.Outcome == "applied" {
			m.Activations.Inc()
		}
	case stagectl.EventKindFallback:
		m.Fallbacks.Inc()
	case stagectl.EventKindValidation:
		if e.Outcome == "rejected" {
			m.RejectedValidation.Inc()
		}
	case stagectl.EventKindFailure:
		m.StageFailures.WithLabelValues(e.StageID).Inc()
	}
}
