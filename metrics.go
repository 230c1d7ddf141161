package chatsesh

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chatsesh"

// Metrics holds the Prometheus collectors for device flows and sessions.
// A nil *Metrics records nothing.
type Metrics struct {
	pollResults    *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	activeSessions prometheus.Gauge
	sessionCloses  *prometheus.CounterVec
	notifyFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Collectors that are already
// registered are reused, so several instances can share one registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pollResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "device_flow",
			Name:      "poll_results_total",
			Help:      "Count of device flow polls by result",
		}, []string{"status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "device_flow",
			Name:      "authorization_outcomes_total",
			Help:      "Count of finished authorization attempts by outcome",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sessions",
		}),
		sessionCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Count of closed sessions by reason",
		}, []string{"reason"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Count of messages that could not be delivered after a retry",
		}),
	}

	if err := register(reg, &m.pollResults); err != nil {
		return nil, err
	}
	if err := register(reg, &m.outcomes); err != nil {
		return nil, err
	}
	if err := register(reg, &m.activeSessions); err != nil {
		return nil, err
	}
	if err := register(reg, &m.sessionCloses); err != nil {
		return nil, err
	}
	if err := register(reg, &m.notifyFailures); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers *c, replacing it with the existing collector when one with the same
// descriptor is already present.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			*c = existing
			return nil
		}
	}
	return err
}

func (m *Metrics) observePoll(status PollStatus) {
	if m == nil {
		return
	}
	m.pollResults.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) observeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) observeClose(reason CloseReason) {
	if m == nil {
		return
	}
	m.sessionCloses.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) observeNotifyFailure() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
