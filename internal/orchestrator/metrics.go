package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts planner and escalation outcomes. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Plans              *prometheus.CounterVec
	TasksStarted       prometheus.Counter
	ProvisionFailures  prometheus.Counter
	EnrichmentFailures prometheus.Counter
	Escalations        *prometheus.CounterVec
	StateResets        prometheus.Counter
}

// NewMetrics creates the planner metrics and registers them with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagplanner",
			Name:      "plans_total",
			Help:      "Planning passes by resulting mode.",
		}, []string{"mode"}),
		TasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dagplanner",
			Name:      "tasks_started_total",
			Help:      "Child tasks handed to the executor in parallel plans.",
		}),
		ProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dagplanner",
			Name:      "provision_failures_total",
			Help:      "Workspaces that could not be provisioned.",
		}),
		EnrichmentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dagplanner",
			Name:      "enrichment_failures_total",
			Help:      "Enrichment calls that failed or timed out.",
		}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagplanner",
			Name:      "escalations_total",
			Help:      "Gate failure handling by decision.",
		}, []string{"decision"}),
		StateResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dagplanner",
			Name:      "coordinator_state_resets_total",
			Help:      "Coordinator state files discarded as corrupt.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Plans, m.TasksStarted, m.ProvisionFailures,
			m.EnrichmentFailures, m.Escalations, m.StateResets)
	}
	return m
}

func (m *Metrics) planned(mode Mode) {
	if m != nil {
		m.Plans.WithLabelValues(string(mode)).Inc()
	}
}

func (m *Metrics) started(n int) {
	if m != nil {
		m.TasksStarted.Add(float64(n))
	}
}

func (m *Metrics) provisionFailed() {
	if m != nil {
		m.ProvisionFailures.Inc()
	}
}

func (m *Metrics) enrichmentFailed() {
	if m != nil {
		m.EnrichmentFailures.Inc()
	}
}

func (m *Metrics) escalated(d Decision) {
	if m != nil {
		m.Escalations.WithLabelValues(string(d)).Inc()
	}
}

func (m *Metrics) stateReset() {
	if m != nil {
		m.StateResets.Inc()
	}
}
