package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "approvals"

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requestsSubmitted    *prometheus.CounterVec
	requestsTerminal     *prometheus.CounterVec
	actionsTotal         *prometheus.CounterVec
	escalationsTotal     *prometheus.CounterVec
	escalationsDiscarded prometheus.Counter
	sideEffectFailures   *prometheus.CounterVec
	evaluationErrors     prometheus.Counter
	sodConflicts         *prometheus.CounterVec
	pendingEffects       prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_submitted_total",
				Help:      "Approval requests created, by entity type.",
			},
			[]string{"entity_type"},
		),
		requestsTerminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_terminal_total",
				Help:      "Approval requests that reached a terminal status.",
			},
			[]string{"entity_type", "status"},
		),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Approval actions recorded, by action.",
			},
			[]string{"action"},
		),
		escalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Escalations fired, by escalation action.",
			},
			[]string{"escalation_action"},
		),
		escalationsDiscarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_discarded_total",
				Help:      "Escalations dropped because the step had already moved.",
			},
		),
		sideEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "side_effect_failures_total",
				Help:      "Failed side-effect attempts, by kind.",
			},
			[]string{"kind"},
		),
		evaluationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "condition_evaluation_errors_total",
				Help:      "Condition evaluations that halted a step.",
			},
		),
		sodConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sod_conflicts_total",
				Help:      "SoD conflicts detected on role checks.",
			},
			[]string{"blocking"},
		),
		pendingEffects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_effects",
				Help:      "Side effects awaiting retry at the last reconciliation.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.requestsSubmitted,
			m.requestsTerminal,
			m.actionsTotal,
			m.escalationsTotal,
			m.escalationsDiscarded,
			m.sideEffectFailures,
			m.evaluationErrors,
			m.sodConflicts,
			m.pendingEffects,
		)
	}
	return m
}

func (m *Metrics) RequestSubmitted(entityType string) {
	if m == nil {
		return
	}
	m.requestsSubmitted.WithLabelValues(entityType).Inc()
}

func (m *Metrics) RequestTerminal(entityType, status string) {
	if m == nil {
		return
	}
	m.requestsTerminal.WithLabelValues(entityType, status).Inc()
}

func (m *Metrics) ActionRecorded(action string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) EscalationFired(action string) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) EscalationDiscarded() {
	if m == nil {
		return
	}
	m.escalationsDiscarded.Inc()
}

func (m *Metrics) SideEffectFailed(kind string) {
	if m == nil {
		return
	}
	m.sideEffectFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) EvaluationError() {
	if m == nil {
		return
	}
	m.evaluationErrors.Inc()
}

func (m *Metrics) SoDConflict(blocking bool) {
	if m == nil {
		return
	}
	label := "false"
	if blocking {
		label = "true"
	}
	m.sodConflicts.WithLabelValues(label).Inc()
}

func (m *Metrics) SetPendingEffects(n int) {
	if m == nil {
		return
	}
	m.pendingEffects.Set(float64(n))
}
