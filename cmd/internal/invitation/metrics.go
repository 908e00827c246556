package invitation

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts invitation outcomes. A nil *Metrics records nothing.
type Metrics struct {
	responses *prometheus.CounterVec
	created   prometheus.Counter
	deleted   prometheus.Counter
	recovered prometheus.Counter
}

// NewMetrics registers the invitation collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, errors.New("invitation: nil registerer")
	}
	m := &Metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ginvite",
			Subsystem: "invitation",
			Name:      "responses_total",
			Help:      "Invitation responses by operation and outcome.",
		}, []string{"operation", "outcome"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ginvite",
			Subsystem: "invitation",
			Name:      "created_total",
			Help:      "Invitations created.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ginvite",
			Subsystem: "invitation",
			Name:      "deleted_total",
			Help:      "Invitations deleted.",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ginvite",
			Subsystem: "invitation",
			Name:      "recovered_total",
			Help:      "Partially accepted invitations converged to accepted.",
		}),
	}
	for _, c := range []prometheus.Collector{m.responses, m.created, m.deleted, m.recovered} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeResponse(op Operation, err error) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(string(op), responseOutcome(op, err)).Inc()
}

func (m *Metrics) incCreated() {
	if m != nil {
		m.created.Inc()
	}
}

func (m *Metrics) incDeleted() {
	if m != nil {
		m.deleted.Inc()
	}
}

func (m *Metrics) incRecovered() {
	if m != nil {
		m.recovered.Inc()
	}
}

func responseOutcome(op Operation, err error) string {
	switch {
	case err == nil && op == OperationAccept:
		return "accepted"
	case err == nil:
		return "rejected"
	case IsPartialAccept(err):
		return "partial_accept"
	case IsNotFound(err):
		return "not_found"
	case IsForbidden(err):
		return "forbidden"
	case IsInvalidState(err):
		return "invalid_state"
	case IsInvalidInput(err):
		return "invalid_input"
	case IsPersistence(err):
		return "persistence_error"
	default:
		return "error"
	}
}
