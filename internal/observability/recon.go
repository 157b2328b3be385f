package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReconMetrics counts reconciliation decisions. It satisfies the observer
// interfaces of the references and obligations packages.
type ReconMetrics struct {
	validations     *prometheus.CounterVec
	commits         *prometheus.CounterVec
	shortAllocation prometheus.Counter
}

// NewReconMetrics registers the reconciliation collectors on registerer.
func NewReconMetrics(registerer prometheus.Registerer) *ReconMetrics {
	m := &ReconMetrics{
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankrecon_reference_validations_total",
			Help: "Reference validations by resulting status.",
		}, []string{"status"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bankrecon_payment_commits_total",
			Help: "Mark-paid attempts by outcome.",
		}, []string{"result"}),
		shortAllocation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bankrecon_short_allocations_total",
			Help: "Allocations that could not cover their target.",
		}),
	}
	registerer.MustRegister(m.validations, m.commits, m.shortAllocation)
	return m
}

// ObserveValidation records the status returned by a reference validation.
func (m *ReconMetrics) ObserveValidation(status string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(status).Inc()
}

// ObserveCommit records a mark-paid outcome such as ok or insufficient_balance.
func (m *ReconMetrics) ObserveCommit(result string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result).Inc()
}

// ObserveShortAllocation records an allocation warning.
func (m *ReconMetrics) ObserveShortAllocation() {
	if m == nil {
		return
	}
	m.shortAllocation.Inc()
}
