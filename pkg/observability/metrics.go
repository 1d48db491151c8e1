package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the policy engine.
type Metrics struct {
	registry *prometheus.Registry

	EnforceDecisions    *prometheus.CounterVec
	EnforceDuration     prometheus.Histogram
	PolicyMutations     *prometheus.CounterVec
	ReconcileRuns       *prometheus.CounterVec
	ReconcileDuration   *prometheus.HistogramVec
	FileChangesApplied  prometheus.Counter
	ProviderConnections *prometheus.GaugeVec
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}

	m.EnforceDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permsync_enforce_decisions_total",
		Help: "Authorization decisions partitioned by outcome.",
	}, []string{"decision"})

	m.EnforceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "permsync_enforce_duration_seconds",
		Help:    "Latency of single authorization checks.",
		Buckets: prometheus.DefBuckets,
	})

	m.PolicyMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permsync_policy_mutations_total",
		Help: "Policy store mutations partitioned by kind and source.",
	}, []string{"kind", "source"})

	m.ReconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permsync_reconcile_runs_total",
		Help: "Reconciliation passes partitioned by reconciler and result.",
	}, []string{"reconciler", "result"})

	m.ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "permsync_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"reconciler"})

	m.FileChangesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "permsync_file_changes_applied_total",
		Help: "Declarative policy file change events applied.",
	})

	m.ProviderConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "permsync_provider_connected",
		Help: "Whether a named external role provider is connected.",
	}, []string{"provider"})

	registry.MustRegister(
		m.EnforceDecisions,
		m.EnforceDuration,
		m.PolicyMutations,
		m.ReconcileRuns,
		m.ReconcileDuration,
		m.FileChangesApplied,
		m.ProviderConnections,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEnforce records a single authorization decision.
func (m *Metrics) ObserveEnforce(allowed bool, elapsed time.Duration) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.EnforceDecisions.WithLabelValues(decision).Inc()
	m.EnforceDuration.Observe(elapsed.Seconds())
}

// ObserveReconcile records one reconciliation pass.
func (m *Metrics) ObserveReconcile(reconciler string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReconcileRuns.WithLabelValues(reconciler, result).Inc()
	m.ReconcileDuration.WithLabelValues(reconciler).Observe(elapsed.Seconds())
}
