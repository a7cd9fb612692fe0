package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the reconcile pass counters named in spec §4.6 as
// Prometheus counters, grounded on the teacher's MustNewMetrics(registry)
// factory (internal/orchestrator/orchestrator_test.go), generalized from a
// video-pipeline stage/duration metric set to the four reconcile counters.
type Metrics struct {
	deadWorkersReaped      prometheus.Counter
	expiredClaimsReleased  prometheus.Counter
	orphanedTasksRecovered prometheus.Counter
	staleStatesFixed       prometheus.Counter
	reconcileDuration      prometheus.Histogram
}

// MustNewMetrics registers the reconcile counters against registry and
// panics on a duplicate registration, matching the teacher's fail-fast
// startup convention for metric wiring.
func MustNewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		deadWorkersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tx_orchestrator_dead_workers_reaped_total",
			Help: "Workers marked offline by the reconciler due to a stale heartbeat.",
		}),
		expiredClaimsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tx_orchestrator_expired_claims_released_total",
			Help: "Claims released by the reconciler, either expired or owned by a dead worker.",
		}),
		orphanedTasksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tx_orchestrator_orphaned_tasks_recovered_total",
			Help: "Active tasks with no active claim reset to ready by the reconciler.",
		}),
		staleStatesFixed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tx_orchestrator_stale_states_fixed_total",
			Help: "Tasks whose ready/blocked status was corrected against their blockers' state.",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tx_orchestrator_reconcile_duration_seconds",
			Help:    "Wall-clock duration of a single reconcile() pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(m.deadWorkersReaped, m.expiredClaimsReleased, m.orphanedTasksRecovered, m.staleStatesFixed, m.reconcileDuration)
	return m
}
