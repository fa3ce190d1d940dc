// Package metrics exposes the kernel's Prometheus instrumentation: ambient
// observability carried from the teacher's metrics pattern regardless of
// which functional Non-goals apply to a given component (SPEC_FULL.md
// AMBIENT STACK).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every counter/gauge the kernel reports. A single
// instance is constructed at boot and threaded through the components that
// need it.
type Registry struct {
	EventsAppended        *prometheus.CounterVec
	BreakerTransitions    *prometheus.CounterVec
	SheddedRequests       *prometheus.CounterVec
	AdmittedRequests      *prometheus.CounterVec
	HotSwapOutcomes       *prometheus.CounterVec
	ServicesDeployed      prometheus.Gauge
	DeploysTotal          *prometheus.CounterVec
	RecoveryRedeploys     *prometheus.CounterVec
}

// New registers every metric against reg (use prometheus.NewRegistry for
// tests to avoid collisions with the global default registry).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_events_appended_total",
			Help: "Total events appended to the event store, by event type.",
		}, []string{"event_type"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions, by target state.",
		}, []string{"state"}),
		SheddedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_shedded_requests_total",
			Help: "Total deploy requests rejected by the load shedder, by tenant.",
		}, []string{"tenant_id"}),
		AdmittedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_admitted_requests_total",
			Help: "Total deploy requests admitted by the load shedder, by tenant.",
		}, []string{"tenant_id"}),
		HotSwapOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_hot_swap_outcomes_total",
			Help: "Total hot swap attempts, by outcome (succeeded, rolled_back, failed).",
		}, []string{"outcome"}),
		ServicesDeployed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_services_deployed",
			Help: "Current number of deployed services across all tenants.",
		}),
		DeploysTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_deploys_total",
			Help: "Total deploy attempts, by outcome (succeeded, failed).",
		}, []string{"outcome"}),
		RecoveryRedeploys: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_recovery_redeploys_total",
			Help: "Total services redeployed by the recovery engine, by outcome.",
		}, []string{"outcome"}),
	}
}
