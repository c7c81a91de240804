// Package metrics exposes the engine's Prometheus collectors. A single
// Set owns its registry so tests can create isolated instances; the
// control server mounts Handler() at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every collector the engine emits to.
type Set struct {
	registry *prometheus.Registry

	WorkflowsStarted    prometheus.Counter
	WorkflowsCompleted  prometheus.Counter
	WorkflowsFailed     prometheus.Counter
	WorkflowsTerminated prometheus.Counter

	PhaseTransitions *prometheus.CounterVec
	TaskRetries      prometheus.Counter
	GateFailures     prometheus.Counter
	EscalationsTotal *prometheus.CounterVec

	ActiveWorkers    prometheus.Gauge
	PendingApprovals prometheus.Gauge
	RunningWorkflows prometheus.Gauge

	PhaseDuration *prometheus.HistogramVec
}

// New creates a Set backed by its own registry, with the standard Go
// runtime and process collectors included.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		WorkflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name: "workflows_started_total", Help: "Workflows started.",
		}),
		WorkflowsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name: "workflows_completed_total", Help: "Workflows that reached completed.",
		}),
		WorkflowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name: "workflows_failed_total", Help: "Workflows that ended failed.",
		}),
		WorkflowsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name: "workflows_terminated_total", Help: "Workflows terminated by an operator or abort escalation.",
		}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name: "phase_transitions_total", Help: "Phase transitions by edge.",
		}, []string{"from", "to"}),
		TaskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name: "task_retries_total", Help: "Subtask retries after failure.",
		}),
		GateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcompany", Subsystem: "quality",
			Name: "gate_failures_total", Help: "Quality gate rejections.",
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name: "escalations_total", Help: "Escalations resolved, by action.",
		}, []string{"action"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcompany", Subsystem: "pool",
			Name: "active_workers", Help: "Workers currently alive in the pool.",
		}),
		PendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcompany", Subsystem: "approval",
			Name: "pending_approvals", Help: "Approval gate entries awaiting a decision.",
		}),
		RunningWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name: "running_workflows", Help: "Workflows with a live driver.",
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentcompany", Subsystem: "engine",
			Name:    "phase_duration_seconds",
			Help:    "Wall time spent in each phase.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"phase"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.WorkflowsStarted, s.WorkflowsCompleted, s.WorkflowsFailed, s.WorkflowsTerminated,
		s.PhaseTransitions, s.TaskRetries, s.GateFailures, s.EscalationsTotal,
		s.ActiveWorkers, s.PendingApprovals, s.RunningWorkflows,
		s.PhaseDuration,
	)
	return s
}

// Handler returns the scrape endpoint for this set's registry.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (s *Set) Registry() *prometheus.Registry {
	return s.registry
}
