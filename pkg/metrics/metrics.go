// Package metrics exposes the service's Prometheus metrics: workflow and
// step outcomes, compensation activity, bus traffic, and HTTP requests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes every metric name.
const Namespace = "flowforge"

// Registry owns the service's Prometheus collectors.
type Registry struct {
	registry *prometheus.Registry

	WorkflowsStarted     *prometheus.CounterVec
	WorkflowsCompleted   *prometheus.CounterVec
	WorkflowsFailed      *prometheus.CounterVec
	WorkflowsCompensated prometheus.Counter

	StepsDispatched *prometheus.CounterVec
	StepsCompleted  *prometheus.CounterVec
	StepsFailed     *prometheus.CounterVec

	CompensationsExecuted *prometheus.CounterVec

	EventsTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with all collectors registered, plus the
// standard process and Go runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		WorkflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "workflow",
			Name:      "started_total",
			Help:      "Workflows started, by type",
		}, []string{"type"}),
		WorkflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "workflow",
			Name:      "completed_total",
			Help:      "Workflows that finished their forward path, by type",
		}, []string{"type"}),
		WorkflowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "workflow",
			Name:      "failed_total",
			Help:      "Workflows that entered the failed state, by failed step",
		}, []string{"failed_step"}),
		WorkflowsCompensated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "workflow",
			Name:      "compensated_total",
			Help:      "Workflows whose rollback finished",
		}),
		StepsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "step",
			Name:      "dispatched_total",
			Help:      "Step executions dispatched, by step",
		}, []string{"step"}),
		StepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "step",
			Name:      "completed_total",
			Help:      "Step executions that reported success, by step",
		}, []string{"step"}),
		StepsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "step",
			Name:      "failed_total",
			Help:      "Step executions that reported failure, by step and code",
		}, []string{"step", "code"}),
		CompensationsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "compensation",
			Name:      "executed_total",
			Help:      "Compensation handler outcomes, by step and result",
		}, []string{"step", "result"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Events observed on the bus, by topic",
		}, []string{"topic"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests processed",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		r.WorkflowsStarted,
		r.WorkflowsCompleted,
		r.WorkflowsFailed,
		r.WorkflowsCompensated,
		r.StepsDispatched,
		r.StepsCompleted,
		r.StepsFailed,
		r.CompensationsExecuted,
		r.EventsTotal,
		r.HTTPRequestsTotal,
		r.HTTPRequestDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return r
}

// PrometheusRegistry returns the underlying registry for serving.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}
