// Package metrics exposes Prometheus instrumentation for queue depth, task
// duration, and control-plane call latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics collection for the
// orchestrator, namespaced "orchestrator_".
//
//  1. queue_depth (gauge): pending tasks per workflow queue.
//     Labels: workflow_id.
//  2. task_duration_seconds (histogram): wall-clock time a task spends
//     between claim and terminal status, by outcome.
//     Labels: node_key, status.
//  3. control_call_duration_seconds (histogram): control-plane HTTP call
//     latency, by endpoint.
//     Labels: endpoint, status.
//  4. poll_loop_iterations_total (counter): worker daemon poll loop passes.
//     Labels: outcome (work_found/idle).
type Metrics struct {
	queueDepth     *prometheus.GaugeVec
	taskDuration   *prometheus.HistogramVec
	controlCall    *prometheus.HistogramVec
	pollIterations *prometheus.CounterVec
}

// New creates and registers all orchestrator metrics with registry. A nil
// registry uses prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in a workflow's queue.",
		}, []string{"workflow_id"}),

		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "task_duration_seconds",
			Help:      "Time from task claim to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"node_key", "status"}),

		controlCall: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "control_call_duration_seconds",
			Help:      "Latency of control-plane HTTP calls to containers.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"endpoint", "status"}),

		pollIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "poll_loop_iterations_total",
			Help:      "Worker daemon poll loop passes, by outcome.",
		}, []string{"outcome"}),
	}
}

// SetQueueDepth records the current queue length for a workflow.
func (m *Metrics) SetQueueDepth(workflowID string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(workflowID).Set(float64(depth))
}

// ObserveTaskDuration records how long a task took to reach a terminal
// status.
func (m *Metrics) ObserveTaskDuration(nodeKey, status string, seconds float64) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(nodeKey, status).Observe(seconds)
}

// ObserveControlCall records control-client HTTP call latency.
func (m *Metrics) ObserveControlCall(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.controlCall.WithLabelValues(endpoint, status).Observe(seconds)
}

// IncPollIteration records one worker daemon poll loop pass.
func (m *Metrics) IncPollIteration(outcome string) {
	if m == nil {
		return
	}
	m.pollIterations.WithLabelValues(outcome).Inc()
}
