// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the prometheus instruments for every subsystem.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Task queue metrics
	tasksEnqueuedTotal *prometheus.CounterVec
	tasksFinishedTotal *prometheus.CounterVec
	taskClaimsTotal    *prometheus.CounterVec
	taskQueueDepth     *prometheus.GaugeVec

	// Routing metrics
	routingDecisionsTotal *prometheus.CounterVec

	// Messaging metrics
	messagesSentTotal       *prometheus.CounterVec
	messageSweepTotal       *prometheus.CounterVec
	messageTransitionsTotal *prometheus.CounterVec

	// Collaboration metrics
	collabSessionsTotal   *prometheus.CounterVec
	collabSessionDuration *prometheus.HistogramVec
	learningExamplesTotal prometheus.Counter

	// Workload metrics
	agentReputation  *prometheus.GaugeVec
	agentUtilization *prometheus.GaugeVec

	// Sweep metrics
	sweepRunsTotal    *prometheus.CounterVec
	sweepTouchedTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the instruments under the namespace and returns
// the collector.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.tasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Total number of tasks enqueued",
		},
		[]string{"status"},
	)
	c.tasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)
	c.taskClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_claims_total",
			Help:      "Total number of claim attempts",
		},
		[]string{"result"}, // result: won, conflict
	)
	c.taskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Number of tasks per status",
		},
		[]string{"status"},
	)

	c.routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing rule outcomes",
		},
		[]string{"rule_id", "outcome"}, // outcome: success, failure
	)

	c.messagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent",
		},
		[]string{"type", "priority"},
	)
	c.messageSweepTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_sweep_total",
			Help:      "Messages touched by the ack timeout sweep",
		},
		[]string{"action"}, // action: timeout, retried, failed
	)
	c.messageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_transitions_total",
			Help:      "Total number of message state transitions",
		},
		[]string{"to_state"},
	)

	c.collabSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collab_sessions_total",
			Help:      "Total number of collaboration sessions",
		},
		[]string{"strategy", "status"}, // status: ok, failed
	)
	c.collabSessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collab_session_duration_seconds",
			Help:      "Collaboration session duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"strategy"},
	)
	c.learningExamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_examples_total",
			Help:      "Total number of learning examples emitted",
		},
	)

	c.agentReputation = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_reputation",
			Help:      "Current reputation score per agent",
		},
		[]string{"agent_id"},
	)
	c.agentUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_utilization_percent",
			Help:      "Current utilization per agent",
		},
		[]string{"agent_id"},
	)

	c.sweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Total number of sweep job runs",
		},
		[]string{"job"},
	)
	c.sweepTouchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_touched_total",
			Help:      "Total number of records touched by sweep jobs",
		},
		[]string{"job"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one API request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTaskEnqueued records a task entering the queue.
func (c *Collector) RecordTaskEnqueued(status string) {
	c.tasksEnqueuedTotal.WithLabelValues(status).Inc()
}

// RecordTaskFinished records a task reaching a terminal status.
func (c *Collector) RecordTaskFinished(status string) {
	c.tasksFinishedTotal.WithLabelValues(status).Inc()
}

// RecordClaim records a claim attempt.
func (c *Collector) RecordClaim(won bool) {
	if won {
		c.taskClaimsTotal.WithLabelValues("won").Inc()
	} else {
		c.taskClaimsTotal.WithLabelValues("conflict").Inc()
	}
}

// SetQueueDepth sets the per-status queue depth gauge.
func (c *Collector) SetQueueDepth(status string, depth int) {
	c.taskQueueDepth.WithLabelValues(status).Set(float64(depth))
}

// RecordRoutingOutcome records a routing rule outcome.
func (c *Collector) RecordRoutingOutcome(ruleID string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.routingDecisionsTotal.WithLabelValues(ruleID, outcome).Inc()
}

// RecordMessageSent records an outgoing message.
func (c *Collector) RecordMessageSent(messageType, priority string) {
	c.messagesSentTotal.WithLabelValues(messageType, priority).Inc()
}

// RecordMessageSweep records the ack timeout sweep actions.
func (c *Collector) RecordMessageSweep(timedOut, retried, failed int) {
	c.messageSweepTotal.WithLabelValues("timeout").Add(float64(timedOut))
	c.messageSweepTotal.WithLabelValues("retried").Add(float64(retried))
	c.messageSweepTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordMessageTransition records a message state transition.
func (c *Collector) RecordMessageTransition(toState string) {
	c.messageTransitionsTotal.WithLabelValues(toState).Inc()
}

// RecordCollabSession records a finished collaboration session.
func (c *Collector) RecordCollabSession(strategy string, failed bool, duration time.Duration) {
	status := "ok"
	if failed {
		status = "failed"
	}
	c.collabSessionsTotal.WithLabelValues(strategy, status).Inc()
	c.collabSessionDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordLearningExample records one emitted learning example.
func (c *Collector) RecordLearningExample() {
	c.learningExamplesTotal.Inc()
}

// SetAgentReputation sets an agent's reputation gauge.
func (c *Collector) SetAgentReputation(agentID string, score float64) {
	c.agentReputation.WithLabelValues(agentID).Set(score)
}

// SetAgentUtilization sets an agent's utilization gauge.
func (c *Collector) SetAgentUtilization(agentID string, utilization float64) {
	c.agentUtilization.WithLabelValues(agentID).Set(utilization)
}

// RecordSweep records one sweep job run.
func (c *Collector) RecordSweep(job string, touched int) {
	c.sweepRunsTotal.WithLabelValues(job).Inc()
	c.sweepTouchedTotal.WithLabelValues(job).Add(float64(touched))
}
