// Package metrics exposes Prometheus instrumentation for the engine:
// job throughput, step latency, guardrail activity, and the
// unmatched-event counter required for dropped trigger dispatches.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	jobsEnqueued  prometheus.Counter
	jobsClaimed   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsReclaimed prometheus.Counter

	stepLatency      prometheus.Histogram
	stepsFailed      *prometheus.CounterVec
	guardrailFired   *prometheus.CounterVec
	eventsDispatched prometheus.Counter
	eventsUnmatched  prometheus.Counter

	instancesRunning prometheus.Gauge
}

// NewCollector creates and registers the engine metrics on a registry.
// Pass prometheus.DefaultRegisterer for the process-wide registry, or a
// fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_jobs_claimed_total",
			Help: "Total number of jobs claimed by processors",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_jobs_failed_total",
			Help: "Total number of jobs failed permanently",
		}),
		jobsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_jobs_reclaimed_total",
			Help: "Total number of abandoned jobs returned to pending",
		}),
		stepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stepflow_step_latency_seconds",
			Help:    "Step execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_steps_failed_total",
			Help: "Total number of failed steps by failure class",
		}, []string{"reason"}),
		guardrailFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_guardrail_fired_total",
			Help: "Total number of guardrail actions by action",
		}, []string{"action"}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_events_dispatched_total",
			Help: "Total number of inbound events matched to a trigger",
		}),
		eventsUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_events_unmatched_total",
			Help: "Total number of inbound events dropped with no matching trigger",
		}),
		instancesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_instances_running",
			Help: "Current number of running workflow instances",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsClaimed,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsReclaimed,
		c.stepLatency,
		c.stepsFailed,
		c.guardrailFired,
		c.eventsDispatched,
		c.eventsUnmatched,
		c.instancesRunning,
	)
	return c
}

// RecordEnqueue records a job added to the queue.
func (c *Collector) RecordEnqueue() { c.jobsEnqueued.Inc() }

// RecordClaim records a job claimed by a processor.
func (c *Collector) RecordClaim() { c.jobsClaimed.Inc() }

// RecordCompleted records a successful job.
func (c *Collector) RecordCompleted() { c.jobsCompleted.Inc() }

// RecordFailed records a permanently failed job.
func (c *Collector) RecordFailed() { c.jobsFailed.Inc() }

// RecordReclaimed records abandoned jobs returned to pending.
func (c *Collector) RecordReclaimed(n int64) { c.jobsReclaimed.Add(float64(n)) }

// RecordStep records a step execution latency.
func (c *Collector) RecordStep(latencySeconds float64) { c.stepLatency.Observe(latencySeconds) }

// RecordStepFailure records a failed step by failure class
// (missing_input, capability, quality_gate).
func (c *Collector) RecordStepFailure(reason string) { c.stepsFailed.WithLabelValues(reason).Inc() }

// RecordGuardrail records a guardrail action (block, escalate, auto-stop).
func (c *Collector) RecordGuardrail(action string) { c.guardrailFired.WithLabelValues(action).Inc() }

// RecordDispatch records an inbound event matched to a trigger.
func (c *Collector) RecordDispatch() { c.eventsDispatched.Inc() }

// RecordUnmatchedEvent records an inbound event dropped with no trigger.
func (c *Collector) RecordUnmatchedEvent() { c.eventsUnmatched.Inc() }

// SetRunningInstances sets the running instance gauge.
func (c *Collector) SetRunningInstances(n float64) { c.instancesRunning.Set(n) }

// Handler returns the /metrics HTTP handler for a registry created
// alongside this collector.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
