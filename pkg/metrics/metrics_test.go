package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/metrics"
)

func TestCollector_RegistersAndServes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordEnqueue()
	c.RecordClaim()
	c.RecordCompleted()
	c.RecordFailed()
	c.RecordReclaimed(2)
	c.RecordStep(0.125)
	c.RecordStepFailure("quality_gate")
	c.RecordGuardrail("block")
	c.RecordDispatch()
	c.RecordUnmatchedEvent()
	c.SetRunningInstances(3)

	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "stepflow_jobs_enqueued_total 1")
	assert.Contains(t, body, "stepflow_jobs_reclaimed_total 2")
	assert.Contains(t, body, `stepflow_steps_failed_total{reason="quality_gate"} 1`)
	assert.Contains(t, body, `stepflow_guardrail_fired_total{action="block"} 1`)
	assert.Contains(t, body, "stepflow_instances_running 3")
}

func TestNewCollector_FreshRegistryPerInstance(t *testing.T) {
	// Two collectors on separate registries must not collide.
	metrics.NewCollector(prometheus.NewRegistry())
	assert.NotPanics(t, func() {
		metrics.NewCollector(prometheus.NewRegistry())
	})
}
