package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
	"github.com/stepflow-io/stepflow/pkg/engine"
	"github.com/stepflow-io/stepflow/pkg/storage"
)

func newEnforcerFixture(t *testing.T) (*engine.Enforcer, *storage.CounterStore) {
	t.Helper()
	db := openTestDB(t)
	counters := storage.NewCounterStore(db)
	require.NoError(t, counters.Migrate(context.Background()))
	return engine.NewEnforcer(counters, quietLogger(), nil), counters
}

func guardrailDef(rules ...definition.Guardrail) *definition.Definition {
	return &definition.Definition{
		Name: "guarded",
		Flows: []definition.Flow{
			{Name: "main", Steps: []definition.Step{
				{Name: "send", Capability: "email.send"},
				{Name: "classify", Capability: "ai.classify"},
			}},
		},
		Guardrails: rules,
	}
}

func touchCap(limit int64) definition.Guardrail {
	return definition.Guardrail{
		Name:     "touch-cap",
		Type:     definition.GuardrailRateLimit,
		Steps:    []string{"send"},
		KeyField: "workflow.email",
		Limit:    limit,
		Window:   definition.Duration(time.Hour),
	}
}

func sendCtx(email string) core.Context {
	return core.Context{"workflow": {"email": email}}
}

func TestGuardrail_RateLimit_AllowsUnderLimit(t *testing.T) {
	enf, _ := newEnforcerFixture(t)
	def := guardrailDef(touchCap(2))
	inst := &core.WorkflowInstance{ID: "i1"}
	step := def.StepByName("send")

	v, err := enf.CheckPreStep(context.Background(), def, inst, step, sendCtx("a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAllow, v.Action)
}

func TestGuardrail_RateLimit_BlocksAtLimit(t *testing.T) {
	enf, _ := newEnforcerFixture(t)
	ctx := context.Background()
	def := guardrailDef(touchCap(2))
	inst := &core.WorkflowInstance{ID: "i1"}
	step := def.StepByName("send")
	wfCtx := sendCtx("a@example.com")

	// Two completed sends fill the window.
	for i := 0; i < 2; i++ {
		pre, err := enf.CheckPreStep(ctx, def, inst, step, wfCtx)
		require.NoError(t, err)
		require.Equal(t, engine.ActionAllow, pre.Action)
		post, err := enf.CheckPostStep(ctx, def, inst, step, wfCtx)
		require.NoError(t, err)
		require.Equal(t, engine.ActionContinue, post.Action)
	}

	// The third is blocked before any side effect.
	v, err := enf.CheckPreStep(ctx, def, inst, step, wfCtx)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionBlock, v.Action)
	assert.Equal(t, "touch-cap", v.Rule)
	assert.Contains(t, v.Reason, "limit 2")
}

func TestGuardrail_RateLimit_KeysScopeIndependently(t *testing.T) {
	enf, _ := newEnforcerFixture(t)
	ctx := context.Background()
	def := guardrailDef(touchCap(1))
	inst := &core.WorkflowInstance{ID: "i1"}
	step := def.StepByName("send")

	_, err := enf.CheckPostStep(ctx, def, inst, step, sendCtx("a@example.com"))
	require.NoError(t, err)

	// a is at its cap; b is untouched.
	v, err := enf.CheckPreStep(ctx, def, inst, step, sendCtx("a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionBlock, v.Action)

	v, err = enf.CheckPreStep(ctx, def, inst, step, sendCtx("b@example.com"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAllow, v.Action)
}

func TestGuardrail_RateLimit_IgnoresUncoveredSteps(t *testing.T) {
	enf, _ := newEnforcerFixture(t)
	ctx := context.Background()
	def := guardrailDef(touchCap(0))
	inst := &core.WorkflowInstance{ID: "i1"}
	step := def.StepByName("classify")

	v, err := enf.CheckPreStep(ctx, def, inst, step, sendCtx("a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAllow, v.Action, "rule covers send only")
}

func TestGuardrail_RateLimit_MissingKeyValueSkips(t *testing.T) {
	enf, _ := newEnforcerFixture(t)
	def := guardrailDef(touchCap(0))
	inst := &core.WorkflowInstance{ID: "i1"}
	step := def.StepByName("send")

	v, err := enf.CheckPreStep(context.Background(), def, inst, step, core.Context{"workflow": {}})
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAllow, v.Action, "no key value means nothing to limit")
}

func TestGuardrail_AutoStop_PreStep(t *testing.T) {
	enf, _ := newEnforcerFixture(t)
	def := guardrailDef(definition.Guardrail{
		Name: "halt-on-unsubscribe",
		Type: definition.GuardrailAutoStop,
		When: &definition.Predicate{Field: "classify.intent", Op: "eq", Value: "unsubscribe"},
	})
	inst := &core.WorkflowInstance{ID: "i1"}
	step := def.StepByName("send")

	// The kill condition is already in context (injected by an event):
	// it fires before the next step, not after it.
	wfCtx := core.Context{"workflow": {}, "classify": {"intent": "unsubscribe"}}
	v, err := enf.CheckPreStep(context.Background(), def, inst, step, wfCtx)
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAutoStop, v.Action)
	assert.Equal(t, "halt-on-unsubscribe", v.Rule)
}

func TestGuardrail_AutoStop_PostStep(t *testing.T) {
	enf, _ := newEnforcerFixture(t)
	def := guardrailDef(definition.Guardrail{
		Name:  "halt-on-unsubscribe",
		Type:  definition.GuardrailAutoStop,
		Steps: []string{"classify"},
		When:  &definition.Predicate{Field: "classify.intent", Op: "eq", Value: "unsubscribe"},
	})
	inst := &core.WorkflowInstance{ID: "i1"}
	step := def.StepByName("classify")

	v, err := enf.CheckPostStep(context.Background(), def, inst, step,
		core.Context{"workflow": {}, "classify": {"intent": "unsubscribe"}})
	require.NoError(t, err)
	assert.Equal(t, engine.ActionAutoStop, v.Action)

	v, err = enf.CheckPostStep(context.Background(), def, inst, step,
		core.Context{"workflow": {}, "classify": {"intent": "interested"}})
	require.NoError(t, err)
	assert.Equal(t, engine.ActionContinue, v.Action)
}

func TestGuardrail_Escalate(t *testing.T) {
	enf, _ := newEnforcerFixture(t)
	def := guardrailDef(definition.Guardrail{
		Name:  "review-angry-replies",
		Type:  definition.GuardrailEscalate,
		Steps: []string{"classify"},
		When:  &definition.Predicate{Field: "classify.sentiment", Op: "eq", Value: "negative"},
	})
	inst := &core.WorkflowInstance{ID: "i1"}
	step := def.StepByName("classify")

	v, err := enf.CheckPostStep(context.Background(), def, inst, step,
		core.Context{"workflow": {}, "classify": {"sentiment": "negative"}})
	require.NoError(t, err)
	assert.Equal(t, engine.ActionEscalate, v.Action)
	assert.Equal(t, "review-angry-replies", v.Rule)
}

func TestGuardrail_PostStepIncrementSharesWindowAcrossInstances(t *testing.T) {
	enf, counters := newEnforcerFixture(t)
	ctx := context.Background()
	def := guardrailDef(touchCap(5))
	step := def.StepByName("send")
	wfCtx := sendCtx("a@example.com")

	// Touches from different instances accumulate under one key.
	for _, id := range []string{"i1", "i2", "i3"} {
		_, err := enf.CheckPostStep(ctx, def, &core.WorkflowInstance{ID: id}, step, wfCtx)
		require.NoError(t, err)
	}

	n, err := counters.WindowCount(ctx, "touch-cap:a@example.com", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
