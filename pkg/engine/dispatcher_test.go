package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/core"
)

const reengageYAML = `
name: re-engage
mode: reactive
inputs: [email, campaign]
correlation_input: email
flows:
  - name: main
    steps:
      - name: send
        capability: email.send
        inputs:
          to: workflow.email
  - name: handle_reply
    steps:
      - name: classify
        capability: ai.classify
        inputs:
          text: event.reply.text
        outputs: [intent]
        branches:
          - when:
              field: classify.intent
              op: eq
              value: not_interested
            goto: end
          - goto: notify
      - name: notify
        capability: crm.notify
        inputs:
          intent: classify.intent
triggers:
  - event: enroll
    start: main
    idempotency_field: email
  - event: reply
    resume: handle_reply
    correlation_field: email
    priority: high
`

func registerReengage(h *harness) {
	h.resolver.MustRegister("email.send", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"sent": true}, nil
	})
	h.resolver.MustRegister("ai.classify", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		text, _ := inputs["text"].(string)
		intent := "interested"
		if text == "no thanks" {
			intent = "not_interested"
		}
		return map[string]any{"intent": intent}, nil
	})
	h.resolver.MustRegister("crm.notify", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
}

func TestDispatch_UnmatchedEventIsDropped(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})

	events := h.engine.Events()
	defer h.engine.Unsubscribe(events)

	res, err := h.engine.Dispatch(context.Background(), "meteor_strike", map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Empty(t, res.JobIDs)

	select {
	case ev := <-events:
		dropped, ok := ev.(*core.EventDropped)
		require.True(t, ok)
		assert.Equal(t, "meteor_strike", dropped.Name)
	case <-time.After(time.Second):
		t.Fatal("no EventDropped emitted")
	}
}

func TestDispatch_StartTriggerEnqueuesWorkflow(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})

	res, err := h.engine.Dispatch(context.Background(), "enroll",
		map[string]any{"email": "dana@example.com", "campaign": "q3"})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	require.Len(t, res.JobIDs, 1)

	job, err := h.jobs.GetJob(context.Background(), res.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, core.JobKindWorkflow, job.Kind)
	assert.Equal(t, core.StatusPending, job.Status)
}

func TestDispatch_StartTriggerIsIdempotent(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})
	ctx := context.Background()
	payload := map[string]any{"email": "dana@example.com", "campaign": "q3"}

	first, err := h.engine.Dispatch(ctx, "enroll", payload)
	require.NoError(t, err)
	require.Len(t, first.JobIDs, 1)

	// The same prospect enrolling twice produces one job.
	second, err := h.engine.Dispatch(ctx, "enroll", payload)
	require.NoError(t, err)
	assert.True(t, second.Matched)
	assert.Empty(t, second.JobIDs)

	// A different prospect is a different idempotency key.
	third, err := h.engine.Dispatch(ctx, "enroll",
		map[string]any{"email": "lee@example.com", "campaign": "q3"})
	require.NoError(t, err)
	assert.Len(t, third.JobIDs, 1)
}

func TestDispatch_StartTriggerMissingIdempotencyField(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})

	_, err := h.engine.Dispatch(context.Background(), "enroll", map[string]any{"campaign": "q3"})
	assert.Error(t, err)
}

func TestDispatch_ResumeWithNoEnrolledInstance(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})

	// Nobody is enrolled: the reply matches its trigger but resumes
	// nothing, and that is not an error.
	res, err := h.engine.Dispatch(context.Background(), "reply",
		map[string]any{"email": "stranger@example.com", "text": "hello"})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Empty(t, res.InstanceIDs)
}

func TestDispatch_ResumeMissingCorrelationField(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})

	_, err := h.engine.Dispatch(context.Background(), "reply", map[string]any{"text": "hello"})
	assert.ErrorIs(t, err, core.ErrInvalidCorrelation)
}

func TestReactive_ParksAtFlowEnd(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})
	registerReengage(h)
	h.runProcessor(t)

	res, err := h.engine.Dispatch(context.Background(), "enroll",
		map[string]any{"email": "dana@example.com", "campaign": "q3"})
	require.NoError(t, err)
	require.Len(t, res.JobIDs, 1)

	// The main flow ran out of steps but resume triggers keep the
	// instance alive, waiting for events.
	inst := h.waitForInstance(t, "re-engage", core.InstanceSuspended)
	assert.Equal(t, "awaiting events", inst.FailureReason)
	assert.Equal(t, "dana@example.com", inst.CorrelationKey)

	records, err := h.state.GetRecords(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "send", records[0].Name)
}

func TestReactive_ReplyRunsHandlerFlowAndReparks(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})
	registerReengage(h)
	h.runProcessor(t)
	ctx := context.Background()

	_, err := h.engine.Dispatch(ctx, "enroll",
		map[string]any{"email": "dana@example.com", "campaign": "q3"})
	require.NoError(t, err)
	parked := h.waitForInstance(t, "re-engage", core.InstanceSuspended)

	res, err := h.engine.Dispatch(ctx, "reply",
		map[string]any{"email": "dana@example.com", "text": "tell me more"})
	require.NoError(t, err)
	require.Equal(t, []string{parked.ID}, res.InstanceIDs)

	// The handler flow runs to its implicit end and the instance parks
	// again, still enrolled for further replies.
	require.Eventually(t, func() bool {
		records, err := h.state.GetRecords(ctx, parked.ID)
		if err != nil {
			return false
		}
		names := make(map[string]bool, len(records))
		for _, r := range records {
			names[r.Name] = true
		}
		return names["classify"] && names["notify"]
	}, 10*time.Second, 10*time.Millisecond)

	inst := h.waitForInstance(t, "re-engage", core.InstanceSuspended)
	assert.Equal(t, parked.ID, inst.ID)
	assert.Equal(t, "handle_reply", inst.Flow)

	// The injected event is part of the instance context.
	records, err := h.state.GetRecords(ctx, parked.ID)
	require.NoError(t, err)
	var sawEvent bool
	for _, r := range records {
		if r.Name == "event.reply" {
			sawEvent = true
			assert.Equal(t, core.RecordEvent, r.Kind)
		}
	}
	assert.True(t, sawEvent)
}

func TestReactive_NotInterestedReplyCompletesInstance(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})
	registerReengage(h)
	h.runProcessor(t)
	ctx := context.Background()

	_, err := h.engine.Dispatch(ctx, "enroll",
		map[string]any{"email": "dana@example.com", "campaign": "q3"})
	require.NoError(t, err)
	parked := h.waitForInstance(t, "re-engage", core.InstanceSuspended)

	_, err = h.engine.Dispatch(ctx, "reply",
		map[string]any{"email": "dana@example.com", "text": "no thanks"})
	require.NoError(t, err)

	// classify routes the reply to the explicit end: the instance
	// completes instead of re-parking.
	inst := h.waitForInstance(t, "re-engage", core.InstanceCompleted)
	assert.Equal(t, parked.ID, inst.ID)

	records, err := h.state.GetRecords(ctx, inst.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(records))
	for _, r := range records {
		if r.Kind == core.RecordStep {
			names = append(names, r.Name)
		}
	}
	assert.Equal(t, []string{"send", "classify"}, names, "notify never runs")

	// A completed instance is no longer enrolled.
	res, err := h.engine.Dispatch(ctx, "reply",
		map[string]any{"email": "dana@example.com", "text": "wait, actually"})
	require.NoError(t, err)
	assert.Empty(t, res.InstanceIDs)
}

func TestReactive_SecondReplyRedecidesWithoutRerunningSteps(t *testing.T) {
	h := newHarness(t, []string{reengageYAML})
	registerReengage(h)
	h.runProcessor(t)
	ctx := context.Background()

	_, err := h.engine.Dispatch(ctx, "enroll",
		map[string]any{"email": "dana@example.com", "campaign": "q3"})
	require.NoError(t, err)
	parked := h.waitForInstance(t, "re-engage", core.InstanceSuspended)

	_, err = h.engine.Dispatch(ctx, "reply",
		map[string]any{"email": "dana@example.com", "text": "tell me more"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inst, err := h.state.GetInstance(ctx, parked.ID)
		return err == nil && inst.Status == core.InstanceSuspended && inst.Flow == "handle_reply"
	}, 10*time.Second, 10*time.Millisecond)

	before, err := h.state.GetRecords(ctx, parked.ID)
	require.NoError(t, err)

	// A second reply updates the event payload and re-runs the decision
	// engine, but already-recorded steps stay recorded.
	_, err = h.engine.Dispatch(ctx, "reply",
		map[string]any{"email": "dana@example.com", "text": "still thinking"})
	require.NoError(t, err)

	// The updated payload lands and the instance settles back into its
	// parked state.
	require.Eventually(t, func() bool {
		inst, err := h.state.GetInstance(ctx, parked.ID)
		if err != nil || inst.Status != core.InstanceSuspended {
			return false
		}
		records, err := h.state.GetRecords(ctx, parked.ID)
		if err != nil {
			return false
		}
		for _, r := range records {
			if r.Name == "event.reply" {
				return string(r.Output) == `{"email":"dana@example.com","text":"still thinking"}`
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)

	after, err := h.state.GetRecords(ctx, parked.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "no step re-ran, no duplicate entries")
}
