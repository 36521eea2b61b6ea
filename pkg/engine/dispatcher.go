package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
)

// appendEventAttempts bounds optimistic retries when concurrent
// dispatches race on one instance's version.
const appendEventAttempts = 10

// DispatchResult reports what an inbound event did.
type DispatchResult struct {
	Matched     bool
	JobIDs      []string
	InstanceIDs []string
}

// Dispatch matches an inbound event against every registered trigger
// binding. A start binding enqueues a new workflow job; a resume
// binding resolves the enrolled instance by the event's correlation
// key, injects the event into its context, and enqueues a continuation
// job so a processor re-runs the decision engine.
//
// Two dispatches targeting the same instance serialize through the
// instance version: the loser of the version race reloads and re-applies,
// so the second dispatch always observes the first's context update.
// Unmatched events are dropped with a metrics signal, never an error.
func (e *Engine) Dispatch(ctx context.Context, eventName string, payload map[string]any) (*DispatchResult, error) {
	res := &DispatchResult{}

	var dispatchErr error
	e.registry.Each(func(def definition.Definition) {
		trigger := def.TriggerFor(eventName)
		if trigger == nil {
			return
		}
		res.Matched = true
		if trigger.Start != "" {
			jobID, err := e.startFromTrigger(ctx, &def, trigger, payload)
			if err != nil {
				if errors.Is(err, core.ErrDuplicateJob) {
					e.logger.Debug("trigger dispatch deduplicated", "event", eventName, "workflow", def.Name)
					return
				}
				dispatchErr = err
				return
			}
			res.JobIDs = append(res.JobIDs, jobID)
		} else {
			instanceID, err := e.resumeFromTrigger(ctx, &def, trigger, eventName, payload)
			if err != nil {
				if errors.Is(err, core.ErrInstanceNotFound) {
					// No enrolled instance for this key; nothing to resume.
					e.logger.Debug("resume trigger matched no instance", "event", eventName, "workflow", def.Name)
					return
				}
				dispatchErr = err
				return
			}
			res.InstanceIDs = append(res.InstanceIDs, instanceID)
		}
	})
	if dispatchErr != nil {
		return nil, dispatchErr
	}

	if !res.Matched {
		if e.collector != nil {
			e.collector.RecordUnmatchedEvent()
		}
		e.Emit(&core.EventDropped{Name: eventName, Timestamp: time.Now()})
		e.logger.Debug("event matched no trigger", "event", eventName)
		return res, nil
	}
	if e.collector != nil {
		e.collector.RecordDispatch()
	}
	return res, nil
}

func (e *Engine) startFromTrigger(ctx context.Context, def *definition.Definition, trigger *definition.Trigger, payload map[string]any) (string, error) {
	raw, err := json.Marshal(core.WorkflowPayload{
		Workflow:   def.Name,
		Flow:       trigger.Start,
		Inputs:     payload,
		InstanceID: uuid.New().String(),
	})
	if err != nil {
		return "", fmt.Errorf("stepflow: marshal event payload: %w", err)
	}

	job := &core.Job{
		ID:         uuid.New().String(),
		Kind:       core.JobKindWorkflow,
		Payload:    raw,
		Priority:   int(core.ParsePriority(trigger.Priority)),
		MaxRetries: e.maxJobRetries,
		Status:     core.StatusPending,
	}

	if trigger.IdempotencyField != "" {
		v, ok := payload[trigger.IdempotencyField]
		if !ok {
			return "", fmt.Errorf("stepflow: event for %q missing idempotency field %q", def.Name, trigger.IdempotencyField)
		}
		key := fmt.Sprintf("%s:%s:%v", def.Name, trigger.Event, v)
		if err := e.jobs.EnqueueUnique(ctx, job, key); err != nil {
			return "", err
		}
	} else if err := e.jobs.Enqueue(ctx, job); err != nil {
		return "", err
	}

	if e.collector != nil {
		e.collector.RecordEnqueue()
	}
	return job.ID, nil
}

func (e *Engine) resumeFromTrigger(ctx context.Context, def *definition.Definition, trigger *definition.Trigger, eventName string, payload map[string]any) (string, error) {
	keyValue, ok := payload[trigger.CorrelationField]
	if !ok {
		return "", fmt.Errorf("%w: event %q missing correlation field %q", core.ErrInvalidCorrelation, eventName, trigger.CorrelationField)
	}
	correlationKey := fmt.Sprintf("%v", keyValue)

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("stepflow: marshal event payload: %w", err)
	}

	var inst *core.WorkflowInstance
	for attempt := 0; attempt < appendEventAttempts; attempt++ {
		inst, err = e.state.FindByCorrelation(ctx, def.Name, correlationKey)
		if err != nil {
			return "", err
		}
		err = e.state.AppendEvent(ctx, inst.ID, eventName, raw, inst.Version)
		if err == nil {
			break
		}
		if errors.Is(err, core.ErrStateConflict) {
			continue
		}
		if errors.Is(err, core.ErrInstanceTerminal) {
			// The instance finished between lookup and injection.
			return "", core.ErrInstanceNotFound
		}
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("stepflow: inject event %q: %w", eventName, err)
	}

	resume, err := json.Marshal(core.WorkflowPayload{
		Workflow:   def.Name,
		Flow:       trigger.Resume,
		InstanceID: inst.ID,
	})
	if err != nil {
		return "", err
	}
	job := &core.Job{
		ID:         uuid.New().String(),
		Kind:       core.JobKindResume,
		Payload:    resume,
		Priority:   int(core.ParsePriority(trigger.Priority)),
		MaxRetries: e.maxJobRetries,
		Status:     core.StatusPending,
	}
	// One pending continuation per instance is enough: the processor
	// reads the full context when it runs.
	if err := e.jobs.EnqueueUnique(ctx, job, "resume:"+inst.ID); err != nil {
		if errors.Is(err, core.ErrDuplicateJob) {
			return inst.ID, nil
		}
		return "", err
	}
	if e.collector != nil {
		e.collector.RecordEnqueue()
	}
	return inst.ID, nil
}
