package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepflow-io/stepflow/pkg/agent"
	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
	"github.com/stepflow-io/stepflow/pkg/metrics"
)

// Executor invokes one step's bound agent capability with resolved
// inputs, applies its quality gate, and persists the result.
type Executor struct {
	state          core.StateStore
	resolver       *agent.Resolver
	defaultTimeout time.Duration
	retry          RetryConfig
	logger         *slog.Logger
	metrics        *metrics.Collector
}

// NewExecutor creates a step executor. The capability resolver is
// injected explicitly and scoped to this executor.
func NewExecutor(state core.StateStore, resolver *agent.Resolver, defaultTimeout time.Duration, retry RetryConfig, logger *slog.Logger, collector *metrics.Collector) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		state:          state,
		resolver:       resolver,
		defaultTimeout: defaultTimeout,
		retry:          retry,
		logger:         logger,
		metrics:        collector,
	}
}

// ExecuteStep runs one step for an instance and records its result.
//
// Input references are resolved against the accumulated context; an
// unresolvable reference fails closed with *core.MissingInputError
// rather than passing a nil silently. Capability failures are retried
// with backoff up to the configured bound; quality-gate failures are
// not, so callers can tell "the tool failed" from "the result wasn't
// good enough". On success the result is durably recorded before
// ExecuteStep returns: no later reader can observe the step as complete
// without its output.
func (e *Executor) ExecuteStep(ctx context.Context, inst *core.WorkflowInstance, step *definition.Step, wfCtx core.Context) (map[string]any, error) {
	inputs := make(map[string]any, len(step.Inputs))
	for name, ref := range step.Inputs {
		v, ok := wfCtx.Lookup(ref)
		if !ok {
			e.recordFailure("missing_input")
			return nil, &core.MissingInputError{Step: step.Name, Input: name, Ref: ref}
		}
		inputs[name] = v
	}

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	start := time.Now()
	var output map[string]any
	err := retryWithBackoff(ctx, e.retry, func() error {
		var invokeErr error
		output, invokeErr = e.resolver.Invoke(ctx, step.Capability, inputs, timeout)
		return invokeErr
	})
	if err != nil {
		e.recordFailure("capability")
		e.logger.Error("step capability failed",
			"instance_id", inst.ID, "step", step.Name, "capability", step.Capability, "error", err)
		return nil, err
	}

	if step.Gate != nil {
		got, ok := asFloat(output[step.Gate.Field])
		if !ok || got < step.Gate.Min {
			e.recordFailure("quality_gate")
			return nil, &core.QualityGateError{Step: step.Name, Field: step.Gate.Field, Got: got, Min: step.Gate.Min}
		}
	}

	raw, err := json.Marshal(output)
	if err != nil {
		e.recordFailure("capability")
		return nil, &core.CapabilityError{Capability: step.Capability, Err: fmt.Errorf("malformed output: %w", err)}
	}

	if err := e.state.RecordStepResult(ctx, inst.ID, step.Name, raw, inst.Version); err != nil {
		if errors.Is(err, core.ErrStateConflict) || errors.Is(err, core.ErrInstanceTerminal) {
			// Conflict: another writer advanced the instance, or it was
			// cancelled before persistence. The result is discarded and
			// the caller reloads.
			return nil, err
		}
		return nil, fmt.Errorf("stepflow: record step %q: %w", step.Name, err)
	}

	if e.metrics != nil {
		e.metrics.RecordStep(time.Since(start).Seconds())
	}
	e.logger.Debug("step completed",
		"instance_id", inst.ID, "step", step.Name, "duration", time.Since(start))
	return output, nil
}

func (e *Executor) recordFailure(reason string) {
	if e.metrics != nil {
		e.metrics.RecordStepFailure(reason)
	}
}
