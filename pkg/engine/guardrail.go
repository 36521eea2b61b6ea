package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
	"github.com/stepflow-io/stepflow/pkg/metrics"
)

// PreVerdict is the outcome of a pre-step guardrail check.
type PreVerdict struct {
	Action string // ActionAllow, ActionBlock, ActionAutoStop
	Rule   string
	Reason string
}

// PostVerdict is the outcome of a post-step guardrail check.
type PostVerdict struct {
	Action string // ActionContinue, ActionEscalate, ActionAutoStop
	Rule   string
	Reason string
}

// Guardrail actions.
const (
	ActionAllow    = "allow"
	ActionBlock    = "block"
	ActionContinue = "continue"
	ActionEscalate = "escalate"
	ActionAutoStop = "auto-stop"
)

// Enforcer evaluates guardrail rules around step execution. Rate-limit
// counters live in a CounterStore shared by all processors; predicates
// run over the instance context only.
type Enforcer struct {
	counters core.CounterStore
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewEnforcer creates a guardrail enforcer.
func NewEnforcer(counters core.CounterStore, logger *slog.Logger, collector *metrics.Collector) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{counters: counters, logger: logger, metrics: collector}
}

// CheckPreStep runs before a step executes, before any externally
// visible side effect. Auto-stop predicates are evaluated here as well
// as post-step so a kill condition injected by a reactive event takes
// effect before the next step, not after it.
func (g *Enforcer) CheckPreStep(ctx context.Context, def *definition.Definition, inst *core.WorkflowInstance, step *definition.Step, wfCtx core.Context) (PreVerdict, error) {
	for i := range def.Guardrails {
		rule := &def.Guardrails[i]
		if !rule.AppliesTo(step.Name) {
			continue
		}
		switch rule.Type {
		case definition.GuardrailAutoStop:
			if EvalPredicate(rule.When, wfCtx) {
				g.fired(inst.ID, rule.Name, ActionAutoStop)
				return PreVerdict{Action: ActionAutoStop, Rule: rule.Name, Reason: predicateReason(rule.When)}, nil
			}
		case definition.GuardrailRateLimit:
			key, ok := counterKey(rule, wfCtx)
			if !ok {
				// No key value in context yet means nothing to limit.
				continue
			}
			since := time.Now().Add(-rule.Window.Std())
			count, err := g.counters.WindowCount(ctx, key, since)
			if err != nil {
				return PreVerdict{}, fmt.Errorf("stepflow: guardrail %q counter: %w", rule.Name, err)
			}
			if count >= rule.Limit {
				g.fired(inst.ID, rule.Name, ActionBlock)
				return PreVerdict{
					Action: ActionBlock,
					Rule:   rule.Name,
					Reason: fmt.Sprintf("%d touches in window, limit %d", count, rule.Limit),
				}, nil
			}
		}
	}
	return PreVerdict{Action: ActionAllow}, nil
}

// CheckPostStep runs after a step's result is recorded. It increments
// the rate counters covering the step, then evaluates auto-stop and
// escalation predicates over the context including the step's output.
func (g *Enforcer) CheckPostStep(ctx context.Context, def *definition.Definition, inst *core.WorkflowInstance, step *definition.Step, wfCtx core.Context) (PostVerdict, error) {
	for i := range def.Guardrails {
		rule := &def.Guardrails[i]
		if !rule.AppliesTo(step.Name) {
			continue
		}
		switch rule.Type {
		case definition.GuardrailRateLimit:
			key, ok := counterKey(rule, wfCtx)
			if !ok {
				continue
			}
			now := time.Now()
			if _, err := g.counters.Increment(ctx, key, now, now.Add(-rule.Window.Std())); err != nil {
				return PostVerdict{}, fmt.Errorf("stepflow: guardrail %q counter: %w", rule.Name, err)
			}
		case definition.GuardrailAutoStop:
			if EvalPredicate(rule.When, wfCtx) {
				g.fired(inst.ID, rule.Name, ActionAutoStop)
				return PostVerdict{Action: ActionAutoStop, Rule: rule.Name, Reason: predicateReason(rule.When)}, nil
			}
		case definition.GuardrailEscalate:
			if EvalPredicate(rule.When, wfCtx) {
				g.fired(inst.ID, rule.Name, ActionEscalate)
				return PostVerdict{Action: ActionEscalate, Rule: rule.Name, Reason: predicateReason(rule.When)}, nil
			}
		}
	}
	return PostVerdict{Action: ActionContinue}, nil
}

func (g *Enforcer) fired(instanceID, rule, action string) {
	if g.metrics != nil {
		g.metrics.RecordGuardrail(action)
	}
	g.logger.Info("guardrail fired", "instance_id", instanceID, "rule", rule, "action", action)
}

// counterKey scopes a rate counter to the rule and the key field's
// context value (e.g. one prospect's email across all instances).
func counterKey(rule *definition.Guardrail, wfCtx core.Context) (string, bool) {
	v, ok := wfCtx.Lookup(rule.KeyField)
	if !ok || v == nil {
		return "", false
	}
	return rule.Name + ":" + fmt.Sprintf("%v", v), true
}

func predicateReason(p *definition.Predicate) string {
	op := p.Op
	if op == "" {
		op = "eq"
	}
	if op == "in" {
		return fmt.Sprintf("%s in %v", p.Field, p.Values)
	}
	if op == "truthy" {
		return fmt.Sprintf("%s is set", p.Field)
	}
	return fmt.Sprintf("%s %s %v", p.Field, op, p.Value)
}
