package engine

import (
	"fmt"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
)

// OutcomeKind classifies a decision result.
type OutcomeKind int

const (
	// OutcomeStep continues at a named step.
	OutcomeStep OutcomeKind = iota
	// OutcomeFlow switches execution to another flow's first step.
	OutcomeFlow
	// OutcomeTerminal completes the instance.
	OutcomeTerminal
)

// Outcome is the decision engine's answer for what runs next.
type Outcome struct {
	Kind   OutcomeKind
	Target string
}

// NextStep evaluates the completed step's branching rules over the
// accumulated context, first match wins. A step with no branches falls
// through to the next declared step of its flow, or to terminal at the
// flow's end. Rules are pure predicates: identical context always yields
// the identical outcome.
//
// A terminal outcome carries Target "end" when a branch explicitly chose
// it and an empty Target when the flow simply ran out of steps; reactive
// workflows park instead of completing on the latter.
//
// A branch set with no matching rule resolves to its default branch;
// definitions without one are rejected at load time, so reaching that
// state here means the registry was bypassed.
func NextStep(def *definition.Definition, flow *definition.Flow, completedStep string, wfCtx core.Context) (Outcome, error) {
	idx := -1
	for i := range flow.Steps {
		if flow.Steps[i].Name == completedStep {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Outcome{}, fmt.Errorf("stepflow: step %q is not part of flow %q", completedStep, flow.Name)
	}
	step := &flow.Steps[idx]

	if len(step.Branches) == 0 {
		if idx+1 < len(flow.Steps) {
			return Outcome{Kind: OutcomeStep, Target: flow.Steps[idx+1].Name}, nil
		}
		return Outcome{Kind: OutcomeTerminal}, nil
	}

	for i := range step.Branches {
		b := &step.Branches[i]
		if b.When != nil && !EvalPredicate(b.When, wfCtx) {
			continue
		}
		return gotoOutcome(b.Goto)
	}
	return Outcome{}, fmt.Errorf("stepflow: step %q branch set has no default branch", completedStep)
}

func gotoOutcome(target string) (Outcome, error) {
	switch {
	case target == definition.GotoEnd:
		return Outcome{Kind: OutcomeTerminal, Target: definition.GotoEnd}, nil
	case strings.HasPrefix(target, "flow:"):
		return Outcome{Kind: OutcomeFlow, Target: strings.TrimPrefix(target, "flow:")}, nil
	case target != "":
		return Outcome{Kind: OutcomeStep, Target: target}, nil
	default:
		return Outcome{}, fmt.Errorf("stepflow: branch has empty goto target")
	}
}

// EvalPredicate evaluates one tagged predicate variant against the
// context. Unresolvable references evaluate to false rather than
// erroring: a rule over a field no step has produced yet simply does not
// fire.
func EvalPredicate(p *definition.Predicate, wfCtx core.Context) bool {
	v, ok := wfCtx.Lookup(p.Field)
	if !ok {
		return false
	}

	op := p.Op
	if op == "" {
		op = "eq"
	}
	switch op {
	case "eq":
		return valuesEqual(v, p.Value)
	case "ne":
		return !valuesEqual(v, p.Value)
	case "in":
		for _, candidate := range p.Values {
			if valuesEqual(v, candidate) {
				return true
			}
		}
		return false
	case "gte":
		a, aok := asFloat(v)
		b, bok := asFloat(p.Value)
		return aok && bok && a >= b
	case "lte":
		a, aok := asFloat(v)
		b, bok := asFloat(p.Value)
		return aok && bok && a <= b
	case "truthy":
		return isTruthy(v)
	default:
		return false
	}
}

// valuesEqual compares context values loosely: JSON and YAML decode
// numbers to different Go types (float64 vs int), so numeric values
// compare numerically.
func valuesEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case nil:
		return false
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}
