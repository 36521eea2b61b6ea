// Package definition loads and validates declarative workflow
// definitions. Definitions are immutable once loaded; every structural
// error the engine could hit at run time (dangling input references,
// cycles, triggers to undefined flows, branch sets without a default) is
// rejected here instead, with the offending step or field named.
package definition

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/schedule"
	"github.com/stepflow-io/stepflow/pkg/security"
)

// Execution modes.
const (
	ModeSequential = "sequential"
	ModeReactive   = "reactive"
)

// MainFlow is the flow a workflow job starts in when none is named.
const MainFlow = "main"

// Goto targets that are not step names.
const (
	GotoEnd        = "end"
	flowGotoPrefix = "flow:"
)

// Guardrail rule types.
const (
	GuardrailRateLimit = "rate_limit"
	GuardrailAutoStop  = "auto_stop"
	GuardrailEscalate  = "escalate"
)

// Definition is one declarative workflow: flows of steps, trigger
// bindings, and guardrail rules.
type Definition struct {
	Name   string   `yaml:"name"`
	Mode   string   `yaml:"mode"`
	Inputs []string `yaml:"inputs"`

	// CorrelationInput names the workflow input whose value enrolls the
	// instance for resume triggers (e.g. a prospect identifier).
	CorrelationInput string `yaml:"correlation_input"`

	Flows      []Flow      `yaml:"flows"`
	Triggers   []Trigger   `yaml:"triggers"`
	Guardrails []Guardrail `yaml:"guardrails"`
}

// Flow is a named subgraph of steps.
type Flow struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step binds an agent capability with declared inputs and outputs.
type Step struct {
	Name       string            `yaml:"name"`
	Capability string            `yaml:"capability"`
	Inputs     map[string]string `yaml:"inputs"`
	Outputs    []string          `yaml:"outputs"`
	Gate       *QualityGate      `yaml:"quality_gate"`
	Timeout    Duration          `yaml:"timeout"`
	Branches   []Branch          `yaml:"branches"`
}

// QualityGate rejects a step output whose Field falls below Min.
type QualityGate struct {
	Field string  `yaml:"field"`
	Min   float64 `yaml:"min"`
}

// Branch is one ordered branching rule. A nil When is the default
// branch; every branch set must end with one.
type Branch struct {
	When *Predicate `yaml:"when"`
	Goto string     `yaml:"goto"`
}

// Predicate is a pure, side-effect-free condition over context values.
// Tagged variants instead of embedded scripts: the operator set is
// closed, so definitions carry no executable logic.
type Predicate struct {
	Field  string `yaml:"field"`
	Op     string `yaml:"op"` // eq, ne, in, gte, lte, truthy
	Value  any    `yaml:"value"`
	Values []any  `yaml:"values"`
}

// Trigger binds an external event name to a flow. Start enqueues a new
// instance running the named flow; Resume routes the event to the named
// handler flow of the enrolled instance matching the event's correlation
// key. Exactly one of the two is set.
type Trigger struct {
	Event            string `yaml:"event"`
	Start            string `yaml:"start"`
	Resume           string `yaml:"resume"`
	CorrelationField string `yaml:"correlation_field"`
	Priority         string `yaml:"priority"`
	IdempotencyField string `yaml:"idempotency_field"`
	Schedule         string `yaml:"schedule"` // optional cron expression for synthetic events
}

// Guardrail is a safety rule enforced around step execution.
type Guardrail struct {
	Name     string     `yaml:"name"`
	Type     string     `yaml:"type"`
	Steps    []string   `yaml:"steps"`
	KeyField string     `yaml:"key_field"`
	Limit    int64      `yaml:"limit"`
	Window   Duration   `yaml:"window"`
	When     *Predicate `yaml:"when"`
}

// AppliesTo reports whether the rule covers the named step. An empty
// Steps list covers every step.
func (g *Guardrail) AppliesTo(step string) bool {
	if len(g.Steps) == 0 {
		return true
	}
	for _, s := range g.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// Duration decodes YAML duration strings like "30s" or "168h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Flow returns the named flow, or nil.
func (def *Definition) Flow(name string) *Flow {
	for i := range def.Flows {
		if def.Flows[i].Name == name {
			return &def.Flows[i]
		}
	}
	return nil
}

// StepByName returns a step from any flow, or nil. Step names are
// unique across flows because they key context entries.
func (def *Definition) StepByName(name string) *Step {
	for i := range def.Flows {
		for j := range def.Flows[i].Steps {
			if def.Flows[i].Steps[j].Name == name {
				return &def.Flows[i].Steps[j]
			}
		}
	}
	return nil
}

// TriggerFor returns the trigger bound to an event name, or nil.
func (def *Definition) TriggerFor(event string) *Trigger {
	for i := range def.Triggers {
		if def.Triggers[i].Event == event {
			return &def.Triggers[i]
		}
	}
	return nil
}

// HasResumeTriggers reports whether any trigger resumes enrolled
// instances. Such workflows keep their instances parked at flow end
// instead of completing them.
func (def *Definition) HasResumeTriggers() bool {
	for i := range def.Triggers {
		if def.Triggers[i].Resume != "" {
			return true
		}
	}
	return false
}

// Normalized returns a copy with defaults applied: mode defaults to
// sequential, trigger priorities to normal.
func (def Definition) Normalized() Definition {
	if def.Mode == "" {
		def.Mode = ModeSequential
	}
	for i := range def.Triggers {
		if def.Triggers[i].Priority == "" {
			def.Triggers[i].Priority = "normal"
		}
	}
	return def
}

// Validate checks the definition's structural invariants. Errors name
// the offending step, trigger, or guardrail and field.
func (def *Definition) Validate() error {
	fail := func(subject, field, reason string) error {
		return &core.ValidationError{Workflow: def.Name, Subject: subject, Field: field, Reason: reason}
	}

	if err := security.ValidateName(def.Name); err != nil {
		return &core.ValidationError{Workflow: def.Name, Reason: "invalid workflow name"}
	}
	if def.Mode != "" && def.Mode != ModeSequential && def.Mode != ModeReactive {
		return fail("", "mode", fmt.Sprintf("unknown mode %q", def.Mode))
	}
	if len(def.Flows) == 0 {
		return fail("", "flows", "at least one flow is required")
	}
	if def.Flow(MainFlow) == nil {
		return fail("", "flows", fmt.Sprintf("a flow named %q is required", MainFlow))
	}

	flowNames := make(map[string]bool, len(def.Flows))
	stepIndex := make(map[string]bool)
	for _, f := range def.Flows {
		if err := security.ValidateName(f.Name); err != nil {
			return fail(f.Name, "name", "invalid flow name")
		}
		if flowNames[f.Name] {
			return fail(f.Name, "name", "duplicate flow name")
		}
		flowNames[f.Name] = true
		if len(f.Steps) == 0 {
			return fail(f.Name, "steps", "flow has no steps")
		}
		for _, st := range f.Steps {
			if err := security.ValidateName(st.Name); err != nil {
				return fail(st.Name, "name", "invalid step name")
			}
			if stepIndex[st.Name] {
				return fail(st.Name, "name", "duplicate step name")
			}
			if st.Name == "workflow" || strings.HasPrefix(st.Name, "event.") {
				return fail(st.Name, "name", "step name shadows a reserved context entry")
			}
			stepIndex[st.Name] = true
			if st.Capability == "" {
				return fail(st.Name, "capability", "step has no bound capability")
			}
		}
	}

	inputSet := make(map[string]bool, len(def.Inputs))
	for _, in := range def.Inputs {
		inputSet[in] = true
	}
	eventSet := make(map[string]bool, len(def.Triggers))
	for _, t := range def.Triggers {
		eventSet[t.Event] = true
	}

	for _, f := range def.Flows {
		if err := def.validateFlow(f, inputSet, eventSet, flowNames); err != nil {
			return err
		}
	}

	hasResume := false
	for i := range def.Triggers {
		if err := def.validateTrigger(&def.Triggers[i], flowNames); err != nil {
			return err
		}
		if def.Triggers[i].Resume != "" {
			hasResume = true
		}
	}
	if def.CorrelationInput != "" && len(inputSet) > 0 && !inputSet[def.CorrelationInput] {
		return fail("", "correlation_input", fmt.Sprintf("%q is not a declared workflow input", def.CorrelationInput))
	}
	if hasResume && def.CorrelationInput == "" {
		return fail("", "correlation_input", "resume triggers require a correlation input")
	}

	for i := range def.Guardrails {
		if err := def.validateGuardrail(&def.Guardrails[i], stepIndex, inputSet, eventSet); err != nil {
			return err
		}
	}

	return nil
}

// validateFlow checks step input references and branch targets. A
// step's inputs may reference only workflow inputs or outputs of steps
// declared earlier in the same flow, and branches may only jump forward,
// to another flow, or to end. Together this keeps the dependency graph
// acyclic in every possible execution order.
func (def *Definition) validateFlow(f Flow, inputs, events, flows map[string]bool) error {
	fail := func(subject, field, reason string) error {
		return &core.ValidationError{Workflow: def.Name, Subject: subject, Field: field, Reason: reason}
	}

	// Outputs available at each position: declared outputs of earlier steps.
	available := make(map[string]map[string]bool)
	for idx, st := range f.Steps {
		for inputName, ref := range st.Inputs {
			if err := def.checkRef(ref, available, inputs, events); err != nil {
				return fail(st.Name, inputName, err.Error())
			}
		}

		if st.Gate != nil {
			if st.Gate.Field == "" {
				return fail(st.Name, "quality_gate.field", "quality gate has no field")
			}
			if len(st.Outputs) > 0 && !contains(st.Outputs, st.Gate.Field) {
				return fail(st.Name, "quality_gate.field", fmt.Sprintf("field %q is not a declared output", st.Gate.Field))
			}
		}

		if len(st.Branches) > 0 {
			defaults := 0
			for bi, b := range st.Branches {
				if b.When == nil {
					defaults++
					if bi != len(st.Branches)-1 {
						return fail(st.Name, "branches", "default branch must be last")
					}
				} else if err := def.checkPredicate(b.When, stepOutputsThrough(f, idx, available), inputs, events); err != nil {
					return fail(st.Name, "branches", err.Error())
				}
				if err := def.checkGoto(b.Goto, f, idx, flows); err != nil {
					return fail(st.Name, "branches", err.Error())
				}
			}
			if defaults != 1 {
				return fail(st.Name, "branches", "branch set requires exactly one default branch")
			}
		}

		outs := make(map[string]bool, len(st.Outputs))
		for _, o := range st.Outputs {
			outs[o] = true
		}
		available[st.Name] = outs
	}
	return nil
}

// stepOutputsThrough includes the current step's outputs: branch
// predicates run after the step completes, so its own outputs are visible.
func stepOutputsThrough(f Flow, idx int, earlier map[string]map[string]bool) map[string]map[string]bool {
	st := f.Steps[idx]
	merged := make(map[string]map[string]bool, len(earlier)+1)
	for k, v := range earlier {
		merged[k] = v
	}
	outs := make(map[string]bool, len(st.Outputs))
	for _, o := range st.Outputs {
		outs[o] = true
	}
	merged[st.Name] = outs
	return merged
}

func (def *Definition) checkRef(ref string, available map[string]map[string]bool, inputs, events map[string]bool) error {
	name, field, ok := core.SplitRef(ref)
	if !ok {
		return fmt.Errorf("reference %q is not of the form source.field", ref)
	}
	switch {
	case name == "workflow":
		if len(inputs) > 0 && !inputs[field] {
			return fmt.Errorf("reference %q names an undeclared workflow input", ref)
		}
	case name == "event":
		// event.<name>.<field>
		evName, _, ok := core.SplitRef(field)
		if !ok || !events[evName] {
			return fmt.Errorf("reference %q names an event with no trigger binding", ref)
		}
	default:
		outs, ok := available[name]
		if !ok {
			return fmt.Errorf("reference %q names a step that does not precede this one", ref)
		}
		if len(outs) > 0 && !outs[field] {
			return fmt.Errorf("reference %q names an undeclared output of step %q", ref, name)
		}
	}
	return nil
}

func (def *Definition) checkPredicate(p *Predicate, available map[string]map[string]bool, inputs, events map[string]bool) error {
	if p.Field == "" {
		return fmt.Errorf("predicate has no field")
	}
	switch p.Op {
	case "", "eq", "ne", "in", "gte", "lte", "truthy":
	default:
		return fmt.Errorf("predicate field %q: unknown op %q", p.Field, p.Op)
	}
	if p.Op == "in" && len(p.Values) == 0 {
		return fmt.Errorf("predicate field %q: op \"in\" requires values", p.Field)
	}
	return def.checkRef(p.Field, available, inputs, events)
}

func (def *Definition) checkGoto(target string, f Flow, idx int, flows map[string]bool) error {
	switch {
	case target == "":
		return fmt.Errorf("branch has no goto target")
	case target == GotoEnd:
		return nil
	case strings.HasPrefix(target, flowGotoPrefix):
		name := strings.TrimPrefix(target, flowGotoPrefix)
		if !flows[name] {
			return fmt.Errorf("branch targets undefined flow %q", name)
		}
		return nil
	default:
		for j := idx + 1; j < len(f.Steps); j++ {
			if f.Steps[j].Name == target {
				return nil
			}
		}
		return fmt.Errorf("branch targets step %q, which is not a later step of flow %q", target, f.Name)
	}
}

func (def *Definition) validateTrigger(t *Trigger, flows map[string]bool) error {
	fail := func(field, reason string) error {
		return &core.ValidationError{Workflow: def.Name, Subject: "trigger " + t.Event, Field: field, Reason: reason}
	}
	if err := security.ValidateName(t.Event); err != nil {
		return fail("event", "invalid event name")
	}
	if t.Start == "" && t.Resume == "" {
		return fail("", "trigger must either start a flow or resume an instance")
	}
	if t.Start != "" && t.Resume != "" {
		return fail("", "trigger cannot both start a flow and resume an instance")
	}
	if t.Start != "" && !flows[t.Start] {
		return fail("start", fmt.Sprintf("trigger bound to undefined flow %q", t.Start))
	}
	if t.Resume != "" && !flows[t.Resume] {
		return fail("resume", fmt.Sprintf("trigger bound to undefined flow %q", t.Resume))
	}
	if t.Resume != "" && t.CorrelationField == "" {
		return fail("correlation_field", "resume trigger requires a correlation field")
	}
	switch t.Priority {
	case "", "low", "normal", "high", "critical":
	default:
		return fail("priority", fmt.Sprintf("unknown priority %q", t.Priority))
	}
	if t.Schedule != "" {
		if t.Resume != "" {
			return fail("schedule", "scheduled triggers cannot resume instances")
		}
		if _, err := schedule.Cron(t.Schedule); err != nil {
			return fail("schedule", fmt.Sprintf("invalid cron expression %q", t.Schedule))
		}
	}
	return nil
}

func (def *Definition) validateGuardrail(g *Guardrail, steps, inputs, events map[string]bool) error {
	fail := func(field, reason string) error {
		return &core.ValidationError{Workflow: def.Name, Subject: "guardrail " + g.Name, Field: field, Reason: reason}
	}
	if err := security.ValidateName(g.Name); err != nil {
		return fail("name", "invalid guardrail name")
	}
	for _, s := range g.Steps {
		if !steps[s] {
			return fail("steps", fmt.Sprintf("guardrail applies to undefined step %q", s))
		}
	}

	// Guardrails see the full accumulated context, so any step's declared
	// outputs are a legal reference.
	available := def.allStepOutputs()

	switch g.Type {
	case GuardrailRateLimit:
		if g.KeyField == "" {
			return fail("key_field", "rate limit requires a key field")
		}
		if g.Limit <= 0 {
			return fail("limit", "rate limit requires a positive limit")
		}
		if g.Window.Std() <= 0 {
			return fail("window", "rate limit requires a positive window")
		}
		if err := def.checkRef(g.KeyField, available, inputs, events); err != nil {
			return fail("key_field", err.Error())
		}
	case GuardrailAutoStop, GuardrailEscalate:
		if g.When == nil {
			return fail("when", "rule requires a predicate")
		}
		if err := def.checkPredicate(g.When, available, inputs, events); err != nil {
			return fail("when", err.Error())
		}
	default:
		return fail("type", fmt.Sprintf("unknown guardrail type %q", g.Type))
	}
	return nil
}

func (def *Definition) allStepOutputs() map[string]map[string]bool {
	available := make(map[string]map[string]bool)
	for _, f := range def.Flows {
		for _, st := range f.Steps {
			outs := make(map[string]bool, len(st.Outputs))
			for _, o := range st.Outputs {
				outs[o] = true
			}
			available[st.Name] = outs
		}
	}
	return available
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
