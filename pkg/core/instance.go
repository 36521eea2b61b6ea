package core

import (
	"encoding/json"
	"time"
)

// InstanceStatus represents the current state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceSuspended InstanceStatus = "suspended"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceStopped   InstanceStatus = "stopped" // killed by an auto-stop guardrail
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceStopped, InstanceCancelled:
		return true
	}
	return false
}

// WorkflowInstance is one execution of a workflow definition.
//
// Version implements optimistic concurrency: every context mutation
// (step result, injected event, current-step advance) must carry the
// version it was read at, and bumps it by one. A stale writer gets
// ErrStateConflict and must reload. This is the per-instance
// serialization point for processors on different machines.
type WorkflowInstance struct {
	ID             string         `gorm:"primaryKey;size:36"`
	WorkflowName   string         `gorm:"index;size:255;not null"`
	Flow           string         `gorm:"size:255"`
	Status         InstanceStatus `gorm:"index;size:20;default:'running'"`
	CurrentStep    string         `gorm:"size:255"`
	Inputs         []byte         `gorm:"type:bytes"`
	CorrelationKey string         `gorm:"index;size:255"`
	FailureReason  string         `gorm:"type:text"`
	Version        int64          `gorm:"default:0"`
	StartedAt      time.Time      `gorm:"autoCreateTime"`
	CompletedAt    *time.Time
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// Record kinds for StepRecord.
const (
	RecordStep  = "step"
	RecordEvent = "event"
)

// StepRecord is one completed step's output, or one injected reactive
// event, within an instance's context. Records are keyed by
// (instance_id, name): recording the same step twice is a no-op, so a
// reclaimed processor re-running a step cannot duplicate context entries.
type StepRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	InstanceID string    `gorm:"uniqueIndex:idx_step_records_instance_name;size:36;not null"`
	Name       string    `gorm:"uniqueIndex:idx_step_records_instance_name;size:255;not null"`
	Kind       string    `gorm:"size:20;default:'step'"`
	Seq        int       `gorm:"not null"`
	Output     []byte    `gorm:"type:bytes"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// Context is the accumulated mapping from step (or event) name to its
// decoded output, used by decision rules and input resolution.
type Context map[string]map[string]any

// BuildContext decodes an instance's inputs and step records into a
// Context. Workflow inputs appear under the reserved name "workflow".
// Records with undecodable output are skipped rather than failing the
// whole instance load.
func BuildContext(inst *WorkflowInstance, records []StepRecord) Context {
	ctx := make(Context, len(records)+1)
	if len(inst.Inputs) > 0 {
		var inputs map[string]any
		if err := json.Unmarshal(inst.Inputs, &inputs); err == nil {
			ctx["workflow"] = inputs
		}
	}
	if ctx["workflow"] == nil {
		ctx["workflow"] = map[string]any{}
	}
	for _, r := range records {
		var out map[string]any
		if err := json.Unmarshal(r.Output, &out); err != nil {
			continue
		}
		ctx[r.Name] = out
	}
	return ctx
}

// Lookup resolves a dotted reference like "classify.sentiment" or
// "workflow.prospect_id". Record names may themselves contain dots
// ("event.reply"), so every split point is tried until one names an
// existing record. The second return is false when neither the record
// nor the field can be found.
func (c Context) Lookup(ref string) (any, bool) {
	for i := 1; i < len(ref)-1; i++ {
		if ref[i] != '.' {
			continue
		}
		entry, ok := c[ref[:i]]
		if !ok {
			continue
		}
		if v, ok := entry[ref[i+1:]]; ok {
			return v, true
		}
	}
	return nil, false
}

// SplitRef splits "name.field" into its parts. Field may itself contain
// dots; only the first separator is significant.
func SplitRef(ref string) (name, field string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			if i == 0 || i == len(ref)-1 {
				return "", "", false
			}
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}
