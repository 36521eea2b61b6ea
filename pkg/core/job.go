package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are
// immutable until retention cleanup removes them.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders pending jobs during claim. Higher runs first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 10
	PriorityHigh     Priority = 20
	PriorityCritical Priority = 30
)

// ParsePriority maps a priority name to its ordinal. Unknown names map
// to PriorityNormal.
func ParsePriority(name string) Priority {
	switch name {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// JobKindWorkflow starts a new workflow instance; JobKindResume resumes
// a specific running instance after a reactive event.
const (
	JobKindWorkflow = "workflow"
	JobKindResume   = "workflow.resume"
)

// Job represents a unit of asynchronous work.
//
// Status transitions are monotonic: pending -> processing ->
// completed/failed. A job never re-enters pending after leaving it except
// via a retry, which bumps Attempt and reschedules via RunAt, or via
// reclaim of an abandoned lease.
type Job struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Kind        string    `gorm:"index;size:255;not null"`
	Payload     []byte    `gorm:"type:bytes"`
	Priority    int       `gorm:"index;default:0"`
	Status      JobStatus `gorm:"index;size:20;default:'pending'"`
	Attempt     int       `gorm:"default:0"`
	MaxRetries  int       `gorm:"default:3"`
	LastError   string    `gorm:"type:text"`
	Result      []byte    `gorm:"type:bytes"`
	Progress    int       `gorm:"default:0"` // 0-100
	UniqueKey   string    `gorm:"index;size:255"`
	RunAt       *time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime"`
	LockedBy    string     `gorm:"size:255"`
	LockedUntil *time.Time `gorm:"index"`
}

// WorkflowPayload is the payload of JobKindWorkflow and JobKindResume jobs.
type WorkflowPayload struct {
	Workflow   string         `json:"workflow"`
	Flow       string         `json:"flow,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
}
