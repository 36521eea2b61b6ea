package core

import "time"

// Event is the interface for all engine events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a processor starts a job.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobRetrying is emitted when a job is rescheduled after a transient failure.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// StepCompleted is emitted after a step's result is durably recorded.
type StepCompleted struct {
	InstanceID string
	Step       string
	Duration   time.Duration
	Timestamp  time.Time
}

func (*StepCompleted) eventMarker() {}

// InstanceFinished is emitted when an instance reaches a terminal status.
type InstanceFinished struct {
	InstanceID string
	Workflow   string
	Status     InstanceStatus
	Reason     string
	Timestamp  time.Time
}

func (*InstanceFinished) eventMarker() {}

// GuardrailFired is emitted when a guardrail blocks, escalates, or stops.
type GuardrailFired struct {
	InstanceID string
	Rule       string
	Action     string
	Reason     string
	Timestamp  time.Time
}

func (*GuardrailFired) eventMarker() {}

// EventDropped is emitted when an inbound event matches no trigger.
type EventDropped struct {
	Name      string
	Timestamp time.Time
}

func (*EventDropped) eventMarker() {}
