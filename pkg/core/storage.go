package core

import (
	"context"
	"time"
)

// Starter is the interface for starting processors.
type Starter interface {
	Start(ctx context.Context) error
}

// JobStore defines the persistence layer for jobs.
type JobStore interface {
	// Migrate creates the necessary tables.
	Migrate(ctx context.Context) error

	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *Job) error

	// EnqueueUnique adds a job only if no pending/processing job with the
	// same unique key exists. Returns ErrDuplicateJob otherwise.
	EnqueueUnique(ctx context.Context, job *Job, uniqueKey string) error

	// Claim atomically takes ownership of the next eligible pending job.
	// At most one processor holds a given job at a time. Eligible jobs are
	// ordered by priority descending, then created_at, then id. Returns
	// (nil, nil) when no job is eligible.
	Claim(ctx context.Context, processorID string) (*Job, error)

	// Complete marks a job completed with its result. The caller must own
	// the job; ErrJobNotOwned otherwise.
	Complete(ctx context.Context, jobID, processorID string, result []byte) error

	// Fail marks a job failed, or reschedules it when retryAt is set.
	Fail(ctx context.Context, jobID, processorID string, errMsg string, retryAt *time.Time) error

	// SetProgress updates a processing job's progress (0-100).
	SetProgress(ctx context.Context, jobID, processorID string, progress int) error

	// ExtendLease extends the claim lease on a processing job.
	ExtendLease(ctx context.Context, jobID, processorID string, until time.Time) error

	// ReclaimAbandoned returns processing jobs whose lease expired more
	// than the visibility timeout ago back to pending. A slow-but-alive
	// processor risks duplicate work after reclaim, which is why step
	// execution is idempotent at the state-store level.
	ReclaimAbandoned(ctx context.Context, visibility time.Duration) (int64, error)

	// GetJob retrieves a job by ID, or (nil, nil) when absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// GetJobsByStatus retrieves jobs by status.
	GetJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)

	// PurgeTerminal deletes terminal jobs older than the validated
	// retention bound. Returns the number of rows removed.
	PurgeTerminal(ctx context.Context, olderThanDays int) (int64, error)
}

// StateStore defines the persistence layer for workflow instances. It is
// the authoritative record of instance progress.
type StateStore interface {
	Migrate(ctx context.Context) error

	// CreateInstance persists a new instance in running state.
	CreateInstance(ctx context.Context, inst *WorkflowInstance) error

	// GetInstance retrieves an instance by ID. ErrInstanceNotFound when absent.
	GetInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// GetRecords returns the instance's step and event records in append order.
	GetRecords(ctx context.Context, instanceID string) ([]StepRecord, error)

	// RecordStepResult upserts a step's output keyed by (instanceID,
	// stepName) and advances CurrentStep, guarded by the instance version
	// read by the caller. Recording an already-recorded step is a no-op
	// success. Returns ErrStateConflict on a stale version and
	// ErrInstanceTerminal when the instance is already terminal.
	RecordStepResult(ctx context.Context, instanceID, stepName string, output []byte, expectedVersion int64) error

	// AppendEvent injects a reactive event into the instance context under
	// the same optimistic version check as RecordStepResult. Concurrent
	// dispatches against one instance serialize through this.
	AppendEvent(ctx context.Context, instanceID, eventName string, payload []byte, expectedVersion int64) error

	// MarkTerminal transitions the instance to a terminal status. Terminal
	// states are immutable; a second call is a no-op returning
	// ErrInstanceTerminal.
	MarkTerminal(ctx context.Context, instanceID string, status InstanceStatus, reason string) error

	// Suspend parks a running instance for human review (escalation).
	// Suspended instances can still be resumed by reactive events.
	Suspend(ctx context.Context, instanceID, reason string) error

	// Resume returns a suspended instance to running. A no-op on an
	// already-running instance; ErrInstanceTerminal on a terminal one.
	Resume(ctx context.Context, instanceID string) error

	// CountByStatus counts instances in the given status.
	CountByStatus(ctx context.Context, status InstanceStatus) (int64, error)

	// SetFlow records the flow an instance is currently executing.
	SetFlow(ctx context.Context, instanceID, flow string, expectedVersion int64) error

	// FindByCorrelation resolves the running instance enrolled for a
	// correlation key, or ErrInstanceNotFound.
	FindByCorrelation(ctx context.Context, workflowName, correlationKey string) (*WorkflowInstance, error)

	// PurgeTerminal deletes terminal instances (and their records) older
	// than the validated retention bound for the given statuses.
	PurgeTerminal(ctx context.Context, olderThanDays int, statuses []InstanceStatus) (int64, error)
}

// CounterStore maintains rolling guardrail counters. Counters are durable
// so rate limits survive a full restart.
type CounterStore interface {
	// Increment bumps the bucket covering at and returns the new window
	// total since the given time.
	Increment(ctx context.Context, key string, at time.Time, since time.Time) (int64, error)

	// WindowCount sums the buckets since the given time.
	WindowCount(ctx context.Context, key string, since time.Time) (int64, error)
}
