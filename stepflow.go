// Package stepflow provides a durable workflow orchestration engine for
// multi-step outreach sequences.
//
// This is the main package users should import. It re-exports all public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open storage and load workflow definitions
//	db, _ := gorm.Open(sqlite.Open("stepflow.db"), &gorm.Config{})
//	jobs := stepflow.NewJobStore(db)
//	state := stepflow.NewStateStore(db)
//	counters := stepflow.NewCounterStore(db)
//	jobs.Migrate(ctx)
//	state.Migrate(ctx)
//	counters.Migrate(ctx)
//	registry, _ := stepflow.LoadRegistry("./workflows")
//
//	// Register agent capabilities
//	resolver := stepflow.NewResolver()
//	resolver.Register("email.send", sendEmail)
//
//	// Submit a workflow and run a processor
//	engine := stepflow.NewEngine(jobs, state, counters, registry, resolver)
//	jobID, _ := engine.SubmitWorkflow(ctx, "cold-outreach", inputs, stepflow.PriorityNormal)
//	proc := stepflow.NewProcessor(engine, stepflow.DefaultProcessorConfig())
//	proc.Start(ctx)
package stepflow

import (
	"time"

	"gorm.io/gorm"

	"github.com/stepflow-io/stepflow/pkg/agent"
	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
	"github.com/stepflow-io/stepflow/pkg/engine"
	"github.com/stepflow-io/stepflow/pkg/schedule"
	"github.com/stepflow-io/stepflow/pkg/security"
	"github.com/stepflow-io/stepflow/pkg/storage"
)

// Type aliases re-exporting the public surface
type (
	// Job is a unit of queued work driving a workflow instance.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// Priority orders pending jobs; higher claims first.
	Priority = core.Priority

	// WorkflowInstance is the durable record of one workflow execution.
	WorkflowInstance = core.WorkflowInstance

	// InstanceStatus represents the current state of an instance.
	InstanceStatus = core.InstanceStatus

	// StepRecord is one durably recorded step output or injected event.
	StepRecord = core.StepRecord

	// Context is the accumulated instance context keyed by producer.
	Context = core.Context

	// JobStore defines the persistence layer for jobs.
	JobStore = core.JobStore

	// StateStore defines the persistence layer for workflow instances.
	StateStore = core.StateStore

	// CounterStore maintains rolling guardrail counters.
	CounterStore = core.CounterStore

	// Event is the interface for all engine events.
	Event = core.Event

	// JobStarted is emitted when a processor starts a job.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a job completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails permanently.
	JobFailed = core.JobFailed

	// JobRetrying is emitted when a job is rescheduled after a failure.
	JobRetrying = core.JobRetrying

	// StepCompleted is emitted after a step result is durably recorded.
	StepCompleted = core.StepCompleted

	// InstanceFinished is emitted when an instance reaches a terminal status.
	InstanceFinished = core.InstanceFinished

	// GuardrailFired is emitted when a guardrail blocks, escalates, or stops.
	GuardrailFired = core.GuardrailFired

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates an error that should be retried after a delay.
	RetryAfterError = core.RetryAfterError

	// ValidationError names the offending workflow element and field.
	ValidationError = core.ValidationError

	// MissingInputError reports an unresolvable step input reference.
	MissingInputError = core.MissingInputError

	// CapabilityError wraps an agent capability failure or timeout.
	CapabilityError = core.CapabilityError

	// QualityGateError reports an output that failed its declared gate.
	QualityGateError = core.QualityGateError

	// GuardrailError reports a guardrail verdict that stopped execution.
	GuardrailError = core.GuardrailError

	// Definition is a validated, immutable workflow definition.
	Definition = definition.Definition

	// Step is one unit of a flow bound to an agent capability.
	Step = definition.Step

	// Trigger binds an external event to a start or resume action.
	Trigger = definition.Trigger

	// Guardrail is a safety rule enforced around step execution.
	Guardrail = definition.Guardrail

	// Registry holds validated workflow definitions by name.
	Registry = definition.Registry

	// Capability is an agent function a step binds to.
	Capability = agent.Capability

	// Resolver maps capability names to registered implementations.
	Resolver = agent.Resolver

	// Engine wires stores, definitions, and capabilities together.
	Engine = engine.Engine

	// Option configures an Engine.
	Option = engine.Option

	// Processor claims jobs and drives workflow instances.
	Processor = engine.Processor

	// ProcessorConfig holds processor configuration.
	ProcessorConfig = engine.ProcessorConfig

	// DispatchResult reports what an inbound event did.
	DispatchResult = engine.DispatchResult

	// Outcome is the decision engine's answer for what runs next.
	Outcome = engine.Outcome

	// RetryConfig controls capability and store retry backoff.
	RetryConfig = engine.RetryConfig

	// Schedule defines when a scheduled trigger fires next.
	Schedule = schedule.Schedule

	// GormJobStore implements JobStore using GORM.
	GormJobStore = storage.JobStore

	// GormStateStore implements StateStore using GORM.
	GormStateStore = storage.StateStore

	// GormCounterStore implements CounterStore using GORM.
	GormCounterStore = storage.CounterStore
)

// Job status constants
const (
	StatusPending    = core.StatusPending
	StatusProcessing = core.StatusProcessing
	StatusCompleted  = core.StatusCompleted
	StatusFailed     = core.StatusFailed
	StatusCancelled  = core.StatusCancelled
)

// Instance status constants
const (
	InstanceRunning   = core.InstanceRunning
	InstanceSuspended = core.InstanceSuspended
	InstanceCompleted = core.InstanceCompleted
	InstanceFailed    = core.InstanceFailed
	InstanceStopped   = core.InstanceStopped
	InstanceCancelled = core.InstanceCancelled
)

// Priority constants
const (
	PriorityLow      = core.PriorityLow
	PriorityNormal   = core.PriorityNormal
	PriorityHigh     = core.PriorityHigh
	PriorityCritical = core.PriorityCritical
)

// Security limits
const (
	MaxNameLength         = security.MaxNameLength
	MaxPayloadSize        = security.MaxPayloadSize
	MaxRetries            = security.MaxRetries
	MaxConcurrency        = security.MaxConcurrency
	MaxErrorMessageLength = security.MaxErrorMessageLength
	MaxUniqueKeyLength    = security.MaxUniqueKeyLength
	MinRetentionDays      = security.MinRetentionDays
	MaxRetentionDays      = security.MaxRetentionDays
)

// Error variables
var (
	ErrInvalidName        = core.ErrInvalidName
	ErrNameTooLong        = core.ErrNameTooLong
	ErrPayloadTooLarge    = core.ErrPayloadTooLarge
	ErrJobNotOwned        = core.ErrJobNotOwned
	ErrDuplicateJob       = core.ErrDuplicateJob
	ErrInvalidRetention   = core.ErrInvalidRetentionDays
	ErrInvalidCorrelation = core.ErrInvalidCorrelation
	ErrStateConflict      = core.ErrStateConflict
	ErrInstanceTerminal   = core.ErrInstanceTerminal
	ErrInstanceNotFound   = core.ErrInstanceNotFound
	ErrUnknownWorkflow    = core.ErrUnknownWorkflow
)

// NewEngine creates an Engine over the given stores, registry, and resolver.
func NewEngine(jobs JobStore, state StateStore, counters CounterStore, registry *Registry, resolver *Resolver, opts ...Option) *Engine {
	return engine.New(jobs, state, counters, registry, resolver, opts...)
}

// NewProcessor creates a processor over an engine.
func NewProcessor(e *Engine, cfg ProcessorConfig) *Processor {
	return engine.NewProcessor(e, cfg)
}

// DefaultProcessorConfig returns the processor defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return engine.DefaultProcessorConfig()
}

// NewJobStore creates a GORM-backed job store.
func NewJobStore(db *gorm.DB) *GormJobStore {
	return storage.NewJobStore(db)
}

// NewStateStore creates a GORM-backed workflow state store.
func NewStateStore(db *gorm.DB) *GormStateStore {
	return storage.NewStateStore(db)
}

// NewCounterStore creates a GORM-backed guardrail counter store.
func NewCounterStore(db *gorm.DB) *GormCounterStore {
	return storage.NewCounterStore(db)
}

// NewResolver creates an empty capability resolver.
func NewResolver() *Resolver {
	return agent.NewResolver()
}

// LoadRegistry loads and validates every workflow definition in a
// directory. A missing directory yields an empty registry.
func LoadRegistry(dir string) (*Registry, error) {
	return definition.LoadRegistry(dir)
}

// ParseDefinition parses and validates a single YAML definition.
func ParseDefinition(data []byte) (Definition, error) {
	return definition.Parse(data)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// ValidateName validates a workflow, step, or event name.
func ValidateName(name string) error {
	return security.ValidateName(name)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// Engine option functions

// WithLogger sets the engine logger.
var WithLogger = engine.WithLogger

// WithMetrics attaches a Prometheus collector.
var WithMetrics = engine.WithMetrics

// WithStepTimeout sets the default capability invocation timeout.
var WithStepTimeout = engine.WithStepTimeout

// WithCapabilityRetry sets the retry policy for capability failures.
var WithCapabilityRetry = engine.WithCapabilityRetry

// WithMaxJobRetries bounds per-job retry attempts.
var WithMaxJobRetries = engine.WithMaxJobRetries
