package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/agent"
	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
	"github.com/stepflow-io/stepflow/pkg/metrics"
	"github.com/stepflow-io/stepflow/pkg/security"
)

// Engine wires the stores, the definition registry, and the capability
// resolver into one orchestration surface. Processors and the trigger
// dispatcher operate on an Engine; the HTTP/CLI layer above it only sees
// SubmitWorkflow, Dispatch, and the status read model.
type Engine struct {
	jobs     core.JobStore
	state    core.StateStore
	counters core.CounterStore
	registry *definition.Registry
	resolver *agent.Resolver

	logger    *slog.Logger
	collector *metrics.Collector

	stepTimeout     time.Duration
	capabilityRetry RetryConfig
	maxJobRetries   int

	executor *Executor
	enforcer *Enforcer

	mu        sync.RWMutex
	eventSubs []chan core.Event
}

// Option configures an Engine.
type Option interface {
	apply(*Engine)
}

type optionFunc func(*Engine)

func (f optionFunc) apply(e *Engine) { f(e) }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(e *Engine) { e.logger = l })
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return optionFunc(func(e *Engine) { e.collector = c })
}

// WithStepTimeout sets the default capability invocation timeout for
// steps that declare none.
func WithStepTimeout(d time.Duration) Option {
	return optionFunc(func(e *Engine) { e.stepTimeout = d })
}

// WithCapabilityRetry sets the retry policy for capability failures.
func WithCapabilityRetry(cfg RetryConfig) Option {
	return optionFunc(func(e *Engine) { e.capabilityRetry = cfg })
}

// WithMaxJobRetries bounds per-job retry attempts.
// Values are clamped to [0, security.MaxRetries].
func WithMaxJobRetries(n int) Option {
	return optionFunc(func(e *Engine) { e.maxJobRetries = security.ClampRetries(n) })
}

// New creates an Engine over the given stores, definition registry, and
// capability resolver.
func New(jobs core.JobStore, state core.StateStore, counters core.CounterStore, registry *definition.Registry, resolver *agent.Resolver, opts ...Option) *Engine {
	e := &Engine{
		jobs:            jobs,
		state:           state,
		counters:        counters,
		registry:        registry,
		resolver:        resolver,
		logger:          slog.Default(),
		stepTimeout:     30 * time.Second,
		capabilityRetry: DefaultRetryConfig(),
		maxJobRetries:   3,
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	e.executor = NewExecutor(state, resolver, e.stepTimeout, e.capabilityRetry, e.logger, e.collector)
	e.enforcer = NewEnforcer(counters, e.logger, e.collector)
	return e
}

// Registry returns the engine's definition registry.
func (e *Engine) Registry() *definition.Registry { return e.registry }

// SubmitWorkflow enqueues a job that starts a new instance of the named
// workflow. Returns the job ID for status polling.
func (e *Engine) SubmitWorkflow(ctx context.Context, workflow string, inputs map[string]any, priority core.Priority) (string, error) {
	if _, ok := e.registry.Get(workflow); !ok {
		return "", fmt.Errorf("%w: %q", core.ErrUnknownWorkflow, workflow)
	}

	// The instance ID is minted at enqueue time and travels in the
	// payload, so a reclaimed job resumes its original instance instead
	// of creating a second one.
	payload, err := json.Marshal(core.WorkflowPayload{
		Workflow:   workflow,
		Flow:       definition.MainFlow,
		Inputs:     inputs,
		InstanceID: uuid.New().String(),
	})
	if err != nil {
		return "", fmt.Errorf("stepflow: marshal inputs: %w", err)
	}
	if len(payload) > security.MaxPayloadSize {
		return "", core.ErrPayloadTooLarge
	}

	job := &core.Job{
		ID:         uuid.New().String(),
		Kind:       core.JobKindWorkflow,
		Payload:    payload,
		Priority:   int(priority),
		MaxRetries: e.maxJobRetries,
		Status:     core.StatusPending,
	}
	if err := e.jobs.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("stepflow: enqueue: %w", err)
	}
	if e.collector != nil {
		e.collector.RecordEnqueue()
	}
	return job.ID, nil
}

// CancelInstance transitions a running instance to terminal cancelled.
// Processors observe the status at the next step boundary and discard
// any in-flight result; the step invocation itself is not forcibly
// aborted mid-call.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string) error {
	inst, err := e.state.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := e.state.MarkTerminal(ctx, instanceID, core.InstanceCancelled, "cancelled by request"); err != nil {
		return err
	}
	e.Emit(&core.InstanceFinished{
		InstanceID: instanceID,
		Workflow:   inst.WorkflowName,
		Status:     core.InstanceCancelled,
		Reason:     "cancelled by request",
		Timestamp:  time.Now(),
	})
	return nil
}

// JobStatus returns the job's last durably recorded state. Terminal
// states are permanent until retention cleanup; a poller never observes
// a live job vanish.
func (e *Engine) JobStatus(ctx context.Context, jobID string) (*core.Job, error) {
	return e.jobs.GetJob(ctx, jobID)
}

// InstanceStatus returns an instance with its recorded context.
func (e *Engine) InstanceStatus(ctx context.Context, instanceID string) (*core.WorkflowInstance, []core.StepRecord, error) {
	inst, err := e.state.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	records, err := e.state.GetRecords(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	return inst, records, nil
}

// Purge applies the retention policy to terminal jobs and instances.
// The bound is validated; un-validated values never reach the stores.
func (e *Engine) Purge(ctx context.Context, retentionDays int, statuses []core.InstanceStatus) (jobsPurged, instancesPurged int64, err error) {
	if err := security.ValidateRetentionDays(retentionDays); err != nil {
		return 0, 0, err
	}
	jobsPurged, err = e.jobs.PurgeTerminal(ctx, retentionDays)
	if err != nil {
		return jobsPurged, 0, err
	}
	instancesPurged, err = e.state.PurgeTerminal(ctx, retentionDays, statuses)
	return jobsPurged, instancesPurged, err
}

// Events returns a channel for receiving engine events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (e *Engine) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	e.mu.Lock()
	e.eventSubs = append(e.eventSubs, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
func (e *Engine) Unsubscribe(ch <-chan core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.eventSubs {
		if sub == ch {
			e.eventSubs = append(e.eventSubs[:i], e.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow consumers drop events
// rather than blocking the processor.
func (e *Engine) Emit(ev core.Event) {
	e.mu.RLock()
	subs := make([]chan core.Event, len(e.eventSubs))
	copy(subs, e.eventSubs)
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
