package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
	"github.com/stepflow-io/stepflow/pkg/schedule"
	"github.com/stepflow-io/stepflow/pkg/security"
)

// unhealthyAfter is how many consecutive store failures mark the
// processor unhealthy for its health check.
const unhealthyAfter = 5

// ProcessorConfig holds processor configuration.
type ProcessorConfig struct {
	// ProcessorID identifies this processor in job claims.
	ProcessorID string

	// Concurrency is the worker pool size. One slow job never blocks the
	// others; up to Concurrency instances advance in parallel.
	Concurrency int

	// PollInterval is how often an idle processor polls for work.
	PollInterval time.Duration

	// VisibilityTimeout is how long past lease expiry a processing job
	// counts as abandoned.
	VisibilityTimeout time.Duration

	// LeaseExtendInterval is how often a held job's lease is extended.
	LeaseExtendInterval time.Duration

	// StoreRetry is the backoff policy for transient store failures.
	StoreRetry RetryConfig

	// EnableScheduler turns on synthetic scheduled trigger events.
	EnableScheduler bool
}

// DefaultProcessorConfig returns the processor defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ProcessorID:         uuid.New().String(),
		Concurrency:         10,
		PollInterval:        100 * time.Millisecond,
		VisibilityTimeout:   5 * time.Minute,
		LeaseExtendInterval: 2 * time.Minute,
		StoreRetry:          DefaultRetryConfig(),
	}
}

// Processor claims jobs and drives workflow instances to completion or
// suspension. Claim-then-release-on-persist is its only synchronization
// boundary: no lock is held while a step's capability runs.
type Processor struct {
	engine *Engine
	config ProcessorConfig
	logger *slog.Logger
	wg     sync.WaitGroup

	storeFailures atomic.Int64
}

// NewProcessor creates a processor over an engine.
func NewProcessor(e *Engine, cfg ProcessorConfig) *Processor {
	if cfg.ProcessorID == "" {
		cfg.ProcessorID = uuid.New().String()
	}
	cfg.Concurrency = security.ClampConcurrency(cfg.Concurrency)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.LeaseExtendInterval <= 0 {
		cfg.LeaseExtendInterval = 2 * time.Minute
	}
	if cfg.StoreRetry.MaxAttempts == 0 {
		cfg.StoreRetry = DefaultRetryConfig()
	}
	return &Processor{engine: e, config: cfg, logger: e.logger}
}

// Healthy reports whether the store has been reachable recently.
// Persistent store unavailability surfaces here rather than being
// masked by the retry loop.
func (p *Processor) Healthy() bool {
	return p.storeFailures.Load() < unhealthyAfter
}

// Start begins processing jobs. Blocks until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	jobsChan := make(chan *core.Job, p.config.Concurrency)

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.processLoop(ctx, jobsChan)
	}

	go p.runReclaimer(ctx)
	if p.config.EnableScheduler {
		go p.runScheduler(ctx)
	}

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			job, err := p.claimWithRetry(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					p.storeFailures.Add(1)
					p.logger.Error("failed to claim after retries", "error", err)
				}
				continue
			}
			p.storeFailures.Store(0)
			if job != nil {
				select {
				case jobsChan <- job:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (p *Processor) claimWithRetry(ctx context.Context) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, p.config.StoreRetry, func() error {
		var claimErr error
		job, claimErr = p.engine.jobs.Claim(ctx, p.config.ProcessorID)
		return claimErr
	})
	return job, err
}

func (p *Processor) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer p.wg.Done()
	for job := range jobs {
		p.processJob(ctx, job)
	}
}

func (p *Processor) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	if p.engine.collector != nil {
		p.engine.collector.RecordClaim()
	}
	p.engine.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	leaseCtx, cancelLease := context.WithCancel(ctx)
	defer cancelLease()
	go p.extendLease(leaseCtx, job)

	result, err := p.runJob(ctx, job)
	cancelLease()

	if err != nil {
		p.handleError(ctx, job, err)
		return
	}

	if completeErr := p.completeWithRetry(ctx, job.ID, result); completeErr != nil {
		p.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", completeErr)
		return
	}
	if p.engine.collector != nil {
		p.engine.collector.RecordCompleted()
	}
	p.engine.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

// runJob resolves a claimed job to a workflow instance and drives it.
func (p *Processor) runJob(ctx context.Context, job *core.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var payload core.WorkflowPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, core.NoRetry(fmt.Errorf("stepflow: malformed job payload: %w", err))
	}

	def, ok := p.engine.registry.Get(payload.Workflow)
	if !ok {
		return nil, core.NoRetry(fmt.Errorf("%w: %q", core.ErrUnknownWorkflow, payload.Workflow))
	}

	var inst *core.WorkflowInstance
	switch job.Kind {
	case core.JobKindWorkflow:
		inst, err = p.startInstance(ctx, &def, &payload)
	case core.JobKindResume:
		inst, err = p.resumeInstance(ctx, &def, &payload)
	default:
		return nil, core.NoRetry(fmt.Errorf("stepflow: unknown job kind %q", job.Kind))
	}
	if err != nil {
		if errors.Is(err, core.ErrInstanceNotFound) {
			return nil, core.NoRetry(err)
		}
		return nil, err
	}

	final, err := p.drive(ctx, job, &def, inst.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"instance_id": inst.ID,
		"status":      final.Status,
		"reason":      final.FailureReason,
	})
}

// startInstance creates the durable instance record for a workflow job.
// The instance ID is minted at enqueue time and carried in the payload,
// so a reclaimed job finds and resumes its original instance instead of
// creating a second one.
func (p *Processor) startInstance(ctx context.Context, def *definition.Definition, payload *core.WorkflowPayload) (*core.WorkflowInstance, error) {
	if payload.InstanceID == "" {
		return nil, core.NoRetry(fmt.Errorf("stepflow: job payload carries no instance id"))
	}
	inst, err := p.engine.state.GetInstance(ctx, payload.InstanceID)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, core.ErrInstanceNotFound) {
		return nil, err
	}

	flow := payload.Flow
	if flow == "" {
		flow = definition.MainFlow
	}
	if def.Flow(flow) == nil {
		return nil, core.NoRetry(fmt.Errorf("stepflow: workflow %q has no flow %q", def.Name, flow))
	}

	inputs, err := json.Marshal(payload.Inputs)
	if err != nil {
		return nil, core.NoRetry(err)
	}

	var correlationKey string
	if def.CorrelationInput != "" {
		if v, ok := payload.Inputs[def.CorrelationInput]; ok {
			correlationKey = fmt.Sprintf("%v", v)
		}
	}

	inst = &core.WorkflowInstance{
		ID:             payload.InstanceID,
		WorkflowName:   def.Name,
		Flow:           flow,
		Status:         core.InstanceRunning,
		Inputs:         inputs,
		CorrelationKey: correlationKey,
	}
	if err := p.engine.state.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// resumeInstance prepares an instance to handle an injected event: wake
// it if parked and switch it onto the trigger's handler flow. Flow
// switching retries through the optimistic version check like any other
// state mutation.
func (p *Processor) resumeInstance(ctx context.Context, def *definition.Definition, payload *core.WorkflowPayload) (*core.WorkflowInstance, error) {
	inst, err := p.engine.state.GetInstance(ctx, payload.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == core.InstanceSuspended {
		// A terminal race here is fine; drive observes and reports it.
		if err := p.engine.state.Resume(ctx, inst.ID); err != nil && !errors.Is(err, core.ErrInstanceTerminal) {
			return nil, err
		}
	}
	if payload.Flow == "" {
		return inst, nil
	}
	if def.Flow(payload.Flow) == nil {
		return nil, core.NoRetry(fmt.Errorf("stepflow: workflow %q has no flow %q", def.Name, payload.Flow))
	}
	for attempt := 0; attempt < appendEventAttempts; attempt++ {
		inst, err = p.engine.state.GetInstance(ctx, payload.InstanceID)
		if err != nil {
			return nil, err
		}
		if inst.Flow == payload.Flow || inst.Status.Terminal() {
			return inst, nil
		}
		err = p.engine.state.SetFlow(ctx, inst.ID, payload.Flow, inst.Version)
		if err == nil {
			return p.engine.state.GetInstance(ctx, payload.InstanceID)
		}
		if !errors.Is(err, core.ErrStateConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("stepflow: switch instance %s to flow %q: %w", payload.InstanceID, payload.Flow, err)
}

// finalState is what drive reports back for the job result.
type finalState struct {
	Status        core.InstanceStatus
	FailureReason string
}

// drive executes the instance loop: recover position from recorded
// steps, enforce guardrails, execute, decide, repeat. It holds no lock
// while a capability runs; every mutation goes through the state
// store's versioned operations, and ErrStateConflict just reloads.
//
// Cancellation is cooperative and checked at each step boundary: a
// cancel that lands mid-step does not abort the call, but the result is
// discarded (RecordStepResult refuses terminal instances) instead of
// being persisted.
func (p *Processor) drive(ctx context.Context, job *core.Job, def *definition.Definition, instanceID string) (finalState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return finalState{}, err
		}

		inst, err := p.engine.state.GetInstance(ctx, instanceID)
		if err != nil {
			return finalState{}, err
		}
		if inst.Status.Terminal() {
			return finalState{Status: inst.Status, FailureReason: inst.FailureReason}, nil
		}
		if inst.Status == core.InstanceSuspended {
			// Parked or escalated. Only a resume job wakes an instance;
			// anything else driving it stops here.
			return finalState{Status: core.InstanceSuspended, FailureReason: inst.FailureReason}, nil
		}

		records, err := p.engine.state.GetRecords(ctx, instanceID)
		if err != nil {
			return finalState{}, err
		}
		wfCtx := core.BuildContext(inst, records)

		flowName := inst.Flow
		if flowName == "" {
			flowName = definition.MainFlow
		}
		flow := def.Flow(flowName)
		if flow == nil {
			return p.failInstance(ctx, def, inst, fmt.Sprintf("no flow %q", flowName))
		}

		step, outcome, err := p.nextStep(def, flow, records, wfCtx)
		if err != nil {
			return p.failInstance(ctx, def, inst, err.Error())
		}
		switch outcome.Kind {
		case OutcomeTerminal:
			// A reactive workflow with resume triggers parks at implicit
			// flow end: the instance stays enrolled and wakes on the next
			// correlated event. An explicit "goto: end" always completes.
			if outcome.Target != definition.GotoEnd && def.Mode == definition.ModeReactive && def.HasResumeTriggers() {
				return p.parkInstance(ctx, inst)
			}
			return p.finishInstance(ctx, def, inst)
		case OutcomeFlow:
			if err := p.engine.state.SetFlow(ctx, inst.ID, outcome.Target, inst.Version); err != nil {
				if errors.Is(err, core.ErrStateConflict) {
					continue
				}
				return finalState{}, err
			}
			continue
		}

		verdict, err := p.engine.enforcer.CheckPreStep(ctx, def, inst, step, wfCtx)
		if err != nil {
			return finalState{}, err
		}
		switch verdict.Action {
		case ActionAutoStop:
			return p.stopInstance(ctx, def, inst, verdict.Rule, verdict.Reason)
		case ActionBlock:
			gerr := &core.GuardrailError{Rule: verdict.Rule, Action: ActionBlock, Reason: verdict.Reason}
			return p.failInstance(ctx, def, inst, gerr.Error())
		}

		output, err := p.engine.executor.ExecuteStep(ctx, inst, step, wfCtx)
		if err != nil {
			switch {
			case errors.Is(err, core.ErrStateConflict), errors.Is(err, core.ErrInstanceTerminal):
				// Reload; the loop re-reads status and either resumes at
				// the right step or observes the terminal state.
				continue
			default:
				return p.failInstance(ctx, def, inst, err.Error())
			}
		}

		p.engine.Emit(&core.StepCompleted{InstanceID: inst.ID, Step: step.Name, Timestamp: time.Now()})
		p.reportProgress(ctx, job, flow, records)

		postCtx := wfCtx
		postCtx[step.Name] = output

		post, err := p.engine.enforcer.CheckPostStep(ctx, def, inst, step, postCtx)
		if err != nil {
			return finalState{}, err
		}
		switch post.Action {
		case ActionAutoStop:
			return p.stopInstance(ctx, def, inst, post.Rule, post.Reason)
		case ActionEscalate:
			reason := fmt.Sprintf("escalated by guardrail %q: %s", post.Rule, post.Reason)
			if err := p.engine.state.Suspend(ctx, inst.ID, reason); err != nil && !errors.Is(err, core.ErrInstanceTerminal) {
				return finalState{}, err
			}
			return finalState{Status: core.InstanceSuspended, FailureReason: reason}, nil
		}
	}
}

// nextStep recovers the execution position: the first step of the flow
// when nothing is recorded, otherwise whatever the decision engine says
// follows the last recorded step. Crash recovery falls out of this: a
// reclaimed instance resumes at the first step lacking a recorded
// output, without re-invoking anything already recorded.
func (p *Processor) nextStep(def *definition.Definition, flow *definition.Flow, records []core.StepRecord, wfCtx core.Context) (*definition.Step, Outcome, error) {
	recorded := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Kind == core.RecordStep {
			recorded[r.Name] = true
		}
	}

	var last string
	for i := range flow.Steps {
		if recorded[flow.Steps[i].Name] {
			last = flow.Steps[i].Name
		}
	}

	if last == "" {
		return &flow.Steps[0], Outcome{Kind: OutcomeStep, Target: flow.Steps[0].Name}, nil
	}

	outcome, err := NextStep(def, flow, last, wfCtx)
	if err != nil {
		return nil, Outcome{}, err
	}
	if outcome.Kind != OutcomeStep {
		return nil, outcome, nil
	}
	step := def.StepByName(outcome.Target)
	if step == nil {
		return nil, Outcome{}, fmt.Errorf("stepflow: decision names unknown step %q", outcome.Target)
	}
	if recorded[step.Name] {
		// Branch targets are forward-only, so a decision can never name a
		// step recorded before the latest one. Reaching this means the
		// stored records disagree with the definition.
		return nil, Outcome{}, fmt.Errorf("stepflow: decision names already-recorded step %q", step.Name)
	}
	return step, outcome, nil
}

// parkInstance suspends a reactive instance at flow end so correlated
// events can still resume it.
func (p *Processor) parkInstance(ctx context.Context, inst *core.WorkflowInstance) (finalState, error) {
	const reason = "awaiting events"
	if err := p.engine.state.Suspend(ctx, inst.ID, reason); err != nil && !errors.Is(err, core.ErrInstanceTerminal) {
		return finalState{}, err
	}
	return finalState{Status: core.InstanceSuspended, FailureReason: reason}, nil
}

func (p *Processor) finishInstance(ctx context.Context, def *definition.Definition, inst *core.WorkflowInstance) (finalState, error) {
	err := p.engine.state.MarkTerminal(ctx, inst.ID, core.InstanceCompleted, "")
	if err != nil && !errors.Is(err, core.ErrInstanceTerminal) {
		return finalState{}, err
	}
	p.engine.Emit(&core.InstanceFinished{
		InstanceID: inst.ID, Workflow: def.Name, Status: core.InstanceCompleted, Timestamp: time.Now(),
	})
	return finalState{Status: core.InstanceCompleted}, nil
}

func (p *Processor) failInstance(ctx context.Context, def *definition.Definition, inst *core.WorkflowInstance, reason string) (finalState, error) {
	err := p.engine.state.MarkTerminal(ctx, inst.ID, core.InstanceFailed, reason)
	if err != nil && !errors.Is(err, core.ErrInstanceTerminal) {
		return finalState{}, err
	}
	p.engine.Emit(&core.InstanceFinished{
		InstanceID: inst.ID, Workflow: def.Name, Status: core.InstanceFailed, Reason: reason, Timestamp: time.Now(),
	})
	return finalState{Status: core.InstanceFailed, FailureReason: reason}, nil
}

// stopInstance is the guardrail kill switch: terminal stopped, no
// further step for this instance executes.
func (p *Processor) stopInstance(ctx context.Context, def *definition.Definition, inst *core.WorkflowInstance, rule, reason string) (finalState, error) {
	full := fmt.Sprintf("auto-stop by guardrail %q: %s", rule, reason)
	err := p.engine.state.MarkTerminal(ctx, inst.ID, core.InstanceStopped, full)
	if err != nil && !errors.Is(err, core.ErrInstanceTerminal) {
		return finalState{}, err
	}
	p.engine.Emit(&core.InstanceFinished{
		InstanceID: inst.ID, Workflow: def.Name, Status: core.InstanceStopped, Reason: full, Timestamp: time.Now(),
	})
	return finalState{Status: core.InstanceStopped, FailureReason: full}, nil
}

func (p *Processor) reportProgress(ctx context.Context, job *core.Job, flow *definition.Flow, records []core.StepRecord) {
	done := 0
	inFlow := make(map[string]bool, len(flow.Steps))
	for i := range flow.Steps {
		inFlow[flow.Steps[i].Name] = true
	}
	for _, r := range records {
		if r.Kind == core.RecordStep && inFlow[r.Name] {
			done++
		}
	}
	done++ // the step that just completed is not yet in records
	progress := done * 100 / len(flow.Steps)
	if err := p.engine.jobs.SetProgress(ctx, job.ID, p.config.ProcessorID, progress); err != nil {
		p.logger.Debug("progress update failed", "job_id", job.ID, "error", err)
	}
}

func (p *Processor) completeWithRetry(ctx context.Context, jobID string, result []byte) error {
	return retryWithBackoff(ctx, p.config.StoreRetry, func() error {
		return p.engine.jobs.Complete(ctx, jobID, p.config.ProcessorID, result)
	})
}

func (p *Processor) handleError(ctx context.Context, job *core.Job, err error) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		p.failJob(ctx, job, err, nil)
		return
	}

	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) && job.Attempt < job.MaxRetries {
		retryAt := time.Now().Add(retryAfter.Delay)
		p.failJob(ctx, job, err, &retryAt)
		return
	}

	// Step-level failures already marked the instance terminal inside
	// drive; whatever reaches here is job-level and transient, so back
	// off and retry up to the bound.
	if job.Attempt < job.MaxRetries {
		retryAt := time.Now().Add(p.jobBackoff(job.Attempt))
		p.failJob(ctx, job, err, &retryAt)
		return
	}
	p.failJob(ctx, job, err, nil)
}

func (p *Processor) failJob(ctx context.Context, job *core.Job, cause error, retryAt *time.Time) {
	err := retryWithBackoff(ctx, p.config.StoreRetry, func() error {
		return p.engine.jobs.Fail(ctx, job.ID, p.config.ProcessorID, cause.Error(), retryAt)
	})
	if err != nil {
		p.logger.Error("failed to mark job as failed after retries", "job_id", job.ID, "error", err)
		return
	}
	if retryAt != nil {
		p.engine.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: cause, NextRunAt: *retryAt, Timestamp: time.Now()})
		return
	}
	if p.engine.collector != nil {
		p.engine.collector.RecordFailed()
	}
	p.engine.Emit(&core.JobFailed{Job: job, Error: cause, Timestamp: time.Now()})
}

func (p *Processor) jobBackoff(attempt int) time.Duration {
	base := time.Second
	backoff := base * (1 << attempt)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}

// extendLease periodically extends the claim lease while a job runs so
// long instances are not reclaimed as abandoned.
func (p *Processor) extendLease(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(p.config.LeaseExtendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := time.Now().Add(p.config.VisibilityTimeout)
			err := retryWithBackoff(ctx, p.config.StoreRetry, func() error {
				return p.engine.jobs.ExtendLease(ctx, job.ID, p.config.ProcessorID, until)
			})
			if err != nil {
				p.logger.Warn("lease extension failed after retries", "job_id", job.ID, "error", err)
			}
		}
	}
}

// runReclaimer periodically returns abandoned jobs to pending and
// refreshes the running-instance gauge.
func (p *Processor) runReclaimer(ctx context.Context) {
	ticker := time.NewTicker(p.config.VisibilityTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.engine.jobs.ReclaimAbandoned(ctx, p.config.VisibilityTimeout)
			if err != nil {
				p.logger.Error("reclaim sweep failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("reclaimed abandoned jobs", "count", n)
				if p.engine.collector != nil {
					p.engine.collector.RecordReclaimed(n)
				}
			}
			if p.engine.collector != nil {
				if running, err := p.engine.state.CountByStatus(ctx, core.InstanceRunning); err == nil {
					p.engine.collector.SetRunningInstances(float64(running))
				}
			}
		}
	}
}

// runScheduler fires synthetic trigger events for triggers that declare
// a cron schedule (e.g. a weekly re-engagement sweep). Scheduled events
// go through the same Dispatch path as external ones.
func (p *Processor) runScheduler(ctx context.Context) {
	type scheduled struct {
		event string
		sched schedule.Schedule
	}
	var entries []scheduled
	p.engine.registry.Each(func(def definition.Definition) {
		for _, t := range def.Triggers {
			if t.Schedule == "" {
				continue
			}
			s, err := schedule.Cron(t.Schedule)
			if err != nil {
				// Rejected at definition load; reaching this means the
				// registry was bypassed.
				p.logger.Error("invalid trigger schedule", "workflow", def.Name, "event", t.Event, "error", err)
				continue
			}
			entries = append(entries, scheduled{event: t.Event, sched: s})
		}
	})
	if len(entries) == 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		lastRun[e.event] = time.Now()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, e := range entries {
				next := e.sched.Next(lastRun[e.event])
				if now.Before(next) {
					continue
				}
				payload := map[string]any{"scheduled_at": next.UTC().Format(time.RFC3339)}
				if _, err := p.engine.Dispatch(ctx, e.event, payload); err != nil {
					p.logger.Error("scheduled dispatch failed", "event", e.event, "error", err)
				} else {
					lastRun[e.event] = now
				}
			}
		}
	}
}
