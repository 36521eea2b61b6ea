package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation and limit errors
var (
	ErrInvalidName          = errors.New("stepflow: invalid name (must be alphanumeric, start with letter)")
	ErrNameTooLong          = errors.New("stepflow: name too long")
	ErrPayloadTooLarge      = errors.New("stepflow: payload exceeds size limit")
	ErrJobNotOwned          = errors.New("stepflow: job not owned by this processor")
	ErrDuplicateJob         = errors.New("stepflow: duplicate job with same unique key")
	ErrUniqueKeyTooLong     = errors.New("stepflow: unique key exceeds maximum length")
	ErrInvalidRetentionDays = errors.New("stepflow: retention days out of bounds")
	ErrInvalidCorrelation   = errors.New("stepflow: invalid correlation key")
)

// Engine errors
var (
	// ErrStateConflict is an optimistic concurrency conflict on an
	// instance update. Processors retry it transparently after reload.
	ErrStateConflict = errors.New("stepflow: instance version conflict")

	// ErrInstanceTerminal is returned when mutating an instance that has
	// already reached a terminal status.
	ErrInstanceTerminal = errors.New("stepflow: instance is terminal")

	// ErrInstanceNotFound is returned when a referenced instance does not exist.
	ErrInstanceNotFound = errors.New("stepflow: instance not found")

	// ErrUnknownWorkflow is returned when a job references a workflow
	// name absent from the definition registry.
	ErrUnknownWorkflow = errors.New("stepflow: unknown workflow")
)

// ValidationError is a definition load-time failure. It is fatal to that
// definition only and always names the offending step or field.
type ValidationError struct {
	Workflow string
	Subject  string // step, trigger, or guardrail name
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("stepflow: workflow %q: %q field %q: %s", e.Workflow, e.Subject, e.Field, e.Reason)
	case e.Subject != "":
		return fmt.Sprintf("stepflow: workflow %q: %q: %s", e.Workflow, e.Subject, e.Reason)
	default:
		return fmt.Sprintf("stepflow: workflow %q: %s", e.Workflow, e.Reason)
	}
}

// MissingInputError is a step-level failure: a declared input reference
// could not be resolved from workflow inputs or prior step outputs. The
// executor fails closed rather than passing a nil value silently.
type MissingInputError struct {
	Step  string
	Input string
	Ref   string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("stepflow: step %q input %q: reference %q not resolved", e.Step, e.Input, e.Ref)
}

// CapabilityError is an external agent capability failure (invocation
// error, timeout, or malformed output). It is retried with backoff up to
// the configured bound before failing the step.
type CapabilityError struct {
	Capability string
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("stepflow: capability %q: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// QualityGateError means the capability succeeded mechanically but its
// output failed the step's declared quality gate. Never retried
// automatically; surfaced for guardrail or human review.
type QualityGateError struct {
	Step  string
	Field string
	Got   float64
	Min   float64
}

func (e *QualityGateError) Error() string {
	return fmt.Sprintf("stepflow: step %q quality gate failed: %s=%v below %v", e.Step, e.Field, e.Got, e.Min)
}

// GuardrailError is a policy-driven block, escalation, or auto-stop.
// Never retried.
type GuardrailError struct {
	Rule   string
	Action string // block, escalate, auto-stop
	Reason string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("stepflow: guardrail %q (%s): %s", e.Rule, e.Action, e.Reason)
}

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
