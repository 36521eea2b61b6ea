// Package agent defines the capability interface through which the step
// executor invokes external integrations (CRM, outreach, enrichment, AI
// agents). The engine treats capabilities as opaque and unreliable:
// every invocation is bounded by a timeout, and errors, timeouts, and
// malformed outputs are surfaced as step errors rather than swallowed.
//
// Capabilities are resolved through an explicitly injected Resolver,
// scoped per processor, not a process-wide singleton.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/security"
)

// Capability executes one agent operation with bound inputs and returns
// its structured output.
type Capability func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Resolver maps capability names to implementations. Safe for
// concurrent use; registration normally happens once at startup.
type Resolver struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewResolver creates an empty capability resolver.
func NewResolver() *Resolver {
	return &Resolver{capabilities: make(map[string]Capability)}
}

// Register binds a capability name to an implementation.
// Capability names must be alphanumeric (starting with a letter).
func (r *Resolver) Register(name string, fn Capability) error {
	if err := security.ValidateName(name); err != nil {
		return fmt.Errorf("agent: invalid capability name %q: %w", name, err)
	}
	if fn == nil {
		return fmt.Errorf("agent: capability %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[name]; exists {
		return fmt.Errorf("agent: capability %q already registered", name)
	}
	r.capabilities[name] = fn
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Resolver) MustRegister(name string, fn Capability) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Has reports whether a capability is registered.
func (r *Resolver) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capabilities[name]
	return ok
}

// Invoke runs a capability with a bounded timeout. A missing capability,
// an invocation error, a timeout, or a nil output all come back as
// *core.CapabilityError.
func (r *Resolver) Invoke(ctx context.Context, name string, inputs map[string]any, timeout time.Duration) (map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.capabilities[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.CapabilityError{Capability: name, Err: fmt.Errorf("not registered")}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := fn(callCtx, inputs)
		done <- result{out: out, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, &core.CapabilityError{Capability: name, Err: callCtx.Err()}
	case res := <-done:
		if res.err != nil {
			return nil, &core.CapabilityError{Capability: name, Err: res.err}
		}
		if res.out == nil {
			return nil, &core.CapabilityError{Capability: name, Err: fmt.Errorf("malformed output: nil")}
		}
		return res.out, nil
	}
}
