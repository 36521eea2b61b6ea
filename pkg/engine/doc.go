// Package engine drives workflow execution: the step executor, the
// decision engine, the guardrail enforcer, the reactive trigger
// dispatcher, and the processor loop that ties them together over the
// job and state stores.
package engine
