// Package core provides the domain models and interfaces for the
// workflow orchestration engine.
//
// The engine has two durable aggregates. A Job is a unit of asynchronous
// work claimed by exactly one processor at a time. A WorkflowInstance is
// one execution of a declarative workflow definition, with an append-only
// context built from StepRecords. The instance store is the single
// authoritative source for instance progress; read models downstream of it
// are never written back as ground truth.
package core
