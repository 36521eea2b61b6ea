// Package storage provides the GORM-backed persistence layer for the
// workflow engine: the job store, the workflow instance store, and the
// guardrail counter store. All shared mutable state goes through these
// stores' atomic operations, never through in-process locks, because
// processors may run across multiple machines.
package storage
