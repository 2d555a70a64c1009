// Package scheduler runs market-aware recurring tasks.
//
// A single loop wakes on a phase-dependent cadence (or earlier when a task
// is due), admits due tasks by priority up to a concurrency ceiling, and
// applies the retry policy and per-service circuit breaker to outcomes.
// Invocations run in their own goroutines bounded by the task timeout; a
// result that arrives after the task was cancelled is discarded.
//
// Consecutive loop faults move the scheduler to DEGRADED, where dispatch
// stops until Resume is called.
package scheduler
