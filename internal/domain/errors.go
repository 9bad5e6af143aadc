// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed domain validation.
var ErrValidation = errors.New("validation failed")

// Fault-tolerance taxonomy. Only ErrRestartBudgetExceeded and SEV-1
// escalations ever surface to operators; everything else is recovered locally.
var (
	// ErrSequenceRegression indicates a heartbeat arrived with a sequence
	// number lower than one already acknowledged. The beat is rejected but
	// the agent is not penalized.
	ErrSequenceRegression = errors.New("heartbeat sequence regression")

	// ErrStaleHeartbeat indicates an agent exceeded its TTL. It feeds the
	// escalation ladder rather than being returned to callers.
	ErrStaleHeartbeat = errors.New("heartbeat stale: TTL exceeded")

	// ErrRestartTimeout indicates a graceful stop did not complete within
	// budget. Recovered by force-terminating.
	ErrRestartTimeout = errors.New("graceful stop timed out")

	// ErrRestartBudgetExceeded indicates a lineage used up its restart budget
	// inside the escalation window. Auto-remediation halts for that lineage.
	ErrRestartBudgetExceeded = errors.New("restart budget exceeded for lineage")

	// ErrQuarantineReentryFailed indicates the post-clearance smoke test
	// failed and the agent was returned to quarantine.
	ErrQuarantineReentryFailed = errors.New("quarantine re-entry smoke test failed")

	// ErrNoHealthyAgent indicates no assignable agent exists right now. The
	// task stays queued; callers must not treat this as fatal.
	ErrNoHealthyAgent = errors.New("no healthy agent available")

	// ErrQueueFull indicates the pending backlog exceeded its configured
	// bound and the task was not accepted.
	ErrQueueFull = errors.New("task queue full")
)
