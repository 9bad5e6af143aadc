// Package agentruntime defines the port to the external agent process
// manager. The runtime itself (sandboxes, process supervision) is out of
// scope; the orchestration core only issues lifecycle commands through this
// interface.
package agentruntime

import (
	"context"

	"github.com/cordonlabs/cordon/internal/domain/agent"
)

// Runtime is the port interface for agent lifecycle commands.
//
// Stop is expected to honor ctx cancellation: the restart controller calls it
// with a deadline equal to the graceful-stop budget and force-terminates on
// expiry.
type Runtime interface {
	// Stop asks the agent to finish its current step and exit cleanly.
	Stop(ctx context.Context, agentID string) error

	// Kill force-terminates the agent immediately.
	Kill(ctx context.Context, agentID string) error

	// Spawn starts a new agent process for the given registration. The
	// returned id must match the id the new agent will heartbeat under.
	Spawn(ctx context.Context, spec agent.Agent) error

	// SmokeTest exercises a cleared agent before it re-enters the fleet.
	// A non-nil error fails re-entry and returns the agent to quarantine.
	SmokeTest(ctx context.Context, agentID string) error

	// Checkpoint asks the agent to checkpoint its current task, if the
	// runtime supports checkpointing. ok is false when unsupported: the
	// caller must then abort the task safely instead.
	Checkpoint(ctx context.Context, agentID string) (ok bool, err error)

	// Snapshot captures the agent's recent memory, logs and metrics for an
	// evidence bundle.
	Snapshot(ctx context.Context, agentID string) (logTail []string, metrics map[string]string, err error)
}
