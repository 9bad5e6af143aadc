// Package runtime implements the agent-runtime port over NATS request-reply.
// The process manager that actually supervises agent sandboxes subscribes to
// the runtime.* subjects and answers lifecycle commands.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/cordonlabs/cordon/internal/domain/agent"
)

// Reply statuses the process manager answers with.
const (
	replyOK          = "ok"
	replyUnsupported = "unsupported"
)

// NATSRuntime issues agent lifecycle commands as NATS requests.
type NATSRuntime struct {
	nc *nats.Conn
}

// New creates a runtime client over the given connection.
func New(nc *nats.Conn) *NATSRuntime {
	return &NATSRuntime{nc: nc}
}

type commandReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (r *NATSRuntime) command(ctx context.Context, subject string, payload []byte) (*commandReply, error) {
	msg, err := r.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("runtime command %s: %w", subject, err)
	}
	var reply commandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("runtime command %s: bad reply: %w", subject, err)
	}
	return &reply, nil
}

func (r *NATSRuntime) simple(ctx context.Context, subject string) error {
	reply, err := r.command(ctx, subject, nil)
	if err != nil {
		return err
	}
	if reply.Status != replyOK {
		return fmt.Errorf("runtime command %s: %s", subject, reply.Error)
	}
	return nil
}

// Stop asks the agent process to finish its current step and exit.
func (r *NATSRuntime) Stop(ctx context.Context, agentID string) error {
	return r.simple(ctx, "runtime.stop."+agentID)
}

// Kill force-terminates the agent process.
func (r *NATSRuntime) Kill(ctx context.Context, agentID string) error {
	return r.simple(ctx, "runtime.kill."+agentID)
}

// Spawn starts a new agent process for the given roster entry.
func (r *NATSRuntime) Spawn(ctx context.Context, spec agent.Agent) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spawn spec: %w", err)
	}
	reply, err := r.command(ctx, "runtime.spawn", payload)
	if err != nil {
		return err
	}
	if reply.Status != replyOK {
		return fmt.Errorf("spawn %s: %s", spec.ID, reply.Error)
	}
	return nil
}

// SmokeTest exercises a cleared agent before re-entry.
func (r *NATSRuntime) SmokeTest(ctx context.Context, agentID string) error {
	return r.simple(ctx, "runtime.smoketest."+agentID)
}

// Checkpoint asks the agent to checkpoint its current task. ok is false when
// the process manager does not support checkpointing.
func (r *NATSRuntime) Checkpoint(ctx context.Context, agentID string) (bool, error) {
	reply, err := r.command(ctx, "runtime.checkpoint."+agentID, nil)
	if err != nil {
		return false, err
	}
	switch reply.Status {
	case replyOK:
		return true, nil
	case replyUnsupported:
		return false, nil
	default:
		return false, fmt.Errorf("checkpoint %s: %s", agentID, reply.Error)
	}
}

type snapshotReply struct {
	commandReply
	LogTail []string          `json:"log_tail"`
	Metrics map[string]string `json:"metrics"`
}

// Snapshot captures the agent's recent logs and metrics for evidence.
func (r *NATSRuntime) Snapshot(ctx context.Context, agentID string) ([]string, map[string]string, error) {
	msg, err := r.nc.RequestWithContext(ctx, "runtime.snapshot."+agentID, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("runtime snapshot %s: %w", agentID, err)
	}
	var reply snapshotReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, nil, fmt.Errorf("runtime snapshot %s: bad reply: %w", agentID, err)
	}
	if reply.Status != replyOK {
		return nil, nil, fmt.Errorf("runtime snapshot %s: %s", agentID, reply.Error)
	}
	return reply.LogTail, reply.Metrics, nil
}
