package service

import (
	"context"
	"fmt"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
	"github.com/cordonlabs/cordon/internal/port/agentruntime"
	"github.com/cordonlabs/cordon/internal/port/database"
)

// AgentService handles fleet roster operations.
type AgentService struct {
	store   database.Store
	runtime agentruntime.Runtime
}

// NewAgentService creates a new AgentService.
func NewAgentService(store database.Store, runtime agentruntime.Runtime) *AgentService {
	return &AgentService{store: store, runtime: runtime}
}

// List returns all agents in the fleet.
func (s *AgentService) List(ctx context.Context) ([]agent.Agent, error) {
	return s.store.ListAgents(ctx)
}

// ListByStatus returns agents in any of the given statuses.
func (s *AgentService) ListByStatus(ctx context.Context, statuses ...agent.Status) ([]agent.Agent, error) {
	return s.store.ListAgentsByStatus(ctx, statuses...)
}

// Get returns an agent by ID.
func (s *AgentService) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// Register adds a new agent to the fleet and starts its process.
func (s *AgentService) Register(ctx context.Context, req agent.RegisterRequest) (*agent.Agent, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("%w: agent type is required", domain.ErrValidation)
	}

	a, err := s.store.RegisterAgent(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.runtime.Spawn(ctx, *a); err != nil {
		// Roster entry without a process is useless; roll back.
		if delErr := s.store.DeleteAgent(ctx, a.ID); delErr != nil {
			return nil, fmt.Errorf("spawn agent: %w (rollback failed: %v)", err, delErr)
		}
		return nil, fmt.Errorf("spawn agent: %w", err)
	}
	return a, nil
}

// Deregister stops an agent's process and removes it from the roster.
func (s *AgentService) Deregister(ctx context.Context, id string) error {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := s.runtime.Kill(ctx, a.ID); err != nil {
		return fmt.Errorf("kill agent %s: %w", id, err)
	}
	return s.store.DeleteAgent(ctx, id)
}
