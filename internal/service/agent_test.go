package service

import (
	"context"
	"errors"
	"testing"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/domain/agent"
)

func TestRegisterSpawnsProcess(t *testing.T) {
	store := &mockStore{}
	rt := &mockRuntime{}
	svc := NewAgentService(store, rt)

	a, err := svc.Register(context.Background(), agent.RegisterRequest{Type: "worker", Phase: "build"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if a.LineageID == "" {
		t.Error("new agent has no lineage")
	}
	if len(rt.spawned) != 1 || rt.spawned[0] != a.ID {
		t.Errorf("spawned = %v, want [%s]", rt.spawned, a.ID)
	}
}

func TestRegisterRequiresType(t *testing.T) {
	svc := NewAgentService(&mockStore{}, &mockRuntime{})

	if _, err := svc.Register(context.Background(), agent.RegisterRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Register() error = %v, want ErrValidation", err)
	}
}

func TestRegisterRollsBackOnSpawnFailure(t *testing.T) {
	store := &mockStore{}
	rt := &mockRuntime{spawnErr: errors.New("runtime down")}
	svc := NewAgentService(store, rt)

	if _, err := svc.Register(context.Background(), agent.RegisterRequest{Type: "worker"}); err == nil {
		t.Fatal("Register() succeeded despite spawn failure")
	}
	if len(store.agents) != 0 {
		t.Errorf("roster has %d agents after rollback, want 0", len(store.agents))
	}
}

func TestDeregisterKillsProcess(t *testing.T) {
	store := &mockStore{agents: []agent.Agent{{ID: "a1", Version: 1}}}
	rt := &mockRuntime{}
	svc := NewAgentService(store, rt)

	if err := svc.Deregister(context.Background(), "a1"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if len(rt.killed) != 1 || rt.killed[0] != "a1" {
		t.Errorf("killed = %v, want [a1]", rt.killed)
	}
	if len(store.agents) != 0 {
		t.Error("agent still on the roster")
	}
}
