// Package agent defines the Agent domain entity and its liveness rules.
package agent

import (
	"time"
)

// Status represents the current lifecycle state of an agent.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusDegraded     Status = "degraded"
	StatusUnresponsive Status = "unresponsive"
	StatusQuarantined  Status = "quarantined"
	StatusTerminated   Status = "terminated"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusDegraded, StatusUnresponsive,
		StatusQuarantined, StatusTerminated:
		return true
	}
	return false
}

// Monitored reports whether an agent in this status is subject to the
// heartbeat sweep. Quarantined and terminated agents are not swept.
func (s Status) Monitored() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusDegraded:
		return true
	}
	return false
}

// Assignable reports whether an agent in this status may receive new tasks.
// Degraded, unresponsive and quarantined agents never do.
func (s Status) Assignable() bool {
	return s == StatusIdle || s == StatusRunning
}

// Agent represents a worker agent instance in the fleet.
//
// LineageID ties replacement agents to their predecessors: cooldowns and
// restart budgets are accounted per lineage, not per instance.
type Agent struct {
	ID               string            `json:"id"`
	LineageID        string            `json:"lineage_id"`
	Type             string            `json:"type"`
	Phase            string            `json:"phase"`
	Status           Status            `json:"status"`
	Config           map[string]string `json:"config,omitempty"`
	LastSequence     uint64            `json:"last_sequence"`
	ExpectedSequence uint64            `json:"expected_sequence"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	MissedHeartbeats int               `json:"missed_heartbeats"`
	AssignedTaskID   string            `json:"assigned_task_id,omitempty"`
	AnomalyStreak    int               `json:"anomaly_streak"`
	ProbationUntil   time.Time         `json:"probation_until,omitempty"`
	Version          int               `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// RegisterRequest holds the fields needed to register a new agent.
type RegisterRequest struct {
	Type   string            `json:"type"`
	Phase  string            `json:"phase"`
	Config map[string]string `json:"config,omitempty"`
}

// TTL returns the maximum allowed heartbeat silence for the agent's current
// status and type at the given instant. Watchdog agents beat on a faster
// cadence regardless of status.
func (a *Agent) TTL(ttls TTLTable, now time.Time) time.Duration {
	if a.Type == TypeWatchdog {
		return ttls.Watchdog
	}
	if a.Status == StatusRunning {
		return ttls.Running
	}
	// Probationary agents are held to the running TTL until trusted again.
	if !a.ProbationUntil.IsZero() && now.Before(a.ProbationUntil) {
		return ttls.Running
	}
	return ttls.Idle
}

// TTLTable holds the liveness thresholds per agent class.
type TTLTable struct {
	Idle     time.Duration
	Running  time.Duration
	Watchdog time.Duration
}

// TypeWatchdog is the reserved agent type for peer watchdog evaluators.
const TypeWatchdog = "watchdog"
