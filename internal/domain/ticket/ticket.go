// Package ticket defines the Ticket domain entity and its phase ordering.
package ticket

import "time"

// Phase is a ticket's position in its lifecycle. Phases form a total order;
// tickets only ever move forward through it (administrative override aside).
type Phase string

const (
	PhaseBacklog   Phase = "backlog"
	PhaseAnalyzing Phase = "analyzing"
	PhaseBuilding  Phase = "building"
	PhaseTesting   Phase = "testing"
	PhaseDeploying Phase = "deploying"
	PhaseDone      Phase = "done"
)

// phaseOrder is the explicit total-order table for phase comparison. Phase
// progression decisions must go through Index, never string comparison.
var phaseOrder = map[Phase]int{
	PhaseBacklog:   0,
	PhaseAnalyzing: 1,
	PhaseBuilding:  2,
	PhaseTesting:   3,
	PhaseDeploying: 4,
	PhaseDone:      5,
}

// Index returns the phase's position in the lifecycle order, or -1 for an
// unknown phase.
func (p Phase) Index() int {
	idx, ok := phaseOrder[p]
	if !ok {
		return -1
	}
	return idx
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// After reports whether p is strictly later in the lifecycle than other.
func (p Phase) After(other Phase) bool {
	return p.Index() > other.Index()
}

// TargetPhaseForTaskType maps a task type to the ticket phase its activity
// implies. Types with no mapping (diagnostics, maintenance) never move a
// ticket.
func TargetPhaseForTaskType(taskType string) (Phase, bool) {
	p, ok := taskTypePhase[taskType]
	return p, ok
}

var taskTypePhase = map[string]Phase{
	"generate_prd":         PhaseAnalyzing,
	"analyze_requirements": PhaseAnalyzing,
	"create_design":        PhaseAnalyzing,
	"implement_feature":    PhaseBuilding,
	"fix_bug":              PhaseBuilding,
	"run_tests":            PhaseTesting,
	"deploy":               PhaseDeploying,
}

// Status captures whether a ticket is open, blocked, or closed, independent
// of its phase.
type Status string

const (
	StatusOpen    Status = "open"
	StatusBlocked Status = "blocked"
	StatusClosed  Status = "closed"
)

// Ticket represents a unit of deliverable work decomposed into tasks.
type Ticket struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Phase     Phase     `json:"phase"`
	Status    Status    `json:"status"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRequest holds the fields needed to open a new ticket.
type CreateRequest struct {
	Title string `json:"title"`
}
