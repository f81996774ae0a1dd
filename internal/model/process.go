package model

import "time"

// ProcessName is the state machine label of a dedupe run.
type ProcessName string

const (
	ProcessFetching      ProcessName = "fetching"
	ProcessFiltering     ProcessName = "filtering"
	ProcessManualMerge   ProcessName = "manually merge"
	ProcessUpdateHubspot ProcessName = "update hubspot"
	ProcessFinished      ProcessName = "finished"
	ProcessError         ProcessName = "error"
	ProcessExceed        ProcessName = "exceed"
)

// forward lists the single forward successor of each progressing state.
var forward = map[ProcessName]ProcessName{
	ProcessFetching:      ProcessFiltering,
	ProcessFiltering:     ProcessManualMerge,
	ProcessManualMerge:   ProcessUpdateHubspot,
	ProcessUpdateHubspot: ProcessFinished,
}

// Terminal reports whether the state is absorbing for its run.
func (p ProcessName) Terminal() bool {
	switch p {
	case ProcessFinished, ProcessError, ProcessExceed:
		return true
	}
	return false
}

// Valid reports whether p is a known state.
func (p ProcessName) Valid() bool {
	if _, ok := forward[p]; ok {
		return true
	}
	return p.Terminal()
}

// CanTransition reports whether a run may move from one state to another.
// Runs only move forward one step at a time; error and exceed are reachable
// from any non-terminal state. The single exception is exceed -> filtering,
// which is taken by an explicit resume after a plan upgrade.
func CanTransition(from, to ProcessName) bool {
	if from == ProcessExceed && to == ProcessFiltering {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == ProcessError || to == ProcessExceed {
		return true
	}
	return forward[from] == to
}

// ProcessStatus is the persisted state of one dedupe run for a tenant.
type ProcessStatus struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	ProcessName ProcessName `json:"process_name"`
	Status      string      `json:"status"`
	Count       int         `json:"count"`
	Artifact    string      `json:"artifact,omitempty"`
	Version     int         `json:"version"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// AcceptsMerges reports whether the run's groups may be merged: only the
// active run, parked in manually merge before finalization.
func (p ProcessStatus) AcceptsMerges() bool {
	return p.Active && p.ProcessName == ProcessManualMerge
}

// ProcessUpdate describes a compare-and-set transition of a ProcessStatus.
// Nil pointer fields are left unchanged.
type ProcessUpdate struct {
	From     ProcessName
	To       ProcessName
	Status   string
	Count    *int
	Artifact *string
}
