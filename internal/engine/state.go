package engine

import (
	"time"

	"github.com/roach88/stale/internal/workflow"
)

// State is the state of one process within a run.
type State int

const (
	Pending State = iota
	Skipped
	Running
	Succeeded
	Failed
	Blocked
)

var stateNames = [...]string{
	Pending:   "pending",
	Skipped:   "skipped",
	Running:   "running",
	Succeeded: "succeeded",
	Failed:    "failed",
	Blocked:   "blocked",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transition can happen in this run.
func (s State) IsTerminal() bool {
	return s == Skipped || s == Succeeded || s == Failed || s == Blocked
}

// satisfies reports whether a dependent may start after a dependency
// reached s.
func (s State) satisfies() bool {
	return s == Skipped || s == Succeeded
}

// Outcome is what happened to one process.
type Outcome struct {
	Process *workflow.Process
	State   State

	// Reasons lists why the process was stale, or why it was blocked.
	Reasons []string

	// Execution is set when the process ran.
	Execution *workflow.Execution

	// Err is set for Failed processes.
	Err error
}

// Report summarises a run. Outcomes follow the topological order.
type Report struct {
	RunID     string
	Outcomes  []*Outcome
	StartedAt time.Time
	EndedAt   time.Time

	// Fatal is the error that stopped the run early, if any. Processes that
	// were not dispatched stay Pending.
	Fatal error
}

// Outcome returns the outcome of process id.
func (r *Report) Outcome(id string) (*Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Process.ID == id {
			return o, true
		}
	}
	return nil, false
}

// Counts returns how many processes ended in each state.
func (r *Report) Counts() map[State]int {
	counts := make(map[State]int)
	for _, o := range r.Outcomes {
		counts[o.State]++
	}
	return counts
}

// Failed reports whether some process failed or the run stopped early.
func (r *Report) Failed() bool {
	if r.Fatal != nil {
		return true
	}
	for _, o := range r.Outcomes {
		if o.State == Failed || o.State == Blocked {
			return true
		}
	}
	return false
}

// Ran returns the ids of processes that executed, in topological order.
func (r *Report) Ran() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Execution != nil {
			ids = append(ids, o.Process.ID)
		}
	}
	return ids
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
