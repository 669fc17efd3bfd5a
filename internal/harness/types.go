package harness

import "fmt"

// TraceEvent records what one run or invalidate step did.
type TraceEvent struct {
	Step   int    `json:"step"`
	Action string `json:"action"`

	// RunID and States describe a run; States maps process ids to their
	// final state.
	RunID  string            `json:"run_id,omitempty"`
	States map[string]string `json:"states,omitempty"`

	// Output holds the lines an invalidation printed.
	Output []string `json:"output,omitempty"`

	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per run or invalidate step.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddErrorf is AddError with formatting.
func (r *Result) AddErrorf(format string, args ...any) {
	r.AddError(fmt.Sprintf(format, args...))
}
