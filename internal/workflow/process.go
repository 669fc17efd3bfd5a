package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/stale/internal/digest"
	"github.com/roach88/stale/internal/resource"
)

// Processor executes the code of a process.
//
// Processors are stateless with respect to any single process: everything
// they need arrives through the *Process argument.
type Processor interface {
	// Name returns the name rules use to select the processor ("shell").
	Name() string

	// StaticCheck validates p without running anything. It is called for
	// every process of a workflow before the first one runs.
	StaticCheck(p *Process) error

	// Run executes the code of p and returns its exit status. Standard output
	// and error go to the given log paths. A non-nil error wrapping
	// resource.ErrUnavailable means the backend could not be reached, which
	// is fatal to the run. Any other error marks only p as failed.
	Run(ctx context.Context, p *Process, scratchDir, stdoutPath, stderrPath string) (int, error)
}

// Position locates the rule a process was compiled from.
type Position struct {
	File string
	Line int
}

func (p Position) String() string {
	if p.File == "" {
		return fmt.Sprintf("line %d", p.Line)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// ProcessID builds the id of the process compiled from the rule starting at
// line. It is stable across parses of the same source.
func ProcessID(processor string, line int) string {
	return fmt.Sprintf("%s_%d", processor, line)
}

// Process is one build step.
type Process struct {
	ID        string
	Processor Processor
	Inputs    []resource.Resource
	Outputs   []resource.Resource
	Code      string
	Source    Position

	exec *Execution
}

// Execution is the outcome of running a process once.
//
// A worker produces an Execution and hands it back to the scheduler, which
// applies it to the canonical *Process with RetrieveExecution.
type Execution struct {
	ProcessID  string
	Start      time.Time
	End        time.Time
	ReturnCode int
	Success    bool
	LogStdout  string
	LogStderr  string

	// Err is the error returned by the processor, if any.
	Err error
}

// Duration returns how long the process ran.
func (e Execution) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// ProcessorName returns the name of the process's processor.
func (p *Process) ProcessorName() string {
	if p.Processor == nil {
		return ""
	}
	return p.Processor.Name()
}

// InputAddresses returns the input addresses in declaration order.
func (p *Process) InputAddresses() []string {
	return addresses(p.Inputs)
}

// OutputAddresses returns the output addresses in declaration order.
func (p *Process) OutputAddresses() []string {
	return addresses(p.Outputs)
}

func addresses(rs []resource.Resource) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Address()
	}
	return out
}

// CodeHash returns the identity of the process's code body.
func (p *Process) CodeHash() string {
	return digest.Code(p.Code)
}

// PreCheck delegates to the processor's static check.
func (p *Process) PreCheck() error {
	return p.Processor.StaticCheck(p)
}

// Run executes the process through its processor. It records start and end
// time and never retries. The returned Execution is not applied to p.
func (p *Process) Run(ctx context.Context, scratchDir, stdoutPath, stderrPath string) Execution {
	e := Execution{
		ProcessID: p.ID,
		Start:     time.Now(),
		LogStdout: stdoutPath,
		LogStderr: stderrPath,
	}
	e.ReturnCode, e.Err = p.Processor.Run(ctx, p, scratchDir, stdoutPath, stderrPath)
	e.End = time.Now()
	if e.Err != nil && e.ReturnCode == 0 {
		e.ReturnCode = 1
	}
	e.Success = e.Err == nil && e.ReturnCode == 0
	return e
}

// RetrieveExecution records an execution produced for this process.
func (p *Process) RetrieveExecution(e Execution) {
	e.ProcessID = p.ID
	p.exec = &e
}

// Execution returns the recorded execution, if the process ran.
func (p *Process) Execution() (Execution, bool) {
	if p.exec == nil {
		return Execution{}, false
	}
	return *p.exec, true
}

// HasSameInputs reports whether both processes read the same set of
// addresses, ignoring order and outputs.
func (p *Process) HasSameInputs(other *Process) bool {
	return SameInputs(p.InputAddresses(), other.InputAddresses())
}

// SameInputs compares two address lists as sets.
func SameInputs(a, b []string) bool {
	as, bs := uniqueSorted(a), uniqueSorted(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func uniqueSorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i == 0 || s != out[n-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}
