// Package report renders workflows and runs for people: a Graphviz diagram
// of the dependency graph and a run summary.
package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/roach88/stale/internal/engine"
	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/workflow"
)

var stateColors = map[engine.State]string{
	engine.Pending:   "white",
	engine.Skipped:   "lightgrey",
	engine.Running:   "lightblue",
	engine.Succeeded: "palegreen",
	engine.Failed:    "salmon",
	engine.Blocked:   "orange",
}

// DOT writes the dependency graph of wf in Graphviz syntax. Resources are
// ellipses, processes are boxes; with a run report, processes are filled
// with the color of their state. Output is deterministic.
func DOT(w io.Writer, wf *workflow.Workflow, run *engine.Report) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph workflow {")
	fmt.Fprintln(bw, "  rankdir=LR;")
	fmt.Fprintln(bw, `  node [fontname="Helvetica"];`)
	fmt.Fprintln(bw)

	for _, r := range wf.Resources() {
		attrs := "shape=ellipse"
		if resource.IsUnknown(r) {
			attrs += ", style=dashed"
		}
		fmt.Fprintf(bw, "  %s [%s];\n", strconv.Quote(r.Address()), attrs)
	}
	fmt.Fprintln(bw)

	for _, p := range wf.Processes() {
		label := p.ID + "\n" + p.ProcessorName()
		attrs := "shape=box, label=" + strconv.Quote(label)
		if run != nil {
			if o, ok := run.Outcome(p.ID); ok {
				attrs += fmt.Sprintf(", style=filled, fillcolor=%s", stateColors[o.State])
			}
		}
		fmt.Fprintf(bw, "  %s [%s];\n", strconv.Quote(p.ID), attrs)
	}
	fmt.Fprintln(bw)

	for _, p := range wf.Processes() {
		for _, in := range p.InputAddresses() {
			fmt.Fprintf(bw, "  %s -> %s;\n", strconv.Quote(in), strconv.Quote(p.ID))
		}
		for _, out := range p.OutputAddresses() {
			fmt.Fprintf(bw, "  %s -> %s;\n", strconv.Quote(p.ID), strconv.Quote(out))
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

// Summary writes one line per process in topological order, after a
// header with the totals.
func Summary(w io.Writer, run *engine.Report) error {
	counts := run.Counts()
	fmt.Fprintf(w, "Run %s: %d succeeded, %d skipped, %d failed, %d blocked",
		run.RunID, counts[engine.Succeeded], counts[engine.Skipped], counts[engine.Failed], counts[engine.Blocked])
	if n := counts[engine.Pending]; n > 0 {
		fmt.Fprintf(w, ", %d not started", n)
	}
	fmt.Fprintf(w, " (%s)\n", formatDuration(run.Duration()))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, o := range run.Outcomes {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
			o.State, o.Process.ID, o.Process.Source, duration(o), detail(o))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if run.Fatal != nil {
		fmt.Fprintf(w, "Run stopped: %v\n", run.Fatal)
	}
	return nil
}

func duration(o *engine.Outcome) string {
	if o.Execution == nil {
		return "-"
	}
	return formatDuration(o.Execution.Duration())
}

func detail(o *engine.Outcome) string {
	switch o.State {
	case engine.Failed:
		if o.Execution != nil {
			return fmt.Sprintf("return code %d, see %s", o.Execution.ReturnCode, o.Execution.LogStderr)
		}
		if o.Err != nil {
			return o.Err.Error()
		}
	case engine.Succeeded, engine.Blocked:
		return strings.Join(o.Reasons, "; ")
	}
	return ""
}

func formatDuration(d time.Duration) string {
	return d.Round(10 * time.Millisecond).String()
}

// ProcessSummary is the machine-readable outcome of one process.
type ProcessSummary struct {
	ID         string   `json:"id"`
	Processor  string   `json:"processor"`
	Source     string   `json:"source"`
	State      string   `json:"state"`
	Reasons    []string `json:"reasons,omitempty"`
	ReturnCode *int     `json:"return_code,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	LogStdout  string   `json:"log_stdout,omitempty"`
	LogStderr  string   `json:"log_stderr,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// RunSummary is the machine-readable form of a run report.
type RunSummary struct {
	RunID     string           `json:"run_id"`
	Failed    bool             `json:"failed"`
	Counts    map[string]int   `json:"counts"`
	Processes []ProcessSummary `json:"processes"`
	Fatal     string           `json:"fatal,omitempty"`
}

// NewRunSummary converts a run report.
func NewRunSummary(run *engine.Report) RunSummary {
	s := RunSummary{
		RunID:     run.RunID,
		Failed:    run.Failed(),
		Counts:    make(map[string]int),
		Processes: make([]ProcessSummary, 0, len(run.Outcomes)),
	}
	for state, n := range run.Counts() {
		s.Counts[state.String()] = n
	}
	if run.Fatal != nil {
		s.Fatal = run.Fatal.Error()
	}
	for _, o := range run.Outcomes {
		ps := ProcessSummary{
			ID:        o.Process.ID,
			Processor: o.Process.ProcessorName(),
			Source:    o.Process.Source.String(),
			State:     o.State.String(),
			Reasons:   o.Reasons,
		}
		if e := o.Execution; e != nil {
			rc := e.ReturnCode
			ps.ReturnCode = &rc
			ps.DurationMS = e.Duration().Milliseconds()
			ps.LogStdout = e.LogStdout
			ps.LogStderr = e.LogStderr
		}
		if o.Err != nil {
			ps.Error = o.Err.Error()
		}
		s.Processes = append(s.Processes, ps)
	}
	return s
}
