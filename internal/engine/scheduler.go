package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/store"
	"github.com/roach88/stale/internal/workflow"
)

// DefaultStateDir is the state directory relative to the project directory.
const DefaultStateDir = ".stale"

// ErrUnknownTarget means a run target is not the output of any process.
var ErrUnknownTarget = errors.New("no process produces this resource")

// Options configures a Scheduler.
type Options struct {
	// Workers bounds how many processes run at once. Values below 1 mean 1.
	Workers int

	// Targets restricts the run to the processes needed to produce these
	// addresses. Empty means every process.
	Targets []string

	// StateDir holds scratch scripts (processes/) and logs (logs/).
	// Defaults to DefaultStateDir.
	StateDir string

	Logger  *slog.Logger
	Metrics *Metrics
	RunIDs  RunIDGenerator

	// Now is the wall clock used for the report. Defaults to time.Now.
	Now func() time.Time
}

// Scheduler runs the stale processes of a workflow.
type Scheduler struct {
	wf     *workflow.Workflow
	store  *store.Store
	opts   Options
	logger *slog.Logger
}

// New creates a scheduler for wf persisting into st.
func New(wf *workflow.Workflow, st *store.Store, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RunIDs == nil {
		opts.RunIDs = UUIDv7Generator{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{wf: wf, store: st, opts: opts, logger: opts.Logger}
}

// ScratchDir is where processors write their scripts.
func (s *Scheduler) ScratchDir() string {
	return filepath.Join(s.opts.StateDir, "processes")
}

// LogDir is where process logs are written.
func (s *Scheduler) LogDir() string {
	return filepath.Join(s.opts.StateDir, "logs")
}

// LogPaths returns the stdout and stderr log paths of process id.
func (s *Scheduler) LogPaths(id string) (stdout, stderr string) {
	return filepath.Join(s.LogDir(), id+"_stdout"), filepath.Join(s.LogDir(), id+"_stderr")
}

// Check runs the static checks that precede a run: every process's static
// check, then the existence of every primary input.
func Check(ctx context.Context, wf *workflow.Workflow) error {
	if err := wf.PreCheck(); err != nil {
		return err
	}
	return wf.CheckPrimaryInputs(ctx)
}

type workItem struct {
	idx         int
	proc        *workflow.Process
	upstreamRan bool
}

type workResult struct {
	idx     int
	stale   bool
	reasons []string
	exec    *workflow.Execution
	inputs  map[string]string
	outputs []store.ResourceRecord
	err     error
}

// Run executes one incremental run.
//
// Static problems (failed static checks, unsatisfiable dependencies, a
// backend unavailable while checking them, an unknown target) are returned
// before anything runs, with a nil report. Once processes are dispatched, Run always returns
// the report; the error is then report.Fatal. A failed process is not an
// error: see Report.Failed.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	if err := Check(ctx, s.wf); err != nil {
		return nil, err
	}
	order, err := Plan(s.wf, s.opts.Targets)
	if err != nil {
		return nil, err
	}

	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load run-state: %w", err)
	}
	for _, dir := range []string{s.ScratchDir(), s.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	report := &Report{RunID: s.opts.RunIDs.Generate(), StartedAt: s.opts.Now()}
	if err := s.store.BeginRun(ctx, report.RunID); err != nil {
		return nil, err
	}
	log := s.logger.With("run", report.RunID)
	log.Info("run started", "processes", len(order), "workers", s.opts.Workers)

	s.coordinate(ctx, log, snap, order, report)

	// Results of processes that finished are recorded even if ctx was
	// cancelled meanwhile.
	wctx := context.WithoutCancel(ctx)
	report.EndedAt = s.opts.Now()
	status := store.RunSucceeded
	switch {
	case report.Fatal != nil:
		status = store.RunAborted
	case report.Failed():
		status = store.RunFailed
	}
	if err := s.store.FinishRun(wctx, report.RunID, status); err != nil && report.Fatal == nil {
		report.Fatal = err
	}
	s.opts.Metrics.runDone(status, report.Duration())

	counts := report.Counts()
	log.Info("run finished",
		"status", status,
		"succeeded", counts[Succeeded],
		"skipped", counts[Skipped],
		"failed", counts[Failed],
		"blocked", counts[Blocked],
		"duration", report.Duration(),
	)
	return report, report.Fatal
}

// Plan returns the processes a run over targets covers, in topological
// order: every process when targets is empty, else the union of the
// processes needed to produce each target.
func Plan(wf *workflow.Workflow, targets []string) ([]*workflow.Process, error) {
	order := wf.TopologicalOrder()
	if len(targets) == 0 {
		return order, nil
	}
	selected := make(map[string]bool)
	for _, target := range targets {
		closure := wf.ClosureFor(target)
		if len(closure) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
		}
		for _, p := range closure {
			selected[p.ID] = true
		}
	}
	var out []*workflow.Process
	for _, p := range order {
		if selected[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// coordinate dispatches ready processes to the worker pool in topological
// order and applies their results one at a time. The dependencies of every
// process in order are also in order.
func (s *Scheduler) coordinate(ctx context.Context, log *slog.Logger, snap *store.Snapshot, order []*workflow.Process, report *Report) {
	index := make(map[string]int, len(order))
	for i, p := range order {
		index[p.ID] = i
		report.Outcomes = append(report.Outcomes, &Outcome{Process: p, State: Pending})
	}
	deps := make([][]int, len(order))
	for i, p := range order {
		for _, d := range s.wf.Dependencies(p) {
			deps[i] = append(deps[i], index[d.ID])
		}
	}

	workers := s.opts.Workers
	workCh := make(chan workItem, workers)
	doneCh := make(chan workResult, workers)

	for i := 0; i < workers; i++ {
		go func() {
			for w := range workCh {
				s.opts.Metrics.workerBusy(1)
				r := s.evaluate(ctx, snap, w)
				s.opts.Metrics.workerBusy(-1)
				doneCh <- r
			}
		}()
	}
	defer close(workCh)

	inFlight := 0
	stopping := false
	cancelled := ctx.Done()
	stopCancelled := func() {
		cancelled = nil
		if report.Fatal == nil {
			report.Fatal = fmt.Errorf("run cancelled: %w", ctx.Err())
		}
		stopping = true
		log.Warn("run cancelled, waiting for running processes", "running", inFlight)
	}

	for {
		if !stopping && ctx.Err() != nil {
			stopCancelled()
		}
		if !stopping {
			for i := 0; i < len(order) && inFlight < workers; i++ {
				o := report.Outcomes[i]
				if o.State != Pending {
					continue
				}
				ready, upstreamRan, blockedBy := readiness(report.Outcomes, deps[i])
				if blockedBy != "" {
					o.State = Blocked
					o.Reasons = []string{"blocked by " + blockedBy}
					log.Warn("process blocked", "process", o.Process.ID, "by", blockedBy)
					s.opts.Metrics.processDone(Blocked, o.Process.ProcessorName(), 0)
					continue
				}
				if !ready {
					continue
				}
				o.State = Running
				inFlight++
				workCh <- workItem{idx: i, proc: o.Process, upstreamRan: upstreamRan}
			}
		}
		if inFlight == 0 {
			return
		}

		select {
		case <-cancelled:
			stopCancelled()
		case r := <-doneCh:
			inFlight--
			if fatal := s.apply(ctx, log, report.RunID, report.Outcomes[r.idx], r); fatal != nil {
				if report.Fatal == nil {
					report.Fatal = fatal
				}
				if !stopping {
					log.Error("fatal error, no further process will start", "error", fatal, "running", inFlight)
				}
				stopping = true
			}
		}
	}
}

// readiness inspects the dependencies of a pending process. blockedBy names
// the first dependency that failed or was blocked.
func readiness(outcomes []*Outcome, deps []int) (ready, upstreamRan bool, blockedBy string) {
	ready = true
	for _, d := range deps {
		st := outcomes[d].State
		switch {
		case st == Failed || st == Blocked:
			return false, false, outcomes[d].Process.ID
		case st == Succeeded:
			upstreamRan = true
		case !st.satisfies():
			ready = false
		}
	}
	return ready, upstreamRan, ""
}

// evaluate runs on a worker: it decides staleness and runs p if needed. It
// never touches the canonical process or the store.
func (s *Scheduler) evaluate(ctx context.Context, snap *store.Snapshot, w workItem) workResult {
	r := workResult{idx: w.idx}

	reasons, inputs, err := s.staleness(ctx, snap, w.proc, w.upstreamRan)
	if err != nil {
		r.err = fmt.Errorf("process %s: %w", w.proc.ID, err)
		return r
	}
	if len(reasons) == 0 {
		return r
	}
	r.stale, r.reasons, r.inputs = true, reasons, inputs

	stdout, stderr := s.LogPaths(w.proc.ID)
	exec := w.proc.Run(ctx, s.ScratchDir(), stdout, stderr)
	if exec.Success {
		outputs, err := outputSignatures(ctx, w.proc)
		if err != nil {
			exec.Success = false
			exec.Err = err
			if exec.ReturnCode == 0 {
				exec.ReturnCode = 1
			}
		}
		r.outputs = outputs
	} else if exec.Err == nil {
		exec.Err = workflow.Errorf(workflow.ErrCodeProcessFailed,
			"process %s failed with return code %d", w.proc.ID, exec.ReturnCode)
	}
	r.exec = &exec
	return r
}

// apply records a worker result on the canonical process, the store and
// the report. It returns a non-nil error when the run must stop.
func (s *Scheduler) apply(ctx context.Context, log *slog.Logger, runID string, o *Outcome, r workResult) error {
	p := o.Process
	log = log.With("process", p.ID)

	if !r.stale && r.err == nil {
		o.State = Skipped
		log.Debug("process up to date")
		s.opts.Metrics.processDone(Skipped, p.ProcessorName(), 0)
		return nil
	}
	o.Reasons = r.reasons

	if r.exec == nil {
		o.State = Failed
		o.Err = r.err
		log.Error("process could not be evaluated", "error", r.err)
		s.opts.Metrics.processDone(Failed, p.ProcessorName(), 0)
		return fatalCause(r.err)
	}

	p.RetrieveExecution(*r.exec)
	exec, _ := p.Execution()
	o.Execution = &exec

	rec := store.ProcessRecord{
		ID:              p.ID,
		Processor:       p.ProcessorName(),
		CodeHash:        p.CodeHash(),
		Code:            p.Code,
		Inputs:          p.InputAddresses(),
		Outputs:         p.OutputAddresses(),
		InputSignatures: r.inputs,
		RunID:           runID,
		ReturnCode:      exec.ReturnCode,
		StartedAt:       exec.Start,
		EndedAt:         exec.End,
		LogStdout:       exec.LogStdout,
		LogStderr:       exec.LogStderr,
	}

	wctx := context.WithoutCancel(ctx)
	if exec.Success {
		if err := s.store.CommitProcess(wctx, rec, r.outputs); err != nil {
			o.State = Failed
			o.Err = err
			log.Error("process result could not be recorded", "error", err)
			s.opts.Metrics.processDone(Failed, p.ProcessorName(), exec.Duration())
			return err
		}
		o.State = Succeeded
		log.Info("process succeeded", "reasons", r.reasons, "duration", exec.Duration())
		s.opts.Metrics.processDone(Succeeded, p.ProcessorName(), exec.Duration())
		return nil
	}

	o.State = Failed
	o.Err = exec.Err
	log.Error("process failed", "return_code", exec.ReturnCode, "error", exec.Err)
	s.opts.Metrics.processDone(Failed, p.ProcessorName(), exec.Duration())
	if err := s.store.RecordFailure(wctx, rec); err != nil {
		return err
	}
	return fatalCause(exec.Err)
}

// fatalCause returns err if it must stop the run.
func fatalCause(err error) error {
	if errors.Is(err, resource.ErrUnavailable) {
		return err
	}
	return nil
}
