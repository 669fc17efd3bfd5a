package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/stale/internal/compiler"
	"github.com/roach88/stale/internal/engine"
	"github.com/roach88/stale/internal/invalidate"
	"github.com/roach88/stale/internal/processor"
	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/sqlitedb"
	"github.com/roach88/stale/internal/store"
	"github.com/roach88/stale/internal/workflow"
)

// Harness executes the steps of one scenario in one project directory.
type Harness struct {
	dir        string
	stateDir   string
	pool       *sqlitedb.Pool
	resources  *resource.Registry
	processors *processor.Registry
	runIDs     *engine.FixedGenerator
	logger     *slog.Logger
}

// Run executes a scenario in a fresh temporary project directory and
// returns the result. The error is non-nil only when the scenario could
// not be executed at all; failed expectations are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "stale-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}
	defer os.RemoveAll(dir)
	return RunIn(dir, scenario)
}

// RunIn executes a scenario in dir, which should be empty.
func RunIn(dir string, scenario *Scenario) (*Result, error) {
	if err := writeFiles(dir, scenario.Files); err != nil {
		return nil, err
	}

	var ids []string
	for i, step := range scenario.Steps {
		if step.Action == ActionRun {
			ids = append(ids, fmt.Sprintf("run-%d", i+1))
		}
	}

	pool := sqlitedb.NewPool()
	defer pool.Close()
	h := &Harness{
		dir:        dir,
		stateDir:   filepath.Join(dir, engine.DefaultStateDir),
		pool:       pool,
		resources:  resource.DefaultRegistry(resource.Options{BaseDir: dir, SQLite: pool}),
		processors: processor.Default(processor.Options{Dir: dir, SQLite: pool}),
		runIDs:     engine.NewFixedGenerator(ids...),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
	}
	for i, a := range scenario.Assertions {
		if err := h.evaluateAssertion(ctx, a); err != nil {
			result.AddErrorf("assertions[%d] (%s): %v", i, a.Type, err)
		}
	}
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	switch step.Action {
	case ActionWrite:
		return writeFiles(h.dir, step.Files)
	case ActionRemove:
		for _, path := range step.Paths {
			if err := os.RemoveAll(filepath.Join(h.dir, path)); err != nil {
				return err
			}
		}
		return nil
	case ActionRun:
		event := h.run(ctx, step)
		event.Step = n
		result.Trace = append(result.Trace, event)
		checkExpect(n, step.Expect, event, result)
		return nil
	case ActionInvalidate:
		event := h.invalidate(ctx, step)
		event.Step = n
		result.Trace = append(result.Trace, event)
		checkExpect(n, step.Expect, event, result)
		return nil
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

func (h *Harness) compile() (*workflow.Workflow, error) {
	path, err := compiler.Find(h.dir)
	if err != nil {
		return nil, err
	}
	return compiler.New(h.resources, h.processors, h.logger).CompileFile(path)
}

func (h *Harness) statePath() string {
	return filepath.Join(h.stateDir, store.FileName)
}

func (h *Harness) run(ctx context.Context, step Step) TraceEvent {
	event := TraceEvent{Action: ActionRun}

	wf, err := h.compile()
	if err != nil {
		event.Error = err.Error()
		return event
	}
	if err := engine.Check(ctx, wf); err != nil {
		event.Error = err.Error()
		return event
	}
	var targets []string
	for _, target := range step.Targets {
		r, err := h.resources.Parse(target)
		if err != nil {
			event.Error = err.Error()
			return event
		}
		targets = append(targets, r.Address())
	}
	if _, err := engine.Plan(wf, targets); err != nil {
		event.Error = err.Error()
		return event
	}
	st, err := store.Open(h.statePath())
	if err != nil {
		event.Error = err.Error()
		return event
	}
	defer st.Close()

	report, err := engine.New(wf, st, engine.Options{
		Workers:  step.Workers,
		Targets:  targets,
		StateDir: h.stateDir,
		Logger:   h.logger,
		RunIDs:   h.runIDs,
	}).Run(ctx)
	if err != nil {
		event.Error = err.Error()
	}
	if report == nil {
		return event
	}

	event.RunID = report.RunID
	event.States = make(map[string]string, len(report.Outcomes))
	for _, o := range report.Outcomes {
		state := o.State.String()
		if o.State == engine.Succeeded {
			state = "ran"
		}
		event.States[o.Process.ID] = state
	}
	return event
}

func (h *Harness) invalidate(ctx context.Context, step Step) TraceEvent {
	event := TraceEvent{Action: ActionInvalidate}

	wf, st, err := invalidate.Prepare(ctx, h.statePath(), h.compile)
	if err != nil {
		event.Error = err.Error()
		return event
	}
	defer st.Close()

	var out bytes.Buffer
	res, err := invalidate.New(wf, st, invalidate.Options{
		Registry: h.resources,
		Out:      &out,
		Logger:   h.logger,
	}).Run(ctx, step.Targets)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		event.Error = err.Error()
	}
	if s := strings.TrimRight(out.String(), "\n"); s != "" {
		event.Output = strings.Split(s, "\n")
	}
	return event
}

func writeFiles(dir string, files map[string]string) error {
	for path, content := range files {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
