package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/stale/internal/engine"
	"github.com/roach88/stale/internal/report"
	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/store"
	"github.com/roach88/stale/internal/workflow"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Workers     int
	MetricsFile string
	ReportFile  string

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [address...]",
		Short: "Run every stale rule",
		Long: `Compile the rule file, then run the processes whose outputs are missing or
out of date, dependencies first.

A process reruns when it never ran, its previous run failed, its code
changed, one of its inputs changed, one of its outputs was changed or
removed by hand, or an upstream process ran. The other processes are
skipped.

With addresses, only the processes needed to produce them are considered.

Exit codes: 0 when every process succeeded or was skipped, 1 when a process
failed (its dependents are blocked), 2 when nothing could run.

Example:
  stale run
  stale run file://report.csv
  stale run --workers 4 --report run.dot --metrics-file stale.prom`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(opts, args, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Workers, "workers", "j", 0, "processes run at once (default: config workers)")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file after the run")
	cmd.Flags().StringVar(&opts.ReportFile, "report", "", "write a Graphviz diagram of the run to this file")

	return cmd
}

func runWorkflow(opts *RunOptions, args []string, cmd *cobra.Command) error {
	p, err := openProject(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer p.close()
	f := p.formatter

	wf, err := p.load()
	if err != nil {
		return err
	}

	var targets []string
	for _, arg := range args {
		r, err := p.resources.Parse(arg)
		if err != nil {
			return f.Fail(ExitCommandError, CodeBadTarget, err, nil)
		}
		targets = append(targets, r.Address())
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			p.logger.Info("received signal, waiting for running processes", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// The run-state is only created once the workflow can run.
	if err := engine.Check(ctx, wf); err != nil {
		return f.Fail(ExitCommandError, staticCode(err), err, nil)
	}
	if _, err := engine.Plan(wf, targets); err != nil {
		return f.Fail(ExitCommandError, CodeBadTarget, err, nil)
	}

	st, err := store.Open(p.statePath())
	if err != nil {
		return f.Fail(ExitCommandError, CodeState, err, nil)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			p.logger.Error("error closing run-state", "error", closeErr)
		}
	}()

	workers := p.cfg.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	metrics := engine.NewMetrics()
	sched := engine.New(wf, st, engine.Options{
		Workers:  workers,
		Targets:  targets,
		StateDir: p.stateDir(),
		Logger:   p.logger,
		Metrics:  metrics,
		RunIDs:   opts.RunIDs,
	})

	run, err := sched.Run(ctx)
	if run == nil {
		return f.Fail(ExitCommandError, staticCode(err), err, nil)
	}

	if opts.MetricsFile != "" {
		if werr := metrics.WriteTextfile(opts.MetricsFile); werr != nil {
			p.logger.Error("cannot write metrics", "file", opts.MetricsFile, "error", werr)
		}
	}
	if opts.ReportFile != "" {
		if werr := writeDOT(opts.ReportFile, wf, run); werr != nil {
			p.logger.Error("cannot write report", "file", opts.ReportFile, "error", werr)
		}
	}

	if f.JSON() {
		summary := report.NewRunSummary(run)
		switch {
		case err != nil:
			_ = f.Error(CodeRunStopped, err.Error(), summary)
		case run.Failed():
			_ = f.Error(CodeProcessFailed, "some processes failed", summary)
		default:
			_ = f.Success(summary)
		}
	} else {
		if rerr := report.Summary(f.Writer, run); rerr != nil {
			return rerr
		}
		if len(run.Ran()) == 0 && !run.Failed() {
			fmt.Fprintln(f.Writer, "Nothing to do")
		}
	}

	switch {
	case err != nil:
		return WrapExitError(ExitCommandError, CodeRunStopped, err)
	case run.Failed():
		return NewExitError(ExitFailure, "some processes failed")
	}
	return nil
}

// staticCode classifies an error returned before any process ran.
func staticCode(err error) string {
	switch {
	case errors.Is(err, resource.ErrUnavailable):
		return CodeResourceFailed
	case errors.Is(err, engine.ErrUnknownTarget):
		return CodeBadTarget
	}
	return CodeStaticCheck
}

func writeDOT(path string, wf *workflow.Workflow, run *engine.Report) error {
	var buf bytes.Buffer
	if err := report.DOT(&buf, wf, run); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
