package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/stale/internal/invalidate"
	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/workflow"
)

// InvalidateResult is the JSON payload of the invalidate command.
type InvalidateResult struct {
	Invalidated []string `json:"invalidated"`
	Ignored     []string `json:"ignored,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate [address...]",
		Short: "Forget produced resources so they are rebuilt",
		Long: `Without arguments, remove every resource a previous run produced that the
current rule file no longer creates.

With addresses, remove those resources and forget them together with every
recorded resource that depends on them, so the next run rebuilds them.
Addresses that were never produced are ignored.

Exit codes: 0 on success (even when nothing was invalidated), 2 when there
is no rule file, nothing ran yet, the rule file has errors, or an address is
malformed or uses an unknown scheme.

Example:
  stale invalidate
  stale invalidate file://B sqlite://db.sqlite/customers`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvalidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runInvalidate(opts *RootOptions, targets []string, cmd *cobra.Command) error {
	p, err := openProject(opts, cmd)
	if err != nil {
		return err
	}
	defer p.close()
	f := p.formatter

	path, err := p.rulesPath()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	wf, st, err := invalidate.Prepare(ctx, p.statePath(), func() (*workflow.Workflow, error) {
		return p.compile(path)
	})
	var rulesErr *invalidate.RulesError
	switch {
	case errors.Is(err, invalidate.ErrNothingProduced):
		return f.Fail(ExitCommandError, CodeNothingRun, err, nil)
	case errors.As(err, &rulesErr):
		return f.Fail(ExitCommandError, CodeInvalidRules, err, errorList(rulesErr.Err))
	case err != nil:
		return f.Fail(ExitCommandError, CodeState, err, nil)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			p.logger.Error("error closing run-state", "error", closeErr)
		}
	}()

	inv := invalidate.New(wf, st, invalidate.Options{
		Registry: p.resources,
		Out:      f.InfoWriter(),
		Logger:   p.logger,
	})
	res, err := inv.Run(ctx, targets)
	if err != nil {
		code := CodeState
		if errors.Is(err, resource.ErrUnavailable) {
			code = CodeResourceFailed
		}
		return f.Fail(ExitCommandError, code, err, nil)
	}

	out := InvalidateResult{
		Invalidated: append([]string{}, res.Invalidated...),
		Ignored:     res.Ignored,
	}
	for _, e := range res.TargetErrors {
		out.Errors = append(out.Errors, e.Error())
	}
	if len(res.TargetErrors) > 0 {
		if f.JSON() {
			return f.Fail(ExitCommandError, CodeBadTarget, res.Err(), out)
		}
		for _, e := range res.TargetErrors {
			_ = f.Error(CodeBadTarget, e.Error(), nil)
		}
		return WrapExitError(ExitCommandError, CodeBadTarget, res.Err())
	}

	if f.JSON() {
		return f.Success(out)
	}
	if len(res.Invalidated) == 0 && len(res.Ignored) == 0 {
		fmt.Fprintln(f.Writer, "Nothing to invalidate")
	}
	p.logger.Debug("invalidation done", "invalidated", len(res.Invalidated), "ignored", len(res.Ignored))
	return nil
}
