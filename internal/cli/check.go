package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/stale/internal/resource"
)

// CheckResult is the JSON payload of the check command.
type CheckResult struct {
	RuleFile  string `json:"rule_file"`
	Processes int    `json:"processes"`
	Resources int    `json:"resources"`
	Primary   int    `json:"primary_inputs"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the rule file without running anything",
		Long: `Compile the rule file, validate the dependency graph, run every processor's
static check and verify that every primary input exists.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, cmd)
		},
	}
}

func runCheck(opts *RootOptions, cmd *cobra.Command) error {
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
	wf, err := p.compile(path)
	if err != nil {
		return f.Fail(ExitCommandError, CodeInvalidRules, err, errorList(err))
	}
	if err := wf.PreCheck(); err != nil {
		return f.Fail(ExitCommandError, CodeStaticCheck, err, errorList(err))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := wf.CheckPrimaryInputs(ctx); err != nil {
		code := CodeStaticCheck
		if errors.Is(err, resource.ErrUnavailable) {
			code = CodeResourceFailed
		}
		return f.Fail(ExitCommandError, code, err, errorList(err))
	}

	result := CheckResult{
		RuleFile:  path,
		Processes: len(wf.Processes()),
		Resources: len(wf.Resources()),
		Primary:   len(wf.PrimaryInputs()),
	}
	if f.JSON() {
		return f.Success(result)
	}
	return f.Success(fmt.Sprintf("%s: %d processes, %d resources, %d primary inputs",
		result.RuleFile, result.Processes, result.Resources, result.Primary))
}
