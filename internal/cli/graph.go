package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/stale/internal/report"
)

// GraphOptions holds flags for the graph command.
type GraphOptions struct {
	*RootOptions
	Output string
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GraphOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph in Graphviz format",
		Long: `Compile the rule file and print its dependency graph as a Graphviz digraph:
resources are ellipses, processes are boxes.

Example:
  stale graph | dot -Tsvg > workflow.svg`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write to this file instead of stdout")

	return cmd
}

func runGraph(opts *GraphOptions, cmd *cobra.Command) error {
	p, err := openProject(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer p.close()

	wf, err := p.load()
	if err != nil {
		return err
	}
	if opts.Output != "" {
		if err := writeDOT(opts.Output, wf, nil); err != nil {
			return p.formatter.Fail(ExitCommandError, CodeState, err, nil)
		}
		p.formatter.VerboseLog("Wrote %s", opts.Output)
		return nil
	}
	return report.DOT(cmd.OutOrStdout(), wf, nil)
}
