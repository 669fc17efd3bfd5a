package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Dir is the project directory. Rule files, relative resource paths and
	// the state directory are resolved against it.
	Dir string

	// Rules overrides rule file discovery.
	Rules string

	// Config overrides the configuration file path.
	Config string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the stale CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "stale - incremental workflow runner",
		Long: `Run only what is stale.

A rule file declares how resources (files, SQLite tables, S3 objects, Redis
keys) are produced from other resources. stale builds the dependency graph,
runs the rules whose inputs, code or outputs changed since the last run, and
remembers what it produced so the next run is incremental.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Dir, "dir", "C", ".", "project directory")
	cmd.PersistentFlags().StringVar(&opts.Rules, "rules", "", "rule file (default: stalefile.cue, then stalefile.hcl)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "configuration file (default: <dir>/stale.yaml)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewInvalidateCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewGraphCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
