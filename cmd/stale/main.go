// Command stale runs the stale rules of a project incrementally.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/stale/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		// Commands report their own errors; only cobra's are printed here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	os.Exit(cli.GetExitCode(err))
}
