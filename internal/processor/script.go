package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/workflow"
)

// Shell runs the code of a process as a POSIX shell script.
type Shell struct {
	dir     string
	console *Console
}

// NewShell creates a shell processor whose scripts run in dir.
func NewShell(dir string, console *Console) *Shell {
	return &Shell{dir: dir, console: console}
}

func (s *Shell) Name() string { return "shell" }

// StaticCheck accepts every process: a script may touch any resource.
func (s *Shell) StaticCheck(p *workflow.Process) error { return nil }

func (s *Shell) Run(ctx context.Context, p *workflow.Process, scratchDir, stdoutPath, stderrPath string) (int, error) {
	script, err := filepath.Abs(filepath.Join(scratchDir, p.ID))
	if err != nil {
		return 1, err
	}
	if err := writeScript(script, "#!/usr/bin/env sh\n"+p.Code); err != nil {
		return 1, err
	}

	// Running through sh rather than exec'ing the script avoids ETXTBSY when
	// another goroutine forks while the script is still open for writing.
	code, err := runAndLog(ctx, s.dir, stdoutPath, stderrPath, "sh", script)
	failure := ""
	if err == nil && code != 0 {
		failure = fmt.Sprintf("Process %s failed", p.ID)
	}
	s.console.Print(Banner(p.ID, stdoutPath, stderrPath, failure))
	return code, err
}

// Bat runs the code of a process as a Windows batch file. Every line is
// followed by an error level check, so the script stops at the first failing
// line.
type Bat struct {
	dir     string
	console *Console
}

// NewBat creates a batch processor whose scripts run in dir.
func NewBat(dir string, console *Console) *Bat {
	return &Bat{dir: dir, console: console}
}

func (b *Bat) Name() string { return "bat" }

func (b *Bat) StaticCheck(p *workflow.Process) error { return nil }

const exitIfFail = "if %ERRORLEVEL% neq 0 exit /b 1\n"

// BatScript renders the batch file for code.
func BatScript(code string) string {
	var s strings.Builder
	s.WriteString("@echo off\n")
	for _, line := range strings.Split(code, "\n") {
		s.WriteString(strings.TrimRight(line, "\r"))
		s.WriteString("\n")
		s.WriteString(exitIfFail)
	}
	return s.String()
}

func (b *Bat) Run(ctx context.Context, p *workflow.Process, scratchDir, stdoutPath, stderrPath string) (int, error) {
	script, err := filepath.Abs(filepath.Join(scratchDir, p.ID+".bat"))
	if err != nil {
		return 1, err
	}
	if err := writeScript(script, BatScript(p.Code)); err != nil {
		return 1, err
	}

	code, err := runAndLog(ctx, b.dir, stdoutPath, stderrPath, "cmd", "/C", script)
	failure := ""
	if err == nil && code != 0 {
		failure = fmt.Sprintf("Process %s failed with return code %d", p.ID, code)
	}
	b.console.Print(Banner(p.ID, stdoutPath, stderrPath, failure))
	return code, err
}

func writeScript(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create script directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("write script %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("make script executable: %w", err)
	}
	return nil
}

// runAndLog runs argv with stdin closed and both output streams sent to the
// log files. A program that could not be started is reported as
// resource.ErrUnavailable: the environment cannot run scripts at all.
func runAndLog(ctx context.Context, dir, stdoutPath, stderrPath string, argv ...string) (int, error) {
	fout, err := os.Create(stdoutPath)
	if err != nil {
		return 1, fmt.Errorf("create stdout log: %w", err)
	}
	defer fout.Close()
	ferr, err := os.Create(stderrPath)
	if err != nil {
		return 1, fmt.Errorf("create stderr log: %w", err)
	}
	defer ferr.Close()

	prog := argv[0]
	c := exec.CommandContext(ctx, prog, argv[1:]...)
	c.Dir = dir
	c.Stdout = fout
	c.Stderr = ferr

	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, resource.Unavailable(prog, err)
	}
	return 0, nil
}
