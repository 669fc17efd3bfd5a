package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/stale/internal/compiler"
	"github.com/roach88/stale/internal/config"
	"github.com/roach88/stale/internal/processor"
	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/sqlitedb"
	"github.com/roach88/stale/internal/store"
	"github.com/roach88/stale/internal/workflow"
)

// project is everything a command needs about the project directory.
type project struct {
	opts      *RootOptions
	dir       string
	cfg       *config.Config
	logger    *slog.Logger
	formatter *OutputFormatter

	pool       *sqlitedb.Pool
	resources  *resource.Registry
	processors *processor.Registry
}

// openProject resolves the project directory, loads the configuration and
// installs the logger. Errors are already reported when it returns.
func openProject(opts *RootOptions, cmd *cobra.Command) (*project, error) {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, CodeConfig, err, nil)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, formatter.Fail(ExitCommandError, CodeConfig,
			fmt.Errorf("project directory %s does not exist", dir), nil)
	}

	cfgPath := opts.Config
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, config.FileName)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, CodeConfig, err, nil)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)
	slog.SetDefault(logger)

	pool := sqlitedb.NewPool()
	return &project{
		opts:      opts,
		dir:       dir,
		cfg:       cfg,
		logger:    logger,
		formatter: formatter,
		pool:      pool,
		resources: resource.DefaultRegistry(resource.Options{
			BaseDir: dir,
			SQLite:  pool,
			S3:      cfg.S3,
			Redis:   cfg.Redis,
		}),
		processors: processor.Default(processor.Options{
			Dir:    dir,
			Out:    formatter.InfoWriter(),
			SQLite: pool,
		}),
	}, nil
}

// newLogger builds the slog handler on w. --verbose forces debug.
func newLogger(w io.Writer, cfg *config.Config, verbose bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func (p *project) close() {
	if err := p.pool.Close(); err != nil {
		p.logger.Error("error closing databases", "error", err)
	}
}

// stateDir is the absolute state directory.
func (p *project) stateDir() string {
	if filepath.IsAbs(p.cfg.StateDir) {
		return p.cfg.StateDir
	}
	return filepath.Join(p.dir, p.cfg.StateDir)
}

func (p *project) statePath() string {
	return filepath.Join(p.stateDir(), store.FileName)
}

// rulesPath locates the rule file, reporting its absence.
func (p *project) rulesPath() (string, error) {
	if p.opts.Rules == "" {
		path, err := compiler.Find(p.dir)
		if err != nil {
			return "", p.noRuleFile(err)
		}
		return path, nil
	}

	path := p.opts.Rules
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.dir, path)
	}
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return "", p.noRuleFile(fmt.Errorf("%w: %s", compiler.ErrNoRuleFile, path))
	}
	return path, nil
}

func (p *project) noRuleFile(err error) error {
	_ = p.formatter.Error(CodeNoRuleFile, fmt.Sprintf("No stalefile in %s", p.dir), nil)
	return WrapExitError(ExitCommandError, CodeNoRuleFile, err)
}

// compile parses and compiles path without reporting errors.
func (p *project) compile(path string) (*workflow.Workflow, error) {
	p.logger.Debug("compiling rules", "file", path)
	wf, err := compiler.New(p.resources, p.processors, p.logger).CompileFile(path)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("rules compiled", "processes", len(wf.Processes()), "resources", len(wf.Resources()))
	return wf, nil
}

// load locates and compiles the rules, reporting any error.
func (p *project) load() (*workflow.Workflow, error) {
	path, err := p.rulesPath()
	if err != nil {
		return nil, err
	}
	wf, err := p.compile(path)
	if err != nil {
		return nil, p.formatter.Fail(ExitCommandError, CodeInvalidRules, err, errorList(err))
	}
	return wf, nil
}

// errorList splits joined errors into their messages.
func errorList(err error) []string {
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return []string{err.Error()}
	}
	var out []string
	for _, e := range joined.Unwrap() {
		out = append(out, e.Error())
	}
	return out
}
