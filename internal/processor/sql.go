package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/sqlitedb"
	"github.com/roach88/stale/internal/workflow"
)

// SQL runs the code of a process as a SQL script against the one SQLite
// database its resources live in.
//
// Scripts against the same database are serialised through the pool lock even
// when the scheduler runs their processes in parallel.
type SQL struct {
	pool    *sqlitedb.Pool
	console *Console
}

// NewSQL creates a SQL processor over pool.
func NewSQL(pool *sqlitedb.Pool, console *Console) *SQL {
	return &SQL{pool: pool, console: console}
}

func (s *SQL) Name() string { return "sqlite" }

// database returns the database file shared by every resource of p.
func (s *SQL) database(p *workflow.Process) (string, error) {
	paths := make(map[string]bool)
	var first string
	for _, r := range append(append([]resource.Resource(nil), p.Inputs...), p.Outputs...) {
		db, ok := r.(resource.Database)
		if !ok {
			e := workflow.Errorf(workflow.ErrCodeUnsupportedResource,
				"the sqlite processor can only handle sqlite resources as inputs or outputs, found '%s'", r.Address())
			e.ProcessID, e.Address = p.ID, r.Address()
			return "", e
		}
		key := sqlitedb.Key(db.DatabasePath())
		if first == "" {
			first = key
		}
		paths[key] = true
	}

	switch len(paths) {
	case 0:
		e := workflow.Errorf(workflow.ErrCodeInvalidProcess,
			"the sqlite processor needs at least one sqlite resource as input or output to know which database to connect to")
		e.ProcessID = p.ID
		return "", e
	case 1:
		return first, nil
	default:
		all := make([]string, 0, len(paths))
		for k := range paths {
			all = append(all, "'"+k+"'")
		}
		sort.Strings(all)
		e := workflow.Errorf(workflow.ErrCodeAmbiguousConnection,
			"the sqlite processor can't connect to several databases at the same time, found %s", strings.Join(all, " and "))
		e.ProcessID = p.ID
		return "", e
	}
}

// StaticCheck requires every resource to be a sqlite resource on one database.
func (s *SQL) StaticCheck(p *workflow.Process) error {
	_, err := s.database(p)
	return err
}

func (s *SQL) Run(ctx context.Context, p *workflow.Process, scratchDir, stdoutPath, stderrPath string) (int, error) {
	path, err := s.database(p)
	if err != nil {
		return 1, err
	}

	code, runErr := s.exec(ctx, p, path, stdoutPath, stderrPath)
	failure := ""
	if workflow.IsProcessFailed(runErr) {
		failure = runErr.Error()
	}
	s.console.Print(Banner(p.ID, stdoutPath, stderrPath, failure))
	return code, runErr
}

func (s *SQL) exec(ctx context.Context, p *workflow.Process, path, stdoutPath, stderrPath string) (int, error) {
	unlock, err := s.pool.Lock(path)
	if err != nil {
		return 1, resource.Unavailable("sqlite://"+path, err)
	}
	defer unlock()

	db, err := s.pool.Open(path)
	if err != nil {
		return 1, resource.Unavailable("sqlite://"+path, err)
	}

	if err := os.WriteFile(stdoutPath, []byte(p.Code), 0o644); err != nil {
		return 1, fmt.Errorf("write stdout log: %w", err)
	}
	if err := os.WriteFile(stderrPath, nil, 0o644); err != nil {
		return 1, fmt.Errorf("write stderr log: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 1, resource.Unavailable("sqlite://"+path, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, p.Code); err != nil {
		return 1, s.failed(p, stderrPath, err)
	}
	if err := tx.Commit(); err != nil {
		return 1, s.failed(p, stderrPath, err)
	}
	return 0, nil
}

func (s *SQL) failed(p *workflow.Process, stderrPath string, cause error) error {
	msg := cause.Error()
	if werr := os.WriteFile(stderrPath, []byte(msg+"\n"), 0o644); werr != nil {
		return errors.Join(cause, werr)
	}
	e := workflow.Errorf(workflow.ErrCodeProcessFailed, "Error while running SQL process %s : '%s'", p.ID, msg)
	e.ProcessID = p.ID
	return e
}
