// Package sqlitedb shares SQLite connections between the sqlite resource
// scheme and the sqlite processor.
//
// SQLite allows a single writer, and a database/sql connection is not safe to
// drive from two scripts at once, so every database file gets:
//   - one *sql.DB limited to a single open connection
//   - one mutex that processors hold for the whole duration of a script
//
// Resources only issue short reads and rely on the single-connection limit.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

type entry struct {
	db   *sql.DB
	lock sync.Mutex
}

// Pool caches one connection per database file.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// Key returns the cache key of a database path.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}

// Open returns the shared connection for path, opening it on first use.
// The database file is created if it does not exist.
func (p *Pool) Open(path string) (*sql.DB, error) {
	e, err := p.entry(path)
	if err != nil {
		return nil, err
	}
	return e.db, nil
}

// Lock serialises scripts against one database file. The returned function
// releases the lock.
func (p *Pool) Lock(path string) (func(), error) {
	e, err := p.entry(path)
	if err != nil {
		return nil, err
	}
	e.lock.Lock()
	return e.lock.Unlock, nil
}

func (p *Pool) entry(path string) (*entry, error) {
	key := Key(path)

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		return e, nil
	}

	db, err := sql.Open("sqlite3", key)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", key, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database %s: %w", key, err)
	}

	// One connection: SQLite has a single writer and scripts must not
	// interleave on the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database %s: %w", key, err)
	}

	e := &entry{db: db}
	p.entries[key] = e
	return e, nil
}

// Close closes every cached connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, e := range p.entries {
		if err := e.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close database %s: %w", key, err)
		}
		delete(p.entries, key)
	}
	return firstErr
}
