package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/stale/internal/digest"
	"github.com/roach88/stale/internal/sqlitedb"
)

// sqliteAddress matches sqlite://<database-path>/<table>[?filters].
var sqliteAddress = regexp.MustCompile(`(?i)^sqlite://(.+)/([^/?]+)(\?.*)?$`)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type filter struct {
	column string
	value  string
}

// SQLite is a table, or a partition of a table restricted by equality
// filters, in a SQLite database file.
//
//	sqlite://data/app.db/users             whole table
//	sqlite://data/app.db/events?year=2024  rows with year = '2024'
type SQLite struct {
	address string
	dbPath  string
	table   string
	filters []filter // sorted by column
	pool    *sqlitedb.Pool
}

// NewSQLite parses a sqlite:// address.
func NewSQLite(address, baseDir string, pool *sqlitedb.Pool) (*SQLite, error) {
	m := sqliteAddress.FindStringSubmatch(address)
	if m == nil {
		return nil, Malformed(address, "malformed SQLite address")
	}
	dbPath := filepath.FromSlash(m[1])
	if !filepath.IsAbs(dbPath) && baseDir != "" {
		dbPath = filepath.Join(baseDir, dbPath)
	}
	table := m[2]
	if !identifier.MatchString(table) {
		return nil, Malformed(address, "invalid table name %q in SQLite address", table)
	}

	var filters []filter
	if m[3] != "" {
		var err error
		filters, err = parseFilters(address, m[3][1:])
		if err != nil {
			return nil, err
		}
	}

	return &SQLite{
		address: address,
		dbPath:  filepath.Clean(dbPath),
		table:   table,
		filters: filters,
		pool:    pool,
	}, nil
}

// parseFilters parses "col=value&col2=value2" strictly: every pair needs an
// "=", a column may appear once, and column names must be identifiers.
func parseFilters(address, query string) ([]filter, error) {
	if query == "" {
		return nil, Malformed(address, "empty filter in SQLite address")
	}
	seen := make(map[string]bool)
	var out []filter
	for _, pair := range strings.Split(query, "&") {
		col, value, ok := strings.Cut(pair, "=")
		if !ok || col == "" {
			return nil, Malformed(address, "malformed filter %q in SQLite address", pair)
		}
		if !identifier.MatchString(col) {
			return nil, Malformed(address, "invalid filter column %q in SQLite address", col)
		}
		if seen[col] {
			return nil, Malformed(address, "too many values for filter %q in SQLite address", col)
		}
		seen[col] = true
		out = append(out, filter{column: col, value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].column < out[j].column })
	return out, nil
}

func (r *SQLite) Address() string      { return r.address }
func (r *SQLite) Scheme() string       { return "sqlite" }
func (r *SQLite) DatabasePath() string { return r.dbPath }

// Table returns the table name.
func (r *SQLite) Table() string { return r.table }

// IsPartition reports whether the address carries filters.
func (r *SQLite) IsPartition() bool { return len(r.filters) > 0 }

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// where returns the WHERE clause (with leading space) and its arguments.
func (r *SQLite) where() (string, []any) {
	if len(r.filters) == 0 {
		return "", nil
	}
	conds := make([]string, len(r.filters))
	args := make([]any, len(r.filters))
	for i, f := range r.filters {
		conds[i] = quoteIdent(f.column) + " = ?"
		args[i] = f.value
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *SQLite) db() (*sql.DB, error) {
	db, err := r.pool.Open(r.dbPath)
	if err != nil {
		return nil, Unavailable(r.address, err)
	}
	return db, nil
}

// columns returns the column names of the table, or nil when there is no
// such table.
func (r *SQLite) columns(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", r.table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Exists checks the table and every filter column against the table's
// metadata, then probes the table with a zero-row SELECT. SQLite reads an
// unknown double-quoted column as a string literal, so a missing filter
// column must be caught before the probe. A driver error of class
// SQLITE_ERROR on the probe also means it does not exist.
func (r *SQLite) Exists(ctx context.Context) (bool, error) {
	if _, err := os.Stat(r.dbPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	db, err := r.db()
	if err != nil {
		return false, err
	}

	cols, err := r.columns(ctx, db)
	if err != nil {
		return false, Unavailable(r.address, err)
	}
	if len(cols) == 0 {
		return false, nil
	}
	for _, f := range r.filters {
		if !slices.ContainsFunc(cols, func(c string) bool { return strings.EqualFold(c, f.column) }) {
			return false, nil
		}
	}

	where, args := r.where()
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(r.table)+where+" LIMIT 0", args...)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrError {
			return false, nil
		}
		return false, Unavailable(r.address, err)
	}
	rows.Close()
	return true, nil
}

// Signature hashes column metadata then every row, ordered by all columns.
func (r *SQLite) Signature(ctx context.Context) (string, error) {
	ok, err := r.Exists(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("signature of %s: %w", r.address, ErrNotFound)
	}
	db, err := r.db()
	if err != nil {
		return "", err
	}

	d := digest.New(digest.DomainTable)

	meta, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(r.table)+")")
	if err != nil {
		return "", fmt.Errorf("signature of %s: %w", r.address, err)
	}
	d.WriteString("columns")
	columns, err := hashRows(d, meta)
	if err != nil {
		return "", fmt.Errorf("signature of %s: table metadata: %w", r.address, err)
	}
	// The metadata row count ends the metadata section.
	d.WriteString("rows")
	d.WriteString(strconv.Itoa(columns))

	order := make([]string, columns)
	for i := range order {
		order[i] = strconv.Itoa(i + 1)
	}
	where, args := r.where()
	query := "SELECT * FROM " + quoteIdent(r.table) + where
	if columns > 0 {
		query += " ORDER BY " + strings.Join(order, ", ")
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("signature of %s: %w", r.address, err)
	}
	if _, err := hashRows(d, rows); err != nil {
		return "", fmt.Errorf("signature of %s: rows: %w", r.address, err)
	}
	return d.Sum(), nil
}

// hashRows writes every field of every row, type-tagged, and returns the
// number of rows read. It closes rows.
func hashRows(d *digest.Hasher, rows *sql.Rows) (int, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return 0, err
		}
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				d.WriteString("null")
				d.WriteString("")
			case []byte:
				d.WriteString("bytes")
				d.Write(val)
			default:
				d.WriteString(fmt.Sprintf("%T", val))
				d.WriteString(fmt.Sprint(val))
			}
		}
		count++
	}
	return count, rows.Err()
}

// Remove drops the table, or deletes the partition's rows.
func (r *SQLite) Remove(ctx context.Context) error {
	ok, err := r.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("remove %s: %w", r.address, ErrNotFound)
	}
	db, err := r.db()
	if err != nil {
		return err
	}

	where, args := r.where()
	stmt := "DROP TABLE " + quoteIdent(r.table)
	if r.IsPartition() {
		stmt = "DELETE FROM " + quoteIdent(r.table) + where
	}
	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("remove %s: %w", r.address, err)
	}
	return nil
}
