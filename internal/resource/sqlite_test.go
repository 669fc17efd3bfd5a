package resource

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stale/internal/sqlitedb"
)

func newTestDB(t *testing.T) (string, *sqlitedb.Pool) {
	t.Helper()
	dir := t.TempDir()
	pool := sqlitedb.NewPool()
	t.Cleanup(func() { pool.Close() })

	db, err := pool.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE events (year TEXT, name TEXT, weight REAL, payload BLOB);
		INSERT INTO events VALUES ('2023', 'a', 1.5, x'00ff');
		INSERT INTO events VALUES ('2024', 'b', NULL, NULL);
		INSERT INTO events VALUES ('2024', 'c', 2, NULL);
	`)
	require.NoError(t, err)
	return dir, pool
}

func TestNewSQLite_ParsesAddress(t *testing.T) {
	r, err := NewSQLite("sqlite://data/app.db/events?year=2024", "/proj", nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/proj", "data", "app.db"), r.DatabasePath())
	assert.Equal(t, "events", r.Table())
	assert.True(t, r.IsPartition())
	assert.Equal(t, "sqlite", r.Scheme())
}

func TestNewSQLite_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		address string
	}{
		{"no table", "sqlite://app.db"},
		{"bad table", "sqlite://app.db/ev-ents"},
		{"filter without value", "sqlite://app.db/events?year"},
		{"repeated filter", "sqlite://app.db/events?year=1&year=2"},
		{"empty filter", "sqlite://app.db/events?"},
		{"bad column", "sqlite://app.db/events?ye ar=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSQLite(tt.address, "", nil)
			require.Error(t, err)
			assert.True(t, IsMalformedAddress(err), "got %v", err)
			assert.Contains(t, err.Error(), "'"+tt.address+"'")
		})
	}
}

func TestSQLite_Exists(t *testing.T) {
	ctx := context.Background()
	dir, pool := newTestDB(t)

	tests := []struct {
		address string
		want    bool
	}{
		{"sqlite://app.db/events", true},
		{"sqlite://app.db/events?year=2030", true},
		{"sqlite://app.db/missing", false},
		{"sqlite://app.db/events?nocolumn=1", false},
		{"sqlite://app.db/events?year=2024&nocolumn=1", false},
		{"sqlite://app.db/events?YEAR=2024", true},
		{"sqlite://other.db/events", false},
	}
	for _, tt := range tests {
		r, err := NewSQLite(tt.address, dir, pool)
		require.NoError(t, err)
		got, err := r.Exists(ctx)
		require.NoError(t, err, tt.address)
		assert.Equal(t, tt.want, got, tt.address)
	}
}

func TestSQLite_Signature(t *testing.T) {
	ctx := context.Background()
	dir, pool := newTestDB(t)

	table, err := NewSQLite("sqlite://app.db/events", dir, pool)
	require.NoError(t, err)
	part, err := NewSQLite("sqlite://app.db/events?year=2024", dir, pool)
	require.NoError(t, err)

	tableSig, err := table.Signature(ctx)
	require.NoError(t, err)
	partSig, err := part.Signature(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tableSig, partSig)

	again, err := table.Signature(ctx)
	require.NoError(t, err)
	assert.Equal(t, tableSig, again)

	db, err := pool.Open(table.DatabasePath())
	require.NoError(t, err)

	// A row outside the partition changes the table but not the partition.
	_, err = db.Exec(`INSERT INTO events VALUES ('2022', 'z', NULL, NULL)`)
	require.NoError(t, err)

	tableSig2, err := table.Signature(ctx)
	require.NoError(t, err)
	partSig2, err := part.Signature(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tableSig, tableSig2)
	assert.Equal(t, partSig, partSig2)

	_, err = db.Exec(`UPDATE events SET weight = 0 WHERE name = 'b'`)
	require.NoError(t, err)
	partSig3, err := part.Signature(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, partSig2, partSig3)

	missing, err := NewSQLite("sqlite://app.db/missing", dir, pool)
	require.NoError(t, err)
	_, err = missing.Signature(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Remove(t *testing.T) {
	ctx := context.Background()
	dir, pool := newTestDB(t)

	part, err := NewSQLite("sqlite://app.db/events?year=2024", dir, pool)
	require.NoError(t, err)
	require.NoError(t, part.Remove(ctx))

	db, err := pool.Open(part.DatabasePath())
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Equal(t, 1, n, "only the partition's rows are deleted")

	table, err := NewSQLite("sqlite://app.db/events", dir, pool)
	require.NoError(t, err)
	require.NoError(t, table.Remove(ctx))

	ok, err := table.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = table.Remove(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_MissingFilterColumnIsNotFound(t *testing.T) {
	ctx := context.Background()
	dir, pool := newTestDB(t)

	r, err := NewSQLite("sqlite://app.db/events?nocolumn=2024", dir, pool)
	require.NoError(t, err)

	_, err = r.Signature(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = r.Remove(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	db, err := pool.Open(r.DatabasePath())
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestSQLite_SignatureCoversSchema(t *testing.T) {
	ctx := context.Background()
	dir, pool := newTestDB(t)

	db, err := pool.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE a (x TEXT);
		CREATE TABLE b (x INTEGER);
	`)
	require.NoError(t, err)

	sig := func(table string) string {
		t.Helper()
		r, err := NewSQLite("sqlite://app.db/"+table, dir, pool)
		require.NoError(t, err)
		s, err := r.Signature(ctx)
		require.NoError(t, err)
		return s
	}

	emptyA := sig("a")
	assert.NotEqual(t, emptyA, sig("b"), "same column, other type")

	_, err = db.Exec(`INSERT INTO a VALUES ('1')`)
	require.NoError(t, err)
	assert.NotEqual(t, emptyA, sig("a"))
}
