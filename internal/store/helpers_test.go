package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestIngester(t *testing.T, maxOpen int) (*Ingester, *Pool) {
	t.Helper()
	pool := NewPool(PoolConfig{MaxOpen: maxOpen})
	t.Cleanup(func() { _ = pool.Close() })
	return NewIngester(NewLocator(t.TempDir()), pool), pool
}

// openForInspection opens a separate handle so assertions never depend on the
// pool under test.
func openForInspection(t *testing.T, ing *Ingester, database string) *Store {
	t.Helper()
	path, err := ing.Locator().Path(database)
	require.NoError(t, err)
	s, err := Open(context.Background(), database, path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&n)
	require.NoError(t, err)
	return n
}

type storedRow struct {
	ID        int64
	Timestamp time.Time
	Data      string
}

func readRows(t *testing.T, s *Store, table string) []storedRow {
	t.Helper()
	rows, err := s.db.Query(fmt.Sprintf("SELECT id, timestamp, data FROM %s ORDER BY id", quoteIdent(table)))
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var out []storedRow
	for rows.Next() {
		var (
			r  storedRow
			ts string
		)
		require.NoError(t, rows.Scan(&r.ID, &ts, &r.Data))
		r.Timestamp, err = time.Parse(TimeFormat, ts)
		require.NoError(t, err)
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}
