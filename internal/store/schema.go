package store

import (
	"context"
	"fmt"
)

// createTableSQL defines the only table shape this service writes.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    data      TEXT NOT NULL
)`

// Column describes one column of an existing table.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	PK      bool
}

// EnsureTable creates table if it does not exist. An existing table is left
// untouched whatever its shape.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	if err := ValidateName("table", table); err != nil {
		return err
	}
	if err := ensureTable(ctx, s.db, table); err != nil {
		return s.wrap(OpProvision, table, err)
	}
	return nil
}

func ensureTable(ctx context.Context, db execQuerier, table string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(createTableSQL, quoteIdent(table)))
	return err
}

// Tables lists the user tables of the store, sorted by name.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, s.wrap(OpInspect, "", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, s.wrap(OpInspect, "", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(OpInspect, "", err)
	}
	return tables, nil
}

// TableShape returns the columns of table in declaration order, or nil if the
// table does not exist.
func (s *Store) TableShape(ctx context.Context, table string) ([]Column, error) {
	if err := ValidateName("table", table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, s.wrap(OpInspect, table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []Column
	for rows.Next() {
		var (
			cid     int
			c       Column
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, s.wrap(OpInspect, table, err)
		}
		c.NotNull = notNull != 0
		c.PK = pk != 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(OpInspect, table, err)
	}
	return cols, nil
}

// TableStats summarizes the records of one table.
type TableStats struct {
	Table         string
	Records       int64
	LastTimestamp string
}

// Stats returns record counts for every table of the store.
func (s *Store) Stats(ctx context.Context) ([]TableStats, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]TableStats, 0, len(tables))
	for _, t := range tables {
		ts := TableStats{Table: t}
		// Tables created outside this service may lack a timestamp column.
		q := fmt.Sprintf("SELECT COUNT(*), COALESCE(MAX(timestamp), '') FROM %s", quoteIdent(t))
		if err := s.db.QueryRowContext(ctx, q).Scan(&ts.Records, &ts.LastTimestamp); err != nil {
			q = fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(t))
			if err := s.db.QueryRowContext(ctx, q).Scan(&ts.Records); err != nil {
				return nil, s.wrap(OpInspect, t, err)
			}
		}
		stats = append(stats, ts)
	}
	return stats, nil
}

// Count returns the number of records in table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if err := ValidateName("table", table); err != nil {
		return 0, err
	}
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, s.wrap(OpInspect, table, err)
	}
	return n, nil
}
