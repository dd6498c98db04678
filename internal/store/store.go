// Package store provides the SQLite-backed document stores: one file per
// database name, one lazily created table per table name.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

// DefaultBusyTimeout is how long a connection waits on a locked store file.
const DefaultBusyTimeout = 5 * time.Second

// Options tune how store files are opened.
type Options struct {
	BusyTimeout time.Duration
}

func (o Options) dsn(path string) string {
	bt := o.BusyTimeout
	if bt <= 0 {
		bt = DefaultBusyTimeout
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate",
		path, bt.Milliseconds())
}

// Store is an open handle to one store file.
type Store struct {
	name string
	path string
	db   *sql.DB
}

// Open opens or creates the store file at path. The parent directory must
// already exist.
func Open(ctx context.Context, name, path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", opts.dsn(path))
	if err != nil {
		return nil, &Error{Op: OpOpen, Database: name, Err: err}
	}

	// Writers to one file are serialized here; SQLite's own locking covers
	// other processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// sql.Open is lazy; the ping creates the file.
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &Error{Op: OpOpen, Database: name, Err: err}
	}

	return &Store{name: name, path: path, db: db}, nil
}

// Name returns the database name the store was opened for.
func (s *Store) Name() string {
	return s.name
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the store handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append provisions table if needed and inserts payload as a new record, in
// one transaction. A failed insert therefore never leaves a freshly created
// table behind.
func (s *Store) Append(ctx context.Context, table string, payload []byte, ts time.Time) (Record, error) {
	if err := ValidateName("table", table); err != nil {
		return Record{}, err
	}
	if err := validatePayload(payload); err != nil {
		return Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, s.wrap(OpBegin, table, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureTable(ctx, tx, table); err != nil {
		return Record{}, s.wrap(OpProvision, table, err)
	}

	rec, err := insertRecord(ctx, tx, table, payload, ts)
	if err != nil {
		return Record{}, s.wrap(OpInsert, table, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, s.wrap(OpCommit, table, err)
	}
	return rec, nil
}

func (s *Store) wrap(op Op, table string, err error) error {
	return &Error{Op: op, Database: s.name, Table: table, Err: err}
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
