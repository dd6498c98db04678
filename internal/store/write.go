package store

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// TimeFormat is how record timestamps are stored.
const TimeFormat = time.RFC3339Nano

// Record is one stored document.
type Record struct {
	ID        int64
	Timestamp time.Time
	// Data is the document as normalized by SQLite's json() function.
	Data string
}

// WriteRecord inserts payload into an existing table. JSON well-formedness is
// checked by SQLite at insert time and reported as ErrMalformedJSON.
func (s *Store) WriteRecord(ctx context.Context, table string, payload []byte, ts time.Time) (int64, error) {
	if err := ValidateName("table", table); err != nil {
		return 0, err
	}
	if err := validatePayload(payload); err != nil {
		return 0, err
	}
	rec, err := insertRecord(ctx, s.db, table, payload, ts)
	if err != nil {
		return 0, s.wrap(OpInsert, table, err)
	}
	return rec.ID, nil
}

func validatePayload(payload []byte) error {
	if !utf8.Valid(payload) {
		return ErrInvalidPayload
	}
	return nil
}

func insertRecord(ctx context.Context, db execQuerier, table string, payload []byte, ts time.Time) (Record, error) {
	// json() alone accepts JSON5; json_valid() with its default flags only
	// accepts RFC 8259 text.
	var valid int
	if err := db.QueryRowContext(ctx, `SELECT json_valid(?)`, string(payload)).Scan(&valid); err != nil {
		return Record{}, err
	}
	if valid != 1 {
		return Record{}, ErrMalformedJSON
	}

	q := fmt.Sprintf(`INSERT INTO %s (timestamp, data) VALUES (?, json(?)) RETURNING id, data`, quoteIdent(table))

	rec := Record{Timestamp: ts.UTC()}
	err := db.QueryRowContext(ctx, q, rec.Timestamp.Format(TimeFormat), string(payload)).Scan(&rec.ID, &rec.Data)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
