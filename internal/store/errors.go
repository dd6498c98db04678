package store

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidName is returned when a database or table name fails validation.
	ErrInvalidName = errors.New("invalid name")
	// ErrInvalidPayload is returned when a document is not valid UTF-8 text.
	ErrInvalidPayload = errors.New("payload is not valid UTF-8 text")
	// ErrMalformedJSON is returned, wrapped in an *Error, when SQLite rejects
	// the document. It is a storage-side rejection, not a client error.
	ErrMalformedJSON = errors.New("malformed JSON document")
)

// Op identifies the storage step that failed.
type Op string

// Storage steps, in the order a write performs them.
const (
	OpOpen      Op = "open"
	OpBegin     Op = "begin"
	OpProvision Op = "provision"
	OpInsert    Op = "insert"
	OpCommit    Op = "commit"
	OpInspect   Op = "inspect"
)

// Error is a storage failure with enough context to diagnose it without the payload.
type Error struct {
	Op       Op
	Database string
	Table    string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Database != "" && e.Table != "":
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Database, e.Table, e.Err)
	case e.Database != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Database, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err was caused by caller input rather than storage.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidName) || errors.Is(err, ErrInvalidPayload)
}

var errPoolClosed = errors.New("store pool is closed")
