package store

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLen bounds database and table names.
const MaxNameLen = 64

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// ValidateName checks a caller-supplied database or table name. Accepted names
// are safe both as a file name and as a quoted SQL identifier: no path
// separators, no dots, no quotes, bounded length.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s name", ErrInvalidName, kind)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %s name longer than %d bytes", ErrInvalidName, kind, MaxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %s name %q may only contain letters, digits, '_' and '-'", ErrInvalidName, kind, name)
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		return fmt.Errorf("%w: %s name %q uses the reserved sqlite_ prefix", ErrInvalidName, kind, name)
	}
	return nil
}

// quoteIdent quotes an already validated name for use in a statement.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
