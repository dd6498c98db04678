package store

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"simple", "shop", true},
		{"underscore and digits", "orders_2024", true},
		{"dash inside", "web-events", true},
		{"leading digit", "2024", true},
		{"max length", strings.Repeat("a", MaxNameLen), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", MaxNameLen+1), false},
		{"parent dir", "..", false},
		{"traversal", "../etc/passwd", false},
		{"slash", "a/b", false},
		{"backslash", `a\b`, false},
		{"dot", "a.b", false},
		{"leading dash", "-rf", false},
		{"space", "my table", false},
		{"quote", `x"; DROP TABLE y; --`, false},
		{"semicolon", "a;b", false},
		{"unicode", "tablé", false},
		{"reserved prefix", "sqlite_master", false},
		{"reserved prefix mixed case", "SQLite_seq", false},
		{"nul byte", "a\x00b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName("table", tt.input)
			if tt.ok && err != nil {
				t.Fatalf("ValidateName(%q) = %v, want nil", tt.input, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("ValidateName(%q) = nil, want error", tt.input)
				}
				if !errors.Is(err, ErrInvalidName) {
					t.Fatalf("ValidateName(%q) error %v does not wrap ErrInvalidName", tt.input, err)
				}
			}
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent("orders"); got != `"orders"` {
		t.Fatalf("quoteIdent = %s, want \"orders\"", got)
	}
	if got := quoteIdent(`a"b`); got != `"a""b"` {
		t.Fatalf("quoteIdent = %s, want \"a\"\"b\"", got)
	}
}
