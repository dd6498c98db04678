package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/theirongolddev/datareceiver/internal/store"
)

func newIngester(t *testing.T) *store.Ingester {
	t.Helper()
	pool := store.NewPool(store.PoolConfig{MaxOpen: 4})
	t.Cleanup(func() { _ = pool.Close() })
	return store.NewIngester(store.NewLocator(t.TempDir()), pool)
}

func writeNDJSON(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.ndjson")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func records(t *testing.T, ing *store.Ingester, database, table string) int64 {
	t.Helper()
	path, err := ing.Locator().Path(database)
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(context.Background(), database, path, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range stats {
		if st.Table == table {
			return st.Records
		}
	}
	return 0
}

func TestLoad_Files(t *testing.T) {
	ing := newIngester(t)
	a := writeNDJSON(t,
		`{"n":1}`,
		``,
		`{"n":2}`,
		`{'unquoted': true}`,
	)
	b := writeNDJSON(t,
		`[1,2,3]`,
		`   `,
		`"scalar"`,
	)

	var calls atomic.Int64
	res, err := Load(context.Background(), ing, "events", "imported",
		[]Input{FileInput(a), FileInput(b)},
		Options{Workers: 2, Progress: func(current, total int) {
			calls.Add(1)
			if total != 2 {
				t.Errorf("progress total = %d, want 2", total)
			}
		}},
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if res.Inputs != 2 {
		t.Errorf("Inputs = %d, want 2", res.Inputs)
	}
	if res.Lines != 5 {
		t.Errorf("Lines = %d, want 5", res.Lines)
	}
	if res.Written != 4 {
		t.Errorf("Written = %d, want 4", res.Written)
	}
	if res.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", res.Rejected)
	}
	if len(res.Errors) != 1 || res.Errors[0].Line != 4 || res.Errors[0].Input != a {
		t.Errorf("Errors = %v, want one error at %s:4", res.Errors, a)
	}
	if calls.Load() != 2 {
		t.Errorf("progress calls = %d, want 2", calls.Load())
	}
	if got := records(t, ing, "events", "imported"); got != 4 {
		t.Errorf("stored records = %d, want 4", got)
	}
}

func TestLoad_Reader(t *testing.T) {
	ing := newIngester(t)
	r := strings.NewReader("{\"a\":1}\n{\"a\":2}\n{\"a\":3}")

	res, err := Load(context.Background(), ing, "d", "t", []Input{ReaderInput("stdin", r)}, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Written != 3 {
		t.Errorf("Written = %d, want 3", res.Written)
	}
}

func TestLoad_InvalidUTF8Rejected(t *testing.T) {
	ing := newIngester(t)
	r := strings.NewReader("{\"ok\":true}\n\"\xff\xfe\"\n")

	res, err := Load(context.Background(), ing, "d", "t", []Input{ReaderInput("stdin", r)}, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Written != 1 || res.Rejected != 1 {
		t.Errorf("Written/Rejected = %d/%d, want 1/1", res.Written, res.Rejected)
	}
	if res.Failed != 0 {
		t.Errorf("Failed = %d, want 0", res.Failed)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	ing := newIngester(t)
	good := writeNDJSON(t, `{"x":1}`)

	res, err := Load(context.Background(), ing, "d", "t",
		[]Input{FileInput(filepath.Join(t.TempDir(), "nope.ndjson")), FileInput(good)}, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.InputErrors != 1 {
		t.Errorf("InputErrors = %d, want 1", res.InputErrors)
	}
	if res.Written != 1 {
		t.Errorf("Written = %d, want 1", res.Written)
	}
}

func TestLoad_InvalidName(t *testing.T) {
	ing := newIngester(t)
	_, err := Load(context.Background(), ing, "d", "sqlite_master", nil, Options{})
	if !errors.Is(err, store.ErrInvalidName) {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
}

func TestLoad_LineTooLong(t *testing.T) {
	ing := newIngester(t)
	long := `{"pad":"` + strings.Repeat("x", 128) + `"}`
	r := strings.NewReader("{\"a\":1}\n" + long + "\n")

	res, err := Load(context.Background(), ing, "d", "t", []Input{ReaderInput("stdin", r)}, Options{MaxLineBytes: 64})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Written != 1 {
		t.Errorf("Written = %d, want 1", res.Written)
	}
	if res.InputErrors != 1 {
		t.Errorf("InputErrors = %d, want 1", res.InputErrors)
	}
}

func TestLoad_Canceled(t *testing.T) {
	ing := newIngester(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Load(ctx, ing, "d", "t", []Input{ReaderInput("stdin", strings.NewReader(`{}`))}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
