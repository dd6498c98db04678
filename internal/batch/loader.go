// Package batch streams newline-delimited JSON into stores through the same
// ingestion path the HTTP server uses.
package batch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/theirongolddev/datareceiver/internal/store"
)

// DefaultMaxLineBytes matches the server's default request body limit.
const DefaultMaxLineBytes = 16 << 20

// maxKeptErrors bounds the line errors retained in a Result.
const maxKeptErrors = 20

// Ingest stores one document.
type Ingest interface {
	Ingest(ctx context.Context, database, table string, payload []byte) (store.Record, error)
}

// Input is one NDJSON stream.
type Input struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileInput reads from the file at path.
func FileInput(path string) Input {
	return Input{
		Name: path,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// ReaderInput reads from r, which is not closed.
func ReaderInput(name string, r io.Reader) Input {
	return Input{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}
}

// ProgressFunc is called after each input finishes.
// current is the number of inputs processed so far, total is the input count.
type ProgressFunc func(current, total int)

// Options controls a Load run.
type Options struct {
	Workers      int
	MaxLineBytes int
	Progress     ProgressFunc
}

// LineError describes a document that was not stored.
type LineError struct {
	Input string
	Line  int
	Err   error
}

func (e LineError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %v", e.Input, e.Err)
	}
	return fmt.Sprintf("%s:%d: %v", e.Input, e.Line, e.Err)
}

// Result summarizes a Load run.
type Result struct {
	Inputs      int
	InputErrors int
	Lines       int
	Written     int
	Rejected    int
	Failed      int
	// Errors holds the first few line and input errors.
	Errors []LineError
}

type inputResult struct {
	lines, written, rejected, failed int
	errs                             []LineError
	err                              error
}

// Load writes every non-blank line of inputs to database/table. Inputs are
// processed by a bounded worker pool; lines within one input keep their order.
// Lines that are not valid JSON are rejected before reaching storage.
func Load(ctx context.Context, ing Ingest, database, table string, inputs []Input, opts Options) (*Result, error) {
	if err := store.ValidateName("database", database); err != nil {
		return nil, err
	}
	if err := store.ValidateName("table", table); err != nil {
		return nil, err
	}

	result := &Result{Inputs: len(inputs)}
	if len(inputs) == 0 {
		return result, nil
	}

	maxLine := opts.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}

	numWorkers := opts.Workers
	if numWorkers < 1 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if numWorkers > len(inputs) {
		numWorkers = len(inputs)
	}

	work := make(chan int, len(inputs))
	results := make([]inputResult, len(inputs))
	var wg sync.WaitGroup
	var processed atomic.Int64

	for i := range inputs {
		work <- i
	}
	close(work)

	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for idx := range work {
				if ctx.Err() != nil {
					results[idx].err = ctx.Err()
					continue
				}
				results[idx] = loadInput(ctx, ing, database, table, inputs[idx], maxLine)
				n := processed.Add(1)
				if opts.Progress != nil {
					opts.Progress(int(n), len(inputs))
				}
			}
		}()
	}

	wg.Wait()

	for i, ir := range results {
		result.Lines += ir.lines
		result.Written += ir.written
		result.Rejected += ir.rejected
		result.Failed += ir.failed
		result.keep(ir.errs...)
		if ir.err != nil {
			result.InputErrors++
			result.keep(LineError{Input: inputs[i].Name, Err: ir.err})
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (r *Result) keep(errs ...LineError) {
	for _, e := range errs {
		if len(r.Errors) >= maxKeptErrors {
			return
		}
		r.Errors = append(r.Errors, e)
	}
}

func loadInput(ctx context.Context, ing Ingest, database, table string, in Input, maxLine int) inputResult {
	var res inputResult

	rc, err := in.Open()
	if err != nil {
		res.err = err
		return res
	}
	defer func() { _ = rc.Close() }()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, min(256*1024, maxLine)), maxLine)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		res.lines++

		if !json.Valid(line) {
			res.rejected++
			res.errs = appendCapped(res.errs, LineError{Input: in.Name, Line: lineNo, Err: store.ErrMalformedJSON})
			continue
		}

		if _, err := ing.Ingest(ctx, database, table, line); err != nil {
			if ctx.Err() != nil {
				res.err = ctx.Err()
				return res
			}
			if store.IsClientError(err) || errors.Is(err, store.ErrMalformedJSON) {
				res.rejected++
			} else {
				res.failed++
			}
			res.errs = appendCapped(res.errs, LineError{Input: in.Name, Line: lineNo, Err: err})
			continue
		}
		res.written++
	}
	if err := scanner.Err(); err != nil {
		res.err = fmt.Errorf("line %d: %w", lineNo+1, err)
	}
	return res
}

func appendCapped(errs []LineError, e LineError) []LineError {
	if len(errs) >= maxKeptErrors {
		return errs
	}
	return append(errs, e)
}
