package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/theirongolddev/datareceiver/internal/ratelimit"
)

var pong, _ = json.Marshal(map[string]string{"ping": "pong"})

func (s *Service) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(pong)
}

func (s *Service) handlePut(w http.ResponseWriter, r *http.Request) {
	database := r.PathValue("database")
	table := r.PathValue("table")

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	// The body read shares the request deadline. Recorders used in tests do
	// not support deadlines; the context still bounds storage there.
	if deadline, ok := ctx.Deadline(); ok {
		_ = http.NewResponseController(w).SetReadDeadline(deadline)
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.fail(ctx, w, database, table, err)
		return
	}

	rec, err := s.ing.Ingest(ctx, database, table, payload)
	if err != nil {
		s.fail(ctx, w, database, table, err)
		return
	}

	s.metrics.RecordWritten()
	if s.log.Enabled(ctx, slog.LevelDebug) {
		s.log.DebugContext(ctx, "stored document",
			"request_id", RequestID(ctx),
			"database", database,
			"table", table,
			"id", rec.ID,
			"data", rec.Data,
		)
	}
	w.Header().Set("X-Record-Id", strconv.FormatInt(rec.ID, 10))
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) fail(ctx context.Context, w http.ResponseWriter, database, table string, err error) {
	status, code, kind := classify(ctx, err)
	s.metrics.WriteFailed(kind)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.log.Log(ctx, level, "write failed",
		"request_id", RequestID(ctx),
		"database", database,
		"table", table,
		"status", status,
		"err", err,
	)
	writeError(w, status, code, publicMessage(status, err))
}

func (s *Service) rejectRateLimited(w http.ResponseWriter, r *http.Request, res ratelimit.Result) {
	s.metrics.WriteFailed("rate_limited")
	s.log.WarnContext(r.Context(), "rate limited",
		"client", ratelimit.ClientIP(r),
		"retry_after", res.RetryAfter,
	)
	writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
}
