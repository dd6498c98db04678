package server

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/goccy/go-json"

	"github.com/theirongolddev/datareceiver/internal/store"
)

// Error codes carried in the JSON error body.
const (
	CodeInvalidName     = "INVALID_NAME"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeRateLimited     = "RATE_LIMITED"
	CodeStorage         = "STORAGE_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeCanceled        = "CANCELED"
)

// statusClientClosed reports a request abandoned by its client. Nobody reads
// it; it keeps such requests out of the 5xx counts.
const statusClientClosed = 499

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps an ingest failure to its HTTP status, error code and metric
// kind. A driver error raised because ctx expired counts as a timeout, and a
// body read that hit the connection deadline does too.
func classify(ctx context.Context, err error) (status int, code, kind string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "too_large"
	case errors.Is(err, store.ErrInvalidName):
		return http.StatusBadRequest, CodeInvalidName, "invalid_name"
	case errors.Is(err, store.ErrInvalidPayload):
		return http.StatusBadRequest, CodeInvalidPayload, "invalid_payload"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeTimeout, "timeout"
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return statusClientClosed, CodeCanceled, "canceled"
	default:
		return http.StatusInternalServerError, CodeStorage, "storage"
	}
}

// publicMessage hides driver detail from clients; the full error is logged.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusServiceUnavailable:
		return "request timed out"
	case statusClientClosed:
		return "request canceled"
	case http.StatusInternalServerError:
		if errors.Is(err, store.ErrMalformedJSON) {
			return store.ErrMalformedJSON.Error()
		}
		return "storage failure"
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}
