package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/datareceiver/internal/metrics"
	"github.com/theirongolddev/datareceiver/internal/ratelimit"
	"github.com/theirongolddev/datareceiver/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc *Service
	ing *store.Ingester
	reg *metrics.Registry
}

func newFixture(t *testing.T, dir string, cfg Config) fixture {
	t.Helper()
	reg := metrics.New()
	pool := store.NewPool(store.PoolConfig{MaxOpen: 8, OnCount: reg.SetOpenStores})
	t.Cleanup(func() { _ = pool.Close() })
	ing := store.NewIngester(store.NewLocator(dir), pool)
	return fixture{svc: New(cfg, ing, reg, quietLogger()), ing: ing, reg: reg}
}

func (f fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(rec, req)
	return rec
}

func (f fixture) rowCount(t *testing.T, database, table string) int64 {
	t.Helper()
	path, err := f.ing.Locator().Path(database)
	require.NoError(t, err)
	s, err := store.Open(context.Background(), database, path, store.Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	for _, st := range stats {
		if st.Table == table {
			return st.Records
		}
	}
	return -1
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestPing(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "missing"), Config{})

	rec := f.do(http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"ping":"pong"}`, rec.Body.String())
}

func TestPing_NotRateLimited(t *testing.T) {
	lim := ratelimit.NewLimiter(60, 1)
	t.Cleanup(lim.Close)
	f := newFixture(t, t.TempDir(), Config{Limiter: lim})

	for i := range 5 {
		rec := f.do(http.MethodGet, "/ping", nil)
		require.Equal(t, http.StatusOK, rec.Code, "ping %d", i)
		assert.Equal(t, `{"ping":"pong"}`, rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", nil).Code)

	require.Equal(t, http.StatusCreated, f.do(http.MethodPut, "/d/t", []byte(`{}`)).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPut, "/d/t", []byte(`{}`)).Code)

	body := f.do(http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, body, `datareceiver_write_errors_total{kind="rate_limited"} 1`)
}

func TestPut_Created(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{})

	rec := f.do(http.MethodPut, "/events/clicks", []byte(`{"x":1}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Record-Id"))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	assert.EqualValues(t, 1, f.rowCount(t, "events", "clicks"))

	rec = f.do(http.MethodPut, "/events/clicks", []byte(`{"x":2}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-Record-Id"))
	assert.EqualValues(t, 2, f.rowCount(t, "events", "clicks"))
}

func TestPut_InvalidUTF8(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{})
	require.Equal(t, http.StatusCreated, f.do(http.MethodPut, "/d/t", []byte(`{}`)).Code)

	rec := f.do(http.MethodPut, "/d/t", []byte{0xff, 0xfe, 0xfd})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidPayload, decodeError(t, rec).Code)
	assert.EqualValues(t, 1, f.rowCount(t, "d", "t"))
}

func TestPut_MalformedJSON(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{})

	rec := f.do(http.MethodPut, "/d/t", []byte(`{'unquoted': true}`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, CodeStorage, detail.Code)
	assert.Equal(t, store.ErrMalformedJSON.Error(), detail.Message)
	assert.EqualValues(t, -1, f.rowCount(t, "d", "t"), "failed write must not provision the table")
}

func TestPut_InvalidName(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{})

	for _, target := range []string{"/sqlite_master/t", "/d/sqlite_sequence", "/bad.name/t", "/d/has%20space"} {
		rec := f.do(http.MethodPut, target, []byte(`{}`))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, CodeInvalidName, decodeError(t, rec).Code, target)
	}
	names, err := f.ing.Locator().List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPut_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{})

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		rec := f.do(method, "/d/t", []byte(`{}`))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPut, "/ping", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/a/b/c", nil).Code)
}

func TestPut_TooLarge(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{MaxBodyBytes: 8})

	rec := f.do(http.MethodPut, "/d/t", []byte(`{"too":"large"}`))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, CodePayloadTooLarge, decodeError(t, rec).Code)
}

func TestPut_RateLimited(t *testing.T) {
	lim := ratelimit.NewLimiter(60, 1)
	t.Cleanup(lim.Close)
	f := newFixture(t, t.TempDir(), Config{Limiter: lim})

	require.Equal(t, http.StatusCreated, f.do(http.MethodPut, "/d/t", []byte(`{}`)).Code)

	rec := f.do(http.MethodPut, "/d/t", []byte(`{}`))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 1, f.rowCount(t, "d", "t"))
}

type blockingIngest struct{}

func (blockingIngest) Ingest(ctx context.Context, _, _ string, _ []byte) (store.Record, error) {
	<-ctx.Done()
	return store.Record{}, ctx.Err()
}

func TestPut_Timeout(t *testing.T) {
	svc := New(Config{RequestTimeout: 20 * time.Millisecond}, blockingIngest{}, nil, quietLogger())

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/d/t", bytes.NewReader([]byte(`{}`))))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodeTimeout, decodeError(t, rec).Code)
}

func TestPut_Concurrent(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{})
	const n = 24

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := f.do(http.MethodPut, "/d/t", []byte(`{"i":`+strconv.Itoa(i)+`}`))
			assert.Equal(t, http.StatusCreated, rec.Code)
			mu.Lock()
			ids[rec.Header().Get("X-Record-Id")] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, n)
	assert.EqualValues(t, n, f.rowCount(t, "d", "t"))
}

func TestPut_SlowBodyTimesOut(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{RequestTimeout: 100 * time.Millisecond})
	ts := httptest.NewServer(f.svc.Handler())
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// Promise a body that never fully arrives.
	start := time.Now()
	_, err = io.WriteString(conn, "PUT /d/t HTTP/1.1\r\nHost: test\r\nContent-Length: 64\r\n\r\n{\"slow\":")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	elapsed := time.Since(start)

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Less(t, elapsed, 2*time.Second)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, CodeTimeout, body.Error.Code)
	assert.Equal(t, "request timed out", body.Error.Message)

	names, err := f.ing.Locator().List()
	require.NoError(t, err)
	assert.Empty(t, names, "nothing may be written for an unfinished body")
}

func TestRequestID_Honored(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{})
	const id = "0b9a3f1e-2c4d-4e5f-8a6b-7c8d9e0f1a2b"

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, id)
	rec := httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get(HeaderRequestID))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "not-a-uuid")
	rec = httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(HeaderRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{})
	require.Equal(t, http.StatusCreated, f.do(http.MethodPut, "/d/t", []byte(`{}`)).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/d/t", []byte{0xff}).Code)

	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "datareceiver_records_written_total 1")
	assert.Contains(t, body, `datareceiver_write_errors_total{kind="invalid_payload"} 1`)
	assert.Contains(t, body, `route="/{database}/{table}"`)
	assert.Contains(t, body, "datareceiver_open_stores 1")
}

func TestServe_Shutdown(t *testing.T) {
	f := newFixture(t, t.TempDir(), Config{ShutdownTimeout: time.Second})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	req, err := http.NewRequest(http.MethodPut, url+"/d/t", bytes.NewReader([]byte(`{"live":true}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRun_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	svc := New(Config{Addr: ln.Addr().String()}, blockingIngest{}, nil, quietLogger())
	err = svc.Run(context.Background())
	require.Error(t, err)
}
