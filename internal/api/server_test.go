package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/linkguard/internal/cache"
	"github.com/JakeFAU/linkguard/internal/config"
	"github.com/JakeFAU/linkguard/internal/linkcheck"
	"github.com/JakeFAU/linkguard/internal/reporter"
	"github.com/JakeFAU/linkguard/internal/storage/memory"
)

type fakeChecker struct {
	mu     sync.Mutex
	calls  [][]string
	limits []int
	panics bool
}

func (f *fakeChecker) ClassifyAll(_ context.Context, urls []string, limit int) []linkcheck.Classification {
	if f.panics {
		panic("checker exploded")
	}
	f.mu.Lock()
	f.calls = append(f.calls, urls)
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	out := make([]linkcheck.Classification, len(urls))
	for i, u := range urls {
		outcome := linkcheck.OutcomeOK
		if strings.Contains(u, "slot") {
			outcome = linkcheck.OutcomeGuard
		}
		out[i] = linkcheck.Classification{URL: u, Outcome: outcome, Note: "fake"}
	}
	return out
}

type fakeCycler struct {
	report reporter.CycleReport
	err    error
	last   *reporter.CycleReport
	during func()
	ctxErr chan error
}

func (f *fakeCycler) RunCycle(ctx context.Context) (reporter.CycleReport, error) {
	if f.during != nil {
		f.during()
	}
	if f.ctxErr != nil {
		f.ctxErr <- ctx.Err()
	}
	return f.report, f.err
}

func (f *fakeCycler) LastReport() (reporter.CycleReport, bool) {
	if f.last == nil {
		return reporter.CycleReport{}, false
	}
	return *f.last, true
}

type testServer struct {
	server  *Server
	checker *fakeChecker
	cycler  *fakeCycler
	store   *memory.WatchStore
	cache   *cache.Cache
}

func newTestServer(cfg config.Config) *testServer {
	ts := &testServer{
		checker: &fakeChecker{},
		cycler:  &fakeCycler{},
		store:   memory.NewWatchStore(),
		cache:   cache.New(time.Minute),
	}
	ts.server = NewServer(Deps{
		Checker:       ts.checker,
		Cycler:        ts.cycler,
		Subscriptions: ts.store,
		Cache:         ts.cache,
	}, cfg, zap.NewNop())
	return ts
}

func (ts *testServer) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Check_JSON(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})
	rec := ts.do(http.MethodPost, "/v1/check", "application/json",
		`{"urls":["https://a.example","https://slot.example","https://a.example",""],"concurrency":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	require.Equal(t, 2, resp.Summary.Checked)
	require.Equal(t, 1, resp.Summary.Flagged)
	require.Equal(t, 1, resp.Summary.Counts[linkcheck.OutcomeGuard])
	require.Equal(t, []int{3}, ts.checker.limits)
}

func TestServer_Check_PlainText(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})
	rec := ts.do(http.MethodPost, "/v1/check", "text/plain; charset=utf-8",
		"https://a.example\r\n\n  https://b.example  \n")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, [][]string{{"https://a.example", "https://b.example"}}, ts.checker.calls)
}

func TestServer_Check_BadRequests(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})

	rec := ts.do(http.MethodPost, "/v1/check", "application/json", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")

	rec = ts.do(http.MethodPost, "/v1/check", "application/json", `{"urls":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "urls required")
	require.Empty(t, ts.checker.calls)
}

func TestServer_SubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})

	rec := ts.do(http.MethodPut, "/v1/subscriptions/ops", "", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(http.MethodPut, "/v1/subscriptions/ops", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/subscriptions/ops/links", "text/plain", "https://b.example\nhttps://a.example\n")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"destination":"ops","added":2}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/v1/subscriptions/ops/links", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"destination":"ops","links":["https://a.example","https://b.example"]}`, rec.Body.String())

	rec = ts.do(http.MethodDelete, "/v1/subscriptions/ops/links", "application/json", `{"urls":["https://a.example"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"destination":"ops","removed":1}`, rec.Body.String())

	rec = ts.do(http.MethodDelete, "/v1/subscriptions/ops", "", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(http.MethodDelete, "/v1/subscriptions/ops", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/subscriptions/ops/links", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(http.MethodPost, "/v1/subscriptions/ops/links", "text/plain", "https://a.example")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RunCycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})
	ts.cycler.report = reporter.CycleReport{ID: "cycle-1", Checked: 3, Flagged: 1}

	rec := ts.do(http.MethodPost, "/v1/cycles", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"cycle-1"`)

	ts.cycler.err = reporter.ErrCycleInProgress
	rec = ts.do(http.MethodPost, "/v1/cycles", "", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_RunCycleOutlivesRequest(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts.cycler.during = cancel
	ts.cycler.ctxErr = make(chan error, 1)

	req := httptest.NewRequest(http.MethodPost, "/v1/cycles", nil).WithContext(ctx)
	ts.server.Handler().ServeHTTP(httptest.NewRecorder(), req)

	select {
	case err := <-ts.cycler.ctxErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cycle was not started")
	}
}

func TestServer_WriteJSONFailureUsesServerLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	server := NewServer(Deps{}, config.Config{}, zap.New(core))
	server.writeJSON(httptest.NewRecorder(), http.StatusOK, map[string]any{"bad": func() {}})

	entries := logs.FilterMessage("write JSON failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "api", entries[0].LoggerName)
}

func TestServer_StatusRoutes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})

	rec := ts.do(http.MethodGet, "/v1/cycles/last", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	ts.cycler.last = &reporter.CycleReport{ID: "cycle-9", OK: 4}
	rec = ts.do(http.MethodGet, "/v1/cycles/last", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"cycle-9"`)

	ts.cache.Store("https://a.example", linkcheck.Classification{URL: "https://a.example", Outcome: linkcheck.OutcomeOK})
	rec = ts.do(http.MethodGet, "/v1/cache/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"size":1`)
}

func TestServer_HealthReadyMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})

	rec := ts.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_ReadyzWithoutEngine(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{}, config.Config{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RequestIDAndRecover(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})
	ts.checker.panics = true

	req := httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader("https://a.example"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = ts.do(http.MethodGet, "/healthz", "", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	ts := newTestServer(config.Config{})
	req := httptest.NewRequest(http.MethodOptions, "/v1/check", nil)
	req.Header.Set("Origin", "https://console.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
