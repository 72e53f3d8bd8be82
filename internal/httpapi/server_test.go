package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/warehouse-query-cache/pkg/gateway"
	"github.com/Sternrassler/warehouse-query-cache/pkg/scoring"
	"github.com/Sternrassler/warehouse-query-cache/pkg/strategy"
	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

type fakeQueries struct {
	resp    *gateway.Response
	err     error
	panics  bool
	lastReq gateway.Request
	lastID  string
}

func (f *fakeQueries) Handle(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	if f.panics {
		panic("handler exploded")
	}
	f.lastReq = req
	f.lastID = gateway.RequestIDFromContext(ctx)
	return f.resp, f.err
}

type fakeFeed struct {
	candidates []scoring.Candidate
	err        error
	lastLimit  int
}

func (f *fakeFeed) Candidates(ctx context.Context, limit int) ([]scoring.Candidate, error) {
	f.lastLimit = limit
	return f.candidates, f.err
}

func newTestServer(q *fakeQueries, feed *fakeFeed, health HealthCheck) http.Handler {
	return NewServer(q, feed, health, zerolog.Nop()).Router()
}

func doRequest(h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQuery_Miss(t *testing.T) {
	q := &fakeQueries{resp: &gateway.Response{
		Rows:        []warehouse.Row{{"count": float64(5)}},
		Status:      gateway.StatusMiss,
		Strategy:    strategy.Static,
		Fingerprint: "abc123",
		RowCount:    1,
		Duration:    1500 * time.Millisecond,
	}}
	h := newTestServer(q, &fakeFeed{}, nil)

	rec := doRequest(h, http.MethodPost, "/v1/query", `{"sql":"SELECT COUNT(*) FROM orders","userId":"u1","forceDynamic":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache-Status"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, gateway.Request{SQL: "SELECT COUNT(*) FROM orders", UserID: "u1", ForceDynamic: true}, q.lastReq)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), q.lastID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "MISS", body["cacheStatus"])
	assert.Equal(t, "static", body["strategy"])
	assert.Equal(t, "abc123", body["fingerprint"])
	assert.Equal(t, false, body["persistent"])
	assert.Equal(t, float64(1), body["rowCount"])
	assert.Equal(t, float64(1500), body["durationMs"])
	assert.Len(t, body["rows"], 1)
}

func TestQuery_HitOmitsExecutionFields(t *testing.T) {
	q := &fakeQueries{resp: &gateway.Response{
		Rows:        []warehouse.Row{},
		Status:      gateway.StatusHitRevalidating,
		Strategy:    strategy.Static,
		Fingerprint: "abc123",
		Persistent:  true,
	}}
	h := newTestServer(q, &fakeFeed{}, nil)

	rec := doRequest(h, http.MethodPost, "/v1/query", `{"sql":"select 1"}`, RequestIDHeader, "client-supplied")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "client-supplied", rec.Header().Get(RequestIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "HIT-REVALIDATING", body["cacheStatus"])
	assert.Equal(t, true, body["persistent"])
	assert.NotContains(t, body, "rowCount")
	assert.NotContains(t, body, "durationMs")
}

func TestQuery_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"malformed json", `{"sql":`, nil, http.StatusBadRequest},
		{"unknown field", `{"query":"select 1"}`, nil, http.StatusBadRequest},
		{"validation", `{"sql":""}`, &gateway.ValidationError{Field: "sql", Message: "must not be empty"}, http.StatusBadRequest},
		{"warehouse", `{"sql":"select x"}`, &gateway.WarehouseError{Fingerprint: "ab", Err: errors.New("column x does not exist")}, http.StatusBadGateway},
		{"cancelled", `{"sql":"select 1"}`, context.Canceled, http.StatusGatewayTimeout},
		{"unexpected", `{"sql":"select 1"}`, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeQueries{err: tt.err}, &fakeFeed{}, nil)

			rec := doRequest(h, http.MethodPost, "/v1/query", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestQuery_WarehouseMessageReachesCaller(t *testing.T) {
	h := newTestServer(&fakeQueries{err: &gateway.WarehouseError{Fingerprint: "ab", Err: errors.New("relation \"nope\" does not exist")}}, &fakeFeed{}, nil)

	rec := doRequest(h, http.MethodPost, "/v1/query", `{"sql":"select * from nope"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `relation \"nope\" does not exist`)
}

func TestQuery_MethodNotAllowed(t *testing.T) {
	h := newTestServer(&fakeQueries{}, &fakeFeed{}, nil)

	rec := doRequest(h, http.MethodGet, "/v1/query", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestQuery_PanicRecovered(t *testing.T) {
	h := newTestServer(&fakeQueries{panics: true}, &fakeFeed{}, nil)

	rec := doRequest(h, http.MethodPost, "/v1/query", `{"sql":"select 1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCandidates(t *testing.T) {
	feed := &fakeFeed{candidates: []scoring.Candidate{
		{FullHash: "h1", Score: 88.5, SQL: "select * from orders", IsPersistent: true},
		{FullHash: "h2", Score: 12},
	}}
	h := newTestServer(&fakeQueries{}, feed, nil)

	rec := doRequest(h, http.MethodGet, "/v1/prewarm/candidates?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, feed.lastLimit)

	var body CandidatesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Candidates, 2)
	assert.Equal(t, "h1", body.Candidates[0].FullHash)
	assert.InDelta(t, 88.5, body.Candidates[0].Score, 1e-9)

	doRequest(h, http.MethodGet, "/v1/prewarm/candidates", "")
	assert.Equal(t, scoring.DefaultFeedLimit, feed.lastLimit)
}

func TestCandidates_Errors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		feedErr  error
		wantCode int
	}{
		{"non numeric", "/v1/prewarm/candidates?limit=ten", nil, http.StatusBadRequest},
		{"zero", "/v1/prewarm/candidates?limit=0", nil, http.StatusBadRequest},
		{"too large", "/v1/prewarm/candidates?limit=100000", nil, http.StatusBadRequest},
		{"backend", "/v1/prewarm/candidates", errors.New("redis down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeQueries{}, &fakeFeed{err: tt.feedErr}, nil)
			rec := doRequest(h, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	healthy := newTestServer(&fakeQueries{}, &fakeFeed{}, func(context.Context) error { return nil })
	rec := doRequest(healthy, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	down := newTestServer(&fakeQueries{}, &fakeFeed{}, func(context.Context) error { return errors.New("dial tcp: refused") })
	rec = doRequest(down, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	noCheck := newTestServer(&fakeQueries{}, &fakeFeed{}, nil)
	rec = doRequest(noCheck, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&fakeQueries{}, &fakeFeed{}, nil)

	doRequest(h, http.MethodGet, "/health", "")
	rec := doRequest(h, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `qcache_http_requests_total{code="200",route="/health"}`)
}
