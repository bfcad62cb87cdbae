package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/config"
	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/query"
	"github.com/JakeFAU/ecfr-mirror/internal/reload"
	"github.com/JakeFAU/ecfr-mirror/internal/store"
)

func newLoadedQuery(t *testing.T) *query.Service {
	t.Helper()
	root, err := ecfr.ParseTree([]byte(`{"type":"title","identifier":"1","children":[
		{"type":"part","identifier":"1","children":[
			{"type":"section","identifier":"1.1","label":"Definitions","label_description":"Agency A","volumes":["1"]},
			{"type":"section","identifier":"1.2","label":"Scope","label_description":"Agency A"}
		]}
	]}`))
	require.NoError(t, err)
	svc := query.New(zap.NewNop())
	m := ecfr.NewMetrics(1700000000, map[string]int{"Agency A": 3}, map[string]int{"2020": 2})
	svc.Swap(query.NewSnapshot("run-1", ecfr.Corpus{Regulations: map[string]ecfr.Node{"1": root}}, m, time.Unix(1700000000, 0)))
	return svc
}

func newTestServer(t *testing.T, q Querier, reloader Reloader, runs store.RunRepository, cfg config.Config) *Server {
	t.Helper()
	return NewServer(q, reloader, runs, cfg, zap.NewNop())
}

func do(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	empty := newTestServer(t, query.New(zap.NewNop()), nil, nil, config.Config{})
	rec := do(t, empty, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, empty, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	loaded := newTestServer(t, newLoadedQuery(t), nil, nil, config.Config{})
	rec = do(t, loaded, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, loaded, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_GetMetrics(t *testing.T) {
	t.Parallel()

	empty := newTestServer(t, query.New(zap.NewNop()), nil, nil, config.Config{})
	rec := do(t, empty, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	server := newTestServer(t, newLoadedQuery(t), nil, nil, config.Config{})
	rec = do(t, server, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"generated":1700000000,"word_count_per_agency":{"Agency A":3},"changes_per_year":{"2020":2}}`,
		rec.Body.String())
}

func TestServer_SearchValidation(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newLoadedQuery(t), nil, nil, config.Config{})
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{name: "missing query", target: "/api/search", want: "q must be between"},
		{name: "too short", target: "/api/search?q=ab", want: "q must be between"},
		{name: "too long", target: "/api/search?q=" + strings.Repeat("x", 61), want: "q must be between"},
		{name: "negative offset", target: "/api/search?q=def&offset=-1", want: "offset"},
		{name: "zero limit", target: "/api/search?q=def&limit=0", want: "limit"},
		{name: "limit too large", target: "/api/search?q=def&limit=101", want: "limit"},
		{name: "non numeric limit", target: "/api/search?q=def&limit=ten", want: "invalid limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, server, http.MethodGet, tt.target, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestServer_Search(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newLoadedQuery(t), nil, nil, config.Config{})
	rec := do(t, server, http.MethodGet, "/api/search?q=DEFIN", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page query.SearchPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 25, page.Limit)
	assert.Equal(t, 0, page.Offset)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, []query.SearchHit{{Title: "1", Identifier: "1.1", Label: "Definitions"}}, page.Results)

	rec = do(t, server, http.MethodGet, "/api/search?q=nothing-here", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"results":[]`)
}

func TestServer_GetSection(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newLoadedQuery(t), nil, nil, config.Config{})
	rec := do(t, server, http.MethodGet, "/api/sections/1/1.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"type":"section","identifier":"1.1","label":"Definitions","label_description":"Agency A","volumes":["1"]}`,
		rec.Body.String())

	rec = do(t, server, http.MethodGet, "/api/sections/9/1.1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"title not found"}`, rec.Body.String())

	rec = do(t, server, http.MethodGet, "/api/sections/1/1.9", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"section not found"}`, rec.Body.String())
}

func TestServer_TriggerReload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		reloader   Reloader
		wantStatus int
		wantBody   string
	}{
		{name: "started", reloader: &fakeReloader{id: "run-9"}, wantStatus: http.StatusAccepted, wantBody: `{"status":"started","run_id":"run-9"}`},
		{name: "in progress", reloader: &fakeReloader{id: "run-8", err: reload.ErrInProgress}, wantStatus: http.StatusAccepted, wantBody: `{"status":"in_progress","run_id":"run-8"}`},
		{name: "failure", reloader: &fakeReloader{err: errors.New("entropy")}, wantStatus: http.StatusInternalServerError, wantBody: `{"error":"failed to start reload"}`},
		{name: "not configured", reloader: nil, wantStatus: http.StatusServiceUnavailable, wantBody: `{"error":"reload is not configured"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, newLoadedQuery(t), tt.reloader, nil, config.Config{})
			rec := do(t, server, http.MethodPost, "/api/reload", nil)
			require.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestServer_ReloadStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		reloader   Reloader
		wantStatus int
		wantBody   string
	}{
		{name: "idle", reloader: &fakeReloader{}, wantStatus: http.StatusOK, wantBody: `{"status":"idle"}`},
		{name: "running", reloader: &fakeReloader{running: "run-3"}, wantStatus: http.StatusOK, wantBody: `{"status":"in_progress","run_id":"run-3"}`},
		{name: "not configured", reloader: nil, wantStatus: http.StatusServiceUnavailable, wantBody: `{"error":"reload is not configured"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, newLoadedQuery(t), tt.reloader, nil, config.Config{})
			rec := do(t, server, http.MethodGet, "/api/reload", nil)
			require.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := newTestServer(t, newLoadedQuery(t), nil, nil, cfg)

	rec := do(t, server, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/metrics", http.Header{"X-Api-Key": []string{"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/metrics?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, newLoadedQuery(t), nil, nil, config.Config{})
	rec := do(t, server, http.MethodGet, "/api/metrics", http.Header{"Origin": []string{"https://example.org"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, panickingQuerier{}, nil, nil, config.Config{})
	rec := do(t, server, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

type fakeReloader struct {
	id      string
	err     error
	running string
}

func (f *fakeReloader) Trigger() (string, error) {
	return f.id, f.err
}

func (f *fakeReloader) Running() (string, bool) {
	return f.running, f.running != ""
}

type panickingQuerier struct{}

func (panickingQuerier) Ready() bool { return true }

func (panickingQuerier) Metrics() (ecfr.Metrics, error) { panic("boom") }

func (panickingQuerier) Search(string, int, int) (query.SearchPage, error) {
	return query.SearchPage{}, nil
}

func (panickingQuerier) Section(string, string) (*ecfr.Section, error) {
	return nil, context.Canceled
}
