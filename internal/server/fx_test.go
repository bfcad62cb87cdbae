package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ecfr-mirror/internal/config"
	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/ingest"
	"github.com/JakeFAU/ecfr-mirror/internal/logging"
)

const (
	titleOneStructure = `{"type":"title","identifier":"1","children":[
		{"type":"part","identifier":"1","children":[
			{"type":"section","identifier":"1.1","label":"General definitions","label_description":"Agency A"},
			{"type":"section","identifier":"1.2","label":"Scope of rules","label_description":"Agency A"}
		]}
	]}`
	titleOneVersions = `{"content_versions":[
		{"date":"2020-01-01"},{"date":"2020-05-01"},{"date":"2021-01-01","removed":true},{"date":""}
	]}`
)

type fakeECFR struct {
	mu             sync.Mutex
	structureCalls map[string]int
}

func newFakeECFR(t *testing.T) (*fakeECFR, *httptest.Server) {
	t.Helper()
	f := &fakeECFR{structureCalls: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /titles.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"titles":[
			{"number":1,"up_to_date_as_of":"2024-01-01","reserved":false},
			{"number":2,"up_to_date_as_of":"2024-01-01","reserved":false},
			{"number":35,"reserved":true}
		]}`))
	})
	mux.HandleFunc("GET /structure/{date}/{file}", func(w http.ResponseWriter, r *http.Request) {
		file := r.PathValue("file")
		f.mu.Lock()
		f.structureCalls[file]++
		f.mu.Unlock()
		switch file {
		case "title-1.json":
			_, _ = w.Write([]byte(titleOneStructure))
		case "title-2.json":
			_, _ = w.Write([]byte(`{"type":"title","identifier":"2","children":[]}`))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /versions/{file}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("file") == "title-1.json" {
			_, _ = w.Write([]byte(titleOneVersions))
			return
		}
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeECFR) calls(file string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.structureCalls[file]
}

func testConfig(baseURL string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 5, ShutdownTimeoutSeconds: 1},
		Source: config.SourceConfig{
			BaseURL:             baseURL,
			UserAgent:           "ecfr-mirror-test",
			IndexTimeoutSeconds: 5,
			TitleTimeoutSeconds: 5,
		},
		Ingest:  config.IngestConfig{MaxWorkers: 4},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		Progress: config.ProgressConfig{
			Enabled:       true,
			BufferSize:    64,
			Batch:         config.ProgressBatchConfig{MaxEvents: 16, MaxWaitMs: 10},
			SinkTimeoutMs: 1000,
		},
		Logging: logging.Config{Level: "error"},
	}
}

func buildApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = app.Close(context.Background())
	})
	return app
}

func get(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestAppRefreshBuildsServableSnapshot(t *testing.T) {
	remote, srv := newFakeECFR(t)
	app := buildApp(t, testConfig(srv.URL))
	ctx := context.Background()

	snap, summary, err := app.Refresh(ctx, ingest.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Reserved)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Failures["2"], "500")
	assert.Equal(t, []string{"1"}, snap.Titles)

	changes, ok := snap.Metrics.Changes("2020")
	require.True(t, ok)
	assert.Equal(t, 2, changes)
	_, ok = snap.Metrics.Changes("2021")
	assert.False(t, ok, "removed versions never count")
	_, ok = snap.Metrics.WordCount("Agency A")
	assert.True(t, ok)

	app.Query().Swap(snap)
	h := app.Handler()

	rec := get(t, h, http.MethodGet, "/api/search?q=scope")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"identifier":"1.2"`)

	rec = get(t, h, http.MethodGet, "/api/sections/1/1.1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"label":"General definitions"`)

	rec = get(t, h, http.MethodGet, "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	var served ecfr.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &served))
	assert.Equal(t, snap.Metrics, served)

	_, again, err := app.Refresh(ctx, ingest.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, 1, remote.calls("title-1.json"), "fresh title must not be refetched")
	assert.Equal(t, 2, remote.calls("title-2.json"), "failed title is retried on the next run")
}

func TestAppRefreshPublishesNotification(t *testing.T) {
	_, srv := newFakeECFR(t)
	app := buildApp(t, testConfig(srv.URL))

	snap, _, err := app.Refresh(context.Background(), ingest.Options{Title: "1"})
	require.NoError(t, err)

	require.NotNil(t, app.memPublisher)
	msgs := app.memPublisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ecfr.EventSnapshotRefreshed, msgs[0].Attributes["event_type"])
	var note ecfr.SnapshotNotification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &note))
	assert.Equal(t, snap.RunID, note.RunID)
	assert.Equal(t, 1, note.Titles)
	assert.Equal(t, 1, note.Succeeded)
}

func TestAppRefreshUnknownTitleIsFatal(t *testing.T) {
	_, srv := newFakeECFR(t)
	app := buildApp(t, testConfig(srv.URL))

	_, _, err := app.Refresh(context.Background(), ingest.Options{Title: "99"})
	require.ErrorIs(t, err, ingest.ErrUnknownTitle)
	assert.False(t, app.Query().Ready())
}

func TestAppReloadEndpointSwapsSnapshotAndRecordsRun(t *testing.T) {
	_, srv := newFakeECFR(t)
	app := buildApp(t, testConfig(srv.URL))
	h := app.Handler()

	rec := get(t, h, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, h, http.MethodPost, "/api/reload")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started["run_id"])

	require.Eventually(t, app.Query().Ready, 5*time.Second, 10*time.Millisecond)
	app.Reloader().Wait()
	assert.Equal(t, started["run_id"], app.Query().Current().RunID)

	rec = get(t, h, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, http.MethodGet, "/api/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"idle"}`, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := get(t, h, http.MethodGet, "/api/runs/"+started["run_id"])
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"status":"partial"`)
	}, 5*time.Second, 20*time.Millisecond)

	rec = get(t, h, http.MethodGet, "/api/runs/"+started["run_id"]+"/titles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"1"`)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)
}

func TestAppReloadFailureKeepsSnapshot(t *testing.T) {
	_, srv := newFakeECFR(t)
	app := buildApp(t, testConfig(srv.URL))
	snap, _, err := app.Refresh(context.Background(), ingest.Options{})
	require.NoError(t, err)
	app.Query().Swap(snap)

	srv.Close()
	_, err = app.Reloader().Trigger()
	require.NoError(t, err)
	app.Reloader().Wait()

	m, err := app.Query().Metrics()
	require.NoError(t, err)
	assert.Equal(t, snap.Metrics, m)
	assert.Same(t, snap, app.Query().Current())
}

func TestAppLoadSnapshotFromLocalStorage(t *testing.T) {
	_, srv := newFakeECFR(t)
	cfg := testConfig(srv.URL)
	cfg.Storage = config.StorageConfig{
		Backend: config.BackendLocal,
		Local:   config.LocalStorageConfig{BaseDir: t.TempDir()},
	}

	writer := buildApp(t, cfg)
	snap, _, err := writer.Refresh(context.Background(), ingest.Options{})
	require.NoError(t, err)
	require.NoError(t, writer.Close(context.Background()))

	reader := buildApp(t, cfg)
	require.NoError(t, reader.LoadSnapshot(context.Background()))
	require.True(t, reader.Query().Ready())
	assert.Equal(t, snap.Titles, reader.Query().Current().Titles)
	m, err := reader.Query().Metrics()
	require.NoError(t, err)
	assert.Equal(t, snap.Metrics, m)
}

func TestAppLoadSnapshotWithoutCorpus(t *testing.T) {
	_, srv := newFakeECFR(t)
	app := buildApp(t, testConfig(srv.URL))

	require.NoError(t, app.LoadSnapshot(context.Background()))
	assert.False(t, app.Query().Ready())
}

func TestAppCloseIsIdempotent(t *testing.T) {
	_, srv := newFakeECFR(t)
	app := buildApp(t, testConfig(srv.URL))

	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}
