package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/ingest"
	"github.com/JakeFAU/ecfr-mirror/internal/query"
)

type fakeApp struct {
	fetchOpts   []ingest.Options
	refreshOpts []ingest.Options
	analyzed    int
	ran         int
	closed      int
	summary     ingest.Summary
	metrics     ecfr.Metrics
	err         error
}

func (f *fakeApp) Fetch(_ context.Context, opts ingest.Options) (ingest.Summary, error) {
	f.fetchOpts = append(f.fetchOpts, opts)
	return f.summary, f.err
}

func (f *fakeApp) Analyze(context.Context) (ecfr.Metrics, error) {
	f.analyzed++
	return f.metrics, f.err
}

func (f *fakeApp) Refresh(_ context.Context, opts ingest.Options) (*query.Snapshot, ingest.Summary, error) {
	f.refreshOpts = append(f.refreshOpts, opts)
	if f.err != nil {
		return nil, f.summary, f.err
	}
	return query.NewSnapshot(f.summary.RunID, ecfr.Corpus{}, f.metrics, time.Now()), f.summary, nil
}

func (f *fakeApp) Run(context.Context) error {
	f.ran++
	return f.err
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

// withFakeApp swaps the application factory. Tests using it must not run in
// parallel.
func withFakeApp(t *testing.T, app *fakeApp) *string {
	t.Helper()
	var gotPath string
	orig := newApp
	newApp = func(_ context.Context, cfgPath string) (App, error) {
		gotPath = cfgPath
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &gotPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := runRoot(context.Background(), root)
	return out.String(), err
}

func TestFetchCommandPassesScopeAndForce(t *testing.T) {
	app := &fakeApp{summary: ingest.Summary{
		RunID:     "run-1",
		Succeeded: 1,
		Failed:    2,
		Failures:  map[string]string{"10": "timeout", "2": "unexpected status 500"},
	}}
	cfgPath := withFakeApp(t, app)

	out, err := execute(t, "--config", "ecfr.yaml", "fetch", "7", "--force")
	require.NoError(t, err)
	assert.Equal(t, "ecfr.yaml", *cfgPath)
	require.Len(t, app.fetchOpts, 1)
	assert.Equal(t, ingest.Options{Title: "7", Force: true}, app.fetchOpts[0])
	assert.Equal(t, 1, app.closed)
	assert.Contains(t, out, "run run-1: 1 succeeded, 2 failed")
	assert.Less(t, bytes.Index([]byte(out), []byte("title 2:")), bytes.Index([]byte(out), []byte("title 10:")))
}

func TestFetchCommandUpToDate(t *testing.T) {
	app := &fakeApp{summary: ingest.Summary{RunID: "run-2", UpToDate: true, Skipped: 49}}
	withFakeApp(t, app)

	out, err := execute(t, "fetch")
	require.NoError(t, err)
	assert.Equal(t, ingest.Options{}, app.fetchOpts[0])
	assert.Contains(t, out, "all 49 titles up to date")
}

func TestFetchCommandRejectsExtraArgs(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, "fetch", "1", "2")
	require.Error(t, err)
}

func TestFetchCommandReturnsFatalErrors(t *testing.T) {
	app := &fakeApp{err: ingest.ErrIndexUnavailable}
	withFakeApp(t, app)

	_, err := execute(t, "fetch")
	require.ErrorIs(t, err, ingest.ErrIndexUnavailable)
	assert.Equal(t, 1, app.closed, "services are released after a failed run")
}

func TestRefreshCommandClosesAppOnUnknownTitle(t *testing.T) {
	app := &fakeApp{err: ingest.ErrUnknownTitle}
	withFakeApp(t, app)

	_, err := execute(t, "refresh", "99")
	require.ErrorIs(t, err, ingest.ErrUnknownTitle)
	assert.Equal(t, []ingest.Options{{Title: "99"}}, app.refreshOpts)
	assert.Equal(t, 1, app.closed)
}

func TestAnalyzeCommand(t *testing.T) {
	app := &fakeApp{metrics: ecfr.NewMetrics(1700000000, map[string]int{"A": 1, "B": 2}, map[string]int{"2020": 1})}
	withFakeApp(t, app)

	out, err := execute(t, "analyze")
	require.NoError(t, err)
	assert.Equal(t, 1, app.analyzed)
	assert.Contains(t, out, "2 agencies, 1 years")
}

func TestAnalyzeCommandLookups(t *testing.T) {
	app := &fakeApp{metrics: ecfr.NewMetrics(1700000000, map[string]int{"Agency A": 12}, map[string]int{"2020": 3})}
	withFakeApp(t, app)

	out, err := execute(t, "analyze", "--agency", "Agency A", "--agency", "Nobody", "--year", "2020,1999")
	require.NoError(t, err)
	assert.Contains(t, out, "agency Agency A: 12 words")
	assert.Contains(t, out, "agency Nobody: no sections")
	assert.Contains(t, out, "year 2020: 3 changes")
	assert.Contains(t, out, "year 1999: 0 changes")
}

func TestRefreshCommand(t *testing.T) {
	app := &fakeApp{
		summary: ingest.Summary{RunID: "run-3", Succeeded: 3},
		metrics: ecfr.NewMetrics(1, map[string]int{"A": 1}, nil),
	}
	withFakeApp(t, app)

	out, err := execute(t, "refresh", "--force")
	require.NoError(t, err)
	assert.Equal(t, []ingest.Options{{Force: true}}, app.refreshOpts)
	assert.Contains(t, out, "run run-3: 3 succeeded")
	assert.Contains(t, out, "1 agencies")
}

func TestServeCommand(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	assert.Equal(t, 1, app.ran)
	assert.Equal(t, 1, app.closed)
}

func TestRootCommandFactoryError(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) {
		return nil, errors.New("bad config")
	}
	t.Cleanup(func() { newApp = orig })

	_, err := execute(t, "analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services")
}

func TestResolveAppWithoutApp(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
