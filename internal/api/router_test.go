package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/mbusbee505/JobFinder/internal/api/middleware"
	"github.com/mbusbee505/JobFinder/internal/backup"
	"github.com/mbusbee505/JobFinder/internal/database"
	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/job"
	"github.com/mbusbee505/JobFinder/internal/logging"
	"github.com/mbusbee505/JobFinder/internal/maintenance"
	"github.com/mbusbee505/JobFinder/internal/metrics"
	"github.com/mbusbee505/JobFinder/internal/prefs"
	"github.com/mbusbee505/JobFinder/internal/scan"
)

type testEnv struct {
	handler http.Handler
	bus     *event.Bus
	scans   *scan.Controller
	jobs    *job.Service
	prefs   *prefs.Store
	backups *backup.Service
	release chan struct{}
}

// blockingEngine runs until released or canceled.
func blockingEngine(release <-chan struct{}) scan.Engine {
	return scan.EngineFunc(func(ctx context.Context, _ scan.ProgressFunc) (scan.Result, error) {
		select {
		case <-release:
			return scan.Result{NewJobs: 1, LinksExamined: 4}, nil
		case <-ctx.Done():
			return scan.Result{LinksExamined: 2}, ctx.Err()
		}
	})
}

func newTestEnv(t *testing.T, opts ...func(*RouterDeps)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "jobfinder.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := event.NewBus(logger, 64)
	t.Cleanup(bus.Close)

	release := make(chan struct{})
	agg := metrics.NewAggregator(db)
	ctrl := scan.NewController(blockingEngine(release), bus, logger)
	ctrl.SetFunnelSource(agg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})

	store, err := prefs.NewStore(filepath.Join(dir, "prefs.yaml"), logger)
	require.NoError(t, err)

	jobs := job.NewService(db)
	backups := backup.NewService(db, filepath.Join(dir, "backups"), 3, logger)

	settings := database.NewSettings(db)
	deps := RouterDeps{
		Scans:       ctrl,
		Bus:         bus,
		Jobs:        jobs,
		Metrics:     agg,
		Prefs:       store,
		Backups:     backups,
		Maintenance: maintenance.NewService(db, dbPath, settings, logger),
		Settings:    settings,
		Logger:      logger,
	}
	for _, o := range opts {
		o(&deps)
	}

	return &testEnv{
		handler: NewRouter(deps).Handler(),
		bus:     bus,
		scans:   ctrl,
		jobs:    jobs,
		prefs:   store,
		backups: backups,
		release: release,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) waitPhase(t *testing.T, phase scan.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return e.scans.State().Phase == phase },
		5*time.Second, 5*time.Millisecond, "phase never reached %s", phase)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]string](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "idle", body["scan_phase"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestScanLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/scan/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	started := decode[scan.State](t, w)
	assert.Equal(t, scan.PhaseRunning, started.Phase)
	assert.NotEmpty(t, started.ScanID)

	w = env.do(t, http.MethodPost, "/api/v1/scan/start", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	conflict := decode[map[string]any](t, w)
	assert.Equal(t, "scan already running", conflict["error"])

	w = env.do(t, http.MethodPost, "/api/v1/scan/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stop := decode[scan.StopResult](t, w)
	assert.True(t, stop.Stopped)
	assert.Equal(t, scan.PhaseStopping, stop.State.Phase)

	env.waitPhase(t, scan.PhaseStopped)

	w = env.do(t, http.MethodGet, "/api/v1/scan/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[scan.State](t, w)
	assert.Equal(t, "Scan stopped by user", state.LastMessage)
	assert.Equal(t, started.ScanID, state.ScanID)
}

func TestScanStop_Idle(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/scan/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	res := decode[scan.StopResult](t, w)
	assert.False(t, res.Stopped)
	assert.Equal(t, "No scan is running", res.Message)
	assert.Equal(t, scan.PhaseIdle, res.State.Phase)
}

func TestScanControl_RateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env := newTestEnv(t, func(d *RouterDeps) {
		d.ControlLimiter = middleware.NewRateLimiter(ctx, time.Minute, 2)
	})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/scan/stop", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/scan/stop", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, "/api/v1/scan/stop", nil).Code)

	// State queries are not limited.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/scan/state", nil).Code)
}

func seedApproved(t *testing.T, jobs *job.Service, ids ...int64) []int64 {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		_, err := jobs.InsertStub(ctx, job.Stub{
			JobID:    id,
			URL:      "https://www.linkedin.com/jobs/view/" + itoa(id),
			Location: "remote",
			Keyword:  "go",
		})
		require.NoError(t, err)
		require.NoError(t, jobs.UpdateDetails(ctx, id, "Go Engineer", "Build services"))
		require.NoError(t, jobs.MarkAnalyzed(ctx, id))
		_, err = jobs.Approve(ctx, id, "good fit")
		require.NoError(t, err)
	}

	pending, err := jobs.List(ctx, job.StatusPending)
	require.NoError(t, err)
	out := make([]int64, 0, len(pending))
	for _, a := range pending {
		out = append(out, a.ID)
	}
	return out
}

func TestJobs_ListApplyDelete(t *testing.T) {
	env := newTestEnv(t)
	ids := seedApproved(t, env.jobs, 11, 12)
	require.Len(t, ids, 2)

	sub := env.bus.Subscribe()
	defer env.bus.Unsubscribe(sub)

	w := env.do(t, http.MethodGet, "/api/v1/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]job.Approved](t, w), 2)

	w = env.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/"+itoa(ids[0])+"/apply", nil)
	require.Equal(t, http.StatusOK, w.Code)

	e := <-sub.Events()
	assert.Equal(t, event.JobUpdated, e.Type)
	assert.Equal(t, "applied", e.Data["action"])

	w = env.do(t, http.MethodGet, "/api/v1/jobs?status=applied", nil)
	applied := decode[[]job.Approved](t, w)
	require.Len(t, applied, 1)
	assert.NotNil(t, applied[0].AppliedAt)

	w = env.do(t, http.MethodDelete, "/api/v1/jobs/"+itoa(ids[1]), nil)
	require.Equal(t, http.StatusOK, w.Code)
	e = <-sub.Events()
	assert.Equal(t, "deleted", e.Data["action"])

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/v1/jobs/9999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/jobs/abc/apply", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/jobs/9999", nil).Code)
}

func TestJobs_ClearAndArchive(t *testing.T) {
	env := newTestEnv(t)
	ids := seedApproved(t, env.jobs, 21, 22, 23)
	require.NoError(t, env.jobs.MarkApplied(context.Background(), ids[0]))

	sub := env.bus.Subscribe()
	defer env.bus.Unsubscribe(sub)

	w := env.do(t, http.MethodPost, "/api/v1/jobs/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode[map[string]int64](t, w)["count"])
	e := <-sub.Events()
	assert.Equal(t, event.JobsCleared, e.Type)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/archive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]int64](t, w)["count"])
	e = <-sub.Events()
	assert.Equal(t, event.JobsArchived, e.Type)

	w = env.do(t, http.MethodGet, "/api/v1/jobs?status=archived", nil)
	assert.Len(t, decode[[]job.Approved](t, w), 1)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	seedApproved(t, env.jobs, 31)

	w := env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Funnel    metrics.Funnel    `json:"funnel"`
		Breakdown metrics.Breakdown `json:"breakdown"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, metrics.Funnel{Discovered: 1, Analyzed: 1, Approved: 1}, body.Funnel)
	require.Len(t, body.Breakdown.ByKeyword, 1)
	assert.Equal(t, "go", body.Breakdown.ByKeyword[0].Name)
}

func TestPreferences(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/v1/preferences", strings.NewReader(`{"keywords":["go"]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/preferences",
		strings.NewReader(`{"locations":["remote"],"keywords":["go","Go"],"exclusion_keywords":["senior"]}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"go"}, decode[prefs.Preferences](t, w).Keywords)

	w = env.do(t, http.MethodGet, "/api/v1/preferences/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "exclusion_keywords:")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	w = env.do(t, http.MethodPost, "/api/v1/preferences/import",
		strings.NewReader("locations: [Augusta]\nkeywords: [sre]\n"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"sre"}, env.prefs.Current().Keywords)

	w = env.do(t, http.MethodGet, "/api/v1/preferences", nil)
	assert.Equal(t, []string{"Augusta"}, decode[prefs.Preferences](t, w).Locations)
}

func TestDatabaseExportAndBackups(t *testing.T) {
	env := newTestEnv(t)
	seedApproved(t, env.jobs, 41)

	w := env.do(t, http.MethodGet, "/api/v1/database/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("SQLite format 3\x00")))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "jobfinder-export-")

	w = env.do(t, http.MethodPost, "/api/v1/database/backups", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	info := decode[backup.Info](t, w)

	w = env.do(t, http.MethodGet, "/api/v1/database/backups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]backup.Info](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/v1/database/backups/"+info.Filename, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("SQLite format 3\x00")))

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/database/backups/notes.txt", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodGet, "/api/v1/database/backups/jobfinder-20000101-000000.db", nil).Code)

	w = env.do(t, http.MethodDelete, "/api/v1/database/backups/"+info.Filename, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/v1/database/backups/"+info.Filename, nil).Code)
}

func TestDatabaseMaintenance(t *testing.T) {
	env := newTestEnv(t)
	seedApproved(t, env.jobs, 51, 52)

	w := env.do(t, http.MethodGet, "/api/v1/database/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[maintenance.Status](t, w)
	assert.EqualValues(t, 2, st.DiscoveredJobs)
	assert.Nil(t, st.LastOptimizeAt)

	w = env.do(t, http.MethodPost, "/api/v1/database/optimize", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode[maintenance.Status](t, w).LastOptimizeAt)

	_, err := env.scans.Start()
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/database/vacuum", nil).Code)

	env.scans.RequestStop()
	env.waitPhase(t, scan.PhaseStopped)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/database/vacuum", nil).Code)
}

func TestLoggingSettings(t *testing.T) {
	mgr, _ := logging.NewManager(logging.Config{Level: "info", Format: "text"})
	t.Cleanup(func() { _ = mgr.Close() })
	env := newTestEnv(t, func(d *RouterDeps) { d.LogManager = mgr })

	w := env.do(t, http.MethodGet, "/api/v1/settings/logging", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "info", decode[logging.Config](t, w).Level)

	w = env.do(t, http.MethodPut, "/api/v1/settings/logging", strings.NewReader(`{"level":"loud"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/settings/logging", strings.NewReader(`{"level":"debug"}`))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[logging.Config](t, w)
	assert.Equal(t, "debug", got.Level)
	assert.Equal(t, "text", got.Format)
	assert.Equal(t, "debug", mgr.Config().Level)
}

func TestLoggingSettings_Unavailable(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/v1/settings/logging", nil).Code)
}

func TestStatusPage(t *testing.T) {
	files := fstest.MapFS{
		"index.html":    {Data: []byte(`<script src="static/js/session.js"></script>`)},
		"js/session.js": {Data: []byte(`console.log("hi")`)},
	}
	env := newTestEnv(t, func(d *RouterDeps) {
		d.Static = files
		d.BasePath = "/jobs"
	})

	w := env.do(t, http.MethodGet, "/jobs/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `src="static/js/session.js?v=`)

	w = env.do(t, http.MethodGet, "/jobs/static/js/session.js", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `console.log("hi")`, w.Body.String())
	assert.Equal(t, "public, max-age=300", w.Header().Get("Cache-Control"))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/jobs/api/v1/health", nil).Code)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.Eventually(t, func() bool { return env.bus.Observers() == 1 },
		2*time.Second, 5*time.Millisecond)

	recv := func() event.Event {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var e event.Event
		require.NoError(t, websocket.JSON.Receive(ws, &e))
		return e
	}

	_, err = env.scans.Start()
	require.NoError(t, err)
	started := recv()
	assert.Equal(t, event.ScanStarted, started.Type)

	close(env.release)
	complete := recv()
	assert.Equal(t, event.ScanComplete, complete.Type)
	assert.Equal(t, started.Seq+1, complete.Seq)
	assert.EqualValues(t, 1, complete.Data["new_jobs"])
	assert.Contains(t, complete.Data, "funnel")

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return env.bus.Observers() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestEventStream_SubscribedWhenDialReturns(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	// No waiting: a transition right after the dial must still be delivered.
	assert.Equal(t, 1, env.bus.Observers())
	env.bus.Publish(event.Event{Type: event.JobsCleared, Message: "Cleared 0 jobs"})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e event.Event
	require.NoError(t, websocket.JSON.Receive(ws, &e))
	assert.Equal(t, event.JobsCleared, e.Type)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
