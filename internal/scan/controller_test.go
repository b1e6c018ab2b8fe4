package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mbusbee505/JobFinder/internal/database"
	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/job"
	"github.com/mbusbee505/JobFinder/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestController wires a controller to a real bus and returns a
// subscription opened before any scan starts.
func newTestController(t *testing.T, engine Engine) (*Controller, *event.Bus, *event.Subscription) {
	t.Helper()
	bus := event.NewBus(testLogger(), 64)
	c := NewController(engine, bus, testLogger())
	sub := bus.Subscribe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		bus.Close()
	})
	return c, bus, sub
}

// untilTerminal reads events until a terminal one arrives and returns all of
// them except scan_progress.
func untilTerminal(t *testing.T, sub *event.Subscription) []event.Event {
	t.Helper()
	var out []event.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed before terminal event")
			}
			if e.Type == event.ScanProgress {
				continue
			}
			out = append(out, e)
			if e.Type.Terminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event; got %v", typesOf(out))
		}
	}
}

func next(t *testing.T, sub *event.Subscription) event.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event.Event{}
}

func expectNoEvent(t *testing.T, sub *event.Subscription) {
	t.Helper()
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func typesOf(evs []event.Event) []event.Type {
	out := make([]event.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func assertTypes(t *testing.T, got []event.Event, want ...event.Type) {
	t.Helper()
	if !reflect.DeepEqual(typesOf(got), want) {
		t.Fatalf("events = %v, want %v", typesOf(got), want)
	}
}

// blockingEngine runs until its context is canceled and returns the given
// partial result.
func blockingEngine(started chan<- struct{}, partial Result) Engine {
	return EngineFunc(func(ctx context.Context, _ ProgressFunc) (Result, error) {
		close(started)
		<-ctx.Done()
		return partial, ctx.Err()
	})
}

func TestStart_CompletesWithResult(t *testing.T) {
	engine := EngineFunc(func(_ context.Context, progress ProgressFunc) (Result, error) {
		progress(Progress{SearchesDone: 1, SearchesTotal: 2, LinksExamined: 20, NewJobs: 1})
		progress(Progress{SearchesDone: 2, SearchesTotal: 2, LinksExamined: 40, NewJobs: 3})
		return Result{NewJobs: 3, LinksExamined: 40}, nil
	})
	c, _, sub := newTestController(t, engine)

	st, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.Phase != PhaseRunning || st.ScanID == "" || st.StartedAt == nil {
		t.Fatalf("Start state = %+v, want running with id and start time", st)
	}

	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanComplete)

	complete := evs[1]
	if complete.Data["new_jobs"] != 3 || complete.Data["links_examined"] != 40 {
		t.Errorf("scan_complete data = %v, want new_jobs=3 links_examined=40", complete.Data)
	}
	if complete.Data["scan_id"] != st.ScanID {
		t.Errorf("scan_complete scan_id = %v, want %s", complete.Data["scan_id"], st.ScanID)
	}
	if complete.Message != "Scan complete. New jobs: 3, Links examined: 40" {
		t.Errorf("message = %q", complete.Message)
	}

	got := c.State()
	if got.Phase != PhaseStopped {
		t.Errorf("phase = %s, want stopped", got.Phase)
	}
	if got.Result == nil || *got.Result != (Result{NewJobs: 3, LinksExamined: 40}) {
		t.Errorf("result = %+v", got.Result)
	}
	if got.Progress.LinksExamined != 40 {
		t.Errorf("progress = %+v, want last report", got.Progress)
	}
	if got.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
}

func TestStart_ProgressEventsCarryCounts(t *testing.T) {
	engine := EngineFunc(func(_ context.Context, progress ProgressFunc) (Result, error) {
		progress(Progress{SearchesDone: 1, SearchesTotal: 3, LinksExamined: 7, NewJobs: 2})
		return Result{NewJobs: 2, LinksExamined: 7}, nil
	})
	c, _, sub := newTestController(t, engine)

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if e := next(t, sub); e.Type != event.ScanStarted {
		t.Fatalf("first event = %s, want scan_started", e.Type)
	}
	p := next(t, sub)
	if p.Type != event.ScanProgress {
		t.Fatalf("second event = %s, want scan_progress", p.Type)
	}
	if p.Data["links_examined"] != 7 || p.Data["searches_total"] != 3 {
		t.Errorf("progress data = %v", p.Data)
	}
	untilTerminal(t, sub)
}

func TestRequestStop_StopsRunningScan(t *testing.T) {
	started := make(chan struct{})
	c, _, sub := newTestController(t, blockingEngine(started, Result{NewJobs: 1, LinksExamined: 12}))

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	res := c.RequestStop()
	if !res.Stopped {
		t.Fatalf("RequestStop = %+v, want stopped", res)
	}
	if res.State.Phase != PhaseStopping || !res.State.CancelRequested {
		t.Errorf("state after stop = %+v, want stopping with cancel requested", res.State)
	}

	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanStopping, event.ScanStopped)

	got := c.State()
	if got.Phase != PhaseStopped {
		t.Errorf("phase = %s, want stopped", got.Phase)
	}
	if got.LastMessage != "Scan stopped by user" {
		t.Errorf("message = %q", got.LastMessage)
	}
	if got.Result == nil || got.Result.LinksExamined != 12 {
		t.Errorf("partial result = %+v, want links_examined 12", got.Result)
	}
	if evs[2].Data["links_examined"] != 12 {
		t.Errorf("scan_stopped data = %v", evs[2].Data)
	}
}

func TestRequestStop_IdleIsNoop(t *testing.T) {
	c, _, sub := newTestController(t, EngineFunc(func(context.Context, ProgressFunc) (Result, error) {
		return Result{}, nil
	}))

	res := c.RequestStop()
	if res.Stopped {
		t.Error("expected Stopped=false when idle")
	}
	if res.Message != "No scan is running" {
		t.Errorf("message = %q", res.Message)
	}
	if c.State().Phase != PhaseIdle {
		t.Errorf("phase = %s, want idle", c.State().Phase)
	}
	expectNoEvent(t, sub)
}

func TestRequestStop_WhileStoppingIsNoop(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	engine := EngineFunc(func(ctx context.Context, _ ProgressFunc) (Result, error) {
		close(started)
		<-release
		return Result{}, ctx.Err()
	})
	c, _, sub := newTestController(t, engine)

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	next(t, sub) // scan_started

	c.RequestStop()
	next(t, sub) // scan_stopping

	res := c.RequestStop()
	if res.Stopped || res.Message != "Stop already requested" {
		t.Errorf("second RequestStop = %+v", res)
	}
	expectNoEvent(t, sub)

	close(release)
	if evs := untilTerminal(t, sub); evs[0].Type != event.ScanStopped {
		t.Errorf("terminal = %s, want scan_stopped", evs[0].Type)
	}
}

func TestStart_ConcurrentOnlyOneWins(t *testing.T) {
	started := make(chan struct{})
	c, _, sub := newTestController(t, blockingEngine(started, Result{}))

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, rejected int

	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Start()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyRunning):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || rejected != callers-1 {
		t.Fatalf("wins = %d, rejected = %d; want 1 and %d", wins, rejected, callers-1)
	}

	<-started
	if e := next(t, sub); e.Type != event.ScanStarted {
		t.Fatalf("event = %s, want scan_started", e.Type)
	}
	expectNoEvent(t, sub)

	c.RequestStop()
	untilTerminal(t, sub)
}

func TestStart_RejectedWhileStopping(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	engine := EngineFunc(func(ctx context.Context, _ ProgressFunc) (Result, error) {
		close(started)
		<-release
		return Result{}, ctx.Err()
	})
	c, _, sub := newTestController(t, engine)

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	c.RequestStop()

	before := c.State()
	if _, err := c.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start while stopping = %v, want ErrAlreadyRunning", err)
	}
	if after := c.State(); after.ScanID != before.ScanID || after.Phase != PhaseStopping {
		t.Errorf("rejected Start changed state: %+v", after)
	}

	close(release)
	assertTypes(t, untilTerminal(t, sub), event.ScanStarted, event.ScanStopping, event.ScanStopped)
}

func TestEngineFailure(t *testing.T) {
	c, _, sub := newTestController(t, EngineFunc(func(context.Context, ProgressFunc) (Result, error) {
		return Result{}, errors.New("storing job 42: database is locked")
	}))

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanError)
	if evs[1].Data["error"] != "storing job 42: database is locked" {
		t.Errorf("scan_error data = %v, want verbatim message", evs[1].Data)
	}

	got := c.State()
	if got.Phase != PhaseError {
		t.Errorf("phase = %s, want error", got.Phase)
	}
	if got.LastMessage != "Scan error: storing job 42: database is locked" {
		t.Errorf("message = %q", got.LastMessage)
	}

	// A failed scan leaves the controller ready for a new start.
	if _, err := c.Start(); err != nil {
		t.Fatalf("Start after error: %v", err)
	}
	untilTerminal(t, sub)
}

func TestEnginePanicBecomesError(t *testing.T) {
	c, _, sub := newTestController(t, EngineFunc(func(context.Context, ProgressFunc) (Result, error) {
		panic("nil map")
	}))

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanError)
	if c.State().Phase != PhaseError {
		t.Errorf("phase = %s, want error", c.State().Phase)
	}
}

func TestStopRace_CompletionWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	// The engine never looks at ctx, so it finishes normally even after a
	// stop request.
	engine := EngineFunc(func(context.Context, ProgressFunc) (Result, error) {
		close(started)
		<-release
		return Result{NewJobs: 2, LinksExamined: 9}, nil
	})
	c, _, sub := newTestController(t, engine)

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	c.RequestStop()
	close(release)

	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanStopping, event.ScanComplete)
	if c.State().Phase != PhaseStopped {
		t.Errorf("phase = %s, want stopped", c.State().Phase)
	}
}

func TestStopTimeout_ForcesErrorAndIgnoresLateResult(t *testing.T) {
	release := make(chan struct{})
	var runs sync.WaitGroup
	engine := EngineFunc(func(context.Context, ProgressFunc) (Result, error) {
		runs.Done()
		<-release
		return Result{NewJobs: 1}, nil
	})
	c, _, sub := newTestController(t, engine)
	c.SetStopTimeout(20 * time.Millisecond)

	runs.Add(1)
	first, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	runs.Wait()
	c.RequestStop()

	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanStopping, event.ScanError)
	if evs[2].Data["reason"] != "stop_timeout" {
		t.Errorf("scan_error data = %v, want reason stop_timeout", evs[2].Data)
	}
	if c.State().Phase != PhaseError {
		t.Fatalf("phase = %s, want error", c.State().Phase)
	}

	// The slot is free again even though the first engine is still blocked.
	runs.Add(1)
	second, err := c.Start()
	if err != nil {
		t.Fatalf("Start after timeout: %v", err)
	}
	runs.Wait()
	close(release)

	evs = untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanComplete)
	if evs[1].Data["scan_id"] != second.ScanID {
		t.Errorf("scan_complete for %v, want second attempt %s (first was %s)",
			evs[1].Data["scan_id"], second.ScanID, first.ScanID)
	}
	expectNoEvent(t, sub)
}

func TestFunnelAttachedAfterWrites(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	defer db.Close() //nolint:errcheck
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	jobs := job.NewService(db)
	agg := metrics.NewAggregator(db)

	engine := EngineFunc(func(ctx context.Context, _ ProgressFunc) (Result, error) {
		for i := range 3 {
			id := int64(1000 + i)
			if _, err := jobs.InsertStub(ctx, job.Stub{JobID: id, URL: fmt.Sprintf("https://www.linkedin.com/jobs/view/%d", id)}); err != nil {
				return Result{}, err
			}
			if err := jobs.MarkAnalyzed(ctx, id); err != nil {
				return Result{}, err
			}
		}
		if _, err := jobs.Approve(ctx, 1000, "fit"); err != nil {
			return Result{}, err
		}
		return Result{NewJobs: 3, LinksExamined: 3}, nil
	})

	c, _, sub := newTestController(t, engine)
	c.SetFunnelSource(agg)

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanComplete)

	want := metrics.Funnel{Discovered: 3, Analyzed: 3, Approved: 1}
	if got, ok := evs[1].Data["funnel"].(metrics.Funnel); !ok || got != want {
		t.Errorf("funnel in event = %#v, want %+v", evs[1].Data["funnel"], want)
	}

	got, err := agg.ComputeFunnel(context.Background())
	if err != nil {
		t.Fatalf("ComputeFunnel: %v", err)
	}
	if got != want {
		t.Errorf("ComputeFunnel after scan_complete = %+v, want %+v", got, want)
	}
}

type failingFunnel struct{}

func (failingFunnel) ComputeFunnel(context.Context) (metrics.Funnel, error) {
	return metrics.Funnel{}, errors.New("database is closed")
}

func TestFunnelFailureDoesNotAffectLifecycle(t *testing.T) {
	c, _, sub := newTestController(t, EngineFunc(func(context.Context, ProgressFunc) (Result, error) {
		return Result{NewJobs: 1, LinksExamined: 1}, nil
	}))
	c.SetFunnelSource(failingFunnel{})

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanComplete)
	if _, ok := evs[1].Data["funnel"]; ok {
		t.Error("expected funnel to be omitted when aggregation fails")
	}
	if c.State().Phase != PhaseStopped {
		t.Errorf("phase = %s, want stopped", c.State().Phase)
	}
}

func TestLateObserverSeesTerminalState(t *testing.T) {
	c, bus, sub := newTestController(t, EngineFunc(func(context.Context, ProgressFunc) (Result, error) {
		return Result{}, nil
	}))

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	untilTerminal(t, sub)

	late := bus.Subscribe()
	defer bus.Unsubscribe(late)

	if got := c.State(); got.Phase != PhaseStopped {
		t.Errorf("late observer state = %s, want stopped", got.Phase)
	}
	expectNoEvent(t, late)
}

func TestStateSnapshotIsolation(t *testing.T) {
	started := make(chan struct{})
	c, _, sub := newTestController(t, blockingEngine(started, Result{}))

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	snap := c.State()
	snap.Phase = PhaseError
	snap.LastMessage = "mutated"

	if got := c.State(); got.Phase != PhaseRunning || got.LastMessage == "mutated" {
		t.Errorf("snapshot mutation leaked into controller: %+v", got)
	}

	c.RequestStop()
	untilTerminal(t, sub)
}

func TestShutdownCancelsActiveScan(t *testing.T) {
	bus := event.NewBus(testLogger(), 16)
	defer bus.Close()
	started := make(chan struct{})
	c := NewController(blockingEngine(started, Result{}), bus, testLogger())
	sub := bus.Subscribe()

	if _, err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	evs := untilTerminal(t, sub)
	assertTypes(t, evs, event.ScanStarted, event.ScanStopped)
	if got := c.State(); got.LastMessage != "Scan cancelled" || got.CancelRequested {
		t.Errorf("state after shutdown = %+v", got)
	}

	if _, err := c.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrClosed", err)
	}
}
