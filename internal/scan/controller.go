package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/metrics"
)

const funnelTimeout = 5 * time.Second

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(e event.Event)
}

// FunnelSource supplies the funnel attached to scan_complete.
type FunnelSource interface {
	ComputeFunnel(ctx context.Context) (metrics.Funnel, error)
}

// Controller owns the single scan slot. All transitions happen under mu and
// publish their event before releasing it, so observers see events in
// transition order.
type Controller struct {
	engine      Engine
	bus         Publisher
	funnel      FunnelSource
	stopTimeout time.Duration
	logger      *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.RWMutex
	state     State
	cancel    context.CancelFunc
	stopTimer *time.Timer
	closed    bool
}

// NewController creates a Controller in the idle phase.
func NewController(engine Engine, bus Publisher, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		engine:     engine,
		bus:        bus,
		logger:     logger.With(slog.String("component", "scan")),
		baseCtx:    ctx,
		baseCancel: cancel,
		state: State{
			Phase:       PhaseIdle,
			LastMessage: "Ready",
		},
	}
}

// SetFunnelSource attaches the funnel aggregator. Call before Start.
func (c *Controller) SetFunnelSource(f FunnelSource) {
	c.funnel = f
}

// SetStopTimeout bounds how long a scan may stay in the stopping phase
// before it is moved to error. Zero disables the bound. Call before Start.
func (c *Controller) SetStopTimeout(d time.Duration) {
	c.stopTimeout = d
}

// State returns a snapshot of the current scan state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start begins a new scan and returns immediately. It fails with
// ErrAlreadyRunning, without side effects, while a scan is active.
func (c *Controller) Start() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.state, ErrClosed
	}
	if c.state.Phase.Active() {
		return c.state, ErrAlreadyRunning
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(c.baseCtx)

	c.cancel = cancel
	c.state = State{
		ScanID:      id,
		Phase:       PhaseRunning,
		LastMessage: "Scan started",
		StartedAt:   &now,
	}
	c.publishLocked(event.ScanStarted, nil)
	c.logger.Info("scan started", slog.String("scan_id", id))

	c.wg.Add(1)
	go c.run(ctx, id)

	return c.state, nil
}

// RequestStop asks the running scan to stop at its next checkpoint. It
// does not wait for the scan to exit. When nothing is running it changes
// nothing and says so in the result.
func (c *Controller) RequestStop() StopResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Phase {
	case PhaseRunning:
	case PhaseStopping:
		return StopResult{Message: "Stop already requested", State: c.state}
	default:
		return StopResult{Message: "No scan is running", State: c.state}
	}

	id := c.state.ScanID
	c.state.Phase = PhaseStopping
	c.state.CancelRequested = true
	c.state.LastMessage = "Stop requested - finishing current item..."
	c.publishLocked(event.ScanStopping, nil)
	c.logger.Info("scan stop requested", slog.String("scan_id", id))

	c.cancel()

	if c.stopTimeout > 0 {
		c.stopTimer = time.AfterFunc(c.stopTimeout, func() { c.expireStop(id) })
	}

	return StopResult{Stopped: true, Message: c.state.LastMessage, State: c.state}
}

// Shutdown cancels any active scan and waits for it to exit or for ctx to
// end. Start fails with ErrClosed afterwards.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.baseCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scan to exit: %w", ctx.Err())
	}
}

func (c *Controller) run(ctx context.Context, id string) {
	defer c.wg.Done()

	result, err := c.runEngine(ctx, id)

	var funnel *metrics.Funnel
	if err == nil && c.funnel != nil {
		funnel = c.computeFunnel(id)
	}

	c.finish(id, result, err, funnel)
}

func (c *Controller) runEngine(ctx context.Context, id string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("discovery engine panicked", slog.String("scan_id", id), slog.Any("panic", r))
			err = fmt.Errorf("discovery engine panicked: %v", r)
		}
	}()
	return c.engine.Run(ctx, c.progressFunc(id))
}

func (c *Controller) computeFunnel(id string) *metrics.Funnel {
	ctx, cancel := context.WithTimeout(context.Background(), funnelTimeout)
	defer cancel()

	f, err := c.funnel.ComputeFunnel(ctx)
	if err != nil {
		c.logger.Warn("computing funnel for scan_complete", slog.String("scan_id", id), slog.Any("error", err))
		return nil
	}
	return &f
}

func (c *Controller) progressFunc(id string) ProgressFunc {
	return func(p Progress) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.state.ScanID != id || !c.state.Phase.Active() {
			return
		}
		c.state.Progress = p
		if c.state.Phase == PhaseRunning {
			c.state.LastMessage = fmt.Sprintf("Searching (%d/%d): %d links examined, %d new jobs",
				p.SearchesDone, p.SearchesTotal, p.LinksExamined, p.NewJobs)
		}
		c.publishLocked(event.ScanProgress, map[string]any{
			"searches_done":  p.SearchesDone,
			"searches_total": p.SearchesTotal,
			"links_examined": p.LinksExamined,
			"new_jobs":       p.NewJobs,
		})
	}
}

// finish moves the attempt to its terminal phase. A finish for an attempt
// that is no longer current (abandoned by the stop timeout) is dropped.
func (c *Controller) finish(id string, result Result, err error, funnel *metrics.Funnel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.With(slog.String("scan_id", id))

	if c.state.ScanID != id || !c.state.Phase.Active() {
		log.Warn("ignoring result of abandoned scan", slog.Any("error", err))
		return
	}

	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.cancel()
	c.cancel = nil

	now := time.Now().UTC()
	c.state.EndedAt = &now

	switch {
	case err == nil:
		c.state.Phase = PhaseStopped
		c.state.Result = &result
		c.state.LastMessage = fmt.Sprintf("Scan complete. New jobs: %d, Links examined: %d",
			result.NewJobs, result.LinksExamined)
		data := map[string]any{
			"new_jobs":       result.NewJobs,
			"links_examined": result.LinksExamined,
		}
		if funnel != nil {
			data["funnel"] = *funnel
		}
		c.publishLocked(event.ScanComplete, data)
		log.Info("scan complete",
			slog.Int("new_jobs", result.NewJobs),
			slog.Int("links_examined", result.LinksExamined))

	case errors.Is(err, context.Canceled):
		c.state.Phase = PhaseStopped
		c.state.Result = &result
		if c.state.CancelRequested {
			c.state.LastMessage = "Scan stopped by user"
		} else {
			c.state.LastMessage = "Scan cancelled"
		}
		c.publishLocked(event.ScanStopped, map[string]any{
			"new_jobs":       result.NewJobs,
			"links_examined": result.LinksExamined,
		})
		log.Info("scan stopped",
			slog.Bool("user_requested", c.state.CancelRequested),
			slog.Int("links_examined", result.LinksExamined))

	default:
		c.state.Phase = PhaseError
		c.state.Error = err.Error()
		c.state.LastMessage = "Scan error: " + err.Error()
		c.publishLocked(event.ScanError, map[string]any{"error": err.Error()})
		log.Error("scan failed", slog.Any("error", err))
	}
}

// expireStop fires when a stopping scan outlives the stop timeout.
func (c *Controller) expireStop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.ScanID != id || c.state.Phase != PhaseStopping {
		return
	}

	now := time.Now().UTC()
	msg := fmt.Sprintf("scan did not stop within %s", c.stopTimeout)
	c.state.Phase = PhaseError
	c.state.EndedAt = &now
	c.state.Error = msg
	c.state.LastMessage = "Scan error: " + msg
	c.stopTimer = nil
	c.cancel = nil
	c.publishLocked(event.ScanError, map[string]any{
		"error":  msg,
		"reason": "stop_timeout",
	})
	c.logger.Error("scan abandoned after stop timeout",
		slog.String("scan_id", id),
		slog.Duration("timeout", c.stopTimeout))
}

// publishLocked must be called with c.mu held.
func (c *Controller) publishLocked(t event.Type, data map[string]any) {
	if c.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["scan_id"] = c.state.ScanID
	c.bus.Publish(event.Event{
		Type:    t,
		Message: c.state.LastMessage,
		Data:    data,
	})
}
