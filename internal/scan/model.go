package scan

import (
	"context"
	"errors"
	"time"
)

// Phase is the scan lifecycle state.
type Phase string

// Scan phases. Running and Stopping are active; Stopped and Error are
// terminal and, like Idle, have no unit of work attached.
const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseError    Phase = "error"
)

// Active reports whether a unit of work is attached to the phase.
func (p Phase) Active() bool {
	return p == PhaseRunning || p == PhaseStopping
}

var (
	// ErrAlreadyRunning is returned by Start while a scan is running or stopping.
	ErrAlreadyRunning = errors.New("scan already running")

	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("scan controller shut down")
)

// Result is what a scan produced. A stopped scan carries partial counts.
type Result struct {
	NewJobs       int `json:"new_jobs"`
	LinksExamined int `json:"links_examined"`
}

// Progress is reported by the engine while it runs.
type Progress struct {
	SearchesDone  int `json:"searches_done"`
	SearchesTotal int `json:"searches_total"`
	LinksExamined int `json:"links_examined"`
	NewJobs       int `json:"new_jobs"`
}

// State is a point-in-time snapshot of the scan lifecycle.
type State struct {
	ScanID          string     `json:"scan_id,omitempty"`
	Phase           Phase      `json:"phase"`
	LastMessage     string     `json:"last_message"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	Progress        Progress   `json:"progress"`
	Result          *Result    `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// StopResult describes the outcome of RequestStop. Stopped is false when no
// scan was running; Message then explains why nothing happened.
type StopResult struct {
	Stopped bool   `json:"stopped"`
	Message string `json:"message"`
	State   State  `json:"state"`
}

// ProgressFunc receives progress reports. It is safe to call from several
// goroutines.
type ProgressFunc func(Progress)

// Engine performs one scan. Run must check ctx at regular checkpoints (between
// searches and between items) and return promptly once it is done, with the
// partial Result and ctx.Err(). Any other error fails the scan.
type Engine interface {
	Run(ctx context.Context, progress ProgressFunc) (Result, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, progress ProgressFunc) (Result, error)

// Run calls f.
func (f EngineFunc) Run(ctx context.Context, progress ProgressFunc) (Result, error) {
	return f(ctx, progress)
}
