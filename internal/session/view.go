package session

import (
	"fmt"
	"strings"

	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/scan"
)

// View is the client's picture of the server's scan state, built from a
// state snapshot and the events that follow it.
type View struct {
	Connected    bool
	ScanID       string
	Phase        scan.Phase
	Message      string
	Progress     scan.Progress
	NeedsRefresh bool
	LastSeq      uint64
}

// Snapshot replaces the scan fields with an authoritative state.
func (v *View) Snapshot(st scan.State) {
	v.ScanID = st.ScanID
	v.Phase = st.Phase
	v.Message = st.LastMessage
	v.Progress = st.Progress
}

// Apply folds one event into the view. It reports whether persisted data
// (jobs, funnel) should be reloaded. Only scan events set the status message.
func (v *View) Apply(e event.Event) bool {
	if e.Message != "" && strings.HasPrefix(string(e.Type), "scan_") {
		v.Message = e.Message
	}
	if id, ok := e.Data["scan_id"].(string); ok && id != "" {
		v.ScanID = id
	}

	switch e.Type {
	case event.ScanStarted:
		v.Phase = scan.PhaseRunning
		v.Progress = scan.Progress{}
	case event.ScanProgress:
		v.Progress = scan.Progress{
			SearchesDone:  intField(e.Data, "searches_done"),
			SearchesTotal: intField(e.Data, "searches_total"),
			LinksExamined: intField(e.Data, "links_examined"),
			NewJobs:       intField(e.Data, "new_jobs"),
		}
	case event.ScanStopping:
		v.Phase = scan.PhaseStopping
	case event.ScanStopped, event.ScanComplete:
		v.Phase = scan.PhaseStopped
	case event.ScanError:
		v.Phase = scan.PhaseError
	}

	if e.Type.Terminal() || isJobChange(e.Type) {
		v.NeedsRefresh = true
	}
	return v.NeedsRefresh
}

// String renders the view as one status line.
func (v View) String() string {
	conn := "connected"
	if !v.Connected {
		conn = "disconnected"
	}
	s := fmt.Sprintf("[%s] %s: %s", conn, v.Phase, v.Message)
	if v.Phase.Active() && v.Progress.SearchesTotal > 0 {
		s += fmt.Sprintf(" (searches %d/%d, links %d, new %d)",
			v.Progress.SearchesDone, v.Progress.SearchesTotal,
			v.Progress.LinksExamined, v.Progress.NewJobs)
	}
	return s
}

func isJobChange(t event.Type) bool {
	switch t {
	case event.JobUpdated, event.JobsCleared, event.JobsArchived:
		return true
	}
	return false
}

// intField reads a number from decoded event data. JSON numbers arrive as
// float64; in-process events carry ints.
func intField(data map[string]any, key string) int {
	switch n := data[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
