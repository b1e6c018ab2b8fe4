package api

import (
	"errors"
	"net/http"

	"github.com/mbusbee505/JobFinder/internal/scan"
)

func (r *Router) handleScanState(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.scans.State())
}

func (r *Router) handleScanStart(w http.ResponseWriter, req *http.Request) {
	state, err := r.scans.Start()
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"state": state,
		})
	case errors.Is(err, scan.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		r.logger.Error("starting scan", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start scan")
	default:
		writeJSON(w, http.StatusAccepted, state)
	}
}

// handleScanStop always succeeds; the body says whether anything stopped.
func (r *Router) handleScanStop(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.scans.RequestStop())
}
