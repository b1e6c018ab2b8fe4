package api

import (
	"net/http"

	"github.com/mbusbee505/JobFinder/internal/logging"
)

func (r *Router) handleGetLogging(w http.ResponseWriter, req *http.Request) {
	if r.logManager == nil {
		writeError(w, http.StatusServiceUnavailable, "logging manager not available")
		return
	}
	writeJSON(w, http.StatusOK, r.logManager.Config())
}

// handleUpdateLogging merges the provided fields over the running config,
// persists the result, then applies it.
func (r *Router) handleUpdateLogging(w http.ResponseWriter, req *http.Request) {
	if r.logManager == nil {
		writeError(w, http.StatusServiceUnavailable, "logging manager not available")
		return
	}

	var cfg logging.Config
	if err := decodeJSON(w, req, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg = cfg.Merge(r.logManager.Config())
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.settings != nil {
		if err := logging.Persist(req.Context(), r.settings, cfg); err != nil {
			r.logger.Error("persisting logging settings", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to persist setting")
			return
		}
	}

	r.logManager.Reconfigure(cfg)
	r.logger.Info("logging reconfigured", "config", cfg.String())
	writeJSON(w, http.StatusOK, cfg)
}
