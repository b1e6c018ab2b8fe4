package api

import (
	"io"
	"net/http"

	"github.com/mbusbee505/JobFinder/internal/prefs"
)

func (r *Router) handleGetPreferences(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.prefs.Current())
}

func (r *Router) handleUpdatePreferences(w http.ResponseWriter, req *http.Request) {
	var p prefs.Preferences
	if err := decodeJSON(w, req, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := r.prefs.Update(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleExportPreferences(w http.ResponseWriter, req *http.Request) {
	data, err := r.prefs.Export()
	if err != nil {
		r.logger.Error("exporting preferences", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export preferences")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="jobfinder-preferences.yaml"`)
	w.Write(data) //nolint:errcheck,gosec
}

func (r *Router) handleImportPreferences(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "preferences file too large")
		return
	}
	p, err := r.prefs.Import(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}
