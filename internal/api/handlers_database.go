package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/mbusbee505/JobFinder/internal/backup"
)

func (r *Router) handleDatabaseExport(w http.ResponseWriter, req *http.Request) {
	name := "jobfinder-export-" + time.Now().UTC().Format("20060102-150405") + ".db"
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)

	n, err := r.backups.Export(req.Context(), w)
	if err != nil {
		r.logger.Error("exporting database", "error", err)
		if n == 0 {
			w.Header().Del("Content-Disposition")
			writeError(w, http.StatusInternalServerError, "failed to export database")
		}
		return
	}
	r.logger.Info("database exported", "bytes", n)
}

func (r *Router) handleBackupList(w http.ResponseWriter, req *http.Request) {
	list, err := r.backups.List()
	if err != nil {
		r.logger.Error("listing backups", "error", err)
		writeError(w, http.StatusInternalServerError, "listing backups failed")
		return
	}
	if list == nil {
		list = []backup.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleBackupCreate(w http.ResponseWriter, req *http.Request) {
	info, err := r.backups.Snapshot(req.Context())
	if err != nil {
		r.logger.Error("backup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (r *Router) handleBackupDownload(w http.ResponseWriter, req *http.Request) {
	filename := req.PathValue("filename")
	path, err := r.backups.Path(filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, req, path)
}

func (r *Router) handleBackupDelete(w http.ResponseWriter, req *http.Request) {
	filename := req.PathValue("filename")
	if err := r.backups.Delete(filename); err != nil {
		switch {
		case errors.Is(err, backup.ErrInvalidName):
			writeError(w, http.StatusBadRequest, "invalid filename")
		case errors.Is(err, os.ErrNotExist):
			writeError(w, http.StatusNotFound, "backup not found")
		default:
			r.logger.Error("deleting backup", "filename", filename, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to delete backup")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleDatabaseStatus(w http.ResponseWriter, req *http.Request) {
	st, err := r.maintenance.Status(req.Context())
	if err != nil {
		r.logger.Error("reading database status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read database status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (r *Router) handleDatabaseOptimize(w http.ResponseWriter, req *http.Request) {
	if err := r.maintenance.Optimize(req.Context()); err != nil {
		r.logger.Error("optimizing database", "error", err)
		writeError(w, http.StatusInternalServerError, "optimize failed")
		return
	}
	r.handleDatabaseStatus(w, req)
}

// handleDatabaseVacuum refuses to run during a scan; VACUUM holds the only
// connection until it finishes.
func (r *Router) handleDatabaseVacuum(w http.ResponseWriter, req *http.Request) {
	if r.scans != nil && r.scans.State().Phase.Active() {
		writeError(w, http.StatusConflict, "cannot vacuum while a scan is running")
		return
	}
	if err := r.maintenance.Vacuum(req.Context()); err != nil {
		r.logger.Error("vacuuming database", "error", err)
		writeError(w, http.StatusInternalServerError, "vacuum failed")
		return
	}
	r.handleDatabaseStatus(w, req)
}
