package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/job"
)

func (r *Router) handleListJobs(w http.ResponseWriter, req *http.Request) {
	status, ok := job.ParseStatus(req.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "status must be pending, applied, or archived")
		return
	}

	jobs, err := r.jobs.List(req.Context(), status)
	if err != nil {
		r.logger.Error("listing jobs", "status", string(status), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []job.Approved{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (r *Router) handleGetJob(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := r.jobs.GetApproved(req.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		r.logger.Error("getting job", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (r *Router) handleApplyJob(w http.ResponseWriter, req *http.Request) {
	r.updateJob(w, req, "applied", r.jobs.MarkApplied)
}

func (r *Router) handleDeleteJob(w http.ResponseWriter, req *http.Request) {
	r.updateJob(w, req, "deleted", r.jobs.DeleteApproved)
}

// updateJob runs a single-record change and announces it on the bus.
func (r *Router) updateJob(w http.ResponseWriter, req *http.Request, action string, fn func(context.Context, int64) error) {
	id, err := pathID(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := fn(req.Context(), id); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		r.logger.Error("updating job", "id", id, "action", action, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update job")
		return
	}

	r.bus.Publish(event.Event{
		Type:    event.JobUpdated,
		Message: "Job " + action,
		Data:    map[string]any{"id": id, "action": action},
	})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "action": action})
}

func (r *Router) handleClearJobs(w http.ResponseWriter, req *http.Request) {
	n, err := r.jobs.ClearPending(req.Context())
	if err != nil {
		r.logger.Error("clearing pending jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear jobs")
		return
	}
	r.bus.Publish(event.Event{
		Type:    event.JobsCleared,
		Message: "Pending jobs cleared",
		Data:    map[string]any{"count": n},
	})
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (r *Router) handleArchiveJobs(w http.ResponseWriter, req *http.Request) {
	n, err := r.jobs.ArchiveApplied(req.Context())
	if err != nil {
		r.logger.Error("archiving applied jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to archive jobs")
		return
	}
	r.bus.Publish(event.Event{
		Type:    event.JobsArchived,
		Message: "Applied jobs archived",
		Data:    map[string]any{"count": n},
	})
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	funnel, err := r.metrics.ComputeFunnel(req.Context())
	if err != nil {
		r.logger.Error("computing funnel", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	breakdown, err := r.metrics.Breakdown(req.Context())
	if err != nil {
		r.logger.Error("computing breakdown", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"funnel":    funnel,
		"breakdown": breakdown,
	})
}
