package api

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/mbusbee505/JobFinder/internal/api/middleware"
	"github.com/mbusbee505/JobFinder/internal/backup"
	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/job"
	"github.com/mbusbee505/JobFinder/internal/logging"
	"github.com/mbusbee505/JobFinder/internal/maintenance"
	"github.com/mbusbee505/JobFinder/internal/metrics"
	"github.com/mbusbee505/JobFinder/internal/prefs"
	"github.com/mbusbee505/JobFinder/internal/scan"
)

// RouterDeps bundles all dependencies needed by the HTTP router.
type RouterDeps struct {
	Scans          *scan.Controller
	Bus            *event.Bus
	Jobs           *job.Service
	Metrics        *metrics.Aggregator
	Prefs          *prefs.Store
	Backups        *backup.Service
	Maintenance    *maintenance.Service
	LogManager     *logging.Manager
	Settings       logging.SettingsStore
	ControlLimiter *middleware.RateLimiter
	Static         fs.FS
	Logger         *slog.Logger
	BasePath       string
}

// Router sets up all HTTP routes for the application.
type Router struct {
	scans          *scan.Controller
	bus            *event.Bus
	jobs           *job.Service
	metrics        *metrics.Aggregator
	prefs          *prefs.Store
	backups        *backup.Service
	maintenance    *maintenance.Service
	logManager     *logging.Manager
	settings       logging.SettingsStore
	controlLimiter *middleware.RateLimiter
	staticAssets   *StaticAssets
	logger         *slog.Logger
	basePath       string
}

// NewRouter creates a new Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	r := &Router{
		scans:          deps.Scans,
		bus:            deps.Bus,
		jobs:           deps.Jobs,
		metrics:        deps.Metrics,
		prefs:          deps.Prefs,
		backups:        deps.Backups,
		maintenance:    deps.Maintenance,
		logManager:     deps.LogManager,
		settings:       deps.Settings,
		controlLimiter: deps.ControlLimiter,
		logger:         deps.Logger.With(slog.String("component", "api")),
		basePath:       deps.BasePath,
	}
	if deps.Static != nil {
		r.staticAssets = NewStaticAssets(deps.Static, deps.Logger)
	}
	return r
}

// Handler returns the fully configured HTTP handler with middleware applied.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	bp := r.basePath

	mux.HandleFunc("GET "+bp+"/api/v1/health", r.handleHealth)

	// Scan lifecycle
	mux.HandleFunc("GET "+bp+"/api/v1/scan/state", r.handleScanState)
	mux.HandleFunc("POST "+bp+"/api/v1/scan/start", r.limitControl(r.handleScanStart))
	mux.HandleFunc("POST "+bp+"/api/v1/scan/stop", r.limitControl(r.handleScanStop))
	mux.Handle("GET "+bp+"/api/v1/ws", r.eventStream())

	// Jobs
	mux.HandleFunc("GET "+bp+"/api/v1/jobs", r.handleListJobs)
	mux.HandleFunc("GET "+bp+"/api/v1/jobs/{id}", r.handleGetJob)
	mux.HandleFunc("POST "+bp+"/api/v1/jobs/{id}/apply", r.handleApplyJob)
	mux.HandleFunc("DELETE "+bp+"/api/v1/jobs/{id}", r.handleDeleteJob)
	mux.HandleFunc("POST "+bp+"/api/v1/jobs/clear", r.handleClearJobs)
	mux.HandleFunc("POST "+bp+"/api/v1/jobs/archive", r.handleArchiveJobs)
	mux.HandleFunc("GET "+bp+"/api/v1/stats", r.handleStats)

	// Preferences
	mux.HandleFunc("GET "+bp+"/api/v1/preferences", r.handleGetPreferences)
	mux.HandleFunc("PUT "+bp+"/api/v1/preferences", r.handleUpdatePreferences)
	mux.HandleFunc("GET "+bp+"/api/v1/preferences/export", r.handleExportPreferences)
	mux.HandleFunc("POST "+bp+"/api/v1/preferences/import", r.handleImportPreferences)

	// Database
	mux.HandleFunc("GET "+bp+"/api/v1/database/export", r.handleDatabaseExport)
	mux.HandleFunc("GET "+bp+"/api/v1/database/backups", r.handleBackupList)
	mux.HandleFunc("POST "+bp+"/api/v1/database/backups", r.handleBackupCreate)
	mux.HandleFunc("GET "+bp+"/api/v1/database/backups/{filename}", r.handleBackupDownload)
	mux.HandleFunc("DELETE "+bp+"/api/v1/database/backups/{filename}", r.handleBackupDelete)
	if r.maintenance != nil {
		mux.HandleFunc("GET "+bp+"/api/v1/database/status", r.handleDatabaseStatus)
		mux.HandleFunc("POST "+bp+"/api/v1/database/optimize", r.handleDatabaseOptimize)
		mux.HandleFunc("POST "+bp+"/api/v1/database/vacuum", r.handleDatabaseVacuum)
	}

	// Settings
	mux.HandleFunc("GET "+bp+"/api/v1/settings/logging", r.handleGetLogging)
	mux.HandleFunc("PUT "+bp+"/api/v1/settings/logging", r.handleUpdateLogging)

	// Status page
	if r.staticAssets != nil {
		mux.Handle("GET "+bp+"/static/", r.staticAssets.Handler(bp))
		mux.HandleFunc("GET "+bp+"/{$}", r.handleIndex)
	}

	return middleware.SecurityHeaders(middleware.Logging(r.logger)(mux))
}

// limitControl applies the scan-control rate limiter when one is configured.
func (r *Router) limitControl(fn http.HandlerFunc) http.HandlerFunc {
	if r.controlLimiter == nil {
		return fn
	}
	return r.controlLimiter.Wrap(fn)
}
