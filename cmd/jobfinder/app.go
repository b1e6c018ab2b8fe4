package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mbusbee505/JobFinder/internal/backup"
	"github.com/mbusbee505/JobFinder/internal/config"
	"github.com/mbusbee505/JobFinder/internal/database"
	"github.com/mbusbee505/JobFinder/internal/discovery"
	"github.com/mbusbee505/JobFinder/internal/evaluate"
	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/job"
	"github.com/mbusbee505/JobFinder/internal/logging"
	"github.com/mbusbee505/JobFinder/internal/maintenance"
	"github.com/mbusbee505/JobFinder/internal/metrics"
	"github.com/mbusbee505/JobFinder/internal/notify"
	"github.com/mbusbee505/JobFinder/internal/prefs"
	"github.com/mbusbee505/JobFinder/internal/scan"
)

const busBuffer = 64

// app holds the services shared by the serve and scan commands.
type app struct {
	cfg        *config.Config
	logManager *logging.Manager
	logger     *slog.Logger
	db         *sql.DB
	settings   *database.Settings
	bus        *event.Bus
	jobs       *job.Service
	metrics    *metrics.Aggregator
	prefs      *prefs.Store
	scans      *scan.Controller
	backups    *backup.Service
	maint      *maintenance.Service
	notifier   *notify.Notifier
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	logCfg := logging.Config{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		FilePath:       cfg.Logging.FilePath,
		FileMaxSizeMB:  cfg.Logging.FileMaxSizeMB,
		FileMaxFiles:   cfg.Logging.FileMaxFiles,
		FileMaxAgeDays: cfg.Logging.FileMaxAgeDays,
	}
	a.logManager, a.logger = logging.NewManager(logCfg)
	slog.SetDefault(a.logger)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db = db

	if err := database.Migrate(db); err != nil {
		a.close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	a.logger.Info("database ready", slog.String("path", cfg.Database.Path))

	// Settings saved through the API override the config file.
	a.settings = database.NewSettings(db)
	if persisted, ok, err := logging.LoadPersisted(context.Background(), a.settings, logCfg); err != nil {
		a.logger.Warn("loading persisted logging settings", slog.Any("error", err))
	} else if ok {
		a.logManager.Reconfigure(persisted)
		a.logger.Info("logging settings loaded from database", slog.String("config", persisted.String()))
	}

	a.prefs, err = prefs.NewStore(cfg.Preferences.Path, a.logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("loading preferences: %w", err)
	}

	evaluator, err := newEvaluator(cfg.Evaluator, a.logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.bus = event.NewBus(a.logger, busBuffer)
	a.jobs = job.NewService(db)
	a.metrics = metrics.NewAggregator(db)

	engine := discovery.New(a.jobs, evaluator, a.prefs, discovery.Options{
		BaseURL:        cfg.Discovery.BaseURL,
		UserAgent:      cfg.Discovery.UserAgent,
		RequestRate:    cfg.Discovery.RequestRate,
		Burst:          cfg.Discovery.Burst,
		Workers:        cfg.Discovery.Workers,
		RequestTimeout: cfg.Discovery.RequestTimeout,
	}, a.logger)

	a.scans = scan.NewController(engine, a.bus, a.logger)
	a.scans.SetFunnelSource(a.metrics)
	a.scans.SetStopTimeout(cfg.Scan.StopTimeout)

	a.notifier = notify.New(cfg.Notify.WebhookURLs, a.logger)
	if a.notifier.Enabled() {
		a.bus.Handle(a.notifier.HandleEvent, notify.Events...)
		a.logger.Info("webhook notifications enabled", slog.Int("urls", len(cfg.Notify.WebhookURLs)))
	}

	backupDir := cfg.Backup.Path
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.Database.Path), "backups")
	}
	a.backups = backup.NewService(db, backupDir, cfg.Backup.Retention, a.logger)
	a.maint = maintenance.NewService(db, cfg.Database.Path, a.settings, a.logger)

	return a, nil
}

func newEvaluator(cfg config.EvaluatorConfig, logger *slog.Logger) (evaluate.Evaluator, error) {
	if cfg.Provider == "none" {
		logger.Warn("no evaluator configured; discovered jobs will stay unanalyzed")
		return evaluate.Disabled{}, nil
	}
	if cfg.APIKey == "" {
		logger.Warn("anthropic api key not set; discovered jobs will stay unanalyzed")
		return evaluate.Disabled{}, nil
	}
	ev, err := evaluate.NewAnthropic(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("creating evaluator: %w", err)
	}
	logger.Info("anthropic evaluator ready", slog.String("model", cfg.Model))
	return ev, nil
}

// shutdown stops the active scan, drains event handlers and waits for
// webhook deliveries.
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.scans.Shutdown(ctx); err != nil {
		a.logger.Warn("scan did not exit before shutdown", slog.Any("error", err))
	}
	a.bus.Close()
	a.notifier.Wait()
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("closing database", "error", err)
		}
	}
	if a.logManager != nil {
		a.logManager.Close() //nolint:errcheck
	}
}
