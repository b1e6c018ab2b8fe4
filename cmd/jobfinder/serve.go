package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbusbee505/JobFinder/internal/api"
	"github.com/mbusbee505/JobFinder/internal/api/middleware"
	"github.com/mbusbee505/JobFinder/internal/config"
	"github.com/mbusbee505/JobFinder/internal/prefs"
	"github.com/mbusbee505/JobFinder/internal/version"
	"github.com/mbusbee505/JobFinder/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and status page",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Preferences.Watch {
		go func() {
			err := a.prefs.Watch(ctx, func(p prefs.Preferences) {
				logger.Info("preferences reloaded",
					slog.Int("keywords", len(p.Keywords)),
					slog.Int("locations", len(p.Locations)))
			})
			if err != nil {
				logger.Warn("preferences watcher stopped", slog.Any("error", err))
			}
		}()
	}

	if cfg.Backup.Interval > 0 {
		go a.backups.Run(ctx, cfg.Backup.Interval)
	}
	if cfg.Database.MaintenanceInterval > 0 {
		go a.maint.Run(ctx, cfg.Database.MaintenanceInterval)
	}

	router := api.NewRouter(api.RouterDeps{
		Scans:          a.scans,
		Bus:            a.bus,
		Jobs:           a.jobs,
		Metrics:        a.metrics,
		Prefs:          a.prefs,
		Backups:        a.backups,
		Maintenance:    a.maint,
		LogManager:     a.logManager,
		Settings:       a.settings,
		ControlLimiter: middleware.NewRateLimiter(ctx, time.Second, 5),
		Static:         web.Static(),
		Logger:         logger,
		BasePath:       cfg.Server.BasePath,
	})

	// WriteTimeout stays zero so the event stream is not cut off; the
	// stream sets its own per-frame write deadline.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting jobfinder",
			slog.String("version", version.Version),
			slog.String("addr", srv.Addr),
			slog.String("base_path", cfg.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", slog.Any("error", err))
	}
	a.shutdown(10 * time.Second)
	return nil
}
