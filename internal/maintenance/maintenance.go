// Package maintenance keeps the job database compact and its query planner
// statistics fresh.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const lastOptimizeKey = "maintenance.last_optimize_at"

// Settings persists the last optimize time.
type Settings interface {
	Settings(ctx context.Context, prefix string) (map[string]string, error)
	PutSettings(ctx context.Context, values map[string]string) error
}

// Status describes the database file and its contents.
type Status struct {
	DBFileSize     int64      `json:"db_file_size"`
	WALFileSize    int64      `json:"wal_file_size"`
	PageCount      int64      `json:"page_count"`
	PageSize       int64      `json:"page_size"`
	FreePages      int64      `json:"free_pages"`
	DiscoveredJobs int64      `json:"discovered_jobs"`
	ApprovedJobs   int64      `json:"approved_jobs"`
	LastOptimizeAt *time.Time `json:"last_optimize_at,omitempty"`
}

// Service provides database maintenance operations.
type Service struct {
	db       *sql.DB
	dbPath   string
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a maintenance service. dbPath may be ":memory:", in
// which case file sizes are reported as zero.
func NewService(db *sql.DB, dbPath string, settings Settings, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		dbPath:   dbPath,
		settings: settings,
		logger:   logger.With(slog.String("component", "maintenance")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Status returns current database statistics.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBFileSize = info.Size()
	}
	if info, err := os.Stat(s.dbPath + "-wal"); err == nil {
		st.WALFileSize = info.Size()
	}

	for _, q := range []struct {
		query string
		dest  *int64
	}{
		{"PRAGMA page_count", &st.PageCount},
		{"PRAGMA page_size", &st.PageSize},
		{"PRAGMA freelist_count", &st.FreePages},
		{"SELECT COUNT(*) FROM discovered_jobs", &st.DiscoveredJobs},
		{"SELECT COUNT(*) FROM approved_jobs", &st.ApprovedJobs},
	} {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("%s: %w", q.query, err)
		}
	}

	values, err := s.settings.Settings(ctx, lastOptimizeKey)
	if err != nil {
		s.logger.Warn("reading last optimize time", slog.Any("error", err))
	} else if v := values[lastOptimizeKey]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			st.LastOptimizeAt = &t
		}
	}

	return st, nil
}

// Optimize runs PRAGMA optimize followed by a WAL checkpoint, then records
// when it ran.
func (s *Service) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("PRAGMA optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint: %w", err)
	}

	now := s.now().Format(time.RFC3339)
	if err := s.settings.PutSettings(ctx, map[string]string{lastOptimizeKey: now}); err != nil {
		s.logger.Warn("recording optimize timestamp", slog.Any("error", err))
	}

	s.logger.Info("optimize complete")
	return nil
}

// Vacuum rebuilds the database file, releasing free pages. It blocks every
// other query while it runs.
func (s *Service) Vacuum(ctx context.Context) error {
	start := s.now()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("VACUUM: %w", err)
	}
	s.logger.Info("vacuum complete", slog.Duration("took", s.now().Sub(start)))
	return nil
}

// Run optimizes on a fixed interval until ctx is canceled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("maintenance scheduler started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Optimize(ctx); err != nil {
				s.logger.Error("scheduled optimize failed", slog.Any("error", err))
			}
		}
	}
}
