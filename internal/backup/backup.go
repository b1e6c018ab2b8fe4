// Package backup takes consistent snapshots of the job database.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "jobfinder-"
	timeLayout = "20060102-150405"
)

// snapshotPattern matches snapshot filenames: jobfinder-YYYYMMDD-HHMMSS.db
var snapshotPattern = regexp.MustCompile(`^jobfinder-\d{8}-\d{6}\.db$`)

// ErrInvalidName is returned for filenames that are not snapshots.
var ErrInvalidName = errors.New("invalid snapshot filename")

// Info describes a snapshot file.
type Info struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Service writes snapshots to a directory and keeps the newest few.
type Service struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex // serializes snapshot creation
	retention int
}

// NewService creates a snapshot service. A retention below one keeps every
// snapshot.
func NewService(db *sql.DB, dir string, retention int, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		dir:       dir,
		retention: retention,
		logger:    logger.With(slog.String("component", "backup")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dir returns the snapshot directory.
func (s *Service) Dir() string { return s.dir }

// Snapshot writes a new snapshot with VACUUM INTO and prunes old ones.
func (s *Service) Snapshot(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	now := s.now()
	filename := filePrefix + now.Format(timeLayout) + ".db"
	dest := filepath.Join(s.dir, filename)

	if err := vacuumInto(ctx, s.db, dest); err != nil {
		return nil, err
	}

	st, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	s.logger.Info("database snapshot written",
		slog.String("filename", filename),
		slog.Int64("size", st.Size()))

	if err := s.prune(); err != nil {
		s.logger.Warn("pruning snapshots", slog.Any("error", err))
	}

	return &Info{Filename: filename, Size: st.Size(), CreatedAt: now}, nil
}

// Export streams a fresh snapshot to w without keeping it on disk.
func (s *Service) Export(ctx context.Context, w io.Writer) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "jobfinder-export-")
	if err != nil {
		return 0, fmt.Errorf("creating export directory: %w", err)
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	dest := filepath.Join(tmpDir, "export.db")
	if err := vacuumInto(ctx, s.db, dest); err != nil {
		return 0, err
	}

	f, err := os.Open(dest) //nolint:gosec // path is inside our temp dir
	if err != nil {
		return 0, fmt.Errorf("opening export: %w", err)
	}
	defer f.Close() //nolint:errcheck

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("streaming export: %w", err)
	}
	return n, nil
}

// List returns snapshots, newest first.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		if entry.IsDir() || !snapshotPattern.MatchString(entry.Name()) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), filePrefix), ".db")
		ts, err := time.Parse(timeLayout, stamp)
		if err != nil {
			ts = fi.ModTime()
		}
		out = append(out, Info{Filename: entry.Name(), Size: fi.Size(), CreatedAt: ts})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Path returns the on-disk path of a snapshot after validating its name.
func (s *Service) Path(filename string) (string, error) {
	if !IsValidFilename(filename) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, filename), nil
}

// Delete removes one snapshot.
func (s *Service) Delete(filename string) error {
	path, err := s.Path(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil { //nolint:gosec // filename validated above
		return fmt.Errorf("removing snapshot: %w", err)
	}
	s.logger.Info("snapshot deleted", slog.String("filename", filename))
	return nil
}

func (s *Service) prune() error {
	if s.retention < 1 {
		return nil
	}
	all, err := s.List()
	if err != nil {
		return err
	}
	if len(all) <= s.retention {
		return nil
	}
	for _, b := range all[s.retention:] {
		if err := os.Remove(filepath.Join(s.dir, b.Filename)); err != nil {
			s.logger.Warn("removing old snapshot", slog.String("filename", b.Filename), slog.Any("error", err))
			continue
		}
		s.logger.Info("pruned old snapshot", slog.String("filename", b.Filename))
	}
	return nil
}

// Run takes a snapshot every interval until ctx is canceled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("backup scheduler started",
		slog.Duration("interval", interval),
		slog.Int("retention", s.retention))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Snapshot(ctx); err != nil {
				s.logger.Error("scheduled snapshot failed", slog.Any("error", err))
			}
		}
	}
}

// IsValidFilename reports whether name is a snapshot filename with no path
// components.
func IsValidFilename(name string) bool {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return snapshotPattern.MatchString(name)
}

func vacuumInto(ctx context.Context, db *sql.DB, dest string) error {
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("VACUUM INTO: %w", err)
	}
	return nil
}
