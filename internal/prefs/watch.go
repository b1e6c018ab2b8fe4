package prefs

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watch reloads the preferences whenever the file changes on disk, until ctx
// is canceled. The parent directory is watched so that editors which
// replace the file by rename are picked up. onReload, if non-nil, runs after
// each successful reload.
func (s *Store) Watch(ctx context.Context, onReload func(Preferences)) error {
	return s.watch(ctx, defaultDebounce, onReload)
}

func (s *Store) watch(ctx context.Context, debounce time.Duration, onReload func(Preferences)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close() //nolint:errcheck

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(s.path)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	s.logger.Info("watching preferences", slog.String("path", s.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("preferences watcher error", slog.Any("error", err))

		case <-timer.C:
			if err := s.reload(); err != nil {
				s.logger.Warn("reloading preferences", slog.Any("error", err))
				continue
			}
			s.logger.Info("preferences reloaded from disk")
			if onReload != nil {
				onReload(s.Current())
			}
		}
	}
}
