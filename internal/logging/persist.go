package logging

import (
	"context"
	"fmt"
	"strconv"
)

// SettingsStore is the key/value store that holds runtime overrides.
type SettingsStore interface {
	Settings(ctx context.Context, prefix string) (map[string]string, error)
	PutSettings(ctx context.Context, values map[string]string) error
}

const settingsPrefix = "logging."

// LoadPersisted overlays overrides saved by a previous Persist call onto
// base. Unknown or invalid values are ignored.
func LoadPersisted(ctx context.Context, store SettingsStore, base Config) (Config, bool, error) {
	values, err := store.Settings(ctx, settingsPrefix)
	if err != nil {
		return base, false, fmt.Errorf("reading logging settings: %w", err)
	}
	if len(values) == 0 {
		return base, false, nil
	}

	cfg := base
	if v := values["logging.level"]; ValidLevel(v) {
		cfg.Level = v
	}
	if v := values["logging.format"]; ValidFormat(v) {
		cfg.Format = v
	}
	if v, ok := values["logging.file_path"]; ok {
		cfg.FilePath = v
	}
	cfg.FileMaxSizeMB = atoiOr(values["logging.file_max_size_mb"], cfg.FileMaxSizeMB)
	cfg.FileMaxFiles = atoiOr(values["logging.file_max_files"], cfg.FileMaxFiles)
	cfg.FileMaxAgeDays = atoiOr(values["logging.file_max_age_days"], cfg.FileMaxAgeDays)
	return cfg, true, nil
}

// Persist stores cfg so it survives restarts.
func Persist(ctx context.Context, store SettingsStore, cfg Config) error {
	err := store.PutSettings(ctx, map[string]string{
		"logging.level":             cfg.Level,
		"logging.format":            cfg.Format,
		"logging.file_path":         cfg.FilePath,
		"logging.file_max_size_mb":  strconv.Itoa(cfg.FileMaxSizeMB),
		"logging.file_max_files":    strconv.Itoa(cfg.FileMaxFiles),
		"logging.file_max_age_days": strconv.Itoa(cfg.FileMaxAgeDays),
	})
	if err != nil {
		return fmt.Errorf("persisting logging settings: %w", err)
	}
	return nil
}

func atoiOr(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return fallback
}
