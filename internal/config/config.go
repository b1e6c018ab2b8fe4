package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Scan        ScanConfig        `yaml:"scan"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Evaluator   EvaluatorConfig   `yaml:"evaluator"`
	Preferences PreferencesConfig `yaml:"preferences"`
	Session     SessionConfig     `yaml:"session"`
	Notify      NotifyConfig      `yaml:"notify"`
	Backup      BackupConfig      `yaml:"backup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
}

// DatabaseConfig holds SQLite settings. A zero MaintenanceInterval disables
// the scheduled optimize.
type DatabaseConfig struct {
	Path                string        `yaml:"path"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	FilePath       string `yaml:"file_path"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxFiles   int    `yaml:"file_max_files"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
}

// ScanConfig holds scan lifecycle settings. A zero StopTimeout leaves a
// stopping scan in place until the engine exits on its own.
type ScanConfig struct {
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// DiscoveryConfig controls how job listings are fetched.
type DiscoveryConfig struct {
	BaseURL        string        `yaml:"base_url"`
	UserAgent      string        `yaml:"user_agent"`
	RequestRate    float64       `yaml:"request_rate"`
	Burst          int           `yaml:"burst"`
	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// EvaluatorConfig selects and configures the AI eligibility check.
type EvaluatorConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// PreferencesConfig points at the search preferences file.
type PreferencesConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// SessionConfig holds client session settings used by the watch command.
type SessionConfig struct {
	Reconnect time.Duration `yaml:"reconnect"`
}

// NotifyConfig lists webhook endpoints that receive scan outcomes.
type NotifyConfig struct {
	WebhookURLs []string `yaml:"webhook_urls"`
}

// BackupConfig holds database snapshot settings. A zero Interval disables
// scheduled backups; manual backups remain available.
type BackupConfig struct {
	Path      string        `yaml:"path"`
	Retention int           `yaml:"retention"`
	Interval  time.Duration `yaml:"interval"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			BasePath: "/",
		},
		Database: DatabaseConfig{
			Path:                "data/jobfinder.db",
			MaintenanceInterval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Discovery: DiscoveryConfig{
			BaseURL:        "https://www.linkedin.com",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			RequestRate:    1,
			Burst:          1,
			Workers:        2,
			RequestTimeout: 15 * time.Second,
		},
		Evaluator: EvaluatorConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5-20250929",
			MaxTokens: 1024,
		},
		Preferences: PreferencesConfig{
			Path:  "data/preferences.yaml",
			Watch: true,
		},
		Session: SessionConfig{
			Reconnect: 3 * time.Second,
		},
		Backup: BackupConfig{
			Retention: 7,
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("JF_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("JF_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("JF_BASE_PATH"); v != "" {
		c.Server.BasePath = v
	}
	if v := os.Getenv("JF_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("JF_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("JF_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("JF_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("JF_SCAN_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scan.StopTimeout = d
		}
	}
	if v := os.Getenv("JF_DISCOVERY_BASE_URL"); v != "" {
		c.Discovery.BaseURL = v
	}
	if v := os.Getenv("JF_DISCOVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Discovery.Workers = n
		}
	}
	if v := os.Getenv("JF_EVALUATOR_PROVIDER"); v != "" {
		c.Evaluator.Provider = v
	}
	if v := os.Getenv("JF_ANTHROPIC_API_KEY"); v != "" {
		c.Evaluator.APIKey = v
	} else if c.Evaluator.APIKey == "" {
		c.Evaluator.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if v := os.Getenv("JF_EVALUATOR_MODEL"); v != "" {
		c.Evaluator.Model = v
	}
	if v := os.Getenv("JF_PREFERENCES_PATH"); v != "" {
		c.Preferences.Path = v
	}
	if v := os.Getenv("JF_WEBHOOK_URLS"); v != "" {
		c.Notify.WebhookURLs = splitList(v)
	}
	if v := os.Getenv("JF_BACKUP_PATH"); v != "" {
		c.Backup.Path = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.MaintenanceInterval < 0 {
		return fmt.Errorf("database maintenance_interval must not be negative")
	}
	if c.Scan.StopTimeout < 0 {
		return fmt.Errorf("scan stop_timeout must not be negative")
	}
	if c.Discovery.RequestRate <= 0 {
		return fmt.Errorf("discovery request_rate must be positive")
	}
	if c.Discovery.Burst < 1 {
		c.Discovery.Burst = 1
	}
	if c.Discovery.Workers < 1 {
		c.Discovery.Workers = 1
	}
	switch c.Evaluator.Provider {
	case "anthropic", "none":
	default:
		return fmt.Errorf("unknown evaluator provider: %q", c.Evaluator.Provider)
	}
	if c.Session.Reconnect <= 0 {
		c.Session.Reconnect = 3 * time.Second
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
