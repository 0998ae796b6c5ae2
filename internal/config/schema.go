// Package config handles YAML configuration loading, environment variable
// expansion, defaults, and structural validation for ctxbudget.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/gateway"
	"github.com/flemzord/ctxbudget/internal/stats"
	"github.com/flemzord/ctxbudget/internal/telemetry"
	"github.com/flemzord/ctxbudget/modules/stats/sqlite"
)

// CurrentVersion is the only supported config format version.
const CurrentVersion = "1"

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Empty means CurrentVersion.
	Version string `yaml:"version"`

	Context         ctxengine.ContextConfig            `yaml:"context"`
	Tokenizer       string                             `yaml:"tokenizer"`
	Stats           StatsConfig                        `yaml:"stats"`
	Index           IndexConfig                        `yaml:"index"`
	Gateway         gateway.Config                     `yaml:"gateway"`
	Tracing         telemetry.TracingConfig            `yaml:"tracing"`
	Alerts          stats.AlertThresholds              `yaml:"alerts"`
	Recommendations ctxengine.RecommendationThresholds `yaml:"recommendations"`
	Redact          RedactConfig                       `yaml:"redact"`
	Cron            CronConfig                         `yaml:"cron"`
	Log             LogConfig                          `yaml:"log"`
}

// Tokenizer modes.
const (
	// TokenizerTiktoken counts with the model's BPE encoding, falling back
	// to the heuristic when the encoding cannot be loaded.
	TokenizerTiktoken = "tiktoken"

	// TokenizerHeuristic always uses the character heuristic.
	TokenizerHeuristic = "heuristic"
)

// StatsConfig controls the JSONL stats log.
type StatsConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Dir defaults to DefaultStatsDir().
	Dir string `yaml:"dir"`

	MaxSizeMB     int    `yaml:"max_size_mb"`
	MaxBackups    int    `yaml:"max_backups"`
	Compression   string `yaml:"compression"`
	HistoryLimit  int    `yaml:"history_limit"`
	RetentionDays int    `yaml:"retention_days"`
}

// IsEnabled reports whether compactions are recorded.
func (c StatsConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Retention returns the cleanup horizon.
func (c StatsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SinkConfig converts the section into a stats.SinkConfig. Call after
// Validate.
func (c StatsConfig) SinkConfig(logger *slog.Logger) stats.SinkConfig {
	comp, _ := stats.ParseCompression(c.Compression)
	return stats.SinkConfig{
		Dir:          c.Dir,
		MaxSizeBytes: int64(c.MaxSizeMB) << 20,
		MaxBackups:   c.MaxBackups,
		Compression:  comp,
		HistoryLimit: c.HistoryLimit,
		Logger:       logger,
	}
}

// IndexConfig controls the optional SQLite stats index.
type IndexConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WAL         *bool  `yaml:"wal"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// SQLite converts the section, placing the database next to the stats log
// when no path is set.
func (c IndexConfig) SQLite(statsDir string) sqlite.Config {
	path := c.Path
	if path == "" {
		path = filepath.Join(statsDir, sqlite.DefaultFileName)
	}
	return sqlite.Config{Path: path, WAL: c.WAL, BusyTimeout: c.BusyTimeout}
}

// RedactConfig lists extra secrets masked in logs, stats previews, and the
// config endpoint.
type RedactConfig struct {
	Patterns []string `yaml:"patterns"`
	Literals []string `yaml:"literals"`
}

// CronConfig holds 5-field cron expressions for the background jobs.
type CronConfig struct {
	StatusReport string `yaml:"status_report"`
	StatsCleanup string `yaml:"stats_cleanup"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// SlogLevel parses Level. Call after Validate.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.Level))
	return lvl
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values. Engine defaults stay with the engine.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if c.Tokenizer == "" {
		c.Tokenizer = TokenizerTiktoken
	}
	if c.Context.Budget.Model == "" {
		c.Context.Budget.Model = "gpt-4"
	}
	if c.Stats.Dir == "" {
		c.Stats.Dir = DefaultStatsDir()
	}
	if c.Stats.MaxSizeMB == 0 {
		c.Stats.MaxSizeMB = 50
	}
	if c.Stats.MaxBackups == 0 {
		c.Stats.MaxBackups = 3
	}
	if c.Stats.RetentionDays == 0 {
		c.Stats.RetentionDays = 30
	}
	c.Gateway.Defaults()
	if c.Cron.StatusReport == "" {
		c.Cron.StatusReport = "*/5 * * * *"
	}
	if c.Cron.StatsCleanup == "" {
		c.Cron.StatsCleanup = "0 3 * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Secrets returns the literal values that must never appear in output.
func (c *Config) Secrets() []string {
	out := append([]string(nil), c.Redact.Literals...)
	out = append(out, c.Gateway.Auth.Secrets()...)
	for _, v := range c.Tracing.Headers {
		out = append(out, v)
	}
	return out
}

// DefaultStatsDir returns $XDG_STATE_HOME/ctxbudget/logs, falling back to
// ~/.local/state/ctxbudget/logs and finally ./logs.
func DefaultStatsDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "ctxbudget", "logs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "ctxbudget", "logs")
	}
	return "logs"
}
