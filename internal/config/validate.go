package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/flemzord/ctxbudget/internal/security"
	"github.com/flemzord/ctxbudget/internal/stats"
)

// Validate checks the structural validity of a Config and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: %q)", cfg.Version, CurrentVersion))
	}

	if err := cfg.Context.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: context: %w", err))
	}

	switch cfg.Tokenizer {
	case TokenizerTiktoken, TokenizerHeuristic:
	default:
		errs = append(errs, fmt.Errorf("config: tokenizer must be %s or %s, got %q", TokenizerTiktoken, TokenizerHeuristic, cfg.Tokenizer))
	}

	errs = append(errs, validateStats(cfg.Stats)...)

	if cfg.Index.Enabled && !cfg.Stats.IsEnabled() {
		errs = append(errs, errors.New("config: index.enabled requires stats.enabled"))
	}
	if cfg.Index.BusyTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: index.busy_timeout must be non-negative, got %d", cfg.Index.BusyTimeout))
	}

	if err := cfg.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if err := cfg.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: tracing: %w", err))
	}

	errs = append(errs, validateRatios("alerts", map[string]float64{
		"high_compression": cfg.Alerts.HighCompression,
		"low_efficiency":   cfg.Alerts.LowEfficiency,
		"high_budget_use":  cfg.Alerts.HighBudgetUse,
	})...)
	errs = append(errs, validateRatios("recommendations", map[string]float64{
		"low_efficiency":       cfg.Recommendations.LowEfficiency,
		"near_one_compression": cfg.Recommendations.NearOneCompression,
		"frequent_overflow":    cfg.Recommendations.FrequentOverflow,
		"high_budget_use":      cfg.Recommendations.HighBudgetUse,
	})...)

	if _, err := security.CompilePatterns(cfg.Redact.Patterns); err != nil {
		errs = append(errs, fmt.Errorf("config: redact: %w", err))
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for name, expr := range map[string]string{
		"status_report": cfg.Cron.StatusReport,
		"stats_cleanup": cfg.Cron.StatsCleanup,
	} {
		if _, err := parser.Parse(expr); err != nil {
			errs = append(errs, fmt.Errorf("config: cron.%s: %w", name, err))
		}
	}

	errs = append(errs, validateLog(cfg.Log)...)

	return errors.Join(errs...)
}

func validateStats(c StatsConfig) []error {
	var errs []error
	if c.IsEnabled() && c.Dir == "" {
		errs = append(errs, errors.New("config: stats.dir is required"))
	}
	if c.MaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("config: stats.max_size_mb must be non-negative, got %d", c.MaxSizeMB))
	}
	if c.MaxBackups < 0 {
		errs = append(errs, fmt.Errorf("config: stats.max_backups must be non-negative, got %d", c.MaxBackups))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("config: stats.history_limit must be non-negative, got %d", c.HistoryLimit))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("config: stats.retention_days must be non-negative, got %d", c.RetentionDays))
	}
	if _, err := stats.ParseCompression(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("config: stats.compression: %w", err))
	}
	return errs
}

// validateRatios checks that each threshold is zero (stock value) or in (0, 1].
func validateRatios(section string, values map[string]float64) []error {
	var errs []error
	for name, v := range values {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("config: %s.%s must be in [0, 1], got %g", section, name, v))
		}
	}
	return errs
}

func validateLog(c LogConfig) []error {
	var errs []error
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level: %w", err))
	}
	switch c.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Format))
	}
	return errs
}
