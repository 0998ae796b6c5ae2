package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/ctxbudget/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.FileName)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Full(t *testing.T) {
	t.Setenv("CTXBUDGET_TEST_TOKEN", "s3cret")

	path := writeConfig(t, `
version: "1"
context:
  budget:
    model: claude-3-opus
    max_context_ratio: 0.25
  eviction_order: dialog_first
stats:
  dir: ${CTXBUDGET_TEST_STATS_DIR:-/tmp/ctxbudget-stats}
  compression: zstd
  retention_days: 7
index:
  enabled: true
gateway:
  bind: 127.0.0.1:9090
  read_timeout: 15s
  auth:
    bearer_token: ${CTXBUDGET_TEST_TOKEN}
tracing:
  endpoint: localhost:4318
  sample_rate: 0.5
redact:
  literals: [hunter2]
log:
  level: debug
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if got := cfg.Context.Budget.MaxContextTokens(); got != 50000 {
		t.Errorf("MaxContextTokens = %d, want 50000", got)
	}
	if cfg.Stats.Dir != "/tmp/ctxbudget-stats" {
		t.Errorf("stats.dir = %q, want default expansion", cfg.Stats.Dir)
	}
	if cfg.Stats.Retention() != 7*24*time.Hour {
		t.Errorf("Retention = %v", cfg.Stats.Retention())
	}
	if cfg.Gateway.Auth.BearerToken != "s3cret" || cfg.Gateway.ReadTimeout != 15*time.Second {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.WriteTimeout != 30*time.Second {
		t.Errorf("write_timeout default not applied: %v", cfg.Gateway.WriteTimeout)
	}
	if sc := cfg.Stats.SinkConfig(nil); sc.MaxSizeBytes != 50<<20 || sc.MaxBackups != 3 || sc.Compression != "zstd" {
		t.Errorf("SinkConfig = %+v", sc)
	}
	if got := cfg.Index.SQLite(cfg.Stats.Dir).Path; got != "/tmp/ctxbudget-stats/context_stats.db" {
		t.Errorf("index path = %q", got)
	}
	if cfg.Log.SlogLevel().String() != "DEBUG" {
		t.Errorf("log level = %v", cfg.Log.SlogLevel())
	}

	secrets := strings.Join(cfg.Secrets(), ",")
	if !strings.Contains(secrets, "s3cret") || !strings.Contains(secrets, "hunter2") {
		t.Errorf("Secrets = %q", secrets)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "unresolved variable", content: "gateway:\n  bind: ${CTXBUDGET_TEST_UNSET_VAR}\n", want: "CTXBUDGET_TEST_UNSET_VAR"},
		{name: "unknown key", content: "contxt: {}\n", want: "contxt"},
		{name: "malformed", content: "context: [\n", want: "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Version != config.CurrentVersion || cfg.Context.Budget.Model != "gpt-4" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Version = "99"
	cfg.Context.Budget.MaxContextRatio = 1.5
	cfg.Stats.Compression = "gzip"
	cfg.Stats.RetentionDays = -1
	cfg.Alerts.LowEfficiency = 2
	cfg.Redact.Patterns = []string{"("}
	cfg.Cron.StatusReport = "every five minutes"
	cfg.Log.Level = "loud"
	cfg.Tracing.SampleRate = -0.1
	cfg.Tokenizer = "magic"

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"unsupported version",
		"max_context_ratio",
		"stats.compression",
		"retention_days",
		"alerts.low_efficiency",
		"redact",
		"cron.status_report",
		"log.level",
		"sample_rate",
		"tokenizer",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q: %v", want, err)
		}
	}
}

func TestValidate_IndexRequiresStats(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	off := false
	cfg.Stats.Enabled = &off
	cfg.Index.Enabled = true
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "index.enabled") {
		t.Errorf("Validate = %v, want index.enabled error", err)
	}
}

func TestLoadOrDefault_SearchPath(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, path, err := config.LoadOrDefault("")
	if err != nil || path != "" {
		t.Fatalf("LoadOrDefault without files = %q, %v", path, err)
	}
	if cfg.Context.Budget.Model != "gpt-4" {
		t.Errorf("default model = %q", cfg.Context.Budget.Model)
	}

	want := filepath.Join(xdg, "ctxbudget", config.FileName)
	if err := os.MkdirAll(filepath.Dir(want), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(want, []byte("context:\n  budget:\n    model: gpt-4-turbo\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, path, err = config.LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if path != want || cfg.Context.Budget.Model != "gpt-4-turbo" {
		t.Errorf("LoadOrDefault = %q, model %q", path, cfg.Context.Budget.Model)
	}
}

func TestView(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Gateway.Auth.BearerToken = "tok"

	view, err := config.View(cfg)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	gw, ok := view["gateway"].(map[string]any)
	if !ok {
		t.Fatalf("gateway section = %T", view["gateway"])
	}
	if gw["read_timeout"] != "10s" {
		t.Errorf("read_timeout = %v, want 10s", gw["read_timeout"])
	}
}
