package gateway

import (
	"errors"
	"net"
	"time"

	"github.com/flemzord/ctxbudget/internal/security"
)

// DefaultMaxBodyBytes caps the size of a compaction request body.
const DefaultMaxBodyBytes = 8 << 20

// Config holds HTTP gateway configuration.
type Config struct {
	Bind            string                   `yaml:"bind"`
	Auth            AuthConfig               `yaml:"auth"`
	RateLimit       security.RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes    int64                    `yaml:"max_body_bytes"`
	ReadTimeout     time.Duration            `yaml:"read_timeout"`
	WriteTimeout    time.Duration            `yaml:"write_timeout"`
	ShutdownTimeout time.Duration            `yaml:"shutdown_timeout"`

	// AuditLog is a JSONL file receiving auth failures, rate-limit
	// rejections, and config access. Empty disables it.
	AuditLog string `yaml:"audit_log"`
}

// Defaults fills zero values with sensible defaults.
func (c *Config) Defaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:8080"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks the bind address.
func (c Config) Validate() error {
	if c.Bind == "" {
		return nil
	}
	if _, err := net.ResolveTCPAddr("tcp", c.Bind); err != nil {
		return errors.New("gateway: invalid bind address: " + c.Bind)
	}
	return nil
}

// AuthConfig configures authentication for the API endpoints.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	BasicUser   string `yaml:"basic_user"`
	BasicPass   string `yaml:"basic_pass"`
}

// IsConfigured returns true if any auth method is configured.
func (a AuthConfig) IsConfigured() bool {
	return a.BearerToken != "" || (a.BasicUser != "" && a.BasicPass != "")
}

// Secrets returns the credential values so they can be redacted from logs.
func (a AuthConfig) Secrets() []string {
	return []string{a.BearerToken, a.BasicPass}
}
