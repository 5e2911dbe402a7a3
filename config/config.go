// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT or worker token secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Fleet     FleetConfig     `json:"fleet,omitempty"`
	Proxy     ProxyConfig     `json:"proxy,omitempty"`
	Quota     QuotaConfig     `json:"quota,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	JWTSecret           string        `json:"jwt_secret"`
	JWTExpiry           Duration      `json:"jwt_expiry,omitempty"`
	WorkerToken         string        `json:"worker_token"`                  // shared bearer for worker<->hub calls
	WorkerTokenSecret   string        `json:"worker_token_secret,omitempty"` // HMAC secret for time-limited worker tokens
	WorkerTokenLifetime Duration      `json:"worker_token_lifetime,omitempty"`
	InitialAdmin        *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver            string   `json:"driver"`                       // "sqlite" (default) or "postgres"
	DSN               string   `json:"dsn"`                          // e.g. "waypost.db" or ":memory:"
	Retention         Duration `json:"retention,omitempty"`          // message retention
	AuditRetention    Duration `json:"audit_retention,omitempty"`    // audit event retention; defaults to Retention
	RecoveryRetention Duration `json:"recovery_retention,omitempty"` // recovery result retention; defaults to Retention
}

// FleetConfig defines worker fleet health tracking.
type FleetConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"` // expected worker heartbeat cadence; default 30s
	MissMultiplier    int      `json:"miss_multiplier,omitempty"`    // heartbeats missed before OFFLINE; default 3
	SweepInterval     Duration `json:"sweep_interval,omitempty"`     // monitor sweep cadence; default 15s
}

// MissThreshold returns how long a worker may go silent before the sweep
// marks it OFFLINE.
func (f FleetConfig) MissThreshold() time.Duration {
	return time.Duration(f.MissMultiplier) * f.HeartbeatInterval.Duration
}

// ProxyConfig defines the hub->worker HTTP client behavior.
type ProxyConfig struct {
	RequestTimeout Duration `json:"request_timeout,omitempty"` // per attempt; default 30s
	HealthTimeout  Duration `json:"health_timeout,omitempty"`  // health checks; default 5s
	MaxAttempts    int      `json:"max_attempts,omitempty"`    // default 3
	BackoffBase    Duration `json:"backoff_base,omitempty"`    // linear backoff unit; default 1s
}

// QuotaConfig defines per-user message quota counters.
type QuotaConfig struct {
	MessagesPerMinute  int `json:"messages_per_minute,omitempty"`   // 0 = unlimited
	MaxSessionsPerUser int `json:"max_sessions_per_user,omitempty"` // 0 = unlimited
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.WorkerToken == "" {
		return fmt.Errorf("auth.worker_token is required")
	}
	if knownWeakSecrets[c.Auth.WorkerToken] {
		return fmt.Errorf("auth.worker_token is a well-known weak secret — generate a new one")
	}
	if c.Fleet.MissMultiplier < 0 {
		return fmt.Errorf("fleet.miss_multiplier must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.WorkerTokenLifetime.Duration == 0 {
		c.Auth.WorkerTokenLifetime.Duration = 1 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "waypost.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if c.Storage.RecoveryRetention.Duration == 0 {
		c.Storage.RecoveryRetention.Duration = c.Storage.Retention.Duration
	}
	if c.Fleet.HeartbeatInterval.Duration == 0 {
		c.Fleet.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Fleet.MissMultiplier == 0 {
		c.Fleet.MissMultiplier = 3
	}
	if c.Fleet.SweepInterval.Duration == 0 {
		c.Fleet.SweepInterval.Duration = 15 * time.Second
	}
	if c.Proxy.RequestTimeout.Duration == 0 {
		c.Proxy.RequestTimeout.Duration = 30 * time.Second
	}
	if c.Proxy.HealthTimeout.Duration == 0 {
		c.Proxy.HealthTimeout.Duration = 5 * time.Second
	}
	if c.Proxy.MaxAttempts == 0 {
		c.Proxy.MaxAttempts = 3
	}
	if c.Proxy.BackoffBase.Duration == 0 {
		c.Proxy.BackoffBase.Duration = 1 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
