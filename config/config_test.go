package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"worker_token": "worker-shared-token-at-least-32-chars",
			"worker_token_secret": "hmac-secret",
			"worker_token_lifetime": "30m",
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h"
		},
		"fleet": {
			"heartbeat_interval": "20s",
			"miss_multiplier": 4,
			"sweep_interval": "10s"
		},
		"proxy": {
			"request_timeout": "15s",
			"max_attempts": 2
		},
		"quota": {
			"messages_per_minute": 60,
			"max_sessions_per_user": 5
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.WorkerTokenLifetime.Duration != 30*time.Minute {
		t.Errorf("Auth.WorkerTokenLifetime: got %v, want 30m", cfg.Auth.WorkerTokenLifetime.Duration)
	}
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v, want 72h", cfg.Storage.Retention.Duration)
	}
	if cfg.Fleet.HeartbeatInterval.Duration != 20*time.Second {
		t.Errorf("Fleet.HeartbeatInterval: got %v, want 20s", cfg.Fleet.HeartbeatInterval.Duration)
	}
	if got := cfg.Fleet.MissThreshold(); got != 80*time.Second {
		t.Errorf("Fleet.MissThreshold: got %v, want 80s", got)
	}
	if cfg.Proxy.RequestTimeout.Duration != 15*time.Second {
		t.Errorf("Proxy.RequestTimeout: got %v, want 15s", cfg.Proxy.RequestTimeout.Duration)
	}
	if cfg.Quota.MessagesPerMinute != 60 || cfg.Quota.MaxSessionsPerUser != 5 {
		t.Errorf("Quota: got %+v", cfg.Quota)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"worker_token": "worker-shared-token-at-least-32-chars"
		},
		"storage": {"driver": "sqlite", "dsn": "test.db"}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Fleet.HeartbeatInterval.Duration != 30*time.Second {
		t.Errorf("default heartbeat interval: got %v, want 30s", cfg.Fleet.HeartbeatInterval.Duration)
	}
	if cfg.Fleet.MissMultiplier != 3 {
		t.Errorf("default miss multiplier: got %d, want 3", cfg.Fleet.MissMultiplier)
	}
	if got := cfg.Fleet.MissThreshold(); got != 90*time.Second {
		t.Errorf("default miss threshold: got %v, want 90s", got)
	}
	if cfg.Fleet.SweepInterval.Duration != 15*time.Second {
		t.Errorf("default sweep interval: got %v, want 15s", cfg.Fleet.SweepInterval.Duration)
	}
	if cfg.Proxy.RequestTimeout.Duration != 30*time.Second {
		t.Errorf("default request timeout: got %v, want 30s", cfg.Proxy.RequestTimeout.Duration)
	}
	if cfg.Proxy.HealthTimeout.Duration != 5*time.Second {
		t.Errorf("default health timeout: got %v, want 5s", cfg.Proxy.HealthTimeout.Duration)
	}
	if cfg.Proxy.MaxAttempts != 3 {
		t.Errorf("default max attempts: got %d, want 3", cfg.Proxy.MaxAttempts)
	}
	if cfg.Proxy.BackoffBase.Duration != time.Second {
		t.Errorf("default backoff base: got %v, want 1s", cfg.Proxy.BackoffBase.Duration)
	}
	if cfg.Storage.Retention.Duration != 30*24*time.Hour {
		t.Errorf("default retention: got %v, want 720h", cfg.Storage.Retention.Duration)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("default rate limit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"missing addr", `{"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32", "worker_token": "worker-shared-token-at-least-32-chars"}}`},
		{"missing jwt secret", `{"server": {"addr": ":8080"}, "auth": {"worker_token": "worker-shared-token-at-least-32-chars"}}`},
		{"short jwt secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short", "worker_token": "worker-shared-token-at-least-32-chars"}}`},
		{"weak jwt secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!", "worker_token": "worker-shared-token-at-least-32-chars"}}`},
		{"missing worker token", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.json)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
