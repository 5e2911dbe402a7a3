package hub

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/waypost-im/waypost/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-at-least-32-chars-long!",
			JWTExpiry:           config.Duration{Duration: time.Hour},
			WorkerToken:         "test-worker-token-at-least-32-chars",
			WorkerTokenSecret:   "test-worker-hmac-secret-32-chars-ok",
			WorkerTokenLifetime: config.Duration{Duration: time.Hour},
			InitialAdmin:        &config.InitialAdmin{Username: "root", Password: "bootstrap-password"},
		},
		Storage: config.StorageConfig{Driver: "sqlite", DSN: ":memory:"},
		Fleet: config.FleetConfig{
			HeartbeatInterval: config.Duration{Duration: 30 * time.Second},
			MissMultiplier:    3,
			SweepInterval:     config.Duration{Duration: 15 * time.Second},
		},
		Proxy: config.ProxyConfig{
			RequestTimeout: config.Duration{Duration: time.Second},
			HealthTimeout:  config.Duration{Duration: time.Second},
			MaxAttempts:    1,
			BackoffBase:    config.Duration{Duration: time.Millisecond},
		},
	}
}

func TestNewBootstrapsAdmin(t *testing.T) {
	h, err := New(testConfig(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.store.Close() })

	user, err := h.store.GetUser(context.Background(), "default", "root")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user.Role != "admin" {
		t.Fatalf("expected bootstrapped admin, got %+v", user)
	}

	// Bootstrap is idempotent across restarts on the same store.
	if err := h.auth.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestHandlerServesHealth(t *testing.T) {
	h, err := New(testConfig(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.store.Close() })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.api.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}
