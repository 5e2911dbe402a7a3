package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/waypost-im/waypost/config"
	"github.com/waypost-im/waypost/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:           "test-secret-at-least-32-chars-long",
		JWTExpiry:           config.Duration{Duration: 1 * time.Hour},
		WorkerToken:         "test-worker-shared-token",
		WorkerTokenSecret:   "test-hmac-secret-for-worker-tokens",
		WorkerTokenLifetime: config.Duration{Duration: 1 * time.Hour},
		InitialAdmin: &config.InitialAdmin{
			Username: "admin",
			Password: "admin-password",
		},
	}

	svc := NewService(s, cfg)
	return svc, s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	// First bootstrap should create the admin user
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	org, err := s.GetOrganization(ctx, "default")
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if org == nil {
		t.Fatal("default organization not created")
	}

	user, err := s.GetUser(ctx, "default", "admin")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != "admin" {
		t.Errorf("Role: got %q, want %q", user.Role, "admin")
	}

	// Second bootstrap should be idempotent (no error, no duplicate)
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}

	users, err := s.ListUsers(ctx, "default")
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user after double bootstrap, got %d", len(users))
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "secret123", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("Login returned empty token")
	}

	// Token should be a valid JWT (three dot-separated parts)
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Errorf("expected JWT with 3 parts, got %d", len(parts))
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "secret123", "user"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "wrong-password"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	svc, _ := newTestAuthService(t)
	if _, err := svc.Login(context.Background(), "nobody", "whatever"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "secret123", "user"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "other-pass", "user"); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "secret123", "admin")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.UserID != user.ID {
		t.Errorf("UserID: got %q, want %q", id.UserID, user.ID)
	}
	if id.Role != "admin" {
		t.Errorf("Role: got %q, want %q", id.Role, "admin")
	}

	if _, err := svc.ValidateToken(ctx, "not-a-jwt"); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for garbage token, got %v", err)
	}
}

func TestValidateWorkerToken(t *testing.T) {
	svc, _ := newTestAuthService(t)

	if !svc.ValidateWorkerToken("test-worker-shared-token") {
		t.Error("valid shared token rejected")
	}
	if svc.ValidateWorkerToken("wrong-token") {
		t.Error("invalid shared token accepted")
	}
	if svc.ValidateWorkerToken("") {
		t.Error("empty token accepted")
	}
}

func TestTimeLimitedWorkerToken(t *testing.T) {
	svc, _ := newTestAuthService(t)

	token := svc.GenerateWorkerToken("worker-1")
	workerID, err := svc.ValidateTimeLimitedToken(token)
	if err != nil {
		t.Fatalf("ValidateTimeLimitedToken: %v", err)
	}
	if workerID != "worker-1" {
		t.Errorf("workerID: got %q, want %q", workerID, "worker-1")
	}

	// Tampered signature
	if _, err := svc.ValidateTimeLimitedToken(token + "00"); err == nil {
		t.Error("tampered token accepted")
	}
	// Wrong structure
	if _, err := svc.ValidateTimeLimitedToken("worker-1"); err == nil {
		t.Error("malformed token accepted")
	}
}
