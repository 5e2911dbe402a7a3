package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/waypost-im/waypost/config"
)

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waypost-hub.json")

	root := NewRootCmd("test")
	root.SetArgs([]string{"init", "--output", path})
	var out bytes.Buffer
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("expected a strong generated JWT secret, got %d chars", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.WorkerToken == cfg.Auth.JWTSecret {
		t.Error("worker token must differ from the JWT secret")
	}

	// Second run must not clobber the existing file.
	root = NewRootCmd("test")
	root.SetArgs([]string{"init", "--output", path})
	root.SetOut(&out)
	if err := root.Execute(); err == nil {
		t.Error("expected refusal to overwrite existing config")
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd("1.2.3")
	root.SetArgs([]string{"version"})
	var out bytes.Buffer
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "1.2.3") {
		t.Errorf("expected version in output, got %q", out.String())
	}
}
