package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEmptyPathNoDefaultFile(t *testing.T) {
	// Point HOME at an empty directory so the default config is absent.
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") with no default file should not error, got %v", err)
	}
	if cfg.Addr != "" || cfg.RequireAuth || cfg.ActiveUser != 0 {
		t.Errorf("expected zero config, got %+v", cfg)
	}
}

func TestLoadExplicitPathMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("Load with explicit missing path should error")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error should mention the missing file, got %v", err)
	}
}

func TestLoadParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
addr = "0.0.0.0:9090"
database = "/var/lib/companiond/companiond.db"
log_level = "debug"
active_user = 10
require_auth = true
mdns_enabled = true
pair = true
qr = true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr != "0.0.0.0:9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Database != "/var/lib/companiond/companiond.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.ActiveUser != 10 {
		t.Errorf("ActiveUser = %d, want 10", cfg.ActiveUser)
	}
	if !cfg.RequireAuth || !cfg.MdnsEnabled || !cfg.Pair || !cfg.QR {
		t.Errorf("boolean fields not parsed: %+v", cfg)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("addr = [not toml"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load should fail on malformed TOML")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written default failed: %v", err)
	}
	if cfg.Addr != "0.0.0.0:7171" {
		t.Errorf("default Addr = %q", cfg.Addr)
	}
	if !cfg.RequireAuth {
		t.Error("default config should require auth")
	}

	// Second call must not overwrite.
	before, _ := os.ReadFile(path)
	if err := WriteDefault(path); err != nil {
		t.Fatalf("second WriteDefault failed: %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("WriteDefault overwrote an existing file")
	}
}
