package server

import (
	"os"
	"path"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := path.Join(t.TempDir(), "sqlrelay.toml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
listen_addr = "0.0.0.0:9000"
auth_secret = "s3cret"
fetch_block_size = 50
session_idle_timeout = "15m"

[pool]
driver = "mysql"
dsn = "relay:relay@tcp(db:3306)/app"
max_open = 32
default_isolation = "read committed"
reset_statements = ["SET SESSION sql_mode = DEFAULT"]
lease_timeout = "5s"

[log]
file = "/var/log/sqlrelayd.log"
max_size_mb = 100
debug = true
`)

	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("Expected listen addr 0.0.0.0:9000, got %q", cfg.ListenAddr)
	}
	if cfg.Pool.Driver != "mysql" || cfg.Pool.MaxOpen != 32 {
		t.Errorf("Pool config not decoded: %+v", cfg.Pool)
	}
	if time.Duration(cfg.Pool.LeaseTimeout) != 5*time.Second {
		t.Errorf("Expected lease timeout 5s, got %v", time.Duration(cfg.Pool.LeaseTimeout))
	}
	if time.Duration(cfg.SessionIdleTimeout) != 15*time.Minute {
		t.Errorf("Expected idle timeout 15m, got %v", time.Duration(cfg.SessionIdleTimeout))
	}
	if len(cfg.Pool.ResetStatements) != 1 {
		t.Errorf("Expected 1 reset statement, got %v", cfg.Pool.ResetStatements)
	}
	if !cfg.Log.Debug || cfg.Log.File == "" {
		t.Errorf("Log config not decoded: %+v", cfg.Log)
	}

	// Unset keys keep their defaults.
	if cfg.LobChunkSize != DefaultConfig().LobChunkSize {
		t.Errorf("Expected default lob chunk size, got %d", cfg.LobChunkSize)
	}
}

func TestLoadConfigUnknownKey(t *testing.T) {
	p := writeConfig(t, `listen_adr = "typo"`)
	if _, err := LoadConfig(p); err == nil {
		t.Error("Expected an error for an unknown config key")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(path.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
