package server

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration. It is decoded from TOML and passed
// explicitly to New; nothing in this package reads process-wide state.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	// AuthSecret enables HMAC token validation on every request when set.
	AuthSecret string `toml:"auth_secret"`
	// AllowedCIDRs restricts client addresses when non-empty. Entries are
	// CIDR blocks, e.g. "10.0.0.0/8".
	AllowedCIDRs []string `toml:"allowed_cidrs"`

	Pool PoolConfig `toml:"pool"`

	// FetchBlockSize is the default number of rows returned per cursor
	// fetch round trip.
	FetchBlockSize int `toml:"fetch_block_size"`
	// LobChunkSize caps the payload of one LOB chunk frame.
	LobChunkSize int `toml:"lob_chunk_size"`
	// LobInlineLimit is the largest column value returned inline in a row
	// block; anything bigger is exposed as a LOB handle and streamed.
	LobInlineLimit int `toml:"lob_inline_limit"`

	// SessionIdleTimeout expires sessions with no calls for this long,
	// cascade-closing their handles. Zero disables expiry.
	SessionIdleTimeout duration `toml:"session_idle_timeout"`

	Log LogConfig `toml:"log"`
}

// PoolConfig configures the physical connection pool.
type PoolConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`

	MaxOpen int `toml:"max_open"`
	MaxIdle int `toml:"max_idle"`

	// DefaultIsolation is the isolation level every connection is reset to
	// before it becomes eligible for lease by another session.
	DefaultIsolation string `toml:"default_isolation"`
	// ResetStatements run against a connection when it is returned to the
	// pool, restoring any session-mutable settings to their defaults.
	ResetStatements []string `toml:"reset_statements"`

	// LeaseTimeout bounds how long a call waits for a free connection.
	LeaseTimeout duration `toml:"lease_timeout"`
}

// LogConfig configures daemon log output and rotation.
type LogConfig struct {
	File       string `toml:"file"` // empty logs to stderr
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Debug      bool   `toml:"debug"`
}

// duration lets TOML carry values like "30s" or "15m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// DefaultConfig returns a configuration suitable for a local SQLite-backed
// server. Callers override what they need.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:7070",
		Pool: PoolConfig{
			Driver:       "sqlite3",
			DSN:          "sqlrelay.db",
			MaxOpen:      8,
			MaxIdle:      4,
			LeaseTimeout: duration(10 * time.Second),
		},
		FetchBlockSize:     100,
		LobChunkSize:       256 * 1024,
		LobInlineLimit:     64 * 1024,
		SessionIdleTimeout: duration(30 * time.Minute),
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("load config %s: unknown key %s", path, undecoded[0])
	}
	return cfg, nil
}
