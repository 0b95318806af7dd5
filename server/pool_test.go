package server

import (
	"context"
	"io"
	"log/slog"
	"path"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.DSN == "" {
		cfg.DSN = path.Join(t.TempDir(), "pool_test.db")
	}
	p, err := NewPool(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPoolLeaseReturn(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxOpen: 2, MaxIdle: 2})
	ctx := context.Background()

	pc, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	if p.Leased() != 1 {
		t.Errorf("Expected 1 leased connection, got %d", p.Leased())
	}

	if err := p.Return(pc); err != nil {
		t.Fatalf("Return returned error: %v", err)
	}
	if p.Leased() != 0 {
		t.Errorf("Expected 0 leased connections after return, got %d", p.Leased())
	}
}

func TestPoolReturnExactlyOnce(t *testing.T) {
	// The reset hook must run once per lease, no matter how many times the
	// lease is returned.
	dbPath := path.Join(t.TempDir(), "pool_test.db")
	setup := newTestPool(t, PoolConfig{DSN: dbPath, MaxOpen: 2, MaxIdle: 2})
	ctx := context.Background()

	pc, err := setup.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	if _, err := pc.Conn().ExecContext(ctx, "CREATE TABLE resets (n INTEGER)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if err := setup.Return(pc); err != nil {
		t.Fatalf("Return returned error: %v", err)
	}
	setup.Close()

	p := newTestPool(t, PoolConfig{
		DSN:             dbPath,
		MaxOpen:         2,
		MaxIdle:         2,
		ResetStatements: []string{"INSERT INTO resets (n) VALUES (1)"},
	})

	pc, err = p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	if err := p.Return(pc); err != nil {
		t.Fatalf("First return returned error: %v", err)
	}
	if err := p.Return(pc); err != nil {
		t.Fatalf("Second return should be a no-op, got: %v", err)
	}

	check, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	defer p.Return(check)

	var count int
	row := check.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM resets")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to count resets: %v", err)
	}
	if count != 1 {
		t.Errorf("Reset hook ran %d times for one lease, want 1", count)
	}
}

func TestPoolDiscardDropsSessionState(t *testing.T) {
	// A discarded connection must not be recycled, so connection-local state
	// like a temp table never leaks into another lease.
	p := newTestPool(t, PoolConfig{MaxOpen: 1, MaxIdle: 1})
	ctx := context.Background()

	pc, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	if _, err := pc.Conn().ExecContext(ctx, "CREATE TEMP TABLE scratch (id INTEGER)"); err != nil {
		t.Fatalf("Failed to create temp table: %v", err)
	}
	pc.Discard()
	if err := p.Return(pc); err != nil {
		t.Fatalf("Return returned error: %v", err)
	}

	next, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	defer p.Return(next)

	var name string
	row := next.Conn().QueryRowContext(ctx,
		"SELECT name FROM sqlite_temp_master WHERE type='table' AND name='scratch'")
	if err := row.Scan(&name); err == nil {
		t.Error("Temp table survived into a fresh lease; connection was recycled")
	}
}

func TestPoolResetRestoresDefaultIsolation(t *testing.T) {
	// An altered isolation level must be undone even when the pool default is
	// the backend's own default (empty string); otherwise the next lease
	// inherits the previous session's level.
	p := newTestPool(t, PoolConfig{MaxOpen: 1, MaxIdle: 1})
	ctx := context.Background()

	pc, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	if _, err := pc.Conn().ExecContext(ctx, "PRAGMA read_uncommitted = 1"); err != nil {
		t.Fatalf("Failed to set isolation pragma: %v", err)
	}
	pc.isolation = "read_uncommitted"
	if err := p.Return(pc); err != nil {
		t.Fatalf("Return returned error: %v", err)
	}

	next, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	defer p.Return(next)

	var v int
	row := next.Conn().QueryRowContext(ctx, "PRAGMA read_uncommitted")
	if err := row.Scan(&v); err != nil {
		t.Fatalf("Failed to read pragma: %v", err)
	}
	if v != 0 {
		t.Error("Isolation change leaked through the reset hook into a new lease")
	}
}

func TestPoolResetStatementRestoresPragma(t *testing.T) {
	p := newTestPool(t, PoolConfig{
		MaxOpen:         1,
		MaxIdle:         1,
		ResetStatements: []string{"PRAGMA foreign_keys = OFF"},
	})
	ctx := context.Background()

	pc, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	if _, err := pc.Conn().ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to set pragma: %v", err)
	}
	if err := p.Return(pc); err != nil {
		t.Fatalf("Return returned error: %v", err)
	}

	next, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease returned error: %v", err)
	}
	defer p.Return(next)

	var enabled int
	row := next.Conn().QueryRowContext(ctx, "PRAGMA foreign_keys")
	if err := row.Scan(&enabled); err != nil {
		t.Fatalf("Failed to read pragma: %v", err)
	}
	if enabled != 0 {
		t.Error("Pragma change leaked through the reset hook into a new lease")
	}
}
