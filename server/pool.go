package server

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// PhysConn is one physical connection leased from the pool. It is only ever
// reached through a session; at most one session holds a lease on it at a
// time.
type PhysConn struct {
	id   int64
	conn *sql.Conn
	pool *Pool

	// discard poisons the connection on return instead of recycling it.
	// Set when the backend connection accumulated session-scoped state the
	// reset hook cannot undo (temporary tables, session variables) or when
	// the reset itself failed.
	discard  bool
	returned bool

	isolation  string
	autoCommit bool
}

// ID identifies the physical connection for the lifetime of its lease.
func (pc *PhysConn) ID() int64 { return pc.id }

// Conn exposes the underlying database connection.
func (pc *PhysConn) Conn() *sql.Conn { return pc.conn }

// Isolation returns the bookkeeping isolation level currently set on the
// connection.
func (pc *PhysConn) Isolation() string { return pc.isolation }

// Discard marks the connection to be dropped rather than recycled on return.
func (pc *PhysConn) Discard() { pc.discard = true }

// Pool wraps the underlying database/sql pool behind lease and return
// operations. Return invokes the reset hook exactly once before the
// connection becomes eligible for lease by a different session; this is the
// property that keeps isolation levels and other connection-scoped settings
// from leaking between unrelated logical sessions.
type Pool struct {
	cfg     PoolConfig
	db      *sqlx.DB
	dialect dialect
	log     *slog.Logger

	mu     sync.Mutex
	nextID int64
	leased map[int64]*PhysConn
}

// NewPool opens the backend and configures pooling limits.
func NewPool(cfg PoolConfig, log *slog.Logger) (*Pool, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping backend %s: %w", cfg.Driver, err)
	}
	return &Pool{
		cfg:     cfg,
		db:      db,
		dialect: dialectFor(cfg.Driver),
		log:     log,
		leased:  make(map[int64]*PhysConn),
	}, nil
}

// Dialect returns the backend dialect hooks.
func (p *Pool) Dialect() dialect { return p.dialect }

// DefaultIsolation returns the pool's configured default isolation level.
func (p *Pool) DefaultIsolation() string { return p.cfg.DefaultIsolation }

// Lease hands out a physical connection, validating it first.
func (p *Pool) Lease(ctx context.Context) (*PhysConn, error) {
	if t := time.Duration(p.cfg.LeaseTimeout); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	conn, err := p.db.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("validate leased connection: %w", err)
	}
	p.mu.Lock()
	p.nextID++
	pc := &PhysConn{
		id:         p.nextID,
		conn:       conn,
		pool:       p,
		isolation:  p.cfg.DefaultIsolation,
		autoCommit: true,
	}
	p.leased[pc.id] = pc
	p.mu.Unlock()
	return pc, nil
}

// Return runs the reset hook and gives the connection back. Calling Return
// again on the same lease is a no-op; the hook runs exactly once.
func (p *Pool) Return(pc *PhysConn) error {
	if pc == nil || pc.returned {
		return nil
	}
	pc.returned = true
	p.mu.Lock()
	delete(p.leased, pc.id)
	p.mu.Unlock()

	resetErr := p.reset(pc)
	if resetErr != nil {
		pc.discard = true
		p.log.Warn("connection reset failed, discarding", "conn", pc.id, "error", resetErr)
	}
	if pc.discard {
		// Returning driver.ErrBadConn from Raw marks the connection bad so
		// database/sql drops it instead of recycling it.
		_ = pc.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	if err := pc.conn.Close(); err != nil && err != sql.ErrConnDone {
		return fmt.Errorf("return connection %d: %w", pc.id, err)
	}
	return resetErr
}

// reset is the Connection Pool Reset Hook: it restores every session-mutable
// connection property to the pool's configured defaults before the
// connection can serve another session.
func (p *Pool) reset(pc *PhysConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pc.isolation != p.cfg.DefaultIsolation {
		if stmt, ok := p.dialect.isolationStatement(p.cfg.DefaultIsolation); ok {
			if _, err := pc.conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("reset isolation: %w", err)
			}
		} else {
			// No statement to undo the change; the connection must not be
			// reused with the altered level.
			pc.discard = true
		}
		pc.isolation = p.cfg.DefaultIsolation
	}
	pc.autoCommit = true

	for _, stmt := range p.cfg.ResetStatements {
		if _, err := pc.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset statement %q: %w", stmt, err)
		}
	}
	return nil
}

// Leased reports how many connections are currently out on lease.
func (p *Pool) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// Close shuts the pool down.
func (p *Pool) Close() error {
	return p.db.Close()
}
