package server

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sqlrelay/sqlrelay/wire"
)

// session is the server-side mirror of one logical client connection. All
// resource handles, transaction state and the pin (if any) hang off it.
// Calls on a session are serialized by mu, preserving the order the client
// issued them in; different sessions proceed concurrently.
type session struct {
	id  string
	reg *Registry

	mu        sync.Mutex // serializes calls on this session
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos; read by the janitor without s.mu
	closed    bool

	autoCommit bool
	isolation  string // requested level; "" means pool default

	pinned   *PhysConn
	pinScope PinScope

	tx         *sql.Tx
	savepoints []string

	xa *xaBranch

	cancelMu sync.Mutex
	cancel   context.CancelFunc // cancels the in-flight call, if any
}

type xaState int

const (
	xaActive xaState = iota
	xaEnded
	xaPrepared
)

func (s xaState) String() string {
	switch s {
	case xaActive:
		return "active"
	case xaEnded:
		return "ended"
	case xaPrepared:
		return "prepared"
	default:
		return "unknown"
	}
}

type xaBranch struct {
	xid   string
	state xaState
	// broken marks a branch whose two-phase commit failed after a
	// successful prepare; its outcome is indeterminate until an operator
	// resolves it.
	broken bool
}

// touch records call activity for idle expiry.
func (s *session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// setCancel registers the in-flight call's cancel function so an
// out-of-band cancel request can reach it.
func (s *session) setCancel(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
}

func (s *session) clearCancel() {
	s.cancelMu.Lock()
	s.cancel = nil
	s.cancelMu.Unlock()
}

// cancelInFlight cancels the currently executing call, if any. Called
// without holding s.mu: the whole point is to reach a call that is running.
func (s *session) cancelInFlight() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// acquire returns the physical connection serving the current call, plus a
// release function the caller runs when the call finishes. A pinned session
// always gets its pinned connection and a no-op release; an unpinned session
// leases one for just this call (stateless routing).
func (s *session) acquire(ctx context.Context) (*PhysConn, func(), error) {
	if s.pinned != nil {
		return s.pinned, func() {}, nil
	}
	pc, err := s.reg.pool.Lease(ctx)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := s.reg.pool.Return(pc); err != nil {
			s.reg.log.Warn("return connection", "session", s.id, "error", err)
		}
	}
	return pc, release, nil
}

// pin converts the current call's connection into the session's pinned
// connection. Widening an existing pin (transaction -> session) keeps the
// same connection. Returns the release function the caller should now use
// (a no-op, since the pin owns the connection).
func (s *session) pin(pc *PhysConn, scope PinScope, discard bool) {
	if s.pinned == nil {
		s.pinned = pc
	}
	if scope > s.pinScope {
		s.pinScope = scope
	}
	if discard {
		s.pinned.Discard()
	}
}

// unpinTxn releases a transaction-scoped pin. A session-scoped pin stays
// until the session closes. The underlying Return runs the reset hook, and
// the nil-out guarantees this happens exactly once per pin.
func (s *session) unpinTxn() error {
	if s.pinned == nil || s.pinScope != PinTxn {
		return nil
	}
	pc := s.pinned
	s.pinned = nil
	s.pinScope = PinNone
	return s.reg.pool.Return(pc)
}

// ensureTx makes sure an open transaction exists on the pinned connection.
// The caller must have pinned the session first.
func (s *session) ensureTx(ctx context.Context, pc *PhysConn) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	iso, err := sqlIsolation(s.isolation)
	if err != nil {
		return nil, wire.NewProtocolError("%v", err)
	}
	tx, err := pc.conn.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return nil, wire.NewDatabaseError(err)
	}
	s.tx = tx
	return tx, nil
}

// teardown releases everything the session owns: handles (cursors before
// statements), any open transaction, and the pin. Caller holds s.mu.
func (s *session) teardown() error {
	if s.closed {
		return nil
	}
	s.closed = true

	herr := s.reg.handles.closeOwned(s.id)

	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.reg.log.Warn("rollback on session close", "session", s.id, "error", err)
		}
		s.tx = nil
	}
	s.savepoints = nil
	if s.xa != nil {
		// A prepared branch held open on this connection cannot survive
		// the session; the rollback above resolved it.
		s.reg.forgetBranch(s.xa.xid)
		s.xa = nil
	}

	if s.pinned != nil {
		pc := s.pinned
		s.pinned = nil
		s.pinScope = PinNone
		if err := s.reg.pool.Return(pc); err != nil {
			s.reg.log.Warn("return pinned connection", "session", s.id, "error", err)
		}
	}
	return herr
}
