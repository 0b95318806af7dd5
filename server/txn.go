package server

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/sqlrelay/sqlrelay/wire"
)

// Transaction and XA coordination. These methods run with s.mu held (the
// dispatcher serializes calls per session) and keep the client's view of
// transaction state consistent with the physical connection's actual state.

// setAutoCommit toggles autocommit. Disabling takes effect lazily: the
// session is pinned and a transaction begun on the next statement, so merely
// toggling the flag never costs a pooled connection. Re-enabling with
// pending work commits it (matching the usual client-API contract) and
// releases a transaction-scoped pin exactly once.
func (s *session) setAutoCommit(ctx context.Context, enable bool) error {
	if s.xa != nil {
		return wire.NewProtocolError("autocommit cannot change inside XA branch %q", s.xa.xid)
	}
	if enable == s.autoCommit {
		return nil
	}
	if enable {
		if s.tx != nil {
			if err := s.tx.Commit(); err != nil {
				s.tx = nil
				s.savepoints = nil
				return wire.NewDatabaseError(err)
			}
			s.tx = nil
			s.savepoints = nil
		}
		s.autoCommit = true
		return s.unpinTxn()
	}
	s.autoCommit = false
	return nil
}

// setIsolation records the requested level and, where the backend supports
// a session-level statement, applies it to the pinned connection. Isolation
// is connection-scoped state, so the session pins; the reset hook restores
// the pool default on return.
func (s *session) setIsolation(ctx context.Context, level string) error {
	if s.tx != nil {
		return wire.NewProtocolError("isolation level cannot change mid-transaction")
	}
	if _, err := sqlIsolation(level); err != nil {
		return wire.NewProtocolError("%v", err)
	}
	pc, _, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	s.pin(pc, PinSession, false)
	if stmt, ok := s.reg.pool.Dialect().isolationStatement(level); ok && stmt != "" {
		if _, err := pc.conn.ExecContext(ctx, stmt); err != nil {
			return wire.NewDatabaseError(err)
		}
	}
	pc.isolation = level
	s.isolation = level
	return nil
}

func (s *session) commit(ctx context.Context) error {
	if s.xa != nil {
		return wire.NewProtocolError("plain commit inside XA branch %q; use XA operations", s.xa.xid)
	}
	if s.autoCommit {
		return wire.NewProtocolError("commit with autocommit enabled")
	}
	if s.tx != nil {
		err := s.tx.Commit()
		s.tx = nil
		s.savepoints = nil
		if err != nil {
			return wire.NewDatabaseError(err)
		}
	}
	return s.unpinTxn()
}

func (s *session) rollback(ctx context.Context) error {
	if s.xa != nil {
		return wire.NewProtocolError("plain rollback inside XA branch %q; use XA operations", s.xa.xid)
	}
	if s.autoCommit {
		return wire.NewProtocolError("rollback with autocommit enabled")
	}
	if s.tx != nil {
		err := s.tx.Rollback()
		s.tx = nil
		s.savepoints = nil
		if err != nil && err != sql.ErrTxDone {
			return wire.NewDatabaseError(err)
		}
	}
	return s.unpinTxn()
}

var savepointNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// savepoint creates a named savepoint, starting a transaction first if none
// is open yet.
func (s *session) savepoint(ctx context.Context, name string) error {
	if s.autoCommit {
		return wire.NewProtocolError("savepoint with autocommit enabled")
	}
	if !savepointNameRe.MatchString(name) {
		return wire.NewProtocolError("invalid savepoint name %q", name)
	}
	pc, _, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	s.pin(pc, PinTxn, false)
	tx, err := s.ensureTx(ctx, pc)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return wire.NewDatabaseError(err)
	}
	s.savepoints = append(s.savepoints, name)
	return nil
}

func (s *session) findSavepoint(name string) (int, error) {
	for i, sp := range s.savepoints {
		if sp == name {
			return i, nil
		}
	}
	return 0, wire.NewProtocolError("unknown savepoint %q", name)
}

// releaseSavepoint drops a savepoint and everything nested beneath it.
func (s *session) releaseSavepoint(ctx context.Context, name string) error {
	if s.tx == nil {
		return wire.NewProtocolError("no open transaction")
	}
	i, err := s.findSavepoint(name)
	if err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return wire.NewDatabaseError(err)
	}
	s.savepoints = s.savepoints[:i]
	return nil
}

// rollbackSavepoint rewinds to a savepoint, keeping the savepoint itself
// valid for further rollbacks.
func (s *session) rollbackSavepoint(ctx context.Context, name string) error {
	if s.tx == nil {
		return wire.NewProtocolError("no open transaction")
	}
	i, err := s.findSavepoint(name)
	if err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return wire.NewDatabaseError(err)
	}
	s.savepoints = s.savepoints[:i+1]
	return nil
}

// --- XA branch state machine ---
//
// Not-Started -> (start) Active -> (end) Ended -> (prepare) Prepared
//   -> (commit | rollback) terminal
//
// Out-of-order transitions are refused with a protocol error before
// anything reaches the backend.

func (s *session) xaStart(ctx context.Context, xid string) error {
	if xid == "" {
		return wire.NewProtocolError("xa start requires a branch id")
	}
	if s.xa != nil {
		return wire.NewProtocolError("xa branch %q already %s on this session", s.xa.xid, s.xa.state)
	}
	if s.tx != nil {
		return wire.NewProtocolError("xa start with a local transaction open")
	}
	pc, _, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	s.pin(pc, PinTxn, false)
	if _, err := s.ensureTx(ctx, pc); err != nil {
		return err
	}
	s.xa = &xaBranch{xid: xid, state: xaActive}
	return nil
}

func (s *session) xaCheck(xid string, want ...xaState) (*xaBranch, error) {
	if s.xa == nil || s.xa.xid != xid {
		return nil, wire.NewProtocolError("unknown xa branch %q", xid)
	}
	for _, w := range want {
		if s.xa.state == w {
			return s.xa, nil
		}
	}
	return nil, wire.NewProtocolError("xa branch %q is %s; operation out of order", xid, s.xa.state)
}

func (s *session) xaEnd(ctx context.Context, xid string) error {
	br, err := s.xaCheck(xid, xaActive)
	if err != nil {
		return err
	}
	br.state = xaEnded
	return nil
}

func (s *session) xaPrepare(ctx context.Context, xid string) error {
	br, err := s.xaCheck(xid, xaEnded)
	if err != nil {
		return err
	}
	// Backends without prepared-transaction support hold the branch open on
	// the pinned connection; the registry records it for recover listings.
	br.state = xaPrepared
	s.reg.recordPrepared(xid, s)
	return nil
}

func (s *session) xaCommit(ctx context.Context, xid string, onePhase bool) error {
	var br *xaBranch
	var err error
	if onePhase {
		br, err = s.xaCheck(xid, xaEnded)
	} else {
		br, err = s.xaCheck(xid, xaPrepared)
	}
	if err != nil {
		return err
	}
	if s.tx == nil {
		return wire.NewIndeterminateError("xa branch "+xid+" outcome unknown; forget or recover it", nil)
	}
	commitErr := s.tx.Commit()
	s.tx = nil
	s.savepoints = nil
	if commitErr != nil {
		if br.state == xaPrepared {
			// Prepare succeeded but commit did not: the branch outcome is
			// unknown. Keep the record so recover still lists it; the
			// transaction manager must resolve it.
			br.broken = true
			return wire.NewIndeterminateError("xa branch "+xid+" outcome unknown after failed commit", commitErr)
		}
		s.xa = nil
		s.reg.forgetBranch(xid)
		if uerr := s.unpinTxn(); uerr != nil {
			s.reg.log.Warn("unpin after failed one-phase commit", "session", s.id, "error", uerr)
		}
		return wire.NewDatabaseError(commitErr)
	}
	s.xa = nil
	s.reg.forgetBranch(xid)
	return s.unpinTxn()
}

func (s *session) xaRollback(ctx context.Context, xid string) error {
	_, err := s.xaCheck(xid, xaActive, xaEnded, xaPrepared)
	if err != nil {
		return err
	}
	if s.tx == nil {
		return wire.NewIndeterminateError("xa branch "+xid+" outcome unknown; forget or recover it", nil)
	}
	rbErr := s.tx.Rollback()
	s.tx = nil
	s.savepoints = nil
	s.xa = nil
	s.reg.forgetBranch(xid)
	if rbErr != nil && rbErr != sql.ErrTxDone {
		if uerr := s.unpinTxn(); uerr != nil {
			s.reg.log.Warn("unpin after failed xa rollback", "session", s.id, "error", uerr)
		}
		return wire.NewDatabaseError(rbErr)
	}
	return s.unpinTxn()
}

func (s *session) xaForget(xid string) error {
	if s.xa != nil && s.xa.xid == xid && s.xa.broken {
		s.xa = nil
		s.reg.forgetBranch(xid)
		return s.unpinTxn()
	}
	if !s.reg.forgetBranch(xid) {
		return wire.NewProtocolError("unknown xa branch %q", xid)
	}
	return nil
}
