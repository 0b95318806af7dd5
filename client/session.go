package client

import (
	"context"

	"github.com/sqlrelay/sqlrelay/wire"
)

// Session is one logical connection. Like most database client handles it is
// not safe for concurrent use; calls issued on it are applied by the server
// in the order they were issued.
type Session struct {
	c          *Client
	id         string
	autoCommit bool
	closed     bool
}

// ID returns the opaque session token.
func (s *Session) ID() string { return s.id }

// Result reports the outcome of a data-modifying statement.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

func (s *Session) call(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if s.closed {
		return nil, wire.NewLifecycleError("session is closed")
	}
	req.SessionID = s.id
	return s.c.Call(ctx, req)
}

// Ping checks the server is reachable and the session alive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.call(ctx, &wire.Request{Op: wire.OpPing})
	return err
}

// Close ends the session. The server cascades: every statement, cursor and
// large-object handle the session owns is released, then the physical
// connection (if pinned) is reset and returned to the pool. Closing twice
// is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	_, err := s.call(ctx, &wire.Request{Op: wire.OpCloseSession})
	s.closed = true
	return err
}

// SetAutoCommit toggles autocommit. Turning it off defers the actual
// transaction begin (and the connection pin) to the next statement;
// turning it back on commits pending work.
func (s *Session) SetAutoCommit(ctx context.Context, enable bool) error {
	_, err := s.call(ctx, &wire.Request{Op: wire.OpSetAutoCommit, Enable: enable})
	if err == nil {
		s.autoCommit = enable
	}
	return err
}

// AutoCommit reports the client-visible autocommit flag.
func (s *Session) AutoCommit() bool { return s.autoCommit }

// SetIsolation requests a transaction isolation level (read_uncommitted,
// read_committed, repeatable_read, serializable). The level is
// connection-scoped server state and is reset to the pool default when the
// session's connection is returned.
func (s *Session) SetIsolation(ctx context.Context, level string) error {
	_, err := s.call(ctx, &wire.Request{Op: wire.OpSetIsolation, Level: level})
	return err
}

// Commit commits the open transaction. Requires autocommit off.
func (s *Session) Commit(ctx context.Context) error {
	_, err := s.call(ctx, &wire.Request{Op: wire.OpCommit})
	return err
}

// Rollback rolls back the open transaction. Requires autocommit off.
func (s *Session) Rollback(ctx context.Context) error {
	_, err := s.call(ctx, &wire.Request{Op: wire.OpRollback})
	return err
}

// Savepoint creates a named savepoint, beginning a transaction if none is
// open yet.
func (s *Session) Savepoint(ctx context.Context, name string) error {
	_, err := s.call(ctx, &wire.Request{Op: wire.OpSavepoint, Name: name})
	return err
}

// ReleaseSavepoint drops a savepoint and everything nested under it.
func (s *Session) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := s.call(ctx, &wire.Request{Op: wire.OpReleaseSave, Name: name})
	return err
}

// RollbackToSavepoint rewinds the transaction to a savepoint.
func (s *Session) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := s.call(ctx, &wire.Request{Op: wire.OpRollbackSave, Name: name})
	return err
}

// Prepare returns a statement template. This is purely client-local: the
// server allocates no resource until the first execution, so creating a
// statement never pins a pooled connection. A consequence worth knowing is
// that errors a direct driver would raise at prepare time (bad SQL, bad
// parameter shape) only show up on first execution.
func (s *Session) Prepare(sqlText string) *Stmt {
	return &Stmt{sess: s, sqlText: sqlText}
}

// Exec runs a one-shot statement.
func (s *Session) Exec(ctx context.Context, sqlText string, args ...any) (Result, error) {
	vals, err := toValues(args)
	if err != nil {
		return Result{}, err
	}
	resp, err := s.call(ctx, &wire.Request{Op: wire.OpExec, SQL: sqlText, Args: vals})
	if err != nil {
		return Result{}, err
	}
	return Result{LastInsertID: resp.LastInsertID, RowsAffected: resp.RowsAffected}, nil
}

// ExecReturningKeys runs a one-shot insert and also returns a cursor over
// the generated keys.
func (s *Session) ExecReturningKeys(ctx context.Context, sqlText string, args ...any) (Result, *Cursor, error) {
	vals, err := toValues(args)
	if err != nil {
		return Result{}, nil, err
	}
	resp, err := s.call(ctx, &wire.Request{Op: wire.OpExec, SQL: sqlText, Args: vals, WantKeys: true})
	if err != nil {
		return Result{}, nil, err
	}
	keys := &Cursor{
		sess:       s,
		id:         resp.KeysHandleID,
		columns:    []wire.Column{{Name: "GENERATED_KEY", Type: "INTEGER"}},
		scrollable: true,
	}
	return Result{LastInsertID: resp.LastInsertID, RowsAffected: resp.RowsAffected}, keys, nil
}

// Query runs a one-shot query and returns a forward-only cursor.
func (s *Session) Query(ctx context.Context, sqlText string, args ...any) (*Cursor, error) {
	return s.query(ctx, sqlText, args, false)
}

// QueryScrollable runs a one-shot query whose cursor supports absolute and
// backward navigation.
func (s *Session) QueryScrollable(ctx context.Context, sqlText string, args ...any) (*Cursor, error) {
	return s.query(ctx, sqlText, args, true)
}

func (s *Session) query(ctx context.Context, sqlText string, args []any, scrollable bool) (*Cursor, error) {
	vals, err := toValues(args)
	if err != nil {
		return nil, err
	}
	resp, err := s.call(ctx, &wire.Request{
		Op: wire.OpQuery, SQL: sqlText, Args: vals, Scrollable: scrollable,
	})
	if err != nil {
		return nil, err
	}
	return newCursor(s, resp, scrollable), nil
}

// CreateLob allocates a server-side large object for chunked writing.
// Binary LOBs bind as bytes, character LOBs as text.
func (s *Session) CreateLob(ctx context.Context, char bool) (*Lob, error) {
	kind := "binary"
	if char {
		kind = "char"
	}
	resp, err := s.call(ctx, &wire.Request{Op: wire.OpLobCreate, Name: kind})
	if err != nil {
		return nil, err
	}
	return &Lob{sess: s, id: resp.HandleID}, nil
}

// XA returns the two-phase transaction interface for this session.
func (s *Session) XA() *XA { return &XA{sess: s} }

// Cancel delivers an out-of-band cancel to whatever call is currently
// executing on this session. Safe to invoke from another goroutine.
func (s *Session) Cancel(ctx context.Context) error {
	return s.c.Cancel(ctx, s.id)
}

// toValues converts native arguments to wire values. Lob arguments bind by
// reference so the payload is never re-sent inline.
func toValues(args []any) ([]wire.Value, error) {
	if len(args) == 0 {
		return nil, nil
	}
	vals := make([]wire.Value, len(args))
	for i, arg := range args {
		if lob, ok := arg.(*Lob); ok {
			vals[i] = lob.Ref()
			continue
		}
		v, err := wire.FromAny(arg)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}
