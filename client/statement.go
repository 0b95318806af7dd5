package client

import (
	"context"
	"time"

	"github.com/sqlrelay/sqlrelay/wire"
)

// Stmt is a prepared statement. Until the first execution it is nothing but
// a client-local template (SQL text plus buffered parameter sets); the
// server-side statement resource is allocated lazily by that first
// execution and referenced by handle afterwards.
type Stmt struct {
	sess    *Session
	sqlText string
	id      string // server statement handle, "" until first execution

	batch   [][]wire.Value
	timeout time.Duration
	maxRows int64
	closed  bool
}

// SetQueryTimeout forwards a per-execution timeout; the server cancels the
// underlying physical execution when it elapses.
func (st *Stmt) SetQueryTimeout(d time.Duration) { st.timeout = d }

// SetMaxRows caps the rows a query cursor will produce. Zero means
// unlimited.
func (st *Stmt) SetMaxRows(n int64) { st.maxRows = n }

func (st *Stmt) request(op wire.Op) *wire.Request {
	req := &wire.Request{
		Op:        op,
		TimeoutMS: st.timeout.Milliseconds(),
		MaxRows:   st.maxRows,
	}
	if st.id != "" {
		req.HandleID = st.id
	} else {
		req.SQL = st.sqlText
		req.Retain = true
	}
	return req
}

func (st *Stmt) check() error {
	if st.closed {
		return wire.NewLifecycleError("statement is closed")
	}
	return nil
}

// adopt records the server statement handle returned by the first
// execution.
func (st *Stmt) adopt(resp *wire.Response) {
	if st.id == "" && resp.HandleID != "" {
		st.id = resp.HandleID
	}
}

// Exec executes the statement with the given parameters.
func (st *Stmt) Exec(ctx context.Context, args ...any) (Result, error) {
	if err := st.check(); err != nil {
		return Result{}, err
	}
	vals, err := toValues(args)
	if err != nil {
		return Result{}, err
	}
	req := st.request(wire.OpExec)
	req.Args = vals
	resp, err := st.sess.call(ctx, req)
	if err != nil {
		return Result{}, err
	}
	st.adopt(resp)
	return Result{LastInsertID: resp.LastInsertID, RowsAffected: resp.RowsAffected}, nil
}

// ExecReturningKeys executes an insert and returns the generated-keys
// cursor alongside the result. The keys cursor is owned by the statement:
// closing the statement closes it too.
func (st *Stmt) ExecReturningKeys(ctx context.Context, args ...any) (Result, *Cursor, error) {
	if err := st.check(); err != nil {
		return Result{}, nil, err
	}
	vals, err := toValues(args)
	if err != nil {
		return Result{}, nil, err
	}
	req := st.request(wire.OpExec)
	req.Args = vals
	req.WantKeys = true
	resp, err := st.sess.call(ctx, req)
	if err != nil {
		return Result{}, nil, err
	}
	st.adopt(resp)
	keys := &Cursor{
		sess:       st.sess,
		id:         resp.KeysHandleID,
		columns:    []wire.Column{{Name: "GENERATED_KEY", Type: "INTEGER"}},
		scrollable: true,
	}
	return Result{LastInsertID: resp.LastInsertID, RowsAffected: resp.RowsAffected}, keys, nil
}

// Query executes the statement and returns a forward-only cursor.
func (st *Stmt) Query(ctx context.Context, args ...any) (*Cursor, error) {
	return st.query(ctx, args, false)
}

// QueryScrollable executes the statement with a scrollable result cursor.
func (st *Stmt) QueryScrollable(ctx context.Context, args ...any) (*Cursor, error) {
	return st.query(ctx, args, true)
}

func (st *Stmt) query(ctx context.Context, args []any, scrollable bool) (*Cursor, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	vals, err := toValues(args)
	if err != nil {
		return nil, err
	}
	req := st.request(wire.OpQuery)
	req.Args = vals
	req.Scrollable = scrollable
	resp, err := st.sess.call(ctx, req)
	if err != nil {
		return nil, err
	}
	st.adopt(resp)
	return newCursor(st.sess, resp, scrollable), nil
}

// AddBatch buffers one parameter set client-side. Nothing reaches the
// server until ExecBatch flushes the whole batch in a single call.
func (st *Stmt) AddBatch(args ...any) error {
	if err := st.check(); err != nil {
		return err
	}
	vals, err := toValues(args)
	if err != nil {
		return err
	}
	if vals == nil {
		vals = []wire.Value{}
	}
	st.batch = append(st.batch, vals)
	return nil
}

// ClearBatch discards buffered parameter sets.
func (st *Stmt) ClearBatch() { st.batch = nil }

// ExecBatch flushes the buffered parameter sets as one call and returns one
// affected-row count per set, in submission order. The buffer is cleared on
// success and kept on failure so the caller can inspect it.
func (st *Stmt) ExecBatch(ctx context.Context) ([]int64, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	req := st.request(wire.OpExecBatch)
	req.Batch = st.batch
	resp, err := st.sess.call(ctx, req)
	if err != nil {
		return nil, err
	}
	st.adopt(resp)
	counts := resp.BatchCounts
	if counts == nil {
		counts = []int64{}
	}
	st.batch = nil
	return counts, nil
}

// ParamCount reports the parameter count as the backend sees it. Backends
// that expose no parameter metadata report -1; the value is passed through,
// not normalized.
func (st *Stmt) ParamCount(ctx context.Context) (int, error) {
	if err := st.check(); err != nil {
		return 0, err
	}
	resp, err := st.sess.call(ctx, st.request(wire.OpParamCount))
	if err != nil {
		return 0, err
	}
	return resp.ParamCount, nil
}

// Close releases the server statement resource (cascading to any cursors it
// produced) if one was ever allocated. Closing twice is a no-op.
func (st *Stmt) Close(ctx context.Context) error {
	if st.closed {
		return nil
	}
	st.closed = true
	st.batch = nil
	if st.id == "" {
		return nil // never executed; nothing was allocated server-side
	}
	_, err := st.sess.call(ctx, &wire.Request{Op: wire.OpCloseHandle, HandleID: st.id})
	return err
}
