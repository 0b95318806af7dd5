package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sqlrelay/sqlrelay/wire"
)

// serverStmt is the server-side prepared-statement resource. It is a
// descriptor (the SQL text) rather than a backend statement object, so it
// survives the session moving between pooled connections; the backend
// prepares on whichever connection serves the execution.
type serverStmt struct {
	sqlText string
}

// Dispatch applies one call. It resolves the session, serializes the call
// against other calls on the same session, registers it for out-of-band
// cancellation, and routes by operation code. Every error leaving here is
// classified by the wire taxonomy.
func (r *Registry) Dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	if req.Op == wire.OpConnect {
		s := r.connect()
		return &wire.Response{Status: wire.StatusOK, SessionID: s.id}
	}

	s, err := r.get(req.SessionID)
	if err != nil {
		return wire.ToResponse(err)
	}

	if req.Op == wire.OpCloseSession {
		if err := r.closeSession(req.SessionID); err != nil {
			return wire.ToResponse(err)
		}
		return wire.OK()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wire.ToResponse(wire.NewLifecycleError("session %q is closed", s.id))
	}
	s.touch()

	callCtx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.clearCancel()
		cancel()
	}()

	resp, err := r.apply(callCtx, s, req)
	if err != nil {
		return wire.ToResponse(err)
	}
	if resp == nil {
		resp = wire.OK()
	}
	return resp
}

func (r *Registry) apply(ctx context.Context, s *session, req *wire.Request) (*wire.Response, error) {
	switch req.Op {
	case wire.OpPing:
		return wire.OK(), nil

	case wire.OpSetAutoCommit:
		return nil, s.setAutoCommit(ctx, req.Enable)
	case wire.OpSetIsolation:
		return nil, s.setIsolation(ctx, req.Level)
	case wire.OpCommit:
		return nil, s.commit(ctx)
	case wire.OpRollback:
		return nil, s.rollback(ctx)
	case wire.OpSavepoint:
		return nil, s.savepoint(ctx, req.Name)
	case wire.OpReleaseSave:
		return nil, s.releaseSavepoint(ctx, req.Name)
	case wire.OpRollbackSave:
		return nil, s.rollbackSavepoint(ctx, req.Name)

	case wire.OpExec:
		return r.exec(ctx, s, req)
	case wire.OpExecBatch:
		return r.execBatch(ctx, s, req)
	case wire.OpQuery:
		return r.query(ctx, s, req)
	case wire.OpFetch:
		return r.fetch(ctx, s, req)
	case wire.OpParamCount:
		return r.paramCount(ctx, s, req)
	case wire.OpCloseHandle:
		// Idempotent: closing a closed or unknown handle succeeds.
		if err := r.handles.close(req.HandleID); err != nil {
			return nil, wire.NewDatabaseError(err)
		}
		return wire.OK(), nil

	case wire.OpLobCreate:
		char := req.Name == "char"
		id := r.handles.put(s.id, HandleLob, newLob(char), nil)
		return &wire.Response{Status: wire.StatusOK, HandleID: id}, nil
	case wire.OpLobWrite:
		lob, err := r.getLob(s, req.HandleID)
		if err != nil {
			return nil, err
		}
		return nil, lob.append(req.Chunk)
	case wire.OpLobRead:
		lob, err := r.getLob(s, req.HandleID)
		if err != nil {
			return nil, err
		}
		var offset int64
		var count int
		if req.Fetch != nil {
			offset, count = req.Fetch.Offset, req.Fetch.Count
		}
		if count <= 0 || count > r.cfg.LobChunkSize {
			count = r.cfg.LobChunkSize
		}
		chunk, err := lob.read(offset, count)
		if err != nil {
			return nil, err
		}
		return &wire.Response{Status: wire.StatusOK, Chunk: chunk}, nil
	case wire.OpLobLength:
		lob, err := r.getLob(s, req.HandleID)
		if err != nil {
			return nil, err
		}
		return &wire.Response{Status: wire.StatusOK, Length: lob.length()}, nil

	case wire.OpXAStart:
		return nil, s.xaStart(ctx, req.Xid)
	case wire.OpXAEnd:
		return nil, s.xaEnd(ctx, req.Xid)
	case wire.OpXAPrepare:
		return nil, s.xaPrepare(ctx, req.Xid)
	case wire.OpXACommit:
		return nil, s.xaCommit(ctx, req.Xid, req.OnePhase)
	case wire.OpXARollback:
		return nil, s.xaRollback(ctx, req.Xid)
	case wire.OpXARecover:
		return &wire.Response{Status: wire.StatusOK, Xids: r.preparedBranches()}, nil
	case wire.OpXAForget:
		return nil, s.xaForget(req.Xid)

	default:
		return nil, wire.NewProtocolError("unknown operation %q", req.Op)
	}
}

func (r *Registry) getLob(s *session, handleID string) (*lobObject, error) {
	obj, err := r.handles.get(s.id, handleID, HandleLob)
	if err != nil {
		return nil, err
	}
	return obj.(*lobObject), nil
}

// resolveSQL returns the statement text for the call: either inline SQL or
// the text of a retained prepared-statement handle.
func (r *Registry) resolveSQL(s *session, req *wire.Request) (string, error) {
	if req.HandleID != "" {
		obj, err := r.handles.get(s.id, req.HandleID, HandleStatement)
		if err != nil {
			return "", err
		}
		return obj.(*serverStmt).sqlText, nil
	}
	if req.SQL == "" {
		return "", wire.NewProtocolError("%s without sql text or statement handle", req.Op)
	}
	return req.SQL, nil
}

// target is the execution surface for one call: the open transaction when
// one exists, the connection otherwise.
type target interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// route resolves the connection and transaction serving a statement,
// applying the affinity policy: session-scoped triggers pin for the session
// lifetime, any statement with autocommit off (or inside an XA branch) pins
// for the transaction. The returned release is non-nil only when the
// connection was leased for just this call.
func (r *Registry) route(ctx context.Context, s *session, sqlText string) (target, *PhysConn, func(), error) {
	pc, release, err := s.acquire(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	scope, discard := classifySQL(sqlText)
	if (!s.autoCommit || s.xa != nil) && scope < PinTxn {
		scope = PinTxn
	}
	if scope > PinNone {
		s.pin(pc, scope, discard)
		release = nil
	}
	if !s.autoCommit || s.xa != nil {
		tx, err := s.ensureTx(ctx, pc)
		if err != nil {
			return nil, nil, nil, err
		}
		return tx, pc, release, nil
	}
	return pc.conn, pc, release, nil
}

// resolveArgs converts wire values to backend arguments, materializing LOB
// references into their content.
func (r *Registry) resolveArgs(s *session, vals []wire.Value) ([]any, error) {
	args := make([]any, len(vals))
	for i, v := range vals {
		if v.Kind == wire.KindLob {
			lob, err := r.getLob(s, v.Str)
			if err != nil {
				return nil, err
			}
			args[i] = lob.value()
			continue
		}
		got, err := v.Interface()
		if err != nil {
			return nil, err
		}
		args[i] = got
	}
	return args, nil
}

// callContext applies the statement's query timeout, if any.
func callContext(ctx context.Context, req *wire.Request) (context.Context, context.CancelFunc) {
	if req.TimeoutMS > 0 {
		return context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
	}
	return ctx, func() {}
}

func (r *Registry) exec(ctx context.Context, s *session, req *wire.Request) (*wire.Response, error) {
	sqlText, err := r.resolveSQL(s, req)
	if err != nil {
		return nil, err
	}
	tgt, _, release, err := r.route(ctx, s, sqlText)
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}
	args, err := r.resolveArgs(s, req.Args)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := callContext(ctx, req)
	defer cancel()
	res, err := tgt.ExecContext(execCtx, sqlText, args...)
	if err != nil {
		return nil, asCallError(execCtx, err)
	}

	resp := &wire.Response{Status: wire.StatusOK}
	if n, err := res.RowsAffected(); err == nil {
		resp.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		resp.LastInsertID = id
	}
	resp.HandleID = r.retainStmt(s, req, sqlText)
	if req.WantKeys {
		resp.KeysHandleID = r.generatedKeysCursor(s, res, resp.HandleID, req.HandleID)
	}
	return resp, nil
}

func (r *Registry) execBatch(ctx context.Context, s *session, req *wire.Request) (*wire.Response, error) {
	sqlText, err := r.resolveSQL(s, req)
	if err != nil {
		return nil, err
	}
	tgt, _, release, err := r.route(ctx, s, sqlText)
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}

	execCtx, cancel := callContext(ctx, req)
	defer cancel()

	counts := make([]int64, 0, len(req.Batch))
	for i, set := range req.Batch {
		args, err := r.resolveArgs(s, set)
		if err != nil {
			return nil, err
		}
		res, err := tgt.ExecContext(execCtx, sqlText, args...)
		if err != nil {
			return nil, wire.NewDatabaseError(
				fmt.Errorf("batch failed at parameter set %d: %w", i, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = -1 // backend cannot report a count for this statement
		}
		counts = append(counts, n)
	}
	resp := &wire.Response{Status: wire.StatusOK, BatchCounts: counts}
	resp.HandleID = r.retainStmt(s, req, sqlText)
	return resp, nil
}

func (r *Registry) query(ctx context.Context, s *session, req *wire.Request) (*wire.Response, error) {
	sqlText, err := r.resolveSQL(s, req)
	if err != nil {
		return nil, err
	}
	tgt, _, release, err := r.route(ctx, s, sqlText)
	if err != nil {
		return nil, err
	}
	perCall := release != nil
	if perCall {
		defer release()
	}
	args, err := r.resolveArgs(s, req.Args)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := callContext(ctx, req)
	defer cancel()
	rows, err := tgt.QueryContext(queryCtx, sqlText, args...)
	if err != nil {
		return nil, asCallError(queryCtx, err)
	}
	cols, err := columnsOf(rows)
	if err != nil {
		rows.Close()
		return nil, err
	}

	cursor := &serverCursor{
		reg:        r,
		owner:      s.id,
		columns:    cols,
		scrollable: req.Scrollable,
		rows:       rows,
		maxRows:    req.MaxRows,
	}
	if perCall {
		// The connection goes back to the pool when this call returns, so
		// the backend rows cannot stay open: materialize them now.
		if err := cursor.fill(-1); err != nil {
			return nil, err
		}
	}

	stmtID := r.retainStmt(s, req, sqlText)
	cursorID := r.handles.put(s.id, HandleCursor, cursor, func() error {
		cursor.finish()
		return nil
	})
	parent := stmtID
	if parent == "" {
		parent = req.HandleID
	}
	if parent != "" {
		r.handles.link(parent, cursorID)
	}

	resp, err := cursor.fetch(req.Fetch, r.cfg.FetchBlockSize)
	if err != nil {
		r.handles.close(cursorID)
		return nil, err
	}
	resp.Columns = cols
	resp.CursorID = cursorID
	resp.HandleID = stmtID
	return resp, nil
}

func (r *Registry) fetch(ctx context.Context, s *session, req *wire.Request) (*wire.Response, error) {
	obj, err := r.handles.get(s.id, req.HandleID, HandleCursor)
	if err != nil {
		return nil, err
	}
	return obj.(*serverCursor).fetch(req.Fetch, r.cfg.FetchBlockSize)
}

// paramCount passes through what the backend reports. The database/sql
// surface exposes no parameter metadata, so this is always -1 (unknown);
// callers must not treat it as authoritative, mirroring backends that
// report 0 or a dialect-specific value.
func (r *Registry) paramCount(ctx context.Context, s *session, req *wire.Request) (*wire.Response, error) {
	if _, err := r.resolveSQL(s, req); err != nil {
		return nil, err
	}
	return &wire.Response{Status: wire.StatusOK, ParamCount: -1}, nil
}

// retainStmt allocates a statement handle on first execution when the
// client asked for one. Statement resources are deliberately not allocated
// at prepare time; the client sends Retain with its first execution.
func (r *Registry) retainStmt(s *session, req *wire.Request, sqlText string) string {
	if !req.Retain || req.HandleID != "" {
		return ""
	}
	return r.handles.put(s.id, HandleStatement, &serverStmt{sqlText: sqlText}, nil)
}

// generatedKeysCursor builds the secondary cursor carrying generated keys,
// linked to the statement handle so it follows the statement's lifecycle.
func (r *Registry) generatedKeysCursor(s *session, res sql.Result, newStmtID, reqStmtID string) string {
	cursor := &serverCursor{
		reg:        r,
		owner:      s.id,
		columns:    []wire.Column{{Name: "GENERATED_KEY", Type: "INTEGER"}},
		scrollable: true,
		done:       true,
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		cursor.cache = [][]wire.Value{{wire.Int64(id)}}
	}
	cursorID := r.handles.put(s.id, HandleCursor, cursor, nil)
	parent := newStmtID
	if parent == "" {
		parent = reqStmtID
	}
	if parent != "" {
		r.handles.link(parent, cursorID)
	}
	return cursorID
}

// asCallError classifies a backend execution failure: a timeout or
// out-of-band cancel shows up as the context error, anything else is the
// backend speaking.
func asCallError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return wire.NewDatabaseError(errors.New("query timeout exceeded; execution canceled"))
		}
		return wire.NewDatabaseError(errors.New("query canceled"))
	}
	return wire.NewDatabaseError(err)
}

// encodeValues converts one backend row into wire values. Column values
// larger than the inline limit become session-owned LOB handles streamed on
// demand instead of inline payloads.
func (r *Registry) encodeValues(owner string, raw []any) ([]wire.Value, error) {
	out := make([]wire.Value, len(raw))
	for i, v := range raw {
		switch val := v.(type) {
		case nil:
			out[i] = wire.Null()
		case int64:
			out[i] = wire.Int64(val)
		case float64:
			out[i] = wire.Float64(val)
		case bool:
			out[i] = wire.Bool(val)
		case string:
			out[i] = wire.String(val)
		case []byte:
			if len(val) > r.cfg.LobInlineLimit && r.cfg.LobInlineLimit > 0 {
				id := r.handles.put(owner, HandleLob, lobFromValue(val, false), nil)
				out[i] = wire.LobRef(id, int64(len(val)))
			} else {
				out[i] = wire.Bytes(val)
			}
		case time.Time:
			out[i] = wire.Time(val)
		default:
			return nil, wire.NewProtocolError("backend returned unsupported type %T", v)
		}
	}
	return out, nil
}
