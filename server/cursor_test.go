package server

import (
	"context"
	"path"
	"testing"

	"github.com/sqlrelay/sqlrelay/wire"
)

func newTestRegistry(t *testing.T, mutate func(*Config)) *Registry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Pool.DSN = path.Join(t.TempDir(), "cursor_test.db")
	if mutate != nil {
		mutate(&cfg)
	}
	pool, err := NewPool(cfg.Pool, testLogger())
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	reg := NewRegistry(cfg, pool, testLogger())
	t.Cleanup(func() { reg.Close() })
	return reg
}

func mustDispatch(t *testing.T, reg *Registry, req *wire.Request) *wire.Response {
	t.Helper()
	resp := reg.Dispatch(context.Background(), req)
	if resp.Status != wire.StatusOK {
		t.Fatalf("%s returned %s error: %s", req.Op, resp.ErrorKind, resp.Error)
	}
	return resp
}

// cursorByID reaches into the handle table; only tests do this.
func cursorByID(t *testing.T, reg *Registry, owner, id string) *serverCursor {
	t.Helper()
	obj, err := reg.handles.get(owner, id, HandleCursor)
	if err != nil {
		t.Fatalf("Cursor handle lookup returned error: %v", err)
	}
	return obj.(*serverCursor)
}

func TestForwardCursorReleasesTransmittedRows(t *testing.T) {
	reg := newTestRegistry(t, func(cfg *Config) { cfg.FetchBlockSize = 4 })

	sid := mustDispatch(t, reg, &wire.Request{Op: wire.OpConnect}).SessionID
	mustDispatch(t, reg, &wire.Request{
		Op: wire.OpExec, SessionID: sid, SQL: "CREATE TABLE nums (n INTEGER)",
	})
	for i := 0; i < 10; i++ {
		mustDispatch(t, reg, &wire.Request{
			Op: wire.OpExec, SessionID: sid,
			SQL:  "INSERT INTO nums (n) VALUES (?)",
			Args: []wire.Value{wire.Int64(int64(i))},
		})
	}

	resp := mustDispatch(t, reg, &wire.Request{
		Op: wire.OpQuery, SessionID: sid, SQL: "SELECT n FROM nums ORDER BY n",
	})
	if len(resp.Rows) != 4 {
		t.Fatalf("Expected a 4-row first block, got %d", len(resp.Rows))
	}
	cur := cursorByID(t, reg, sid, resp.CursorID)
	if cur.base != 4 || len(cur.cache) != 6 {
		t.Errorf("Expected transmitted rows released (base=4, cached=6), got base=%d, cached=%d",
			cur.base, len(cur.cache))
	}

	next := mustDispatch(t, reg, &wire.Request{
		Op: wire.OpFetch, SessionID: sid, HandleID: resp.CursorID,
		Fetch: &wire.Fetch{Direction: wire.FetchNext},
	})
	if len(next.Rows) != 4 {
		t.Fatalf("Expected a 4-row second block, got %d", len(next.Rows))
	}
	if cur.base != 8 || len(cur.cache) != 2 {
		t.Errorf("Expected base=8, cached=2 after the second block, got base=%d, cached=%d",
			cur.base, len(cur.cache))
	}

	last := mustDispatch(t, reg, &wire.Request{
		Op: wire.OpFetch, SessionID: sid, HandleID: resp.CursorID,
		Fetch: &wire.Fetch{Direction: wire.FetchNext},
	})
	if len(last.Rows) != 2 || !last.End {
		t.Fatalf("Expected the final 2-row block with End, got %d rows (end=%v)",
			len(last.Rows), last.End)
	}
	if len(cur.cache) != 0 {
		t.Errorf("Expected an empty cache once the cursor is drained, got %d rows", len(cur.cache))
	}
	if cur.total() != 10 {
		t.Errorf("Expected total row accounting to survive the trims, got %d", cur.total())
	}
}

func TestScrollableCursorKeepsAllRows(t *testing.T) {
	reg := newTestRegistry(t, func(cfg *Config) { cfg.FetchBlockSize = 4 })

	sid := mustDispatch(t, reg, &wire.Request{Op: wire.OpConnect}).SessionID
	mustDispatch(t, reg, &wire.Request{
		Op: wire.OpExec, SessionID: sid, SQL: "CREATE TABLE nums (n INTEGER)",
	})
	for i := 0; i < 10; i++ {
		mustDispatch(t, reg, &wire.Request{
			Op: wire.OpExec, SessionID: sid,
			SQL:  "INSERT INTO nums (n) VALUES (?)",
			Args: []wire.Value{wire.Int64(int64(i))},
		})
	}

	resp := mustDispatch(t, reg, &wire.Request{
		Op: wire.OpQuery, SessionID: sid,
		SQL: "SELECT n FROM nums ORDER BY n", Scrollable: true,
	})
	mustDispatch(t, reg, &wire.Request{
		Op: wire.OpFetch, SessionID: sid, HandleID: resp.CursorID,
		Fetch: &wire.Fetch{Direction: wire.FetchLast},
	})
	// Scrollable navigation can revisit any row, so nothing is released.
	cur := cursorByID(t, reg, sid, resp.CursorID)
	if cur.base != 0 || len(cur.cache) != 10 {
		t.Errorf("Expected a fully retained cache (base=0, cached=10), got base=%d, cached=%d",
			cur.base, len(cur.cache))
	}

	first := mustDispatch(t, reg, &wire.Request{
		Op: wire.OpFetch, SessionID: sid, HandleID: resp.CursorID,
		Fetch: &wire.Fetch{Direction: wire.FetchFirst},
	})
	if len(first.Rows) != 1 || first.Position != 1 {
		t.Errorf("Expected to navigate back to row 1, got %d rows at position %d",
			len(first.Rows), first.Position)
	}
}
