package server

import (
	"testing"

	"github.com/sqlrelay/sqlrelay/wire"
)

func TestHandlePutGet(t *testing.T) {
	m := newHandleManager()
	id := m.put("sess-1", HandleStatement, &serverStmt{sqlText: "SELECT 1"}, nil)

	obj, err := m.get("sess-1", id, HandleStatement)
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if obj.(*serverStmt).sqlText != "SELECT 1" {
		t.Error("get returned a different object")
	}
}

func TestHandleWrongOwner(t *testing.T) {
	m := newHandleManager()
	id := m.put("sess-1", HandleStatement, &serverStmt{}, nil)

	_, err := m.get("sess-2", id, HandleStatement)
	if err == nil {
		t.Fatal("Expected error for foreign session")
	}
	if !wire.IsLifecycle(err) {
		t.Errorf("Expected a lifecycle error, got %v", err)
	}
}

func TestHandleWrongKind(t *testing.T) {
	m := newHandleManager()
	id := m.put("sess-1", HandleStatement, &serverStmt{}, nil)

	if _, err := m.get("sess-1", id, HandleCursor); !wire.IsLifecycle(err) {
		t.Errorf("Expected a lifecycle error for kind mismatch, got %v", err)
	}
}

func TestHandleCloseIdempotent(t *testing.T) {
	m := newHandleManager()
	closes := 0
	id := m.put("sess-1", HandleLob, newLob(false), func() error {
		closes++
		return nil
	})

	if err := m.close(id); err != nil {
		t.Fatalf("First close returned error: %v", err)
	}
	if err := m.close(id); err != nil {
		t.Fatalf("Second close should be a no-op, got: %v", err)
	}
	if err := m.close("no-such-handle"); err != nil {
		t.Fatalf("Closing an unknown handle should succeed, got: %v", err)
	}
	if closes != 1 {
		t.Errorf("Closer ran %d times, want 1", closes)
	}

	if _, err := m.get("sess-1", id, HandleLob); !wire.IsLifecycle(err) {
		t.Errorf("Expected a lifecycle error after close, got %v", err)
	}
}

func TestHandleCascade(t *testing.T) {
	// Closing a statement closes the cursors opened from it.
	m := newHandleManager()
	var order []string

	stmtID := m.put("sess-1", HandleStatement, &serverStmt{}, func() error {
		order = append(order, "stmt")
		return nil
	})
	curID := m.put("sess-1", HandleCursor, &serverCursor{}, func() error {
		order = append(order, "cursor")
		return nil
	})
	m.link(stmtID, curID)

	if err := m.close(stmtID); err != nil {
		t.Fatalf("close returned error: %v", err)
	}
	if len(order) != 2 || order[0] != "cursor" || order[1] != "stmt" {
		t.Errorf("Expected cursor to close before statement, got %v", order)
	}
	if _, err := m.get("sess-1", curID, HandleCursor); err == nil {
		t.Error("Cascaded child handle should be gone")
	}
}

func TestHandleCloseOwned(t *testing.T) {
	m := newHandleManager()
	m.put("sess-1", HandleStatement, &serverStmt{}, nil)
	m.put("sess-1", HandleLob, newLob(false), nil)
	m.put("sess-2", HandleStatement, &serverStmt{}, nil)

	if err := m.closeOwned("sess-1"); err != nil {
		t.Fatalf("closeOwned returned error: %v", err)
	}
	if n := m.count("sess-1"); n != 0 {
		t.Errorf("Expected 0 handles for sess-1, got %d", n)
	}
	if n := m.count("sess-2"); n != 1 {
		t.Errorf("closeOwned touched another session's handles: %d left", n)
	}
}
