package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sqlrelay/sqlrelay/wire"
)

// HandleKind distinguishes the server-side object a handle refers to.
type HandleKind string

const (
	HandleStatement HandleKind = "statement"
	HandleCursor    HandleKind = "cursor"
	HandleLob       HandleKind = "lob"
)

type handleEntry struct {
	id       string
	kind     HandleKind
	owner    string // session id
	obj      any
	closer   func() error
	children []string // closed before this handle (statement -> cursors)
}

// handleManager allocates, tracks and releases resource handles. Operations
// on an unknown handle fail with a deterministic lifecycle error; closing is
// idempotent, so a second close of the same id is a no-op success.
type handleManager struct {
	mu      sync.Mutex
	handles map[string]*handleEntry
}

func newHandleManager() *handleManager {
	return &handleManager{handles: make(map[string]*handleEntry)}
}

// put registers obj under a fresh handle id owned by the given session.
func (m *handleManager) put(owner string, kind HandleKind, obj any, closer func() error) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.handles[id] = &handleEntry{id: id, kind: kind, owner: owner, obj: obj, closer: closer}
	m.mu.Unlock()
	return id
}

// get resolves a handle, checking kind and owning session.
func (m *handleManager) get(owner, id string, kind HandleKind) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok || h.owner != owner {
		return nil, wire.NewLifecycleError("invalid %s handle %q", kind, id)
	}
	if h.kind != kind {
		return nil, wire.NewLifecycleError("handle %q is a %s, not a %s", id, h.kind, kind)
	}
	return h.obj, nil
}

// link records child as owned by parent so closing the parent cascades.
func (m *handleManager) link(parent, child string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[parent]; ok {
		h.children = append(h.children, child)
	}
}

// close releases a handle and every handle linked beneath it. Unknown ids
// are treated as already closed.
func (m *handleManager) close(id string) error {
	m.mu.Lock()
	entries := m.detach(id)
	m.mu.Unlock()
	return closeEntries(entries)
}

// detach removes the entry and its descendants from the table, returning
// them leaf-first. Caller holds m.mu.
func (m *handleManager) detach(id string) []*handleEntry {
	h, ok := m.handles[id]
	if !ok {
		return nil
	}
	delete(m.handles, id)
	var entries []*handleEntry
	for _, child := range h.children {
		entries = append(entries, m.detach(child)...)
	}
	return append(entries, h)
}

// closeOwned releases every handle owned by a session, cursors before
// statements.
func (m *handleManager) closeOwned(owner string) error {
	m.mu.Lock()
	var roots []string
	for id, h := range m.handles {
		if h.owner == owner {
			roots = append(roots, id)
		}
	}
	var entries []*handleEntry
	for _, id := range roots {
		entries = append(entries, m.detach(id)...)
	}
	m.mu.Unlock()
	return closeEntries(entries)
}

func closeEntries(entries []*handleEntry) error {
	var firstErr error
	for _, h := range entries {
		if h.closer == nil {
			continue
		}
		if err := h.closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// count reports how many handles a session currently owns.
func (m *handleManager) count(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if h.owner == owner {
			n++
		}
	}
	return n
}
