package server

import (
	"regexp"
)

// PinScope says how long a session must stay on one physical connection.
type PinScope int

const (
	// PinNone: the call can be served by any pooled connection.
	PinNone PinScope = iota
	// PinTxn: pinned until the open transaction commits or rolls back.
	PinTxn
	// PinSession: pinned for the lifetime of the session. Used for
	// connection-local server objects (temporary tables, session
	// variables) that some backends destroy when the physical connection
	// changes.
	PinSession
)

func (s PinScope) String() string {
	switch s {
	case PinTxn:
		return "transaction"
	case PinSession:
		return "session"
	default:
		return "none"
	}
}

var (
	tempObjectRe = regexp.MustCompile(`(?i)\b(?:temp|temporary)\s+(?:table|view|sequence)\b`)
	// Statements that mutate connection-local settings: SET ROLE/SET
	// search_path/SET LOCAL-style variables, and pragmas.
	sessionSetRe = regexp.MustCompile(`(?i)^\s*(?:set|pragma)\b`)
)

// classifySQL decides whether a statement requires session affinity and
// whether the physical connection must be discarded (not recycled) once the
// session ends. Temporary objects live on the backend connection itself and
// cannot be undone by the reset hook, so they both pin for the session
// lifetime and poison the connection. SET/PRAGMA-style session settings pin
// too, but the reset hook restores them, so the connection stays reusable.
// Everything else is left to the transaction state: any statement inside an
// open transaction is transaction-pinned by the registry.
func classifySQL(sqlText string) (scope PinScope, discard bool) {
	if tempObjectRe.MatchString(sqlText) {
		return PinSession, true
	}
	if sessionSetRe.MatchString(sqlText) {
		return PinSession, false
	}
	// References to temp objects after creation also need the same
	// connection; creating one already pinned the session, so a plain
	// SELECT against it is covered by the existing pin.
	return PinNone, false
}
