package server

import (
	"database/sql"
	"fmt"
	"strings"
)

// dialect captures the few backend-specific behaviors the proxy needs. The
// proxy never parses or rewrites SQL beyond these hooks; everything else is
// passed through to the backend untouched.
type dialect interface {
	// isolationStatement returns the SQL that sets the session isolation
	// level, or ok=false if the backend has no such statement.
	isolationStatement(level string) (string, bool)
	// supportsPreparedTx reports whether the backend can persist a prepared
	// two-phase transaction (e.g. PREPARE TRANSACTION). Without it a
	// prepared XA branch is held open on the pinned connection.
	supportsPreparedTx() bool
}

func dialectFor(driver string) dialect {
	switch driver {
	case "mysql":
		return mysqlDialect{}
	case "sqlite3":
		return sqliteDialect{}
	default:
		return genericDialect{}
	}
}

type mysqlDialect struct{}

func (mysqlDialect) isolationStatement(level string) (string, bool) {
	name, ok := isolationName(level)
	if !ok {
		return "", false
	}
	return "SET SESSION TRANSACTION ISOLATION LEVEL " + name, true
}

func (mysqlDialect) supportsPreparedTx() bool { return false }

type sqliteDialect struct{}

func (sqliteDialect) isolationStatement(level string) (string, bool) {
	// SQLite has no per-session isolation statement; serializable is the
	// default and read_uncommitted is a pragma.
	if normalizeIsolation(level) == "read_uncommitted" {
		return "PRAGMA read_uncommitted = 1", true
	}
	return "PRAGMA read_uncommitted = 0", true
}

func (sqliteDialect) supportsPreparedTx() bool { return false }

type genericDialect struct{}

func (genericDialect) isolationStatement(string) (string, bool) { return "", false }
func (genericDialect) supportsPreparedTx() bool                 { return false }

func normalizeIsolation(level string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(level), " ", "_"))
}

func isolationName(level string) (string, bool) {
	switch normalizeIsolation(level) {
	case "read_uncommitted":
		return "READ UNCOMMITTED", true
	case "read_committed":
		return "READ COMMITTED", true
	case "repeatable_read":
		return "REPEATABLE READ", true
	case "serializable":
		return "SERIALIZABLE", true
	default:
		return "", false
	}
}

// sqlIsolation maps a wire isolation level onto database/sql's enum for
// BeginTx.
func sqlIsolation(level string) (sql.IsolationLevel, error) {
	switch normalizeIsolation(level) {
	case "":
		return sql.LevelDefault, nil
	case "read_uncommitted":
		return sql.LevelReadUncommitted, nil
	case "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", level)
	}
}
