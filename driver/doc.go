// Package driver implements a database/sql/driver that routes all SQL
// execution through a relay session holder instead of a local database.
//
// The driver registers itself under the name "sqlrelay". The DSN is the
// base URL of the relay, optionally carrying the shared auth secret as a
// query parameter:
//
//	db, err := sql.Open("sqlrelay", "http://relay.internal:8437?secret=s3cret")
//	if err != nil {
//	    // handle error
//	}
//	defer db.Close()
//
// Each driver connection maps to one relay session, so database/sql's own
// pool governs how many sessions a process holds open. Transactions,
// prepared statements and result iteration all translate to relay calls;
// the relay decides which of its pooled physical connections serves each
// one.
//
// Implemented interfaces:
// - driver.Driver, driver.DriverContext, driver.Connector
// - driver.Conn, driver.ConnBeginTx, driver.Pinger
// - driver.Stmt, driver.StmtExecContext, driver.StmtQueryContext
// - driver.Tx, driver.Result, driver.Rows
//
// Limitations:
//
//   - Named statement parameters are not supported; use positional
//     placeholders.
//   - NumInput reports -1: the relay does not expose parameter metadata.
//   - Scrollable cursors, large-object streaming and distributed-branch
//     control have no database/sql surface; use the client package
//     directly when those are needed.
package driver
