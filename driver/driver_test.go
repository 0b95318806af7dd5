package driver

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http/httptest"
	"path"
	"testing"

	"github.com/sqlrelay/sqlrelay/server"

	_ "github.com/mattn/go-sqlite3"
)

// newRelayDB stands up a relay over a temporary SQLite database and opens a
// database/sql handle through this driver.
func newRelayDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Pool.DSN = path.Join(t.TempDir(), "driver_test.db")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(cfg, log)
	if err != nil {
		t.Fatalf("server.New returned error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})

	db, err := sql.Open("sqlrelay", ts.URL)
	if err != nil {
		t.Fatalf("sql.Open returned error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDriverPing(t *testing.T) {
	db := newRelayDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}

func TestDriverBadDSN(t *testing.T) {
	if _, err := (&Driver{}).OpenConnector("ftp://nope"); err == nil {
		t.Error("Expected an error for a non-http DSN")
	}
	if _, err := (&Driver{}).OpenConnector("://bad"); err == nil {
		t.Error("Expected an error for an unparseable DSN")
	}
}

func TestDriverExecQuery(t *testing.T) {
	db := newRelayDB(t)

	if _, err := db.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("CREATE TABLE returned error: %v", err)
	}
	res, err := db.Exec("INSERT INTO users (name) VALUES (?)", "alice")
	if err != nil {
		t.Fatalf("INSERT returned error: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("Expected 1 row affected, got %d", n)
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		t.Errorf("Expected a generated id, got %d (err=%v)", id, err)
	}

	rows, err := db.Query("SELECT id, name FROM users")
	if err != nil {
		t.Fatalf("SELECT returned error: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		t.Fatal("Expected a row")
	}
	var gotID int64
	var name string
	if err := rows.Scan(&gotID, &name); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if gotID != id || name != "alice" {
		t.Errorf("Expected (%d, alice), got (%d, %s)", id, gotID, name)
	}
	if rows.Next() {
		t.Error("Expected exactly one row")
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows.Err returned: %v", err)
	}
}

func TestDriverPreparedStatement(t *testing.T) {
	db := newRelayDB(t)

	if _, err := db.Exec("CREATE TABLE t (n INTEGER)"); err != nil {
		t.Fatalf("CREATE TABLE returned error: %v", err)
	}

	stmt, err := db.Prepare("INSERT INTO t (n) VALUES (?)")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	defer stmt.Close()

	for i := 1; i <= 3; i++ {
		if _, err := stmt.Exec(i); err != nil {
			t.Fatalf("Exec %d returned error: %v", i, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 rows, got %d", count)
	}
}

func TestDriverTransaction(t *testing.T) {
	db := newRelayDB(t)

	if _, err := db.Exec("CREATE TABLE t (n INTEGER)"); err != nil {
		t.Fatalf("CREATE TABLE returned error: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if _, err := tx.Exec("INSERT INTO t (n) VALUES (1)"); err != nil {
		t.Fatalf("Exec in transaction returned error: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected the rollback to discard the insert, got %d rows", count)
	}

	tx, err = db.Begin()
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if _, err := tx.Exec("INSERT INTO t (n) VALUES (2)"); err != nil {
		t.Fatalf("Exec in transaction returned error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 committed row, got %d", count)
	}
}

func TestDriverDatabaseError(t *testing.T) {
	db := newRelayDB(t)
	if _, err := db.Exec("INSERT INTO no_such_table VALUES (1)"); err == nil {
		t.Error("Expected a database error")
	}
}

func TestDriverNamedParamsRejected(t *testing.T) {
	db := newRelayDB(t)
	if _, err := db.Exec("CREATE TABLE t (n INTEGER)"); err != nil {
		t.Fatalf("CREATE TABLE returned error: %v", err)
	}
	if _, err := db.Exec("INSERT INTO t (n) VALUES (:n)", sql.Named("n", 1)); err == nil {
		t.Error("Expected named parameters to be rejected")
	}
}
