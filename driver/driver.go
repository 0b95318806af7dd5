package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/sqlrelay/sqlrelay/client"
	"github.com/sqlrelay/sqlrelay/wire"
)

const driverName = "sqlrelay"

func init() {
	sql.Register(driverName, &Driver{})
}

// Driver opens relay-backed connections.
type Driver struct{}

// Open parses the DSN and connects a new relay session.
func (d *Driver) Open(name string) (driver.Conn, error) {
	connector, err := d.OpenConnector(name)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector parses the DSN once so repeated connections skip it.
func (d *Driver) OpenConnector(name string) (driver.Connector, error) {
	u, err := url.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("sqlrelay: invalid dsn %q: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sqlrelay: dsn %q must be an http or https url", name)
	}
	q := u.Query()
	secret := q.Get("secret")
	q.Del("secret")
	u.RawQuery = q.Encode()

	var opts []client.Option
	if secret != "" {
		opts = append(opts, client.WithAuthSecret(secret))
	}
	return &connector{drv: d, c: client.NewClient(u.String(), opts...)}, nil
}

type connector struct {
	drv *Driver
	c   *client.Client
}

func (cn *connector) Driver() driver.Driver { return cn.drv }

// Connect opens one relay session per database/sql connection.
func (cn *connector) Connect(ctx context.Context) (driver.Conn, error) {
	sess, err := cn.c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlrelay: connect failed: %w", err)
	}
	return &conn{sess: sess}, nil
}

type conn struct {
	sess *client.Session
	inTx bool
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext returns a statement handle. Allocation on the relay is
// deferred to the first execution, so a bad statement fails there rather
// than here.
func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	return &stmt{st: c.sess.Prepare(query)}, nil
}

func (c *conn) Close() error {
	return c.sess.Close(context.Background())
}

func (c *conn) Ping(ctx context.Context) error {
	if err := c.sess.Ping(ctx); err != nil {
		if wire.IsTransport(err) || wire.IsLifecycle(err) {
			return driver.ErrBadConn
		}
		return err
	}
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx disables autocommit on the session; the relay pins a physical
// connection until Commit or Rollback re-enables it.
func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.inTx {
		return nil, fmt.Errorf("sqlrelay: transaction already active on this connection")
	}
	if opts.ReadOnly {
		return nil, fmt.Errorf("sqlrelay: read-only transactions are not supported")
	}
	if level, ok := isolationLevel(sql.IsolationLevel(opts.Isolation)); ok {
		if err := c.sess.SetIsolation(ctx, level); err != nil {
			return nil, err
		}
	} else if sql.IsolationLevel(opts.Isolation) != sql.LevelDefault {
		return nil, fmt.Errorf("sqlrelay: unsupported isolation level %d", opts.Isolation)
	}
	if err := c.sess.SetAutoCommit(ctx, false); err != nil {
		return nil, err
	}
	c.inTx = true
	return &tx{conn: c}, nil
}

func isolationLevel(level sql.IsolationLevel) (string, bool) {
	switch level {
	case sql.LevelReadUncommitted:
		return "read uncommitted", true
	case sql.LevelReadCommitted:
		return "read committed", true
	case sql.LevelRepeatableRead:
		return "repeatable read", true
	case sql.LevelSerializable:
		return "serializable", true
	default:
		return "", false
	}
}

// ExecContext runs one-shot statements without a prepared handle.
func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	vals, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	res, err := c.sess.Exec(ctx, query, vals...)
	if err != nil {
		return nil, err
	}
	return result{res}, nil
}

// QueryContext runs one-shot queries without a prepared handle.
func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	vals, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	cur, err := c.sess.Query(ctx, query, vals...)
	if err != nil {
		return nil, err
	}
	return &rows{ctx: ctx, cur: cur}, nil
}

type tx struct {
	conn *conn
}

func (t *tx) Commit() error {
	return t.finish((*client.Session).Commit)
}

func (t *tx) Rollback() error {
	return t.finish((*client.Session).Rollback)
}

// finish completes the transaction and restores autocommit so the session's
// pinned connection returns to the relay pool.
func (t *tx) finish(end func(*client.Session, context.Context) error) error {
	if !t.conn.inTx {
		return fmt.Errorf("sqlrelay: transaction already completed")
	}
	t.conn.inTx = false
	ctx := context.Background()
	if err := end(t.conn.sess, ctx); err != nil {
		return err
	}
	return t.conn.sess.SetAutoCommit(ctx, true)
}

type stmt struct {
	st *client.Stmt
}

func (s *stmt) Close() error {
	return s.st.Close(context.Background())
}

// NumInput reports -1: the relay exposes no parameter metadata.
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), plainValues(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	vals, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	res, err := s.st.Exec(ctx, vals...)
	if err != nil {
		return nil, err
	}
	return result{res}, nil
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), plainValues(args))
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	vals, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	cur, err := s.st.Query(ctx, vals...)
	if err != nil {
		return nil, err
	}
	return &rows{ctx: ctx, cur: cur}, nil
}

func plainValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

func namedValues(args []driver.NamedValue) ([]any, error) {
	vals := make([]any, len(args))
	for i, a := range args {
		if a.Name != "" {
			return nil, fmt.Errorf("sqlrelay: named parameters are not supported")
		}
		vals[i] = a.Value
	}
	return vals, nil
}

type result struct {
	res client.Result
}

func (r result) LastInsertId() (int64, error) { return r.res.LastInsertID, nil }
func (r result) RowsAffected() (int64, error) { return r.res.RowsAffected, nil }

// rows adapts a relay cursor. The query context is retained because
// driver.Rows.Next carries none and block fetches go back to the relay.
type rows struct {
	ctx context.Context
	cur *client.Cursor
}

func (r *rows) Columns() []string {
	cols := r.cur.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func (r *rows) ColumnTypeDatabaseTypeName(index int) string {
	cols := r.cur.Columns()
	if index < len(cols) {
		return cols[index].Type
	}
	return ""
}

func (r *rows) ColumnTypeNullable(index int) (nullable, ok bool) {
	cols := r.cur.Columns()
	if index < len(cols) && cols[index].Nullable != nil {
		return *cols[index].Nullable, true
	}
	return false, false
}

func (r *rows) Close() error {
	return r.cur.Close(r.ctx)
}

func (r *rows) Next(dest []driver.Value) error {
	ok, err := r.cur.Next(r.ctx)
	if err != nil {
		return err
	}
	if !ok {
		return io.EOF
	}
	row, err := r.cur.Row()
	if err != nil {
		return err
	}
	if len(row) != len(dest) {
		return fmt.Errorf("sqlrelay: column count mismatch: expected %d, got %d", len(dest), len(row))
	}
	for i, v := range row {
		if v.Kind == wire.KindLob {
			// database/sql has no lob surface; materialize the object.
			lob, err := r.cur.Lob(r.ctx, i)
			if err != nil {
				return fmt.Errorf("sqlrelay: column %d: %w", i, err)
			}
			data, err := lob.Bytes(r.ctx)
			if err != nil {
				return fmt.Errorf("sqlrelay: column %d: %w", i, err)
			}
			dest[i] = data
			continue
		}
		raw, err := v.Interface()
		if err != nil {
			return fmt.Errorf("sqlrelay: column %d: %w", i, err)
		}
		dest[i] = toDriverValue(raw)
	}
	return nil
}

// toDriverValue narrows decoded wire values to the driver.Value set.
func toDriverValue(raw any) driver.Value {
	switch v := raw.(type) {
	case nil, int64, float64, bool, []byte, string, time.Time:
		return v
	default:
		return fmt.Sprint(v)
	}
}

var (
	_ driver.DriverContext                  = (*Driver)(nil)
	_ driver.Connector                      = (*connector)(nil)
	_ driver.ConnBeginTx                    = (*conn)(nil)
	_ driver.ConnPrepareContext             = (*conn)(nil)
	_ driver.Pinger                         = (*conn)(nil)
	_ driver.ExecerContext                  = (*conn)(nil)
	_ driver.QueryerContext                 = (*conn)(nil)
	_ driver.StmtExecContext                = (*stmt)(nil)
	_ driver.StmtQueryContext               = (*stmt)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*rows)(nil)
	_ driver.RowsColumnTypeNullable         = (*rows)(nil)
)
