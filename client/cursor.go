package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sqlrelay/sqlrelay/wire"
)

// Cursor is a result cursor. Rows arrive from the server in blocks; Next
// walks the current block locally and fetches the following block on
// demand, so a caller that stops early never pulls the rest of the result.
// Position 0 is before the first row; rows are 1-based.
type Cursor struct {
	sess       *Session
	id         string
	columns    []wire.Column
	scrollable bool

	block      [][]wire.Value // rows at positions blockStart..blockStart+len-1
	blockStart int64
	pos        int64
	end        bool // server reported after-last for forward iteration
	closed     bool
}

// newCursor builds a cursor from a query response, which carries the first
// row block. Iteration starts before the first row.
func newCursor(s *Session, resp *wire.Response, scrollable bool) *Cursor {
	return &Cursor{
		sess:       s,
		id:         resp.CursorID,
		columns:    resp.Columns,
		scrollable: scrollable,
		block:      resp.Rows,
		blockStart: 1,
		end:        resp.End,
	}
}

// Columns returns the result column metadata as reported by the backend.
func (c *Cursor) Columns() []wire.Column { return c.columns }

// Position returns the current row position (0 = before first).
func (c *Cursor) Position() int64 { return c.pos }

func (c *Cursor) check() error {
	if c.closed {
		return wire.NewLifecycleError("cursor is closed")
	}
	return nil
}

// rowAt returns the locally buffered row at position p, if present.
func (c *Cursor) rowAt(p int64) ([]wire.Value, bool) {
	if p >= c.blockStart && p < c.blockStart+int64(len(c.block)) {
		return c.block[p-c.blockStart], true
	}
	return nil, false
}

// Next advances to the following row, reporting whether one exists.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	target := c.pos + 1
	if _, ok := c.rowAt(target); ok {
		c.pos = target
		return true, nil
	}
	if c.end && target >= c.blockStart+int64(len(c.block)) {
		c.pos = target
		return false, nil
	}
	resp, err := c.sess.call(ctx, &wire.Request{
		Op:       wire.OpFetch,
		HandleID: c.id,
		Fetch:    &wire.Fetch{Direction: wire.FetchNext},
	})
	if err != nil {
		return false, err
	}
	c.end = resp.End
	if len(resp.Rows) == 0 {
		c.pos = target
		return false, nil
	}
	c.block = resp.Rows
	c.blockStart = target
	c.pos = target
	return true, nil
}

// Previous moves one row back. Scrollable cursors only.
func (c *Cursor) Previous(ctx context.Context) (bool, error) {
	return c.Absolute(ctx, c.pos-1)
}

// First positions on the first row. Scrollable cursors only.
func (c *Cursor) First(ctx context.Context) (bool, error) {
	return c.navigate(ctx, &wire.Fetch{Direction: wire.FetchFirst})
}

// Last positions on the last row. Scrollable cursors only.
func (c *Cursor) Last(ctx context.Context) (bool, error) {
	return c.navigate(ctx, &wire.Fetch{Direction: wire.FetchLast})
}

// Absolute positions on row n (1-based; negative counts from the end).
// Scrollable cursors only.
func (c *Cursor) Absolute(ctx context.Context, n int64) (bool, error) {
	return c.navigate(ctx, &wire.Fetch{Direction: wire.FetchAbsolute, Offset: n})
}

// Relative moves by offset rows from the current position. Scrollable
// cursors only.
func (c *Cursor) Relative(ctx context.Context, offset int64) (bool, error) {
	// Resolved against the client's view of the position so a partially
	// consumed block cannot skew the target.
	return c.Absolute(ctx, c.pos+offset)
}

func (c *Cursor) navigate(ctx context.Context, f *wire.Fetch) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	if !c.scrollable {
		return false, wire.NewProtocolError("cursor is forward-only")
	}
	resp, err := c.sess.call(ctx, &wire.Request{Op: wire.OpFetch, HandleID: c.id, Fetch: f})
	if err != nil {
		return false, err
	}
	c.pos = resp.Position
	if len(resp.Rows) == 0 {
		c.block = nil
		c.blockStart = c.pos
		return false, nil
	}
	c.block = resp.Rows
	c.blockStart = c.pos
	return true, nil
}

// Row returns the raw wire values of the current row.
func (c *Cursor) Row() ([]wire.Value, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	row, ok := c.rowAt(c.pos)
	if !ok {
		return nil, wire.NewProtocolError("cursor is not positioned on a row")
	}
	return row, nil
}

// Scan copies the current row into dest pointers, converting wire values to
// native Go types.
func (c *Cursor) Scan(dest ...any) error {
	row, err := c.Row()
	if err != nil {
		return err
	}
	if len(dest) != len(row) {
		return wire.NewProtocolError("scan expects %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return wire.NewProtocolError("scan column %d (%s): %v", i, c.columnName(i), err)
		}
	}
	return nil
}

func (c *Cursor) columnName(i int) string {
	if i < len(c.columns) {
		return c.columns[i].Name
	}
	return "?"
}

// Lob opens the large object in the given column of the current row. A SQL
// NULL column returns (nil, nil): no object, distinct from an empty one.
func (c *Cursor) Lob(ctx context.Context, col int) (*Lob, error) {
	row, err := c.Row()
	if err != nil {
		return nil, err
	}
	if col < 0 || col >= len(row) {
		return nil, wire.NewProtocolError("column index %d out of range", col)
	}
	v := row[col]
	switch v.Kind {
	case wire.KindNull, "":
		return nil, nil
	case wire.KindLob:
		return &Lob{sess: c.sess, id: v.Str, length: v.Int}, nil
	case wire.KindBytes:
		return &Lob{sess: c.sess, local: v.Bytes, length: int64(len(v.Bytes))}, nil
	case wire.KindString:
		return &Lob{sess: c.sess, local: []byte(v.Str), length: int64(len(v.Str))}, nil
	default:
		return nil, wire.NewProtocolError("column %d is not a large object", col)
	}
}

// Close releases the server cursor. Closing twice is a no-op.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.block = nil
	if c.id == "" {
		return nil
	}
	_, err := c.sess.call(ctx, &wire.Request{Op: wire.OpCloseHandle, HandleID: c.id})
	return err
}

// assign converts one wire value into the destination pointer.
func assign(dest any, v wire.Value) error {
	raw, err := v.Interface()
	if err != nil {
		return err
	}
	switch d := dest.(type) {
	case *any:
		*d = raw
		return nil
	case *int64:
		switch r := raw.(type) {
		case int64:
			*d = r
		case float64:
			*d = int64(r)
		case string:
			n, err := strconv.ParseInt(r, 10, 64)
			if err != nil {
				return err
			}
			*d = n
		default:
			return fmt.Errorf("cannot convert %T to int64", raw)
		}
		return nil
	case *int:
		var n int64
		if err := assign(&n, v); err != nil {
			return err
		}
		*d = int(n)
		return nil
	case *float64:
		switch r := raw.(type) {
		case float64:
			*d = r
		case int64:
			*d = float64(r)
		default:
			return fmt.Errorf("cannot convert %T to float64", raw)
		}
		return nil
	case *bool:
		switch r := raw.(type) {
		case bool:
			*d = r
		case int64:
			*d = r != 0
		default:
			return fmt.Errorf("cannot convert %T to bool", raw)
		}
		return nil
	case *string:
		switch r := raw.(type) {
		case string:
			*d = r
		case []byte:
			*d = string(r)
		case int64:
			*d = strconv.FormatInt(r, 10)
		case float64:
			*d = strconv.FormatFloat(r, 'g', -1, 64)
		default:
			return fmt.Errorf("cannot convert %T to string", raw)
		}
		return nil
	case *[]byte:
		switch r := raw.(type) {
		case []byte:
			*d = r
		case string:
			*d = []byte(r)
		case nil:
			*d = nil
		default:
			return fmt.Errorf("cannot convert %T to []byte", raw)
		}
		return nil
	case *time.Time:
		t, ok := raw.(time.Time)
		if !ok {
			return fmt.Errorf("cannot convert %T to time.Time", raw)
		}
		*d = t
		return nil
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
}
