package server

import (
	"database/sql"

	"github.com/sqlrelay/sqlrelay/wire"
)

// serverCursor is the server-side result cursor. Forward-only cursors on a
// pinned connection stream from the backend block by block; scrollable
// cursors (and any cursor opened on an unpinned session, whose connection
// goes back to the pool at the end of the call) materialize rows into the
// cache and serve navigation from it. Position follows the client model:
// 0 is before-first, rows are 1-based, len+1 is after-last.
type serverCursor struct {
	reg        *Registry
	owner      string
	columns    []wire.Column
	scrollable bool

	rows  *sql.Rows // open backend rows; nil once drained or materialized
	cache [][]wire.Value
	// base counts rows dropped from the front of the cache. Forward-only
	// cursors discard each block once transmitted, so cache[i] holds row
	// base+i+1; scrollable cursors keep everything and base stays 0.
	base    int64
	done    bool
	pos     int64
	maxRows int64 // 0 = unlimited
}

// fill reads backend rows into the cache until it covers at least target rows
// or the result is exhausted. target < 0 drains everything.
func (c *serverCursor) fill(target int64) error {
	for !c.done && (target < 0 || c.total() < target) {
		if c.maxRows > 0 && c.total() >= c.maxRows {
			c.finish()
			return nil
		}
		if !c.rows.Next() {
			err := c.rows.Err()
			c.finish()
			if err != nil {
				return wire.NewDatabaseError(err)
			}
			return nil
		}
		raw, err := scanRow(c.rows, len(c.columns))
		if err != nil {
			c.finish()
			return wire.NewDatabaseError(err)
		}
		encoded, err := c.reg.encodeValues(c.owner, raw)
		if err != nil {
			c.finish()
			return err
		}
		c.cache = append(c.cache, encoded)
	}
	return nil
}

func (c *serverCursor) finish() {
	c.done = true
	if c.rows != nil {
		c.rows.Close()
		c.rows = nil
	}
}

func (c *serverCursor) total() int64 { return c.base + int64(len(c.cache)) }

// fetch serves one navigation call. FetchNext returns a block of up to
// f.Count rows past the current position; every other direction requires a
// scrollable cursor and returns the single row at the target position.
func (c *serverCursor) fetch(f *wire.Fetch, defaultBlock int) (*wire.Response, error) {
	if f == nil {
		f = &wire.Fetch{Direction: wire.FetchNext}
	}
	count := f.Count
	if count <= 0 {
		count = defaultBlock
	}

	if f.Direction == wire.FetchNext || f.Direction == "" {
		if err := c.fill(c.pos + int64(count)); err != nil {
			return nil, err
		}
		start := c.pos
		end := start + int64(count)
		if end > c.total() {
			end = c.total()
		}
		block := c.cache[start-c.base : end-c.base]
		c.pos = end
		atEnd := c.done && c.pos >= c.total()
		if atEnd && int64(len(block)) < int64(count) {
			c.pos = c.total() // after-last once the block came up short
		}
		if !c.scrollable && c.pos > c.base {
			// Transmitted rows can never be fetched again on a forward-only
			// cursor; release them rather than holding the whole consumed
			// prefix for the cursor's lifetime.
			rest := c.cache[c.pos-c.base:]
			c.cache = append([][]wire.Value(nil), rest...)
			c.base = c.pos
		}
		return &wire.Response{
			Status:   wire.StatusOK,
			Rows:     block,
			End:      atEnd,
			Position: c.pos,
		}, nil
	}

	if !c.scrollable {
		return nil, wire.NewProtocolError("cursor is forward-only; %s navigation requires a scrollable cursor", f.Direction)
	}

	var target int64
	switch f.Direction {
	case wire.FetchPrior:
		target = c.pos - 1
	case wire.FetchFirst:
		target = 1
	case wire.FetchLast:
		if err := c.fill(-1); err != nil {
			return nil, err
		}
		target = c.total()
	case wire.FetchAbsolute:
		target = f.Offset
		if target < 0 {
			// Negative absolute positions count back from the last row.
			if err := c.fill(-1); err != nil {
				return nil, err
			}
			target = c.total() + target + 1
		}
	case wire.FetchRelative:
		target = c.pos + f.Offset
	default:
		return nil, wire.NewProtocolError("unknown fetch direction %q", f.Direction)
	}

	if target < 1 {
		c.pos = 0
		return &wire.Response{Status: wire.StatusOK, Position: 0}, nil
	}
	if err := c.fill(target); err != nil {
		return nil, err
	}
	if target > c.total() {
		if !c.done {
			if err := c.fill(target); err != nil {
				return nil, err
			}
		}
		if target > c.total() {
			c.pos = c.total() + 1
			return &wire.Response{Status: wire.StatusOK, End: true, Position: c.pos}, nil
		}
	}
	c.pos = target
	return &wire.Response{
		Status:   wire.StatusOK,
		Rows:     [][]wire.Value{c.cache[target-1]},
		Position: c.pos,
	}, nil
}

// scanRow reads the current backend row into raw Go values. Byte slices are
// copied because drivers may reuse their buffers between Next calls.
func scanRow(rows *sql.Rows, n int) ([]any, error) {
	raw := make([]any, n)
	ptrs := make([]any, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range raw {
		if b, ok := v.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			raw[i] = cp
		}
	}
	return raw, nil
}

// columnsOf extracts wire column metadata, passing backend-reported type
// names and nullability through without normalization.
func columnsOf(rows *sql.Rows) ([]wire.Column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, wire.NewDatabaseError(err)
	}
	cols := make([]wire.Column, len(types))
	for i, ct := range types {
		cols[i] = wire.Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
		if nullable, ok := ct.Nullable(); ok {
			n := nullable
			cols[i].Nullable = &n
		}
	}
	return cols, nil
}
