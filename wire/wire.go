// Package wire defines the frames exchanged between the sqlrelay client and
// server: operation codes, typed argument values, request/response structures,
// row blocks and LOB chunks, plus the error taxonomy shared by both sides.
//
// The codec is plain JSON. Byte values are carried base64-encoded (the default
// encoding/json behavior for []byte), timestamps as RFC3339Nano strings, and
// decimals as strings so no precision is lost in transit.
package wire

import (
	"fmt"
	"time"
)

// Op identifies a proxied operation. A single request/response endpoint
// carries all of them; the server dispatches on the code and the handle kind
// rather than exposing one RPC method per client API method.
type Op string

// Session lifecycle and transaction control.
const (
	OpConnect       Op = "connect"
	OpPing          Op = "ping"
	OpCloseSession  Op = "close_session"
	OpSetAutoCommit Op = "set_autocommit"
	OpSetIsolation  Op = "set_isolation"
	OpCommit        Op = "commit"
	OpRollback      Op = "rollback"
	OpSavepoint     Op = "savepoint"
	OpReleaseSave   Op = "release_savepoint"
	OpRollbackSave  Op = "rollback_savepoint"
)

// Statement and cursor operations.
const (
	OpExec        Op = "exec"
	OpExecBatch   Op = "exec_batch"
	OpQuery       Op = "query"
	OpFetch       Op = "fetch"
	OpParamCount  Op = "param_count"
	OpCloseHandle Op = "close_handle"
)

// Large object transfer.
const (
	OpLobCreate Op = "lob_create"
	OpLobWrite  Op = "lob_write"
	OpLobRead   Op = "lob_read"
	OpLobLength Op = "lob_length"
)

// XA two-phase transaction branches.
const (
	OpXAStart    Op = "xa_start"
	OpXAEnd      Op = "xa_end"
	OpXAPrepare  Op = "xa_prepare"
	OpXACommit   Op = "xa_commit"
	OpXARollback Op = "xa_rollback"
	OpXARecover  Op = "xa_recover"
	OpXAForget   Op = "xa_forget"
)

// Kind tags a Value with its wire type.
type Kind string

const (
	KindNull    Kind = "null"
	KindInt     Kind = "int"
	KindFloat   Kind = "float"
	KindBool    Kind = "bool"
	KindString  Kind = "string"
	KindBytes   Kind = "bytes"
	KindTime    Kind = "time"
	KindDecimal Kind = "decimal"
	// KindLob references a server-side large object handle instead of
	// carrying the payload inline. Str holds the handle id, Int the length
	// in bytes.
	KindLob Kind = "lob"
)

// Value is one typed argument or column value.
type Value struct {
	Kind  Kind    `json:"kind"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Bool  bool    `json:"bool,omitempty"`
	Str   string  `json:"str,omitempty"`
	Bytes []byte  `json:"bytes,omitempty"`
}

// Null returns the SQL NULL value.
func Null() Value { return Value{Kind: KindNull} }

// Int64 wraps an integer value.
func Int64(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Float64 wraps a floating-point value.
func Float64(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// Bool wraps a boolean value.
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// String wraps a string value.
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// Bytes wraps a binary value. A non-nil empty slice round-trips as zero
// bytes, distinct from NULL.
func Bytes(v []byte) Value {
	if v == nil {
		return Null()
	}
	return Value{Kind: KindBytes, Bytes: v}
}

// Time wraps a timestamp value.
func Time(v time.Time) Value {
	return Value{Kind: KindTime, Str: v.Format(time.RFC3339Nano)}
}

// Decimal wraps an exact decimal carried as its string form.
func Decimal(v string) Value { return Value{Kind: KindDecimal, Str: v} }

// LobRef references a server-side large object by handle id.
func LobRef(handleID string, length int64) Value {
	return Value{Kind: KindLob, Str: handleID, Int: length}
}

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull || v.Kind == "" }

// FromAny converts a native Go value into a wire Value. Supported types
// mirror driver.Value plus the integer and float widths commonly passed by
// callers.
func FromAny(arg any) (Value, error) {
	switch v := arg.(type) {
	case nil:
		return Null(), nil
	case int:
		return Int64(int64(v)), nil
	case int32:
		return Int64(int64(v)), nil
	case int64:
		return Int64(v), nil
	case float32:
		return Float64(float64(v)), nil
	case float64:
		return Float64(v), nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Bytes(v), nil
	case time.Time:
		return Time(v), nil
	case Value:
		return v, nil
	default:
		return Value{}, NewProtocolError("unsupported argument type %T", arg)
	}
}

// Interface converts a wire Value back to its native Go representation.
// KindLob values are returned as-is; resolving them requires the owning
// session.
func (v Value) Interface() (any, error) {
	switch v.Kind {
	case KindNull, "":
		return nil, nil
	case KindInt:
		return v.Int, nil
	case KindFloat:
		return v.Float, nil
	case KindBool:
		return v.Bool, nil
	case KindString, KindDecimal:
		return v.Str, nil
	case KindBytes:
		if v.Bytes == nil {
			return []byte{}, nil
		}
		return v.Bytes, nil
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			return nil, NewProtocolError("malformed time value %q: %v", v.Str, err)
		}
		return t, nil
	case KindLob:
		return v, nil
	default:
		return nil, NewProtocolError("unknown value kind %q", v.Kind)
	}
}

// Column describes one result column as reported by the backend. Values are
// passed through from the backend driver without normalization.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// Fetch directs cursor navigation. Direction is one of next, prior, first,
// last, absolute or relative; Offset applies to absolute/relative moves.
// Count bounds the number of rows returned in the block.
type Fetch struct {
	Direction string `json:"direction"`
	Offset    int64  `json:"offset,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// Fetch directions.
const (
	FetchNext     = "next"
	FetchPrior    = "prior"
	FetchFirst    = "first"
	FetchLast     = "last"
	FetchAbsolute = "absolute"
	FetchRelative = "relative"
)

// LobChunk is one block of a chunked large-object transfer. Chunks are
// applied strictly in Seq order; Final marks the end of the stream, so a
// payload of any size never needs a single oversized frame.
type LobChunk struct {
	Seq   int64  `json:"seq"`
	Data  []byte `json:"data,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// Request is one proxied call.
type Request struct {
	SessionID string `json:"session_id,omitempty"`
	HandleID  string `json:"handle_id,omitempty"`
	Op        Op     `json:"op"`

	SQL   string    `json:"sql,omitempty"`
	Args  []Value   `json:"args,omitempty"`
	Batch [][]Value `json:"batch,omitempty"`

	// Retain asks the server to keep the prepared statement resource after
	// an exec/query so it can be referenced by handle id later. Unset for
	// one-shot statements.
	Retain bool `json:"retain,omitempty"`
	// WantKeys asks for a generated-keys cursor alongside an exec result.
	WantKeys bool `json:"want_keys,omitempty"`
	// Scrollable opens the result cursor in scrollable mode.
	Scrollable bool `json:"scrollable,omitempty"`

	Name      string    `json:"name,omitempty"`    // savepoint name, lob kind
	Enable    bool      `json:"enable,omitempty"`  // autocommit toggle
	Level     string    `json:"level,omitempty"`   // isolation level
	Fetch     *Fetch    `json:"fetch,omitempty"`   // cursor navigation / lob read window
	Chunk     *LobChunk `json:"chunk,omitempty"`   // lob write payload
	Xid       string    `json:"xid,omitempty"`     // XA branch id
	OnePhase  bool      `json:"one_phase,omitempty"`
	TimeoutMS int64     `json:"timeout_ms,omitempty"` // query timeout, 0 = none
	MaxRows   int64     `json:"max_rows,omitempty"`   // 0 = unlimited
}

// Response is the result of one proxied call.
type Response struct {
	Status     string    `json:"status"` // "ok" or "error"
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	VendorCode int    `json:"vendor_code,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	// HandleID carries a retained prepared-statement handle; CursorID the
	// result cursor of a query; KeysHandleID the generated-keys cursor of
	// an exec that asked for one.
	HandleID     string `json:"handle_id,omitempty"`
	CursorID     string `json:"cursor_id,omitempty"`
	KeysHandleID string `json:"keys_handle_id,omitempty"`

	Columns []Column  `json:"columns,omitempty"`
	Rows    [][]Value `json:"rows,omitempty"`
	// End is the explicit end-of-stream marker for row blocks: true when the
	// cursor has no rows past this block in the fetch direction.
	End      bool  `json:"end,omitempty"`
	Position int64 `json:"position,omitempty"` // cursor row position after the call, 0 = before first

	LastInsertID int64   `json:"last_insert_id,omitempty"`
	RowsAffected int64   `json:"rows_affected,omitempty"`
	BatchCounts  []int64 `json:"batch_counts,omitempty"`
	ParamCount   int     `json:"param_count,omitempty"`

	Chunk  *LobChunk `json:"chunk,omitempty"`
	Length int64     `json:"length,omitempty"`
	Xids   []string  `json:"xids,omitempty"`
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// OK is the empty success response.
func OK() *Response { return &Response{Status: StatusOK} }

func (r *Request) String() string {
	return fmt.Sprintf("%s session=%s handle=%s", r.Op, r.SessionID, r.HandleID)
}
