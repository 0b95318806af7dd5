package wire

import (
	"errors"
	"fmt"
)

// ErrorKind partitions every error the proxy can surface. Callers branch on
// the kind, not on message text.
type ErrorKind string

const (
	// ErrProtocol covers malformed frames, unknown operations and invalid
	// state transitions. Never retried.
	ErrProtocol ErrorKind = "protocol"
	// ErrTransport covers lost connections and response timeouts. Reported
	// distinctly from database errors so callers can judge retry safety;
	// the proxy itself never assumes the in-flight call was idempotent.
	ErrTransport ErrorKind = "transport"
	// ErrDatabase is a backend-reported error, passed through with its
	// message and vendor code, never reinterpreted.
	ErrDatabase ErrorKind = "database"
	// ErrLifecycle covers operations on closed or unknown handles and
	// double-free beyond the idempotent-close allowance.
	ErrLifecycle ErrorKind = "lifecycle"
	// ErrIndeterminate reports an XA branch whose outcome is unknown after
	// a partial two-phase failure; the transaction manager must drive
	// recovery manually.
	ErrIndeterminate ErrorKind = "indeterminate"
)

// Error is the typed error shared by client and server.
type Error struct {
	Kind       ErrorKind
	Message    string
	VendorCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error { return e.Cause }

// NewProtocolError creates a protocol-kind error.
func NewProtocolError(format string, args ...any) *Error {
	return &Error{Kind: ErrProtocol, Message: fmt.Sprintf(format, args...)}
}

// NewTransportError wraps a network failure.
func NewTransportError(message string, cause error) *Error {
	return &Error{Kind: ErrTransport, Message: message, Cause: cause}
}

// NewDatabaseError wraps a backend-reported error.
func NewDatabaseError(cause error) *Error {
	return &Error{Kind: ErrDatabase, Message: cause.Error(), Cause: cause}
}

// NewLifecycleError creates a resource-lifecycle error.
func NewLifecycleError(format string, args ...any) *Error {
	return &Error{Kind: ErrLifecycle, Message: fmt.Sprintf(format, args...)}
}

// NewIndeterminateError reports an unknown XA branch outcome.
func NewIndeterminateError(message string, cause error) *Error {
	return &Error{Kind: ErrIndeterminate, Message: message, Cause: cause}
}

// KindOf resolves the taxonomy kind of err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool { return KindOf(err) == ErrProtocol }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return KindOf(err) == ErrTransport }

// IsDatabase reports whether err is a backend-reported error.
func IsDatabase(err error) bool { return KindOf(err) == ErrDatabase }

// IsLifecycle reports whether err is a resource-lifecycle error.
func IsLifecycle(err error) bool { return KindOf(err) == ErrLifecycle }

// IsIndeterminate reports whether err is an indeterminate XA outcome.
func IsIndeterminate(err error) bool { return KindOf(err) == ErrIndeterminate }

// ToResponse encodes err into a response frame. Errors without a taxonomy
// kind are reported as protocol errors so no failure leaves the server
// unclassified.
func ToResponse(err error) *Response {
	resp := &Response{Status: StatusError, ErrorKind: ErrProtocol, Error: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		resp.ErrorKind = e.Kind
		resp.VendorCode = e.VendorCode
	}
	return resp
}

// ResponseError decodes the error carried by an error-status response.
func ResponseError(resp *Response) error {
	if resp.Status != StatusError {
		return nil
	}
	kind := resp.ErrorKind
	if kind == "" {
		kind = ErrProtocol
	}
	return &Error{Kind: kind, Message: resp.Error, VendorCode: resp.VendorCode}
}
