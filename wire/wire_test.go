package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestFromAnyInterface(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"int", 42, int64(42)},
		{"int64", int64(-7), int64(-7)},
		{"float", 3.5, 3.5},
		{"bool", true, true},
		{"string", "hello", "hello"},
		{"time", ts, ts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := FromAny(tt.in)
			if err != nil {
				t.Fatalf("FromAny(%v) returned error: %v", tt.in, err)
			}
			got, err := v.Interface()
			if err != nil {
				t.Fatalf("Interface() returned error: %v", err)
			}
			if tm, ok := tt.want.(time.Time); ok {
				if !tm.Equal(got.(time.Time)) {
					t.Errorf("Expected %v, got %v", tt.want, got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestFromAnyUnsupported(t *testing.T) {
	_, err := FromAny(struct{ X int }{1})
	if err == nil {
		t.Fatal("Expected error for unsupported argument type")
	}
	if !IsProtocol(err) {
		t.Errorf("Expected a protocol error, got %v", err)
	}
}

func TestBytesNullVsEmpty(t *testing.T) {
	// A nil slice is SQL NULL; an empty slice is a zero-length value.
	if v := Bytes(nil); !v.IsNull() {
		t.Errorf("Bytes(nil) should be NULL, got kind %q", v.Kind)
	}

	v := Bytes([]byte{})
	if v.IsNull() {
		t.Fatal("Bytes(empty) should not be NULL")
	}
	got, err := v.Interface()
	if err != nil {
		t.Fatalf("Interface() returned error: %v", err)
	}
	b, ok := got.([]byte)
	if !ok || len(b) != 0 {
		t.Errorf("Expected empty []byte, got %v (%T)", got, got)
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	// Binary payloads must survive the JSON encoding unchanged.
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i % 256)
	}
	v := Bytes(data)

	encoded, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded Value
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Kind != KindBytes {
		t.Fatalf("Expected kind bytes, got %q", decoded.Kind)
	}
	if string(decoded.Bytes) != string(data) {
		t.Error("Binary payload changed across encode/decode")
	}
}

func TestLobRef(t *testing.T) {
	v := LobRef("handle-1", 1024)
	if v.Kind != KindLob {
		t.Fatalf("Expected kind lob, got %q", v.Kind)
	}
	got, err := v.Interface()
	if err != nil {
		t.Fatalf("Interface() returned error: %v", err)
	}
	// Lob refs come back as-is; resolving needs the owning session.
	ref, ok := got.(Value)
	if !ok || ref.Str != "handle-1" || ref.Int != 1024 {
		t.Errorf("Expected the lob ref back, got %v (%T)", got, got)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
		kind  ErrorKind
	}{
		{"protocol", NewProtocolError("bad %s", "frame"), IsProtocol, ErrProtocol},
		{"transport", NewTransportError("send failed", cause), IsTransport, ErrTransport},
		{"database", NewDatabaseError(cause), IsDatabase, ErrDatabase},
		{"lifecycle", NewLifecycleError("closed"), IsLifecycle, ErrLifecycle},
		{"indeterminate", NewIndeterminateError("commit unconfirmed", cause), IsIndeterminate, ErrIndeterminate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("Predicate rejected its own kind: %v", tt.err)
			}
			if KindOf(tt.err) != tt.kind {
				t.Errorf("Expected kind %q, got %q", tt.kind, KindOf(tt.err))
			}
			// Kinds are mutually exclusive.
			for _, other := range tests {
				if other.name != tt.name && other.check(tt.err) {
					t.Errorf("%s predicate accepted a %s error", other.name, tt.name)
				}
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewDatabaseError(cause)
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the wrapped cause")
	}
}

func TestResponseErrorRoundTrip(t *testing.T) {
	orig := NewLifecycleError("session %q is closed", "s-1")
	resp := ToResponse(orig)
	if resp.Status != StatusError {
		t.Fatalf("Expected error status, got %q", resp.Status)
	}

	back := ResponseError(resp)
	if !IsLifecycle(back) {
		t.Errorf("Expected a lifecycle error after the round trip, got %v", back)
	}
	if back.Error() == "" {
		t.Error("Round-tripped error lost its message")
	}
}

func TestResponseErrorOK(t *testing.T) {
	if err := ResponseError(OK()); err != nil {
		t.Errorf("OK response should produce no error, got %v", err)
	}
}
