package server

import (
	"sync"

	"github.com/sqlrelay/sqlrelay/wire"
)

// lobObject is a server-side large object. Content arrives and leaves in
// chunks; neither side ever needs the whole value in a single frame. A
// present-but-empty object is distinct from SQL NULL, which is represented
// by no object at all.
type lobObject struct {
	mu      sync.Mutex
	char    bool // character vs binary
	data    []byte
	nextSeq int64
	sealed  bool // final chunk received, or value materialized from a column
}

func newLob(char bool) *lobObject {
	return &lobObject{char: char, data: []byte{}}
}

// lobFromValue wraps an existing column value for chunked reads.
func lobFromValue(data []byte, char bool) *lobObject {
	if data == nil {
		data = []byte{}
	}
	return &lobObject{char: char, data: data, sealed: true}
}

// append applies one write chunk. Chunks must arrive in order; the final
// flag seals the object. Writing after seal replaces the value from scratch
// only via a new object, never in place, so concurrent readers of the same
// row never observe a partial write.
func (l *lobObject) append(chunk *wire.LobChunk) error {
	if chunk == nil {
		return wire.NewProtocolError("lob write without chunk payload")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return wire.NewProtocolError("lob is sealed; create a new lob to replace the value")
	}
	if chunk.Seq != l.nextSeq {
		return wire.NewProtocolError("lob chunk out of order: got seq %d, want %d", chunk.Seq, l.nextSeq)
	}
	l.data = append(l.data, chunk.Data...)
	l.nextSeq++
	if chunk.Final {
		l.sealed = true
	}
	return nil
}

// read returns up to count bytes starting at offset. Final is set when the
// returned window reaches the end of the value, so a reader that only wants
// a prefix never forces the rest across the wire.
func (l *lobObject) read(offset int64, count int) (*wire.LobChunk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < 0 || offset > int64(len(l.data)) {
		return nil, wire.NewProtocolError("lob read offset %d out of range 0..%d", offset, len(l.data))
	}
	end := offset + int64(count)
	if count <= 0 || end > int64(len(l.data)) {
		end = int64(len(l.data))
	}
	chunk := &wire.LobChunk{
		Seq:   offset,
		Data:  l.data[offset:end],
		Final: end == int64(len(l.data)),
	}
	return chunk, nil
}

func (l *lobObject) length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.data))
}

// value returns the materialized content for binding as a statement
// argument.
func (l *lobObject) value() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.char {
		return string(l.data)
	}
	out := make([]byte, len(l.data))
	copy(out, l.data)
	return out
}
