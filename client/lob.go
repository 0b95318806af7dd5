package client

import (
	"context"
	"io"

	"github.com/sqlrelay/sqlrelay/wire"
)

// Lob is a large object. A remote Lob (id set) lives on the session holder
// and is streamed in chunks; a local Lob wraps an inline column value that
// was small enough to travel with its row.
type Lob struct {
	sess   *Session
	id     string
	local  []byte
	length int64

	seq    int64
	sealed bool
	closed bool
}

// Ref returns the wire value that passes this object as a statement
// argument. Remote objects travel as a handle reference; local ones inline.
func (l *Lob) Ref() wire.Value {
	if l.id != "" {
		return wire.LobRef(l.id, l.length)
	}
	return wire.Bytes(l.local)
}

func (l *Lob) check() error {
	if l.closed {
		return wire.NewLifecycleError("lob is closed")
	}
	return nil
}

// WriteBytes appends b and seals the object. Data is sent in ordered chunks
// no larger than the client's configured chunk size; the last chunk carries
// the final marker so the server knows the stream is complete.
func (l *Lob) WriteBytes(ctx context.Context, b []byte) error {
	if err := l.check(); err != nil {
		return err
	}
	if l.id == "" {
		return wire.NewProtocolError("lob is read-only")
	}
	size := l.sess.c.lobChunkSize
	for {
		n := len(b)
		final := n <= size
		if !final {
			n = size
		}
		chunk := &wire.LobChunk{Seq: l.seq, Data: b[:n], Final: final}
		if _, err := l.sess.call(ctx, &wire.Request{
			Op:       wire.OpLobWrite,
			HandleID: l.id,
			Chunk:    chunk,
		}); err != nil {
			return err
		}
		l.seq++
		l.length += int64(n)
		if final {
			l.sealed = true
			return nil
		}
		b = b[n:]
	}
}

// Write streams everything from r into the object and seals it.
func (l *Lob) Write(ctx context.Context, r io.Reader) (int64, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	if l.id == "" {
		return 0, wire.NewProtocolError("lob is read-only")
	}
	buf := make([]byte, l.sess.c.lobChunkSize)
	var written int64
	for {
		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return written, wire.NewTransportError("lob source read failed", readErr)
		}
		final := readErr != nil
		chunk := &wire.LobChunk{Seq: l.seq, Data: buf[:n], Final: final}
		if _, err := l.sess.call(ctx, &wire.Request{
			Op:       wire.OpLobWrite,
			HandleID: l.id,
			Chunk:    chunk,
		}); err != nil {
			return written, err
		}
		l.seq++
		written += int64(n)
		l.length += int64(n)
		if final {
			l.sealed = true
			return written, nil
		}
	}
}

// ReadAt reads up to len(p) bytes starting at offset. It reports io.EOF
// when the window reaches the end of the object.
func (l *Lob) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	if l.id == "" {
		if offset >= int64(len(l.local)) {
			return 0, io.EOF
		}
		n := copy(p, l.local[offset:])
		if int64(n)+offset >= int64(len(l.local)) {
			return n, io.EOF
		}
		return n, nil
	}
	resp, err := l.sess.call(ctx, &wire.Request{
		Op:       wire.OpLobRead,
		HandleID: l.id,
		Fetch:    &wire.Fetch{Offset: offset, Count: len(p)},
	})
	if err != nil {
		return 0, err
	}
	if resp.Chunk == nil {
		return 0, wire.NewProtocolError("lob read returned no chunk")
	}
	n := copy(p, resp.Chunk.Data)
	if resp.Chunk.Final {
		return n, io.EOF
	}
	return n, nil
}

// Bytes fetches the whole object.
func (l *Lob) Bytes(ctx context.Context) ([]byte, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	if l.id == "" {
		out := make([]byte, len(l.local))
		copy(out, l.local)
		return out, nil
	}
	var out []byte
	buf := make([]byte, l.sess.c.lobChunkSize)
	var offset int64
	for {
		n, err := l.ReadAt(ctx, buf, offset)
		out = append(out, buf[:n]...)
		offset += int64(n)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Length returns the object length in bytes. Remote objects are asked; the
// answer is cached.
func (l *Lob) Length(ctx context.Context) (int64, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	if l.id == "" {
		return int64(len(l.local)), nil
	}
	resp, err := l.sess.call(ctx, &wire.Request{Op: wire.OpLobLength, HandleID: l.id})
	if err != nil {
		return 0, err
	}
	l.length = resp.Length
	return resp.Length, nil
}

// NewReader returns a sequential reader over the object.
func (l *Lob) NewReader(ctx context.Context) io.Reader {
	return &lobReader{ctx: ctx, lob: l}
}

type lobReader struct {
	ctx    context.Context
	lob    *Lob
	offset int64
}

func (r *lobReader) Read(p []byte) (int, error) {
	n, err := r.lob.ReadAt(r.ctx, p, r.offset)
	r.offset += int64(n)
	return n, err
}

// Close releases the server-side object. Closing twice is a no-op.
func (l *Lob) Close(ctx context.Context) error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.local = nil
	if l.id == "" {
		return nil
	}
	_, err := l.sess.call(ctx, &wire.Request{Op: wire.OpCloseHandle, HandleID: l.id})
	return err
}
