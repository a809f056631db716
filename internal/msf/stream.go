// Package msf implements the Multi-Stream File container used by PDBs: a
// reader that reconstructs the stream table and exposes each stream as a
// seekable byte sequence, and a writer that serialises a (possibly
// modified) set of streams back into a fresh container with a new
// free-page map, stream table, and header.
package msf

import "io"

// Stream is the uniform capability set every stream variant implements:
// read/seek/length/write over a logical, possibly non-contiguous, byte
// sequence. Implementations mirror spec.md §3's MsfStream (abstract).
type Stream interface {
	io.Reader
	io.Writer

	// Len returns the logical length of the stream in bytes.
	Len() int
	// Pos returns the current read/write position.
	Pos() int64
	// Seek moves the current position to an absolute byte offset.
	Seek(pos int64) (int64, error)
}

// ReadAll reads the whole of s from offset 0, whatever its current
// position, and leaves the position at the end of the stream.
func ReadAll(s Stream) ([]byte, error) {
	buf := make([]byte, s.Len())
	if _, err := s.Seek(0); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s, buf); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// MemoryStream is a growable, in-memory stream. Writes past the current
// end extend the buffer, matching spec.md §3/§4.G.
type MemoryStream struct {
	data []byte
	pos  int64
}

// NewMemoryStream creates an empty, growable memory stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{}
}

// NewMemoryStreamWithData wraps an existing byte slice as the initial
// contents of a growable memory stream. The slice is retained, not
// copied.
func NewMemoryStreamWithData(data []byte) *MemoryStream {
	return &MemoryStream{data: data}
}

// NewMemoryStreamFrom copies the entire contents of src into a new
// MemoryStream starting at position zero, then restores src's original
// read position, per spec.md §4.G ("construction from another stream
// copies its entire contents into memory at position zero and restores
// the source's position").
func NewMemoryStreamFrom(src Stream) (*MemoryStream, error) {
	origPos := src.Pos()
	data, err := ReadAll(src)
	if err != nil {
		return nil, err
	}
	if _, err := src.Seek(origPos); err != nil {
		return nil, err
	}
	return NewMemoryStreamWithData(data), nil
}

func (m *MemoryStream) Len() int      { return len(m.data) }
func (m *MemoryStream) Pos() int64    { return m.pos }
func (m *MemoryStream) Bytes() []byte { return m.data }

func (m *MemoryStream) Seek(pos int64) (int64, error) {
	if pos < 0 {
		pos = 0
	}
	m.pos = pos
	return m.pos, nil
}

func (m *MemoryStream) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *MemoryStream) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[m.pos:end], p)
	m.pos = end
	return n, nil
}

// Truncate shrinks the stream to exactly n bytes. n must not exceed the
// current length.
func (m *MemoryStream) Truncate(n int) {
	if n > len(m.data) {
		panic("msf: Truncate grows the stream")
	}
	m.data = m.data[:n]
	if m.pos > int64(n) {
		m.pos = int64(n)
	}
}

// ReadOnlyMemoryStream borrows a byte slice and rejects writes, per
// spec.md §4.G.
type ReadOnlyMemoryStream struct {
	data []byte
	pos  int64
}

// NewReadOnlyMemoryStream wraps data (borrowed, not copied) as a
// read-only stream.
func NewReadOnlyMemoryStream(data []byte) *ReadOnlyMemoryStream {
	return &ReadOnlyMemoryStream{data: data}
}

func (r *ReadOnlyMemoryStream) Len() int   { return len(r.data) }
func (r *ReadOnlyMemoryStream) Pos() int64 { return r.pos }

func (r *ReadOnlyMemoryStream) Seek(pos int64) (int64, error) {
	if pos < 0 {
		pos = 0
	}
	r.pos = pos
	return r.pos, nil
}

func (r *ReadOnlyMemoryStream) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *ReadOnlyMemoryStream) Write([]byte) (int, error) {
	return 0, io.ErrShortWrite
}
