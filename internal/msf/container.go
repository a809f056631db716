package msf

import (
	"encoding/binary"
	"os"

	"github.com/buildtools/ducible/internal/errs"
)

// streamSizeDeleted is the sentinel stream size (spec.md §3) meaning the
// stream index is reserved but carries no pages: "preserve index, size
// 0" when serialised.
const streamSizeDeleted = 0xFFFFFFFF

// Container is an open MSF file: the page size it was built with, and
// one Stream per entry in its stream table. Entries whose original size
// was the streamSizeDeleted sentinel are exposed as a zero-length
// MemoryStream; NumStreams and Stream still report them so callers can
// preserve the "deleted but indexed" state on write.
type Container struct {
	f        *os.File
	path     string
	pageSize uint32
	streams  []Stream
	deleted  []bool
}

// New builds a Container from an already-assembled list of streams,
// with no backing file. It's used to stage the rewritten stream set
// before WriteTo serialises it, and in tests.
func New(pageSize uint32, streams []Stream) *Container {
	return &Container{
		pageSize: pageSize,
		streams:  streams,
		deleted:  make([]bool, len(streams)),
	}
}

// Open reads path's MSF header, stream table, and reconstructs a Stream
// per entry, per spec.md §4.E. The returned Container keeps path's file
// handle open for lazy FileBackedStream reads until Close.
func Open(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Io(path, err)
	}
	sb, err := readSuperBlock(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	// sb.rootPages only locates the stream table stream's own page list
	// (msf.cpp's streamTablePagesPages), not the stream table itself: read
	// that intermediate stream first to get the real page list.
	stPagesStream := newFileBackedStream(f, path, sb.pageSize, sb.rootPages, int64(len(sb.rootPages))*4)
	stPagesRaw, err := ReadAll(stPagesStream)
	if err != nil {
		f.Close()
		return nil, err
	}
	if len(stPagesRaw)%4 != 0 {
		f.Close()
		return nil, errs.Newf(errs.InvalidMsf, "%s: truncated stream table page list", path)
	}
	stPages := make([]uint32, len(stPagesRaw)/4)
	for i := range stPages {
		stPages[i] = binary.LittleEndian.Uint32(stPagesRaw[i*4:])
	}

	stStream := newFileBackedStream(f, path, sb.pageSize, stPages, int64(sb.streamTableSize))
	raw, err := ReadAll(stStream)
	if err != nil {
		f.Close()
		return nil, err
	}

	c := &Container{f: f, path: path, pageSize: sb.pageSize}
	if err := c.parseStreamTable(raw); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) parseStreamTable(raw []byte) error {
	if len(raw) < 4 {
		return errs.Newf(errs.InvalidMsf, "%s: truncated stream table", c.path)
	}
	count := binary.LittleEndian.Uint32(raw)
	off := uint32(4)

	sizes := make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > uint32(len(raw)) {
			return errs.Newf(errs.InvalidMsf, "%s: truncated stream table sizes", c.path)
		}
		sizes[i] = binary.LittleEndian.Uint32(raw[off:])
		off += 4
	}

	c.streams = make([]Stream, count)
	c.deleted = make([]bool, count)
	for i := uint32(0); i < count; i++ {
		if sizes[i] == streamSizeDeleted {
			c.deleted[i] = true
			c.streams[i] = NewMemoryStream()
			continue
		}
		numPages := ceilDiv(sizes[i], c.pageSize)
		pages := make([]uint32, numPages)
		for j := uint32(0); j < numPages; j++ {
			if off+4 > uint32(len(raw)) {
				return errs.Newf(errs.InvalidMsf, "%s: truncated stream table page list", c.path)
			}
			pages[j] = binary.LittleEndian.Uint32(raw[off:])
			off += 4
		}
		c.streams[i] = newFileBackedStream(c.f, c.path, c.pageSize, pages, int64(sizes[i]))
	}
	return nil
}

// NumStreams returns the number of entries in the stream table, including
// deleted ones.
func (c *Container) NumStreams() int { return len(c.streams) }

// Stream returns the Stream for index i. The caller must not retain it
// past a subsequent Replace(i, ...) call.
func (c *Container) Stream(i int) Stream { return c.streams[i] }

// IsDeleted reports whether stream i was serialised with the "preserve
// index, size 0" sentinel.
func (c *Container) IsDeleted(i int) bool { return c.deleted[i] }

// Replace substitutes stream i with s, typically a MemoryStream built via
// NewMemoryStreamFrom followed by in-place edits. It un-marks the stream
// as deleted.
func (c *Container) Replace(i int, s Stream) {
	c.streams[i] = s
	c.deleted[i] = false
}

// MarkDeleted replaces stream i with the empty stream and marks it for
// the streamSizeDeleted sentinel on write, preserving its index without
// its former contents.
func (c *Container) MarkDeleted(i int) {
	c.streams[i] = NewMemoryStream()
	c.deleted[i] = true
}

// PageSize returns the container's page size, used unchanged by WriteTo.
func (c *Container) PageSize() uint32 { return c.pageSize }

// Close releases the underlying file handle. Streams obtained from this
// Container that are still FileBackedStream become unusable afterward.
func (c *Container) Close() error {
	if c.f == nil {
		return nil
	}
	if err := c.f.Close(); err != nil {
		return errs.Io(c.path, err)
	}
	return nil
}
