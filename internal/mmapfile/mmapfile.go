// Package mmapfile provides the writable memory-mapped view the driver
// uses for the PE image, and a read-only mapping (OpenR). The .ilk
// sidecar is not mapped: internal/ilk reads and patches it through a
// plain *os.File. Output PDBs are never mapped: they are written through a plain *os.File
// into a temp path and renamed over the original (see internal/msf).
package mmapfile

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/buildtools/ducible/internal/errs"
)

// File is a memory-mapped view over an existing file. Bytes() returns a
// slice backed directly by the mapping; writes through it are visible to
// any other process sharing the same mapping once Close (or the OS) has
// flushed, and are always visible to this process immediately.
type File struct {
	f    *os.File
	data mmap.MMap
}

// OpenRW opens path and maps it read-write, shared. The caller must hold
// exclusive logical ownership of the region for the lifetime of the map.
func OpenRW(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.Io(path, err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errs.Io(path, err)
	}
	return &File{f: f, data: m}, nil
}

// OpenR opens path and maps it read-only, shared.
func OpenR(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Io(path, err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errs.Io(path, err)
	}
	return &File{f: f, data: m}, nil
}

// Bytes returns the mapped region. Valid until Close.
func (m *File) Bytes() []byte { return m.data }

// Close unmaps the region and closes the underlying file handle. Safe to
// call on every exit path, including after a failure partway through a
// caller's use of Bytes().
func (m *File) Close() error {
	var mapErr, fileErr error
	if m.data != nil {
		mapErr = m.data.Unmap()
	}
	if m.f != nil {
		fileErr = m.f.Close()
	}
	if mapErr != nil {
		return errs.Io(m.f.Name(), mapErr)
	}
	if fileErr != nil {
		return errs.Io(m.f.Name(), fileErr)
	}
	return nil
}
