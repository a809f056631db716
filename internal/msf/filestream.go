package msf

import (
	"io"
	"os"

	"github.com/buildtools/ducible/internal/errs"
)

// FileBackedStream reads a stream whose content is scattered across
// possibly non-contiguous pages of an underlying file, per spec.md §4.G.
// It is read-only in this tool: the source PDB is opened read-only and
// every mutation happens on a MemoryStream substitute instead.
type FileBackedStream struct {
	f        *os.File
	pageSize uint32
	pages    []uint32
	size     int64
	pos      int64
	path     string // for error messages only
}

func newFileBackedStream(f *os.File, path string, pageSize uint32, pages []uint32, size int64) *FileBackedStream {
	return &FileBackedStream{f: f, path: path, pageSize: pageSize, pages: pages, size: size}
}

func (s *FileBackedStream) Len() int   { return int(s.size) }
func (s *FileBackedStream) Pos() int64 { return s.pos }

func (s *FileBackedStream) Seek(pos int64) (int64, error) {
	if pos < 0 {
		pos = 0
	}
	s.pos = pos
	return s.pos, nil
}

func (s *FileBackedStream) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	remaining := s.size - s.pos
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	total := 0
	for total < len(p) {
		pageIdx := (s.pos + int64(total)) / int64(s.pageSize)
		pageOff := (s.pos + int64(total)) % int64(s.pageSize)
		if int(pageIdx) >= len(s.pages) {
			break
		}
		fileOff := int64(s.pages[pageIdx])*int64(s.pageSize) + pageOff
		chunk := int64(s.pageSize) - pageOff
		want := int64(len(p) - total)
		if chunk > want {
			chunk = want
		}
		n, err := s.f.ReadAt(p[total:int64(total)+chunk], fileOff)
		total += n
		if err != nil && err != io.EOF {
			return total, errs.Io(s.path, err)
		}
		if n == 0 {
			break
		}
	}
	s.pos += int64(total)
	return total, nil
}

// Write performs an in-place write within the stream's existing pages.
// It never extends the stream or allocates new pages — spec.md §4.G
// scopes FileBackedStream writes to "in-place writes within existing
// pages" — and this tool never calls it, since the source PDB's handle
// is opened read-only and every edit happens on a MemoryStream copy
// instead (see internal/msf.(*Container).Replace).
func (s *FileBackedStream) Write(p []byte) (int, error) {
	if s.pos+int64(len(p)) > s.size {
		return 0, errs.Newf(errs.InvalidMsf, "write past end of file-backed stream")
	}
	total := 0
	for total < len(p) {
		pageIdx := (s.pos + int64(total)) / int64(s.pageSize)
		pageOff := (s.pos + int64(total)) % int64(s.pageSize)
		fileOff := int64(s.pages[pageIdx])*int64(s.pageSize) + pageOff
		chunk := int64(s.pageSize) - pageOff
		want := int64(len(p) - total)
		if chunk > want {
			chunk = want
		}
		n, err := s.f.WriteAt(p[total:int64(total)+chunk], fileOff)
		total += n
		if err != nil {
			return total, errs.Io(s.path, err)
		}
	}
	s.pos += int64(total)
	return total, nil
}
