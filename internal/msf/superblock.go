package msf

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/buildtools/ducible/internal/errs"
)

// magic is the fixed 32-byte signature every MSF container starts with.
var magic = [32]byte{
	'M', 'i', 'c', 'r', 'o', 's', 'o', 'f', 't', ' ', 'C', '/', 'C', '+', '+', ' ',
	'M', 'S', 'F', ' ', '7', '.', '0', '0', '\r', '\n', 0x1A, 'D', 'S', 0, 0, 0,
}

const (
	headerFixedSize = 52 // magic(32) + pageSize(4) + activeFPM(4) + pageCount(4) + streamTableSize(4) + streamTableIndex(4)
	defaultPageSize = 4096
)

// superBlock is the fixed MSF header plus the inline root directory that
// follows it within page 0, per spec.md §3/§4.E. rootPages is only the
// first level of indirection: it locates the pages of the stream table
// stream's own page list, not the stream table stream itself (matching
// msf.cpp's streamTablePagesPages → streamTablePages → streamTableStream
// chain). Container.Open performs the remaining dereferences.
type superBlock struct {
	pageSize         uint32
	activeFreePageMap uint32 // 1 or 2
	pageCount        uint32
	streamTableSize  uint32
	streamTableIndex uint32 // legacy/reserved field, always 0
	rootPages        []uint32
}

func readSuperBlock(f *os.File, path string) (*superBlock, error) {
	buf := make([]byte, headerFixedSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, errs.Io(path, err)
	}
	if !bytes.Equal(buf[:32], magic[:]) {
		return nil, errs.Newf(errs.InvalidMsf, "%s: bad MSF signature", path)
	}
	sb := &superBlock{
		pageSize:          binary.LittleEndian.Uint32(buf[32:36]),
		activeFreePageMap: binary.LittleEndian.Uint32(buf[36:40]),
		pageCount:         binary.LittleEndian.Uint32(buf[40:44]),
		streamTableSize:   binary.LittleEndian.Uint32(buf[44:48]),
		streamTableIndex:  binary.LittleEndian.Uint32(buf[48:52]),
	}
	if sb.pageSize == 0 {
		return nil, errs.Newf(errs.InvalidMsf, "%s: zero page size", path)
	}
	if sb.activeFreePageMap != 1 && sb.activeFreePageMap != 2 {
		return nil, errs.Newf(errs.InvalidMsf, "%s: invalid active free page map %d", path, sb.activeFreePageMap)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, errs.Io(path, err)
	}
	if uint64(sb.pageSize)*uint64(sb.pageCount) != uint64(fi.Size()) {
		return nil, errs.Newf(errs.InvalidMsf, "%s: page size * page count does not match file size", path)
	}

	rootCount := ceilDiv(sb.streamTableSize, sb.pageSize)
	rootBytes := rootCount * 4
	if rootBytes > sb.pageSize-headerFixedSize {
		return nil, errs.Newf(errs.InvalidMsf, "%s: root directory does not fit in page 0", path)
	}
	rootBuf := make([]byte, rootBytes)
	if rootBytes > 0 {
		if _, err := f.ReadAt(rootBuf, int64(headerFixedSize)); err != nil {
			return nil, errs.Io(path, err)
		}
	}
	sb.rootPages = make([]uint32, rootCount)
	for i := range sb.rootPages {
		sb.rootPages[i] = binary.LittleEndian.Uint32(rootBuf[i*4:])
	}
	return sb, nil
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
