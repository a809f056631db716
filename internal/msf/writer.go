package msf

import (
	"encoding/binary"
	"os"

	"github.com/buildtools/ducible/internal/errs"
)

// Fixed page layout this writer always produces: page 0 holds the
// header and inline root directory; pages 1 and 2 are the two
// free-page-map copies; page 3 is reserved but never assigned to any
// stream, matching real MSF writers rather than reclaiming it.
const firstDataPage = 4

// WriteTo serialises the container's current streams (a mix of
// untouched FileBackedStream entries and replaced MemoryStream entries)
// into a brand-new MSF file at path, allocating a fresh free-page map
// and stream table. It never mutates the source file Open read from.
func (c *Container) WriteTo(path string) error {
	pageSize := c.pageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	next := uint32(firstDataPage)
	allocate := func(n uint32) []uint32 {
		pages := make([]uint32, n)
		for i := range pages {
			pages[i] = next
			next++
		}
		return pages
	}

	type laidOut struct {
		data  []byte
		pages []uint32
		size  uint32
	}
	entries := make([]laidOut, len(c.streams))
	for i, s := range c.streams {
		if c.deleted[i] {
			entries[i] = laidOut{size: streamSizeDeleted}
			continue
		}
		data, err := ReadAll(s)
		if err != nil {
			return err
		}
		numPages := ceilDiv(uint32(len(data)), pageSize)
		entries[i] = laidOut{data: data, pages: allocate(numPages), size: uint32(len(data))}
	}

	dirBody := make([]byte, 0, 4+4*len(entries))
	dirBody = appendUint32(dirBody, uint32(len(entries)))
	for _, e := range entries {
		dirBody = appendUint32(dirBody, e.size)
	}
	for _, e := range entries {
		for _, p := range e.pages {
			dirBody = appendUint32(dirBody, p)
		}
	}

	stPages := allocate(ceilDiv(uint32(len(dirBody)), pageSize))

	// Second level of indirection: the root directory in page 0 doesn't
	// point at stPages directly, it points at the pages of a stream
	// whose own content is stPages serialised as a uint32 array
	// (msf.cpp's streamTablePagesPages/streamTablePagesStream).
	stPagesBody := make([]byte, 0, 4*len(stPages))
	for _, p := range stPages {
		stPagesBody = appendUint32(stPagesBody, p)
	}
	stPagesPages := allocate(ceilDiv(uint32(len(stPagesBody)), pageSize))
	rootBytes := uint32(len(stPagesPages)) * 4
	if rootBytes > pageSize-headerFixedSize {
		return errs.Newf(errs.InvalidMsf, "%s: stream table outgrew the root directory", path)
	}

	pageCount := next
	buf := make([]byte, uint64(pageCount)*uint64(pageSize))

	writePage := func(page uint32, data []byte) {
		off := uint64(page) * uint64(pageSize)
		copy(buf[off:off+uint64(pageSize)], data)
	}
	writeScattered := func(pages []uint32, data []byte) {
		for i, p := range pages {
			start := i * int(pageSize)
			end := start + int(pageSize)
			if end > len(data) {
				end = len(data)
			}
			writePage(p, data[start:end])
		}
	}

	for _, e := range entries {
		writeScattered(e.pages, e.data)
	}
	writeScattered(stPages, dirBody)
	writeScattered(stPagesPages, stPagesBody)

	writeFreePageMap(buf, 1, pageSize, pageCount)
	writeFreePageMap(buf, 2, pageSize, pageCount)

	header := make([]byte, 0, headerFixedSize+rootBytes)
	header = append(header, magic[:]...)
	header = appendUint32(header, pageSize)
	header = appendUint32(header, 1) // activeFreePageMap
	header = appendUint32(header, pageCount)
	header = appendUint32(header, uint32(len(dirBody)))
	header = appendUint32(header, 0) // streamTableIndex, legacy/reserved
	for _, p := range stPagesPages {
		header = appendUint32(header, p)
	}
	copy(buf[0:len(header)], header)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return errs.Io(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Io(path, err)
	}
	return nil
}

// writeFreePageMap fills FPM page fpmPage (1 or 2) with bit=0 for every
// page below pageCount ("used") and bit=1 for the unused tail of the
// bitmap, matching the reference writer's asymmetry noted above
// firstDataPage.
func writeFreePageMap(buf []byte, fpmPage, pageSize, pageCount uint32) {
	off := uint64(fpmPage) * uint64(pageSize)
	fpm := buf[off : off+uint64(pageSize)]
	for i := range fpm {
		fpm[i] = 0xFF
	}
	usedBytes := pageCount / 8
	for i := uint32(0); i < usedBytes && i < pageSize; i++ {
		fpm[i] = 0
	}
	if usedBytes < pageSize {
		var mask byte
		for b := uint32(0); b < pageCount%8; b++ {
			mask |= 1 << b
		}
		fpm[usedBytes] = ^mask
	}
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
