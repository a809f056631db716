package pe

import (
	"encoding/binary"

	"github.com/buildtools/ducible/internal/errs"
)

// bounds-checked little-endian primitive reads. Every struct field this
// package consults goes through one of these instead of a cast over the
// mapped buffer, per spec.md §9 ("raw typed pointers over a byte buffer").

func checkBounds(data []byte, offset uint64, size int) error {
	if offset > uint64(len(data)) || uint64(len(data))-offset < uint64(size) {
		return errs.Newf(errs.InvalidImage, "offset 0x%x+%d exceeds image length %d", offset, size, len(data))
	}
	return nil
}

func readUint16(data []byte, offset uint64) (uint16, error) {
	if err := checkBounds(data, offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data[offset:]), nil
}

func readUint32(data []byte, offset uint64) (uint32, error) {
	if err := checkBounds(data, offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data[offset:]), nil
}

func readUint64(data []byte, offset uint64) (uint64, error) {
	if err := checkBounds(data, offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data[offset:]), nil
}

func readBytes(data []byte, offset uint64, n int) ([]byte, error) {
	if err := checkBounds(data, offset, n); err != nil {
		return nil, err
	}
	return data[offset : offset+uint64(n)], nil
}
