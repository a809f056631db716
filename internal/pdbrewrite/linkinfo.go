package pdbrewrite

import (
	"encoding/binary"

	"github.com/buildtools/ducible/internal/errs"
)

// TruncateLinkInfo trims the /LinkInfo stream to the size it declares in
// its own first 4 bytes. Some linkers leave stale bytes beyond that
// declared size when a previous incremental link wrote a longer
// command line into the same stream slot.
func TruncateLinkInfo(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errs.Newf(errs.InvalidPdb, "/LinkInfo stream too short")
	}
	declared := binary.LittleEndian.Uint32(data[0:4])
	if int(declared) > len(data) {
		return nil, errs.Newf(errs.InvalidPdb, "/LinkInfo declared size %d exceeds stream length %d", declared, len(data))
	}
	return data[:declared], nil
}
