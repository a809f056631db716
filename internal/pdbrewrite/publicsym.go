package pdbrewrite

import (
	"github.com/buildtools/ducible/internal/errs"
)

// PublicSymbolHeader is the 28-byte leading header of the public-symbols
// stream: a GSI hash table description followed by an address map and a
// thunk table description. padding1 (the u16 hole after the thunk
// table's u16 section index at 16) and sectionCount (the trailing u32)
// are scratch fields some linkers leave uninitialised.
const (
	publicSymHeaderSize        = 28
	publicSymPadding1Off       = 18
	publicSymSectionCountOff   = 24
)

// ZeroPublicSymbolHeader clears the two uninitialised fields in the
// public-symbols stream's leading header, leaving the GSI hash table and
// thunk map that follow untouched.
func ZeroPublicSymbolHeader(data []byte) ([]byte, error) {
	if len(data) < publicSymHeaderSize {
		return nil, errs.Newf(errs.InvalidPdb, "public symbols stream too short: %d bytes", len(data))
	}
	out := append([]byte(nil), data...)
	out[publicSymPadding1Off] = 0
	out[publicSymPadding1Off+1] = 0
	for i := 0; i < 4; i++ {
		out[publicSymSectionCountOff+i] = 0
	}
	return out, nil
}
