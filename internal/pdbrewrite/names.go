package pdbrewrite

import (
	"encoding/binary"
	"sort"

	"github.com/buildtools/ducible/internal/errs"
)

const namesSignature = 0xEFFEEFFE

// NamesTable is the contents of the /names named stream: a string
// buffer plus a hash bucket array of offsets into it. Bucket order
// depends on insertion history and varies build to build even when the
// string set doesn't; normalisation re-lays the buckets out sorted by
// string-buffer offset.
type NamesTable struct {
	Version uint32
	strings []byte
	offsets []uint32 // bucket -> offset into strings; 0 means empty bucket
}

// ParseNamesTable decodes the /names stream's contents.
func ParseNamesTable(data []byte) (*NamesTable, error) {
	if len(data) < 12 {
		return nil, errs.Newf(errs.InvalidPdb, "/names stream too short")
	}
	sig := binary.LittleEndian.Uint32(data[0:4])
	if sig != namesSignature {
		return nil, errs.Newf(errs.InvalidPdb, "/names stream: bad signature 0x%x", sig)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	bufSize := binary.LittleEndian.Uint32(data[8:12])
	off := 12
	if off+int(bufSize) > len(data) {
		return nil, errs.Newf(errs.InvalidPdb, "/names stream: string buffer overruns stream")
	}
	strBuf := append([]byte(nil), data[off:off+int(bufSize)]...)
	off += int(bufSize)

	if off+4 > len(data) {
		return nil, errs.Newf(errs.InvalidPdb, "/names stream: missing bucket count")
	}
	numBuckets := binary.LittleEndian.Uint32(data[off:])
	off += 4
	offsets := make([]uint32, numBuckets)
	for i := range offsets {
		if off+4 > len(data) {
			return nil, errs.Newf(errs.InvalidPdb, "/names stream: truncated bucket array")
		}
		offsets[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return &NamesTable{Version: version, strings: strBuf, offsets: offsets}, nil
}

// GUIDCanonicalize rewrites every GUID-shaped substring across the
// entire string buffer, the same fixup applied to S_OBJNAME records:
// paths recorded here can embed a linker-chosen temp file GUID.
func (n *NamesTable) GUIDCanonicalize() {
	text := string(n.strings)
	canon := guidPattern.ReplaceAllString(text, nullGUIDText)
	if len(canon) == len(text) {
		n.strings = []byte(canon)
	}
}

// Bytes re-serialises the table with its offsets array sorted ascending
// in place, normalising the non-deterministic iteration order the
// original hash table produced. The array keeps its original length;
// zero entries (empty slots) simply sort to the front.
func (n *NamesTable) Bytes() []byte {
	sorted := make([]uint32, len(n.offsets))
	copy(sorted, n.offsets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]byte, 0, 12+len(n.strings)+4+4*len(sorted))
	out = appendU32(out, namesSignature)
	out = appendU32(out, n.Version)
	out = appendU32(out, uint32(len(n.strings)))
	out = append(out, n.strings...)
	out = appendU32(out, uint32(len(sorted)))
	for _, o := range sorted {
		out = appendU32(out, o)
	}
	return out
}
