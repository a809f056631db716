package pdbrewrite

import (
	"encoding/binary"
	"regexp"

	"github.com/buildtools/ducible/internal/errs"
)

// Symbol record type this tool cares about; all others pass through
// unexamined.
const symObjName = 0x1101

// nullGUIDText is substituted for any braced GUID found inside strings
// known to be linker-generated temporary-file names: 38 characters,
// length-preserving against the pattern it replaces.
const nullGUIDText = "{00000000-0000-0000-0000-000000000000}"

var guidPattern = regexp.MustCompile(`\{[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}\}`)

// CanonicalizeSymbolRecords walks the TLV-encoded symbol-records stream:
// every record's trailing alignment padding (the bytes after a NUL
// terminator found in the record's last three bytes) is zeroed, and
// S_OBJNAME records additionally have any embedded GUID text rewritten
// to a fixed value. A record whose declared length would run past the
// end of the stream, or whose length plus its own 2-byte length field
// isn't a multiple of 4, is a truncated or malformed record, per
// spec.md §7, and is rejected as InvalidPdb.
func CanonicalizeSymbolRecords(data []byte) ([]byte, error) {
	out := append([]byte(nil), data...)
	off := 0
	for off+2 <= len(out) {
		length := binary.LittleEndian.Uint16(out[off:])
		recEnd := off + 2 + int(length)
		if length < 2 || recEnd > len(out) {
			return nil, errs.Newf(errs.InvalidPdb, "truncated symbol record at offset %d", off)
		}
		if (int(length)+2)%4 != 0 {
			return nil, errs.Newf(errs.InvalidPdb, "misaligned symbol record at offset %d", off)
		}
		recType := binary.LittleEndian.Uint16(out[off+2:])
		recData := out[off+4 : recEnd]
		if recType == symObjName {
			if err := canonicalizeObjName(recData); err != nil {
				return nil, err
			}
		}
		zeroTailPadding(recData)
		off = recEnd
	}
	return out, nil
}

// zeroTailPadding clears the bytes after the first NUL found in the last
// three bytes of data. The scan starts at dataLength-3 and walks forward
// for the first NUL; for records shorter than 3 bytes that start would
// underflow, so it is clamped at zero instead. A terminator that lies
// before the last three bytes is not found, and the bytes after it are
// left as they are.
func zeroTailPadding(data []byte) {
	start := len(data) - 3
	if start < 0 {
		start = 0
	}
	nul := -1
	for i := start; i < len(data); i++ {
		if data[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return
	}
	for i := nul + 1; i < len(data); i++ {
		data[i] = 0
	}
}

// canonicalizeObjName operates on an S_OBJNAME record's data, i.e.
// everything after its 2-byte length and 2-byte type fields: a 4-byte
// signature followed by a NUL-terminated name.
func canonicalizeObjName(data []byte) error {
	if len(data) < 5 {
		return errs.Newf(errs.InvalidPdb, "S_OBJNAME record too short")
	}
	nameEnd := 4
	for nameEnd < len(data) && data[nameEnd] != 0 {
		nameEnd++
	}
	if nameEnd >= len(data) {
		return errs.Newf(errs.InvalidPdb, "S_OBJNAME record missing NUL terminator")
	}
	name := string(data[4:nameEnd])
	canon := guidPattern.ReplaceAllString(name, nullGUIDText)
	if len(canon) != len(name) {
		return errs.Newf(errs.InvalidPdb, "S_OBJNAME GUID canonicalization changed length")
	}
	copy(data[4:nameEnd], canon)
	return nil
}
