// Package pdbrewrite rewrites the semantic streams of a PDB in memory so
// that two PDBs built from identical sources serialise identically: the
// PDB-info stream's signature/age/GUID are replaced to match the image's
// new CodeView entry, the DBI stream's padding holes are zeroed, symbol
// records have their embedded temp-file GUID canonicalised and their
// tail padding zeroed, and the /names and /LinkInfo named streams are
// normalised to a canonical byte-for-byte form.
package pdbrewrite

import (
	"encoding/binary"

	"github.com/buildtools/ducible/internal/errs"
)

const pdbInfoHeaderSize = 28 // version(4) + signature(4) + age(4) + guid(16)

// PdbInfo is stream 1, the "PDB Information Stream": a small fixed
// header followed by the named-stream map used to look up /names and
// /LinkInfo by name.
type PdbInfo struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
	NameMap   *NameMap
	trailer   []byte // bytes after the name map this tool doesn't interpret
}

// ParsePdbInfo decodes stream 1's contents.
func ParsePdbInfo(data []byte) (*PdbInfo, error) {
	if len(data) < pdbInfoHeaderSize {
		return nil, errs.Newf(errs.InvalidPdb, "PDB info stream too short: %d bytes", len(data))
	}
	pi := &PdbInfo{
		Version:   binary.LittleEndian.Uint32(data[0:4]),
		Signature: binary.LittleEndian.Uint32(data[4:8]),
		Age:       binary.LittleEndian.Uint32(data[8:12]),
	}
	copy(pi.GUID[:], data[12:28])

	nm, n, err := parseNameMap(data[pdbInfoHeaderSize:])
	if err != nil {
		return nil, err
	}
	pi.NameMap = nm
	pi.trailer = append([]byte(nil), data[pdbInfoHeaderSize+n:]...)
	return pi, nil
}

// CheckMatchesImage reports whether this stream's age and GUID agree
// with the values the image's CV_INFO_PDB70 entry carried before
// rewriting — the two files must have come from the same link for the
// rewrite to be meaningful.
func (pi *PdbInfo) CheckMatchesImage(imageGUID [16]byte, imageAge uint32) error {
	if pi.GUID != imageGUID || pi.Age != imageAge {
		return errs.New(errs.InvalidPdb, "PE and PDB signatures do not match")
	}
	return nil
}

// SetSignature overwrites the timestamp, age, and GUID this stream
// reports, matching the values the image's CodeView debug entry will
// carry after patching.
func (pi *PdbInfo) SetSignature(timestamp uint32, guid [16]byte, age uint32) {
	pi.Signature = timestamp
	pi.GUID = guid
	pi.Age = age
}

// Bytes re-serialises the header, name map, and unparsed trailer.
func (pi *PdbInfo) Bytes() []byte {
	out := make([]byte, pdbInfoHeaderSize)
	binary.LittleEndian.PutUint32(out[0:4], pi.Version)
	binary.LittleEndian.PutUint32(out[4:8], pi.Signature)
	binary.LittleEndian.PutUint32(out[8:12], pi.Age)
	copy(out[12:28], pi.GUID[:])
	out = append(out, pi.NameMap.Bytes()...)
	out = append(out, pi.trailer...)
	return out
}
