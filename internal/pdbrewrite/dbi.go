package pdbrewrite

import (
	"encoding/binary"

	"github.com/buildtools/ducible/internal/errs"
)

const dbiHeaderSize = 64

// DbiHeader mirrors the fixed-size header of the DBI stream.
type DbiHeader struct {
	VersionSignature        int32
	VersionHeader           uint32
	Age                     uint32
	GlobalStreamIndex       uint16
	BuildNumber             uint16
	PublicStreamIndex       uint16
	PdbDllVersion           uint16
	SymRecordStream         uint16
	PdbDllRbld              uint16
	ModInfoSize             int32
	SectionContributionSize int32
	SectionMapSize          int32
	SourceInfoSize          int32
	TypeServerMapSize       uint32
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32
	ECSubstreamSize         int32
	Flags                   uint16
	Machine                 uint16
	Padding                 uint32
}

// DbiStream is stream 3: the fixed header followed by seven
// variable-length substreams, most of which this tool carries through
// unexamined.
type DbiStream struct {
	Header             DbiHeader
	ModuleInfo         []byte
	SectionContrib     []byte
	SectionMap         []byte
	SourceInfo         []byte
	TypeServerMap      []byte
	OptionalDbgHeader  []byte
	ECSubstream        []byte
}

// ParseDbi decodes stream 3's contents.
func ParseDbi(data []byte) (*DbiStream, error) {
	if len(data) < dbiHeaderSize {
		return nil, errs.Newf(errs.InvalidPdb, "DBI stream too short: %d bytes", len(data))
	}
	h := DbiHeader{
		VersionSignature:        int32(binary.LittleEndian.Uint32(data[0:4])),
		VersionHeader:           binary.LittleEndian.Uint32(data[4:8]),
		Age:                     binary.LittleEndian.Uint32(data[8:12]),
		GlobalStreamIndex:       binary.LittleEndian.Uint16(data[12:14]),
		BuildNumber:             binary.LittleEndian.Uint16(data[14:16]),
		PublicStreamIndex:       binary.LittleEndian.Uint16(data[16:18]),
		PdbDllVersion:           binary.LittleEndian.Uint16(data[18:20]),
		SymRecordStream:         binary.LittleEndian.Uint16(data[20:22]),
		PdbDllRbld:              binary.LittleEndian.Uint16(data[22:24]),
		ModInfoSize:             int32(binary.LittleEndian.Uint32(data[24:28])),
		SectionContributionSize: int32(binary.LittleEndian.Uint32(data[28:32])),
		SectionMapSize:          int32(binary.LittleEndian.Uint32(data[32:36])),
		SourceInfoSize:          int32(binary.LittleEndian.Uint32(data[36:40])),
		TypeServerMapSize:       binary.LittleEndian.Uint32(data[40:44]),
		MFCTypeServerIndex:      binary.LittleEndian.Uint32(data[44:48]),
		OptionalDbgHeaderSize:   int32(binary.LittleEndian.Uint32(data[48:52])),
		ECSubstreamSize:         int32(binary.LittleEndian.Uint32(data[52:56])),
		Flags:                   binary.LittleEndian.Uint16(data[56:58]),
		Machine:                 binary.LittleEndian.Uint16(data[58:60]),
		Padding:                 binary.LittleEndian.Uint32(data[60:64]),
	}

	d := &DbiStream{Header: h}
	off := dbiHeaderSize
	take := func(n int32, label string) ([]byte, error) {
		if n < 0 || off+int(n) > len(data) {
			return nil, errs.Newf(errs.InvalidPdb, "DBI %s substream out of bounds", label)
		}
		b := data[off : off+int(n)]
		off += int(n)
		return b, nil
	}

	var err error
	if d.ModuleInfo, err = take(h.ModInfoSize, "module info"); err != nil {
		return nil, err
	}
	if d.SectionContrib, err = take(h.SectionContributionSize, "section contributions"); err != nil {
		return nil, err
	}
	if d.SectionMap, err = take(h.SectionMapSize, "section map"); err != nil {
		return nil, err
	}
	if d.SourceInfo, err = take(h.SourceInfoSize, "file info"); err != nil {
		return nil, err
	}
	if d.TypeServerMap, err = take(int32(h.TypeServerMapSize), "type server map"); err != nil {
		return nil, err
	}
	if d.OptionalDbgHeader, err = take(h.OptionalDbgHeaderSize, "optional debug header"); err != nil {
		return nil, err
	}
	if d.ECSubstream, err = take(h.ECSubstreamSize, "EC substream"); err != nil {
		return nil, err
	}
	return d, nil
}

// linkerManifestModuleName is the synthetic module name the linker
// assigns the generated manifest resource; its single S_OBJNAME record
// embeds a temp-file GUID that needs canonicalizing like any other.
const linkerManifestModuleName = "* Linker Generated Manifest RES *"

// ModuleRecord is a single decoded entry of the module-info substream.
type ModuleRecord struct {
	Name       string
	ObjectName string
	SymStream  int16
}

// ZeroPadding clears every uninitialised field this tool knows about:
// the module-info substream's SectionContribution padding holes and
// stale offsets pointer, and the section-contributions substream's own
// padding holes. It also bumps Age to the fixed replacement.
func (d *DbiStream) ZeroPadding() error {
	zeroed, _, err := walkModuleInfo(d.ModuleInfo)
	if err != nil {
		return err
	}
	d.ModuleInfo = zeroed
	d.SectionContrib = zeroSectionContributions(d.SectionContrib)
	d.Header.Age = 1
	return nil
}

// CanonicalizeFileInfo rewrites any GUID-shaped substrings in the
// file-info substream's name buffer.
func (d *DbiStream) CanonicalizeFileInfo() error {
	out, err := canonicalizeFileInfoGUIDs(d.SourceInfo)
	if err != nil {
		return err
	}
	d.SourceInfo = out
	return nil
}

// Modules decodes the module-info substream's records without
// mutating them.
func (d *DbiStream) Modules() ([]ModuleRecord, error) {
	_, mods, err := walkModuleInfo(d.ModuleInfo)
	return mods, err
}

// Bytes re-serialises the header and substreams in their original order.
func (d *DbiStream) Bytes() []byte {
	out := make([]byte, dbiHeaderSize)
	h := d.Header
	binary.LittleEndian.PutUint32(out[0:4], uint32(h.VersionSignature))
	binary.LittleEndian.PutUint32(out[4:8], h.VersionHeader)
	binary.LittleEndian.PutUint32(out[8:12], h.Age)
	binary.LittleEndian.PutUint16(out[12:14], h.GlobalStreamIndex)
	binary.LittleEndian.PutUint16(out[14:16], h.BuildNumber)
	binary.LittleEndian.PutUint16(out[16:18], h.PublicStreamIndex)
	binary.LittleEndian.PutUint16(out[18:20], h.PdbDllVersion)
	binary.LittleEndian.PutUint16(out[20:22], h.SymRecordStream)
	binary.LittleEndian.PutUint16(out[22:24], h.PdbDllRbld)
	binary.LittleEndian.PutUint32(out[24:28], uint32(int32(len(d.ModuleInfo))))
	binary.LittleEndian.PutUint32(out[28:32], uint32(int32(len(d.SectionContrib))))
	binary.LittleEndian.PutUint32(out[32:36], uint32(int32(len(d.SectionMap))))
	binary.LittleEndian.PutUint32(out[36:40], uint32(int32(len(d.SourceInfo))))
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(d.TypeServerMap)))
	binary.LittleEndian.PutUint32(out[44:48], h.MFCTypeServerIndex)
	binary.LittleEndian.PutUint32(out[48:52], uint32(int32(len(d.OptionalDbgHeader))))
	binary.LittleEndian.PutUint32(out[52:56], uint32(int32(len(d.ECSubstream))))
	binary.LittleEndian.PutUint16(out[56:58], h.Flags)
	binary.LittleEndian.PutUint16(out[58:60], h.Machine)
	binary.LittleEndian.PutUint32(out[60:64], h.Padding)

	out = append(out, d.ModuleInfo...)
	out = append(out, d.SectionContrib...)
	out = append(out, d.SectionMap...)
	out = append(out, d.SourceInfo...)
	out = append(out, d.TypeServerMap...)
	out = append(out, d.OptionalDbgHeader...)
	out = append(out, d.ECSubstream...)
	return out
}

// Fixed-part field offsets within one ModuleInfo record, per spec.md
// §3/§4.H: a 4-byte stale "offsets" pointer, a 28-byte SectionContribution
// (with two u16 padding holes at +2 and +18 of it), then scalar fields
// out to the 64-byte fixed size, followed by two NUL-terminated names.
const (
	moduleInfoFixedSize    = 64
	moduleInfoOffsetsOff   = 0
	moduleInfoSCOff        = 4
	moduleInfoSymStreamOff = 34 // Flags(2)@32 precedes; ModuleSymStream is a signed i16 at 34
)

const (
	sectionContribSize     = 28
	sectionContribPadding1 = 2
	sectionContribPadding2 = 18
)

// walkModuleInfo decodes every ModuleInfo record in data, zeroing the
// stale "offsets" pointer and the embedded SectionContribution's two
// padding holes in place, and returns each record's name/object-name/
// symbol-stream fields alongside the zeroed bytes.
func walkModuleInfo(data []byte) ([]byte, []ModuleRecord, error) {
	out := append([]byte(nil), data...)
	var mods []ModuleRecord
	off := 0
	for off < len(out) {
		if off+moduleInfoFixedSize > len(out) {
			return nil, nil, errs.Newf(errs.InvalidPdb, "truncated ModuleInfo record")
		}
		for i := 0; i < 4; i++ {
			out[off+moduleInfoOffsetsOff+i] = 0
		}
		out[off+moduleInfoSCOff+sectionContribPadding1] = 0
		out[off+moduleInfoSCOff+sectionContribPadding1+1] = 0
		out[off+moduleInfoSCOff+sectionContribPadding2] = 0
		out[off+moduleInfoSCOff+sectionContribPadding2+1] = 0
		symStream := int16(binary.LittleEndian.Uint16(out[off+moduleInfoSymStreamOff:]))

		rec := off + moduleInfoFixedSize
		name, n1, err := readCString(out, rec)
		if err != nil {
			return nil, nil, err
		}
		rec += n1
		objName, n2, err := readCString(out, rec)
		if err != nil {
			return nil, nil, err
		}
		rec += n2
		pad := (4 - rec%4) % 4
		for i := 0; i < pad; i++ {
			out[rec+i] = 0
		}
		rec += pad

		mods = append(mods, ModuleRecord{Name: name, ObjectName: objName, SymStream: symStream})
		off = rec
	}
	return out, mods, nil
}

// zeroSectionContributions clears the two padding holes of every fixed
// 28-byte record in the section-contributions substream.
func zeroSectionContributions(data []byte) []byte {
	out := append([]byte(nil), data...)
	for off := 0; off+sectionContribSize <= len(out); off += sectionContribSize {
		out[off+sectionContribPadding1] = 0
		out[off+sectionContribPadding1+1] = 0
		out[off+sectionContribPadding2] = 0
		out[off+sectionContribPadding2+1] = 0
	}
	return out
}

func readCString(data []byte, off int) (string, int, error) {
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end >= len(data) {
		return "", 0, errs.Newf(errs.InvalidPdb, "unterminated string in ModuleInfo record")
	}
	return string(data[off:end]), end - off + 1, nil
}

// canonicalizeFileInfoGUIDs rewrites GUID-shaped substrings in the
// file-info substream's name buffer. Layout: a 2-byte module count, a
// 2-byte source-file count, moduleCount u16 module indices, moduleCount
// u16 per-module file counts (summing to the source-file count), that
// many u32 name-buffer offsets, then the NUL-terminated name buffer
// itself — any of those names can carry a linker temp-file GUID when the
// module's object came from a scratch build directory.
func canonicalizeFileInfoGUIDs(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return append([]byte(nil), data...), nil
	}
	out := append([]byte(nil), data...)
	moduleCount := int(binary.LittleEndian.Uint16(out[0:2]))
	off := 4 + moduleCount*2 // skip header + module indices

	if off+moduleCount*2 > len(out) {
		return nil, errs.Newf(errs.InvalidPdb, "file info substream: truncated file-count table")
	}
	sum := 0
	for i := 0; i < moduleCount; i++ {
		sum += int(binary.LittleEndian.Uint16(out[off+i*2:]))
	}
	off += moduleCount * 2
	off += sum * 4 // skip name-buffer offsets
	if off > len(out) {
		return nil, errs.Newf(errs.InvalidPdb, "file info substream: truncated offset table")
	}

	text := string(out[off:])
	canon := guidPattern.ReplaceAllString(text, nullGUIDText)
	if len(canon) == len(text) {
		copy(out[off:], canon)
	}
	return out, nil
}

// IsLinkerManifestModule reports whether m is the synthetic module the
// linker uses to hold the generated manifest resource: its S_OBJNAME
// record embeds a temp-file GUID like any compiler-emitted object, but
// it carries no object file of its own.
func IsLinkerManifestModule(m ModuleRecord) bool {
	return m.Name == linkerManifestModuleName && m.ObjectName == ""
}
