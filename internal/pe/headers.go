// Package pe parses PE/PE32+ images far enough to locate every
// non-deterministic byte (timestamps, checksum, debug-directory ages and
// signatures) and to translate RVAs to file offsets. It never allocates a
// struct over the mapped bytes directly: every field is read through an
// explicit bounds-checked offset, per spec.md §9.
package pe

const (
	dosMagic = 0x5A4D // "MZ"
	ntSignature = 0x00004550 // "PE\0\0"

	magicPE32    = 0x10B
	magicPE32Plus = 0x20B

	fileHeaderSize = 20
	dataDirectoryEntrySize = 8
	debugDirectoryEntrySize = 28
	sectionHeaderSize = 40

	numDataDirectories = 16

	// Data directory indices used by this tool.
	dirExport   = 0
	dirResource = 2
	dirDebug    = 6

	// IMAGE_DEBUG_TYPE_CODEVIEW.
	debugTypeCodeView = 2

	cvSignaturePDB70 = 0x53445352 // "RSDS"
)

// dosHeader mirrors IMAGE_DOS_HEADER's two fields this tool consults.
type dosHeader struct {
	magic   uint16 // offset 0x00
	lfanew  uint32 // offset 0x3c, e_lfanew
}

// fileHeader mirrors IMAGE_FILE_HEADER.
type fileHeader struct {
	offset uint64 // file offset of this struct

	machine              uint16
	numberOfSections     uint16
	timeDateStamp        uint32
	pointerToSymbolTable uint32
	numberOfSymbols      uint32
	sizeOfOptionalHeader uint16
	characteristics      uint16
}

// field offsets within fileHeader, relative to its own start.
const (
	offTimeDateStamp = 4
)

// dataDirectory mirrors IMAGE_DATA_DIRECTORY.
type dataDirectory struct {
	offset uint64 // file offset of this struct
	rva    uint32
	size   uint32
}

// section mirrors the fields of IMAGE_SECTION_HEADER this tool needs.
type section struct {
	name            [8]byte
	virtualSize     uint32
	virtualAddress  uint32
	sizeOfRawData   uint32
	pointerToRawData uint32
}

func (s section) containsRVA(rva uint32) bool {
	return rva >= s.virtualAddress && rva < s.virtualAddress+s.virtualSize
}

// debugDirectoryEntry mirrors IMAGE_DEBUG_DIRECTORY.
type debugDirectoryEntry struct {
	offset uint64 // file offset of this struct

	characteristics  uint32
	timeDateStamp    uint32
	majorVersion     uint16
	minorVersion     uint16
	typ              uint32
	sizeOfData       uint32
	addressOfRawData uint32
	pointerToRawData uint32
}

const offDebugTimeDateStamp = 4

// cvInfoPDB70 mirrors CV_INFO_PDB70, located at pointerToRawData of a
// CodeView (type 2) debug directory entry.
type cvInfoPDB70 struct {
	offset uint64 // file offset of this struct

	cvSignature uint32
	signature   [16]byte
	age         uint32
	// PdbFileName follows as a NUL-terminated string; unused by this tool.
}

const (
	offCVSignatureField = 0  // cvSignature
	offCVGUIDField       = 4  // signature[16]
	offCVAgeField        = 20 // age
	cvInfoPDB70FixedSize = 24
)
