package pe

import (
	"encoding/binary"
	"testing"

	"github.com/buildtools/ducible/internal/patch"
)

// buildMinimalPE32 assembles a minimal, valid 32-bit PE image with one
// section and one CodeView debug directory entry, laid out exactly as
// described in the field offsets this package reads.
func buildMinimalPE32(t *testing.T) (buf []byte, cvOffset, debugEntryOffset, checksumOffset, fileHeaderOffset uint64) {
	t.Helper()
	const (
		lfanew            = 0x80
		fileHeaderOff     = lfanew + 4
		optHeaderOff      = fileHeaderOff + 20
		sizeOfOptHeader   = 224 // 96 fixed + 16*8 data directories
		sectionHeaderOff  = optHeaderOff + sizeOfOptHeader
		sectionDataOff    = 0x200
		debugDirRVA       = 0x1000
	)

	total := 4096
	buf = make([]byte, total)
	put16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }
	put32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }

	// DOS header.
	put16(0, dosMagic)
	put32(0x3c, lfanew)

	// NT signature + file header.
	put32(lfanew, ntSignature)
	put16(fileHeaderOff, 0x14c) // machine
	put16(fileHeaderOff+2, 1)  // NumberOfSections
	put32(fileHeaderOff+4, 0x12345678) // TimeDateStamp
	put16(fileHeaderOff+16, sizeOfOptHeader)
	put16(fileHeaderOff+18, 0x0102) // characteristics

	// Optional header (PE32).
	put16(optHeaderOff, magicPE32)
	put32(optHeaderOff+92, 16) // NumberOfRvaAndSizes
	dataDirStart := optHeaderOff + 96
	// Debug data directory is index 6.
	put32(dataDirStart+dirDebug*8, debugDirRVA)
	put32(dataDirStart+dirDebug*8+4, debugDirectoryEntrySize)

	// Section header: one section covering the debug directory and CV info.
	copy(buf[sectionHeaderOff:sectionHeaderOff+8], []byte(".rdata\x00\x00"))
	put32(sectionHeaderOff+8, 0x2000)           // VirtualSize
	put32(sectionHeaderOff+12, debugDirRVA)      // VirtualAddress
	put32(sectionHeaderOff+16, 0x2000)           // SizeOfRawData
	put32(sectionHeaderOff+20, sectionDataOff)   // PointerToRawData

	// IMAGE_DEBUG_DIRECTORY entry, at the start of the section's raw data.
	debugEntryOffset = uint64(sectionDataOff)
	put32(sectionDataOff, 0)                      // Characteristics
	put32(sectionDataOff+4, 0xAABBCCDD)            // TimeDateStamp
	put32(sectionDataOff+12, debugTypeCodeView)    // Type
	put32(sectionDataOff+16, 30)                   // SizeOfData (24 fixed + "a.pdb\x00")
	cvFileOffset := sectionDataOff + debugDirectoryEntrySize
	put32(sectionDataOff+24, uint32(cvFileOffset)) // PointerToRawData

	// CV_INFO_PDB70.
	cvOffset = uint64(cvFileOffset)
	copy(buf[cvFileOffset:cvFileOffset+4], []byte("RSDS"))
	for i := 0; i < 16; i++ {
		buf[cvFileOffset+4+i] = byte(0xA0 + i)
	}
	put32(cvFileOffset+20, 7) // Age
	copy(buf[cvFileOffset+24:], []byte("a.pdb\x00"))

	return buf, cvOffset, debugEntryOffset, uint64(optHeaderOff + 64), uint64(fileHeaderOff)
}

func TestParseMinimalPE32(t *testing.T) {
	buf, cvOffset, _, _, _ := buildMinimalPE32(t)
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Is64Bit() {
		t.Fatal("expected 32-bit image")
	}
	guid := img.CodeViewGUID()
	if len(guid) != 16 || guid[0] != 0xA0 {
		t.Fatalf("CodeViewGUID = %x", guid)
	}
	if img.CodeViewAge() != 7 {
		t.Fatalf("CodeViewAge = %d, want 7", img.CodeViewAge())
	}
	_ = cvOffset
}

func TestParseRejectsBadDOSMagic(t *testing.T) {
	buf, _, _, _, _ := buildMinimalPE32(t)
	buf[0] = 0
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for bad DOS magic")
	}
}

func TestParseRejectsOversizedSectionCount(t *testing.T) {
	buf, _, _, _, fileHeaderOff := buildMinimalPE32(t)
	binary.LittleEndian.PutUint16(buf[fileHeaderOff+2:], 0xFFFF)
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for NumberOfSections exceeding remaining image size")
	}
}

func TestParseRejectsMultipleCodeViewEntries(t *testing.T) {
	buf, cvOffset, _, _, _ := buildMinimalPE32(t)
	// Double the debug directory size and duplicate the entry so two
	// valid CodeView entries are present. The duplicate lands where the
	// RSDS block sat, so move that block past both entries first.
	const sectionDataOff = 0x200
	dataDirStart := 0x80 + 4 + 20 + 96
	cvFileOffset := sectionDataOff + 2*debugDirectoryEntrySize
	copy(buf[cvFileOffset:cvFileOffset+30], buf[cvOffset:cvOffset+30])
	binary.LittleEndian.PutUint32(buf[sectionDataOff+24:], uint32(cvFileOffset))
	binary.LittleEndian.PutUint32(buf[dataDirStart+dirDebug*8+4:], debugDirectoryEntrySize*2)
	copy(buf[sectionDataOff+debugDirectoryEntrySize:sectionDataOff+2*debugDirectoryEntrySize], buf[sectionDataOff:sectionDataOff+debugDirectoryEntrySize])
	// Point the second entry's CV info at the same valid RSDS block.
	binary.LittleEndian.PutUint32(buf[sectionDataOff+debugDirectoryEntrySize+24:], uint32(cvFileOffset))
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for multiple CodeView entries")
	}
}

func TestCollectPatchesCoversTimestampsChecksumAndCodeView(t *testing.T) {
	buf, cvOffset, debugEntryOffset, checksumOffset, fileHeaderOffset := buildMinimalPE32(t)
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ps := patch.NewSet(buf)
	sigSlot := make([]byte, 16)
	if err := img.CollectPatches(ps, sigSlot); err != nil {
		t.Fatalf("CollectPatches: %v", err)
	}
	if err := ps.Sort(); err != nil {
		t.Fatalf("Sort: %v", err)
	}

	wantOffsets := map[uint64]bool{
		fileHeaderOffset + offTimeDateStamp: true,
		checksumOffset:                      true,
		debugEntryOffset + offDebugTimeDateStamp: true,
		cvOffset + offCVGUIDField: true,
		cvOffset + offCVAgeField:  true,
	}
	got := map[uint64]bool{}
	for _, p := range ps.Iter() {
		got[p.Offset] = true
	}
	for off := range wantOffsets {
		if !got[off] {
			t.Errorf("missing patch at offset 0x%x", off)
		}
	}
}

func TestCollectPatchesRejectsWrongSigSlotSize(t *testing.T) {
	buf, _, _, _, _ := buildMinimalPE32(t)
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ps := patch.NewSet(buf)
	if err := img.CollectPatches(ps, make([]byte, 4)); err == nil {
		t.Fatal("expected error for wrong-sized signature slot")
	}
}
