package pe

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/buildtools/ducible/internal/errs"
	"github.com/buildtools/ducible/internal/patch"
)

// ReplacementTimestamp is the fixed value every TimeDateStamp field is
// rewritten to: 2010-01-01 00:00:00 UTC. Zero is reserved (it means "no
// timestamp" in several PE consumers), so a non-zero fixed value is used
// instead of the more obvious epoch zero.
const ReplacementTimestamp uint32 = 1262304000

// ReplacementPdbAge is the fixed age written into both the PE's
// CV_INFO_PDB70 and the PDB's info stream.
const ReplacementPdbAge uint32 = 1

// Image is a parsed, still-mutable-through-the-original-buffer view of a
// PE/PE32+ image. It never copies the underlying bytes.
type Image struct {
	data []byte

	dos        dosHeader
	file       fileHeader
	optHeader  uint64 // file offset of the optional header
	is64       bool
	sections   []section

	dataDirs map[int]dataDirectory // only the ones this tool inspects

	debugEntries []debugDirectoryEntry
	codeView     *cvInfoPDB70 // at most one; nil if no CodeView entry found
}

// Data returns the underlying image bytes. Patches are written through
// this same slice once PatchSet.Apply runs.
func (img *Image) Data() []byte { return img.data }

// Is64Bit reports whether this image uses the PE32+ optional header.
func (img *Image) Is64Bit() bool { return img.is64 }

// CodeViewGUID returns the 16-byte PDB GUID currently embedded in the
// CodeView debug directory entry, or nil if there is none.
func (img *Image) CodeViewGUID() []byte {
	if img.codeView == nil {
		return nil
	}
	return append([]byte(nil), img.data[img.codeView.offset+offCVGUIDField:img.codeView.offset+offCVGUIDField+16]...)
}

// CodeViewAge returns the age field of the CodeView debug directory
// entry, or 0 if there is none.
func (img *Image) CodeViewAge() uint32 {
	if img.codeView == nil {
		return 0
	}
	v, _ := readUint32(img.data, img.codeView.offset+offCVAgeField)
	return v
}

// Parse validates the DOS/NT headers and walks the export, resource, and
// debug data directories, per spec.md §4.D.
func Parse(data []byte) (*Image, error) {
	img := &Image{data: data, dataDirs: make(map[int]dataDirectory)}

	if err := img.parseDOSHeader(); err != nil {
		return nil, err
	}
	if err := img.parseFileHeader(); err != nil {
		return nil, err
	}
	if err := img.parseOptionalHeaderAndSections(); err != nil {
		return nil, err
	}
	if err := img.parseDebugDirectory(); err != nil {
		return nil, err
	}

	return img, nil
}

func (img *Image) parseDOSHeader() error {
	magic, err := readUint16(img.data, 0)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading DOS header magic")
	}
	if magic != dosMagic {
		return errs.Newf(errs.InvalidImage, "bad DOS signature 0x%04x", magic)
	}
	img.dos.magic = magic

	lfanew, err := readUint32(img.data, 0x3c)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading e_lfanew")
	}
	img.dos.lfanew = lfanew
	return nil
}

func (img *Image) parseFileHeader() error {
	sigOffset := uint64(img.dos.lfanew)
	sig, err := readUint32(img.data, sigOffset)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading PE signature")
	}
	if sig != ntSignature {
		return errs.Newf(errs.InvalidImage, "bad PE signature 0x%08x", sig)
	}

	fhOffset := sigOffset + 4
	machine, err := readUint16(img.data, fhOffset)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading file header")
	}
	numSections, err := readUint16(img.data, fhOffset+2)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading NumberOfSections")
	}
	timestamp, err := readUint32(img.data, fhOffset+offTimeDateStamp)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading TimeDateStamp")
	}
	sizeOptHeader, err := readUint16(img.data, fhOffset+16)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading SizeOfOptionalHeader")
	}
	characteristics, err := readUint16(img.data, fhOffset+18)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading Characteristics")
	}

	img.file = fileHeader{
		offset:               fhOffset,
		machine:              machine,
		numberOfSections:     numSections,
		timeDateStamp:        timestamp,
		sizeOfOptionalHeader: sizeOptHeader,
		characteristics:      characteristics,
	}
	img.optHeader = fhOffset + fileHeaderSize
	return nil
}

func (img *Image) parseOptionalHeaderAndSections() error {
	magic, err := readUint16(img.data, img.optHeader)
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading OptionalHeader.Magic")
	}

	var numRvaAndSizes uint32
	var dataDirStart uint64

	switch magic {
	case magicPE32:
		img.is64 = false
		if img.file.sizeOfOptionalHeader < 96 {
			return errs.Newf(errs.InvalidImage, "SizeOfOptionalHeader %d too small for PE32", img.file.sizeOfOptionalHeader)
		}
		numRvaAndSizes, err = readUint32(img.data, img.optHeader+92)
		dataDirStart = img.optHeader + 96
	case magicPE32Plus:
		img.is64 = true
		if img.file.sizeOfOptionalHeader < 112 {
			return errs.Newf(errs.InvalidImage, "SizeOfOptionalHeader %d too small for PE32+", img.file.sizeOfOptionalHeader)
		}
		numRvaAndSizes, err = readUint32(img.data, img.optHeader+108)
		dataDirStart = img.optHeader + 112
	default:
		return errs.Newf(errs.InvalidImage, "unrecognized optional header magic 0x%04x", magic)
	}
	if err != nil {
		return errs.Wrap(errs.InvalidImage, err, "reading NumberOfRvaAndSizes")
	}
	if numRvaAndSizes > numDataDirectories {
		numRvaAndSizes = numDataDirectories
	}

	for _, idx := range []int{dirExport, dirResource, dirDebug} {
		if uint32(idx) >= numRvaAndSizes {
			continue
		}
		entryOffset := dataDirStart + uint64(idx)*dataDirectoryEntrySize
		rva, err := readUint32(img.data, entryOffset)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading data directory")
		}
		size, err := readUint32(img.data, entryOffset+4)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading data directory")
		}
		img.dataDirs[idx] = dataDirectory{offset: entryOffset, rva: rva, size: size}
	}

	sectionHeaderStart := img.optHeader + uint64(img.file.sizeOfOptionalHeader)
	// Design note (c): validate NumberOfSections against remaining image
	// size instead of trusting it blindly, per spec.md §9 open question (c).
	maxSections := (uint64(len(img.data)) - sectionHeaderStart) / sectionHeaderSize
	if uint64(img.file.numberOfSections) > maxSections {
		return errs.Newf(errs.InvalidImage, "NumberOfSections %d exceeds remaining image size", img.file.numberOfSections)
	}

	img.sections = make([]section, img.file.numberOfSections)
	for i := range img.sections {
		off := sectionHeaderStart + uint64(i)*sectionHeaderSize
		name, err := readBytes(img.data, off, 8)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading section header")
		}
		vsize, err := readUint32(img.data, off+8)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading section VirtualSize")
		}
		vaddr, err := readUint32(img.data, off+12)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading section VirtualAddress")
		}
		rawSize, err := readUint32(img.data, off+16)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading section SizeOfRawData")
		}
		rawOffset, err := readUint32(img.data, off+20)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading section PointerToRawData")
		}
		var sec section
		copy(sec.name[:], name)
		sec.virtualSize = vsize
		sec.virtualAddress = vaddr
		sec.sizeOfRawData = rawSize
		sec.pointerToRawData = rawOffset
		img.sections[i] = sec
	}

	return nil
}

// translate converts an RVA to a file offset using the first section
// whose virtual range contains it, per spec.md §4.D step 5.
func (img *Image) translate(rva uint32) (uint64, bool) {
	for _, s := range img.sections {
		if s.containsRVA(rva) {
			delta := rva - s.virtualAddress
			return uint64(s.pointerToRawData) + uint64(delta), true
		}
	}
	return 0, false
}

func (img *Image) parseDebugDirectory() error {
	dir, ok := img.dataDirs[dirDebug]
	if !ok || dir.rva == 0 || dir.size == 0 {
		return nil
	}
	if dir.size < debugDirectoryEntrySize {
		return errs.Newf(errs.InvalidImage, "debug directory size %d smaller than one entry", dir.size)
	}

	fileOff, ok := img.translate(dir.rva)
	if !ok {
		return errs.Newf(errs.InvalidImage, "debug directory RVA 0x%x not in any section", dir.rva)
	}

	count := dir.size / debugDirectoryEntrySize
	var foundCodeView bool

	for i := uint32(0); i < count; i++ {
		off := fileOff + uint64(i)*debugDirectoryEntrySize
		characteristics, err := readUint32(img.data, off)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading debug directory entry")
		}
		timestamp, err := readUint32(img.data, off+offDebugTimeDateStamp)
		if err != nil {
			return errs.Wrap(errs.InvalidImage, err, "reading debug directory entry")
		}
		majorVer, err := readUint16(img.data, off+8)
		if err != nil {
			return err
		}
		minorVer, err := readUint16(img.data, off+10)
		if err != nil {
			return err
		}
		typ, err := readUint32(img.data, off+12)
		if err != nil {
			return err
		}
		sizeOfData, err := readUint32(img.data, off+16)
		if err != nil {
			return err
		}
		addrOfRawData, err := readUint32(img.data, off+20)
		if err != nil {
			return err
		}
		pointerToRawData, err := readUint32(img.data, off+24)
		if err != nil {
			return err
		}

		entry := debugDirectoryEntry{
			offset:           off,
			characteristics:  characteristics,
			timeDateStamp:    timestamp,
			majorVersion:     majorVer,
			minorVersion:     minorVer,
			typ:              typ,
			sizeOfData:       sizeOfData,
			addressOfRawData: addrOfRawData,
			pointerToRawData: pointerToRawData,
		}
		img.debugEntries = append(img.debugEntries, entry)

		if typ == debugTypeCodeView {
			if sizeOfData < cvInfoPDB70FixedSize {
				return errs.Newf(errs.InvalidImage, "CodeView debug entry data too small: %d bytes", sizeOfData)
			}
			cvOff := uint64(pointerToRawData)
			cvSig, err := readUint32(img.data, cvOff)
			if err != nil {
				return errs.Wrap(errs.InvalidImage, err, "reading CV_INFO_PDB70 signature")
			}
			if cvSig != cvSignaturePDB70 {
				logrus.Debugf("debug directory entry %d has CodeView type but signature 0x%08x, skipping", i, cvSig)
				continue
			}
			if foundCodeView {
				return errs.New(errs.InvalidImage, "multiple CodeView (RSDS) debug directory entries")
			}
			foundCodeView = true
			img.codeView = &cvInfoPDB70{offset: cvOff, cvSignature: cvSig}
		}
	}

	return nil
}

// CollectPatches records every timestamp-bearing field's replacement, the
// checksum reset, and (if present) the CodeView signature/age rewrite,
// per spec.md §4.D. sigSlot must be a 16-byte slice that the caller will
// fill with the PDB signature digest before PatchSet.Apply runs; it is
// shared, not copied, so mutating it after this call updates the patch.
func (img *Image) CollectPatches(ps *patch.Set, sigSlot []byte) error {
	if len(sigSlot) != 16 {
		return errs.Newf(errs.InvalidImage, "signature slot must be 16 bytes, got %d", len(sigSlot))
	}

	ps.Add(img.file.offset+offTimeDateStamp, le32(ReplacementTimestamp), "IMAGE_FILE_HEADER.TimeDateStamp")

	checksumOff := img.optHeader + 64
	ps.Add(checksumOff, le32(ReplacementTimestamp), "IMAGE_OPTIONAL_HEADER.CheckSum")

	if dir, ok := img.dataDirs[dirExport]; ok && dir.rva != 0 {
		if off, ok := img.translate(dir.rva); ok {
			ts, err := readUint32(img.data, off+4)
			if err == nil && ts != 0 {
				ps.Add(off+4, le32(ReplacementTimestamp), "IMAGE_EXPORT_DIRECTORY.TimeDateStamp")
			}
		}
	}

	if dir, ok := img.dataDirs[dirResource]; ok && dir.rva != 0 {
		if off, ok := img.translate(dir.rva); ok {
			ts, err := readUint32(img.data, off+4)
			if err == nil && ts != 0 {
				ps.Add(off+4, le32(ReplacementTimestamp), "IMAGE_RESOURCE_DIRECTORY.TimeDateStamp")
			}
		}
	}

	for i, e := range img.debugEntries {
		if e.timeDateStamp != 0 {
			ps.Add(e.offset+offDebugTimeDateStamp, le32(ReplacementTimestamp),
				fmt.Sprintf("IMAGE_DEBUG_DIRECTORY[%d].TimeDateStamp", i))
		}
	}

	if img.codeView != nil {
		ps.Add(img.codeView.offset+offCVGUIDField, sigSlot, "CV_INFO_PDB70.Signature")
		ps.Add(img.codeView.offset+offCVAgeField, le32(ReplacementPdbAge), "CV_INFO_PDB70.Age")
	}

	return nil
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
