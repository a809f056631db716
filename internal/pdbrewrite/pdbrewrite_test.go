package pdbrewrite

import (
	"bytes"
	"testing"

	"github.com/buildtools/ducible/internal/msf"
)

func buildNameMapBytes(t *testing.T, names map[string]uint32) []byte {
	t.Helper()
	nm := &NameMap{byName: map[string]uint32{}}
	for n, idx := range names {
		nm.byName[n] = idx
		nm.order = append(nm.order, n)
	}
	return nm.Bytes()
}

func TestPdbInfoRoundTripAndSetSignature(t *testing.T) {
	nameMapBytes := buildNameMapBytes(t, map[string]uint32{"/names": 7, "/LinkInfo": 9})

	raw := make([]byte, pdbInfoHeaderSize)
	raw[0] = 20 // version
	raw = append(raw, nameMapBytes...)

	pi, err := ParsePdbInfo(raw)
	if err != nil {
		t.Fatalf("ParsePdbInfo: %v", err)
	}
	if idx, ok := pi.NameMap.StreamIndex("/names"); !ok || idx != 7 {
		t.Fatalf("StreamIndex(/names) = %d,%v", idx, ok)
	}

	var guid [16]byte
	for i := range guid {
		guid[i] = byte(i)
	}
	if err := pi.CheckMatchesImage(pi.GUID, pi.Age); err != nil {
		t.Fatalf("CheckMatchesImage against its own signature: %v", err)
	}
	pi.SetSignature(0x4B3E9800, guid, 1)

	out := pi.Bytes()
	reparsed, err := ParsePdbInfo(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reparsed.GUID != guid || reparsed.Age != 1 {
		t.Fatalf("signature not applied: guid=%v age=%d", reparsed.GUID, reparsed.Age)
	}
	if idx, ok := reparsed.NameMap.StreamIndex("/LinkInfo"); !ok || idx != 9 {
		t.Fatalf("name map did not survive round trip: %d,%v", idx, ok)
	}
}

func TestDbiZeroPaddingClearsTrailingBytes(t *testing.T) {
	rec := make([]byte, 64)
	rec = append(rec, []byte("mod.obj\x00")...)
	rec = append(rec, []byte("a.obj\x00")...)
	for len(rec)%4 != 0 {
		rec = append(rec, 0xCD) // simulate uninitialised padding
	}

	h := DbiHeader{}
	d := &DbiStream{Header: h, ModuleInfo: rec}
	if err := d.ZeroPadding(); err != nil {
		t.Fatalf("ZeroPadding: %v", err)
	}
	for i, b := range d.ModuleInfo {
		if b == 0xCD {
			t.Fatalf("padding byte at %d not cleared", i)
		}
	}
}

func TestCanonicalizeSymbolRecordsRewritesObjNameGUID(t *testing.T) {
	name := "C:\\temp\\{A1B2C3D4-E5F6-47A8-9B0C-D1E2F3A4B5C6}.obj"
	data := []byte(name)
	data = append(data, 0)
	for len(data)%4 != 0 {
		data = append(data, 0xF1)
	}
	recData := append([]byte{0, 0, 0, 0}, data...) // signature(4) + name + pad
	rec := make([]byte, 0, 4+len(recData))
	length := uint16(2 + len(recData))
	rec = append(rec, byte(length), byte(length>>8))
	symType := uint16(symObjName)
	rec = append(rec, byte(symType), byte(symType>>8))
	rec = append(rec, recData...)

	out, err := CanonicalizeSymbolRecords(rec)
	if err != nil {
		t.Fatalf("CanonicalizeSymbolRecords: %v", err)
	}
	if bytes.Contains(out, []byte("A1B2C3D4")) { // already braced in `name` above
		t.Fatalf("GUID text survived canonicalization: %q", out)
	}
	if !bytes.Contains(out, []byte(nullGUIDText)) {
		t.Fatalf("expected canonical GUID text in output: %q", out)
	}
}

func TestTruncateLinkInfoDropsTrailingGarbage(t *testing.T) {
	data := append([]byte{9, 0, 0, 0}, []byte("abcdeXXXXX")...)
	out, err := TruncateLinkInfo(data)
	if err != nil {
		t.Fatalf("TruncateLinkInfo: %v", err)
	}
	if string(out) != string(data[:9]) {
		t.Fatalf("got %q", out)
	}
}

func TestNamesTableRoundTripSortsBuckets(t *testing.T) {
	strBuf := []byte("bbb\x00aaa\x00")
	raw := make([]byte, 0, 32)
	raw = appendU32(raw, namesSignature)
	raw = appendU32(raw, 1)
	raw = appendU32(raw, uint32(len(strBuf)))
	raw = append(raw, strBuf...)
	raw = appendU32(raw, 2)
	raw = appendU32(raw, 4) // offset to "aaa" first (insertion order)
	raw = appendU32(raw, 0) // offset to "bbb"

	nt, err := ParseNamesTable(raw)
	if err != nil {
		t.Fatalf("ParseNamesTable: %v", err)
	}
	out := nt.Bytes()
	reparsed, err := ParseNamesTable(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(reparsed.offsets) != 2 || reparsed.offsets[0] != 0 || reparsed.offsets[1] != 4 {
		t.Fatalf("buckets not sorted by offset: %v", reparsed.offsets)
	}
}

func TestRewriteProducesWritableContainer(t *testing.T) {
	nameMapBytes := buildNameMapBytes(t, map[string]uint32{})
	pdbInfoRaw := make([]byte, pdbInfoHeaderSize)
	pdbInfoRaw = append(pdbInfoRaw, nameMapBytes...)

	dbiRaw := make([]byte, dbiHeaderSize) // all substreams empty

	streams := []msf.Stream{
		msf.NewMemoryStream(),                     // stream 0, unused root
		msf.NewMemoryStreamWithData(pdbInfoRaw),    // stream 1
		msf.NewMemoryStream(),                      // stream 2, TPI, untouched
		msf.NewMemoryStreamWithData(dbiRaw),        // stream 3, DBI
	}
	src := msf.New(4096, streams)

	var guid [16]byte
	sig := Signature{Timestamp: 0x4B3E9800, NewGUID: guid, NewAge: 1}
	out, err := Rewrite(src, sig)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if out.NumStreams() != 4 {
		t.Fatalf("NumStreams = %d, want 4", out.NumStreams())
	}
}
