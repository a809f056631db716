package pdbrewrite

import (
	"encoding/binary"
	"sort"

	"github.com/buildtools/ducible/internal/errs"
)

// NameMap is the named-stream map embedded in the PDB info stream: a
// string buffer plus a bucketed hash table mapping each name to the
// stream index holding it (/names, /LinkInfo, and friends).
type NameMap struct {
	strings []byte            // the raw, NUL-separated string buffer
	byName  map[string]uint32 // name -> stream index
	order   []string          // insertion order, for stable re-serialisation
}

// StreamIndex looks up name's stream index. ok is false if name isn't
// present in the map.
func (m *NameMap) StreamIndex(name string) (uint32, bool) {
	idx, ok := m.byName[name]
	return idx, ok
}

func parseNameMap(data []byte) (*NameMap, int, error) {
	if len(data) < 4 {
		return nil, 0, errs.Newf(errs.InvalidPdb, "truncated name map")
	}
	strSize := binary.LittleEndian.Uint32(data)
	off := 4
	if off+int(strSize) > len(data) {
		return nil, 0, errs.Newf(errs.InvalidPdb, "name map string buffer overruns stream")
	}
	strBuf := append([]byte(nil), data[off:off+int(strSize)]...)
	off += int(strSize)

	readU32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, errs.Newf(errs.InvalidPdb, "truncated name map hash table")
		}
		v := binary.LittleEndian.Uint32(data[off:])
		off += 4
		return v, nil
	}

	hashSize, err := readU32()
	if err != nil {
		return nil, 0, err
	}
	capacity, err := readU32()
	if err != nil {
		return nil, 0, err
	}

	readBitset := func() ([]uint32, error) {
		wordCount, err := readU32()
		if err != nil {
			return nil, err
		}
		words := make([]uint32, wordCount)
		for i := range words {
			w, err := readU32()
			if err != nil {
				return nil, err
			}
			words[i] = w
		}
		return words, nil
	}

	present, err := readBitset()
	if err != nil {
		return nil, 0, err
	}
	if _, err := readBitset(); err != nil { // deleted bitset, read but unused
		return nil, 0, err
	}

	m := &NameMap{strings: strBuf, byName: make(map[string]uint32)}
	bitSet := func(words []uint32, bit uint32) bool {
		w := bit / 32
		if int(w) >= len(words) {
			return false
		}
		return words[w]&(1<<(bit%32)) != 0
	}

	read := uint32(0)
	for bucket := uint32(0); bucket < capacity && read < hashSize; bucket++ {
		if !bitSet(present, bucket) {
			continue
		}
		nameOff, err := readU32()
		if err != nil {
			return nil, 0, err
		}
		streamIdx, err := readU32()
		if err != nil {
			return nil, 0, err
		}
		name := cString(strBuf, nameOff)
		if _, dup := m.byName[name]; !dup {
			m.order = append(m.order, name)
		}
		m.byName[name] = streamIdx
		read++
	}
	return m, off, nil
}

func cString(buf []byte, off uint32) string {
	if int(off) >= len(buf) {
		return ""
	}
	end := off
	for end < uint32(len(buf)) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

// Bytes re-serialises the name map with buckets assigned by sorted name
// order, giving a canonical layout independent of original insertion or
// hashing order.
func (m *NameMap) Bytes() []byte {
	names := make([]string, len(m.order))
	copy(names, m.order)
	sort.Strings(names)

	strBuf := make([]byte, 0, len(m.strings))
	offsets := make(map[string]uint32, len(names))
	for _, n := range names {
		offsets[n] = uint32(len(strBuf))
		strBuf = append(strBuf, []byte(n)...)
		strBuf = append(strBuf, 0)
	}

	capacity := uint32(len(names))
	if capacity == 0 {
		capacity = 1
	}
	wordCount := (capacity + 31) / 32
	present := make([]uint32, wordCount)
	for i := range names {
		present[uint32(i)/32] |= 1 << (uint32(i) % 32)
	}
	deleted := make([]uint32, wordCount)

	out := make([]byte, 0, 64+len(strBuf))
	out = appendU32(out, uint32(len(strBuf)))
	out = append(out, strBuf...)
	out = appendU32(out, uint32(len(names)))
	out = appendU32(out, capacity)
	out = appendU32(out, wordCount)
	for _, w := range present {
		out = appendU32(out, w)
	}
	out = appendU32(out, wordCount)
	for _, w := range deleted {
		out = appendU32(out, w)
	}
	for i, n := range names {
		out = appendU32(out, offsets[n])
		out = appendU32(out, m.byName[n])
		_ = i
	}
	return out
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
