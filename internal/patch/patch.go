// Package patch implements the patch-set engine: an ordered collection of
// byte-range rewrites against a single target buffer, applied only after
// every patch has been collected and sorted.
package patch

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Patch is a single byte-range rewrite: replace the Length bytes starting
// at Offset with Bytes. Label is a human-readable description used for
// the apply-time log line and for diagnostics; it has no effect on
// ordering or application.
type Patch struct {
	Offset uint64
	Length uint32
	Bytes  []byte
	Label  string
}

// end returns the exclusive end of the patched range.
func (p Patch) end() uint64 { return p.Offset + uint64(p.Length) }

// Set is an ordered collection of Patch records against a single target
// buffer. Add may only be called before Sort; once sorted, the set is
// frozen and Apply is the only remaining mutator (of the target, not of
// the set itself).
type Set struct {
	target  []byte
	patches []Patch
	sorted  bool
}

// NewSet creates a patch set over target. target is retained, not
// copied; callers must not mutate it concurrently with patch collection.
func NewSet(target []byte) *Set {
	return &Set{target: target}
}

// Add records a patch. offset+len(bytes) must not exceed the target
// length; Add panics on that invariant violation since it indicates a
// parser bug, not a malformed input.
func (s *Set) Add(offset uint64, bytes []byte, label string) {
	if s.sorted {
		panic("patch: Add called after Sort")
	}
	if offset+uint64(len(bytes)) > uint64(len(s.target)) {
		panic(fmt.Sprintf("patch: %q offset %d length %d exceeds target length %d", label, offset, len(bytes), len(s.target)))
	}
	s.patches = append(s.patches, Patch{
		Offset: offset,
		Length: uint32(len(bytes)),
		Bytes:  bytes,
		Label:  label,
	})
}

// AddAt is Add, but takes the offset of a pointed-to field directly; it
// exists so callers that would otherwise compute &field-imageBase in a
// language with raw pointers have a single, explicit call site instead.
func (s *Set) AddAt(offset uint64, value []byte, label string) {
	s.Add(offset, value, label)
}

// Sort orders patches by (offset, length) ascending, ties broken by the
// shorter patch first, and rejects overlapping writes. After Sort, Add
// must not be called again.
func (s *Set) Sort() error {
	sort.Slice(s.patches, func(i, j int) bool {
		if s.patches[i].Offset != s.patches[j].Offset {
			return s.patches[i].Offset < s.patches[j].Offset
		}
		return s.patches[i].Length < s.patches[j].Length
	})

	for i := 1; i < len(s.patches); i++ {
		prev, cur := s.patches[i-1], s.patches[i]
		if cur.Offset < prev.end() {
			return fmt.Errorf("patch: overlapping patches %q [%d,%d) and %q [%d,%d)",
				prev.Label, prev.Offset, prev.end(), cur.Label, cur.Offset, cur.end())
		}
	}

	s.sorted = true
	return nil
}

// Len returns the number of patches in the set.
func (s *Set) Len() int { return len(s.patches) }

// Iter returns patches in sorted order. Sort must have been called.
func (s *Set) Iter() []Patch {
	if !s.sorted {
		panic("patch: Iter called before Sort")
	}
	return s.patches
}

// Apply writes every patch into the target buffer, in order, skipping a
// patch entirely when the target bytes already equal the replacement
// (idempotent re-application produces no log line and no write). When
// dryRun is true, Apply logs what it would do but never mutates target.
// Sort must have been called first.
func (s *Set) Apply(dryRun bool) {
	if !s.sorted {
		panic("patch: Apply called before Sort")
	}
	for _, p := range s.patches {
		dst := s.target[p.Offset : p.Offset+uint64(p.Length)]
		if bytesEqual(dst, p.Bytes) {
			continue
		}
		if dryRun {
			logrus.Infof("would patch %s at offset 0x%x (%d bytes)", p.Label, p.Offset, p.Length)
			continue
		}
		logrus.Infof("patching %s at offset 0x%x (%d bytes)", p.Label, p.Offset, p.Length)
		copy(dst, p.Bytes)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
