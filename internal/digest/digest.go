// Package digest computes the content-derived 128-bit signature used to
// replace the PE/PDB GUID. MD5 is used as-is: both the CodeView debug
// directory and the PDB-info stream already size their signature field
// at exactly 16 bytes, and the standard library provides that primitive
// directly.
package digest

import (
	"crypto/md5"
	"hash"

	"github.com/buildtools/ducible/internal/patch"
)

// Size is the length, in bytes, of a digest produced by this package.
const Size = md5.Size

// Incremental wraps a running digest with update/finalize, matching the
// shape component B specifies: update(bytes) then finalize() → [16].
type Incremental struct {
	h hash.Hash
}

// New returns a fresh incremental digest.
func New() *Incremental {
	return &Incremental{h: md5.New()}
}

// Update feeds more bytes into the running digest.
func (d *Incremental) Update(b []byte) {
	d.h.Write(b)
}

// Finalize returns the 128-bit digest computed so far.
func (d *Incremental) Finalize() [Size]byte {
	var out [Size]byte
	copy(out[:], d.h.Sum(nil))
	return out
}

// HashExcluding computes the digest of image with every patch's target
// byte range skipped, in sorted order, per spec.md §4.I step 2: feed the
// gap before each patch, then the final tail gap. patches must already
// be sorted and non-overlapping (patch.Set.Sort enforces this).
func HashExcluding(image []byte, patches []patch.Patch) [Size]byte {
	d := New()
	var lastEnd uint64
	for _, p := range patches {
		if p.Offset > lastEnd {
			d.Update(image[lastEnd:p.Offset])
		}
		end := p.Offset + uint64(p.Length)
		if end > lastEnd {
			lastEnd = end
		}
	}
	if lastEnd < uint64(len(image)) {
		d.Update(image[lastEnd:])
	}
	return d.Finalize()
}
