package digest

import (
	"crypto/md5"
	"testing"

	"github.com/buildtools/ducible/internal/patch"
)

func TestHashExcludingSkipsPatchRanges(t *testing.T) {
	image := []byte("0123456789ABCDEF")
	patches := []patch.Patch{
		{Offset: 4, Length: 4}, // "4567"
		{Offset: 10, Length: 2}, // "AB"
	}

	got := HashExcluding(image, patches)

	want := md5.New()
	want.Write([]byte("0123"))
	want.Write([]byte("89"))
	want.Write([]byte("CDEF"))
	var wantSum [Size]byte
	copy(wantSum[:], want.Sum(nil))

	if got != wantSum {
		t.Fatalf("got %x, want %x", got, wantSum)
	}
}

func TestHashExcludingNoPatchesHashesWholeImage(t *testing.T) {
	image := []byte("hello world")
	got := HashExcluding(image, nil)

	want := md5.Sum(image)
	if got != want {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	d := New()
	d.Update([]byte("foo"))
	d.Update([]byte("bar"))
	got := d.Finalize()

	want := md5.Sum([]byte("foobar"))
	if got != want {
		t.Fatalf("got %x, want %x", got, want)
	}
}
