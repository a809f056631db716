package msf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteThenOpenRoundTrip(t *testing.T) {
	streamA := NewMemoryStreamWithData([]byte("hello stream zero"))
	streamB := NewMemoryStreamWithData(bytes.Repeat([]byte{0x42}, 5000)) // spans multiple pages at pageSize=4096
	c := New(defaultPageSize, []Stream{streamA, streamB})

	dir := t.TempDir()
	path := filepath.Join(dir, "out.pdb")
	if err := c.WriteTo(path); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if reopened.NumStreams() != 2 {
		t.Fatalf("NumStreams = %d, want 2", reopened.NumStreams())
	}
	got0, err := ReadAll(reopened.Stream(0))
	if err != nil {
		t.Fatalf("ReadAll(0): %v", err)
	}
	if !bytes.Equal(got0, []byte("hello stream zero")) {
		t.Fatalf("stream 0 = %q", got0)
	}
	got1, err := ReadAll(reopened.Stream(1))
	if err != nil {
		t.Fatalf("ReadAll(1): %v", err)
	}
	if !bytes.Equal(got1, bytes.Repeat([]byte{0x42}, 5000)) {
		t.Fatalf("stream 1 mismatch, len %d", len(got1))
	}
}

func TestWriteThenOpenPreservesDeletedStream(t *testing.T) {
	c := New(defaultPageSize, []Stream{NewMemoryStreamWithData([]byte("kept"))})
	c.streams = append(c.streams, NewMemoryStream())
	c.deleted = append(c.deleted, true)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.pdb")
	if err := c.WriteTo(path); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if reopened.NumStreams() != 2 {
		t.Fatalf("NumStreams = %d, want 2", reopened.NumStreams())
	}
	if !reopened.IsDeleted(1) {
		t.Fatalf("stream 1 should round-trip as deleted")
	}
}

func TestRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pdb")
	if err := os.WriteFile(path, make([]byte, defaultPageSize*4), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestMemoryStreamFromRestoresSourcePosition(t *testing.T) {
	src := NewMemoryStreamWithData([]byte("0123456789"))
	src.Seek(3)
	dst, err := NewMemoryStreamFrom(src)
	if err != nil {
		t.Fatal(err)
	}
	if src.Pos() != 3 {
		t.Fatalf("source position = %d, want 3", src.Pos())
	}
	if !bytes.Equal(dst.Bytes(), []byte("0123456789")) {
		t.Fatalf("copy mismatch: %q", dst.Bytes())
	}
}

func TestReadOnlyMemoryStreamRejectsWrite(t *testing.T) {
	r := NewReadOnlyMemoryStream([]byte("abc"))
	if _, err := r.Write([]byte("x")); err == nil {
		t.Fatal("expected write to be rejected")
	}
}
