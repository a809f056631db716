package patch

import (
	"bytes"
	"testing"
)

func TestSortOrdersByOffsetThenLength(t *testing.T) {
	target := make([]byte, 32)
	s := NewSet(target)
	s.Add(16, []byte{1}, "b")
	s.Add(0, []byte{2, 2}, "a-long")
	s.Add(0, []byte{3}, "a-short")

	if err := s.Sort(); err != nil {
		t.Fatalf("Sort: %v", err)
	}

	got := s.Iter()
	if len(got) != 3 {
		t.Fatalf("expected 3 patches, got %d", len(got))
	}
	if got[0].Label != "a-short" || got[1].Label != "a-long" || got[2].Label != "b" {
		t.Fatalf("unexpected order: %v %v %v", got[0].Label, got[1].Label, got[2].Label)
	}
}

func TestSortRejectsOverlap(t *testing.T) {
	target := make([]byte, 32)
	s := NewSet(target)
	s.Add(0, []byte{1, 2, 3}, "first")
	s.Add(2, []byte{9}, "second")

	if err := s.Sort(); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestApplyWritesOnlyChangedBytes(t *testing.T) {
	target := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	s := NewSet(target)
	s.Add(0, []byte{0xAA}, "no-op")
	s.Add(2, []byte{0xBB, 0xBB}, "changes")

	if err := s.Sort(); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	s.Apply(false)

	want := []byte{0xAA, 0xAA, 0xBB, 0xBB}
	if !bytes.Equal(target, want) {
		t.Fatalf("got %v, want %v", target, want)
	}
}

func TestApplyDryRunDoesNotMutate(t *testing.T) {
	target := []byte{1, 2, 3}
	orig := append([]byte(nil), target...)
	s := NewSet(target)
	s.Add(0, []byte{9}, "would-change")

	if err := s.Sort(); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	s.Apply(true)

	if !bytes.Equal(target, orig) {
		t.Fatalf("dry run mutated target: got %v, want %v", target, orig)
	}
}

func TestAddAfterSortPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	s := NewSet(make([]byte, 4))
	_ = s.Sort()
	s.Add(0, []byte{1}, "too-late")
}

func TestAddExceedingTargetPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	s := NewSet(make([]byte, 4))
	s.Add(2, []byte{1, 2, 3}, "overflow")
}
