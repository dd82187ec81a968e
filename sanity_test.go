package isoalloc

import "testing"

func TestSanitySamplerAlwaysOn(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := NewSanitySampler(a, 1)
	defer s.Close()

	b, err := s.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	s.Free(b)
}

func TestSanitySamplerDisabled(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := NewSanitySampler(a, 0)
	defer s.Close()
	if s.ShouldSample() {
		t.Fatal("ShouldSample: expected false with rate 0")
	}
}

func TestLooksUninitialized(t *testing.T) {
	b := make([]byte, 16)
	for i := range b {
		b[i] = poisonByte
	}
	if !LooksUninitialized(b) {
		t.Fatal("expected poisoned buffer to look uninitialized")
	}
	b[3] = 0x01
	if LooksUninitialized(b) {
		t.Fatal("expected written buffer to not look uninitialized")
	}
}
