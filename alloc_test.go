package isoalloc

import (
	"testing"

	"github.com/cznic/mathutil"
)

// TestAllocatorFuzz exercises Alloc/Free through a deterministic
// pseudo-random workload, the same shape as the teacher package's own
// test1/test2/test3 in all_test.go: a seeded mathutil.FC32 generator
// drives allocation sizes and an explicit live-set map stands in for the
// C tests' pointer bookkeeping, with every outstanding chunk written and
// re-verified before being freed.
func TestAllocatorFuzz(t *testing.T) {
	a, err := New(WithRandomAllocationPattern(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sizes, err := mathutil.NewFC32(16, 4096, false)
	if err != nil {
		t.Fatal(err)
	}

	type live struct {
		b     []byte
		stamp byte
	}
	var outstanding []live

	const rounds = 2000
	for i := 0; i < rounds; i++ {
		if len(outstanding) > 0 && i%3 == 0 {
			idx := i % len(outstanding)
			l := outstanding[idx]
			for _, c := range l.b {
				if c != l.stamp {
					t.Fatalf("round %d: corrupted live chunk (want %x, got %x)", i, l.stamp, c)
				}
			}
			a.Free(l.b)
			outstanding = append(outstanding[:idx], outstanding[idx+1:]...)
			continue
		}

		size := sizes.Next()
		b, err := a.Alloc(size)
		if err != nil {
			t.Fatalf("round %d: Alloc(%d): %v", i, size, err)
		}
		if len(b) != size {
			t.Fatalf("round %d: Alloc(%d) returned %d bytes", i, size, len(b))
		}
		stamp := byte(i)
		for j := range b {
			b[j] = stamp
		}
		outstanding = append(outstanding, live{b: b, stamp: stamp})
	}

	for _, l := range outstanding {
		a.Free(l.b)
	}

	zones, bigZones := a.DetectLeaks()
	if len(zones) != 0 {
		t.Fatalf("DetectLeaks: %d zones still report allocated chunks", len(zones))
	}
	if bigZones != 0 {
		t.Fatalf("DetectLeaks: %d big zones still live", bigZones)
	}
}

func TestAllocatorZeroSizeSentinel(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := a.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc(0): %v", err)
	}
	if b == nil {
		t.Fatal("Alloc(0): got nil, want zero-size sentinel")
	}

	aNil, err := New(WithZeroSizeReturnsNil(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err = aNil.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc(0): %v", err)
	}
	if b != nil {
		t.Fatal("Alloc(0) with WithZeroSizeReturnsNil: got non-nil")
	}
}

func TestAllocatorReallocGrowsAndShrinks(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i := range b {
		b[i] = byte(i)
	}

	grown, err := a.Realloc(b, 4096)
	if err != nil {
		t.Fatalf("Realloc grow: %v", err)
	}
	if len(grown) != 4096 {
		t.Fatalf("Realloc grow: got %d bytes", len(grown))
	}
	for i := 0; i < 32; i++ {
		if grown[i] != byte(i) {
			t.Fatalf("Realloc grow: byte %d corrupted", i)
		}
	}

	shrunk, err := a.Realloc(grown, 8)
	if err != nil {
		t.Fatalf("Realloc shrink: %v", err)
	}
	if len(shrunk) != 8 {
		t.Fatalf("Realloc shrink: got %d bytes", len(shrunk))
	}
	a.Free(shrunk)
}

func TestUserManagedZoneLifecycle(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := a.NewZone(64)
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}

	b, err := a.AllocFromZone(h, 64)
	if err != nil {
		t.Fatalf("AllocFromZone: %v", err)
	}
	if !a.VerifyZone(h) {
		t.Fatal("VerifyZone: expected intact canaries")
	}
	a.FreeFromZone(h, b)
	a.DestroyZone(h)
}

func TestPackageLevelConvenienceFunctions(t *testing.T) {
	b, err := Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	Free(b)

	c, err := Calloc(16, 8)
	if err != nil {
		t.Fatalf("Calloc: %v", err)
	}
	for _, v := range c {
		if v != 0 {
			t.Fatal("Calloc: region not zeroed")
		}
	}
	Free(c)
}
