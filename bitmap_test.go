package isoalloc

import "testing"

func TestBitmapGetSet(t *testing.T) {
	bm := newBitmap(100)
	for slot := 0; slot < 100; slot++ {
		if got := bm.get(slot); got != stateFreeNever {
			t.Fatalf("slot %d: got state %d, want stateFreeNever", slot, got)
		}
	}

	bm.set(5, stateAllocated)
	bm.set(64, stateFreed)
	bm.set(99, stateRetired)

	if got := bm.get(5); got != stateAllocated {
		t.Fatalf("slot 5: got %d, want stateAllocated", got)
	}
	if got := bm.get(64); got != stateFreed {
		t.Fatalf("slot 64: got %d, want stateFreed", got)
	}
	if got := bm.get(99); got != stateRetired {
		t.Fatalf("slot 99: got %d, want stateRetired", got)
	}
	// neighbors of modified slots must be untouched
	if got := bm.get(4); got != stateFreeNever {
		t.Fatalf("slot 4 clobbered: got %d", got)
	}
	if got := bm.get(63); got != stateFreeNever {
		t.Fatalf("slot 63 clobbered: got %d", got)
	}
}

func TestBitmapScanFree(t *testing.T) {
	bm := newBitmap(64)
	for slot := 0; slot < 40; slot++ {
		bm.set(slot, stateAllocated)
	}
	slot := bm.scanFree(0, 64)
	if slot != 40 {
		t.Fatalf("scanFree: got %d, want 40", slot)
	}

	for slot := 40; slot < 64; slot++ {
		bm.set(slot, stateRetired)
	}
	if slot := bm.scanFree(0, 64); slot != badBitSlot {
		t.Fatalf("scanFree on full bitmap: got %d, want badBitSlot", slot)
	}
}

func TestBitmapCountState(t *testing.T) {
	bm := newBitmap(32)
	for slot := 0; slot < 10; slot++ {
		bm.set(slot, stateAllocated)
	}
	if n := bm.countState(stateAllocated, 32); n != 10 {
		t.Fatalf("countState(allocated): got %d, want 10", n)
	}
	if n := bm.countState(stateFreeNever, 32); n != 22 {
		t.Fatalf("countState(freeNever): got %d, want 22", n)
	}
}

func TestBitmapWordBoundary(t *testing.T) {
	bm := newBitmap(33)
	bm.set(32, stateAllocated)
	if got := bm.get(32); got != stateAllocated {
		t.Fatalf("slot 32 (first of second word): got %d, want stateAllocated", got)
	}
	if got := bm.get(31); got != stateFreeNever {
		t.Fatalf("slot 31 (last of first word): got %d, want stateFreeNever", got)
	}
}
