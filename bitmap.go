package isoalloc

import (
	"math/bits"
	"unsafe"
)

// chunkState is the 2-bit-per-chunk state encoding from spec §3.
type chunkState uint8

const (
	stateFreeNever chunkState = 0b00 // free, never used
	stateFreed     chunkState = 0b01 // previously allocated, now free
	stateAllocated chunkState = 0b10 // currently allocated
	stateRetired   chunkState = 0b11 // canary chunk, or permanently retired
)

// highBitMask selects bit 1 of every 2-bit pair in a 64-bit word (32
// pairs/word). A pair's high bit is set iff its state is stateAllocated
// or stateRetired -- i.e. iff the pair can never satisfy a free-slot
// scan. This is the bit-trick form of spec §4.2's fast word-level skip:
// "treat a word as full when all 32 pairs are non-zero and none equal 01".
const highBitMask uint64 = 0xAAAAAAAAAAAAAAAA

// bitmap is an array of 64-bit words, each packing 32 chunk states (2
// bits each). Grounded on other_examples/fc5dcc64
// SnellerInc-sneller/vm/malloc.go ([]uint64 page bitmap scanned with
// math/bits) and other_examples/6981199b cloudwego-gopkg/unsafex/malloc
// /bitmap.go (byte/word bitmap allocator shape).
type bitmap struct {
	words []uint64
}

func bitmapWordCount(chunkCount int) int {
	return (chunkCount + 31) / 32
}

// newBitmap allocates a plain (non-mmap'd) bitmap, used directly by
// tests; zone.go instead overlays a bitmap on a guarded mmap'd region via
// bytesToUint64Slice.
func newBitmap(chunkCount int) bitmap {
	return bitmap{words: make([]uint64, bitmapWordCount(chunkCount))}
}

// bytesToUint64Slice reinterprets a page-aligned byte slice as a []uint64
// of the same backing array, so a zone's bitmap lives directly inside its
// guarded mmap'd region (corruption of the bitmap itself then also faults
// against the guard pages).
func bytesToUint64Slice(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

func (b bitmap) get(slot int) chunkState {
	word := b.words[slot/32]
	shift := uint((slot % 32) * 2)
	return chunkState((word >> shift) & 0b11)
}

func (b bitmap) set(slot int, s chunkState) {
	idx := slot / 32
	shift := uint((slot % 32) * 2)
	b.words[idx] = (b.words[idx] &^ (uint64(0b11) << shift)) | (uint64(s) << shift)
}

// freeSlotsInWord returns every chunk index in word wordIdx whose state is
// stateFreeNever or stateFreed, using bits.TrailingZeros64 to walk the set
// bits of the word's "free" mask rather than testing all 32 pairs --
// grounded on the same TrailingZeros64-driven bit-clearing loop used by
// sneller/vm/malloc.go's own bitmap scan.
func (b bitmap) freeSlotsInWord(wordIdx int, chunkCount int) []int {
	word := b.words[wordIdx]
	free := (^word) & highBitMask // one set bit (the pair's high bit) per free pair
	if free == 0 {
		return nil
	}
	base := wordIdx * 32
	var out []int
	for free != 0 {
		bitPos := bits.TrailingZeros64(free)
		pairIdx := (bitPos - 1) / 2
		slot := base + pairIdx
		if slot < chunkCount {
			out = append(out, slot)
		}
		free &^= uint64(1) << uint(bitPos)
	}
	return out
}

// scanFree returns the first free slot found scanning words starting at
// fromWord (wrapping around), or badBitSlot if the zone has none left.
func (b bitmap) scanFree(fromWord int, chunkCount int) int {
	n := len(b.words)
	if n == 0 {
		return badBitSlot
	}
	for i := 0; i < n; i++ {
		idx := (fromWord + i) % n
		if free := b.freeSlotsInWord(idx, chunkCount); len(free) > 0 {
			return free[0]
		}
	}
	return badBitSlot
}

// countState reports how many of the first chunkCount slots are in state
// s, used by leak detection and zone introspection.
func (b bitmap) countState(s chunkState, chunkCount int) int {
	n := 0
	for slot := 0; slot < chunkCount; slot++ {
		if b.get(slot) == s {
			n++
		}
	}
	return n
}
