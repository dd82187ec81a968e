package isoalloc

import (
	"unsafe"

	"github.com/cznic/mathutil"
)

// sliceAddr returns the address of a byte slice's first element, or 0 for
// an empty slice. Used wherever a masked/cached pointer needs a concrete
// uintptr to XOR against, the same pattern the teacher applies via
// reflect.SliceHeader in mmap_unix.go.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// prot flags for protectPages, mirroring the original's PROT_* usage
// around zone bitmaps and guard pages.
const (
	protNone  = 0
	protRead  = 1 << 0
	protWrite = 1 << 1
)

// systemPageSize is fixed rather than queried, matching the teacher's own
// assumption (cznic/memory.go hardcodes its page granularity per
// platform); 4096 covers every platform this package targets, and a
// guard region is always rounded up to a whole number of these.
const systemPageSize = 4096

// roundUpPage rounds n up to the next multiple of systemPageSize, used
// throughout the zone and big-zone paths to size mmap requests. Grounded
// on the teacher's own newPage, which rounds allocation size up using
// mathutil.BitLen before calling mmap.
func roundUpPage(n int) int {
	if n <= 0 {
		return systemPageSize
	}
	rem := n % systemPageSize
	if rem == 0 {
		return n
	}
	return n + (systemPageSize - rem)
}

// roundUpPow2 rounds n up to the next power of two using mathutil.BitLen,
// the same idiom the teacher's Allocator.Malloc uses to pick a free-list
// size class.
func roundUpPow2(n int) int {
	if n <= 1 {
		return 1
	}
	bl := mathutil.BitLen(n - 1)
	return 1 << uint(bl)
}

// framedRegion is a single mmap'd mapping laid out as
// [guardBelow][payload][guardAbove], each guard one system page and
// PROT_NONE. base is the whole mapping as one contiguous slice; payload
// and the two guards are sub-slices of base, so the guards are
// byte-for-byte adjacent to the payload rather than independently placed
// mappings the kernel is free to scatter. payload is the only part of the
// mapping a caller may touch; it retains a strong reference to base so
// the Go runtime never needs to know the memory exists.
//
// Grounded on other_examples/6a55c6ad mmussomele-mlock/mlock.go's Buffer
// (one syscall.Mmap of front+payload+rear, then syscall.Mprotect on
// sub-slices of that same buffer for frontGuard/rearGuard) and on
// original_source's iso_alloc_root's guard_below/guard_above fields.
type framedRegion struct {
	base       []byte // the entire mapping: guardBelow + payload + guardAbove
	payload    []byte // base's middle slice; the only part callers may dereference
	guardBelow []byte // base's leading page, sub-slice of base
	guardAbove []byte // base's trailing page, sub-slice of base
}

func (f *framedRegion) addr() uintptr {
	return sliceAddr(f.payload)
}

func (f *framedRegion) len() int {
	return len(f.payload)
}

// maskedFramedRegion is what a zone or big-zone actually stores at rest:
// a framedRegion's base address XOR-masked with the owner's pointerMask,
// plus the lengths needed to re-slice it (lengths aren't secrets, only
// the address is). Grounded on original_source's iso_alloc_zone, whose
// user_pages_start/bitmap_start fields are masked uintptr_t, unmasked
// only transiently by IS_USER_PTR_VALID-style macros under the zone lock
// (spec §9). The mapping itself is OS memory, not Go heap, so discarding
// the live []byte in favor of this masked form between accesses costs
// nothing: unmask reconstructs an identical slice over the same pages.
type maskedFramedRegion struct {
	maskedBase uint64
	baseLen    int
	payloadLen int
}

func maskFramedRegion(mask uint64, f *framedRegion) maskedFramedRegion {
	return maskedFramedRegion{
		maskedBase: mask ^ uint64(sliceAddr(f.base)),
		baseLen:    len(f.base),
		payloadLen: len(f.payload),
	}
}

// unmask reconstructs the framedRegion's slices from the masked address.
// Callers must hold whatever lock protects the owning zone/big-zone
// before calling this, per spec §9.
func (m maskedFramedRegion) unmask(mask uint64) *framedRegion {
	baseAddr := uintptr(m.maskedBase ^ mask)
	base := unsafe.Slice((*byte)(unsafe.Pointer(baseAddr)), m.baseLen)
	payload := base[systemPageSize : systemPageSize+m.payloadLen]
	return &framedRegion{
		base:       base,
		payload:    payload,
		guardBelow: base[:systemPageSize],
		guardAbove: base[systemPageSize+m.payloadLen:],
	}
}
