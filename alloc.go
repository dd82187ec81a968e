package isoalloc

import "sync"

// ZoneHandle is an opaque, XOR-masked reference to a user-managed zone
// created with NewZone (spec §4.1's "user managed zones"). It is only
// ever compared for equality or passed back into AllocFromZone/FreeFromZone
// /DestroyZone/VerifyZone; callers must not attempt to derive a chunk
// size or address from it.
type ZoneHandle uint64

// Allocator is a self-contained instance of the allocator, wrapping one
// Root. Most programs never construct one directly: the package-level
// Alloc/Calloc/Realloc/Free functions lazily build and share a single
// default instance, mirroring the teacher package's own
// construct-once-use-everywhere Allocator. Tests and anything needing
// isolation (benchmarks, the leak detector) construct their own via New.
type Allocator struct {
	root *Root
}

// New builds an independent Allocator. Most callers want the package
// level functions instead, which share one lazily constructed instance.
func New(opts ...Option) (*Allocator, error) {
	r, err := NewRoot(opts...)
	if err != nil {
		return nil, err
	}
	return &Allocator{root: r}, nil
}

var (
	defaultOnce sync.Once
	defaultInst *Allocator
)

// instance returns the shared default Allocator, constructing it on
// first use (spec §5's "the façade must self-initialize before main()").
func instance() *Allocator {
	defaultOnce.Do(func() {
		a, err := New()
		if err != nil {
			abort("isoalloc: failed to initialize default allocator: %v", err)
		}
		defaultInst = a
	})
	return defaultInst
}

// zeroSizeSentinel is a dedicated, never-dereferenced one-byte region
// returned by Alloc(0) by default, distinguishing "zero bytes requested"
// from "allocation failed" without forcing every caller to special-case a
// nil result (spec §4.7). Config.ZeroSizeReturnsNil opts back into a
// plain nil.
var zeroSizeSentinel = make([]byte, 1)

func mulOverflows(a, b int) bool {
	if a == 0 || b == 0 {
		return false
	}
	return a > (1<<62)/b
}

// Alloc returns a size-byte region backed by a zone chunk (size <=
// smallSizeMax) or a dedicated big-zone mapping, per spec §4.1/§4.5. A
// request of zero bytes returns the shared zero-size sentinel, or nil if
// the Allocator was built with WithZeroSizeReturnsNil.
func (a *Allocator) Alloc(size int) ([]byte, error) {
	if size == 0 {
		if a.root.cfg.ZeroSizeReturnsNil {
			return nil, nil
		}
		return zeroSizeSentinel, nil
	}
	if size < 0 || size >= bigSizeMax {
		abort("isoalloc: requested size %d out of range", size)
	}

	if size <= smallSizeMax {
		return a.allocSmall(size)
	}
	b, _, err := a.root.bigAlloc(size)
	return b, err
}

func (a *Allocator) allocSmall(size int) ([]byte, error) {
	chunkSize := roundUpPow2(size)
	if chunkSize < defaultZoneSizes[0] {
		chunkSize = defaultZoneSizes[0]
	}

	if idx, ok := a.root.cache.lookup(chunkSize); ok {
		if z := a.root.zoneByIndex(idx); z != nil && z.chunkSize == chunkSize && !z.isFull {
			if chunk, slot := z.alloc(); slot != badBitSlot {
				return chunk[:size], nil
			}
		}
	}

	z, err := a.root.findZoneFit(size)
	if err != nil {
		return nil, err
	}
	chunk, slot := z.alloc()
	if slot == badBitSlot {
		// the fit we were handed filled concurrently; ask for another.
		z, err = a.root.createZone(z.chunkSize)
		if err != nil {
			return nil, err
		}
		chunk, slot = z.alloc()
	}
	a.root.cache.record(z.chunkSize, z.index)
	return chunk[:size], nil
}

// Calloc behaves like Alloc(count*size) but zeroes the returned region
// and aborts on multiplication overflow, matching the teacher package's
// own Calloc contract.
func (a *Allocator) Calloc(count, size int) ([]byte, error) {
	if mulOverflows(count, size) {
		abort("isoalloc: calloc(%d, %d) overflows", count, size)
	}
	b, err := a.Alloc(count * size)
	if err != nil {
		return nil, err
	}
	for i := range b {
		b[i] = 0
	}
	return b, nil
}

// Free releases a region previously returned by Alloc, Calloc, or
// Realloc. Freeing the zero-size sentinel or an empty slice is a no-op.
// Any other address that resolves to a tracked chunk or big-zone node
// goes through the full canary/double-free/poison machinery in zone.free
// or bigFree; an address the Allocator doesn't recognize aborts.
func (a *Allocator) Free(b []byte) {
	if len(b) == 0 || &b[0] == &zeroSizeSentinel[0] {
		return
	}
	addr := sliceAddr(b)

	if z, slot, ok := a.root.zoneForAddr(addr); ok {
		z.free(slot, false)
		return
	}
	if a.root.bigFree(addr, false) {
		return
	}
	abort("isoalloc: free of unrecognized address %#x", addr)
}

// FreePermanently retires the chunk or big-zone region owning b so it can
// never be reallocated (spec §4.4's permanent-canary behavior, used for
// secrets that must never be handed back out). It shares zone.free's and
// bigFree's validated state-transition logic with Free, so a double free
// or a free of an already-retired chunk is fatal exactly as it is through
// Free, rather than silently succeeding.
func (a *Allocator) FreePermanently(b []byte) {
	if len(b) == 0 || &b[0] == &zeroSizeSentinel[0] {
		return
	}
	addr := sliceAddr(b)
	if z, slot, ok := a.root.zoneForAddr(addr); ok {
		z.free(slot, true)
		return
	}
	if a.root.bigFree(addr, true) {
		return
	}
	abort("isoalloc: free of unrecognized address %#x", addr)
}

// Realloc grows or shrinks a region in place if it still fits the
// chunk's size class or big-zone mapping, otherwise allocates fresh and
// copies, mirroring the teacher package's Realloc contract. A nil b
// behaves like Alloc(size).
func (a *Allocator) Realloc(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return a.Alloc(size)
	}
	addr := sliceAddr(b)

	if z, slot, ok := a.root.zoneForAddr(addr); ok {
		if size <= z.chunkSize {
			return z.chunkBytesLocked(slot)[:size], nil
		}
	} else if node := a.root.findBigZone(addr); node != nil && size <= node.size {
		return node.region.payload[:size], nil
	}

	nb, err := a.Alloc(size)
	if err != nil {
		return nil, err
	}
	n := len(b)
	if len(nb) < n {
		n = len(nb)
	}
	copy(nb, b[:n])
	a.Free(b)
	return nb, nil
}

// ChunkSize returns the usable size of the chunk or big-zone region
// backing b.
func (a *Allocator) ChunkSize(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	addr := sliceAddr(b)
	if z, _, ok := a.root.zoneForAddr(addr); ok {
		return z.chunkSize, true
	}
	if node := a.root.findBigZone(addr); node != nil {
		return node.size, true
	}
	return 0, false
}

// MemUsage reports the total bytes currently mapped across every zone and
// big allocation, for diagnostics parity with the teacher package's own
// Allocator.UsableSize-style introspection.
func (a *Allocator) MemUsage() int {
	total := 0
	for _, z := range a.root.allZones() {
		total += zoneUserSize
		total += z.bitmapRegionLen()
	}
	a.root.bigMu.lock()
	for _, n := range a.root.bigZoneByAddr {
		total += n.region.len()
	}
	a.root.bigMu.unlock()
	return total
}

// LeakReport summarizes chunks still marked allocated across every zone,
// implementing original_source's iso_alloc_detect_leaks at process-exit
// or test-teardown granularity (spec's supplemented-features list).
type LeakReport struct {
	ZoneIndex  int
	ChunkSize  int
	LeakedSlots int
}

// DetectLeaks returns one LeakReport per zone that still has allocated
// chunks, plus the count of live big-zone allocations.
func (a *Allocator) DetectLeaks() (zones []LeakReport, bigZonesLive int) {
	for _, z := range a.root.allZones() {
		n := z.countState(stateAllocated)
		if n > 0 {
			zones = append(zones, LeakReport{ZoneIndex: z.index, ChunkSize: z.chunkSize, LeakedSlots: n})
		}
	}
	a.root.bigMu.lock()
	for _, n := range a.root.bigZoneByAddr {
		if !n.free {
			bigZonesLive++
		}
	}
	a.root.bigMu.unlock()
	return zones, bigZonesLive
}

// NewZone creates a user-managed zone dedicated to chunkSize, returning a
// handle callers use with AllocFromZone/FreeFromZone/VerifyZone/DestroyZone
// instead of the shared size-class zones the plain Alloc path uses (spec
// §4.1).
func (a *Allocator) NewZone(chunkSize int) (ZoneHandle, error) {
	z, err := a.root.createZone(roundUpPow2(chunkSize))
	if err != nil {
		return 0, err
	}
	z.internallyManaged = false
	return ZoneHandle(a.root.maskHandle(z.index)), nil
}

func (a *Allocator) resolveZone(h ZoneHandle) *zone {
	idx := a.root.unmaskHandle(uint64(h))
	return a.root.zoneByIndex(idx)
}

// AllocFromZone allocates exclusively from the zone named by h, bypassing
// the façade's usual size-class routing.
func (a *Allocator) AllocFromZone(h ZoneHandle, size int) ([]byte, error) {
	z := a.resolveZone(h)
	if z == nil || !z.fits(size) {
		abort("isoalloc: invalid zone handle or size for AllocFromZone")
	}
	chunk, slot := z.alloc()
	if slot == badBitSlot {
		return nil, errZoneFull
	}
	return chunk[:size], nil
}

// FreeFromZone frees b, which must have come from AllocFromZone(h, ...).
func (a *Allocator) FreeFromZone(h ZoneHandle, b []byte) {
	z := a.resolveZone(h)
	if z == nil {
		abort("isoalloc: invalid zone handle for FreeFromZone")
	}
	slot, ok := z.slotForAddr(sliceAddr(b))
	if !ok {
		abort("isoalloc: address does not belong to zone handle")
	}
	z.free(slot, false)
}

// VerifyZone walks every allocated or freed chunk in h's zone and reports
// whether all their canaries are intact.
func (a *Allocator) VerifyZone(h ZoneHandle) bool {
	z := a.resolveZone(h)
	if z == nil {
		return false
	}
	return z.verifyAll()
}

// VerifyAllZones runs VerifyZone across every zone in the Allocator's
// root, including the internally managed size-class zones.
func (a *Allocator) VerifyAllZones() bool {
	for _, z := range a.root.allZones() {
		if !z.verifyAll() {
			return false
		}
	}
	return true
}

// DestroyZone releases a user-managed zone's mappings entirely. It must
// not be called on a zone still holding live allocations.
func (a *Allocator) DestroyZone(h ZoneHandle) {
	z := a.resolveZone(h)
	if z == nil {
		return
	}
	live := z.countState(stateAllocated)
	if live > 0 {
		abort("isoalloc: DestroyZone called with %d live chunks", live)
	}
	z.release()
	a.root.cache.flush()
}

var errZoneFull error = fatalError{msg: "isoalloc: zone exhausted"}

// Package-level convenience functions sharing the default instance.

func Alloc(size int) ([]byte, error)           { return instance().Alloc(size) }
func Calloc(count, size int) ([]byte, error)   { return instance().Calloc(count, size) }
func Realloc(b []byte, size int) ([]byte, error) { return instance().Realloc(b, size) }
func Free(b []byte)                            { instance().Free(b) }
func FreePermanently(b []byte)                 { instance().FreePermanently(b) }
func ChunkSize(b []byte) (int, bool)           { return instance().ChunkSize(b) }
func MemUsage() int                            { return instance().MemUsage() }
func DetectLeaks() ([]LeakReport, int)         { return instance().DetectLeaks() }
