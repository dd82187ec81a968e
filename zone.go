package isoalloc

// zone is a small-slab allocator serving one fixed chunk size out of a
// single zoneUserSize mmap'd region, tracked chunk-by-chunk by a 2-bit
// bitmap (spec §3, §4.2). Grounded on the teacher's page/node split in
// memory.go (newPage carves a class-sized region into fixed chunks, a
// node free-list tracks which are available) generalized to a bitmap so
// chunk state, not just free/used, survives reuse (spec §4.3's canary
// and poison verification needs the extra states).
//
// user_pages_start/bitmap_start are never held as live pointers between
// calls: userRegionM/bitmapRegionM store each region's base address
// XOR-masked with pointerMask, and are only unmasked (via userRegion/
// bitmapView below) while z.mu is held, matching original_source's
// iso_alloc_zone masked-pointer fields (spec §9).
type zone struct {
	index     int
	chunkSize int
	chunkCnt  int

	userRegionM   maskedFramedRegion
	bitmapRegionM maskedFramedRegion
	pointerMask   uint64

	canarySecret uint64

	// freeBitSlotCache is the zone's quarantine: a randomized-order batch
	// of free slots, refilled from a random starting word in the bitmap
	// whenever it runs dry, and drained oldest-first (spec §4.2, §4.4).
	freeBitSlotCache []int

	internallyManaged bool
	isFull            bool

	rnd randomSource
	cfg Config

	mu spinLock
}

// newZone maps a zone's bitmap and user regions and retires roughly
// 1/canaryCountDiv of its chunks, chosen at random, as permanently
// unusable canary slots, matching the original's iso_alloc_create_zone
// behavior (spec §3's "canary chunks ... randomly selected at zone
// creation").
func newZone(index, chunkSize int, cfg Config, rnd randomSource) (*zone, error) {
	chunkCnt := zoneUserSize / chunkSize

	userRegion, err := newFramedRegion(zoneUserSize)
	if err != nil {
		return nil, err
	}
	bitmapBytes := roundUpPage(bitmapWordCount(chunkCnt) * 8)
	bitmapRegion, err := newFramedRegion(bitmapBytes)
	if err != nil {
		userRegion.release()
		return nil, err
	}

	mask := rnd.uint64()
	z := &zone{
		index:             index,
		chunkSize:         chunkSize,
		chunkCnt:          chunkCnt,
		userRegionM:       maskFramedRegion(mask, userRegion),
		bitmapRegionM:     maskFramedRegion(mask, bitmapRegion),
		pointerMask:       mask,
		canarySecret:      rnd.canarySecret(),
		internallyManaged: true,
		rnd:               rnd,
		cfg:               cfg,
	}

	bm := z.bitmapView()
	canaryCount := chunkCnt / canaryCountDiv
	if canaryCount > 0 {
		retired := make(map[int]bool, canaryCount)
		for len(retired) < canaryCount {
			retired[int(rnd.uint64()%uint64(chunkCnt))] = true
		}
		for slot := range retired {
			bm.set(slot, stateRetired)
		}
	}
	return z, nil
}

// userRegion unmasks and reconstructs the zone's user-pages mapping.
// Callers must hold z.mu.
func (z *zone) userRegion() *framedRegion {
	return z.userRegionM.unmask(z.pointerMask)
}

// bitmapView unmasks the zone's bitmap mapping and wraps it as a bitmap.
// Callers must hold z.mu.
func (z *zone) bitmapView() bitmap {
	return bitmap{words: bytesToUint64Slice(z.bitmapRegionM.unmask(z.pointerMask).payload)}
}

func (z *zone) chunkOffset(slot int) int { return slot * z.chunkSize }

// chunkBytes returns the byte range backing slot. Callers must hold z.mu.
func (z *zone) chunkBytes(slot int) []byte {
	off := z.chunkOffset(slot)
	return z.userRegion().payload[off : off+z.chunkSize]
}

// canaryPattern derives the 8-byte pattern written at both ends of a
// chunk from the zone's secret and the chunk's own slot, so that copying
// a canary from one chunk to another does not pass verification (spec
// §9). canaryValidateMask forces the low byte to zero, matching the
// original's definition so a single stray overflow byte is guaranteed to
// corrupt the comparison.
func (z *zone) canaryPattern(slot int) uint64 {
	return (z.canarySecret ^ uint64(slot)) & canaryValidateMask
}

func putCanary(dst []byte, v uint64) {
	for i := 0; i < canarySize && i < len(dst); i++ {
		dst[i] = byte(v >> uint(8*i))
	}
}

func getCanary(src []byte) uint64 {
	var v uint64
	for i := 0; i < canarySize && i < len(src); i++ {
		v |= uint64(src[i]) << uint(8*i)
	}
	return v
}

func (z *zone) writeCanaries(slot int) {
	chunk := z.chunkBytes(slot)
	pattern := z.canaryPattern(slot)
	if len(chunk) < 2*canarySize {
		return
	}
	putCanary(chunk[:canarySize], pattern)
	putCanary(chunk[len(chunk)-canarySize:], pattern)
}

func (z *zone) verifyCanaries(slot int) bool {
	chunk := z.chunkBytes(slot)
	if len(chunk) < 2*canarySize {
		return true
	}
	pattern := z.canaryPattern(slot)
	return getCanary(chunk[:canarySize]) == pattern && getCanary(chunk[len(chunk)-canarySize:]) == pattern
}

func (z *zone) poisonMiddle(slot int) {
	chunk := z.chunkBytes(slot)
	if len(chunk) <= 2*canarySize {
		return
	}
	mid := chunk[canarySize : len(chunk)-canarySize]
	for i := range mid {
		mid[i] = poisonByte
	}
}

// verifyPoisonIntact checks that a chunk's middle bytes still hold the
// poison pattern written at free time, catching a write-after-free (spec
// §4.3). It is skipped when ClearChunkOnFree is set, since that mode
// zeroes rather than poisons on free.
func (z *zone) verifyPoisonIntact(slot int) bool {
	chunk := z.chunkBytes(slot)
	if len(chunk) <= 2*canarySize {
		return true
	}
	mid := chunk[canarySize : len(chunk)-canarySize]
	return allBytesEqual(mid, poisonByte)
}

func allBytesEqual(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

func (z *zone) clearChunk(slot int) {
	chunk := z.chunkBytes(slot)
	for i := range chunk {
		chunk[i] = 0
	}
}

// fits reports whether this zone is an appropriate fit for a request of
// the given size: exactly its chunk size, or up to its chunk size if the
// caller allows over-allocation within the same class (spec §4.1's
// size-class rounding).
func (z *zone) fits(size int) bool {
	return size > 0 && size <= z.chunkSize
}

// refillFreeBitSlotCache repopulates the quarantine cache by scanning the
// bitmap starting at a random word (spec §4.2: "scan from a random
// starting word; populate up to bitSlotCacheSize free slots ... shuffle
// ... push onto the cache"), collecting every free slot each word yields
// via bm.freeSlotsInWord rather than only the first. Callers must hold
// z.mu and only call this once the cache is empty.
func (z *zone) refillFreeBitSlotCache(bm bitmap) {
	wordCount := len(bm.words)
	if wordCount == 0 {
		return
	}
	start := 0
	if z.cfg.RandomAllocationPattern {
		start = int(z.rnd.uint64() % uint64(wordCount))
	}

	var collected []int
	for i := 0; i < wordCount && len(collected) < bitSlotCacheSize; i++ {
		idx := (start + i) % wordCount
		for _, slot := range bm.freeSlotsInWord(idx, z.chunkCnt) {
			collected = append(collected, slot)
			if len(collected) >= bitSlotCacheSize {
				break
			}
		}
	}
	if z.cfg.RandomAllocationPattern {
		z.rnd.shuffle(collected)
	}
	z.freeBitSlotCache = collected
}

// alloc reserves a free slot, applies configured canary/poison
// verification, and returns the chunk's byte slice and slot index.
func (z *zone) alloc() ([]byte, int) {
	z.mu.lock()
	defer z.mu.unlock()

	bm := z.bitmapView()

	if len(z.freeBitSlotCache) == 0 {
		z.refillFreeBitSlotCache(bm)
	}
	if len(z.freeBitSlotCache) == 0 {
		z.isFull = true
		return nil, badBitSlot
	}

	slot := z.freeBitSlotCache[0]
	z.freeBitSlotCache = z.freeBitSlotCache[1:]

	wasFreed := bm.get(slot) == stateFreed
	if wasFreed && !z.cfg.ClearChunkOnFree {
		if !z.verifyPoisonIntact(slot) {
			abort("isoalloc: use-after-free write detected in zone %d slot %d", z.index, slot)
		}
	}

	bm.set(slot, stateAllocated)
	if z.cfg.CanaryOnAlloc {
		z.writeCanaries(slot)
	}
	return z.chunkBytes(slot), slot
}

// free retires slot back to the free pool (or, if permanent, out of
// circulation entirely), optionally poisoning or clearing its contents,
// after verifying the canaries at both ends of slot itself when
// CanaryOnFree is set; the canaries of neighboring chunks are not
// checked (spec §4.3, §4.4, §7). It is the one
// path that transitions a chunk out of stateAllocated; FreePermanently in
// alloc.go calls this with permanent=true instead of reimplementing its
// own state checks.
func (z *zone) free(slot int, permanent bool) {
	z.mu.lock()
	defer z.mu.unlock()

	bm := z.bitmapView()
	state := bm.get(slot)
	if state == stateFreeNever {
		return
	}
	if state == stateRetired {
		abort("isoalloc: free of canary/retired chunk in zone %d slot %d", z.index, slot)
	}
	if state == stateFreed {
		if z.cfg.DoubleFreeDetection {
			abort("isoalloc: double free detected in zone %d slot %d", z.index, slot)
		}
		return
	}

	if z.cfg.CanaryOnFree && !z.verifyCanaries(slot) {
		abort("isoalloc: canary corruption detected in zone %d slot %d", z.index, slot)
	}

	if permanent {
		z.clearChunk(slot)
		bm.set(slot, stateRetired)
		return
	}

	if z.cfg.ClearChunkOnFree {
		z.clearChunk(slot)
	} else {
		z.poisonMiddle(slot)
	}
	bm.set(slot, stateFreed)
	z.isFull = false

	if len(z.freeBitSlotCache) >= bitSlotCacheSize {
		z.freeBitSlotCache = z.freeBitSlotCache[1:]
	}
	z.freeBitSlotCache = append(z.freeBitSlotCache, slot)
}

// verifyAll walks every allocated or freed chunk's canaries and returns
// false at the first mismatch; it does not abort. Used by Allocator.VerifyZone and the sanity
// sampler (spec §4.3's "verify" operation).
func (z *zone) verifyAll() bool {
	z.mu.lock()
	defer z.mu.unlock()
	bm := z.bitmapView()
	for slot := 0; slot < z.chunkCnt; slot++ {
		switch bm.get(slot) {
		case stateAllocated, stateFreed:
			if !z.verifyCanaries(slot) {
				return false
			}
		}
	}
	return true
}

// stateOf returns slot's current bitmap state, for introspection and
// tests.
func (z *zone) stateOf(slot int) chunkState {
	z.mu.lock()
	defer z.mu.unlock()
	return z.bitmapView().get(slot)
}

// countState reports how many of the zone's chunks are in state s.
func (z *zone) countState(s chunkState) int {
	z.mu.lock()
	defer z.mu.unlock()
	return z.bitmapView().countState(s, z.chunkCnt)
}

func (z *zone) slotForAddr(addr uintptr) (int, bool) {
	z.mu.lock()
	defer z.mu.unlock()
	base := z.userRegion().addr()
	if addr < base {
		return 0, false
	}
	off := int(addr - base)
	if off >= zoneUserSize {
		return 0, false
	}
	if off%z.chunkSize != 0 {
		return 0, false
	}
	slot := off / z.chunkSize
	if slot >= z.chunkCnt {
		return 0, false
	}
	return slot, true
}

// chunkBytesLocked returns the byte range backing slot, acquiring z.mu
// itself. Used by callers outside the zone package that already know
// slot is live (e.g. Realloc growing in place) but don't hold the lock.
func (z *zone) chunkBytesLocked(slot int) []byte {
	z.mu.lock()
	defer z.mu.unlock()
	return z.chunkBytes(slot)
}

func (z *zone) bitmapRegionLen() int {
	z.mu.lock()
	defer z.mu.unlock()
	return z.bitmapRegionM.payloadLen
}

func (z *zone) release() {
	z.mu.lock()
	defer z.mu.unlock()
	z.userRegion().release()
	z.bitmapRegionM.unmask(z.pointerMask).release()
}
