package isoalloc

import (
	"sync/atomic"
)

// spinLock is a simple test-and-set busy-wait lock, used
// instead of sync.Mutex on the hot zone/root paths to match the
// original's iso_alloc_zone_lock, which is itself a spinlock rather than
// a blocking OS mutex. Grounded on other_examples/fc5dcc64
// SnellerInc-sneller/vm/malloc.go, which claims bitmap words with
// sync/atomic.CompareAndSwapUint64 in the same busy-wait style.
type spinLock struct {
	state uint32
}

func (s *spinLock) lock() {
	for !atomic.CompareAndSwapUint32(&s.state, 0, 1) {
		// busy-wait: zone/root critical sections are short (bitmap
		// scans and a handful of memory writes), so parking the
		// goroutine would cost more than spinning.
	}
}

func (s *spinLock) unlock() {
	atomic.StoreUint32(&s.state, 0)
}

// Root owns every zone and big allocation made through one Allocator
// instance. It corresponds to original_source's iso_alloc_root: a fixed
// zone table, the big-zone list head, and the secrets used to mask
// handles and big-zone pointers (spec §5). zoneMu and bigMu are both
// spinLocks rather than sync.Mutex/sync.RWMutex: spec §5 requires the
// root's critical sections never park a goroutine, since the allocator
// may be invoked from signal-restricted contexts where yielding is
// unsafe.
type Root struct {
	cfg Config
	rnd randomSource

	zoneMu spinLock
	zones  []*zone

	zoneHandleMask uint64

	bigMu               spinLock
	bigZoneHead         *bigZoneNode
	bigZoneByAddr       map[uintptr]*bigZoneNode
	bigZoneNextMask     uint64
	bigZoneCanarySecret uint64

	cache threadZoneCache
}

// NewRoot builds a Root with one zone eagerly created per entry in
// defaultZoneSizes, matching the original's non-SMALL_MEM_STARTUP
// startup path.
func NewRoot(opts ...Option) (*Root, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	rnd := newRandomSource()

	r := &Root{
		cfg:                 cfg,
		rnd:                 rnd,
		zoneHandleMask:      rnd.uint64(),
		bigZoneByAddr:       make(map[uintptr]*bigZoneNode),
		bigZoneNextMask:     rnd.uint64(),
		bigZoneCanarySecret: rnd.canarySecret(),
		cache:               newThreadZoneCache(),
	}

	for _, size := range defaultZoneSizes {
		if _, err := r.createZone(size); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// createZone allocates and registers a new zone for chunkSize. Exhausting
// maxZones is fatal, matching the original's fixed-capacity zone table
// (spec §7).
func (r *Root) createZone(chunkSize int) (*zone, error) {
	r.zoneMu.lock()
	defer r.zoneMu.unlock()

	if len(r.zones) >= maxZones {
		abort("isoalloc: zone table exhausted (max %d zones)", maxZones)
	}

	z, err := newZone(len(r.zones), chunkSize, r.cfg, r.rnd)
	if err != nil {
		return nil, err
	}
	r.zones = append(r.zones, z)
	return z, nil
}

// findZoneFit returns the first existing internally managed zone of
// size's power-of-two chunk class that is not already full, creating a
// new zone of that class on demand if there is none (spec §4.1, §4.2).
// User-managed zones made by NewZone are never returned.
func (r *Root) findZoneFit(size int) (*zone, error) {
	chunkSize := roundUpPow2(size)
	if chunkSize < defaultZoneSizes[0] {
		chunkSize = defaultZoneSizes[0]
	}

	r.zoneMu.lock()
	for _, z := range r.zones {
		if z.chunkSize == chunkSize && z.internallyManaged && !z.isFull {
			r.zoneMu.unlock()
			return z, nil
		}
	}
	r.zoneMu.unlock()

	return r.createZone(chunkSize)
}

// zoneByIndex returns the zone at idx, or nil if out of range.
func (r *Root) zoneByIndex(idx int) *zone {
	r.zoneMu.lock()
	defer r.zoneMu.unlock()
	if idx < 0 || idx >= len(r.zones) {
		return nil
	}
	return r.zones[idx]
}

// zoneForAddr scans the zone table for whichever zone's user region
// contains addr, used by Free/ChunkSize when the caller only has a raw
// pointer and not a remembered zone index.
func (r *Root) zoneForAddr(addr uintptr) (*zone, int, bool) {
	r.zoneMu.lock()
	defer r.zoneMu.unlock()
	for _, z := range r.zones {
		if slot, ok := z.slotForAddr(addr); ok {
			return z, slot, true
		}
	}
	return nil, 0, false
}

// maskHandle and unmaskHandle implement spec §6's "zone handles returned
// to callers are obfuscated by XOR with zone_handle_mask": the handle is
// a masked zone table index, never a masked raw pointer, since the zone
// table slice already holds the strong references the Go GC needs.
func (r *Root) maskHandle(zoneIndex int) uint64 {
	return r.zoneHandleMask ^ uint64(zoneIndex)
}

func (r *Root) unmaskHandle(h uint64) int {
	return int(h ^ r.zoneHandleMask)
}

// allZones returns a snapshot of the current zone table, used by leak
// detection and the sanity sampler.
func (r *Root) allZones() []*zone {
	r.zoneMu.lock()
	defer r.zoneMu.unlock()
	out := make([]*zone, len(r.zones))
	copy(out, r.zones)
	return out
}
