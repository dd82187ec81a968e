package isoalloc

// bigZoneNode describes one individually mmap'd big allocation (spec
// §4.5). It is linked into Root.bigZoneHead as a singly-linked list with
// an XOR-masked next pointer, mirroring original_source's
// iso_alloc_big_zone (canary_a, free, size, user_pages_start, next,
// canary_b). Because this struct lives on the Go heap rather than inside
// the mmap'd region it describes, the list's real traversal uses
// Root.bigZoneByAddr (a map holding the strong references the GC needs);
// maskedNext exists purely so the "stored pointer is masked" property the
// spec calls for is still observable by anyone inspecting the field
// directly, as it would be in the C struct.
type bigZoneNode struct {
	canaryA     uint64
	free        bool
	size        int
	region      *framedRegion
	maskedNext  uint64 // bigZoneNextMask ^ addr-of-next-node's region, or bigZoneNextMask if tail
	canaryB     uint64
}

func (n *bigZoneNode) addr() uintptr { return n.region.addr() }

// deriveBigCanaryA and deriveBigCanaryB give each big-zone node a pair of
// independent 64-bit canaries seeded from the root's secret and the
// node's own address, so neighboring big zones can't donate a matching
// canary to one another.
func deriveBigCanaryA(secret uint64, addr uintptr) uint64 {
	return (secret ^ uint64(addr)) & canaryValidateMask
}

func deriveBigCanaryB(secret uint64, addr uintptr) uint64 {
	return (secret ^ uint64(addr) ^ 0x5a5a5a5a5a5a5a5a) & canaryValidateMask
}

// bigAlloc services a request larger than smallSizeMax by mapping a
// dedicated guarded region, recording canaries derived from the root
// secret, and linking the node at the head of the big-zone list.
func (r *Root) bigAlloc(size int) ([]byte, uintptr, error) {
	payloadLen := roundUpPage(size)
	if rem := payloadLen % (bigZoneUserPageMultiple * systemPageSize); rem != 0 {
		payloadLen += bigZoneUserPageMultiple*systemPageSize - rem
	}

	r.bigMu.lock()
	defer r.bigMu.unlock()

	if node := r.reuseBigZoneLocked(payloadLen); node != nil {
		node.size = size
		node.free = false
		return node.region.payload[:size], node.addr(), nil
	}

	region, err := newFramedRegion(payloadLen)
	if err != nil {
		return nil, 0, err
	}
	addr := region.addr()

	node := &bigZoneNode{
		size:    size,
		region:  region,
		canaryA: deriveBigCanaryA(r.bigZoneCanarySecret, addr),
		canaryB: deriveBigCanaryB(r.bigZoneCanarySecret, addr),
	}
	if r.bigZoneHead != nil {
		node.maskedNext = r.bigZoneNextMask ^ uint64(r.bigZoneHead.addr())
	} else {
		node.maskedNext = r.bigZoneNextMask
	}
	r.bigZoneHead = node
	r.bigZoneByAddr[addr] = node

	return region.payload[:size], addr, nil
}

// findBigZone looks up the node owning addr, or nil if addr is not a
// live big-zone allocation. A node with free set is still considered
// owned by addr (it is held for possible size-class reuse), so callers
// that need to distinguish a live allocation from a quarantined one must
// check node.free themselves.
func (r *Root) findBigZone(addr uintptr) *bigZoneNode {
	r.bigMu.lock()
	defer r.bigMu.unlock()
	return r.bigZoneByAddr[addr]
}

// reuseBigZoneLocked returns a previously freed node whose mapped payload
// can satisfy a request of payloadLen bytes, verifying its canaries
// survived the quarantine before handing it back out (spec §4.4's
// big-zone size-class reuse). Callers must hold r.bigMu.
func (r *Root) reuseBigZoneLocked(payloadLen int) *bigZoneNode {
	for node := r.bigZoneHead; node != nil; node = r.nextBigZoneLocked(node) {
		if !node.free || len(node.region.payload) < payloadLen {
			continue
		}
		addr := node.addr()
		if node.canaryA != deriveBigCanaryA(r.bigZoneCanarySecret, addr) ||
			node.canaryB != deriveBigCanaryB(r.bigZoneCanarySecret, addr) {
			abort("isoalloc: big zone canary corruption detected at %#x", addr)
		}
		return node
	}
	return nil
}

// bigFree frees the big-zone node owning addr. A non-permanent free
// madvises the payload DONTNEED but keeps the node linked and marked
// free for bigAlloc to reuse (spec §4.4); a permanent free unlinks,
// drops it from bigZoneByAddr, and unmaps it entirely, mirroring the
// distinction zone.free makes with its permanent parameter. Returns
// false if addr is not tracked in bigZoneByAddr. A repeated free of a
// node already marked free aborts when DoubleFreeDetection is set and
// otherwise returns true without doing anything.
func (r *Root) bigFree(addr uintptr, permanent bool) bool {
	r.bigMu.lock()
	defer r.bigMu.unlock()

	node, ok := r.bigZoneByAddr[addr]
	if !ok {
		return false
	}
	if node.canaryA != deriveBigCanaryA(r.bigZoneCanarySecret, addr) ||
		node.canaryB != deriveBigCanaryB(r.bigZoneCanarySecret, addr) {
		abort("isoalloc: big zone canary corruption detected at %#x", addr)
	}
	if node.free {
		if r.cfg.DoubleFreeDetection {
			abort("isoalloc: double free detected at %#x", addr)
		}
		return true
	}

	if permanent {
		r.unlinkBigZoneLocked(node)
		delete(r.bigZoneByAddr, addr)
		node.free = true
		adviseDontneed(node.region.payload)
		node.region.release()
		return true
	}

	node.free = true
	adviseDontneed(node.region.payload)
	return true
}

// unlinkBigZoneLocked splices node out of the singly-linked list. Callers
// must hold r.bigMu.
func (r *Root) unlinkBigZoneLocked(node *bigZoneNode) {
	if r.bigZoneHead == node {
		next := r.nextBigZoneLocked(node)
		r.bigZoneHead = next
		return
	}
	prev := r.bigZoneHead
	for prev != nil {
		next := r.nextBigZoneLocked(prev)
		if next == node {
			if nn := r.nextBigZoneLocked(node); nn != nil {
				prev.maskedNext = r.bigZoneNextMask ^ uint64(nn.addr())
			} else {
				prev.maskedNext = r.bigZoneNextMask
			}
			return
		}
		prev = next
	}
}

// nextBigZoneLocked unmasks node's next pointer and resolves it through
// bigZoneByAddr, giving the Go GC a real reference instead of a raw
// uintptr. Callers must hold r.bigMu.
func (r *Root) nextBigZoneLocked(node *bigZoneNode) *bigZoneNode {
	nextAddr := uintptr(node.maskedNext ^ r.bigZoneNextMask)
	if nextAddr == 0 {
		return nil
	}
	return r.bigZoneByAddr[nextAddr]
}
