package isoalloc

import (
	"crypto/rand"
	"encoding/binary"
)

// randomSource yields uniform 64-bit values for masks, canaries, and
// slot-shuffle decisions, seeded from OS entropy so that masks/canaries
// are unpredictable across process instances (spec §9). Grounded on
// other_examples/6a55c6ad mmussomele-mlock/mlock.go, which seeds its
// guard-buffer canary from crypto/rand at package init for the identical
// reason; no corpus file reaches for a dedicated CSPRNG library.
type randomSource struct{}

func newRandomSource() randomSource { return randomSource{} }

// uint64 returns a uniformly random 64-bit value from the OS entropy
// source. Failure to read entropy is treated the same as any other
// unrecoverable allocator precondition: fatal.
func (randomSource) uint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		abort("isoalloc: failed to read entropy: %v", err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

// canarySecret returns a fresh per-zone canary secret with its low byte
// forced to zero, so a single-byte overflow corrupts the canary
// deterministically (spec §9).
func (r randomSource) canarySecret() uint64 {
	return r.uint64() &^ 0xff
}

// shuffle randomly permutes s in place using Fisher-Yates, driven by the
// same random source used for canaries and masks. Used by the zone's
// bitmap refill path (spec §4.2) to break spatial predictability of
// freshly issued chunks.
func (r randomSource) shuffle(s []int) {
	for i := len(s) - 1; i > 0; i-- {
		j := int(r.uint64() % uint64(i+1))
		s[i], s[j] = s[j], s[i]
	}
}
