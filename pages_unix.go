// +build darwin dragonfly freebsd linux openbsd solaris netbsd

package isoalloc

import (
	"golang.org/x/sys/unix"
)

// mapRWPages maps n bytes, rounded up to whole pages, of anonymous,
// read-write memory and returns the mapping. Adapted from the teacher's mmap_unix.go, which
// calls syscall.Mmap directly; this package instead calls through
// golang.org/x/sys/unix so the guard/protect/advise calls added below
// share one consistent syscall surface (grounded on
// other_examples/fc5dcc64 SnellerInc-sneller/vm/malloc.go and
// other_examples/cdd65e7a tomponline-lxd/lxd/idmap/shift_linux.go, both
// of which use golang.org/x/sys/unix exclusively rather than the
// standard syscall package).
func mapRWPages(n int) ([]byte, error) {
	size := roundUpPage(n)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// unmapPages releases a mapping previously returned by mapRWPages or
// newFramedRegion's base slice.
func unmapPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// protectPages changes the protection of an existing mapping in place.
func protectPages(b []byte, prot int) error {
	if len(b) == 0 {
		return nil
	}
	var p int
	if prot&protRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&protWrite != 0 {
		p |= unix.PROT_WRITE
	}
	return unix.Mprotect(b, p)
}

// adviseDontneed tells the kernel the pages are no longer needed,
// allowing it to reclaim their physical backing without unmapping the
// virtual address range; used by bigFree, which keeps a non-permanently
// freed big-zone mapping linked for reuse.
func adviseDontneed(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// newFramedRegion maps one contiguous region of
// systemPageSize+payloadLen(rounded)+systemPageSize bytes, then
// PROT_NONE's the leading and trailing page in place -- guaranteeing the
// guards are adjacent to the payload, not separately placed mappings the
// kernel is free to scatter (spec §3/§4.1: a linear over/underflow across
// the payload boundary must fault).
func newFramedRegion(payloadLen int) (*framedRegion, error) {
	payloadSize := roundUpPage(payloadLen)
	base, err := mapRWPages(systemPageSize + payloadSize + systemPageSize)
	if err != nil {
		return nil, err
	}

	guardBelow := base[:systemPageSize]
	payload := base[systemPageSize : systemPageSize+payloadSize]
	guardAbove := base[systemPageSize+payloadSize:]

	if err := protectPages(guardBelow, protNone); err != nil {
		unmapPages(base)
		return nil, err
	}
	if err := protectPages(guardAbove, protNone); err != nil {
		unmapPages(base)
		return nil, err
	}

	return &framedRegion{base: base, payload: payload, guardBelow: guardBelow, guardAbove: guardAbove}, nil
}

func (f *framedRegion) release() error {
	return unmapPages(f.base)
}
