package isoalloc

import (
	"errors"
	"os"
	"reflect"
	"sync"
	"syscall"
	"unsafe"
)

// handleMap recovers the CreateFileMapping handle for a mapping's base
// address so it can be closed on unmap, the same bookkeeping problem the
// teacher's mmap_windows.go solves; a mutex is added here because, unlike
// the teacher's single-threaded-by-convention Allocator, this package's
// Root may call mapRWPages/unmapPages concurrently from multiple
// goroutines.
var (
	handleMapMu sync.Mutex
	handleMap   = map[uintptr]syscall.Handle{}
)

func mapRWPages(n int) ([]byte, error) {
	size := roundUpPage(n)
	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		syscall.CloseHandle(h)
		return nil, os.NewSyscallError("MapViewOfFile", errno)
	}

	handleMapMu.Lock()
	handleMap[addr] = h
	handleMapMu.Unlock()

	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b, nil
}

func unmapPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	addr := sliceAddr(b)
	if err := syscall.UnmapViewOfFile(addr); err != nil {
		return err
	}

	handleMapMu.Lock()
	handle, ok := handleMap[addr]
	if ok {
		delete(handleMap, addr)
	}
	handleMapMu.Unlock()
	if !ok {
		return errors.New("isoalloc: unknown mapping base address")
	}
	return os.NewSyscallError("CloseHandle", syscall.CloseHandle(handle))
}

// protectPages and adviseDontneed are documented no-ops on this platform:
// MapViewOfFile-backed mappings do not expose a VirtualProtect-free
// equivalent to PROT_NONE guard pages through the FileMapping path the
// teacher's mmap_windows.go uses, and wiring VirtualProtect in is out of
// scope (see SPEC_FULL.md Non-goals). The security properties that depend
// on them (guard-page faulting, MADV_DONTNEED reclamation) are
// unavailable on this platform; canary and bitmap-state checks remain
// fully active.
func protectPages(b []byte, prot int) error { return nil }

func adviseDontneed(b []byte) error { return nil }

// newFramedRegion still maps one contiguous base region and slices the
// guard/payload ranges out of it, matching the unix layout byte for byte,
// even though protectPages is a no-op here -- so ChunkSize/address-range
// math (which assumes payload sits mid-base) behaves identically across
// platforms; only the PROT_NONE enforcement itself is unavailable.
func newFramedRegion(payloadLen int) (*framedRegion, error) {
	payloadSize := roundUpPage(payloadLen)
	base, err := mapRWPages(systemPageSize + payloadSize + systemPageSize)
	if err != nil {
		return nil, err
	}
	guardBelow := base[:systemPageSize]
	payload := base[systemPageSize : systemPageSize+payloadSize]
	guardAbove := base[systemPageSize+payloadSize:]
	return &framedRegion{base: base, payload: payload, guardBelow: guardBelow, guardAbove: guardAbove}, nil
}

func (f *framedRegion) release() error {
	return unmapPages(f.base)
}
