//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package unsafewx

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const anon = unix.MAP_PRIVATE | unix.MAP_ANON

func pageSize() int {
	return unix.Getpagesize()
}

// granularity is the alignment of addresses passed to the placement search.
func granularity() int {
	return unix.Getpagesize()
}

// mmap maps c bytes of anonymous memory with the given address, protection,
// and flags, returning the address the system chose.
func mmap(addr, c uintptr, prot, flags int) (uintptr, error) {
	// It is crucial that we do not try to mmap zero bytes, because Mmap
	// uses a special region for zero-byte allocations, and we don't want
	// to change its protections. AllocNear never asks for zero.
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), c, prot, flags)
	if err != nil {
		return 0, os.NewSyscallError("mmap", err)
	}
	return uintptr(p), nil
}

func mapHint(addr, c uintptr) (uintptr, error) {
	return mmap(addr, c, unix.PROT_READ|unix.PROT_EXEC, anon)
}

func mapAny(c uintptr) (uintptr, error) {
	return mmap(0, c, unix.PROT_READ|unix.PROT_EXEC, anon)
}

func protect(v, c uintptr, exec bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if exec {
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	if err := unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(v)), c), prot); err != nil {
		return os.NewSyscallError("mprotect", err)
	}
	return nil
}

func unmap(v, c uintptr) error {
	if err := unix.MunmapPtr(unsafe.Pointer(v), c); err != nil {
		return os.NewSyscallError("munmap", err)
	}
	return nil
}
