package unsafewx

import (
	"os"

	"golang.org/x/sys/windows"
)

// allocGranularity is the alignment Windows requires of reservation
// addresses.
const allocGranularity = 64 << 10

func pageSize() int {
	return windows.Getpagesize()
}

func granularity() int {
	return allocGranularity
}

// probeStrategy always selects fixed placement. VirtualAlloc at an explicit
// address fails rather than replacing an existing reservation.
func probeStrategy() strategy {
	return placeFixed
}

func valloc(addr, c uintptr) (uintptr, error) {
	p, err := windows.VirtualAlloc(addr, c, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READ)
	if err != nil {
		return 0, os.NewSyscallError("VirtualAlloc", err)
	}
	return p, nil
}

func mapFixed(addr, c uintptr) (uintptr, error) {
	return valloc(addr, c)
}

func mapHint(addr, c uintptr) (uintptr, error) {
	return valloc(addr, c)
}

func mapAny(c uintptr) (uintptr, error) {
	return valloc(0, c)
}

func protect(v, c uintptr, exec bool) error {
	prot := uint32(windows.PAGE_READWRITE)
	if exec {
		prot = windows.PAGE_EXECUTE_READ
	}
	var old uint32
	if err := windows.VirtualProtect(v, c, prot, &old); err != nil {
		return os.NewSyscallError("VirtualProtect", err)
	}
	// MSDN says we should call FlushInstructionCache to ensure that the CPU
	// sees the new executable memory, but sys/windows doesn't provide that
	// function, and I don't see other JIT examples using it.
	return nil
}

func unmap(v, c uintptr) error {
	if err := windows.VirtualFree(v, 0, windows.MEM_RELEASE); err != nil {
		return os.NewSyscallError("VirtualFree", err)
	}
	return nil
}
