package unsafewx

import (
	"errors"

	"golang.org/x/sys/unix"
)

// errMisplaced is the error for a fixed mapping that the kernel placed
// somewhere other than the requested address.
var errMisplaced = errors.New("wx: mapping placed away from requested address")

// probeStrategy checks whether the kernel honors MAP_FIXED_NOREPLACE.
// Kernels before 4.17 ignore the flag and treat the address as a hint, which
// would let the placement search silently wander anywhere.
func probeStrategy() strategy {
	ps := uintptr(pageSize())
	p, err := mmap(0, ps, unix.PROT_NONE, anon)
	if err != nil {
		return placeHint
	}
	defer unmap(p, ps)
	q, err := mmap(p, ps, unix.PROT_NONE, anon|unix.MAP_FIXED_NOREPLACE)
	if err == nil {
		// The occupied address was treated as a hint.
		unmap(q, ps)
		return placeHint
	}
	if errors.Is(err, unix.EEXIST) {
		return placeFixed
	}
	return placeHint
}

func mapFixed(addr, c uintptr) (uintptr, error) {
	p, err := mmap(addr, c, unix.PROT_READ|unix.PROT_EXEC, anon|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		return 0, err
	}
	if p != addr {
		unmap(p, c)
		return 0, errMisplaced
	}
	return p, nil
}
