//go:build aix || darwin || dragonfly || freebsd || netbsd || openbsd || solaris

package unsafewx

// probeStrategy selects hinted placement. These systems have no portable
// fixed mapping that refuses to replace existing mappings.
func probeStrategy() strategy {
	return placeHint
}

func mapFixed(addr, c uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}
