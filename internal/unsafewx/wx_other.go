//go:build !aix && !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris && !windows

package unsafewx

import "os"

func pageSize() int    { return os.Getpagesize() }
func granularity() int { return os.Getpagesize() }

func probeStrategy() strategy { return placeNone }

func mapFixed(addr, c uintptr) (uintptr, error) { return 0, ErrUnsupported }
func mapHint(addr, c uintptr) (uintptr, error)  { return 0, ErrUnsupported }
func mapAny(c uintptr) (uintptr, error)         { return 0, ErrUnsupported }

func protect(v, c uintptr, exec bool) error { return ErrUnsupported }
func unmap(v, c uintptr) error              { return ErrUnsupported }
