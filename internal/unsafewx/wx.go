// Package unsafewx provides management routines for memory that is either
// writeable or executable.
//
// W^X memory as implemented in package unsafewx is at every moment exactly one
// of writeable (read+write) or executable (read+execute). A Block starts out
// executable; MarkWritable and MarkExecutable switch between the two states as
// many times as needed, which is the pattern a JIT follows when it patches
// code in place.
//
// Blocks are placed near existing code when the platform allows it, so that
// code written into a block can reach that code with 32-bit relative branches.
//
// The "unsafe" part of unsafewx is there because using this package is
// inherently unsafe: a failed protection change leaves memory in a state the
// caller cannot reason about. Every error from MarkWritable or MarkExecutable
// should be treated as fatal.
//
package unsafewx

import (
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Step is the distance between consecutive placement probes.
const Step = 4 << 20

// MaxDisplacement is the farthest a block may extend from its reference
// address during the constrained search, the reach of a signed 32-bit
// displacement.
const MaxDisplacement = math.MaxInt32

// A Block represents a block of writeable or executable memory, or W^X.
//
// A Block has a single owner. Goroutines sharing a Block must hold a lock
// across the whole MarkWritable, Write, MarkExecutable sequence.
type Block struct {
	v    uintptr // pointer to data
	n, c uintptr // len and cap
	x    bool    // executable flag
}

// Alloc allocates a block of at least n bytes near the text segment of the
// running binary. See AllocNear.
func Alloc(n int) (*Block, error) {
	return AllocNear(n, TextAddr())
}

// AllocNear allocates an executable block of at least n bytes, rounded up to
// a whole number of pages, preferring an address within MaxDisplacement of
// ref. If no such address is available, the block is placed wherever the
// system chooses. Panics if n < 0.
func AllocNear(n int, ref uintptr) (*Block, error) {
	if n < 0 {
		panic(fmt.Errorf("wx: cannot allocate %d bytes: negative values are illegal", n))
	}
	ps := uintptr(pageSize())
	c := AlignUp(uintptr(n), ps)
	if c == 0 {
		c = ps
	}
	logv(logrus.Fields{"size": n, "rounded": c, "ref": hex(ref)}, "allocating")
	var p uintptr
	switch placement() {
	case placeFixed:
		p = searchFixed(c, ref)
	case placeHint:
		p = searchHint(c, ref)
	}
	if p == 0 {
		var err error
		p, err = mapAny(c)
		if err != nil {
			logv(logrus.Fields{"size": c, "error": err}, "error during alloc")
			return nil, &AllocError{Size: int(c), Err: err}
		}
	}
	logv(logrus.Fields{"size": c, "addr": hex(p), "near": Reachable(ref, p)}, "obtained block")
	return &Block{v: p, c: c, x: true}, nil
}

// MustAlloc is like Alloc but panics if the block could not be allocated.
func MustAlloc(n int) *Block {
	b, err := Alloc(n)
	if err != nil {
		panic(err)
	}
	return b
}

// searchFixed probes fixed, non-replacing mappings upward from ref in Step
// increments, returning 0 if no probe inside the displacement range succeeds.
func searchFixed(c, ref uintptr) uintptr {
	start := AlignUp(ref, uintptr(granularity()))
	if start < ref {
		// Overflowed the address space.
		return 0
	}
	for addr := start; addr >= start && addr+c-ref <= MaxDisplacement; addr += Step {
		p, err := mapFixed(addr, c)
		if err == nil {
			return p
		}
		logv(logrus.Fields{"addr": hex(addr), "error": err}, "probe missed")
	}
	return 0
}

// searchHint makes a single mapping request with the page after ref as a
// hint. The system is free to ignore it.
func searchHint(c, ref uintptr) uintptr {
	addr := AlignUp(ref, uintptr(pageSize()))
	p, err := mapHint(addr, c)
	if err != nil {
		logv(logrus.Fields{"addr": hex(addr), "error": err}, "hinted mapping failed")
		return 0
	}
	return p
}

type strategy int

const (
	placeNone strategy = iota
	placeHint
	placeFixed
)

var (
	strategyOnce sync.Once
	strategyKind strategy
)

// placement probes the system once for the best placement strategy it
// supports.
func placement() strategy {
	strategyOnce.Do(func() {
		strategyKind = probeStrategy()
		logv(logrus.Fields{"strategy": strategyKind}, "selected placement strategy")
	})
	return strategyKind
}

func (s strategy) String() string {
	switch s {
	case placeHint:
		return "hint"
	case placeFixed:
		return "fixed"
	default:
		return "none"
	}
}

// AlignUp rounds p up to the next multiple of align, which must be a power of
// two.
func AlignUp(p, align uintptr) uintptr {
	return (p + align - 1) &^ (align - 1)
}

// Reachable reports whether a signed 32-bit displacement from one address
// reaches the other.
func Reachable(from, to uintptr) bool {
	d := int64(to) - int64(from)
	return d >= math.MinInt32 && d <= math.MaxInt32
}

// TextAddr returns an address in the text segment of the running binary,
// namely the entry of TextAddr itself. It is the default reference for Alloc.
func TextAddr() uintptr {
	return reflect.ValueOf(TextAddr).Pointer()
}

// IsValid returns true if the block refers to committed memory.
func (b *Block) IsValid() bool {
	return b != nil && b.v != 0
}

// Addr returns the base address of the block. Panics if the block is not
// valid.
func (b *Block) Addr() uintptr {
	if !b.IsValid() {
		panic("wx: use of invalid block")
	}
	return b.v
}

// Size returns the size of the block in bytes, always a whole number of
// pages. Panics if the block is not valid.
func (b *Block) Size() int {
	if !b.IsValid() {
		panic("wx: use of invalid block")
	}
	return int(b.c)
}

// Executable reports whether the block was last marked executable.
func (b *Block) Executable() bool {
	return b.x
}

// Available returns the number of unwritten bytes in the block. Panics if the
// block is not valid.
func (b *Block) Available() int {
	if !b.IsValid() {
		panic("wx: use of invalid block")
	}
	return int(b.c - b.n)
}

// Len returns the number of bytes written in the block. Panics if the block is
// not valid.
func (b *Block) Len() int {
	if !b.IsValid() {
		panic("wx: use of invalid block")
	}
	return int(b.n)
}

// MarkWritable changes the block's protection to read+write. The returned
// error, if any, is a *ProtectError.
func (b *Block) MarkWritable() error {
	if err := b.protect("mark writable", false); err != nil {
		return err
	}
	b.x = false
	return nil
}

// MarkExecutable changes the block's protection to read+execute. The returned
// error, if any, is a *ProtectError.
func (b *Block) MarkExecutable() error {
	if err := b.protect("mark executable", true); err != nil {
		return err
	}
	b.x = true
	return nil
}

func (b *Block) protect(op string, exec bool) error {
	if !b.IsValid() {
		return &ProtectError{Op: op, Err: ErrInvalidBlock}
	}
	logv(logrus.Fields{"addr": hex(b.v), "len": b.n, "cap": b.c}, op)
	if err := protect(b.v, b.c, exec); err != nil {
		logv(logrus.Fields{"addr": hex(b.v), "error": err}, "error during protect")
		return &ProtectError{Op: op, Addr: b.v, Err: err}
	}
	return nil
}

// Write writes bytes into the block. If the number of bytes to write exceeds
// the capacity of the block, Write ignores the excess and returns
// ErrCapacityExceeded. Panics if the block is not valid or is executable.
func (b *Block) Write(p []byte) (n int, err error) {
	if b.x {
		panic("wx: attempted to write to executable memory")
	}
	if len(p) == 0 {
		return 0, nil
	}
	n = len(p)
	if c := b.Available(); n > c {
		// Writing too much data.
		err = ErrCapacityExceeded
		n = c
	}
	copy(b.mem()[b.n:], p[:n])
	b.n += uintptr(n)
	return
}

// WriteTo copies out the written contents of the block. Panics if the block is
// not valid.
func (b *Block) WriteTo(w io.Writer) (n int64, err error) {
	bn := b.Len()
	if bn == 0 {
		return 0, nil
	}
	// Copy out first so that w never holds a reference into the block.
	p := make([]byte, bn)
	copy(p, b.mem())
	wn, err := w.Write(p)
	return int64(wn), err
}

// mem returns the block's memory as a byte slice.
func (b *Block) mem() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.v)), b.c)
}

// Close releases the block's memory. Following this, b.IsValid returns false.
func (b *Block) Close() error {
	if !b.IsValid() {
		return ErrInvalidClose
	}
	logv(logrus.Fields{"addr": hex(b.v), "len": b.n, "cap": b.c}, "freeing block")
	if err := unmap(b.v, b.c); err != nil {
		logv(logrus.Fields{"addr": hex(b.v), "error": err}, "error during free")
		return xerrors.Errorf("wx: free %#x: %w", b.v, err)
	}
	b.v = 0
	return nil
}

// AllocError is the error returned when no placement strategy could map a
// block, including the unconstrained fallback.
type AllocError struct {
	Size int
	Err  error
}

func (err *AllocError) Error() string {
	return fmt.Sprintf("wx: cannot map %d bytes: %v", err.Size, err.Err)
}

func (err *AllocError) Unwrap() error {
	return err.Err
}

// ProtectError is the error returned when the system refuses a protection
// change. The block's protection is unknown after a ProtectError.
type ProtectError struct {
	Op   string
	Addr uintptr
	Err  error
}

func (err *ProtectError) Error() string {
	return fmt.Sprintf("wx: couldn't %s block at %#x: %v", err.Op, err.Addr, err.Err)
}

func (err *ProtectError) Unwrap() error {
	return err.Err
}

// ErrCapacityExceeded is the error returned when attempting to write more data
// than a block can hold.
var ErrCapacityExceeded = errors.New("wx: write exceeded block availability")

// ErrInvalidClose is the error returned when attempting to close a block that
// is nil or already closed.
var ErrInvalidClose = errors.New("wx: close on invalid block")

// ErrInvalidBlock is the error wrapped by a ProtectError for a nil or closed
// block.
var ErrInvalidBlock = errors.New("wx: use of invalid block")

// ErrUnsupported is returned by platforms with no way to map executable
// memory.
var ErrUnsupported = errors.New("wx: executable memory is not supported on this platform")

// Verbose, if non-nil, is used to log every memory operation at debug level.
var Verbose logrus.FieldLogger

func logv(fields logrus.Fields, msg string) {
	if Verbose != nil {
		Verbose.WithFields(fields).Debug(msg)
	}
}

func hex(p uintptr) string {
	return fmt.Sprintf("%#x", p)
}
