package chx

import (
	"bytes"
	"reflect"
	"runtime"
	"strconv"
	"sync/atomic"
	"unsafe"
)

// noCopy embeds into a struct to make `go vet -copylocks` flag accidental
// copies of synchronization primitives. Lock/Unlock are no-ops.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// delay implements a bounded spin-then-yield backoff: it spins on the CPU
// while the runtime believes spinning is profitable (multiple idle Ps),
// then falls back to an OS thread yield (osYield) so a contended goroutine on a single-CPU
// machine, or one that has spun past its budget, actually yields.
func delay(spins *int) {
	if trySpin(*spins) {
		*spins++
		return
	}
	*spins = 0
	osYield()
}

// trySpin reports whether spin iteration n should still busy-spin rather
// than yield, mirroring the runtime's own semaphore/mutex backoff policy.
func trySpin(n int) bool {
	if !runtime_canSpin(n) {
		return false
	}
	runtime_doSpin()
	return true
}

//go:linkname runtime_canSpin sync.runtime_canSpin
func runtime_canSpin(i int) bool

//go:linkname runtime_doSpin sync.runtime_doSpin
func runtime_doSpin()

//go:linkname osYield runtime.osyield
func osYield()

// loadUint32Fast/loadUint64Fast/loadUintptrFast load the full word (to
// preserve sibling bits) with an atomic load in every build, so they are
// race-detector clean; they are called from unlock paths already holding
// exclusive ownership of the bits being cleared.
func loadUint32Fast(addr *uint32) uint32     { return atomic.LoadUint32(addr) }
func loadUint64Fast(addr *uint64) uint64     { return atomic.LoadUint64(addr) }
func loadUintptrFast(addr *uintptr) uintptr  { return atomic.LoadUintptr(addr) }

// calcParallelism picks a worker count for a fan-out of `items` units of
// work of the given per-item cost `threshold`, bounded by the number of
// usable CPUs. A too-small item count never justifies spinning up more
// goroutines than there is independent work.
func calcParallelism(items, threshold, cpus int) int {
	if items <= 0 || cpus <= 1 {
		return 1
	}
	p := items / threshold
	if p < 1 {
		p = 1
	}
	if p > cpus {
		p = cpus
	}
	return p
}

// calcTableLen rounds a requested capacity up to the next power of two,
// sized so that capacity entries fit below loadFactor density (spec:
// initialCapacity sizing hint), mirroring the Java original's
// tableSizeFor(1.0 + initialCapacity/loadFactor).
func calcTableLen(capacity int, loadFactor float64) int {
	if capacity < 1 {
		return 1
	}
	if loadFactor <= 0 {
		loadFactor = 0.75
	}
	n := int(float64(capacity)/loadFactor) + 1
	return nextPowOf2(n)
}

// nextPowOf2 returns the smallest power of two >= n (minimum 1).
func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// noEscape hides a pointer's identity from escape analysis, matching the
// trick runtime and sync packages use to keep hot-path values stack
// allocated when the compiler otherwise over-conservatively flags a value
// as escaping through unsafe.Pointer arithmetic.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	//nolint:staticcheck
	return unsafe.Pointer(x ^ 0)
}

func noEscapeT[T any](p *T) *T {
	return (*T)(noEscape(unsafe.Pointer(p)))
}

var goroutineHeader = []byte("goroutine ")

// currentGoroutineID parses the calling goroutine's ID out of its own stack
// trace. Used only by Compute's reentrancy check (map.go): the bin lock
// already guarantees no two goroutines can be executing a callback against
// the same bin at once, so if a bin's recorded callback owner matches this
// goroutine's ID, the only way to reach that code is a callback calling
// back into the map for the key it is already computing.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutineHeader)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// isNilArg reports whether x holds a nil value of a kind capable of being
// nil (pointer, interface, map, slice, chan, func). For a non-nilable
// instantiation (int, string, a plain struct) it always reports false,
// since those types have no null policy invariant to enforce.
func isNilArg(x any) bool {
	if x == nil {
		return true
	}
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice, reflect.UnsafePointer:
		return v.IsNil()
	default:
		return false
	}
}
