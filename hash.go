package chx

import (
	"hash/maphash"
	"unsafe"
)

// HashFunc computes a 64-bit hash for a key.
type HashFunc[K comparable] func(key K) uint64

// CompareFunc reports the total order between two keys of the same type,
// negative if a < b, zero if equal, positive if a > b. Supplying one via
// WithCompare lets tree bins bound search at O(log n) instead of falling
// back to linear tie-break search on hash collisions (spec §4.5 point 3).
type CompareFunc[K any] func(a, b K) int

// spread folds the high bits of a 64-bit hash into the low 32 and clears
// the top two bits, so the result can never collide with the lock and
// forwarding state bits a node's hash word reserves for itself.
func spread(h uint64) uint32 {
	h ^= h >> 33
	x := uint32(h) ^ uint32(h>>32)
	return x & hashBits
}

// defaultHasher builds a HashFunc for K by reaching into the runtime's own
// built-in map hash function rather than hand-rolling one, the same trick
// the teacher pack's map implementations use to get a hasher for an
// arbitrary comparable type without requiring the caller to supply one.
// The hasher is per-process-seeded so hash values are not stable across
// runs (matching the runtime map's own guarantee).
func defaultHasher[K comparable]() HashFunc[K] {
	hasher := runtimeHasher[K]()
	seed := uintptr(processSeed.Sum64())
	return func(key K) uint64 {
		p := noEscape(unsafe.Pointer(&key))
		return uint64(hasher(p, seed))
	}
}

var processSeed = maphash.MakeSeed()

type mapHashFn func(unsafe.Pointer, uintptr) uintptr

// runtimeHasher extracts the hash function the runtime generated for
// map[K]struct{} by reinterpreting the map's own interface value as the
// runtime's internal maptype/hmap layout. This is the standard technique
// used by several third-party Go maps (e.g. dolthub/maphash,
// puzpuzpuz/xsync) to obtain a generic-type hasher without depending on
// K implementing any interface.
func runtimeHasher[K comparable]() mapHashFn {
	m := any(make(map[K]struct{}))
	i := (*mapIface)(unsafe.Pointer(&m))
	return i.typ.hasher
}

type mapIface struct {
	typ *mapType
	val unsafe.Pointer
}

type mapType struct {
	rtype
	key    unsafe.Pointer
	elem   unsafe.Pointer
	bucket unsafe.Pointer
	hasher mapHashFn
}

type rtype struct {
	size       uintptr
	ptrdata    uintptr
	hash       uint32
	tflag      uint8
	align      uint8
	fieldAlign uint8
	kind       uint8
	equal      func(unsafe.Pointer, unsafe.Pointer) bool
	gcdata     *byte
	str        int32
	ptrToThis  int32
}
