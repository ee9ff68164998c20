package chx

// computeOp records what a Compute/ComputeIfAbsent/Merge callback decided
// to do with the entry it was handed.
type computeOp int

const (
	cancelOp computeOp = iota
	updateOp
	deleteOp
)

// Entry is a temporary view of a map entry, valid only for the duration
// of a Compute/ComputeIfAbsent/Merge callback. Grounded on the teacher's
// Entry[K,V] compute-view wrapper (entry.go), re-scoped from wrapping a
// CLHT opt.Entry_ to wrapping this package's key/value pair directly.
//
// WARNING: do not retain, return, or use an Entry outside the callback
// that received it, and never call back into the map for the same key
// from within the callback (see ErrReentrantCallback).
type Entry[K comparable, V any] struct {
	key    K
	value  V
	loaded bool
	op     computeOp
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K { return e.key }

// Value returns the entry's current value, or the zero value if the entry
// was not present when the callback was invoked.
func (e *Entry[K, V]) Value() V { return e.value }

// Loaded reports whether the entry existed before the callback ran.
func (e *Entry[K, V]) Loaded() bool { return e.loaded }

// Update sets the entry's value, inserting it if absent or replacing it
// if present.
func (e *Entry[K, V]) Update(value V) {
	e.value = value
	e.op = updateOp
}

// Delete marks the entry for removal.
func (e *Entry[K, V]) Delete() {
	var zero V
	e.value = zero
	e.op = deleteOp
}
