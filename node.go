package chx

import (
	"sync/atomic"

	"github.com/hexstore/chx/internal/opt"
)

// Top two bits of a node's hash word encode its lock/forwarding state; the
// low 30 bits hold the spread key hash. Grounded on the bin-head lock
// design of ConcurrentHashMap.java (MOVED/LOCKED/WAITING/HASH_BITS,
// lines 433-436 of the original source) and on bit_lock.go's
// CAS-bit-lock-in-word idiom, extended here with the WAITING state and a
// park/notify fallback bit_lock.go does not need.
const (
	movedBit     uint32 = 0x80000000 // forwarding marker: hash == movedBit exactly
	lockedBit    uint32 = 0x40000000 // bin head locked
	waitingState uint32 = movedBit | lockedBit
	hashBits     uint32 = 0x3fffffff
)

// node is a single hash-table entry, and doubles as a bin head. A node
// whose hash equals movedBit exactly carries no key/value; it is a
// forwarding marker and fwd resolves to either the next table (during a
// resize) or a *treeBin (after tree conversion).
type node[K comparable, V any] struct {
	hash    atomic.Uint32
	key     K
	value   atomic.Pointer[V]
	next    atomic.Pointer[node[K, V]]
	fwd     any // *table[K, V] or *treeBin[K, V]; nil for ordinary nodes
	waiters atomic.Uint32
	sema    opt.Sema

	// callbackGoroutine holds the ID of the goroutine currently running a
	// Compute/Merge callback against this bin, or 0 when none is in
	// flight. Checked by map.go's Compute before the bin lock is
	// (re)acquired so a callback that makes a nested Compute-based call
	// for a key in this bin panics with ErrReentrantCallback instead of
	// deadlocking on a lock it already holds (spec §4.3); only the
	// goroutine holding the bin lock ever sets this field.
	callbackGoroutine atomic.Uint64
}

func newNode[K comparable, V any](h uint32, key K, value V) *node[K, V] {
	n := &node[K, V]{key: key}
	n.hash.Store(h)
	n.value.Store(&value)
	return n
}

// newForwardingNode builds a bin head that redirects operations elsewhere.
// A single instance is shared across every bin transferred in one resize
// generation, mirroring how the Java original reuses one ForwardingNode
// per transfer call.
func newForwardingNode[K comparable, V any](fwd any) *node[K, V] {
	n := &node[K, V]{fwd: fwd}
	n.hash.Store(movedBit)
	return n
}

func (n *node[K, V]) sprHash() uint32 {
	return n.hash.Load() & hashBits
}

func (n *node[K, V]) isForwarding() bool {
	return n.hash.Load()&waitingState == movedBit
}

func (n *node[K, V]) loadValue() (V, bool) {
	p := n.value.Load()
	if p == nil {
		var zero V
		return zero, false
	}
	return *p, true
}

func (n *node[K, V]) storeValue(v V) {
	n.value.Store(&v)
}

// tombstone marks the node's value absent without unlinking it; readers
// racing the unlink still observe "not present" rather than a stale value.
func (n *node[K, V]) tombstone() {
	n.value.Store(nil)
}

// lockBin acquires the bin-head lock, spinning for a bounded budget before
// falling back to setting the WAITING bit and parking on the node's
// semaphore. Only ever called on a node already known not to be a
// forwarding marker.
//
// A waiter must register itself (waiters.Add(1)) before the WAITING bit
// becomes visible to unlockBin, not after: if the CAS publishing WAITING
// ran first and unlockBin observed it before the waiter incremented the
// count, unlockBin would swap out zero waiters, release nobody, and clear
// WAITING — leaving the waiter parked on a semaphore no future unlock will
// ever signal for this event.
func (n *node[K, V]) lockBin() {
	var spins int
	for {
		h := n.hash.Load()
		if h&waitingState == 0 {
			if n.hash.CompareAndSwap(h, h|lockedBit) {
				return
			}
			continue
		}
		if trySpin(spins) {
			spins++
			continue
		}
		spins = 0
		h = n.hash.Load()
		if h&waitingState == 0 {
			continue // lock was released while we were about to register
		}
		n.waiters.Add(1)
		if h&waitingState == lockedBit {
			if !n.hash.CompareAndSwap(h, h|movedBit) {
				// Bin state moved out from under us before WAITING was
				// published (unlocked, or another waiter already flipped
				// the bit). Undo the registration and retry from the top.
				n.waiters.Add(^uint32(0))
				continue
			}
		}
		n.sema.Acquire()
	}
}

// tryLockBin attempts to acquire the bin-head lock without spinning or
// parking; used by the resize engine to defer contended bins rather than
// stalling the sweep on them (spec §4.6 point 3).
func (n *node[K, V]) tryLockBin() bool {
	h := n.hash.Load()
	if h&waitingState != 0 {
		return false
	}
	return n.hash.CompareAndSwap(h, h|lockedBit)
}

// unlockBin releases the bin-head lock, waking any parked waiters if the
// WAITING bit had been set.
func (n *node[K, V]) unlockBin() {
	for {
		h := n.hash.Load()
		switch h & waitingState {
		case lockedBit:
			if n.hash.CompareAndSwap(h, h&^lockedBit) {
				return
			}
		case waitingState:
			if n.hash.CompareAndSwap(h, h&^waitingState) {
				w := n.waiters.Swap(0)
				for range w {
					n.sema.Release()
				}
				return
			}
		default:
			panic("chx: unlockBin on a node that was not locked")
		}
	}
}
