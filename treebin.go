package chx

import (
	"sync/atomic"
)

// rbLock is the tree bin's specialized read/write lock (spec §4.5): a
// reader that cannot immediately acquire the lock does not spin waiting
// for the writer to finish, it fails fast so the caller can fall back to
// walking the tree bin's linear "first" chain instead. This is the
// design's signature property (spec §9: "do not replace with a blocking
// read lock").
type rbLock struct {
	state atomic.Uint32
}

const (
	rbWriteBit  = 1
	rbReadShift = 1
	rbReadUnit  = 1 << rbReadShift
)

// TryRLock attempts to take a read lock without blocking. It fails
// immediately if a writer holds or is waiting for the lock.
func (l *rbLock) TryRLock() bool {
	s := l.state.Load()
	if s&rbWriteBit != 0 {
		return false
	}
	return l.state.CompareAndSwap(s, s+rbReadUnit)
}

// RUnlock releases a read lock acquired via TryRLock.
func (l *rbLock) RUnlock() {
	l.state.Add(^uint32(rbReadUnit - 1))
}

// Lock acquires the exclusive writer lock, spinning until any current
// readers have drained (take-write-bit, then drain-readers, in two
// phases).
func (l *rbLock) Lock() {
	var spins int
	for {
		s := l.state.Load()
		if s&rbWriteBit == 0 {
			if l.state.CompareAndSwap(s, s|rbWriteBit) {
				for {
					if l.state.Load()>>rbReadShift == 0 {
						return
					}
					delay(&spins)
				}
			}
		}
		delay(&spins)
	}
}

// Unlock releases the exclusive writer lock.
func (l *rbLock) Unlock() {
	l.state.Store(0)
}

// treeColor of a red-black tree node.
type treeColor bool

const (
	red   treeColor = false
	black treeColor = true
)

// treeNode is one node of a tree bin's red-black tree, ordered by spread
// hash, then by the CompareFunc when the map was configured with one.
// Keys are not ordered by their type, and without a CompareFunc keys with
// equal hashes have no order among themselves.
type treeNode[K comparable, V any] struct {
	n                  *node[K, V] // the underlying entry; carries hash/key/value
	parent, left, right *treeNode[K, V]
	color              treeColor
}

// treeBin is a red-black tree of entries sharing a table slot (module D).
// first is a singly linked chain of exactly the entries the tree holds,
// newest first, kept so that a reader who cannot acquire the read lock can
// still walk it linearly (spec §4.4, §4.5).
type treeBin[K comparable, V any] struct {
	lock    rbLock
	root    atomic.Pointer[treeNode[K, V]]
	first   atomic.Pointer[node[K, V]]
	compare CompareFunc[K]

	// callbackGoroutine holds the ID of the goroutine currently running a
	// Compute callback against this tree bin, or 0 when none is in
	// flight, mirroring node.go's per-node callbackGoroutine for list
	// bins (spec §4.3).
	callbackGoroutine atomic.Uint64
}

func newTreeBin[K comparable, V any](first *node[K, V], compare CompareFunc[K]) *treeBin[K, V] {
	tb := &treeBin[K, V]{compare: compare}
	// putLocked links every inserted entry into tb.first itself, so the
	// chain starts empty rather than as the list being converted.
	for n := first; n != nil; n = n.next.Load() {
		if v, ok := n.loadValue(); ok {
			tb.putLocked(n.sprHash(), n.key, v)
		}
	}
	return tb
}

// treeCompare orders two candidate nodes by hash, then by CompareFunc if
// one is configured; there is no other tiebreak. Returns 0 when the tree must fall back
// to dual-subtree search (spec §4.5: "when comparison ties... searches
// may descend both subtrees").
func (tb *treeBin[K, V]) treeCompare(h1 uint32, k1 K, h2 uint32, k2 K) int {
	if h1 != h2 {
		if h1 < h2 {
			return -1
		}
		return 1
	}
	if tb.compare != nil {
		return tb.compare(k1, k2)
	}
	return 0
}

// find walks the tree only. The linear walk of the first chain, for
// readers that could not take the read lock, is findLinear (see Get).
func (tb *treeBin[K, V]) find(h uint32, key K, equal func(K, K) bool) (V, bool) {
	for p := tb.root.Load(); p != nil; {
		ph := p.n.sprHash()
		c := tb.treeCompare(h, key, ph, p.n.key)
		switch {
		case c < 0:
			p = p.left
		case c > 0:
			p = p.right
		default:
			if equal(key, p.n.key) {
				return p.n.loadValue()
			}
			if v, ok := tb.findInSubtree(p.left, h, key, equal); ok {
				return v, true
			}
			p = p.right
		}
	}
	var zero V
	return zero, false
}

func (tb *treeBin[K, V]) findInSubtree(p *treeNode[K, V], h uint32, key K, equal func(K, K) bool) (V, bool) {
	for ; p != nil; p = p.right {
		if v, ok := tb.find2(p, h, key, equal); ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

func (tb *treeBin[K, V]) find2(p *treeNode[K, V], h uint32, key K, equal func(K, K) bool) (V, bool) {
	if p.n.sprHash() == h && equal(key, p.n.key) {
		return p.n.loadValue()
	}
	if p.left != nil {
		if v, ok := tb.find2(p.left, h, key, equal); ok {
			return v, true
		}
	}
	if p.right != nil {
		return tb.find2(p.right, h, key, equal)
	}
	var zero V
	return zero, false
}

// findLinear walks the fallback next-linked chain; used by readers that
// failed TryRLock rather than blocking (spec §4.5).
func (tb *treeBin[K, V]) findLinear(h uint32, key K, equal func(K, K) bool) (V, bool) {
	for n := tb.first.Load(); n != nil; n = n.next.Load() {
		if n.sprHash() == h && equal(key, n.key) {
			if v, ok := n.loadValue(); ok {
				return v, true
			}
		}
	}
	var zero V
	return zero, false
}

// Get dispatches to the tree walk when the read lock is available, and to
// the linear fallback chain otherwise, per spec §4.5's non-blocking-reader
// contract.
func (tb *treeBin[K, V]) Get(h uint32, key K, equal func(K, K) bool) (V, bool) {
	if tb.lock.TryRLock() {
		defer tb.lock.RUnlock()
		return tb.find(h, key, equal)
	}
	return tb.findLinear(h, key, equal)
}

// putLocked inserts or replaces a key while the caller already holds the
// tree bin's write lock (tb.lock), or is building the tree before it is
// published (mirrors the list-bin update contract of spec §4.3 applied to
// a tree instead of a list).
func (tb *treeBin[K, V]) putLocked(h uint32, key K, value V) (V, bool) {
	root := tb.root.Load()
	if root == nil {
		n := newNode[K, V](h, key, value)
		tn := &treeNode[K, V]{n: n, color: black}
		tb.root.Store(tn)
		tb.appendFirst(n)
		var zero V
		return zero, false
	}
	var parent *treeNode[K, V]
	p := root
	dir := 0
	for p != nil {
		ph := p.n.sprHash()
		c := tb.treeCompare(h, key, ph, p.n.key)
		if c == 0 && p.n.key == key {
			old, _ := p.n.loadValue()
			p.n.storeValue(value)
			return old, true
		}
		parent = p
		if c <= 0 {
			dir = -1
			p = p.left
		} else {
			dir = 1
			p = p.right
		}
	}
	n := newNode[K, V](h, key, value)
	tn := &treeNode[K, V]{n: n, parent: parent, color: red}
	if dir < 0 {
		parent.left = tn
	} else {
		parent.right = tn
	}
	tb.appendFirst(n)
	tb.fixAfterInsert(tn)
	var zero V
	return zero, false
}

func (tb *treeBin[K, V]) appendFirst(n *node[K, V]) {
	for {
		head := tb.first.Load()
		n.next.Store(head)
		if tb.first.CompareAndSwap(head, n) {
			return
		}
	}
}

// removeLocked unlinks a key from both the tree and the fallback chain.
// Caller holds the tree bin's write lock (tb.lock).
func (tb *treeBin[K, V]) removeLocked(h uint32, key K, equal func(K, K) bool) (V, bool) {
	tn := tb.locate(h, key, equal)
	if tn == nil {
		var zero V
		return zero, false
	}
	old, _ := tn.n.loadValue()
	tn.n.tombstone()
	tb.deleteNode(tn)
	tb.unlinkFirst(tn.n)
	return old, true
}

func (tb *treeBin[K, V]) locate(h uint32, key K, equal func(K, K) bool) *treeNode[K, V] {
	p := tb.root.Load()
	for p != nil {
		ph := p.n.sprHash()
		c := tb.treeCompare(h, key, ph, p.n.key)
		switch {
		case c < 0:
			p = p.left
		case c > 0:
			p = p.right
		default:
			if equal(key, p.n.key) {
				return p
			}
			if left := tb.locateIn(p.left, h, key, equal); left != nil {
				return left
			}
			p = p.right
		}
	}
	return nil
}

func (tb *treeBin[K, V]) locateIn(p *treeNode[K, V], h uint32, key K, equal func(K, K) bool) *treeNode[K, V] {
	for p != nil {
		if p.n.sprHash() == h && equal(key, p.n.key) {
			return p
		}
		if left := tb.locateIn(p.left, h, key, equal); left != nil {
			return left
		}
		p = p.right
	}
	return nil
}

func (tb *treeBin[K, V]) unlinkFirst(target *node[K, V]) {
	for {
		head := tb.first.Load()
		if head == target {
			if tb.first.CompareAndSwap(head, head.next.Load()) {
				return
			}
			continue
		}
		prev := head
		for cur := head; cur != nil; cur = cur.next.Load() {
			if cur == target {
				prev.next.Store(cur.next.Load())
				return
			}
			prev = cur
		}
		return
	}
}

// tooSmall reports whether the tree has shrunk enough (spec §4.4's
// inverse: untreeify threshold) that a plain list bin would serve better.
// Counted by walking the fallback chain, which is always maintained.
func (tb *treeBin[K, V]) tooSmall(threshold int) bool {
	count := 0
	for n := tb.first.Load(); n != nil; n = n.next.Load() {
		if _, ok := n.loadValue(); ok {
			count++
			if count > threshold {
				return false
			}
		}
	}
	return true
}
