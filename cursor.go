package chx

// cursor produces a weakly consistent sequence of live entries across any
// number of resizes (module G, spec §4.8). It walks bins in the
// coordinate space of the table it was constructed against; when it
// crosses a forwarding marker it switches to the newer table for that
// bin's subrange and pushes the bin's "pair" (index+oldLen, which holds
// the other half of the split) onto a small work stack, recursing the
// same way for however many resize generations occurred while the
// traversal was in flight.
//
// No direct teacher file implements a splittable cursor; this is grounded
// on the Java original's Traverser/BaseIterator (ConcurrentHashMap.java)
// translated into Go's pull-based iterator shape.
type cursor[K comparable, V any] struct {
	baseIndex int
	baseLimit int
	origLen   int

	tab     *table[K, V]
	binIdx  int // current bin index into tab, in [baseIndex, baseLimit) coordinate before any forward
	current *node[K, V]

	pending []pairFrame[K, V]

	started bool
}

// pairFrame is a deferred visit to the sibling bin created when a bin was
// split across a resize (index+oldLen in the new table).
type pairFrame[K comparable, V any] struct {
	tab *table[K, V]
	idx int
}

func newCursor[K comparable, V any](t *table[K, V], baseIndex, baseLimit int) *cursor[K, V] {
	return &cursor[K, V]{
		baseIndex: baseIndex,
		baseLimit: baseLimit,
		origLen:   t.length(),
		tab:       t,
		binIdx:    baseIndex,
	}
}

// Split halves the cursor's index range, returning a new cursor for the
// lower half and narrowing the receiver to the upper half. Spec §4.8:
// legal only before the cursor has started yielding.
func (c *cursor[K, V]) Split() (*cursor[K, V], bool) {
	if c.started {
		return nil, false
	}
	if c.baseLimit-c.baseIndex < 2 {
		return nil, false
	}
	mid := c.baseIndex + (c.baseLimit-c.baseIndex)/2
	left := newCursor[K, V](c.tab, c.baseIndex, mid)
	c.baseIndex = mid
	c.binIdx = mid
	return left, true
}

// Next advances to and returns the next live entry, or ok==false when the
// cursor is exhausted. Never yields a key whose value observed as absent
// at the moment of the check (spec's testable property 3).
func (c *cursor[K, V]) Next() (key K, value V, ok bool) {
	c.started = true
	for {
		if c.current != nil {
			n := c.current
			c.current = n.next.Load()
			if v, present := n.loadValue(); present {
				return n.key, v, true
			}
			continue
		}
		if len(c.pending) > 0 {
			f := c.pending[len(c.pending)-1]
			c.pending = c.pending[:len(c.pending)-1]
			c.enterBin(f.tab, f.idx)
			continue
		}
		if c.binIdx >= c.baseLimit {
			var zero K
			var zeroV V
			return zero, zeroV, false
		}
		idx := c.binIdx
		c.binIdx++
		c.enterBin(c.tab, idx)
	}
}

// enterBin loads the node at (tab, idx), chasing forwards and pushing the
// paired sibling bin for later, or entering the tree-bin fallback chain.
func (c *cursor[K, V]) enterBin(tab *table[K, V], idx int) {
	for {
		head := tab.at(idx)
		if head == nil {
			c.current = nil
			return
		}
		if head.isForwarding() {
			switch tgt := head.fwd.(type) {
			case *table[K, V]:
				oldLen := tab.length()
				c.pending = append(c.pending, pairFrame[K, V]{tab: tgt, idx: idx + oldLen})
				tab = tgt
				continue
			case *treeBin[K, V]:
				c.current = tgt.first.Load()
				return
			}
			c.current = nil
			return
		}
		c.current = head
		return
	}
}

// Range visits every live entry once, in unspecified order, stopping
// early if fn returns false (spec §6 iteration surface).
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	t := m.table.Load()
	if t == nil {
		return
	}
	cur := newCursor[K, V](t, 0, t.length())
	for {
		k, v, ok := cur.Next()
		if !ok {
			return
		}
		if !fn(k, v) {
			return
		}
	}
}

// Keys returns an iterator over live keys (Go 1.23 range-over-func).
func (m *Map[K, V]) Keys() func(yield func(K) bool) {
	return func(yield func(K) bool) {
		m.Range(func(k K, _ V) bool { return yield(k) })
	}
}

// Values returns an iterator over live values.
func (m *Map[K, V]) Values() func(yield func(V) bool) {
	return func(yield func(V) bool) {
		m.Range(func(_ K, v V) bool { return yield(v) })
	}
}

// Entries returns an iterator over live (key, value) pairs.
func (m *Map[K, V]) Entries() func(yield func(K, V) bool) {
	return func(yield func(K, V) bool) {
		m.Range(yield)
	}
}
