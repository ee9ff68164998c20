package chx

import "sync/atomic"

// untreeifyThreshold is spec §4.6's "below half the tree threshold" split
// outcome: a split tree half with fewer live entries than this becomes a
// plain list bin instead of a new, mostly-empty tree.
const untreeifyThreshold = treeifyThreshold / 2

// resizeState coordinates one resize generation (module F). Grounded on
// the Java original's transfer() plus the teacher's now-deleted map.go
// chunked-copy idiom (helpCopyAndWait): multiple goroutines may claim
// disjoint stripes of the old table concurrently, each transferring the
// bins in its stripe independently, unlike the original's single-thread
// (but ForkJoin-helped) transfer.
type resizeState[K comparable, V any] struct {
	owner    *Map[K, V]
	oldTable *table[K, V]
	newTable *table[K, V]
	fwd      *node[K, V] // shared forwarding marker, fwd field == newTable

	claim atomic.Int64 // next old-table index a goroutine may claim, descending

	deferredHead atomic.Int32
	deferredTail atomic.Int32
	deferred     [32]int32
	deferredMu   TicketLock

	// transferred counts bins of oldTable that have finished migrating into
	// newTable, across every participating helper. Claiming a stripe only
	// proves nobody else can claim those same indices again; it says
	// nothing about whether a helper still mid-transfer on a stripe it
	// already claimed has finished. transferred is the actual completion
	// signal: the helper whose increment brings it to oldTable.length() is
	// the one that publishes newTable, and every other helper blocks on
	// done until that happens (spec §4.6, §8 property 2).
	transferred atomic.Int64

	done Latch
}

// markTransferred records that bin i has finished migrating and, once every
// bin has, publishes the new table. Called exactly once per index from
// transfer's three genuine completion points, never from its
// already-forwarded fast path (that path only fires for an index some
// earlier call already counted).
func (rs *resizeState[K, V]) markTransferred() {
	if rs.transferred.Add(1) == int64(rs.oldTable.length()) {
		rs.owner.finishResize(rs)
		rs.done.Open()
	}
}

// deferredPush enqueues a bin index whose lock could not be acquired, to
// be revisited once the main sweep has passed it (spec §4.6 point 3). The
// buffer is bounded at 32 slots (TRANSFER_BUFFER_SIZE in the Java
// original); when full it returns false and the caller falls back to
// blocking on the bin lock, per the Open Question decision in
// SPEC_FULL.md §10.
func (rs *resizeState[K, V]) deferredPush(idx int) bool {
	rs.deferredMu.Lock()
	defer rs.deferredMu.Unlock()
	tail := rs.deferredTail.Load()
	next := (tail + 1) % int32(len(rs.deferred))
	if next == rs.deferredHead.Load() {
		return false // full
	}
	rs.deferred[tail] = int32(idx)
	rs.deferredTail.Store(next)
	return true
}

func (rs *resizeState[K, V]) deferredPop() (int, bool) {
	rs.deferredMu.Lock()
	defer rs.deferredMu.Unlock()
	head := rs.deferredHead.Load()
	if head == rs.deferredTail.Load() {
		return 0, false
	}
	idx := int(rs.deferred[head])
	rs.deferredHead.Store((head + 1) % int32(len(rs.deferred)))
	return idx, true
}

// startResize claims ownership of the size-control word and installs a new
// resizeState, or returns nil if a resize is already in flight (the
// caller then just yields and retries its own operation, per spec §4.6
// step 1).
func (m *Map[K, V]) startResize(old *table[K, V]) *resizeState[K, V] {
	for {
		sc := m.sizeCtl.Load()
		if sc < 0 {
			return nil // another goroutine already owns this resize
		}
		if !m.sizeCtl.CompareAndSwap(sc, -1) {
			continue
		}
		newLen := old.length() * 2
		if newLen <= 0 || newLen > maxTableLen {
			// Table cannot grow further (spec §7: resource exhaustion is a
			// silent no-op, performance degrades but the map stays usable).
			m.sizeCtl.Store(sc)
			return nil
		}
		nt := newTable[K, V](newLen)
		rs := &resizeState[K, V]{owner: m, oldTable: old, newTable: nt}
		rs.fwd = newForwardingNode[K, V](nt)
		rs.claim.Store(int64(old.length()))
		m.resizing.Store(rs)
		return rs
	}
}

// helpTransfer lets any goroutine that observes an in-flight resize
// contribute a stripe of work instead of just spinning, mirroring the
// teacher's helpCopyAndWait idiom.
func (m *Map[K, V]) helpTransfer(rs *resizeState[K, V]) {
	const stripe = 16
	for {
		hi := rs.claim.Add(-stripe) + stripe
		if hi <= 0 {
			break
		}
		lo := hi - stripe
		if lo < 0 {
			lo = 0
		}
		for i := hi - 1; i >= lo; i-- {
			rs.transferOne(int(i))
		}
	}
	// Drain anything left in the deferred buffer. This pass blocks on each
	// bin's lock rather than re-deferring, since the ring is otherwise
	// empty and there is nowhere left to defer to.
	for {
		idx, ok := rs.deferredPop()
		if !ok {
			break
		}
		rs.transfer(idx, true)
	}
	// This goroutine has no more work of its own, but other helpers may
	// still be transferring bins from stripes they claimed earlier. Wait
	// for markTransferred to observe the whole old table migrated before
	// returning, so a caller resuming after helpTransfer never sees a
	// table that is only partly published (spec §8 property 2).
	rs.done.Wait()
}

// finishResize publishes the new table. Called exactly once per resize
// generation, by markTransferred, once every bin has finished migrating.
func (m *Map[K, V]) finishResize(rs *resizeState[K, V]) {
	if !m.resizing.CompareAndSwap(rs, nil) {
		return
	}
	m.table.Store(rs.newTable)
	newLen := rs.newTable.length()
	nextThreshold := newLen - (newLen >> 2) // 0.75 density
	m.sizeCtl.Store(int64(nextThreshold))
}

// transferOne moves the contents of old table bin i into the new table's
// bins i and i+oldLen (spec §4.6 step 3).
// transferOne attempts a non-blocking transfer of bin i; if the bin is
// currently locked by an unrelated update it defers the index rather than
// stalling the sweep (spec §4.6 point 3). transfer's forceBlock is set
// when helpTransfer drains the deferred buffer, so a deferred bin is then
// transferred under a blocking lockBin instead of being deferred again.
func (rs *resizeState[K, V]) transferOne(i int) {
	rs.transfer(i, false)
}

func (rs *resizeState[K, V]) transfer(i int, forceBlock bool) {
	old := rs.oldTable
	for {
		head := old.at(i)
		if head == nil {
			if old.cas(i, nil, rs.fwd) {
				rs.markTransferred()
				return
			}
			continue
		}
		if head.isForwarding() {
			switch tgt := head.fwd.(type) {
			case *table[K, V]:
				_ = tgt
				return // already transferred (by this or an earlier generation); already counted
			case *treeBin[K, V]:
				rs.transferTree(i, tgt)
				rs.markTransferred()
				return
			}
			rs.owner.poison("forwarding node with unrecognized target type during transfer")
			return
		}
		if forceBlock {
			head.lockBin()
		} else if !head.tryLockBin() {
			if !rs.deferredPush(i) {
				head.lockBin() // buffer full: fall back to blocking
			} else {
				return
			}
		}
		if old.at(i) != head {
			head.unlockBin()
			continue
		}
		rs.transferList(i, head)
		head.unlockBin()
		rs.markTransferred()
		return
	}
}

// transferList splits a list bin into low/high runs by the new mask bit
// and installs each half at i and i+oldLen in the new table (spec §4.6
// step 3, list-entry case).
func (rs *resizeState[K, V]) transferList(i int, head *node[K, V]) {
	oldLen := rs.oldTable.length()
	var lowHead, lowTail, highHead, highTail *node[K, V]
	for n := head; n != nil; n = n.next.Load() {
		v, ok := n.loadValue()
		if !ok {
			continue // tombstoned mid-flight, drop it from the transfer
		}
		clone := newNode[K, V](n.hash.Load()&hashBits, n.key, v)
		if n.sprHash()&uint32(oldLen) == 0 {
			if lowHead == nil {
				lowHead = clone
			} else {
				lowTail.next.Store(clone)
			}
			lowTail = clone
		} else {
			if highHead == nil {
				highHead = clone
			} else {
				highTail.next.Store(clone)
			}
			highTail = clone
		}
	}
	rs.newTable.set(i, lowHead)
	rs.newTable.set(i+oldLen, highHead)
	rs.oldTable.set(i, rs.fwd)
}

// transferTree splits a tree bin's fallback chain into low/high halves,
// each becoming either a new tree bin or a plain list bin depending on
// its resulting size (spec §4.6 step 3, tree-root case).
func (rs *resizeState[K, V]) transferTree(i int, tb *treeBin[K, V]) {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	oldLen := rs.oldTable.length()
	var lowHead, lowTail, highHead, highTail *node[K, V]
	lowCount, highCount := 0, 0
	for n := tb.first.Load(); n != nil; n = n.next.Load() {
		v, ok := n.loadValue()
		if !ok {
			continue
		}
		clone := newNode[K, V](n.hash.Load()&hashBits, n.key, v)
		if n.sprHash()&uint32(oldLen) == 0 {
			if lowHead == nil {
				lowHead = clone
			} else {
				lowTail.next.Store(clone)
			}
			lowTail = clone
			lowCount++
		} else {
			if highHead == nil {
				highHead = clone
			} else {
				highTail.next.Store(clone)
			}
			highTail = clone
			highCount++
		}
	}

	rs.newTable.set(i, rs.buildBin(lowHead, lowCount, tb.compare))
	rs.newTable.set(i+oldLen, rs.buildBin(highHead, highCount, tb.compare))
	rs.oldTable.set(i, rs.fwd)
}

// buildBin returns a plain list head when count is small enough to
// untreeify, otherwise a fresh tree-root forwarding marker.
func (rs *resizeState[K, V]) buildBin(head *node[K, V], count int, compare CompareFunc[K]) *node[K, V] {
	if head == nil {
		return nil
	}
	if count < untreeifyThreshold {
		return head
	}
	tb := newTreeBin[K, V](head, compare)
	return newForwardingNode[K, V](tb)
}
