package chx

import (
	"sync/atomic"
	"unsafe"

	"github.com/hexstore/chx/internal/opt"
)

// counterCell is one shard of the striped counter (module A), padded to a
// full cache line so independent goroutines incrementing different cells
// never false-share. Grounded on the teacher's CounterStripe/AddSize/
// SumSize shape (formerly map_util.go/map.go, now standalone here since
// the bucket-array map that owned them was dropped) and on
// internal/opt/cachelinesize.go for the padding constant.
type counterCell struct {
	value atomic.Int64
	_     [opt.CacheLineSize_ - 8]byte
}

// stripedCounter is a sharded additive counter tolerating high update
// contention (spec §4.7). sum() computes base + sum(cells); increment
// picks a cell by a cheap per-goroutine hash and CASes into it, growing
// the cell array under contention up to the CPU count.
type stripedCounter struct {
	base     atomic.Int64
	cells    atomic.Pointer[[]*counterCell]
	initLock uint32 // bit_lock.go-style gate: only one goroutine allocates/grows cells at a time
}

// add mirrors java.util.concurrent.atomic.LongAdder's add(): while
// uncontended, everything lands on base via a single CAS attempt. The
// first time that CAS loses a race, add treats it as contention evidence
// and escalates to the striped cell array rather than retrying base in a
// loop, so contended writers fan out instead of hammering one word.
// maxCells bounds how far the cell array may grow, driven by the map's
// configured parallelism (WithParallelism, spec §6) rather than
// WithConcurrencyLevel, which only ever feeds the initial-capacity
// calculation.
func (c *stripedCounter) add(delta int64, maxCells int) {
	if cellsPtr := c.cells.Load(); cellsPtr != nil {
		c.addToCell(*cellsPtr, delta, maxCells)
		return
	}
	old := c.base.Load()
	if c.base.CompareAndSwap(old, old+delta) {
		return
	}
	c.contendedAdd(delta, maxCells)
}

// contendedAdd lazily allocates the cell array (if this is the first
// contended writer) and adds into a shard, growing the array up to
// maxCells when a shard itself proves contended. Allocation and growth
// are rare, one-shot events next to the steady stream of increments, so
// both are serialized behind bit_lock.go's bit-lock rather than a
// lock-free retry; the lock is held only for a slice allocation and copy.
func (c *stripedCounter) contendedAdd(delta int64, maxCells int) {
	cellsPtr := c.cells.Load()
	if cellsPtr == nil {
		BitLockUint32(&c.initLock, 1)
		if cellsPtr = c.cells.Load(); cellsPtr == nil {
			newCells := make([]*counterCell, min(2, max(1, nextPowOf2(maxCells))))
			for i := range newCells {
				newCells[i] = &counterCell{}
			}
			c.cells.Store(&newCells)
			cellsPtr = &newCells
		}
		BitUnlockUint32(&c.initLock, 1)
	}
	c.addToCell(*cellsPtr, delta, maxCells)
}

// addToCell adds delta into one shard, growing the array once (bounded by
// maxCells) if that shard's own CAS loses a race, falling back to a plain
// Add so no update is ever lost even under a pathological hash collision
// on stripeIndex.
func (c *stripedCounter) addToCell(cells []*counterCell, delta int64, maxCells int) {
	idx := stripeIndex() & (len(cells) - 1)
	cell := cells[idx]
	old := cell.value.Load()
	if cell.value.CompareAndSwap(old, old+delta) {
		return
	}
	if bound := nextPowOf2(maxCells); len(cells) < bound {
		cells = c.growCells(cells)
		idx = stripeIndex() & (len(cells) - 1)
		cell = cells[idx]
	}
	cell.value.Add(delta)
}

func (c *stripedCounter) growCells(observed []*counterCell) []*counterCell {
	BitLockUint32(&c.initLock, 1)
	defer BitUnlockUint32(&c.initLock, 1)
	current := *c.cells.Load()
	if len(current) != len(observed) {
		return current // another goroutine already grew it
	}
	grown := make([]*counterCell, len(current)*2)
	copy(grown, current)
	for i := len(current); i < len(grown); i++ {
		grown[i] = &counterCell{}
	}
	c.cells.Store(&grown)
	return grown
}

// sum returns the current logical value: base plus every cell. Approximate
// under concurrent writers by design (spec §4.7); never used for anything
// requiring an exact snapshot.
func (c *stripedCounter) sum() int64 {
	total := c.base.Load()
	if cellsPtr := c.cells.Load(); cellsPtr != nil {
		for _, cell := range *cellsPtr {
			if cell != nil {
				total += cell.value.Load()
			}
		}
	}
	return total
}

// stripeIndex picks a cell index cheaply per call site. It does not need
// to be stable per goroutine, only well distributed; a pointer to a
// stack-local byte is unique per call frame and costs nothing to obtain.
func stripeIndex() int {
	var local byte
	p := noEscape(unsafe.Pointer(&local))
	h := uintptr(p)
	h ^= h >> 15
	return int(uint(h))
}
