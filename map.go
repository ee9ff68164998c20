package chx

import (
	"log/slog"
	"math"
	"sync/atomic"
)

// Constants governing tree conversion, table growth, and the load factor
// the resize engine actually enforces (spec §4.4, §4.6). treeifyThreshold
// and maxTableLen are ConcurrentHashMap.java's real TREEIFY_THRESHOLD (8)
// and MAXIMUM_CAPACITY (1<<30). minTreeifyTableLen is not a transcription
// of anything in the original source — it decides spec §9's own
// suggested fix for the ambiguous small-table treeify condition the
// original actually has (see DESIGN.md).
const (
	treeifyThreshold   = 8
	minTreeifyTableLen = 64
	maxTableLen        = 1 << 30
)

// Map is a concurrent hash table supporting full concurrency for lookups
// and high concurrency for updates. Neither keys nor values may be nil at
// the public boundary (spec §5). The zero value is not usable; construct
// with New.
type Map[K comparable, V any] struct {
	_        noCopy
	table    atomic.Pointer[table[K, V]]
	sizeCtl  atomic.Int64 // >0: threshold or init-capacity hint; -1: initializing/resizing
	resizing atomic.Pointer[resizeState[K, V]]
	counter  stripedCounter

	// resizeHelpers bounds how many background helpTransfer goroutines may
	// be in flight at once; a writer that finds the budget exhausted helps
	// the resize inline on its own goroutine instead of spawning another,
	// so a burst of concurrent writers hitting the resize threshold at
	// once cannot unboundedly fan out goroutines.
	resizeHelpers *Semaphore

	hasher      HashFunc[K]
	compare     CompareFunc[K]
	equal       func(a, b V) bool
	parallelism int
	cpus        int
	logger      *slog.Logger
	poisoned    atomic.Bool
}

// New constructs an empty Map. See Option for construction-time tuning
// (spec §6).
func New[K comparable, V any](opts ...Option[K, V]) *Map[K, V] {
	cfg := defaultConfig[K, V]()
	for _, opt := range opts {
		opt(cfg)
	}
	m := &Map[K, V]{
		resizeHelpers: NewSemaphore(int64(max(cfg.parallelism, 1))),
		hasher:        cfg.hasher,
		compare:       cfg.compare,
		equal:         cfg.equal,
		parallelism:   cfg.parallelism,
		cpus:          cfg.parallelism,
		logger:        cfg.logger,
	}
	if m.hasher == nil {
		m.hasher = defaultHasher[K]()
	}
	if m.equal == nil {
		m.equal = func(a, b V) bool { return any(a) == any(b) }
	}
	initCap := max(cfg.initialCapacity, cfg.concurrencyLevel)
	m.sizeCtl.Store(int64(calcTableLen(initCap, cfg.loadFactor)))
	return m
}

func (m *Map[K, V]) spread(key K) uint32 {
	return spread(m.hasher(key))
}

// getTable returns the current table, lazily allocating it on first use
// (spec §3: "lazily allocated at first insertion").
func (m *Map[K, V]) getTable() *table[K, V] {
	if t := m.table.Load(); t != nil {
		return t
	}
	return m.initTable()
}

func (m *Map[K, V]) initTable() *table[K, V] {
	for {
		if t := m.table.Load(); t != nil {
			return t
		}
		sc := m.sizeCtl.Load()
		if sc < 0 {
			continue // another goroutine is initializing; spin briefly and retry
		}
		if !m.sizeCtl.CompareAndSwap(sc, -1) {
			continue
		}
		length := int(sc)
		if length < 1 {
			length = 16
		}
		nt := newTable[K, V](length)
		m.table.Store(nt)
		threshold := int64(length - (length >> 2))
		m.sizeCtl.Store(threshold)
		return nt
	}
}

// checkNilKey panics with ErrNilKey if key is a nil pointer, interface,
// map, slice, chan, or func value (spec §5's null policy, spec §7:
// argument errors raised before any state is mutated). No-op for
// non-nilable K instantiations.
func checkNilKey[K comparable](key K) {
	if isNilArg(key) {
		panic(ErrNilKey)
	}
}

// checkNilValue is checkNilKey's counterpart for values.
func checkNilValue[V any](value V) {
	if isNilArg(value) {
		panic(ErrNilValue)
	}
}

func (m *Map[K, V]) checkPoisoned() error {
	if m.poisoned.Load() {
		return ErrMapPoisoned
	}
	return nil
}

func (m *Map[K, V]) poison(reason string) {
	if m.poisoned.CompareAndSwap(false, true) {
		m.logger.Error("chx: map poisoned", slog.String("reason", reason))
	}
}

// Err returns ErrMapPoisoned once an internal consistency check has
// detected a broken invariant, and nil otherwise (spec §7). The only
// invariant checked is that a forwarding node targets a table or a tree
// bin; the red-black balance of tree bins is not checked. Once poisoned,
// mutating operations become no-ops rather than risk compounding the
// corruption.
func (m *Map[K, V]) Err() error {
	return m.checkPoisoned()
}

// addAndMaybeResize adjusts the striped counter and starts a resize when
// the density crosses the current threshold (spec §4.6 triggers).
func (m *Map[K, V]) addAndMaybeResize(delta int64, t *table[K, V]) {
	m.counter.add(delta, m.cpus)
	if delta <= 0 {
		return
	}
	if int64(m.counter.sum()) < m.sizeCtl.Load() {
		return
	}
	m.tryStartResize(t)
}

// joinResize helps an in-flight resize along, tolerating the race where
// the resize has already finished and cleared m.resizing by the time a
// caller observes a forwarding marker.
func (m *Map[K, V]) joinResize() {
	if rs := m.resizing.Load(); rs != nil {
		m.helpTransfer(rs)
	}
}

func (m *Map[K, V]) tryStartResize(old *table[K, V]) {
	if rs := m.resizing.Load(); rs != nil {
		m.spawnHelper(rs)
		return
	}
	rs := m.startResize(old)
	if rs == nil {
		return
	}
	m.spawnHelper(rs)
}

// spawnHelper runs rs's transfer sweep in the background when a helper
// slot is free, so the caller's own operation is not delayed by a resize
// it merely triggered or noticed. When the budget is exhausted it helps
// inline instead of spawning another goroutine, at the cost of blocking
// the caller until the sweep this call joined has fully drained.
func (m *Map[K, V]) spawnHelper(rs *resizeState[K, V]) {
	if m.resizeHelpers.TryAcquire(1) {
		go func() {
			defer m.resizeHelpers.Release(1)
			m.helpTransfer(rs)
		}()
		return
	}
	m.helpTransfer(rs)
}

// Get returns the value for key and whether it was present (module H,
// non-blocking lookup path per spec §4.3).
func (m *Map[K, V]) Get(key K) (V, bool) {
	checkNilKey(key)
	t := m.table.Load()
	if t == nil {
		var zero V
		return zero, false
	}
	h := m.spread(key)
	for {
		idx := t.indexFor(h)
		head := t.at(idx)
		if head == nil {
			var zero V
			return zero, false
		}
		if head.isForwarding() {
			switch tgt := head.fwd.(type) {
			case *table[K, V]:
				t = tgt
				continue
			case *treeBin[K, V]:
				return tgt.Get(h, key, m.equal2)
			}
			m.poison("forwarding node with unrecognized target type")
			var zero V
			return zero, false
		}
		for n := head; n != nil; n = n.next.Load() {
			if n.sprHash() == h && n.key == key {
				return n.loadValue()
			}
		}
		var zero V
		return zero, false
	}
}

func (m *Map[K, V]) equal2(a, b K) bool { return a == b }

// ContainsKey reports whether key is present.
func (m *Map[K, V]) ContainsKey(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// ContainsValue reports whether any entry's value equals v, per the
// configured (or default ==) equality relation. O(n): walks every bin.
func (m *Map[K, V]) ContainsValue(v V) bool {
	checkNilValue(v)
	found := false
	m.Range(func(_ K, val V) bool {
		if m.equal(val, v) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Put inserts or replaces key's value, always overwriting (spec §4.3).
func (m *Map[K, V]) Put(key K, value V) (V, bool) {
	checkNilKey(key)
	checkNilValue(value)
	return m.putVal(key, value, false, nil)
}

// PutIfAbsent inserts value only if key is absent. Returns the value now
// associated with key and whether it was already present.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	checkNilKey(key)
	checkNilValue(value)
	if v, ok := m.Get(key); ok {
		return v, true
	}
	prev, replaced := m.putVal(key, value, true, nil)
	if replaced {
		return prev, true
	}
	return value, false
}

// Replace updates key's value only if key is currently present.
func (m *Map[K, V]) Replace(key K, value V) (V, bool) {
	checkNilKey(key)
	checkNilValue(value)
	return m.putVal(key, value, false, replaceModeExisting)
}

var replaceModeExisting = new(int) // sentinel pointer distinguishing Replace from Put

// CompareAndSwap updates key's value to new only if its current value
// equals old under the configured equality relation.
func (m *Map[K, V]) CompareAndSwap(key K, old, new V) bool {
	checkNilKey(key)
	checkNilValue(old)
	checkNilValue(new)
	var swapped bool
	m.Compute(key, func(e *Entry[K, V]) {
		if !e.Loaded() || !m.equal(e.Value(), old) {
			return // leave the entry untouched
		}
		e.Update(new)
		swapped = true
	})
	return swapped
}

func (m *Map[K, V]) putVal(key K, value V, onlyIfAbsent bool, mode *int) (V, bool) {
	var zero V
	if m.poisoned.Load() {
		return zero, false
	}
	h := m.spread(key)
	for {
		t := m.getTable()
		idx := t.indexFor(h)
		head := t.at(idx)

		if head == nil {
			if mode == replaceModeExisting {
				return zero, false
			}
			n := newNode[K, V](h, key, value)
			if t.cas(idx, nil, n) {
				m.addAndMaybeResize(1, t)
				return zero, false
			}
			continue
		}

		if head.isForwarding() {
			switch tgt := head.fwd.(type) {
			case *table[K, V]:
				m.joinResize()
				_ = tgt
				continue
			case *treeBin[K, V]:
				old, existed, grew := m.putTree(tgt, h, key, value, onlyIfAbsent, mode)
				if grew {
					m.addAndMaybeResize(1, t)
				}
				return old, existed
			}
			m.poison("forwarding node with unrecognized target type")
			return zero, false
		}

		head.lockBin()
		if t.at(idx) != head {
			head.unlockBin()
			continue
		}
		count := 0
		var prev *node[K, V]
		var result V
		var existed bool
		inserted := false
		for n := head; n != nil; n, count = n.next.Load(), count+1 {
			if n.sprHash() == h && n.key == key {
				v, ok := n.loadValue()
				existed = ok
				if ok {
					result = v
				}
				if mode != replaceModeExisting || ok {
					if !onlyIfAbsent || !ok {
						n.storeValue(value)
					}
				} else {
					head.unlockBin()
					return zero, false
				}
				break
			}
			prev = n
		}
		if !existed && mode != replaceModeExisting {
			n := newNode[K, V](h, key, value)
			prev.next.Store(n)
			count++
			inserted = true
		}
		treeify := count >= treeifyThreshold-1 && t.length() >= minTreeifyTableLen
		head.unlockBin()

		if treeify {
			m.treeifyBin(t, idx)
		} else if count >= treeifyThreshold-1 && t.length() < minTreeifyTableLen {
			m.tryStartResize(t)
		}
		if inserted {
			m.addAndMaybeResize(1, t)
			return zero, false
		}
		return result, existed
	}
}

// treeifyBin converts a long list bin into a tree bin (spec §4.4),
// preferring resize over treeify below the small-table gate per the
// decided Open Question (SPEC_FULL.md §10).
func (m *Map[K, V]) treeifyBin(t *table[K, V], idx int) {
	head := t.at(idx)
	if head == nil || head.isForwarding() {
		return
	}
	head.lockBin()
	defer head.unlockBin()
	if t.at(idx) != head {
		return
	}
	count := 0
	for n := head; n != nil; n = n.next.Load() {
		count++
	}
	if count < treeifyThreshold {
		return
	}
	if t.length() < minTreeifyTableLen {
		m.tryStartResize(t)
		return
	}
	tb := newTreeBin[K, V](head, m.compare)
	t.set(idx, newForwardingNode[K, V](tb))
}

func (m *Map[K, V]) putTree(tb *treeBin[K, V], h uint32, key K, value V, onlyIfAbsent bool, mode *int) (V, bool, bool) {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	if v, ok := tb.find(h, key, m.equal2); ok {
		if mode != replaceModeExisting {
			if !onlyIfAbsent {
				tb.putLocked(h, key, value)
			}
		} else {
			tb.putLocked(h, key, value)
		}
		return v, true, false
	}
	var zero V
	if mode == replaceModeExisting {
		return zero, false, false
	}
	tb.putLocked(h, key, value)
	return zero, false, true
}

// Delete removes key, returning its prior value.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	checkNilKey(key)
	return m.removeVal(key, false, *new(V))
}

// CompareAndDelete removes key only if its current value equals old.
func (m *Map[K, V]) CompareAndDelete(key K, old V) bool {
	checkNilKey(key)
	checkNilValue(old)
	_, ok := m.removeVal(key, true, old)
	return ok
}

func (m *Map[K, V]) removeVal(key K, checkValue bool, expected V) (V, bool) {
	var zero V
	if m.poisoned.Load() {
		return zero, false
	}
	h := m.spread(key)
	for {
		t := m.table.Load()
		if t == nil {
			return zero, false
		}
		idx := t.indexFor(h)
		head := t.at(idx)
		if head == nil {
			return zero, false
		}
		if head.isForwarding() {
			switch tgt := head.fwd.(type) {
			case *table[K, V]:
				_ = tgt
				m.joinResize()
				continue
			case *treeBin[K, V]:
				tgt.lock.Lock()
				old, ok := tgt.find(h, key, m.equal2)
				if !ok || (checkValue && !m.equal(old, expected)) {
					tgt.lock.Unlock()
					return zero, false
				}
				old, removed := tgt.removeLocked(h, key, m.equal2)
				tgt.lock.Unlock()
				if removed {
					m.counter.add(-1, m.cpus)
				}
				return old, removed
			}
			m.poison("forwarding node with unrecognized target type")
			return zero, false
		}
		head.lockBin()
		if t.at(idx) != head {
			head.unlockBin()
			continue
		}
		var prev *node[K, V]
		for n := head; n != nil; n = n.next.Load() {
			if n.sprHash() == h && n.key == key {
				v, ok := n.loadValue()
				if !ok || (checkValue && !m.equal(v, expected)) {
					head.unlockBin()
					return zero, false
				}
				n.tombstone()
				next := n.next.Load()
				if prev == nil {
					if next == nil {
						t.set(idx, nil)
					} else {
						t.set(idx, next)
					}
				} else {
					prev.next.Store(next)
				}
				head.unlockBin()
				m.counter.add(-1, m.cpus)
				return v, true
			}
			prev = n
		}
		head.unlockBin()
		return zero, false
	}
}

// Compute invokes fn with a view of key's current entry while the bin is
// locked, and applies whatever decision fn made through that view: calling
// e.Update installs a value (inserting or replacing), calling e.Delete
// removes it if present, and doing neither leaves the entry untouched. fn
// is invoked exactly once. It must not call back into the map for the same
// key (spec §4.3). A nested call from fn that reaches Compute (Compute,
// ComputeIfPresent, Merge, CompareAndSwap, or ComputeIfAbsent on an absent
// key) for a key in the same bin panics with ErrReentrantCallback; a nested
// Put, PutIfAbsent, Replace, Delete or CompareAndDelete on that bin is not
// detected and blocks forever on the bin lock fn's caller holds.
func (m *Map[K, V]) Compute(key K, fn func(e *Entry[K, V])) (V, bool) {
	checkNilKey(key)
	h := m.spread(key)
	var zero V
	if m.poisoned.Load() {
		return zero, false
	}
	// Resolved once per call: cheap to compare against a bin's recorded
	// callback owner, but expensive enough (parses a stack trace) that it
	// is not worth computing per loop iteration or on the Get/Put fast
	// paths that never run a user callback and so can never re-enter.
	gid := currentGoroutineID()
	for {
		t := m.getTable()
		idx := t.indexFor(h)
		head := t.at(idx)

		if head == nil {
			// The placeholder is locked and holds no value before it is
			// published, so readers see the key as absent and writers wait
			// until fn has decided.
			placeholder := newNode[K, V](h, key, zero)
			placeholder.tombstone()
			placeholder.lockBin()
			if !t.cas(idx, nil, placeholder) {
				continue
			}
			newVal, op := m.invokeCompute(placeholder, gid, fn, key, zero, false)
			if op != updateOp {
				t.cas(idx, placeholder, nil)
				placeholder.unlockBin()
				return zero, false
			}
			placeholder.storeValue(newVal)
			placeholder.unlockBin()
			m.addAndMaybeResize(1, t)
			return newVal, true
		}

		if head.isForwarding() {
			switch tgt := head.fwd.(type) {
			case *table[K, V]:
				_ = tgt
				m.joinResize()
				continue
			case *treeBin[K, V]:
				checkReentrant(&tgt.callbackGoroutine, gid)
				return m.computeTree(t, tgt, h, key, gid, fn)
			}
			m.poison("forwarding node with unrecognized target type")
			return zero, false
		}

		checkReentrant(&head.callbackGoroutine, gid)
		head.lockBin()
		if t.at(idx) != head {
			head.unlockBin()
			continue
		}
		var prev, target *node[K, V]
		count := 0
		for n := head; n != nil; n, count = n.next.Load(), count+1 {
			if n.sprHash() == h && n.key == key {
				target = n
				break
			}
			prev = n
		}
		if target != nil {
			old, _ := target.loadValue()
			newVal, op := m.invokeCompute(head, gid, fn, key, old, true)
			switch op {
			case deleteOp:
				target.tombstone()
				next := target.next.Load()
				if prev == nil {
					t.set(idx, next)
				} else {
					prev.next.Store(next)
				}
				head.unlockBin()
				m.counter.add(-1, m.cpus)
				return zero, false
			case updateOp:
				target.storeValue(newVal)
				head.unlockBin()
				return newVal, true
			default: // cancelOp: leave the existing entry untouched
				head.unlockBin()
				return old, true
			}
		}

		newVal, op := m.invokeCompute(head, gid, fn, key, zero, false)
		if op != updateOp {
			head.unlockBin()
			return zero, false
		}
		n := newNode[K, V](h, key, newVal)
		prev.next.Store(n)
		count++
		treeify := count >= treeifyThreshold-1 && t.length() >= minTreeifyTableLen
		head.unlockBin()
		if treeify {
			m.treeifyBin(t, idx)
		}
		m.addAndMaybeResize(1, t)
		return newVal, true
	}
}

// checkReentrant panics if owner already records gid. It runs before the
// bin lock is taken, so several goroutines may reach it at once, but only
// the goroutine holding the bin lock ever records its ID in owner; a match
// here can only mean the calling goroutine is a callback calling back into
// the map for a key in the bin it is already computing (spec §4.3) — not
// contention from another goroutine, which goes on to wait in
// lockBin's/rbLock's wait path.
func checkReentrant(owner *atomic.Uint64, gid uint64) {
	if g := owner.Load(); g != 0 && g == gid {
		panic(ErrReentrantCallback)
	}
}

// invokeCompute runs fn against a fresh Entry view, recording gid as
// binHead's active callback owner for fn's duration so checkReentrant can
// catch a same-goroutine reentrant call before it deadlocks on a lock it
// already holds. The CAS below can only fail if that pre-lock check was
// somehow bypassed; it exists as a last line of defense, not the primary
// guard.
func (m *Map[K, V]) invokeCompute(binHead *node[K, V], gid uint64, fn func(*Entry[K, V]), key K, old V, loaded bool) (V, computeOp) {
	if !binHead.callbackGoroutine.CompareAndSwap(0, gid) {
		panic(ErrReentrantCallback)
	}
	defer binHead.callbackGoroutine.Store(0)
	e := &Entry[K, V]{key: key, value: old, loaded: loaded}
	fn(e)
	return e.value, e.op
}

func (m *Map[K, V]) computeTree(t *table[K, V], tb *treeBin[K, V], h uint32, key K, gid uint64, fn func(e *Entry[K, V])) (V, bool) {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	if !tb.callbackGoroutine.CompareAndSwap(0, gid) {
		panic(ErrReentrantCallback)
	}
	defer tb.callbackGoroutine.Store(0)
	old, loaded := tb.find(h, key, m.equal2)
	e := &Entry[K, V]{key: key, value: old, loaded: loaded}
	fn(e)
	switch e.op {
	case deleteOp:
		if loaded {
			tb.removeLocked(h, key, m.equal2)
			m.counter.add(-1, m.cpus)
		}
		var zero V
		return zero, false
	case updateOp:
		_, existed := tb.putLocked(h, key, e.value)
		if !existed {
			m.addAndMaybeResize(1, t)
		}
		return e.value, true
	default: // cancelOp
		return old, loaded
	}
}

// ComputeIfAbsent computes and inserts a value for key only if it is
// currently absent, guaranteeing fn runs at most once even under
// concurrent callers racing on the same key (spec S5).
func (m *Map[K, V]) ComputeIfAbsent(key K, fn func() (V, bool)) (V, bool) {
	if v, ok := m.Get(key); ok {
		return v, true
	}
	return m.Compute(key, func(e *Entry[K, V]) {
		if e.Loaded() {
			return
		}
		v, ok := fn()
		if ok {
			e.Update(v)
		}
	})
}

// ComputeIfPresent computes a new value only if key is currently present.
func (m *Map[K, V]) ComputeIfPresent(key K, fn func(old V) (V, bool)) (V, bool) {
	return m.Compute(key, func(e *Entry[K, V]) {
		if !e.Loaded() {
			return
		}
		v, del := fn(e.Value())
		if del {
			e.Delete()
		} else {
			e.Update(v)
		}
	})
}

// Merge installs value if key is absent, or fn(old, value) if present,
// removing the mapping if fn returns del==true (spec §4.3).
func (m *Map[K, V]) Merge(key K, value V, fn func(old, new V) (V, bool)) (V, bool) {
	checkNilValue(value)
	return m.Compute(key, func(e *Entry[K, V]) {
		if !e.Loaded() {
			e.Update(value)
			return
		}
		v, del := fn(e.Value(), value)
		if del {
			e.Delete()
		} else {
			e.Update(v)
		}
	})
}

// PutAll inserts every entry from other into m, overwriting on conflict.
func (m *Map[K, V]) PutAll(other *Map[K, V]) {
	other.Range(func(k K, v V) bool {
		m.Put(k, v)
		return true
	})
}

// Clear removes all entries. Not atomic with respect to concurrent
// writers (spec's Non-goals exclude whole-map snapshots).
func (m *Map[K, V]) Clear() {
	t := m.table.Load()
	if t == nil {
		return
	}
	for i := range t.bins {
		n := t.at(i)
		if n == nil {
			continue
		}
		first := n
		if tb, ok := n.fwd.(*treeBin[K, V]); ok {
			first = tb.first.Load()
		} else if n.isForwarding() {
			continue
		}
		count := 0
		for c := first; c != nil; c = c.next.Load() {
			count++
		}
		t.set(i, nil)
		m.counter.add(-int64(count), m.cpus)
	}
}

// Size returns an approximate element count (spec §4.7). Alias: Len.
func (m *Map[K, V]) Size() int { return int(m.MappingCount()) }

// Len is an alias for Size.
func (m *Map[K, V]) Len() int { return m.Size() }

// MappingCount returns a 64-bit approximate element count, saturating at
// math.MaxInt64 rather than overflowing (spec §6).
func (m *Map[K, V]) MappingCount() int64 {
	s := m.counter.sum()
	if s < 0 {
		return 0
	}
	if s > math.MaxInt64 {
		return math.MaxInt64
	}
	return s
}

// IsEmpty reports whether the map has no live entries.
func (m *Map[K, V]) IsEmpty() bool { return m.counter.sum() <= 0 }
