package chx

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitForResize blocks until any in-flight resize this map is running has
// published its new table, so a test can inspect table state deterministically
// right after a burst of inserts that may have triggered a background resize.
func waitForResize[K comparable, V any](t *testing.T, m *Map[K, V]) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rs := m.resizing.Load()
		if rs == nil {
			return
		}
		rs.done.Wait()
		if time.Now().After(deadline) {
			t.Fatalf("resize did not converge in time")
		}
	}
}

func TestResizeGrowsTableUnderLoad(t *testing.T) {
	m := New[int, int](WithInitialCapacity(16))
	const n = 10000
	for i := range n {
		m.Put(i, i)
	}
	waitForResize(t, m)
	tab := m.table.Load()
	if tab == nil {
		t.Fatalf("table should be allocated after inserts")
	}
	if got := tab.length(); got < 16384 {
		t.Errorf("table length = %d, want at least 16384 after %d inserts", got, n)
	}
	for i := range n {
		v, ok := m.Get(i)
		if !ok || v != i {
			t.Fatalf("Get(%d) = %d, %v, want %d, true", i, v, ok, i)
		}
	}
}

func TestResizeConcurrentReadersDuringGrowth(t *testing.T) {
	m := New[int, int](WithInitialCapacity(16))
	const n = 8000
	var stop atomic.Bool
	var readErrs atomic.Int64

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			for i := range 100 {
				m.Get(i) // must never panic or deadlock, presence is not guaranteed mid-flight
			}
		}
	}()

	for i := range n {
		m.Put(i, i)
	}
	stop.Store(true)
	wg.Wait()
	waitForResize(t, m)

	if readErrs.Load() != 0 {
		t.Fatalf("unexpected reader errors: %d", readErrs.Load())
	}
	if got := m.Size(); got != n {
		t.Fatalf("Size() = %d, want %d", got, n)
	}
}

func TestResizeHelpersConverge(t *testing.T) {
	m := New[int, int](WithInitialCapacity(16), WithParallelism(4))
	const n = 20000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			m.Put(i, i)
		}(i)
	}
	wg.Wait()
	waitForResize(t, m)

	if got := m.Size(); got != n {
		t.Fatalf("Size() = %d, want %d", got, n)
	}
	if m.resizing.Load() != nil {
		t.Errorf("resize should have converged by the time all writers finished")
	}
}

// bitSplitHasher spreads keys across exactly two bins of a table already at
// or above the treeify table-length threshold, so both bins treeify, then grows the table so a
// resize must run transferTree on each.
func bitSplitHasher() HashFunc[int] {
	return func(key int) uint64 {
		if key%2 == 0 {
			return 1
		}
		return 2
	}
}

func TestResizeSplitsTreeBins(t *testing.T) {
	m := New[int, int](
		WithInitialCapacity(64),
		WithHasher(bitSplitHasher()),
		WithCompare(func(a, b int) int { return a - b }),
	)
	const n = 4000
	for i := range n {
		m.Put(i, i*3)
	}
	waitForResize(t, m)

	for i := range n {
		v, ok := m.Get(i)
		if !ok || v != i*3 {
			t.Fatalf("Get(%d) = %d, %v, want %d, true", i, v, ok, i*3)
		}
	}
	if got := m.Size(); got != n {
		t.Fatalf("Size() = %d, want %d", got, n)
	}
}

// TestResizeHelperBudgetBounded drives enough concurrent writers through a
// resize that the resizeHelpers semaphore must reject some TryAcquire
// calls, exercising the inline-help fallback path in spawnHelper.
func TestResizeHelperBudgetBounded(t *testing.T) {
	m := New[int, int](WithInitialCapacity(16), WithParallelism(2))
	const n = 30000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			m.Put(i, i)
		}(i)
	}
	wg.Wait()
	waitForResize(t, m)

	if got := m.Size(); got != n {
		t.Fatalf("Size() = %d, want %d", got, n)
	}
	if !m.resizeHelpers.TryAcquire(int64(m.parallelism)) {
		t.Fatalf("resizeHelpers semaphore should have all permits free once every resize settled")
	}
}
