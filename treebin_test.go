package chx

import (
	"sync"
	"testing"
)

// collidingHasher forces every key into the same table bin so puts route
// through the linear-list path until treeification kicks in.
func collidingHasher() HashFunc[int] {
	return func(key int) uint64 { return 42 }
}

func TestTreeifyOnHeavyCollision(t *testing.T) {
	m := New[int, int](
		WithInitialCapacity(128),
		WithHasher(collidingHasher()),
		WithCompare(func(a, b int) int { return a - b }),
	)
	const n = 2000
	for i := range n {
		m.Put(i, i*2)
	}

	tab := m.table.Load()
	idx := tab.indexFor(spread(42))
	head := tab.at(idx)
	if head == nil || !head.isForwarding() {
		t.Fatalf("expected the colliding bin to have treeified into a forwarding node")
	}
	if _, ok := head.fwd.(*treeBin[int, int]); !ok {
		t.Fatalf("expected forwarding node to target a treeBin, got %T", head.fwd)
	}

	for i := range n {
		v, ok := m.Get(i)
		if !ok || v != i*2 {
			t.Fatalf("Get(%d) = %d, %v, want %d, true", i, v, ok, i*2)
		}
	}
	if got := m.Size(); got != n {
		t.Fatalf("Size() = %d, want %d", got, n)
	}
}

func TestTreeBinFindLinearFallback(t *testing.T) {
	compare := func(a, b int) int { return a - b }
	var head *node[int, int]
	var tail *node[int, int]
	for i := range 20 {
		n := newNode[int, int](uint32(7), i, i)
		if head == nil {
			head = n
		} else {
			tail.next.Store(n)
		}
		tail = n
	}
	tb := newTreeBin[int, int](head, compare)

	tb.lock.Lock()
	for i := range 20 {
		v, ok := tb.findLinear(7, i, func(a, b int) bool { return a == b })
		if !ok || v != i {
			t.Fatalf("findLinear(%d) = %d, %v, want %d, true", i, v, ok, i)
		}
	}
	tb.lock.Unlock()

	for i := range 20 {
		v, ok := tb.Get(7, i, func(a, b int) bool { return a == b })
		if !ok || v != i {
			t.Fatalf("Get(%d) = %d, %v, want %d, true", i, v, ok, i)
		}
	}
}

func TestTreeBinConcurrentReadersDuringWrite(t *testing.T) {
	m := New[int, int](
		WithInitialCapacity(128),
		WithHasher(collidingHasher()),
		WithCompare(func(a, b int) int { return a - b }),
	)
	const n = 200
	for i := range n {
		m.Put(i, i)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(4)
	for range 4 {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := range n {
					m.Get(i) // exercises both TryRLock and findLinear fallback paths
				}
			}
		}()
	}

	for i := n; i < n+100; i++ {
		m.Put(i, i)
	}
	close(stop)
	wg.Wait()

	if got := m.Size(); got != n+100 {
		t.Fatalf("Size() = %d, want %d", got, n+100)
	}
}
