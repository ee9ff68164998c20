package chx

import (
	"sync"
	"testing"
)

func TestForEachVisitsEveryEntry(t *testing.T) {
	m := New[int, int](WithParallelism(4))
	const n = 5000
	for i := range n {
		m.Put(i, i)
	}

	var mu sync.Mutex
	seen := make(map[int]bool, n)
	m.ForEach(func(k, v int) {
		if k != v {
			t.Errorf("mismatched pair %d, %d", k, v)
		}
		mu.Lock()
		seen[k] = true
		mu.Unlock()
	})
	if len(seen) != n {
		t.Fatalf("ForEach visited %d entries, want %d", len(seen), n)
	}
}

func TestSearchFindsMatchAndStops(t *testing.T) {
	m := New[int, int](WithParallelism(4))
	const n = 10000
	for i := range n {
		m.Put(i, i)
	}
	target := n - 1
	r, ok := Search(m, func(k, v int) (int, bool) {
		if v == target {
			return v, true
		}
		return 0, false
	})
	if !ok || r != target {
		t.Fatalf("Search = %d, %v, want %d, true", r, ok, target)
	}
}

func TestSearchNoMatch(t *testing.T) {
	m := New[int, int]()
	m.Put(1, 1)
	m.Put(2, 2)
	_, ok := Search(m, func(k, v int) (int, bool) {
		return 0, v > 1000
	})
	if ok {
		t.Fatalf("Search should report no match")
	}
}

func TestReduceSumsAllEntries(t *testing.T) {
	m := New[int, int](WithParallelism(4))
	const n = 10000
	want := int64(0)
	for i := range n {
		m.Put(i, i)
		want += int64(i)
	}
	got := ReduceInt64(m, func(k, v int) int64 { return int64(v) }, func(a, b int64) int64 { return a + b })
	if got != want {
		t.Fatalf("ReduceInt64 = %d, want %d", got, want)
	}
}

func TestReduceEmptyMapReturnsIdentity(t *testing.T) {
	m := New[int, int]()
	got := Reduce(m, func(k, v int) int { return v }, -1, func(a, b int) int { return a + b })
	if got != -1 {
		t.Fatalf("Reduce on empty map = %d, want identity -1", got)
	}
}
