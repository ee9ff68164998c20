package chx

import (
	"sync"
	"testing"
)

func TestMapPutGet(t *testing.T) {
	m := New[string, int]()
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected absent key to report not found")
	}
	m.Put("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", v, ok)
	}
	old, existed := m.Put("a", 2)
	if !existed || old != 1 {
		t.Fatalf("Put replace = %d, %v, want 1, true", old, existed)
	}
	v, ok = m.Get("a")
	if !ok || v != 2 {
		t.Fatalf("Get(a) after replace = %d, %v, want 2, true", v, ok)
	}
}

func TestMapPutIfAbsent(t *testing.T) {
	m := New[string, int]()
	v, loaded := m.PutIfAbsent("k", 10)
	if loaded || v != 10 {
		t.Fatalf("first PutIfAbsent = %d, %v, want 10, false", v, loaded)
	}
	v, loaded = m.PutIfAbsent("k", 20)
	if !loaded || v != 10 {
		t.Fatalf("second PutIfAbsent = %d, %v, want 10, true", v, loaded)
	}
}

func TestMapDelete(t *testing.T) {
	m := New[string, int]()
	m.Put("k", 1)
	v, ok := m.Delete("k")
	if !ok || v != 1 {
		t.Fatalf("Delete = %d, %v, want 1, true", v, ok)
	}
	if _, ok := m.Get("k"); ok {
		t.Fatalf("key should be gone after Delete")
	}
	if _, ok := m.Delete("k"); ok {
		t.Fatalf("Delete on absent key should report false")
	}
}

func TestMapCompareAndDelete(t *testing.T) {
	m := New[string, int]()
	m.Put("k", 1)
	if m.CompareAndDelete("k", 2) {
		t.Fatalf("CompareAndDelete should fail on value mismatch")
	}
	if _, ok := m.Get("k"); !ok {
		t.Fatalf("key should survive a failed CompareAndDelete")
	}
	if !m.CompareAndDelete("k", 1) {
		t.Fatalf("CompareAndDelete should succeed on matching value")
	}
}

func TestMapComputeIfAbsentSingleRun(t *testing.T) {
	m := New[string, int]()
	var calls int
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			m.ComputeIfAbsent("k", func() (int, bool) {
				calls++
				return 7, true
			})
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Errorf("ComputeIfAbsent fn ran %d times under contention, want 1", calls)
	}
	v, ok := m.Get("k")
	if !ok || v != 7 {
		t.Fatalf("Get(k) = %d, %v, want 7, true", v, ok)
	}
}

func TestMapComputeReentrantPanics(t *testing.T) {
	m := New[string, int]()
	m.Put("k", 1)
	defer func() {
		r := recover()
		if r != ErrReentrantCallback {
			t.Fatalf("expected panic ErrReentrantCallback, got %v", r)
		}
	}()
	m.Compute("k", func(e *Entry[string, int]) {
		m.Compute("k", func(*Entry[string, int]) {})
	})
}

func TestMapNilKeyPanics(t *testing.T) {
	m := New[*int, int]()
	defer func() {
		r := recover()
		if r != ErrNilKey {
			t.Fatalf("expected panic ErrNilKey, got %v", r)
		}
	}()
	m.Put(nil, 1)
}

func TestMapNilValuePanics(t *testing.T) {
	m := New[string, *int]()
	defer func() {
		r := recover()
		if r != ErrNilValue {
			t.Fatalf("expected panic ErrNilValue, got %v", r)
		}
	}()
	m.Put("k", nil)
}

func TestMapNilCheckIsNoopForNonNilableTypes(t *testing.T) {
	m := New[int, int]()
	m.Put(0, 0) // zero value of a non-nilable type is not "nil"; must not panic
	if v, ok := m.Get(0); !ok || v != 0 {
		t.Fatalf("Get(0) = %v, %v, want 0, true", v, ok)
	}
}

func TestMapComputeCancelLeavesEntryUntouched(t *testing.T) {
	m := New[string, int]()
	m.Put("k", 1)

	v, ok := m.Compute("k", func(e *Entry[string, int]) {
		// Neither Update nor Delete: a pure read, entry must survive.
	})
	if !ok || v != 1 {
		t.Fatalf("Compute cancel = %d, %v, want 1, true", v, ok)
	}
	got, present := m.Get("k")
	if !present || got != 1 {
		t.Fatalf("Get(k) after cancel = %d, %v, want 1, true", got, present)
	}
}

func TestMapComputeUpdateAndDelete(t *testing.T) {
	m := New[string, int]()

	v, ok := m.Compute("k", func(e *Entry[string, int]) {
		if e.Loaded() {
			t.Fatalf("expected entry to be absent")
		}
		e.Update(9)
	})
	if !ok || v != 9 {
		t.Fatalf("Compute insert = %d, %v, want 9, true", v, ok)
	}

	v, ok = m.Compute("k", func(e *Entry[string, int]) {
		if !e.Loaded() || e.Value() != 9 {
			t.Fatalf("expected loaded entry with value 9")
		}
		e.Delete()
	})
	if ok {
		t.Fatalf("Compute delete reported present, want absent")
	}
	if _, present := m.Get("k"); present {
		t.Fatalf("key should be gone after Compute delete")
	}
}

func TestMapMerge(t *testing.T) {
	m := New[string, int]()
	m.Merge("k", 1, func(old, new int) (int, bool) { return old + new, false })
	v, _ := m.Get("k")
	if v != 1 {
		t.Fatalf("Merge on absent key = %d, want 1", v)
	}
	m.Merge("k", 5, func(old, new int) (int, bool) { return old + new, false })
	v, _ = m.Get("k")
	if v != 6 {
		t.Fatalf("Merge on present key = %d, want 6", v)
	}
	m.Merge("k", 0, func(old, new int) (int, bool) { return 0, true })
	if _, ok := m.Get("k"); ok {
		t.Fatalf("Merge returning del=true should remove the entry")
	}
}

func TestMapConcurrentPutDelete(t *testing.T) {
	m := New[int, int]()
	const n = 2000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			m.Put(i, i*i)
		}(i)
	}
	wg.Wait()

	for i := range n {
		v, ok := m.Get(i)
		if !ok || v != i*i {
			t.Fatalf("Get(%d) = %d, %v, want %d, true", i, v, ok, i*i)
		}
	}
	if got := m.Size(); got != n {
		t.Fatalf("Size() = %d, want %d", got, n)
	}

	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			m.Delete(i)
		}(i)
	}
	wg.Wait()
	if got := m.Size(); got != 0 {
		t.Fatalf("Size() after full delete = %d, want 0", got)
	}
}

func TestMapRangeVisitsEveryLiveEntry(t *testing.T) {
	m := New[int, int]()
	const n = 5000
	for i := range n {
		m.Put(i, i)
	}
	seen := make(map[int]bool, n)
	m.Range(func(k, v int) bool {
		if k != v {
			t.Fatalf("Range yielded mismatched pair %d, %d", k, v)
		}
		seen[k] = true
		return true
	})
	if len(seen) != n {
		t.Fatalf("Range visited %d entries, want %d", len(seen), n)
	}
}

func TestMapIsEmpty(t *testing.T) {
	m := New[string, int]()
	if !m.IsEmpty() {
		t.Fatalf("new map should be empty")
	}
	m.Put("a", 1)
	if m.IsEmpty() {
		t.Fatalf("map with an entry should not be empty")
	}
}
