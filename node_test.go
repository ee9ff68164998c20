package chx

import (
	"sync"
	"testing"
)

func TestNodeLockBinMutualExclusion(t *testing.T) {
	n := newNode[int, int](1, 1, 1)
	var count int
	var wg sync.WaitGroup
	const N = 500

	wg.Add(N)
	for range N {
		go func() {
			defer wg.Done()
			n.lockBin()
			count++
			n.unlockBin()
		}()
	}
	wg.Wait()

	if count != N {
		t.Errorf("count = %d, want %d", count, N)
	}
}

func TestNodeTryLockBinFailsWhileHeld(t *testing.T) {
	n := newNode[int, int](1, 1, 1)
	n.lockBin()
	if n.tryLockBin() {
		t.Fatalf("tryLockBin should fail while another owner holds the lock")
	}
	n.unlockBin()
	if !n.tryLockBin() {
		t.Fatalf("tryLockBin should succeed once the lock is free")
	}
	n.unlockBin()
}

func TestNodeUnlockBinWakesWaiters(t *testing.T) {
	n := newNode[int, int](1, 1, 1)
	n.lockBin()

	const waiters = 8
	var wg sync.WaitGroup
	wg.Add(waiters)
	for range waiters {
		go func() {
			defer wg.Done()
			n.lockBin()
			n.unlockBin()
		}()
	}

	// Give the waiters a chance to pile up behind the held lock.
	n.unlockBin()
	wg.Wait()
}

func TestNodeUnlockUnlockedPanics(t *testing.T) {
	n := newNode[int, int](1, 1, 1)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected unlockBin on an unlocked node to panic")
		}
	}()
	n.unlockBin()
}

func TestNodeIsForwarding(t *testing.T) {
	n := newNode[int, int](5, 1, 1)
	if n.isForwarding() {
		t.Fatalf("ordinary node should not report isForwarding")
	}
	fwd := newForwardingNode[int, int]("target")
	if !fwd.isForwarding() {
		t.Fatalf("forwarding node should report isForwarding")
	}
}

func TestNodeTombstone(t *testing.T) {
	n := newNode[int, int](1, 1, 42)
	if v, ok := n.loadValue(); !ok || v != 42 {
		t.Fatalf("loadValue = %d, %v, want 42, true", v, ok)
	}
	n.tombstone()
	if _, ok := n.loadValue(); ok {
		t.Fatalf("loadValue should report absent after tombstone")
	}
}
