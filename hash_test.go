package chx

import "testing"

func TestSpreadClearsLockBits(t *testing.T) {
	for _, h := range []uint64{0, 1, 1 << 40, ^uint64(0)} {
		s := spread(h)
		if s&waitingState != 0 {
			t.Errorf("spread(%#x) = %#x, lock/forwarding bits must be clear", h, s)
		}
	}
}

func TestSpreadDeterministic(t *testing.T) {
	if spread(12345) != spread(12345) {
		t.Fatalf("spread should be a pure function of its input")
	}
}

func TestDefaultHasherDistinguishesKeys(t *testing.T) {
	hasher := defaultHasher[string]()
	a := hasher("alpha")
	b := hasher("beta")
	if a == b {
		t.Fatalf("defaultHasher produced identical hashes for distinct keys (may be a rare false positive)")
	}
	if hasher("alpha") != a {
		t.Fatalf("defaultHasher is not stable within a process for the same key")
	}
}

func TestDefaultHasherIntKeys(t *testing.T) {
	hasher := defaultHasher[int]()
	seen := make(map[uint64]bool)
	for i := range 1000 {
		seen[hasher(i)] = true
	}
	if len(seen) < 990 {
		t.Errorf("defaultHasher produced only %d distinct hashes for 1000 distinct ints", len(seen))
	}
}
