package chx

import "errors"

// Sentinel errors returned or panicked at the map's public boundary.
var (
	// ErrNilKey is panicked when an operation is given a nil key of a
	// pointer, interface, map, slice, chan, or func kind (checkNilKey,
	// map.go). No-op for K instantiations that cannot be nil.
	ErrNilKey = errors.New("chx: nil key")

	// ErrNilValue is ErrNilKey's counterpart for values (checkNilValue).
	ErrNilValue = errors.New("chx: nil value")

	// ErrReentrantCallback is panicked when a Compute, ComputeIfAbsent, or
	// Merge callback makes a nested Compute-based call (Compute,
	// ComputeIfPresent, Merge, CompareAndSwap, or ComputeIfAbsent on an
	// absent key) for a key in the bin still locked by the outer call.
	// Other nested writes to that bin are not detected.
	ErrReentrantCallback = errors.New("chx: reentrant callback on same key")

	// ErrMapPoisoned is returned by Map.Err once an internal invariant
	// violation (a forwarding node with an unrecognized target) has been
	// detected; mutating operations then return without changing the map.
	// The map is no longer safe to use.
	ErrMapPoisoned = errors.New("chx: internal invariant violated, map poisoned")
)
