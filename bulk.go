package chx

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// bulkBatchFactor is the leaf-size heuristic from spec §4.9: recursive cursor
// splitting stops once there are roughly parallelism*8 leaves left,
// balancing fan-out overhead against load imbalance between goroutines.
const bulkBatchFactor = 8

func (m *Map[K, V]) leafCount() int {
	n := m.parallelism * bulkBatchFactor
	if n < 1 {
		n = 1
	}
	return n
}

// splitCursors recursively splits a cursor into up to `leaves` pieces,
// grounded on spec §4.9's "recursive cursor splitting down to a batch
// heuristic" and implemented over cursor.Split (module G).
func splitCursors[K comparable, V any](c *cursor[K, V], leaves int) []*cursor[K, V] {
	cursors := []*cursor[K, V]{c}
	for len(cursors) < leaves {
		grew := false
		next := make([]*cursor[K, V], 0, len(cursors)*2)
		for _, cur := range cursors {
			if left, ok := cur.Split(); ok {
				next = append(next, left, cur)
				grew = true
			} else {
				next = append(next, cur)
			}
		}
		cursors = next
		if !grew {
			break
		}
	}
	return cursors
}

func (m *Map[K, V]) newRootCursor() *cursor[K, V] {
	t := m.table.Load()
	if t == nil {
		return newCursor[K, V](newTable[K, V](1), 0, 0)
	}
	return newCursor[K, V](t, 0, t.length())
}

// ForEach applies action to every live (key, value) pair, fanned out
// across up to WithParallelism workers via golang.org/x/sync/errgroup
// (spec §4.9; SPEC_FULL.md §5.9 for why errgroup replaces the Java
// original's ForkJoinTask tree).
func (m *Map[K, V]) ForEach(action func(key K, value V)) {
	cursors := splitCursors(m.newRootCursor(), m.leafCount())
	var g errgroup.Group
	g.SetLimit(m.parallelism)
	for _, c := range cursors {
		c := c
		g.Go(func() error {
			for {
				k, v, ok := c.Next()
				if !ok {
					return nil
				}
				action(k, v)
			}
		})
	}
	_ = g.Wait()
}

// Search applies fn to entries in parallel and returns the first non-nil
// result any leaf produces, cancelling the remaining leaves as soon as one
// is found (spec §4.9: "stop globally when any task produces a non-null
// result").
func Search[K comparable, V any, R any](m *Map[K, V], fn func(key K, value V) (R, bool)) (R, bool) {
	cursors := splitCursors(m.newRootCursor(), m.leafCount())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)

	type found struct {
		r  R
		ok bool
	}
	results := make(chan found, 1)

	for _, c := range cursors {
		c := c
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				k, v, ok := c.Next()
				if !ok {
					return nil
				}
				if r, matched := fn(k, v); matched {
					select {
					case results <- found{r, true}:
						cancel()
					default:
					}
					return nil
				}
			}
		})
	}
	_ = g.Wait()
	select {
	case f := <-results:
		return f.r, f.ok
	default:
		var zero R
		return zero, false
	}
}

// Reduce folds every live (key, value) pair into a single result using an
// associative, commutative combiner, computed independently per leaf and
// combined bottom-up (spec §4.9). identity must be the combiner's neutral
// element.
func Reduce[K comparable, V any, R any](
	m *Map[K, V],
	transform func(key K, value V) R,
	identity R,
	combine func(a, b R) R,
) R {
	cursors := splitCursors(m.newRootCursor(), m.leafCount())
	partials := make([]R, len(cursors))
	var g errgroup.Group
	g.SetLimit(m.parallelism)
	for i, c := range cursors {
		i, c := i, c
		g.Go(func() error {
			acc := identity
			for {
				k, v, ok := c.Next()
				if !ok {
					break
				}
				acc = combine(acc, transform(k, v))
			}
			partials[i] = acc
			return nil
		})
	}
	_ = g.Wait()
	// Every leaf already started from identity; splitCursors always
	// returns at least one cursor, so partials is never empty.
	result := partials[0]
	for _, p := range partials[1:] {
		result = combine(result, p)
	}
	return result
}

// ReduceInt64 is the fixed-identity-zero convenience form for int64-valued
// reductions (spec §4.9's primitive-arity reduce variants, e.g.
// reduceToLong): it is Reduce with R fixed to int64 and identity 0.
func ReduceInt64[K comparable, V any](m *Map[K, V], transform func(key K, value V) int64, combine func(a, b int64) int64) int64 {
	return Reduce(m, transform, int64(0), combine)
}
