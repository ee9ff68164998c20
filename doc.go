// Package chx implements a concurrent hash table supporting full
// concurrency for lookups and high concurrency for updates, in the
// tradition of java.util.concurrent.ConcurrentHashMap: per-bin locking
// overlaid on a bin-head node's hash word, cooperative incremental
// resizing with forwarding markers, red-black tree bins for degenerate
// buckets, a striped counter for size accounting, and parallel bulk
// forEach/search/reduce over a splittable traversal cursor.
//
// Neither keys nor values may be nil at the public boundary. A Map is
// constructed with New and is not usable at its zero value.
package chx
