package chx

import (
	"log/slog"
	"runtime"
)

// config collects the options New applies before the map's first bin is
// ever touched. Grounded on the teacher's MapConfig / functional-options
// pattern (formerly map_config.go).
type config[K comparable, V any] struct {
	initialCapacity  int
	loadFactor       float64
	concurrencyLevel int
	parallelism      int
	hasher           HashFunc[K]
	compare          CompareFunc[K]
	equal            func(a, b V) bool
	logger           *slog.Logger
}

func defaultConfig[K comparable, V any]() *config[K, V] {
	return &config[K, V]{
		initialCapacity:  16,
		loadFactor:       0.75,
		concurrencyLevel: 1,
		parallelism:      runtime.GOMAXPROCS(0),
		logger:           slog.New(slog.DiscardHandler),
	}
}

// Option configures a Map at construction time.
type Option[K comparable, V any] func(*config[K, V])

// WithInitialCapacity sets a sizing hint for the initial table (spec §6).
// The table is allocated at the next power of two >= capacity/loadFactor+1.
func WithInitialCapacity[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) {
		if n > 0 {
			c.initialCapacity = n
		}
	}
}

// WithLoadFactor sets the density used to size the initial table
// (calcTableLen); the runtime resize threshold policy remains fixed at
// 0.75 regardless of this setting (spec §6).
func WithLoadFactor[K comparable, V any](f float64) Option[K, V] {
	return func(c *config[K, V]) {
		if f > 0 && f <= 1 {
			c.loadFactor = f
		}
	}
}

// WithConcurrencyLevel is a lower-bound hint for the table's initial
// capacity, folded together with WithInitialCapacity: New sizes the table
// for at least max(initialCapacity, concurrencyLevel) entries (spec §6).
// It does not affect the striped counter's cell count; that ceiling
// tracks WithParallelism instead, since both describe how many goroutines
// the map should expect to have live at once.
func WithConcurrencyLevel[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) {
		if n > 0 {
			c.concurrencyLevel = n
		}
	}
}

// WithParallelism bounds the worker fan-out used by bulk forEach/search/
// reduce operations (spec §4.9). Defaults to GOMAXPROCS.
func WithParallelism[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithHasher overrides the default runtime-derived hasher.
func WithHasher[K comparable, V any](fn HashFunc[K]) Option[K, V] {
	return func(c *config[K, V]) { c.hasher = fn }
}

// WithCompare supplies a total order over keys so tree bins can bound
// search at O(log n) instead of falling back to dual-subtree search on
// every hash tie (spec §4.5 point 3).
func WithCompare[K comparable, V any](fn CompareFunc[K]) Option[K, V] {
	return func(c *config[K, V]) { c.compare = fn }
}

// WithValueEqual supplies the equality relation replace(key, old, new)
// and CompareAndDelete use to compare the current value against the
// caller's expectation (spec §4.3).
func WithValueEqual[K comparable, V any](fn func(a, b V) bool) Option[K, V] {
	return func(c *config[K, V]) { c.equal = fn }
}

// WithLogger opts into diagnostic logging on the poisoned-map path
// (SPEC_FULL.md §8). The default logger discards everything: a table
// library has no business logging on the happy path.
func WithLogger[K comparable, V any](l *slog.Logger) Option[K, V] {
	return func(c *config[K, V]) {
		if l != nil {
			c.logger = l
		}
	}
}
