package cuckoo

import (
	"unsafe"
)

// ============================================================================
// Configuration
// ============================================================================

// Config defines configurable options for Map construction. This structure
// contains all the parameters that can be used to customize the behavior
// and performance characteristics of a Map instance. The zero value is not
// meaningful; New fills in the defaults before applying options.
type Config struct {
	// keyHash specifies a custom hash function for keys.
	// If nil, the built-in hash function will be used. The function must be
	// stateless and deterministic for the lifetime of the table.
	// Custom hash functions can improve performance for specific key types
	// or provide better hash distribution.
	keyHash HashFunc

	// keyEq specifies a custom equality function for keys. If nil, the
	// built-in == comparison is used. A custom equality must be reflexive,
	// symmetric, transitive, and consistent with the hash function.
	keyEq EqualFunc

	// capacity provides an estimate of the expected number of entries.
	// This is used to pre-allocate the bucket array with an appropriate
	// hashpower, reducing the need for resizing during initial population.
	// If zero or negative, the default capacity will be used.
	capacity int

	// minLoadFactor is the load factor below which an automatic expansion
	// refuses to run; see SetMinimumLoadFactor.
	minLoadFactor float64

	// maxHashpower caps table growth; see SetMaximumHashpower.
	maxHashpower int
}

// WithCapacity configures a new Map instance with capacity enough to hold
// cap entries without resizing.
//
// Parameters:
//   - cap: expected number of entries. If cap is zero or negative, the
//     value is ignored and the default capacity is used.
//
// Usage:
//
//	m := New[string, int](WithCapacity(1_000_000))
//
// Notes:
//   - The bucket array is sized to the smallest power-of-2 bucket count
//     whose slots cover cap, so the actual capacity may be larger.
//   - The table still grows on demand past cap; this option only avoids
//     the doubling work while the table fills up to it.
func WithCapacity(cap int) func(*Config) {
	return func(c *Config) {
		if cap > 0 {
			c.capacity = cap
		}
	}
}

// WithHasher sets a custom key hashing function for the map.
// This allows you to optimize hash distribution for specific key types
// or implement custom hashing strategies.
//
// Parameters:
//   - keyHash: hash function that takes a key and the per-table seed and
//     returns the hash value. It must be stateless and deterministic for
//     the lifetime of the table. Pass nil to keep the default built-in
//     hasher.
//
// Usage:
//
//	// Basic custom hasher
//	m := New[string, int](WithHasher(func(k string, seed uintptr) uintptr {
//		return uintptr(len(k)) ^ seed
//	}))
//
// Use cases:
//   - Optimize hash distribution for known key patterns
//   - Case-insensitive string hashing (together with WithKeyEqual)
//   - Custom hashing for composite key types
//
// Notes:
//   - Both candidate buckets of a key derive from this hash; a poor hash
//     concentrates keys on few buckets and forces early resizes, up to the
//     minimum-load-factor panic on adversarial input.
//   - The function is also invoked on stored keys during path moves and
//     resizes. It must not panic; a panic mid-operation propagates to the
//     caller.
func WithHasher[K comparable](
	keyHash func(key K, seed uintptr) uintptr,
) func(*Config) {
	return func(c *Config) {
		if keyHash != nil {
			c.keyHash = func(ptr unsafe.Pointer, seed uintptr) uintptr {
				return keyHash(*(*K)(ptr), seed)
			}
		}
	}
}

// WithHasherUnsafe sets a low-level unsafe key hashing function.
// This is the high-performance version of WithHasher that operates
// directly on memory pointers. Use this when you need maximum performance
// and are comfortable with unsafe operations.
//
// Parameters:
//   - hs: unsafe hash function that operates on a raw unsafe.Pointer to
//     the key data in memory. Pass nil to keep the default built-in
//     hasher.
//
// Usage:
//
//	unsafeHasher := func(ptr unsafe.Pointer, seed uintptr) uintptr {
//		key := *(*string)(ptr)
//		return uintptr(len(key)) ^ seed // example hash
//	}
//	m := New[string, int](WithHasherUnsafe(unsafeHasher))
//
// Notes:
//   - You must correctly cast the unsafe.Pointer to the actual key type
//   - Incorrect pointer operations will cause crashes or memory corruption
//   - Only use if you understand Go's unsafe package
func WithHasherUnsafe(hs HashFunc) func(*Config) {
	return func(c *Config) {
		c.keyHash = hs
	}
}

// WithKeyEqual sets a custom key equality function, replacing the built-in
// == comparison.
//
// Parameters:
//   - eq: equality function for two keys. It must be reflexive, symmetric
//     and transitive, and consistent with the configured hash: keys that
//     compare equal must hash identically. Pass nil to keep the built-in
//     comparison.
//
// Usage:
//
//	m := New[string, int](
//		WithHasher(caseInsensitiveHash),
//		WithKeyEqual(strings.EqualFold),
//	)
//
// Use cases:
//   - Case-insensitive string keys
//   - Composite keys where only some fields identify an entry
//
// Notes:
//   - Configuring a custom equality disables the simple-key fast path for
//     integer key types, since the comparison is no longer a single
//     integer compare.
//   - The function runs under bucket locks. Keep it short and never call
//     back into the same Map.
func WithKeyEqual[K comparable](eq func(a, b K) bool) func(*Config) {
	return func(c *Config) {
		if eq != nil {
			c.keyEq = func(ptr, other unsafe.Pointer) bool {
				return eq(*(*K)(ptr), *(*K)(other))
			}
		}
	}
}

// WithMinimumLoadFactor sets the load factor below which an automatic
// expansion panics with *LoadFactorTooLowError.
//
// An automatic expansion at a tiny load factor means keys are being placed
// pathologically — usually a hash function that maps many keys to the same
// pair of buckets. Failing fast beats doubling the table forever.
//
// Parameters:
//   - mlf: threshold in [0, 1]. 0 disables the check. Out-of-range values
//     panic.
//
// Usage:
//
//	m := New[string, int](WithMinimumLoadFactor(0.1))
//
// Notes:
//   - Only automatic expansions consult the threshold; explicit Rehash and
//     Reserve never do.
//   - The threshold can be adjusted later with SetMinimumLoadFactor.
func WithMinimumLoadFactor(mlf float64) func(*Config) {
	return func(c *Config) {
		if mlf < 0 || mlf > 1 {
			panic("cuckoo: minimum load factor must be within [0, 1]")
		}
		c.minLoadFactor = mlf
	}
}

// WithMaximumHashpower caps table growth. Any expansion — automatic or
// explicit — that would push the hashpower beyond mhp panics with
// *HashpowerExceededError, leaving the table unchanged.
//
// Parameters:
//   - mhp: largest allowed hashpower (the table never exceeds 2^mhp
//     buckets, i.e. 2^mhp * SlotsPerBucket slots). Zero or negative values
//     are ignored, leaving growth unbounded.
//
// Usage:
//
//	// Hold the table at or below 2^20 buckets.
//	m := New[uint64, Session](WithMaximumHashpower(20))
//
// Notes:
//   - Use this to put a hard ceiling on the table's memory footprint.
//   - The cap can be adjusted later with SetMaximumHashpower, but never
//     below the current hashpower.
func WithMaximumHashpower(mhp int) func(*Config) {
	return func(c *Config) {
		if mhp > 0 {
			c.maxHashpower = mhp
		}
	}
}
