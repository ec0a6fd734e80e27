// Package cuckoo provides a concurrent hash table based on bucketed cuckoo
// hashing with striped spinlocks. Many goroutines can insert, look up,
// update and erase entries on a single shared table; growth happens on-line
// while other operations keep running.
package cuckoo

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"
)

// Map is a concurrent associative container mapping keys of a hashable type
// to values. Every key lives in one of exactly two candidate buckets
// derived from its hash; point operations lock only the two stripes
// covering those buckets, so disjoint keys rarely contend.
//
// Core properties:
//   - Point operations are linearizable per key at the two-bucket lock.
//   - The table doubles on-line; a resize migrates buckets in parallel
//     while blocked operations retry against the new hashpower.
//   - View provides an exclusive whole-table handle for iteration and bulk
//     operations.
//
// Notes:
//   - Map must be created with New and must not be copied after first use.
//   - Size, LoadFactor and friends are approximate under concurrent
//     mutation; exact numbers require a locked View.
//   - Callback functions run while bucket stripes are held. Keep them
//     short, never call back into the same Map, and do not panic.
type Map[K comparable, V any] struct {
	_       noCopy
	table   atomic.Pointer[bucketArray[K, V]]
	current atomic.Pointer[lockArray]
	// genHead is the oldest lock generation; the list only ever grows, so
	// a goroutine blocked on an old generation's stripe can always be
	// woken by whoever holds it.
	genHead           *lockArray
	keyHash           HashFunc
	keyEq             EqualFunc
	seed              uintptr
	simpleKey         bool
	minLoadFactorBits atomic.Uint64
	maxHashpower      atomic.Int64
}

// New creates a Map configured by the given options.
//
// Parameters:
//   - options: configuration options (WithCapacity, WithHasher,
//     WithKeyEqual, WithMinimumLoadFactor, WithMaximumHashpower)
func New[K comparable, V any](options ...func(*Config)) *Map[K, V] {
	cfg := Config{
		capacity:      defaultCapacity,
		minLoadFactor: defaultMinimumLoadFactor,
		maxHashpower:  noMaxHashpower,
	}
	for _, o := range options {
		o(&cfg)
	}
	m := &Map[K, V]{}
	m.init(&cfg)
	return m
}

func (m *Map[K, V]) init(cfg *Config) {
	m.keyHash, m.simpleKey = defaultHasher[K]()
	if cfg.keyHash != nil {
		m.keyHash = cfg.keyHash
	}
	if cfg.keyEq != nil {
		m.keyEq = cfg.keyEq
		// A custom comparison is not necessarily a single integer compare,
		// so the partial pre-filter pays for itself again.
		m.simpleKey = false
	}
	m.seed = uintptr(rand.Uint64())
	m.minLoadFactorBits.Store(math.Float64bits(cfg.minLoadFactor))
	m.maxHashpower.Store(int64(cfg.maxHashpower))

	hp := reserveCalc(max(cfg.capacity, 1))
	m.table.Store(newBucketArray[K, V](hp))
	gen := newLockArray(min(maxNumStripes, hashSize(hp)))
	m.genHead = gen
	m.current.Store(gen)
}

// hashKey computes the full hash and partial tag for a key.
//
//go:nosplit
func (m *Map[K, V]) hashKey(key *K) hashValue {
	h := m.keyHash(noescape(unsafe.Pointer(key)), m.seed)
	return hashValue{hash: h, partial: partialKey(h)}
}

//go:nosplit
func (m *Map[K, V]) hashKeyOnly(key *K) uintptr {
	return m.keyHash(noescape(unsafe.Pointer(key)), m.seed)
}

// Load returns a copy of the value stored for key, snapshotted at call
// time.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	hv := m.hashKey(&key)
	tb := m.snapshotAndLockTwo(hv, lockActive)
	pos := m.cuckooFind(&tb, hv.partial, &key)
	if pos.status == opOK {
		value = tb.ba.at(pos.index).vals[pos.slot]
		ok = true
	}
	m.unlockTwo(&tb)
	return value, ok
}

// LoadOr returns the value stored for key, or def when the key is absent.
func (m *Map[K, V]) LoadOr(key K, def V) V {
	if v, ok := m.Load(key); ok {
		return v
	}
	return def
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	hv := m.hashKey(&key)
	tb := m.snapshotAndLockTwo(hv, lockActive)
	pos := m.cuckooFind(&tb, hv.partial, &key)
	m.unlockTwo(&tb)
	return pos.status == opOK
}

// Visit invokes fn with a pointer to the stored value while the covering
// bucket stripes are held, and reports whether the key was found. Any
// mutation fn makes is visible to subsequent readers.
func (m *Map[K, V]) Visit(key K, fn func(val *V)) bool {
	hv := m.hashKey(&key)
	tb := m.snapshotAndLockTwo(hv, lockActive)
	pos := m.cuckooFind(&tb, hv.partial, &key)
	found := pos.status == opOK
	if found {
		fn(&tb.ba.at(pos.index).vals[pos.slot])
	}
	m.unlockTwo(&tb)
	return found
}

// VisitAll invokes fn for every entry, one bucket at a time under that
// bucket's stripe. The sweep is weakly consistent: entries inserted or
// removed while it runs may or may not be seen.
func (m *Map[K, V]) VisitAll(fn func(key K, val *V)) {
	i := 0
	for {
		ba := m.table.Load()
		gen := m.current.Load()
		if i >= hashSize(ba.hp) {
			return
		}
		if !m.lockOne(ba, gen, i, true) {
			continue
		}
		b := ba.at(i)
		for slot := 0; slot < SlotsPerBucket; slot++ {
			if b.occupied[slot] {
				fn(b.keys[slot], &b.vals[slot])
			}
		}
		m.unlockOne(gen, i, true)
		i++
	}
}

// Insert stores the key-value pair and reports true; if the key is already
// present it reports false and leaves the stored value unchanged.
func (m *Map[K, V]) Insert(key K, value V) bool {
	return m.doInsert(&key, value, lockActive)
}

func (m *Map[K, V]) doInsert(key *K, value V, mode lockMode) bool {
	hv := m.hashKey(key)
	tb := m.snapshotAndLockTwo(hv, mode)
	pos := m.insertLoop(&tb, hv, key)
	if pos.status == opOK {
		m.addToBucket(&tb, pos.index, pos.slot, hv.partial, *key, value)
	}
	m.unlockTwo(&tb)
	return pos.status == opOK
}

// InsertOrAssign stores the key-value pair and reports true; if the key is
// already present it overwrites the stored value and reports false.
func (m *Map[K, V]) InsertOrAssign(key K, value V) bool {
	return m.doInsertOrAssign(&key, value, lockActive)
}

func (m *Map[K, V]) doInsertOrAssign(key *K, value V, mode lockMode) bool {
	hv := m.hashKey(key)
	tb := m.snapshotAndLockTwo(hv, mode)
	pos := m.insertLoop(&tb, hv, key)
	if pos.status == opOK {
		m.addToBucket(&tb, pos.index, pos.slot, hv.partial, *key, value)
	} else {
		tb.ba.at(pos.index).vals[pos.slot] = value
	}
	m.unlockTwo(&tb)
	return pos.status == opOK
}

// InsertOrVisit stores the key-value pair and reports true; if the key is
// already present it instead invokes fn with a pointer to the stored value,
// under the bucket locks, and reports false.
func (m *Map[K, V]) InsertOrVisit(key K, value V, fn func(val *V)) bool {
	hv := m.hashKey(&key)
	tb := m.snapshotAndLockTwo(hv, lockActive)
	pos := m.insertLoop(&tb, hv, &key)
	if pos.status == opOK {
		m.addToBucket(&tb, pos.index, pos.slot, hv.partial, key, value)
	} else {
		fn(&tb.ba.at(pos.index).vals[pos.slot])
	}
	m.unlockTwo(&tb)
	return pos.status == opOK
}

// Update overwrites the value stored for key and reports true; absent keys
// are left absent and it reports false.
func (m *Map[K, V]) Update(key K, value V) bool {
	hv := m.hashKey(&key)
	tb := m.snapshotAndLockTwo(hv, lockActive)
	pos := m.cuckooFind(&tb, hv.partial, &key)
	found := pos.status == opOK
	if found {
		tb.ba.at(pos.index).vals[pos.slot] = value
	}
	m.unlockTwo(&tb)
	return found
}

// Erase removes the entry for key and reports whether one was present.
func (m *Map[K, V]) Erase(key K) bool {
	hv := m.hashKey(&key)
	tb := m.snapshotAndLockTwo(hv, lockActive)
	pos := m.cuckooFind(&tb, hv.partial, &key)
	found := pos.status == opOK
	if found {
		m.delFromBucket(&tb, pos.index, pos.slot)
	}
	m.unlockTwo(&tb)
	return found
}

// EraseIf invokes fn with a pointer to the stored value under the bucket
// locks and removes the entry if fn returns true. It reports whether the
// key was found, regardless of whether it was removed.
func (m *Map[K, V]) EraseIf(key K, fn func(val *V) bool) bool {
	hv := m.hashKey(&key)
	tb := m.snapshotAndLockTwo(hv, lockActive)
	pos := m.cuckooFind(&tb, hv.partial, &key)
	found := pos.status == opOK
	if found && fn(&tb.ba.at(pos.index).vals[pos.slot]) {
		m.delFromBucket(&tb, pos.index, pos.slot)
	}
	m.unlockTwo(&tb)
	return found
}

// Size returns the number of entries by summing the stripe counters of the
// current lock generation. The sum is not taken atomically across stripes,
// so it is approximate while other goroutines mutate the table.
func (m *Map[K, V]) Size() int {
	return m.current.Load().sumCounts()
}

// IsEmpty reports whether Size is zero.
func (m *Map[K, V]) IsEmpty() bool {
	return m.Size() == 0
}

// Hashpower returns the binary logarithm of the bucket count.
func (m *Map[K, V]) Hashpower() int {
	return m.table.Load().hp
}

// BucketCount returns the number of buckets.
func (m *Map[K, V]) BucketCount() int {
	return hashSize(m.table.Load().hp)
}

// Capacity returns the number of slots: BucketCount * SlotsPerBucket.
func (m *Map[K, V]) Capacity() int {
	return m.BucketCount() * SlotsPerBucket
}

// LoadFactor returns Size divided by Capacity. Approximate under
// concurrent mutation.
func (m *Map[K, V]) LoadFactor() float64 {
	return float64(m.Size()) / float64(m.Capacity())
}

// MinimumLoadFactor returns the threshold below which an automatic
// expansion panics with *LoadFactorTooLowError.
func (m *Map[K, V]) MinimumLoadFactor() float64 {
	return math.Float64frombits(m.minLoadFactorBits.Load())
}

// SetMinimumLoadFactor adjusts the automatic-expansion sanity threshold.
// mlf must lie in [0, 1].
func (m *Map[K, V]) SetMinimumLoadFactor(mlf float64) {
	if mlf < 0 || mlf > 1 {
		panic("cuckoo: minimum load factor must be within [0, 1]")
	}
	m.minLoadFactorBits.Store(math.Float64bits(mlf))
}

// MaximumHashpower returns the largest hashpower the table may grow to.
// An unbounded table reports math.MaxInt.
func (m *Map[K, V]) MaximumHashpower() int {
	return int(m.maxHashpower.Load())
}

// SetMaximumHashpower bounds future growth. Expansions beyond mhp panic
// with *HashpowerExceededError. mhp must not be below the current
// hashpower.
func (m *Map[K, V]) SetMaximumHashpower(mhp int) {
	if m.Hashpower() > mhp {
		panic("cuckoo: maximum hashpower is less than current hashpower")
	}
	m.maxHashpower.Store(int64(mhp))
}

// Reserve rebuilds the table at the smallest hashpower whose slots cover n
// entries (and never fewer than the current entries need). A table already
// larger than that is shrunk.
func (m *Map[K, V]) Reserve(n int) {
	m.Rehash(reserveCalc(n))
}

// Rehash rebuilds the table at the given hashpower through the
// simple-rebuild path. Unlike automatic growth this may shrink the table,
// though never below what the current entries need.
func (m *Map[K, V]) Rehash(hp int) {
	m.expandSimple(hp, lockActive)
}

// Clear removes every entry. It acquires every stripe of every generation,
// so it is exclusive with all other operations.
func (m *Map[K, V]) Clear() {
	m.lockAllGenerations()
	m.table.Load().clear()
	gen := m.current.Load()
	for i := 0; i < gen.nstripes; i++ {
		gen.stripeAt(i).setCount(0)
	}
	m.unlockAllGenerations()
}
