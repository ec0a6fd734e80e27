package cuckoo

// TableView is a whole-table handle. A locked view holds every stripe of
// every lock generation, giving its owner exclusive access: concurrent
// point operations block until the view is released. An unlocked view runs
// the same operations without touching any stripe; the caller is then
// responsible for keeping other goroutines away from the table.
//
// The view is linearized at the moment the last stripe of the newest
// generation is acquired. Release is one-way: a released view must not be
// used again.
type TableView[K comparable, V any] struct {
	m        *Map[K, V]
	locked   bool
	released bool
}

// View returns a whole-table handle. With lock true it blocks until every
// stripe of every generation is held; the caller must Release it. With
// lock false no locks are taken and the caller guarantees outside
// synchronization.
func (m *Map[K, V]) View(lock bool) *TableView[K, V] {
	if lock {
		m.lockAllGenerations()
	}
	return &TableView[K, V]{m: m, locked: lock}
}

// Release drops every lock the view holds. Idempotent; unlocked views
// release nothing.
func (v *TableView[K, V]) Release() {
	if v.released {
		return
	}
	v.released = true
	if v.locked {
		v.m.unlockAllGenerations()
	}
}

func (v *TableView[K, V]) mode() lockMode {
	if v.locked {
		return lockHeld
	}
	return lockInactive
}

// Find returns a copy of the value stored for key.
func (v *TableView[K, V]) Find(key K) (value V, ok bool) {
	hv := v.m.hashKey(&key)
	tb := v.m.snapshotAndLockTwo(hv, v.mode())
	pos := v.m.cuckooFind(&tb, hv.partial, &key)
	if pos.status == opOK {
		return tb.ba.at(pos.index).vals[pos.slot], true
	}
	return value, false
}

// Contains reports whether key is present.
func (v *TableView[K, V]) Contains(key K) bool {
	_, ok := v.Find(key)
	return ok
}

// Insert stores the key-value pair directly on the held buckets; false on
// duplicate.
func (v *TableView[K, V]) Insert(key K, value V) bool {
	return v.m.doInsert(&key, value, v.mode())
}

// InsertOrAssign stores the key-value pair, overwriting an existing value;
// false on duplicate.
func (v *TableView[K, V]) InsertOrAssign(key K, value V) bool {
	return v.m.doInsertOrAssign(&key, value, v.mode())
}

// Update overwrites the value stored for key; false when absent.
func (v *TableView[K, V]) Update(key K, value V) bool {
	hv := v.m.hashKey(&key)
	tb := v.m.snapshotAndLockTwo(hv, v.mode())
	pos := v.m.cuckooFind(&tb, hv.partial, &key)
	if pos.status != opOK {
		return false
	}
	tb.ba.at(pos.index).vals[pos.slot] = value
	return true
}

// Erase removes the entry for key; false when absent.
func (v *TableView[K, V]) Erase(key K) bool {
	hv := v.m.hashKey(&key)
	tb := v.m.snapshotAndLockTwo(hv, v.mode())
	pos := v.m.cuckooFind(&tb, hv.partial, &key)
	if pos.status != opOK {
		return false
	}
	v.m.delFromBucket(&tb, pos.index, pos.slot)
	return true
}

// Clear destroys every occupied slot and resets the counters. The bucket
// array keeps its hashpower.
func (v *TableView[K, V]) Clear() {
	v.m.table.Load().clear()
	gen := v.m.current.Load()
	for i := 0; i < gen.nstripes; i++ {
		gen.stripeAt(i).setCount(0)
	}
}

// Rehash rebuilds the table at the given hashpower with the view's locks
// retained; may shrink. Iterators created before a Rehash are invalid
// afterwards because the bucket array is replaced.
func (v *TableView[K, V]) Rehash(hp int) {
	v.m.expandSimple(hp, v.mode())
}

// Merge inserts every entry of other into the viewed table. Keys already
// present keep their current value. other is locked for the duration;
// merging a map with itself is a no-op.
func (v *TableView[K, V]) Merge(other *Map[K, V]) {
	if other == v.m {
		return
	}
	ov := other.View(true)
	defer ov.Release()
	for it := ov.Iterator(); it.Next(); {
		v.Insert(it.Key(), it.Value())
	}
}

// Size returns the exact entry count while the view is exclusive.
func (v *TableView[K, V]) Size() int {
	return v.m.current.Load().sumCounts()
}

// IsEmpty reports whether Size is zero.
func (v *TableView[K, V]) IsEmpty() bool {
	return v.Size() == 0
}

// Hashpower returns the binary logarithm of the bucket count.
func (v *TableView[K, V]) Hashpower() int {
	return v.m.table.Load().hp
}

// Capacity returns the total slot count.
func (v *TableView[K, V]) Capacity() int {
	return hashSize(v.Hashpower()) * SlotsPerBucket
}

// LoadFactor returns Size divided by Capacity.
func (v *TableView[K, V]) LoadFactor() float64 {
	return float64(v.Size()) / float64(v.Capacity())
}

// Range invokes fn for every occupied slot in bucket-then-slot order,
// passing a pointer to the stored value. Return false to stop early.
// In-place value mutation through the pointer is allowed and does not
// disturb the iteration.
func (v *TableView[K, V]) Range(fn func(key K, val *V) bool) {
	ba := v.m.table.Load()
	for i := range ba.buckets {
		b := &ba.buckets[i]
		for slot := 0; slot < SlotsPerBucket; slot++ {
			if b.occupied[slot] {
				if !fn(b.keys[slot], &b.vals[slot]) {
					return
				}
			}
		}
	}
}

// All returns a range-over-func iterator over key-value copies.
func (v *TableView[K, V]) All() func(yield func(K, V) bool) {
	return func(yield func(K, V) bool) {
		v.Range(func(key K, val *V) bool {
			return yield(key, *val)
		})
	}
}

// Iterator returns a bidirectional iterator positioned before the first
// occupied slot. The iterator stays valid across in-view mutations except
// Rehash, which replaces the bucket array.
func (v *TableView[K, V]) Iterator() *Iterator[K, V] {
	return &Iterator[K, V]{ba: v.m.table.Load(), pos: -1}
}

// Iterator visits every occupied slot exactly once in bucket-then-slot
// order. Key and Value are only meaningful after a Next or Prev call that
// returned true.
type Iterator[K comparable, V any] struct {
	ba *bucketArray[K, V]
	// pos is a linear slot position: bucket*SlotsPerBucket + slot. It is
	// -1 before the first entry and limit() past the last.
	pos int
}

func (it *Iterator[K, V]) limit() int {
	return len(it.ba.buckets) * SlotsPerBucket
}

//go:nosplit
func (it *Iterator[K, V]) occupiedAt(pos int) bool {
	return it.ba.buckets[pos/SlotsPerBucket].occupied[pos%SlotsPerBucket]
}

// Next advances to the next occupied slot, reporting false when the
// iterator moves past the last one.
func (it *Iterator[K, V]) Next() bool {
	limit := it.limit()
	for p := it.pos + 1; p < limit; p++ {
		if it.occupiedAt(p) {
			it.pos = p
			return true
		}
	}
	it.pos = limit
	return false
}

// Prev steps back to the previous occupied slot, reporting false when the
// iterator moves before the first one.
func (it *Iterator[K, V]) Prev() bool {
	for p := min(it.pos, it.limit()) - 1; p >= 0; p-- {
		if it.occupiedAt(p) {
			it.pos = p
			return true
		}
	}
	it.pos = -1
	return false
}

// Key returns the key at the current position.
func (it *Iterator[K, V]) Key() K {
	return it.ba.buckets[it.pos/SlotsPerBucket].keys[it.pos%SlotsPerBucket]
}

// Value returns a copy of the value at the current position.
func (it *Iterator[K, V]) Value() V {
	return it.ba.buckets[it.pos/SlotsPerBucket].vals[it.pos%SlotsPerBucket]
}

// ValueRef returns a pointer to the value at the current position, for
// in-place mutation.
func (it *Iterator[K, V]) ValueRef() *V {
	return &it.ba.buckets[it.pos/SlotsPerBucket].vals[it.pos%SlotsPerBucket]
}

// SetValue overwrites the value at the current position.
func (it *Iterator[K, V]) SetValue(value V) {
	it.ba.buckets[it.pos/SlotsPerBucket].vals[it.pos%SlotsPerBucket] = value
}
