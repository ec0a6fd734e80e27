package cuckoo

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// fastDouble doubles the table into a new bucket array of twice the size,
// exploiting the index math: when the hashpower grows by one, every key's
// primary and alternate bucket gain exactly one bit at the top, so an entry
// either stays at its bucket index or moves to bucket + hashSize(oldHp).
// Entries are copied directly rather than re-inserted through the cuckoo
// path, and the migration parallelizes trivially because each destination
// depends only on the source bucket.
//
// In lockActive mode every stripe of the current generation is taken for
// the duration; in lockHeld/lockInactive modes the caller already owns the
// table exclusively.
func (m *Map[K, V]) fastDouble(
	orig *bucketArray[K, V],
	auto bool,
	mode lockMode,
) opStatus {
	newHp := orig.hp + 1
	var gen *lockArray
	if mode == lockActive {
		gen = m.snapshotAndLockAllCurrent()
	} else {
		gen = m.current.Load()
	}
	release := func() {
		if mode == lockActive {
			gen.unlockAll()
		}
	}

	if m.table.Load() != orig {
		// Another goroutine grew the table first; the caller's retry will
		// see the new hashpower.
		release()
		return opUnderExpansion
	}
	if mhp := int(m.maxHashpower.Load()); newHp > mhp {
		release()
		panic(&HashpowerExceededError{Hashpower: newHp})
	}
	if auto {
		mlf := m.MinimumLoadFactor()
		size := gen.sumCounts()
		if float64(size) < mlf*float64(hashSize(orig.hp)*SlotsPerBucket) {
			release()
			panic(&LoadFactorTooLowError{LoadFactor: mlf})
		}
	}

	newBA := newBucketArray[K, V](newHp)
	if err := m.parallelExec(hashSize(orig.hp), func(start, end int) {
		m.moveBuckets(orig, newBA, start, end)
	}); err != nil {
		release()
		panic(err)
	}

	newGen := m.maybeGrowLocks(hashSize(newHp), gen, mode)
	m.table.Store(newBA)
	if mode == lockActive {
		if newGen != nil {
			newGen.unlockAll()
		}
		gen.unlockAll()
	}
	return opOK
}

// moveBuckets migrates one range of old buckets into the doubled array. For
// each occupied slot the entry either keeps its (bucket, slot) position or
// moves to the mirror bucket in the upper half, taking the next free slot
// there. The old array is never written: it stays intact until the swap, so
// a hash callback panicking mid-migration leaves the published table
// exactly as it was. Stripe counters are left alone: the total is preserved
// and the per-stripe tallies are sharded counts, not per-bucket invariants.
func (m *Map[K, V]) moveBuckets(
	old, dst *bucketArray[K, V],
	start, end int,
) {
	oldHp := old.hp
	newHp := dst.hp
	for oldIdx := start; oldIdx < end; oldIdx++ {
		ob := old.at(oldIdx)
		mirrorIdx := oldIdx + hashSize(oldHp)
		mirrorSlot := 0
		for slot := 0; slot < SlotsPerBucket; slot++ {
			if !ob.occupied[slot] {
				continue
			}
			hv := m.hashKey(&ob.keys[slot])
			oldPrimary := indexHash(oldHp, hv.hash)
			oldAlt := altIndex(oldHp, hv.partial, oldPrimary)
			newPrimary := indexHash(newHp, hv.hash)
			newAlt := altIndex(newHp, hv.partial, newPrimary)
			if (oldIdx == oldPrimary && newPrimary == mirrorIdx) ||
				(oldIdx == oldAlt && newAlt == mirrorIdx) {
				dst.setSlot(mirrorIdx, mirrorSlot, ob.partials[slot],
					ob.keys[slot], ob.vals[slot])
				mirrorSlot++
			} else {
				dst.setSlot(oldIdx, slot, ob.partials[slot],
					ob.keys[slot], ob.vals[slot])
			}
		}
	}
}

// maybeGrowLocks appends a new lock generation when the grown table has
// more buckets than the current generation has stripes, up to the stripe
// cap. The new generation's counters start as a copy of the old ones so the
// total is preserved. Its stripes come back locked (unless locking is
// inactive); the caller releases them together with the old generation's,
// at which point blocked goroutines wake, re-validate and pick up the new
// generation automatically.
func (m *Map[K, V]) maybeGrowLocks(
	newBucketCount int,
	gen *lockArray,
	mode lockMode,
) *lockArray {
	if gen.nstripes >= maxNumStripes || gen.nstripes >= newBucketCount {
		return nil
	}
	newGen := newLockArray(min(maxNumStripes, newBucketCount))
	if mode != lockInactive {
		newGen.lockAll()
	}
	newGen.copyCountsFrom(gen)
	gen.next.Store(newGen)
	m.current.Store(newGen)
	return newGen
}

// expandSimple rebuilds the table at the target hashpower by re-inserting
// every entry into a fresh table through the normal insert path, then
// adopting the fresh table's buckets and lock array. Slower than
// fastDouble, but it is the only path that can shrink, so explicit Rehash
// uses it. The fresh lock array joins the generation list as the new
// current generation.
func (m *Map[K, V]) expandSimple(newHp int, mode lockMode) opStatus {
	var gen *lockArray
	if mode == lockActive {
		gen = m.snapshotAndLockAllCurrent()
	} else {
		gen = m.current.Load()
	}
	release := func() {
		if mode == lockActive {
			gen.unlockAll()
		}
	}

	orig := m.table.Load()
	// When shrinking, never go below what the current entries need.
	size := gen.sumCounts()
	if fit := reserveCalc(size); fit > newHp {
		newHp = fit
	}
	if mhp := int(m.maxHashpower.Load()); newHp > mhp {
		release()
		panic(&HashpowerExceededError{Hashpower: newHp})
	}

	fresh := m.shellWithHashpower(newHp)
	if err := m.parallelExec(hashSize(orig.hp), func(start, end int) {
		for i := start; i < end; i++ {
			b := orig.at(i)
			for slot := 0; slot < SlotsPerBucket; slot++ {
				if b.occupied[slot] {
					fresh.doInsert(&b.keys[slot], b.vals[slot], lockActive)
				}
			}
		}
	}); err != nil {
		release()
		panic(err)
	}

	freshBA := fresh.table.Load()
	freshGen := fresh.current.Load()
	if mode != lockInactive {
		freshGen.lockAll()
	}
	gen.next.Store(freshGen)
	m.current.Store(freshGen)
	m.table.Store(freshBA)
	if mode == lockActive {
		freshGen.unlockAll()
		gen.unlockAll()
	}
	return opOK
}

// shellWithHashpower builds a private table with the same collaborators and
// knobs but an empty bucket array of the given hashpower. Hashes computed
// by the shell match the parent's, so its bucket array can be adopted
// wholesale.
func (m *Map[K, V]) shellWithHashpower(hp int) *Map[K, V] {
	fresh := &Map[K, V]{
		keyHash:   m.keyHash,
		keyEq:     m.keyEq,
		seed:      m.seed,
		simpleKey: m.simpleKey,
	}
	fresh.minLoadFactorBits.Store(m.minLoadFactorBits.Load())
	fresh.maxHashpower.Store(m.maxHashpower.Load())
	fresh.table.Store(newBucketArray[K, V](hp))
	gen := newLockArray(min(maxNumStripes, hashSize(hp)))
	fresh.genHead = gen
	fresh.current.Store(gen)
	return fresh
}

// parallelExec splits [0, items) into chunks and runs fn over them with a
// worker pool bounded by the CPU count. Panics out of fn (a user hash
// function, typically) are converted to errors inside the pool and
// re-raised by the caller once every worker has stopped, so no goroutine is
// left running against a half-migrated table.
func (m *Map[K, V]) parallelExec(items int, fn func(start, end int)) error {
	cpus := runtime.GOMAXPROCS(0)
	chunkSz, chunks := calcParallelism(items, minBucketsPerWorker, cpus)
	if chunks <= 1 {
		return func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf(
						"cuckoo: panic during migration: %v", r)
				}
			}()
			fn(0, items)
			return nil
		}()
	}
	var g errgroup.Group
	g.SetLimit(cpus)
	for c := 0; c < chunks; c++ {
		start := c * chunkSz
		end := min(start+chunkSz, items)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf(
						"cuckoo: panic during parallel migration: %v", r)
				}
			}()
			fn(start, end)
			return nil
		})
	}
	return g.Wait()
}
