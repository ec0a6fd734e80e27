package cuckoo

import "unsafe"

// opStatus is the sum-typed result of the internal engine phases. Retryable
// conditions travel up the call chain as values instead of unwinding; only
// the two configuration errors in errors.go, and a user hash function
// panicking during a resize, ever panic.
type opStatus uint8

const (
	opOK opStatus = iota
	// opFailure: the BFS queue was exhausted without finding a path.
	opFailure
	opKeyNotFound
	opKeyDuplicated
	// opTableFull: no empty slot reachable within maxBFSPathLen hops; the
	// table must grow before the insert can succeed.
	opTableFull
	// opUnderExpansion: the hashpower changed underneath the operation; the
	// caller retries against the new table.
	opUnderExpansion
)

// tablePosition names a (bucket, slot) location together with the status of
// the operation that produced it. index and slot are only meaningful when
// status is opOK or opKeyDuplicated.
type tablePosition struct {
	index  int
	slot   int
	status opStatus
}

// lockMode selects how the engine interacts with the stripe locks.
type lockMode uint8

const (
	// lockActive: acquire and release stripes around every bucket access.
	// This is the mode of all public point operations.
	lockActive lockMode = iota
	// lockHeld: every stripe of every generation is already held by the
	// caller (a locked TableView). Nothing is acquired; generations
	// appended by a resize come back locked so exclusivity survives until
	// the view is released.
	lockHeld
	// lockInactive: the caller guarantees outside synchronization (an
	// unlocked TableView). No stripe is touched anywhere.
	lockInactive
)

func (md lockMode) active() bool {
	return md == lockActive
}

// keysEqual compares a stored key with a probe key, using the configured
// equality function if one was supplied.
//
//go:nosplit
func (m *Map[K, V]) keysEqual(a, b *K) bool {
	if m.keyEq != nil {
		return m.keyEq(noescape(unsafe.Pointer(a)), noescape(unsafe.Pointer(b)))
	}
	return *a == *b
}

// tryReadFromBucket searches one bucket for the key and returns the slot
// index, or -1. The partial tag rules out most non-matching occupied slots
// before the key comparison; for simple integer keys the filter is skipped
// because the comparison itself is as cheap as the filter.
func (m *Map[K, V]) tryReadFromBucket(
	b *bucket[K, V],
	partial uint8,
	key *K,
) int {
	for i := 0; i < SlotsPerBucket; i++ {
		if !b.occupied[i] || (!m.simpleKey && partial != b.partials[i]) {
			continue
		}
		if m.keysEqual(&b.keys[i], key) {
			return i
		}
	}
	return -1
}

// cuckooFind searches both candidate buckets of the snapshot for the key.
func (m *Map[K, V]) cuckooFind(
	tb *twoBuckets[K, V],
	partial uint8,
	key *K,
) tablePosition {
	if slot := m.tryReadFromBucket(tb.ba.at(tb.i1), partial, key); slot != -1 {
		return tablePosition{index: tb.i1, slot: slot, status: opOK}
	}
	if slot := m.tryReadFromBucket(tb.ba.at(tb.i2), partial, key); slot != -1 {
		return tablePosition{index: tb.i2, slot: slot, status: opOK}
	}
	return tablePosition{status: opKeyNotFound}
}

// tryFindInsertSlot scans a bucket for the key. dup reports a duplicate at
// slot; otherwise slot is the first empty slot seen, or -1 when the bucket
// is full.
func (m *Map[K, V]) tryFindInsertSlot(
	b *bucket[K, V],
	partial uint8,
	key *K,
) (slot int, dup bool) {
	slot = -1
	for i := 0; i < SlotsPerBucket; i++ {
		if b.occupied[i] {
			if !m.simpleKey && partial != b.partials[i] {
				continue
			}
			if m.keysEqual(&b.keys[i], key) {
				return i, true
			}
		} else if slot == -1 {
			slot = i
		}
	}
	return slot, false
}

// addToBucket constructs the entry and bumps the covering stripe's counter.
func (m *Map[K, V]) addToBucket(
	tb *twoBuckets[K, V],
	i, slot int,
	partial uint8,
	key K,
	val V,
) {
	tb.ba.setSlot(i, slot, partial, key, val)
	tb.gen.stripeAt(tb.gen.stripeOf(i)).addCount(1)
}

// delFromBucket destroys the entry and drops the covering stripe's counter.
func (m *Map[K, V]) delFromBucket(tb *twoBuckets[K, V], i, slot int) {
	tb.ba.eraseSlot(i, slot)
	tb.gen.stripeAt(tb.gen.stripeOf(i)).addCount(-1)
}

// moveElement shifts an entry between buckets, keeping the stripe counters
// in step. Both covering stripes are held by the caller.
func (m *Map[K, V]) moveElement(
	tb *twoBuckets[K, V],
	dstI, dstSlot, srcI, srcSlot int,
) {
	tb.ba.moveSlot(dstI, dstSlot, srcI, srcSlot)
	tb.gen.stripeAt(tb.gen.stripeOf(srcI)).addCount(-1)
	tb.gen.stripeAt(tb.gen.stripeOf(dstI)).addCount(1)
}

// ============================================================================
// BFS path search
// ============================================================================

// bfsSlot is one frontier entry of the breadth-first path search. pathcode
// is a base-SlotsPerBucket number encoding the slot chosen at every level;
// its lowest digit at depth 0 is 0 or 1, marking which of the two starting
// buckets the path begins on.
type bfsSlot struct {
	bucket   int
	pathcode int
	depth    int8
}

// bfsQueue is the fixed ring buffer backing the search. Running out of
// space fails the search, which simply forces a resize a little earlier
// than a deeper search would.
type bfsQueue struct {
	slots       [maxCuckooCount]bfsSlot
	first, last int
}

func (q *bfsQueue) enqueue(x bfsSlot) {
	q.slots[q.last] = x
	q.last = (q.last + 1) & (maxCuckooCount - 1)
}

func (q *bfsQueue) dequeue() bfsSlot {
	x := q.slots[q.first]
	q.first = (q.first + 1) & (maxCuckooCount - 1)
	return x
}

func (q *bfsQueue) empty() bool {
	return q.first == q.last
}

func (q *bfsQueue) full() bool {
	return (q.last+1)&(maxCuckooCount-1) == q.first
}

// slotSearch runs the BFS over displacement chains, starting from the two
// candidate buckets of the snapshot, until it finds a bucket with an empty
// slot. Each bucket's stripe is held only while its slots are read; no lock
// is held across queue operations. Returns depth -1 when the queue runs dry
// or fills up, and opUnderExpansion if the table moved during the search.
func (m *Map[K, V]) slotSearch(tb *twoBuckets[K, V]) (bfsSlot, opStatus) {
	var q bfsQueue
	// The initial pathcode tells pathSearch which of the two buckets the
	// path starts on.
	q.enqueue(bfsSlot{bucket: tb.i1, pathcode: 0, depth: 0})
	q.enqueue(bfsSlot{bucket: tb.i2, pathcode: 1, depth: 0})
	sync := tb.mode.active()
	for !q.empty() && !q.full() {
		x := q.dequeue()
		if !m.lockOne(tb.ba, tb.gen, x.bucket, sync) {
			return bfsSlot{}, opUnderExpansion
		}
		b := tb.ba.at(x.bucket)
		// Pick a (sort-of) random slot to start from.
		startingSlot := x.pathcode % SlotsPerBucket
		for i := 0; i < SlotsPerBucket; i++ {
			slot := (startingSlot + i) % SlotsPerBucket
			if !b.occupied[slot] {
				x.pathcode = x.pathcode*SlotsPerBucket + slot
				m.unlockOne(tb.gen, x.bucket, sync)
				return x, opOK
			}
			// If x has fewer than the maximum number of path components,
			// enqueue the bucket we would have come from had we kicked out
			// the entry at this slot.
			if x.depth < maxBFSPathLen-1 && !q.full() {
				q.enqueue(bfsSlot{
					bucket:   altIndex(tb.ba.hp, b.partials[slot], x.bucket),
					pathcode: x.pathcode*SlotsPerBucket + slot,
					depth:    x.depth + 1,
				})
			}
		}
		m.unlockOne(tb.gen, x.bucket, sync)
	}
	return bfsSlot{depth: -1}, opOK
}

// pathNode is one hop of a decompressed cuckoo path. Only the hash of the
// entry being displaced is recorded: even if another key with the same hash
// has taken the slot by move time, the path remains valid.
type pathNode struct {
	bucket int
	slot   int
	hv     hashValue
}

// pathSearch expands the compressed BFS result into explicit (bucket, slot)
// hops, re-reading each hop's key hash under its stripe. It can return a
// depth shorter than the BFS found if an earlier slot has emptied in the
// meantime. Returns -1 depth on search failure.
func (m *Map[K, V]) pathSearch(
	tb *twoBuckets[K, V],
	path *[maxBFSPathLen]pathNode,
) (int, opStatus) {
	x, st := m.slotSearch(tb)
	if st != opOK {
		return -1, st
	}
	if x.depth == -1 {
		return -1, opOK
	}
	// Fill in the path slots from the end to the beginning.
	for i := x.depth; i >= 0; i-- {
		path[i].slot = x.pathcode % SlotsPerBucket
		x.pathcode /= SlotsPerBucket
	}
	// The remaining pathcode is 0 or 1, naming the starting bucket.
	if x.pathcode == 0 {
		path[0].bucket = tb.i1
	} else {
		path[0].bucket = tb.i2
	}
	sync := tb.mode.active()
	if !m.lockOne(tb.ba, tb.gen, path[0].bucket, sync) {
		return -1, opUnderExpansion
	}
	b := tb.ba.at(path[0].bucket)
	if !b.occupied[path[0].slot] {
		m.unlockOne(tb.gen, path[0].bucket, sync)
		// The slot emptied since the search; the path is trivially done.
		return 0, opOK
	}
	path[0].hv = m.hashKey(&b.keys[path[0].slot])
	m.unlockOne(tb.gen, path[0].bucket, sync)
	for i := 1; i <= int(x.depth); i++ {
		prev := &path[i-1]
		cur := &path[i]
		// The bucket of this hop is the alternate of the previous hop's
		// entry.
		cur.bucket = altIndex(tb.ba.hp, prev.hv.partial, prev.bucket)
		if !m.lockOne(tb.ba, tb.gen, cur.bucket, sync) {
			return -1, opUnderExpansion
		}
		b := tb.ba.at(cur.bucket)
		if !b.occupied[cur.slot] {
			m.unlockOne(tb.gen, cur.bucket, sync)
			return i, opOK
		}
		cur.hv = m.hashKey(&b.keys[cur.slot])
		m.unlockOne(tb.gen, cur.bucket, sync)
	}
	return int(x.depth), opOK
}

// pathMove walks the discovered path backwards, shifting each entry into
// the empty slot behind it. Every hop re-validates against concurrent
// mutation: the source must still hold an entry with the recorded hash and
// the destination must still be empty. On success the two original insert
// buckets are left locked with path[0]'s slot empty; on failure nothing is
// held.
func (m *Map[K, V]) pathMove(
	tb *twoBuckets[K, V],
	path *[maxBFSPathLen]pathNode,
	depth int,
) (bool, opStatus) {
	sync := tb.mode.active()
	if depth == 0 {
		// The empty slot is already in one of the two insert buckets; lock
		// them and re-verify.
		if !m.lockTwoAt(tb.ba, tb.gen, tb.i1, tb.i2, sync) {
			return false, opUnderExpansion
		}
		if !tb.ba.at(path[0].bucket).occupied[path[0].slot] {
			return true, opOK
		}
		m.unlockTwoAt(tb.gen, tb.i1, tb.i2, sync)
		return false, opOK
	}

	for depth > 0 {
		from := &path[depth-1]
		to := &path[depth]
		if depth == 1 {
			// Even though we only move out of one of the two insert
			// buckets, both must end up locked along with the bucket we
			// move into.
			if !m.lockThree(tb.ba, tb.gen, tb.i1, tb.i2, to.bucket, sync) {
				return false, opUnderExpansion
			}
		} else {
			if !m.lockTwoAt(tb.ba, tb.gen, from.bucket, to.bucket, sync) {
				return false, opUnderExpansion
			}
		}

		fb := tb.ba.at(from.bucket)
		toB := tb.ba.at(to.bucket)
		// A later cuckoo may have scooped the entry, the destination may
		// have filled, or the source may have emptied. Only the hash needs
		// to match: a different key with the same hash keeps the path
		// valid.
		if !fb.occupied[from.slot] || toB.occupied[to.slot] ||
			m.hashKeyOnly(&fb.keys[from.slot]) != from.hv.hash {
			if depth == 1 {
				m.unlockExtra(tb.gen, tb.i1, tb.i2, to.bucket, sync)
				m.unlockTwoAt(tb.gen, tb.i1, tb.i2, sync)
			} else {
				m.unlockTwoAt(tb.gen, from.bucket, to.bucket, sync)
			}
			return false, opOK
		}

		m.moveElement(tb, to.bucket, to.slot, from.bucket, from.slot)
		if depth == 1 {
			// Hold on to the two insert buckets; only the extra stripe is
			// released.
			m.unlockExtra(tb.gen, tb.i1, tb.i2, to.bucket, sync)
		} else {
			m.unlockTwoAt(tb.gen, from.bucket, to.bucket, sync)
		}
		depth--
	}
	return true, opOK
}

// runCuckoo frees up a slot in one of the two insert buckets by moving
// entries along a cuckoo path. The two-bucket locks are released during the
// search so path hops can be locked freely without deadlock; on opOK they
// are held again and the returned slot is empty. The unlock window admits a
// duplicate insert of the same key, which cuckooInsert re-checks, and a
// resize, which surfaces as opUnderExpansion.
func (m *Map[K, V]) runCuckoo(
	tb *twoBuckets[K, V],
) (insertBucket, insertSlot int, st opStatus) {
	m.unlockTwo(tb)
	var path [maxBFSPathLen]pathNode
	for {
		depth, st := m.pathSearch(tb, &path)
		if st != opOK {
			return 0, 0, st
		}
		if depth < 0 {
			return 0, 0, opFailure
		}
		done, st := m.pathMove(tb, &path, depth)
		if st != opOK {
			return 0, 0, st
		}
		if done {
			return path[0].bucket, path[0].slot, opOK
		}
	}
}

// cuckooInsert tries to place the key in one of its two buckets, assumed
// locked. On opOK the returned slot is empty and still locked; on
// opKeyDuplicated the key's current position is returned, locked. On
// opTableFull and opUnderExpansion nothing is held.
func (m *Map[K, V]) cuckooInsert(
	tb *twoBuckets[K, V],
	hv hashValue,
	key *K,
) tablePosition {
	slot1, dup := m.tryFindInsertSlot(tb.ba.at(tb.i1), hv.partial, key)
	if dup {
		return tablePosition{index: tb.i1, slot: slot1, status: opKeyDuplicated}
	}
	slot2, dup := m.tryFindInsertSlot(tb.ba.at(tb.i2), hv.partial, key)
	if dup {
		return tablePosition{index: tb.i2, slot: slot2, status: opKeyDuplicated}
	}
	if slot1 != -1 {
		return tablePosition{index: tb.i1, slot: slot1, status: opOK}
	}
	if slot2 != -1 {
		return tablePosition{index: tb.i2, slot: slot2, status: opOK}
	}

	// Both buckets are full; cuckoo entries around to make room.
	insertBucket, insertSlot, st := m.runCuckoo(tb)
	switch st {
	case opUnderExpansion:
		// runCuckoo operated on a stale table; the caller retries.
		return tablePosition{status: opUnderExpansion}
	case opOK:
		// The locks were dropped during runCuckoo, so another goroutine may
		// have inserted the same key in the meantime.
		pos := m.cuckooFind(tb, hv.partial, key)
		if pos.status == opOK {
			pos.status = opKeyDuplicated
			return pos
		}
		return tablePosition{index: insertBucket, slot: insertSlot, status: opOK}
	default:
		return tablePosition{status: opTableFull}
	}
}

// insertLoop drives cuckooInsert to a terminal status, growing the table
// when it reports full and re-snapshotting when it reports a concurrent
// expansion. On return the two candidate buckets of *tb are locked and pos
// is opOK (with an empty slot) or opKeyDuplicated.
func (m *Map[K, V]) insertLoop(
	tb *twoBuckets[K, V],
	hv hashValue,
	key *K,
) tablePosition {
	for {
		orig := tb.ba
		pos := m.cuckooInsert(tb, hv, key)
		switch pos.status {
		case opOK, opKeyDuplicated:
			return pos
		case opTableFull:
			// Expand the table and retry, re-grabbing the locks.
			m.fastDouble(orig, true, tb.mode)
			*tb = m.snapshotAndLockTwo(hv, tb.mode)
		case opUnderExpansion:
			// The table was resized while we were cuckooing; re-grab the
			// locks and try again.
			*tb = m.snapshotAndLockTwo(hv, tb.mode)
		}
	}
}
