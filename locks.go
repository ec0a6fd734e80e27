package cuckoo

import (
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/cuckoo/internal/opt"
)

// ============================================================================
// Stripe
// ============================================================================

// stripe is one spinlock of the striped lock array, together with the
// element counter it guards. The counter tallies occupied slots and is only
// mutated while the stripe is held; readers summing counters across stripes
// get an approximate size. The pair is padded to a cache line so
// neighbouring stripes never share one.
type stripe struct {
	state uint32
	count uintptr
	_     [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		state uint32
		count uintptr
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}

// lock acquires the stripe spinlock. Implements optimistic locking with
// fallback to the spin/backoff ladder.
func (s *stripe) lock() {
	if atomic.CompareAndSwapUint32(&s.state, 0, 1) {
		return
	}
	s.slowLock()
}

func (s *stripe) slowLock() {
	var spins int
	for !s.tryLock() {
		delay(&spins)
	}
}

//go:nosplit
func (s *stripe) tryLock() bool {
	return atomic.LoadUint32(&s.state) == 0 &&
		atomic.CompareAndSwapUint32(&s.state, 0, 1)
}

//go:nosplit
func (s *stripe) unlock() {
	atomic.StoreUint32(&s.state, 0)
}

// addCount adjusts the element counter. Callers hold the stripe. Negative
// deltas wrap in uintptr arithmetic; sums over all stripes stay exact
// modulo 2^w, which is what Size relies on.
//
//go:nosplit
func (s *stripe) addCount(delta int) {
	atomic.AddUintptr(&s.count, uintptr(delta))
}

//go:nosplit
func (s *stripe) elemCount() uintptr {
	return atomic.LoadUintptr(&s.count)
}

//go:nosplit
func (s *stripe) setCount(v uintptr) {
	atomic.StoreUintptr(&s.count, v)
}

// ============================================================================
// Lock array (one generation)
// ============================================================================

// lockArray is a grow-only array of stripes, broken into segments that are
// allocated on demand. It doubles as a node of the generation list: next
// points at the generation that superseded this one, nil for the current
// generation. Generations are never removed while the table lives, so a
// goroutine that entered under an old hashpower can always release the
// stripes it is holding.
type lockArray struct {
	segments [numLockSegments]*[lockSegmentSize]stripe
	nstripes int
	next     atomic.Pointer[lockArray]
}

// newLockArray builds an unpublished lock array covering target stripes.
// target must be a power of two; it is capped at maxNumStripes.
func newLockArray(target int) *lockArray {
	la := &lockArray{}
	la.resize(target)
	return la
}

// resize allocates enough segments to cover target stripes; it never
// shrinks. Only legal before the array is published as a generation.
// stripeOf masks with nstripes-1, so the count is forced to a power of two.
func (la *lockArray) resize(target int) {
	target = min(nextPowOf2(target), maxNumStripes)
	if target <= la.nstripes {
		return
	}
	allocated := 0
	if la.nstripes > 0 {
		allocated = (la.nstripes-1)>>lockOffsetBits + 1
	}
	lastSegment := (target - 1) >> lockOffsetBits
	for i := allocated; i <= lastSegment; i++ {
		la.segments[i] = new([lockSegmentSize]stripe)
	}
	la.nstripes = target
}

//go:nosplit
func (la *lockArray) stripeAt(i int) *stripe {
	return &la.segments[i>>lockOffsetBits][i&lockOffsetMask]
}

// stripeOf converts a bucket index into an index into this generation's
// stripes.
//
//go:nosplit
func (la *lockArray) stripeOf(bucketIdx int) int {
	return bucketIdx & (la.nstripes - 1)
}

// lockAll acquires every stripe in ascending index order.
func (la *lockArray) lockAll() {
	for i := 0; i < la.nstripes; i++ {
		la.stripeAt(i).lock()
	}
}

func (la *lockArray) unlockAll() {
	for i := 0; i < la.nstripes; i++ {
		la.stripeAt(i).unlock()
	}
}

// sumCounts adds up the element counters. Exact only while all stripes are
// held.
func (la *lockArray) sumCounts() int {
	var sum uintptr
	for i := 0; i < la.nstripes; i++ {
		sum += la.stripeAt(i).elemCount()
	}
	return int(sum)
}

// copyCountsFrom carries the counters of an older generation over at the
// same indices. New stripes beyond the old array start at zero, preserving
// the total.
func (la *lockArray) copyCountsFrom(old *lockArray) {
	for i := 0; i < old.nstripes; i++ {
		la.stripeAt(i).setCount(old.stripeAt(i).elemCount())
	}
}

// ============================================================================
// Lock protocol
// ============================================================================

// twoBuckets is the handle of the two-bucket lock protocol: a consistent
// (bucket array, generation, primary, alternate) snapshot, with both
// covering stripes held in lockActive mode. The whole-table view runs the
// same machinery in lockHeld/lockInactive mode, the table-wide locks being
// already held (or the caller guaranteeing exclusivity).
type twoBuckets[K comparable, V any] struct {
	ba     *bucketArray[K, V]
	gen    *lockArray
	i1, i2 int
	mode   lockMode
}

// snapshotAndLockTwo computes the two candidate buckets for hv under the
// current hashpower and acquires their stripes in ascending order. If the
// table or the lock generation changed while blocking, it releases and
// retries, so the returned snapshot is valid for as long as the stripes are
// held.
func (m *Map[K, V]) snapshotAndLockTwo(
	hv hashValue,
	mode lockMode,
) twoBuckets[K, V] {
	for {
		ba := m.table.Load()
		gen := m.current.Load()
		i1 := indexHash(ba.hp, hv.hash)
		i2 := altIndex(ba.hp, hv.partial, i1)
		tb := twoBuckets[K, V]{ba: ba, gen: gen, i1: i1, i2: i2, mode: mode}
		if !mode.active() {
			return tb
		}
		l1 := gen.stripeOf(i1)
		l2 := gen.stripeOf(i2)
		if l2 < l1 {
			l1, l2 = l2, l1
		}
		gen.stripeAt(l1).lock()
		if m.table.Load() != ba || m.current.Load() != gen {
			gen.stripeAt(l1).unlock()
			continue
		}
		if l2 != l1 {
			gen.stripeAt(l2).lock()
		}
		return tb
	}
}

func (m *Map[K, V]) unlockTwo(tb *twoBuckets[K, V]) {
	if !tb.mode.active() {
		return
	}
	l1 := tb.gen.stripeOf(tb.i1)
	l2 := tb.gen.stripeOf(tb.i2)
	tb.gen.stripeAt(l1).unlock()
	if l2 != l1 {
		tb.gen.stripeAt(l2).unlock()
	}
}

// lockOne acquires the stripe of a single bucket within a known snapshot.
// It reports false, with nothing held, if the table moved on while
// blocking.
func (m *Map[K, V]) lockOne(
	ba *bucketArray[K, V],
	gen *lockArray,
	i int,
	sync bool,
) bool {
	if !sync {
		return true
	}
	gen.stripeAt(gen.stripeOf(i)).lock()
	if m.table.Load() != ba || m.current.Load() != gen {
		gen.stripeAt(gen.stripeOf(i)).unlock()
		return false
	}
	return true
}

func (m *Map[K, V]) unlockOne(gen *lockArray, i int, sync bool) {
	if !sync {
		return
	}
	gen.stripeAt(gen.stripeOf(i)).unlock()
}

// lockTwoAt locks the stripes of two arbitrary buckets in ascending order,
// validating the snapshot after the first acquisition. Reports false, with
// nothing held, on a stale snapshot.
func (m *Map[K, V]) lockTwoAt(
	ba *bucketArray[K, V],
	gen *lockArray,
	i1, i2 int,
	sync bool,
) bool {
	if !sync {
		return true
	}
	l1 := gen.stripeOf(i1)
	l2 := gen.stripeOf(i2)
	if l2 < l1 {
		l1, l2 = l2, l1
	}
	gen.stripeAt(l1).lock()
	if m.table.Load() != ba || m.current.Load() != gen {
		gen.stripeAt(l1).unlock()
		return false
	}
	if l2 != l1 {
		gen.stripeAt(l2).lock()
	}
	return true
}

func (m *Map[K, V]) unlockTwoAt(gen *lockArray, i1, i2 int, sync bool) {
	if !sync {
		return
	}
	l1 := gen.stripeOf(i1)
	l2 := gen.stripeOf(i2)
	gen.stripeAt(l1).unlock()
	if l2 != l1 {
		gen.stripeAt(l2).unlock()
	}
}

// lockThree locks the stripes of three buckets in ascending order, skipping
// duplicates. Used by the last hop of a cuckoo path move, which must leave
// the two original insert buckets locked while also covering the bucket the
// displaced entry lands in.
func (m *Map[K, V]) lockThree(
	ba *bucketArray[K, V],
	gen *lockArray,
	i1, i2, i3 int,
	sync bool,
) bool {
	if !sync {
		return true
	}
	l := [3]int{gen.stripeOf(i1), gen.stripeOf(i2), gen.stripeOf(i3)}
	if l[2] < l[1] {
		l[2], l[1] = l[1], l[2]
	}
	if l[2] < l[0] {
		l[2], l[0] = l[0], l[2]
	}
	if l[1] < l[0] {
		l[1], l[0] = l[0], l[1]
	}
	gen.stripeAt(l[0]).lock()
	if m.table.Load() != ba || m.current.Load() != gen {
		gen.stripeAt(l[0]).unlock()
		return false
	}
	if l[1] != l[0] {
		gen.stripeAt(l[1]).lock()
	}
	if l[2] != l[1] {
		gen.stripeAt(l[2]).lock()
	}
	return true
}

// unlockExtra releases the stripe of i3 unless it is shared with i1 or i2.
func (m *Map[K, V]) unlockExtra(
	gen *lockArray,
	i1, i2, i3 int,
	sync bool,
) {
	if !sync {
		return
	}
	l3 := gen.stripeOf(i3)
	if l3 != gen.stripeOf(i1) && l3 != gen.stripeOf(i2) {
		gen.stripeAt(l3).unlock()
	}
}

// snapshotAndLockAllCurrent locks every stripe of the current generation,
// retrying if the generation is superseded while blocking. On return the
// caller holds the generation that is still current, which blocks any other
// resize and any new generation from appearing.
func (m *Map[K, V]) snapshotAndLockAllCurrent() *lockArray {
	for {
		gen := m.current.Load()
		gen.lockAll()
		if m.current.Load() == gen {
			return gen
		}
		gen.unlockAll()
	}
}

// lockAllGenerations acquires every stripe of every generation, oldest
// first. New generations can only be appended while holding all stripes of
// the current one, so once the tail is fully held the list is frozen.
func (m *Map[K, V]) lockAllGenerations() {
	g := m.genHead
	for {
		g.lockAll()
		next := g.next.Load()
		if next == nil {
			return
		}
		g = next
	}
}

// unlockAllGenerations releases everything lockAllGenerations (plus any
// generation appended while the locks were held) acquired. The tail is
// snapshotted first: once the newest generation's stripes are released a
// resize may append further generations, which were never ours to unlock.
func (m *Map[K, V]) unlockAllGenerations() {
	tail := m.current.Load()
	for g := m.genHead; ; g = g.next.Load() {
		g.unlockAll()
		if g == tail {
			return
		}
	}
}
