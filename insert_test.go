package cuckoo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBFSQueueRing(t *testing.T) {
	var q bfsQueue
	require.True(t, q.empty())
	require.False(t, q.full())

	for i := 0; i < maxCuckooCount-1; i++ {
		require.False(t, q.full(), "queue full too early at %d", i)
		q.enqueue(bfsSlot{bucket: i, pathcode: i, depth: int8(i % 5)})
	}
	require.True(t, q.full())
	require.False(t, q.empty())

	for i := 0; i < maxCuckooCount-1; i++ {
		x := q.dequeue()
		require.Equal(t, i, x.bucket)
		require.Equal(t, i, x.pathcode)
	}
	require.True(t, q.empty())

	// Wrap around the ring a few times.
	for round := 0; round < 5; round++ {
		for i := 0; i < 100; i++ {
			q.enqueue(bfsSlot{bucket: round*1000 + i})
		}
		for i := 0; i < 100; i++ {
			require.Equal(t, round*1000+i, q.dequeue().bucket)
		}
	}
	require.True(t, q.empty())
}

func TestCuckooEvictionUnderHighLoad(t *testing.T) {
	// Sequential integer keys at ~88% occupancy exercise the BFS path
	// search and path moves heavily, with or without an intervening
	// resize.
	m := New[int, int](WithCapacity(1024))
	const n = 900
	for i := 0; i < n; i++ {
		require.True(t, m.Insert(i, i*3))
	}
	for i := 0; i < n; i++ {
		v, ok := m.Load(i)
		require.True(t, ok, "key %d lost", i)
		require.Equal(t, i*3, v)
	}
	require.Equal(t, n, m.Size())
}

func TestSameHashDistinctKeys(t *testing.T) {
	// Two distinct keys whose hashes collide entirely (same partial, same
	// buckets) must coexist: the partial filter is a pre-filter, never a
	// verdict.
	m := New[string, int](WithHasher(func(key string, seed uintptr) uintptr {
		return 12345
	}))
	require.True(t, m.Insert("a", 1))
	require.True(t, m.Insert("b", 2))
	require.False(t, m.Insert("a", 99))

	v, ok := m.Load("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = m.Load("b")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestSameHashDistinctKeysSimple(t *testing.T) {
	// The same matrix with the partial filter disabled (integer keys use
	// the direct comparison path).
	m := New[int, int](WithHasher(func(key int, seed uintptr) uintptr {
		return 999
	}))
	for i := 0; i < 8; i++ {
		require.True(t, m.Insert(i, i))
	}
	for i := 0; i < 8; i++ {
		v, ok := m.Load(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.True(t, m.Erase(3))
	_, ok := m.Load(3)
	require.False(t, ok)
	require.Equal(t, 7, m.Size())
}

func TestConstantHashCapacityEdge(t *testing.T) {
	// With a constant hash every key competes for the same two buckets, so
	// at most 2*SlotsPerBucket entries fit no matter how large the table
	// grows. The hash 6 has partial 6, whose tag 7 is odd, so the two
	// buckets stay distinct at every hashpower. The 9th insert keeps
	// doubling until the load factor sanity check fires.
	m := New[int, int](WithHasher(func(key int, seed uintptr) uintptr {
		return 6
	}))
	m.SetMinimumLoadFactor(0.4)
	for i := 0; i < 2*SlotsPerBucket; i++ {
		require.True(t, m.Insert(i, i))
	}
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected load factor panic")
		_, ok := r.(*LoadFactorTooLowError)
		require.True(t, ok, "unexpected panic payload %T", r)
		// The failed insert must leave the table consistent.
		for i := 0; i < 2*SlotsPerBucket; i++ {
			v, ok := m.Load(i)
			require.True(t, ok)
			require.Equal(t, i, v)
		}
	}()
	m.Insert(2*SlotsPerBucket, 0)
	t.Fatal("insert beyond reachable capacity must panic")
}
