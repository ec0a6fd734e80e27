package cuckoo

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartialKeyFold(t *testing.T) {
	// The partial is the XOR-fold of all four 16-bit quarters down to one
	// byte, so any single-bit change in the hash flips a bit of it.
	require.EqualValues(t, 0, partialKey(0))
	require.EqualValues(t, 0x01, partialKey(0x01))
	require.EqualValues(t, 0x01^0x23^0x45^0x67^0x89^0xab^0xcd^0xef,
		partialKey(uintptr(0x0123456789abcdef)))

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		h := uintptr(rng.Uint64())
		var want uint8
		for shift := 0; shift < 64; shift += 8 {
			want ^= uint8(uint64(h) >> shift)
		}
		require.Equal(t, want, partialKey(h))
	}
}

func TestAltIndexInvolution(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for hp := 1; hp <= 24; hp++ {
		for i := 0; i < 200; i++ {
			h := uintptr(rng.Uint64())
			p := partialKey(h)
			primary := indexHash(hp, h)
			alt := altIndex(hp, p, primary)
			require.Less(t, alt, hashSize(hp))
			require.Equal(t, primary, altIndex(hp, p, alt),
				"alternate must be an involution (hp=%d h=%#x)", hp, h)
		}
	}
}

func TestAltIndexDistinctForNonzeroMix(t *testing.T) {
	// The mixed tag (partial+1)*M is odd whenever partial+1 is odd, so for
	// partial == 0 the low bit is set and alternate differs from primary at
	// every hashpower. (When the mixed tag's low hp bits happen to be zero
	// the two coincide, and the engine treats the pair as a single-bucket
	// probe.)
	for hp := 1; hp <= 20; hp++ {
		for i := 0; i < 64; i++ {
			primary := i & hashMask(hp)
			require.NotEqual(t, primary, altIndex(hp, 0, primary))
		}
	}
}

func TestAltIndexPairAfterDouble(t *testing.T) {
	// When the hashpower grows by one, both candidate buckets of any key
	// either stay put or move up by exactly hashSize(hp): the fast-double
	// migration depends on it.
	rng := rand.New(rand.NewPCG(5, 6))
	for hp := 1; hp <= 22; hp++ {
		for i := 0; i < 200; i++ {
			h := uintptr(rng.Uint64())
			p := partialKey(h)

			oldPrimary := indexHash(hp, h)
			oldAlt := altIndex(hp, p, oldPrimary)
			newPrimary := indexHash(hp+1, h)
			newAlt := altIndex(hp+1, p, newPrimary)

			require.Contains(t,
				[]int{oldPrimary, oldPrimary + hashSize(hp)}, newPrimary)
			require.Contains(t,
				[]int{oldAlt, oldAlt + hashSize(hp)}, newAlt)
		}
	}
}

func TestReserveCalc(t *testing.T) {
	require.Equal(t, 0, reserveCalc(0))
	require.Equal(t, 0, reserveCalc(1))
	require.Equal(t, 0, reserveCalc(SlotsPerBucket))
	require.Equal(t, 1, reserveCalc(SlotsPerBucket+1))
	require.Equal(t, 2, reserveCalc(16))
	require.Equal(t, 3, reserveCalc(17))
	for n := 1; n < 10000; n += 37 {
		hp := reserveCalc(n)
		require.GreaterOrEqual(t, hashSize(hp)*SlotsPerBucket, n)
		if hp > 0 {
			require.Less(t, hashSize(hp-1)*SlotsPerBucket, n)
		}
	}
}

func TestHashSizeMask(t *testing.T) {
	require.Equal(t, 1, hashSize(0))
	require.Equal(t, 1024, hashSize(10))
	require.Equal(t, 1023, hashMask(10))
}

func TestDefaultHasherKinds(t *testing.T) {
	intHash, simple := defaultHasher[int]()
	require.True(t, simple)
	require.NotNil(t, intHash)

	strHash, simple := defaultHasher[string]()
	require.False(t, simple)
	require.NotNil(t, strHash)

	type point struct{ x, y int }
	structHash, simple := defaultHasher[point]()
	require.False(t, simple)
	require.NotNil(t, structHash)

	// The built-in struct hasher must be usable and deterministic.
	p := point{1, 2}
	m := New[point, int]()
	h1 := m.hashKeyOnly(&p)
	h2 := m.hashKeyOnly(&p)
	require.Equal(t, h1, h2)
	_ = structHash
}
