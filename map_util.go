package cuckoo

import (
	"reflect"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// ============================================================================
// Private Constants
// ============================================================================

const (
	// maxBFSPathLen is the longest cuckoo path the BFS search will consider.
	// Inserts that cannot free a slot within this many displacements force a
	// table resize instead.
	maxBFSPathLen = 5

	// maxCuckooCount is the capacity of the BFS ring queue. It must be a
	// power of 2. Anything below SlotsPerBucket^maxBFSPathLen truncates the
	// search, which simply makes resizes a little more eager.
	maxCuckooCount = 256

	// Stripe array geometry. A stripe index decomposes into a segment index
	// (upper bits) and an offset within the segment (lower bits). Segments
	// are allocated on demand, so a generation sized for a huge table does
	// not pay for stripes it never uses.
	lockOffsetBits  = 10
	lockSegmentBits = 6
	lockSegmentSize = 1 << lockOffsetBits
	numLockSegments = 1 << lockSegmentBits
	lockOffsetMask  = lockSegmentSize - 1

	// maxNumStripes caps the per-generation stripe count.
	maxNumStripes = numLockSegments * lockSegmentSize

	// defaultCapacity is the entry capacity a zero-configured table starts
	// with.
	defaultCapacity = 16

	// defaultMinimumLoadFactor guards automatic expansion against
	// pathological hash functions.
	defaultMinimumLoadFactor = 0.05

	// minBucketsPerWorker is the migration chunk threshold below which the
	// resize engine stays single-threaded.
	minBucketsPerWorker = 1024
)

const (
	intSize = 32 << (^uint(0) >> 63) // 32 or 64
	maxInt  = 1<<(intSize-1) - 1

	// noMaxHashpower marks an unbounded table.
	noMaxHashpower = maxInt
)

// ============================================================================
// Utility Functions
// ============================================================================

// calcParallelism calculates the number of goroutines for parallel
// processing.
//
// Parameters:
//   - items: Number of items to process.
//   - threshold: Minimum items per worker to make parallelism worthwhile.
//   - cpus: number of available CPU cores.
//
// Returns:
//   - chunkSz: Number of items processed per goroutine.
//   - chunks: Suggested degree of parallelism (number of goroutines).
//
//go:nosplit
func calcParallelism(items, threshold, cpus int) (chunkSz, chunks int) {
	if items <= threshold {
		return items, 1
	}
	chunks = min(items/threshold, cpus)
	chunkSz = (items + chunks - 1) / chunks
	return chunkSz, chunks
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or
// equal to n. Compatible with both 32-bit and 64-bit systems.
//
//go:nosplit
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	v := n - 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	if intSize == 64 {
		v |= v >> 32
	}
	return v + 1
}

// noescape hides a pointer from escape analysis. noescape is
// the identity function, but escape analysis doesn't think the
// output depends on the input. noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	//nolint:all
	return unsafe.Pointer(x ^ 0)
}

// ============================================================================
// Locker Utilities
// ============================================================================

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

func delay(spins *int) {
	if trySpin(spins) {
		return
	}
	*spins = 0
	// time.Sleep with non-zero duration (≈Millisecond level) works
	// effectively as backoff under high concurrency.
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
func runtime_doSpin()

// ============================================================================
// Hash Utilities
// ============================================================================

type (
	// HashFunc is the function to hash a key through a raw pointer.
	HashFunc func(ptr unsafe.Pointer, seed uintptr) uintptr
	// EqualFunc is the function to compare two keys through raw pointers.
	EqualFunc func(ptr unsafe.Pointer, other unsafe.Pointer) bool
)

// defaultHasher picks a hash function for the key type. Integer kinds hash
// to themselves and report simple=true, which disables the partial-key
// pre-filter: when the key comparison is a single integer compare, the
// filter only costs time.
func defaultHasher[K comparable]() (keyHash HashFunc, simple bool) {
	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return hashUintptr, true
	case uint64, int64:
		if intSize == 64 {
			return hashUint64, true
		}
		return hashUint64On32Bit, true
	case uint32, int32:
		return hashUint32, true
	case uint16, int16:
		return hashUint16, true
	case uint8, int8:
		return hashUint8, true
	case string:
		return hashString, false
	default:
		kType := reflect.TypeFor[K]()
		if kType == nil {
			// Handle nil interface types
			return builtInHasher[K](), false
		}
		switch kType.Kind() {
		case reflect.Uint, reflect.Int, reflect.Uintptr:
			return hashUintptr, true
		case reflect.Int64, reflect.Uint64:
			if intSize == 64 {
				return hashUint64, true
			}
			return hashUint64On32Bit, true
		case reflect.Int32, reflect.Uint32:
			return hashUint32, true
		case reflect.Int16, reflect.Uint16:
			return hashUint16, true
		case reflect.Int8, reflect.Uint8:
			return hashUint8, true
		case reflect.String:
			return hashString, false
		default:
			return builtInHasher[K](), false
		}
	}
}

//go:nosplit
func hashUintptr(ptr unsafe.Pointer, _ uintptr) uintptr {
	return *(*uintptr)(ptr)
}

//go:nosplit
func hashUint64On32Bit(ptr unsafe.Pointer, _ uintptr) uintptr {
	v := *(*uint64)(ptr)
	return uintptr(v) ^ uintptr(v>>32)
}

//go:nosplit
func hashUint64(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint64)(ptr))
}

//go:nosplit
func hashUint32(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint32)(ptr))
}

//go:nosplit
func hashUint16(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint16)(ptr))
}

//go:nosplit
func hashUint8(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint8)(ptr))
}

// hashString mixes the per-table seed into an xxhash digest of the string.
//
//go:nosplit
func hashString(ptr unsafe.Pointer, seed uintptr) uintptr {
	return uintptr(xxhash.Sum64String(*(*string)(ptr)) ^ uint64(seed))
}

// builtInHasher gets Go's built-in hash function for the key type using the
// runtime map-type descriptor.
//
// Notes:
//   - This implementation relies on Go's internal type representation
//   - It should be verified for compatibility with each Go version upgrade
func builtInHasher[K comparable]() HashFunc {
	var m map[K]struct{}
	return iTypeOf(m).MapType().Hasher
}

type (
	iTFlag   uint8
	iKind    uint8
	iNameOff int32
)

// iTypeOff is the offset to a type from moduledata.types. See resolveTypeOff
// in runtime.
type iTypeOff int32

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       iTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       iKind
	// function for comparing objects of this type
	// (ptr to object A, ptr to object B) -> ==?
	Equal     func(unsafe.Pointer, unsafe.Pointer) bool
	GCData    *byte
	Str       iNameOff
	PtrToThis iTypeOff
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Types are either static (for compiler-created types) or
	// heap-allocated but always reachable (for reflection-created
	// types, held in the central map). So there is no need to
	// escape types.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
