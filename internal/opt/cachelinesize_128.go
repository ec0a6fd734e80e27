//go:build cuckoo_cachelinesize_128

package opt

// CacheLineSize_ is force-set to 128 bytes.
// Use: go build -tags=cuckoo_cachelinesize_128
const CacheLineSize_ = 128
