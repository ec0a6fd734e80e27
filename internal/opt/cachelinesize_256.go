//go:build cuckoo_cachelinesize_256

package opt

// CacheLineSize_ is force-set to 256 bytes.
// Use: go build -tags=cuckoo_cachelinesize_256
const CacheLineSize_ = 256
