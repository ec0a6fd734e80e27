package cuckoo

import "fmt"

// LoadFactorTooLowError is delivered by panic when an automatic expansion is
// triggered while the load factor is below the minimum threshold configured
// with SetMinimumLoadFactor. This can happen if the hash function does not
// properly distribute keys, or for certain adversarial workloads. The table
// is left unchanged and consistent.
type LoadFactorTooLowError struct {
	// LoadFactor is the minimum load factor threshold that was violated.
	LoadFactor float64
}

func (e *LoadFactorTooLowError) Error() string {
	return fmt.Sprintf(
		"cuckoo: automatic expansion triggered when load factor was below "+
			"minimum threshold (%g)", e.LoadFactor)
}

// HashpowerExceededError is delivered by panic when an expansion would grow
// the table beyond the maximum hashpower configured with
// SetMaximumHashpower. The table is left unchanged and consistent.
type HashpowerExceededError struct {
	// Hashpower is the hashpower the expansion asked for.
	Hashpower int
}

func (e *HashpowerExceededError) Error() string {
	return fmt.Sprintf(
		"cuckoo: expansion to hashpower %d beyond maximum", e.Hashpower)
}
