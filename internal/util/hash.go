// Package util contains internal helpers (hashing, sharding).
//
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "github.com/cespare/xxhash/v2"

// HashKey hashes a cache key with 64-bit xxhash.
// Keys in this module are namespaced strings, so no type switch is needed.
func HashKey(k string) uint64 {
	return xxhash.Sum64String(k)
}
