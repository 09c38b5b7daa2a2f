// Package testutil provides deterministic fingerprint generation for tests.
package testutil

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/dedupix/chunk"
)

// Fingerprint returns a deterministic pseudo-random chunk name for seed i.
// Distinct seeds yield distinct, well-distributed names.
func Fingerprint(i uint64) chunk.Name {
	var n chunk.Name
	binary.BigEndian.PutUint64(n[0:8], xxhash.Sum64String(fmt.Sprintf("chunk-a-%d", i)))
	binary.BigEndian.PutUint64(n[8:16], xxhash.Sum64String(fmt.Sprintf("chunk-b-%d", i)))
	return n
}

// SampledFingerprint returns a deterministic name whose sampling bytes are
// congruent to remainder mod rate, so tests can force a name into or out of
// the sample subset.
func SampledFingerprint(i uint64, rate uint32, remainder uint32) chunk.Name {
	n := Fingerprint(i)
	sampling := uint16(rate*4 + remainder) // any multiple of rate plus the remainder
	binary.BigEndian.PutUint16(n[14:16], sampling)
	return n
}

// Fingerprints returns count deterministic names starting at seed.
func Fingerprints(seed uint64, count int) []chunk.Name {
	names := make([]chunk.Name, count)
	for i := range names {
		names[i] = Fingerprint(seed + uint64(i))
	}
	return names
}
