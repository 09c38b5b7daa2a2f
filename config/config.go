// Package config describes the geometry of a deduplication index and the
// derivation of sub-index configurations from it.
package config

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid index configuration")

// Geometry describes the chapter layout of one index volume.
type Geometry struct {
	// RecordsPerChapter is the record capacity of a single chapter.
	RecordsPerChapter uint64

	// ChaptersPerVolume is the total number of chapters the index covers.
	ChaptersPerVolume uint64

	// SparseChaptersPerVolume is how many of those chapters are sparse,
	// i.e. only hold fingerprints selected by the sampling predicate.
	// Zero means the index is fully dense.
	SparseChaptersPerVolume uint64
}

// DenseChaptersPerVolume returns the number of non-sparse chapters.
func (g Geometry) DenseChaptersPerVolume() uint64 {
	return g.ChaptersPerVolume - g.SparseChaptersPerVolume
}

// Configuration is the unified configuration of a master index.
type Configuration struct {
	Geometry Geometry

	// SparseSampleRate selects which fingerprints belong to the sample
	// subset: a name is a sample when its sampling bytes are divisible by
	// this rate. Must be non-zero whenever sparse chapters are configured.
	SparseSampleRate uint32

	// VolumeNonce identifies the backing volume an index belongs to.
	VolumeNonce uint64
}

// Validate checks the configuration invariants that hold for every index,
// sparse or dense.
func (c Configuration) Validate() error {
	if c.Geometry.RecordsPerChapter == 0 {
		return fmt.Errorf("%w: records per chapter must be non-zero", ErrInvalidConfig)
	}
	if c.Geometry.ChaptersPerVolume == 0 {
		return fmt.Errorf("%w: chapters per volume must be non-zero", ErrInvalidConfig)
	}
	if c.Geometry.SparseChaptersPerVolume > c.Geometry.ChaptersPerVolume {
		return fmt.Errorf("%w: %d sparse chapters exceed %d total chapters",
			ErrInvalidConfig, c.Geometry.SparseChaptersPerVolume, c.Geometry.ChaptersPerVolume)
	}
	if c.Geometry.SparseChaptersPerVolume > 0 && c.SparseSampleRate == 0 {
		return fmt.Errorf("%w: sparse chapters require a non-zero sample rate", ErrInvalidConfig)
	}
	return nil
}

// IsSparse reports whether the configuration describes a sparse+dense index.
func (c Configuration) IsSparse() bool {
	return c.Geometry.SparseChaptersPerVolume > 0
}

// DeriveVolumeNonce produces a stable nonce from a volume identifier, for
// callers that name volumes rather than numbering them.
func DeriveVolumeNonce(volumeID string) uint64 {
	return xxhash.Sum64String(volumeID)
}
