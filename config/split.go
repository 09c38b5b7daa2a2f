package config

import "fmt"

// SplitConfig holds the two sub-index configurations derived from one
// sparse+dense configuration: the hook side indexes only sampled
// fingerprints, the non-hook side indexes the rest.
type SplitConfig struct {
	Hook    Configuration
	NonHook Configuration
}

// Split derives the hook and non-hook sub-index configurations.
//
// The hook side gets recordsPerChapter/sampleRate records per chapter and is
// fully dense by construction (it only ever holds the sampled subset). The
// non-hook side keeps the remaining record capacity and loses the sparse
// chapters. Split is a pure transform: identical inputs always derive
// identical splits, which the save-size computation relies on.
//
// A dense-only configuration never goes through this path; zero sparse
// chapters or a zero sample rate is a construction-time error.
func Split(c Configuration) (SplitConfig, error) {
	if c.Geometry.SparseChaptersPerVolume == 0 {
		return SplitConfig{}, fmt.Errorf(
			"%w: cannot split a sparse+dense index with no sparse chapters", ErrInvalidConfig)
	}
	if c.SparseSampleRate == 0 {
		return SplitConfig{}, fmt.Errorf(
			"%w: cannot split a sparse+dense index with a sample rate of 0", ErrInvalidConfig)
	}

	sampleRecords := c.Geometry.RecordsPerChapter / uint64(c.SparseSampleRate)

	split := SplitConfig{Hook: c, NonHook: c}

	split.Hook.Geometry.RecordsPerChapter = sampleRecords
	split.Hook.Geometry.SparseChaptersPerVolume = 0

	split.NonHook.Geometry.RecordsPerChapter = c.Geometry.RecordsPerChapter - sampleRecords
	split.NonHook.Geometry.ChaptersPerVolume = c.Geometry.DenseChaptersPerVolume()
	split.NonHook.Geometry.SparseChaptersPerVolume = 0

	return split, nil
}
