package index

import (
	"fmt"

	"github.com/hupe1980/dedupix/config"
)

// chapterSaveSize returns the bytes one zone of an empty chapter index
// writes: the zone header plus the per-list overhead of every list the zone
// owns. Records add entrySize bytes each on top of this.
func chapterSaveSize(cfg config.Configuration, numZones int) uint64 {
	perZone := uint64(deltaListCount(cfg, numZones) / numZones)
	return chapterZoneHeaderSize + perZone*deltaListHeaderSize
}

// ComputeSaveSize returns the exact number of bytes saving one zone of a
// freshly created index with this configuration produces. Callers use it to
// preallocate storage, so it must match what StartSaving writes.
func ComputeSaveSize(cfg config.Configuration, numZones int) (uint64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if numZones <= 0 {
		return 0, fmt.Errorf("%w: zone count %d must be positive", config.ErrInvalidConfig, numZones)
	}

	if !cfg.IsSparse() {
		return chapterSaveSize(cfg, numZones), nil
	}

	split, err := config.Split(cfg)
	if err != nil {
		return 0, err
	}
	// A split index saves a header plus the non-hook index plus the hook
	// index, in that order.
	return saveHeaderSize +
		chapterSaveSize(split.NonHook, numZones) +
		chapterSaveSize(split.Hook, numZones), nil
}
