// Package manifest records what a successful index save produced: the
// configuration the index was built with, the zone count, and the blob
// names holding each zone's stream. A restore reads the manifest first and
// validates the configuration against it before touching any zone blob.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/dedupix/config"
)

// ErrNotFound is returned when no manifest has been committed yet.
var ErrNotFound = errors.New("manifest not found")

// ErrMismatch is returned when a manifest disagrees with the configuration
// an index was built with.
var ErrMismatch = errors.New("manifest does not match configuration")

// Manifest describes one committed save generation.
type Manifest struct {
	// Generation increases by one with every committed save.
	Generation uint64 `json:"generation"`

	RecordsPerChapter       uint64 `json:"recordsPerChapter"`
	ChaptersPerVolume       uint64 `json:"chaptersPerVolume"`
	SparseChaptersPerVolume uint64 `json:"sparseChaptersPerVolume"`
	SampleRate              uint32 `json:"sampleRate"`
	VolumeNonce             uint64 `json:"volumeNonce"`

	Zones     int       `json:"zones"`
	ZoneBlobs []string  `json:"zoneBlobs"`
	SavedAt   time.Time `json:"savedAt"`
}

// New builds a manifest for a save of the given configuration.
func New(cfg config.Configuration, zones int, zoneBlobs []string) *Manifest {
	return &Manifest{
		RecordsPerChapter:       cfg.Geometry.RecordsPerChapter,
		ChaptersPerVolume:       cfg.Geometry.ChaptersPerVolume,
		SparseChaptersPerVolume: cfg.Geometry.SparseChaptersPerVolume,
		SampleRate:              cfg.SparseSampleRate,
		VolumeNonce:             cfg.VolumeNonce,
		Zones:                   zones,
		ZoneBlobs:               zoneBlobs,
		SavedAt:                 time.Now().UTC(),
	}
}

// Validate checks the manifest against a configuration and zone count.
func (m *Manifest) Validate(cfg config.Configuration, zones int) error {
	switch {
	case m.RecordsPerChapter != cfg.Geometry.RecordsPerChapter:
		return fmt.Errorf("%w: records per chapter %d vs. %d", ErrMismatch, m.RecordsPerChapter, cfg.Geometry.RecordsPerChapter)
	case m.ChaptersPerVolume != cfg.Geometry.ChaptersPerVolume:
		return fmt.Errorf("%w: chapters per volume %d vs. %d", ErrMismatch, m.ChaptersPerVolume, cfg.Geometry.ChaptersPerVolume)
	case m.SparseChaptersPerVolume != cfg.Geometry.SparseChaptersPerVolume:
		return fmt.Errorf("%w: sparse chapters %d vs. %d", ErrMismatch, m.SparseChaptersPerVolume, cfg.Geometry.SparseChaptersPerVolume)
	case m.SampleRate != cfg.SparseSampleRate:
		return fmt.Errorf("%w: sample rate %d vs. %d", ErrMismatch, m.SampleRate, cfg.SparseSampleRate)
	case m.VolumeNonce != cfg.VolumeNonce:
		return fmt.Errorf("%w: volume nonce %d vs. %d", ErrMismatch, m.VolumeNonce, cfg.VolumeNonce)
	case m.Zones != zones:
		return fmt.Errorf("%w: zone count %d vs. %d", ErrMismatch, m.Zones, zones)
	}
	if len(m.ZoneBlobs) != m.Zones {
		return fmt.Errorf("%w: %d zone blobs for %d zones", ErrMismatch, len(m.ZoneBlobs), m.Zones)
	}
	return nil
}

// Marshal encodes the manifest as JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a manifest from JSON.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decoding: %w", err)
	}
	return &m, nil
}
