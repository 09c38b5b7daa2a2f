// Package index implements the master index of the deduplication engine: a
// polymorphic index contract with a dense delta-list implementation and a
// sample+dense composite that routes between two sub-indices.
package index

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hupe1980/dedupix/chunk"
	"github.com/hupe1980/dedupix/config"
	"github.com/hupe1980/dedupix/stream"
)

var (
	// ErrBadState is returned when a caller invokes an operation that is
	// invalid for the index's current state or type, e.g. a sampled-subset
	// lookup on the composite index.
	ErrBadState = errors.New("bad index state")

	// ErrCorruptComponent is returned when persisted index state fails
	// validation during restore. Corruption is never silently repaired.
	ErrCorruptComponent = errors.New("corrupt index component")
)

// Triage is the result of a cheap preliminary lookup used to route a request
// before full record resolution.
type Triage struct {
	// IsSample reports whether the fingerprint belongs to the sample subset.
	IsSample bool

	// InSampledChapter reports whether a sampled fingerprint was found in a
	// chapter currently covered by the sample sub-index.
	InSampledChapter bool

	// Zone is the concurrency shard the fingerprint maps to.
	Zone int

	// VirtualChapter is the chapter the fingerprint was found in, valid only
	// when InSampledChapter is true.
	VirtualChapter uint64
}

// Stats reports occupancy counters for one sub-index.
type Stats struct {
	MemoryUsed     uint64 // bytes used for index entries
	RecordCount    uint64 // entries currently indexed
	CollisionCount uint64 // entries sharing an address with an earlier entry
	DiscardCount   uint64 // entries evicted by chapter rotation
	ListCount      uint64 // delta lists backing the sub-index
}

// DeltaListInfo identifies a single saved delta list during incremental
// restore. The tag names the sub-index the list belongs to; the caller does
// not pre-classify, it simply offers the list to each sub-index in turn.
type DeltaListInfo struct {
	Tag        byte
	ListNumber uint32
}

// Index is the master index contract. It is implemented both by the dense
// ChapterIndex and by the SplitIndex composite, which lets either side of
// the composite be swapped for a different storage strategy.
//
// Zone-scoped operations (GetRecord, SetZoneOpenChapter) assume one owning
// writer thread per zone. Lookup is the only operation that may be called
// concurrently with zone writers, from a single dispatching thread.
type Index interface {
	// IsSample reports whether the fingerprint belongs to the sample subset.
	IsSample(name chunk.Name) bool

	// Zone returns the concurrency shard the fingerprint maps to.
	Zone(name chunk.Name) int

	// Lookup performs the triage lookup used to route an incoming request.
	Lookup(name chunk.Name) (Triage, error)

	// LookupSampled resolves a sampled fingerprint against the sample
	// sub-index. The Zone and IsSample fields of t must already be filled
	// in; InSampledChapter and VirtualChapter are set if the name is found.
	LookupSampled(name chunk.Name, t *Triage) error

	// GetRecord finds the record for a fingerprint. The returned handle is
	// single-use: examine Found/Collision, then call at most one of Put,
	// SetChapter or Remove on it. Despite being a lookup this is not
	// read-only; aged entries may be flushed lazily.
	GetRecord(name chunk.Name) (*Record, error)

	// SetOpenChapter advances every zone's open chapter in increasing zone
	// order. Callers must barrier all zone writers around it; there is no
	// atomicity across zones.
	SetOpenChapter(virtualChapter uint64)

	// SetZoneOpenChapter advances one zone's open chapter, evicting entries
	// that fall out of the chapter window.
	SetZoneOpenChapter(zone int, virtualChapter uint64)

	// SetTag sets the tag identifying this sub-index's delta lists in
	// saved state.
	SetTag(tag byte)

	// MemoryUsed returns the bytes used for index entries.
	MemoryUsed() uint64

	// Stats returns occupancy stats for the dense and sparse portions of
	// the index.
	Stats() (dense, sparse Stats)

	// StartSaving begins saving one zone's state onto a stream. The header
	// is written before any sub-index payload, so a failed save never
	// leaves an ambiguous partial header.
	StartSaving(zone int, w *stream.Writer) error

	// IsSavingDone reports whether a zone's save has completed. It is
	// side-effect free and safe to poll.
	IsSavingDone(zone int) bool

	// FinishSaving forces completion of a zone's save and surfaces any
	// error that occurred asynchronously.
	FinishSaving(zone int) error

	// AbortSaving abandons a zone's save, best effort.
	AbortSaving(zone int) error

	// StartRestoring begins restoring the index from one stream per zone,
	// all supplied together. Every stream's header is validated before any
	// payload is consumed.
	StartRestoring(readers []*stream.Reader) error

	// IsRestoringDone reports whether every delta list has been restored.
	IsRestoringDone() bool

	// RestoreDeltaList applies one saved delta list out of band during
	// incremental recovery.
	RestoreDeltaList(info DeltaListInfo, data []byte) error

	// AbortRestoring abandons a restore in progress. Cleanup errors are not
	// actionable and are not reported.
	AbortRestoring()

	// Close releases the index. It is idempotent and safe on partially
	// constructed state.
	Close() error
}

// Option configures index construction.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for corruption warnings and construction
// errors. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{logger: slog.Default()}
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}

// New creates a master index for the configuration: a plain dense index when
// no sparse chapters are configured, otherwise the sample+dense composite.
func New(cfg config.Configuration, numZones int, optFns ...Option) (Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if numZones <= 0 {
		return nil, fmt.Errorf("%w: zone count %d must be positive", config.ErrInvalidConfig, numZones)
	}
	if !cfg.IsSparse() {
		return NewChapterIndex(cfg, numZones, optFns...)
	}
	return NewSplitIndex(cfg, numZones, optFns...)
}
