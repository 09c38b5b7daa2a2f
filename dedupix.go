package dedupix

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/dedupix/chunk"
	"github.com/hupe1980/dedupix/config"
	"github.com/hupe1980/dedupix/index"
	"github.com/hupe1980/dedupix/manifest"
	"github.com/hupe1980/dedupix/persistence"
	"github.com/hupe1980/dedupix/resource"
)

// Index is the top-level handle to a deduplication master index. It wires
// the in-memory index to a blob store for saves and restores, an optional
// manifest store for commit fencing, and a resource controller for limits.
//
// Zone-scoped mutation (GetRecord followed by a record mutation,
// SetZoneOpenChapter) assumes one owning goroutine per zone. Lookup may be
// called from one dispatching goroutine concurrently with zone owners.
type Index struct {
	cfg      config.Configuration
	numZones int

	idx       index.Index
	mgr       *persistence.Manager
	manifests manifest.Store
	ctrl      *resource.Controller
	log       *Logger

	memReserved int64
	closed      atomic.Bool
}

// New creates a master index for the configuration. A sparse configuration
// yields the sample+dense composite, a dense one a plain chapter index.
func New(cfg config.Configuration, optFns ...Option) (*Index, error) {
	o := options{
		numZones:     1,
		archiveCodec: persistence.CodecZstd,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(nil)
	}

	idx, err := index.New(cfg, o.numZones, index.WithLogger(o.logger.Logger))
	if err != nil {
		return nil, err
	}

	di := &Index{
		cfg:       cfg,
		numZones:  o.numZones,
		idx:       idx,
		manifests: o.manifestStore,
		ctrl:      o.controller,
		log:       o.logger,
	}

	// Account the index's footprint against the controller's budget.
	di.memReserved = int64(idx.MemoryUsed())
	if err := o.controller.AcquireMemory(context.Background(), di.memReserved); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("dedupix: reserving index memory: %w", err)
	}

	if o.store != nil {
		di.mgr = persistence.NewManager(o.store, func(mo *persistence.ManagerOptions) {
			mo.Prefix = o.storePrefix
			mo.Controller = o.controller
			mo.Logger = o.logger.Logger
			mo.ArchiveCodec = o.archiveCodec
		})
	}

	return di, nil
}

// Zones returns the number of zones the index is divided into.
func (di *Index) Zones() int { return di.numZones }

// Classify reports whether a fingerprint belongs to the sample subset.
func (di *Index) Classify(name chunk.Name) bool {
	return di.idx.IsSample(name)
}

// Zone returns the zone a fingerprint maps to.
func (di *Index) Zone(name chunk.Name) int {
	return di.idx.Zone(name)
}

// Lookup triages a fingerprint for request routing.
func (di *Index) Lookup(name chunk.Name) (index.Triage, error) {
	if di.closed.Load() {
		return index.Triage{}, ErrClosed
	}
	return di.idx.Lookup(name)
}

// GetRecord finds the record for a fingerprint in the fingerprint's zone.
// Must be called by the zone's owning goroutine.
func (di *Index) GetRecord(name chunk.Name) (*index.Record, error) {
	if di.closed.Load() {
		return nil, ErrClosed
	}
	return di.idx.GetRecord(name)
}

// SetOpenChapter advances every zone's open chapter. Callers must barrier
// all zone owners around it.
func (di *Index) SetOpenChapter(virtualChapter uint64) {
	di.idx.SetOpenChapter(virtualChapter)
}

// SetZoneOpenChapter advances one zone's open chapter. Must be called by
// the zone's owning goroutine.
func (di *Index) SetZoneOpenChapter(zone int, virtualChapter uint64) {
	di.idx.SetZoneOpenChapter(zone, virtualChapter)
}

// Stats returns occupancy stats for the dense and sparse portions.
func (di *Index) Stats() (dense, sparse index.Stats) {
	return di.idx.Stats()
}

// MemoryUsed returns the bytes used for index entries.
func (di *Index) MemoryUsed() uint64 {
	return di.idx.MemoryUsed()
}

// ComputeSaveSize returns the exact byte count of one zone's saved stream,
// excluding the checksum trailer.
func (di *Index) ComputeSaveSize() (uint64, error) {
	return index.ComputeSaveSize(di.cfg, di.numZones)
}

// Save persists every zone to the blob store and, when a manifest store is
// configured, commits a manifest naming the written blobs.
func (di *Index) Save(ctx context.Context) error {
	if di.closed.Load() {
		return ErrClosed
	}
	if di.mgr == nil {
		return ErrNoBlobStore
	}

	names, err := di.mgr.Save(ctx, di.idx, di.numZones)
	if err != nil {
		di.log.LogSave(ctx, di.numZones, err)
		return err
	}

	if di.manifests != nil {
		m := manifest.New(di.cfg, di.numZones, names)
		if err := di.manifests.Commit(ctx, m); err != nil {
			di.log.LogSave(ctx, di.numZones, err)
			return fmt.Errorf("dedupix: committing manifest: %w", err)
		}
	}

	di.log.LogSave(ctx, di.numZones, nil)
	return nil
}

// Restore loads every zone from the blob store. When a manifest store is
// configured, the latest manifest must validate against this index's
// configuration first.
func (di *Index) Restore(ctx context.Context) error {
	if di.closed.Load() {
		return ErrClosed
	}
	if di.mgr == nil {
		return ErrNoBlobStore
	}

	if di.manifests != nil {
		m, err := di.manifests.Latest(ctx)
		if err != nil {
			di.log.LogRestore(ctx, di.numZones, err)
			return fmt.Errorf("dedupix: reading manifest: %w", err)
		}
		if err := m.Validate(di.cfg, di.numZones); err != nil {
			di.log.LogRestore(ctx, di.numZones, err)
			return err
		}
	}

	if err := di.mgr.Restore(ctx, di.idx, di.numZones); err != nil {
		di.log.LogRestore(ctx, di.numZones, err)
		return err
	}

	di.log.LogRestore(ctx, di.numZones, nil)
	return nil
}

// SaveArchive bundles every zone into one compressed archive blob.
func (di *Index) SaveArchive(ctx context.Context, name string) error {
	if di.closed.Load() {
		return ErrClosed
	}
	if di.mgr == nil {
		return ErrNoBlobStore
	}
	return di.mgr.CreateArchive(ctx, di.idx, di.numZones, name)
}

// RestoreArchive loads the index from an archive blob.
func (di *Index) RestoreArchive(ctx context.Context, name string) error {
	if di.closed.Load() {
		return ErrClosed
	}
	if di.mgr == nil {
		return ErrNoBlobStore
	}
	return di.mgr.RestoreArchive(ctx, di.idx, name)
}

// Close releases the index and its reserved memory. Idempotent.
func (di *Index) Close() error {
	if di == nil || !di.closed.CompareAndSwap(false, true) {
		return nil
	}
	di.ctrl.ReleaseMemory(di.memReserved)
	return di.idx.Close()
}
