// Package dedupix provides the master index of a content-addressable
// deduplication layer: an in-memory map from chunk fingerprints to the
// virtual chapters that hold them.
//
// A sparse configuration splits the index in two. A small, always-resident
// sample ("hook") index holds only fingerprints selected by the sampling
// predicate and covers the whole volume; a larger dense index holds every
// fingerprint but covers only the recent dense chapters. Every request is
// routed by the predicate, so deduplication stays effective far beyond
// what a fully dense index of the same memory could cover.
//
// # Quick Start
//
//	cfg := config.Configuration{
//	    Geometry: config.Geometry{
//	        RecordsPerChapter:       65536,
//	        ChaptersPerVolume:       1024,
//	        SparseChaptersPerVolume: 768,
//	    },
//	    SparseSampleRate: 32,
//	    VolumeNonce:      config.DeriveVolumeNonce("volume-a"),
//	}
//
//	idx, _ := dedupix.New(cfg, dedupix.WithZones(4))
//	defer idx.Close()
//
//	triage, _ := idx.Lookup(name)         // route the request to triage.Zone
//	rec, _ := idx.GetRecord(name)         // in the zone's goroutine
//	if !rec.Found {
//	    _ = rec.Put(openChapter)
//	}
//
// # Persistence
//
// With a blob store configured, the index saves one sealed stream per zone
// and restores them together:
//
//	store, _ := blobstore.NewLocalStore("./data")
//	idx, _ := dedupix.New(cfg,
//	    dedupix.WithZones(4),
//	    dedupix.WithBlobStore(store, "index"),
//	)
//	_ = idx.Save(ctx)
//	_ = idx.Restore(ctx)
//
// Remote backends (MinIO, S3) live under blobstore/; a DynamoDB manifest
// store under manifest/ fences concurrent savers.
//
// # Concurrency Model
//
// The index is divided into zones, each owned by one goroutine. Zone
// owners mutate records and rotate chapters without locks. A single
// dispatching goroutine may call Lookup concurrently; per-zone mutexes
// inside the sample index serialize only that pairing.
package dedupix
