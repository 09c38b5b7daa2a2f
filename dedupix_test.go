package dedupix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/dedupix/blobstore"
	"github.com/hupe1980/dedupix/config"
	"github.com/hupe1980/dedupix/manifest"
	"github.com/hupe1980/dedupix/resource"
	"github.com/hupe1980/dedupix/testutil"
)

func testConfig() config.Configuration {
	return config.Configuration{
		Geometry: config.Geometry{
			RecordsPerChapter:       256,
			ChaptersPerVolume:       64,
			SparseChaptersPerVolume: 48,
		},
		SparseSampleRate: 4,
		VolumeNonce:      config.DeriveVolumeNonce("volume-a"),
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Geometry.RecordsPerChapter = 0
	_, err := New(cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestIndexLookupAndRecordFlow(t *testing.T) {
	idx, err := New(testConfig(), WithZones(2), WithLogger(NoopLogger()))
	require.NoError(t, err)
	defer idx.Close()

	idx.SetOpenChapter(10)

	sample := testutil.SampledFingerprint(1, 4, 0)
	require.True(t, idx.Classify(sample))

	dense := testutil.SampledFingerprint(2, 4, 1)
	require.False(t, idx.Classify(dense))

	rec, err := idx.GetRecord(sample)
	require.NoError(t, err)
	require.False(t, rec.Found)
	require.NoError(t, rec.Put(9))

	triage, err := idx.Lookup(sample)
	require.NoError(t, err)
	require.True(t, triage.IsSample)
	require.True(t, triage.InSampledChapter)
	require.Equal(t, uint64(9), triage.VirtualChapter)
	require.Equal(t, idx.Zone(sample), triage.Zone)

	_, sparse := idx.Stats()
	require.Equal(t, uint64(1), sparse.RecordCount)
	require.NotZero(t, idx.MemoryUsed())
}

func TestIndexSaveRestoreThroughBlobStore(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	newIndex := func() *Index {
		idx, err := New(testConfig(),
			WithZones(2),
			WithLogger(NoopLogger()),
			WithBlobStore(store, "index"),
			WithResourceController(resource.NewController(resource.Config{MaxZoneWorkers: 2})),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = idx.Close() })
		return idx
	}

	idx := newIndex()
	idx.SetOpenChapter(20)
	for i := uint64(0); i < 100; i++ {
		rec, err := idx.GetRecord(testutil.Fingerprint(i))
		require.NoError(t, err)
		require.NoError(t, rec.Put(15+i%5))
	}
	wantMem := idx.MemoryUsed()
	require.NoError(t, idx.Save(ctx))

	restored := newIndex()
	require.NoError(t, restored.Restore(ctx))
	require.Equal(t, wantMem, restored.MemoryUsed())
}

func TestIndexSaveWithoutStore(t *testing.T) {
	idx, err := New(testConfig(), WithLogger(NoopLogger()))
	require.NoError(t, err)
	defer idx.Close()

	require.ErrorIs(t, idx.Save(context.Background()), ErrNoBlobStore)
	require.ErrorIs(t, idx.Restore(context.Background()), ErrNoBlobStore)
}

func TestIndexManifestFencing(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	manifests := manifest.NewBlobStoreStore(store, "meta")

	idx, err := New(testConfig(),
		WithLogger(NoopLogger()),
		WithBlobStore(store, "index"),
		WithManifestStore(manifests),
	)
	require.NoError(t, err)
	defer idx.Close()

	// Restore before any save: no manifest committed yet.
	require.Error(t, idx.Restore(ctx))

	require.NoError(t, idx.Save(ctx))
	m, err := manifests.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.Generation)
	require.Equal(t, []string{"index/zone-0.mi"}, m.ZoneBlobs)

	require.NoError(t, idx.Restore(ctx))

	// An index built with a different configuration must refuse the
	// manifest.
	other := testConfig()
	other.SparseSampleRate = 8
	mismatched, err := New(other,
		WithLogger(NoopLogger()),
		WithBlobStore(store, "index"),
		WithManifestStore(manifests),
	)
	require.NoError(t, err)
	defer mismatched.Close()
	require.ErrorIs(t, mismatched.Restore(ctx), manifest.ErrMismatch)
}

func TestIndexArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	idx, err := New(testConfig(),
		WithZones(2),
		WithLogger(NoopLogger()),
		WithBlobStore(store, "index"),
	)
	require.NoError(t, err)
	defer idx.Close()

	idx.SetOpenChapter(5)
	rec, err := idx.GetRecord(testutil.Fingerprint(1))
	require.NoError(t, err)
	require.NoError(t, rec.Put(4))
	wantMem := idx.MemoryUsed()

	require.NoError(t, idx.SaveArchive(ctx, "backup.mia"))

	restored, err := New(testConfig(),
		WithZones(2),
		WithLogger(NoopLogger()),
		WithBlobStore(store, "index"),
	)
	require.NoError(t, err)
	defer restored.Close()

	require.NoError(t, restored.RestoreArchive(ctx, "backup.mia"))
	require.Equal(t, wantMem, restored.MemoryUsed())
}

func TestIndexComputeSaveSize(t *testing.T) {
	idx, err := New(testConfig(), WithZones(2), WithLogger(NoopLogger()))
	require.NoError(t, err)
	defer idx.Close()

	size, err := idx.ComputeSaveSize()
	require.NoError(t, err)
	require.NotZero(t, size)
}

func TestIndexClosedOperationsFail(t *testing.T) {
	idx, err := New(testConfig(), WithLogger(NoopLogger()))
	require.NoError(t, err)

	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close()) // idempotent

	_, err = idx.Lookup(testutil.Fingerprint(0))
	require.ErrorIs(t, err, ErrClosed)
	_, err = idx.GetRecord(testutil.Fingerprint(0))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, idx.Save(context.Background()), ErrClosed)
	require.ErrorIs(t, idx.Restore(context.Background()), ErrClosed)
}

func TestIndexMemoryAccounting(t *testing.T) {
	ctrl := resource.NewController(resource.Config{})

	idx, err := New(testConfig(), WithLogger(NoopLogger()), WithResourceController(ctrl))
	require.NoError(t, err)
	require.Equal(t, int64(idx.MemoryUsed()), ctrl.MemoryUsage())

	require.NoError(t, idx.Close())
	require.Zero(t, ctrl.MemoryUsage())
}
