package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/dedupix/blobstore"
	"github.com/hupe1980/dedupix/config"
	"github.com/hupe1980/dedupix/index"
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
		VolumeNonce:      7,
	}
}

func populatedIndex(t *testing.T, zones int) index.Index {
	t.Helper()
	idx, err := index.New(testConfig(), zones)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	idx.SetOpenChapter(20)
	for i := uint64(0); i < 300; i++ {
		rec, err := idx.GetRecord(testutil.Fingerprint(i))
		require.NoError(t, err)
		require.NoError(t, rec.Put(15+i%5))
	}
	return idx
}

func emptyIndex(t *testing.T, zones int) index.Index {
	t.Helper()
	idx, err := index.New(testConfig(), zones)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestManagerSaveRestoreRoundTrip(t *testing.T) {
	const zones = 4
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store, func(o *ManagerOptions) {
		o.Prefix = "index"
		o.Controller = resource.NewController(resource.Config{MaxZoneWorkers: 2})
	})

	idx := populatedIndex(t, zones)
	wantMem := idx.MemoryUsed()
	wantDense, wantSparse := idx.Stats()

	names, err := m.Save(ctx, idx, zones)
	require.NoError(t, err)
	require.Len(t, names, zones)
	require.Equal(t, "index/zone-0.mi", names[0])

	restored := emptyIndex(t, zones)
	require.NoError(t, m.Restore(ctx, restored, zones))

	require.Equal(t, wantMem, restored.MemoryUsed())
	gotDense, gotSparse := restored.Stats()
	require.Equal(t, wantDense, gotDense)
	require.Equal(t, wantSparse, gotSparse)
}

func TestManagerRestoreDetectsCorruption(t *testing.T) {
	const zones = 2
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store)

	idx := populatedIndex(t, zones)
	_, err := m.Save(ctx, idx, zones)
	require.NoError(t, err)

	// Flip one payload byte; the trailer no longer matches.
	data, err := blobstore.ReadAll(ctx, store, m.ZoneBlobName(1))
	require.NoError(t, err)
	data[20] ^= 0xff
	require.NoError(t, store.Put(ctx, m.ZoneBlobName(1), data))

	restored := emptyIndex(t, zones)
	err = m.Restore(ctx, restored, zones)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.False(t, restored.IsRestoringDone())
}

func TestManagerRestoreTruncatedBlob(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store)

	require.NoError(t, store.Put(ctx, m.ZoneBlobName(0), []byte{1, 2}))

	restored := emptyIndex(t, 1)
	err := m.Restore(ctx, restored, 1)
	require.ErrorIs(t, err, ErrTruncatedStream)
}

func TestManagerRestoreMissingBlob(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store)

	restored := emptyIndex(t, 1)
	err := m.Restore(ctx, restored, 1)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestManagerDelete(t *testing.T) {
	const zones = 2
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store, func(o *ManagerOptions) { o.Prefix = "index" })

	idx := populatedIndex(t, zones)
	_, err := m.Save(ctx, idx, zones)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, zones))
	names, err := store.List(ctx, "index/")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestManagerSaveHonorsIOLimit(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store, func(o *ManagerOptions) {
		// Generous limit: the save must still complete promptly.
		o.Controller = resource.NewController(resource.Config{IOLimitBytesPerSec: 64 << 20})
	})

	idx := populatedIndex(t, 2)
	_, err := m.Save(ctx, idx, 2)
	require.NoError(t, err)
}

func TestSealUnsealZone(t *testing.T) {
	idx := populatedIndex(t, 1)

	data, err := sealZone(idx, 0)
	require.NoError(t, err)
	require.Greater(t, len(data), checksumTrailerSize)

	payload, err := unsealZone(data)
	require.NoError(t, err)
	require.Len(t, payload, len(data)-checksumTrailerSize)

	_, err = unsealZone([]byte{0})
	require.ErrorIs(t, err, ErrTruncatedStream)

	data[0] ^= 0xff
	_, err = unsealZone(data)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}
