package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/dedupix/blobstore"
	"github.com/hupe1980/dedupix/config"
)

func testConfig() config.Configuration {
	return config.Configuration{
		Geometry: config.Geometry{
			RecordsPerChapter:       256,
			ChaptersPerVolume:       64,
			SparseChaptersPerVolume: 48,
		},
		SparseSampleRate: 4,
		VolumeNonce:      11,
	}
}

func TestManifestMarshalRoundTrip(t *testing.T) {
	m := New(testConfig(), 4, []string{"zone-0.mi", "zone-1.mi", "zone-2.mi", "zone-3.mi"})
	m.Generation = 3

	data, err := m.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, m.Generation, got.Generation)
	require.Equal(t, m.ZoneBlobs, got.ZoneBlobs)
	require.NoError(t, got.Validate(testConfig(), 4))
}

func TestManifestValidate(t *testing.T) {
	m := New(testConfig(), 2, []string{"a", "b"})
	require.NoError(t, m.Validate(testConfig(), 2))

	t.Run("zone count mismatch", func(t *testing.T) {
		require.ErrorIs(t, m.Validate(testConfig(), 3), ErrMismatch)
	})

	t.Run("sample rate mismatch", func(t *testing.T) {
		cfg := testConfig()
		cfg.SparseSampleRate = 8
		require.ErrorIs(t, m.Validate(cfg, 2), ErrMismatch)
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		cfg := testConfig()
		cfg.VolumeNonce = 99
		require.ErrorIs(t, m.Validate(cfg, 2), ErrMismatch)
	})

	t.Run("blob list shorter than zones", func(t *testing.T) {
		short := New(testConfig(), 2, []string{"a"})
		require.ErrorIs(t, short.Validate(testConfig(), 2), ErrMismatch)
	})
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	require.Error(t, err)
}

func TestBlobStoreStoreCommitAndLatest(t *testing.T) {
	ctx := context.Background()
	s := NewBlobStoreStore(blobstore.NewMemoryStore(), "meta")

	_, err := s.Latest(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	first := New(testConfig(), 1, []string{"zone-0.mi"})
	require.NoError(t, s.Commit(ctx, first))
	require.Equal(t, uint64(1), first.Generation)

	second := New(testConfig(), 1, []string{"zone-0.mi"})
	require.NoError(t, s.Commit(ctx, second))
	require.Equal(t, uint64(2), second.Generation)

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Generation)
	require.NoError(t, got.Validate(testConfig(), 1))
}
