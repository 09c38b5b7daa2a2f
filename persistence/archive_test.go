package persistence

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/dedupix/blobstore"
	"github.com/hupe1980/dedupix/index"
)

// resealForTest recomputes the archive's checksum trailer after a test
// mutated the framed payload.
func resealForTest(data []byte) ([]byte, error) {
	if len(data) < checksumTrailerSize {
		return nil, ErrTruncatedStream
	}
	payload := data[:len(data)-checksumTrailerSize]
	binary.LittleEndian.PutUint32(data[len(payload):], crc32.ChecksumIEEE(payload))
	return data, nil
}

func TestCodecRoundTrip(t *testing.T) {
	data := []byte("the same bytes the same bytes the same bytes")

	for _, c := range []Codec{CodecNone, CodecZstd, CodecS2, CodecLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			comp, err := c.compress(data)
			require.NoError(t, err)
			got, err := c.decompress(comp)
			require.NoError(t, err)
			require.Equal(t, data, got)
		})
	}
}

func TestCodecRejectsUnknown(t *testing.T) {
	bad := Codec(200)
	require.False(t, bad.valid())
	_, err := bad.compress([]byte("x"))
	require.Error(t, err)
	_, err = bad.decompress([]byte("x"))
	require.Error(t, err)
}

func TestArchiveRoundTrip(t *testing.T) {
	for _, c := range []Codec{CodecNone, CodecZstd, CodecS2, CodecLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			const zones = 3
			ctx := context.Background()
			store := blobstore.NewMemoryStore()
			m := NewManager(store, func(o *ManagerOptions) { o.ArchiveCodec = c })

			idx := populatedIndex(t, zones)
			wantMem := idx.MemoryUsed()

			require.NoError(t, m.CreateArchive(ctx, idx, zones, "backup.mia"))

			restored := emptyIndex(t, zones)
			require.NoError(t, m.RestoreArchive(ctx, restored, "backup.mia"))
			require.Equal(t, wantMem, restored.MemoryUsed())
			require.True(t, restored.IsRestoringDone())
		})
	}
}

func TestArchiveBadMagic(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store)

	idx := populatedIndex(t, 1)
	require.NoError(t, m.CreateArchive(ctx, idx, 1, "backup.mia"))

	data, err := blobstore.ReadAll(ctx, store, "backup.mia")
	require.NoError(t, err)

	// Corrupt the magic and reseal so only the framing check trips.
	data[0] = 'X'
	payload, sealErr := resealForTest(data)
	require.NoError(t, sealErr)
	require.NoError(t, store.Put(ctx, "backup.mia", payload))

	restored := emptyIndex(t, 1)
	err = m.RestoreArchive(ctx, restored, "backup.mia")
	require.ErrorIs(t, err, index.ErrCorruptComponent)
}

func TestArchiveChecksumDetectsFlips(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := NewManager(store)

	idx := populatedIndex(t, 1)
	require.NoError(t, m.CreateArchive(ctx, idx, 1, "backup.mia"))

	data, err := blobstore.ReadAll(ctx, store, "backup.mia")
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, store.Put(ctx, "backup.mia", data))

	restored := emptyIndex(t, 1)
	err = m.RestoreArchive(ctx, restored, "backup.mia")
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestWriteArchiveRejectsUnknownCodec(t *testing.T) {
	_, err := writeArchive(Codec(99), nil)
	require.Error(t, err)
}
