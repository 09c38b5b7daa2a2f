package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStorePutOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("zone stream payload")
	require.NoError(t, store.Put(ctx, "zone-0.mi", data))

	got, err := ReadAll(ctx, store, "zone-0.mi")
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestLocalStoreOpenMissing(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreCreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	w, err := store.Create(ctx, "zone-1.mi")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	// Not visible until Close.
	_, err = os.Stat(filepath.Join(dir, "zone-1.mi"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, w.Close())
	got, err := ReadAll(ctx, store, "zone-1.mi")
	require.NoError(t, err)
	require.Equal(t, []byte("partial"), got)
}

func TestLocalStoreDeleteAndList(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "save/zone-0.mi", []byte("a")))
	require.NoError(t, store.Put(ctx, "save/zone-1.mi", []byte("b")))
	require.NoError(t, store.Put(ctx, "manifest.json", []byte("c")))

	names, err := store.List(ctx, "save/")
	require.NoError(t, err)
	require.Equal(t, []string{"save/zone-0.mi", "save/zone-1.mi"}, names)

	require.NoError(t, store.Delete(ctx, "save/zone-0.mi"))
	require.NoError(t, store.Delete(ctx, "save/zone-0.mi")) // idempotent

	names, err = store.List(ctx, "save/")
	require.NoError(t, err)
	require.Equal(t, []string{"save/zone-1.mi"}, names)
}

func TestLocalStorePutOverwrites(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "blob", []byte("old")))
	require.NoError(t, store.Put(ctx, "blob", []byte("new")))

	got, err := ReadAll(ctx, store, "blob")
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)
}
