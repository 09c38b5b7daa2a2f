package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/dedupix/blobstore"
)

// Store persists committed manifests. Implementations must reject a commit
// whose generation is not exactly one past the latest, so concurrent savers
// cannot silently overwrite each other.
type Store interface {
	// Latest returns the most recently committed manifest, or ErrNotFound.
	Latest(ctx context.Context) (*Manifest, error)

	// Commit stores a new generation. The manifest's Generation field is
	// assigned by the store.
	Commit(ctx context.Context, m *Manifest) error
}

// ErrConcurrentCommit is returned when another writer committed the same
// generation first.
var ErrConcurrentCommit = errors.New("concurrent manifest commit detected")

// BlobStoreStore keeps manifests in a blob store, one blob per generation
// plus a CURRENT pointer. It provides last-writer-wins semantics only; use
// DynamoDBStore when writers must be fenced.
type BlobStoreStore struct {
	store  blobstore.Store
	prefix string
}

// NewBlobStoreStore creates a manifest store over a blob store.
// All blobs are written under prefix.
func NewBlobStoreStore(store blobstore.Store, prefix string) *BlobStoreStore {
	return &BlobStoreStore{store: store, prefix: prefix}
}

func (s *BlobStoreStore) generationBlob(gen uint64) string {
	return fmt.Sprintf("%s/manifest-%09d.json", s.prefix, gen)
}

func (s *BlobStoreStore) currentBlob() string {
	return s.prefix + "/CURRENT"
}

// Latest returns the manifest the CURRENT pointer names.
func (s *BlobStoreStore) Latest(ctx context.Context) (*Manifest, error) {
	name, err := blobstore.ReadAll(ctx, s.store, s.currentBlob())
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	data, err := blobstore.ReadAll(ctx, s.store, string(name))
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", name, err)
	}
	return Unmarshal(data)
}

// Commit writes the next generation blob and repoints CURRENT at it.
func (s *BlobStoreStore) Commit(ctx context.Context, m *Manifest) error {
	latest, err := s.Latest(ctx)
	switch {
	case err == nil:
		m.Generation = latest.Generation + 1
	case errors.Is(err, ErrNotFound):
		m.Generation = 1
	default:
		return err
	}

	data, err := m.Marshal()
	if err != nil {
		return err
	}
	name := s.generationBlob(m.Generation)
	if err := s.store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("manifest: writing %s: %w", name, err)
	}
	if err := s.store.Put(ctx, s.currentBlob(), []byte(name)); err != nil {
		return fmt.Errorf("manifest: updating CURRENT: %w", err)
	}
	return nil
}
