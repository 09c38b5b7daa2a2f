package blobstore

import (
	"container/list"
	"context"
	"sync"
)

// CachingStore wraps a Store with a read-through blob cache. Zone streams
// are read wholesale during restore, so caching operates on whole blobs
// rather than blocks. Writes and deletes invalidate the cached copy.
type CachingStore struct {
	inner Store

	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	used     int64
	capacity int64
}

type cacheEntry struct {
	name string
	data []byte
}

// NewCachingStore creates a caching wrapper around inner holding up to
// capacityBytes of blob data. capacityBytes defaults to 64MB if <= 0.
func NewCachingStore(inner Store, capacityBytes int64) *CachingStore {
	if capacityBytes <= 0 {
		capacityBytes = 64 << 20
	}
	return &CachingStore{
		inner:    inner,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacityBytes,
	}
}

func (s *CachingStore) get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (s *CachingStore) add(name string, data []byte) {
	if int64(len(data)) > s.capacity {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[name]; ok {
		s.used -= int64(len(el.Value.(*cacheEntry).data))
		s.order.Remove(el)
		delete(s.entries, name)
	}
	for s.used+int64(len(data)) > s.capacity {
		back := s.order.Back()
		entry := back.Value.(*cacheEntry)
		s.used -= int64(len(entry.data))
		s.order.Remove(back)
		delete(s.entries, entry.name)
	}
	s.entries[name] = s.order.PushFront(&cacheEntry{name: name, data: data})
	s.used += int64(len(data))
}

func (s *CachingStore) invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[name]; ok {
		s.used -= int64(len(el.Value.(*cacheEntry).data))
		s.order.Remove(el)
		delete(s.entries, name)
	}
}

// Open opens a blob for reading, serving cached contents when available.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	if data, ok := s.get(name); ok {
		return &memoryBlob{data: data}, nil
	}

	data, err := ReadAll(ctx, s.inner, name)
	if err != nil {
		return nil, err
	}
	s.add(name, data)
	return &memoryBlob{data: data}, nil
}

// Create passes through; the cached copy (if any) is dropped when the
// write completes via Put semantics of the inner store.
func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.invalidate(name)
	return s.inner.Create(ctx, name)
}

// Put writes through and refreshes the cache.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	if err := s.inner.Put(ctx, name, data); err != nil {
		return err
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	s.add(name, copied)
	return nil
}

// Delete removes the blob and its cached copy.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.invalidate(name)
	return s.inner.Delete(ctx, name)
}

// List passes through; listings are never cached.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
