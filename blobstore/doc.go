// Package blobstore provides storage abstraction for dedupix's saved index
// state.
//
// Store is the interface for reading and writing blobs (zone streams,
// archives, manifests). Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with atomic renames and fsync
//   - MemoryStore: in-memory store for testing
//   - minio.Store: MinIO and S3-compatible object storage
//   - s3.Store: Amazon S3 with streaming uploads
//
// # Custom Implementations
//
// Implement the Store interface to support custom storage backends:
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)            // Open for reading
//	    Create(ctx, name) (WritableBlob, error)  // Create for writing
//	    Put(ctx, name, data) error               // Atomic write
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
