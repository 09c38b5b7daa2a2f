package dedupix

import (
	"github.com/hupe1980/dedupix/blobstore"
	"github.com/hupe1980/dedupix/manifest"
	"github.com/hupe1980/dedupix/persistence"
	"github.com/hupe1980/dedupix/resource"
)

type options struct {
	numZones      int
	logger        *Logger
	store         blobstore.Store
	storePrefix   string
	controller    *resource.Controller
	manifestStore manifest.Store
	archiveCodec  persistence.Codec
}

// Option configures Index constructor behavior.
type Option func(*options)

// WithZones configures the number of zones the index is divided into.
// Each zone is intended to be owned by one worker thread; the default is 1.
func WithZones(numZones int) Option {
	return func(o *options) {
		o.numZones = numZones
	}
}

// WithLogger configures the logger. If nil is passed, the default text
// logger is used.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NewLogger(nil)
		}
		o.logger = l
	}
}

// WithBlobStore configures where Save and Restore keep zone streams.
// prefix is prepended to every blob name.
func WithBlobStore(store blobstore.Store, prefix string) Option {
	return func(o *options) {
		o.store = store
		o.storePrefix = prefix
	}
}

// WithResourceController configures resource limits for saves and restores.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithManifestStore configures where save manifests are committed. When
// set, every successful Save commits a manifest and Restore validates the
// latest manifest before loading zone blobs.
func WithManifestStore(s manifest.Store) Option {
	return func(o *options) {
		o.manifestStore = s
	}
}

// WithArchiveCodec configures the compression used by SaveArchive.
func WithArchiveCodec(c persistence.Codec) Option {
	return func(o *options) {
		o.archiveCodec = c
	}
}
