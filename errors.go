package dedupix

import (
	"errors"
)

var (
	// ErrClosed is returned when operations are attempted on a closed index.
	ErrClosed = errors.New("index is closed")

	// ErrNoBlobStore is returned when Save or Restore is called without a
	// blob store configured.
	ErrNoBlobStore = errors.New("no blob store configured")
)
