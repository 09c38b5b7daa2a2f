// Package persistence coordinates saving and restoring master index state
// against a blob store.
//
// The Manager writes one sealed stream per zone, fanning zones out across
// workers, and verifies each stream's trailing checksum on restore. The
// Archive functions bundle all zone streams into one compressed artifact
// for backup and transport.
package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"path"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/dedupix/blobstore"
	"github.com/hupe1980/dedupix/index"
	"github.com/hupe1980/dedupix/resource"
	"github.com/hupe1980/dedupix/stream"
)

var (
	// ErrChecksumMismatch is returned when a zone stream's trailing
	// checksum does not match its contents.
	ErrChecksumMismatch = errors.New("zone stream checksum mismatch")

	// ErrTruncatedStream is returned when a zone stream is too short to
	// carry its checksum trailer.
	ErrTruncatedStream = errors.New("zone stream truncated")

	// ErrRestoreIncomplete is returned when the index reports missing
	// delta lists after all zone streams were consumed.
	ErrRestoreIncomplete = errors.New("restore left the index incomplete")
)

// checksumTrailerSize is the little-endian CRC32 sealing every zone stream.
const checksumTrailerSize = 4

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Prefix is prepended to every blob name (e.g. "index/").
	Prefix string

	// Controller limits worker concurrency and IO throughput.
	// Nil means unlimited.
	Controller *resource.Controller

	// Logger receives save and restore progress. Defaults to slog.Default().
	Logger *slog.Logger

	// ArchiveCodec is the compression applied by CreateArchive.
	ArchiveCodec Codec
}

// Manager persists master index state to a blob store, one blob per zone.
type Manager struct {
	store        blobstore.Store
	prefix       string
	ctrl         *resource.Controller
	log          *slog.Logger
	archiveCodec Codec
}

// NewManager creates a persistence manager over the given store.
func NewManager(store blobstore.Store, optFns ...func(*ManagerOptions)) *Manager {
	opts := ManagerOptions{
		Logger:       slog.Default(),
		ArchiveCodec: CodecZstd,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:        store,
		prefix:       opts.Prefix,
		ctrl:         opts.Controller,
		log:          opts.Logger,
		archiveCodec: opts.ArchiveCodec,
	}
}

// ZoneBlobName returns the blob name holding one zone's saved stream.
func (m *Manager) ZoneBlobName(zone int) string {
	return path.Join(m.prefix, fmt.Sprintf("zone-%d.mi", zone))
}

// sealZone runs one zone's save protocol into a buffer and seals it with a
// checksum trailer.
func sealZone(idx index.Index, zone int) ([]byte, error) {
	var buf bytes.Buffer
	w := stream.NewWriter(&buf)

	if err := idx.StartSaving(zone, w); err != nil {
		_ = idx.AbortSaving(zone)
		return nil, fmt.Errorf("saving zone %d: %w", zone, err)
	}
	if !idx.IsSavingDone(zone) {
		_ = idx.AbortSaving(zone)
		return nil, fmt.Errorf("zone %d save did not complete", zone)
	}
	if err := idx.FinishSaving(zone); err != nil {
		return nil, fmt.Errorf("finishing zone %d save: %w", zone, err)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	var trailer [checksumTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], w.Checksum())
	buf.Write(trailer[:])
	return buf.Bytes(), nil
}

// unsealZone verifies and strips a zone stream's checksum trailer.
func unsealZone(data []byte) ([]byte, error) {
	if len(data) < checksumTrailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedStream, len(data))
	}
	payload := data[:len(data)-checksumTrailerSize]
	want := binary.LittleEndian.Uint32(data[len(payload):])
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, fmt.Errorf("%w: computed %08x, stored %08x", ErrChecksumMismatch, got, want)
	}
	return payload, nil
}

// Save persists every zone of the index to the blob store and returns the
// blob names written, in zone order. Zones are saved in parallel subject to
// the resource controller's limits.
func (m *Manager) Save(ctx context.Context, idx index.Index, numZones int) ([]string, error) {
	names := make([]string, numZones)

	g, ctx := errgroup.WithContext(ctx)
	for zone := 0; zone < numZones; zone++ {
		g.Go(func() error {
			if err := m.ctrl.AcquireZoneWorker(ctx); err != nil {
				return err
			}
			defer m.ctrl.ReleaseZoneWorker()

			data, err := sealZone(idx, zone)
			if err != nil {
				return err
			}
			if err := m.ctrl.AcquireIO(ctx, len(data)); err != nil {
				return err
			}

			name := m.ZoneBlobName(zone)
			if err := m.store.Put(ctx, name, data); err != nil {
				return fmt.Errorf("writing zone %d blob: %w", zone, err)
			}
			names[zone] = name
			m.log.Debug("zone saved", "zone", zone, "blob", name, "bytes", len(data))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.log.Error("index save failed", "error", err)
		return nil, err
	}

	m.log.Info("index saved", "zones", numZones)
	return names, nil
}

// fetchZones reads and unseals every zone blob in parallel.
func (m *Manager) fetchZones(ctx context.Context, numZones int) ([][]byte, error) {
	payloads := make([][]byte, numZones)

	g, ctx := errgroup.WithContext(ctx)
	for zone := 0; zone < numZones; zone++ {
		g.Go(func() error {
			if err := m.ctrl.AcquireZoneWorker(ctx); err != nil {
				return err
			}
			defer m.ctrl.ReleaseZoneWorker()

			data, err := blobstore.ReadAll(ctx, m.store, m.ZoneBlobName(zone))
			if err != nil {
				return fmt.Errorf("reading zone %d blob: %w", zone, err)
			}
			if err := m.ctrl.AcquireIO(ctx, len(data)); err != nil {
				return err
			}

			payload, err := unsealZone(data)
			if err != nil {
				return fmt.Errorf("zone %d: %w", zone, err)
			}
			payloads[zone] = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}

// Restore loads every zone of the index from the blob store. The streams
// are fetched and verified in parallel, then handed to the index in one
// pass. A failed restore leaves the index incomplete and aborted.
func (m *Manager) Restore(ctx context.Context, idx index.Index, numZones int) error {
	payloads, err := m.fetchZones(ctx, numZones)
	if err != nil {
		m.log.Error("index restore failed", "error", err)
		return err
	}

	readers := make([]*stream.Reader, numZones)
	for zone, payload := range payloads {
		readers[zone] = stream.NewReader(bytes.NewReader(payload))
	}

	if err := idx.StartRestoring(readers); err != nil {
		idx.AbortRestoring()
		m.log.Error("index restore failed", "error", err)
		return err
	}
	if !idx.IsRestoringDone() {
		idx.AbortRestoring()
		return ErrRestoreIncomplete
	}

	m.log.Info("index restored", "zones", numZones)
	return nil
}

// Delete removes every zone blob of a saved index.
func (m *Manager) Delete(ctx context.Context, numZones int) error {
	for zone := 0; zone < numZones; zone++ {
		if err := m.store.Delete(ctx, m.ZoneBlobName(zone)); err != nil {
			return fmt.Errorf("deleting zone %d blob: %w", zone, err)
		}
	}
	return nil
}
