package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path"

	"github.com/hupe1980/dedupix/blobstore"
	"github.com/hupe1980/dedupix/index"
	"github.com/hupe1980/dedupix/stream"
)

// "MIA" marks a master index archive; the number bumps when the framing
// changes.
var archiveMagic = []byte("MIA-0001")

const archiveMagicSize = 8

// writeArchive frames sealed zone streams into one artifact:
// magic, codec, zone count, then one length-prefixed compressed stream per
// zone, sealed with a checksum trailer of its own.
func writeArchive(c Codec, zones [][]byte) ([]byte, error) {
	if !c.valid() {
		return nil, fmt.Errorf("persistence: unknown codec %d", uint8(c))
	}

	var buf bytes.Buffer
	w := stream.NewWriter(&buf)

	if err := w.WriteBytes(archiveMagic); err != nil {
		return nil, err
	}
	if err := w.WriteBytes([]byte{byte(c)}); err != nil {
		return nil, err
	}
	if err := w.WriteUint32(uint32(len(zones))); err != nil {
		return nil, err
	}
	for zone, data := range zones {
		comp, err := c.compress(data)
		if err != nil {
			return nil, fmt.Errorf("compressing zone %d: %w", zone, err)
		}
		if err := w.WriteUint32(uint32(len(comp))); err != nil {
			return nil, err
		}
		if err := w.WriteBytes(comp); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	var trailer [checksumTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], w.Checksum())
	buf.Write(trailer[:])
	return buf.Bytes(), nil
}

// readArchive unframes an artifact produced by writeArchive, returning the
// sealed zone streams.
func readArchive(data []byte) ([][]byte, error) {
	if len(data) < checksumTrailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedStream, len(data))
	}
	payload, err := unsealZone(data)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	r := stream.NewReader(bytes.NewReader(payload))
	magic := make([]byte, archiveMagicSize)
	if err := r.ReadBytes(magic); err != nil {
		return nil, fmt.Errorf("%w: reading archive magic: %v", index.ErrCorruptComponent, err)
	}
	if !bytes.Equal(magic, archiveMagic) {
		return nil, fmt.Errorf("%w: archive had bad magic", index.ErrCorruptComponent)
	}
	codecByte := make([]byte, 1)
	if err := r.ReadBytes(codecByte); err != nil {
		return nil, fmt.Errorf("%w: reading archive codec: %v", index.ErrCorruptComponent, err)
	}
	c := Codec(codecByte[0])
	if !c.valid() {
		return nil, fmt.Errorf("%w: archive used unknown codec %d", index.ErrCorruptComponent, codecByte[0])
	}
	count, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: reading archive zone count: %v", index.ErrCorruptComponent, err)
	}

	zones := make([][]byte, count)
	for zone := range zones {
		n, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("%w: reading zone %d length: %v", index.ErrCorruptComponent, zone, err)
		}
		comp := make([]byte, n)
		if err := r.ReadBytes(comp); err != nil {
			return nil, fmt.Errorf("%w: reading zone %d payload: %v", index.ErrCorruptComponent, zone, err)
		}
		zones[zone], err = c.decompress(comp)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing zone %d: %v", index.ErrCorruptComponent, zone, err)
		}
	}
	return zones, nil
}

// CreateArchive saves every zone of the index into one compressed archive
// blob. The archive is self-contained: RestoreArchive needs only the blob.
func (m *Manager) CreateArchive(ctx context.Context, idx index.Index, numZones int, name string) error {
	zones := make([][]byte, numZones)
	for zone := range zones {
		data, err := sealZone(idx, zone)
		if err != nil {
			return err
		}
		zones[zone] = data
	}

	data, err := writeArchive(m.archiveCodec, zones)
	if err != nil {
		return err
	}
	if err := m.ctrl.AcquireIO(ctx, len(data)); err != nil {
		return err
	}
	if err := m.store.Put(ctx, path.Join(m.prefix, name), data); err != nil {
		return fmt.Errorf("writing archive blob: %w", err)
	}
	m.log.Info("archive created", "blob", name, "zones", numZones, "codec", m.archiveCodec.String(), "bytes", len(data))
	return nil
}

// RestoreArchive loads the index from an archive blob. The zone count is
// taken from the archive and must match the index geometry.
func (m *Manager) RestoreArchive(ctx context.Context, idx index.Index, name string) error {
	data, err := blobstore.ReadAll(ctx, m.store, path.Join(m.prefix, name))
	if err != nil {
		return fmt.Errorf("reading archive blob: %w", err)
	}
	if err := m.ctrl.AcquireIO(ctx, len(data)); err != nil {
		return err
	}

	zones, err := readArchive(data)
	if err != nil {
		return err
	}

	readers := make([]*stream.Reader, len(zones))
	for zone, sealed := range zones {
		payload, err := unsealZone(sealed)
		if err != nil {
			return fmt.Errorf("zone %d: %w", zone, err)
		}
		readers[zone] = stream.NewReader(bytes.NewReader(payload))
	}

	if err := idx.StartRestoring(readers); err != nil {
		idx.AbortRestoring()
		return err
	}
	if !idx.IsRestoringDone() {
		idx.AbortRestoring()
		return ErrRestoreIncomplete
	}
	m.log.Info("archive restored", "blob", name, "zones", len(zones))
	return nil
}
