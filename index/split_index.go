package index

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/dedupix/chunk"
	"github.com/hupe1980/dedupix/config"
	"github.com/hupe1980/dedupix/stream"
)

// Compile-time check that SplitIndex satisfies the master index contract.
var _ Index = (*SplitIndex)(nil)

// "MI6" marks a saved split master index; the number bumps when the header
// layout changes.
var saveMagic = []byte("MI6-0001")

const (
	saveMagicSize = 8

	// saveHeaderSize is the magic plus the little-endian sample rate.
	saveHeaderSize = saveMagicSize + 4
)

// Tags identifying each sub-index's delta lists in saved state.
const (
	denseTag  = 'd'
	sampleTag = 's'
)

// zoneLock guards the sample sub-index's state for one zone. The zone's
// owning thread and the request-dispatching thread are the only two parties
// that ever contend on it.
type zoneLock struct {
	hookMu sync.Mutex
}

// SplitIndex presents one logical master index over two sub-indices: a
// small always-resident sample ("hook") index holding only fingerprints
// selected by the sampling predicate, and a dense ("non-hook") index
// holding the rest. Every operation is routed to one sub-index or fanned
// out to both, always non-hook first.
//
// The index is divided into zones with one owning thread per zone. The only
// cross-thread operation is Lookup on a sampled name, issued by the thread
// that dispatches requests to zones; the per-zone mutexes serialize it
// against that zone's hook-index writes.
type SplitIndex struct {
	sampleRate uint32
	numZones   int

	nonHook Index
	hook    Index
	zones   []*zoneLock

	log *slog.Logger
}

// NewSplitIndex creates the sample+dense composite for a sparse
// configuration. Construction failures tear down whatever was built.
func NewSplitIndex(cfg config.Configuration, numZones int, optFns ...Option) (*SplitIndex, error) {
	split, err := config.Split(cfg)
	if err != nil {
		return nil, err
	}
	if numZones <= 0 {
		return nil, fmt.Errorf("%w: zone count %d must be positive", config.ErrInvalidConfig, numZones)
	}
	o := applyOptions(optFns)

	si := &SplitIndex{
		sampleRate: cfg.SparseSampleRate,
		numZones:   numZones,
		zones:      make([]*zoneLock, numZones),
		log:        o.logger,
	}
	for i := range si.zones {
		si.zones[i] = &zoneLock{}
	}

	nonHook, err := NewChapterIndex(split.NonHook, numZones, optFns...)
	if err != nil {
		_ = si.Close()
		si.log.Error("creating non-hook sub-index failed", "error", err)
		return nil, fmt.Errorf("creating non-hook sub-index: %w", err)
	}
	nonHook.SetTag(denseTag)
	si.nonHook = nonHook

	hook, err := NewChapterIndex(split.Hook, numZones, optFns...)
	if err != nil {
		_ = si.Close()
		si.log.Error("creating hook sub-index failed", "error", err)
		return nil, fmt.Errorf("creating hook sub-index: %w", err)
	}
	hook.SetTag(sampleTag)
	si.hook = hook

	return si, nil
}

// IsSample applies the sampling predicate: a fingerprint belongs to the
// sample subset when its sampling bytes are divisible by the sample rate.
func (si *SplitIndex) IsSample(name chunk.Name) bool {
	return uint32(name.SamplingBytes())%si.sampleRate == 0
}

func (si *SplitIndex) subIndex(name chunk.Name) Index {
	if si.IsSample(name) {
		return si.hook
	}
	return si.nonHook
}

// Zone delegates to whichever sub-index serves the fingerprint.
func (si *SplitIndex) Zone(name chunk.Name) int {
	return si.subIndex(name).Zone(name)
}

// Lookup triages a fingerprint for routing. For sampled names the sample
// sub-index is queried under the zone mutex; this is the one operation
// allowed to race with zone writers. Non-sampled names take no lock.
func (si *SplitIndex) Lookup(name chunk.Name) (Triage, error) {
	t := Triage{
		IsSample: si.IsSample(name),
		Zone:     si.Zone(name),
	}
	if !t.IsSample {
		return t, nil
	}

	mu := &si.zones[t.Zone].hookMu
	mu.Lock()
	err := si.hook.LookupSampled(name, &t)
	mu.Unlock()
	if err != nil {
		return Triage{}, err
	}
	return t, nil
}

// LookupSampled exists only on the underlying sample-capable sub-index.
// Reaching it here means a caller bypassed the triage step.
func (si *SplitIndex) LookupSampled(chunk.Name, *Triage) error {
	return fmt.Errorf("%w: LookupSampled must not be called on a split index", ErrBadState)
}

// GetRecord finds the record for a fingerprint in the sub-index chosen by
// the sampling predicate. For sampled names the zone mutex is held across
// the lookup, because record lookup can flush aged entries and so is not
// read-only; the returned record keeps hold of the mutex and re-locks it
// for any subsequent mutation.
func (si *SplitIndex) GetRecord(name chunk.Name) (*Record, error) {
	if !si.IsSample(name) {
		return si.nonHook.GetRecord(name)
	}

	mu := &si.zones[si.hook.Zone(name)].hookMu
	mu.Lock()
	rec, err := si.hook.GetRecord(name)
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	rec.mu = mu
	return rec, nil
}

// SetZoneOpenChapter advances one zone's open chapter in both sub-indices.
// The dense side needs no lock: its zone is only touched by the zone's own
// thread. The hook side may be read concurrently by a triage lookup, so its
// update takes the zone mutex.
func (si *SplitIndex) SetZoneOpenChapter(zone int, virtualChapter uint64) {
	si.nonHook.SetZoneOpenChapter(zone, virtualChapter)

	mu := &si.zones[zone].hookMu
	mu.Lock()
	si.hook.SetZoneOpenChapter(zone, virtualChapter)
	mu.Unlock()
}

// SetOpenChapter advances every zone in increasing zone order. This is a
// barrier operation: no other zone-scoped writer may run concurrently.
func (si *SplitIndex) SetOpenChapter(virtualChapter uint64) {
	for zone := 0; zone < si.numZones; zone++ {
		si.SetZoneOpenChapter(zone, virtualChapter)
	}
}

// SetTag is a no-op: the composite's sub-indices carry fixed tags.
func (si *SplitIndex) SetTag(byte) {}

// MemoryUsed sums both sub-indices.
func (si *SplitIndex) MemoryUsed() uint64 {
	return si.nonHook.MemoryUsed() + si.hook.MemoryUsed()
}

// Stats reports the non-hook sub-index as the dense portion and the hook
// sub-index as the sparse portion.
func (si *SplitIndex) Stats() (dense, sparse Stats) {
	dense, _ = si.nonHook.Stats()
	sparse, _ = si.hook.Stats()
	return dense, sparse
}

func writeSaveHeader(w *stream.Writer, sampleRate uint32) error {
	if err := w.WriteBytes(saveMagic); err != nil {
		return err
	}
	return w.WriteUint32(sampleRate)
}

func readSaveHeader(r *stream.Reader) (uint32, error) {
	magic := make([]byte, saveMagicSize)
	if err := r.ReadBytes(magic); err != nil {
		return 0, fmt.Errorf("%w: reading master index header: %v", ErrCorruptComponent, err)
	}
	if !bytes.Equal(magic, saveMagic) {
		return 0, fmt.Errorf("%w: master index file had bad magic", ErrCorruptComponent)
	}
	rate, err := r.ReadUint32()
	if err != nil {
		return 0, fmt.Errorf("%w: reading sample rate: %v", ErrCorruptComponent, err)
	}
	return rate, nil
}

// StartSaving writes the save header and then both sub-indices' payloads
// for the zone onto the same stream, non-hook first. The first failure
// aborts the sequence.
func (si *SplitIndex) StartSaving(zone int, w *stream.Writer) error {
	if err := writeSaveHeader(w, si.sampleRate); err != nil {
		si.log.Warn("failed to write master index header", "zone", zone, "error", err)
		return err
	}
	if err := si.nonHook.StartSaving(zone, w); err != nil {
		return err
	}
	return si.hook.StartSaving(zone, w)
}

// IsSavingDone reports true only when both sub-indices are done.
func (si *SplitIndex) IsSavingDone(zone int) bool {
	return si.nonHook.IsSavingDone(zone) && si.hook.IsSavingDone(zone)
}

// FinishSaving completes both sub-indices' saves. The hook side is always
// attempted even when the non-hook side failed; the first error wins.
func (si *SplitIndex) FinishSaving(zone int) error {
	err := si.nonHook.FinishSaving(zone)
	if hookErr := si.hook.FinishSaving(zone); err == nil {
		err = hookErr
	}
	return err
}

// AbortSaving cleans up both sides unconditionally; the first error wins.
func (si *SplitIndex) AbortSaving(zone int) error {
	err := si.nonHook.AbortSaving(zone)
	if hookErr := si.hook.AbortSaving(zone); err == nil {
		err = hookErr
	}
	return err
}

// StartRestoring validates every stream's header, adopts the first stream's
// sample rate, and rejects any stream that disagrees: save files from
// inconsistent configurations must never be merged. Only after all headers
// validate are the streams handed to the sub-indices, non-hook first.
func (si *SplitIndex) StartRestoring(readers []*stream.Reader) error {
	if si == nil {
		return fmt.Errorf("%w: cannot restore to a nil master index", ErrBadState)
	}

	for i, r := range readers {
		rate, err := readSaveHeader(r)
		if err != nil {
			si.log.Warn("failed to read master index header", "stream", i, "error", err)
			return err
		}
		if i == 0 {
			si.sampleRate = rate
		} else if si.sampleRate != rate {
			si.log.Warn("inconsistent sample rate in zone files",
				"expected", si.sampleRate, "got", rate, "stream", i)
			return fmt.Errorf("%w: inconsistent sample rate in zone files: %d vs. %d",
				ErrCorruptComponent, si.sampleRate, rate)
		}
	}

	if err := si.nonHook.StartRestoring(readers); err != nil {
		return err
	}
	return si.hook.StartRestoring(readers)
}

// IsRestoringDone reports true only when both sub-indices are done.
func (si *SplitIndex) IsRestoringDone() bool {
	return si.nonHook.IsRestoringDone() && si.hook.IsRestoringDone()
}

// RestoreDeltaList offers the list to the non-hook sub-index first and
// falls back to the hook sub-index: a saved list belongs to exactly one of
// the two and the caller does not pre-classify it.
func (si *SplitIndex) RestoreDeltaList(info DeltaListInfo, data []byte) error {
	if err := si.nonHook.RestoreDeltaList(info, data); err != nil {
		return si.hook.RestoreDeltaList(info, data)
	}
	return nil
}

// AbortRestoring aborts both sub-indices unconditionally.
func (si *SplitIndex) AbortRestoring() {
	si.nonHook.AbortRestoring()
	si.hook.AbortRestoring()
}

// Close releases both sub-indices and the zone table. Safe to call
// repeatedly, on a nil receiver and on partially constructed state.
func (si *SplitIndex) Close() error {
	if si == nil {
		return nil
	}
	if si.nonHook != nil {
		_ = si.nonHook.Close()
		si.nonHook = nil
	}
	if si.hook != nil {
		_ = si.hook.Close()
		si.hook = nil
	}
	si.zones = nil
	return nil
}
