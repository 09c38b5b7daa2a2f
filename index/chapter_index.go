package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/dedupix/chunk"
	"github.com/hupe1980/dedupix/config"
	"github.com/hupe1980/dedupix/stream"
)

// Compile-time check that ChapterIndex satisfies the master index contract.
var _ Index = (*ChapterIndex)(nil)

// "CHI" marks a chapter index zone payload; the number bumps when the
// layout changes.
var chapterMagic = []byte("CHI-0001")

const (
	chapterMagicSize = 8

	// chapterZoneHeaderSize is magic + first list + list count + open
	// chapter + record/collision/discard counters.
	chapterZoneHeaderSize = chapterMagicSize + 4 + 4 + 8 + 8 + 8 + 8

	// deltaListHeaderSize is the list number plus the entry count.
	deltaListHeaderSize = 4 + 4

	// entrySize is a full fingerprint, the virtual chapter and the
	// collision flag.
	entrySize = chunk.NameSize + 8 + 1

	// recordsPerDeltaList sizes the list table from the record capacity.
	recordsPerDeltaList = 64

	maxDeltaLists = 1 << 16

	// Memory accounting constants; restored state must report the same
	// usage as the state that was saved, so usage is a pure function of
	// list and record counts.
	recordMemoryCost = 32
	listMemoryCost   = 24
)

// deltaListCount derives the delta list table size from a configuration.
// The count is always a multiple of the zone count so every zone owns the
// same number of lists. Both index construction and save-size computation
// go through here, which keeps their derivations identical.
func deltaListCount(cfg config.Configuration, numZones int) int {
	capacity := cfg.Geometry.RecordsPerChapter * cfg.Geometry.ChaptersPerVolume
	lists := int(capacity / recordsPerDeltaList)
	if lists < numZones {
		lists = numZones
	}
	if lists > maxDeltaLists {
		lists = maxDeltaLists
	}
	lists -= lists % numZones
	return lists
}

type listEntry struct {
	chapter   uint64
	collision bool
}

type deltaList struct {
	entries map[chunk.Name]listEntry
	byAddr  map[uint64]int // names currently sharing each address field
}

func newDeltaList() *deltaList {
	return &deltaList{
		entries: make(map[chunk.Name]listEntry),
		byAddr:  make(map[uint64]int),
	}
}

// chapterZone is the per-zone mutable state of a chapter index. Each zone is
// owned by a single writer thread; the composite index serializes the one
// permitted cross-thread reader with its own zone mutexes.
type chapterZone struct {
	openChapter uint64
	records     uint64
	collisions  uint64
	discards    uint64
}

type saveState struct {
	done bool
	err  error
}

// ChapterIndex is a dense master index: every fingerprint it is offered is
// indexed into a sliding window of chapters, backed by a fixed table of
// delta lists partitioned contiguously across zones.
type ChapterIndex struct {
	cfg      config.Configuration
	numZones int
	numLists int
	perZone  int // lists owned by each zone
	tag      byte

	lists []*deltaList
	zones []*chapterZone

	saving []saveState

	restoreStarted bool
	restored       *roaring.Bitmap

	log    *slog.Logger
	closed bool
}

// NewChapterIndex creates a dense master index.
func NewChapterIndex(cfg config.Configuration, numZones int, optFns ...Option) (*ChapterIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if numZones <= 0 {
		return nil, fmt.Errorf("%w: zone count %d must be positive", config.ErrInvalidConfig, numZones)
	}
	o := applyOptions(optFns)

	numLists := deltaListCount(cfg, numZones)
	ci := &ChapterIndex{
		cfg:      cfg,
		numZones: numZones,
		numLists: numLists,
		perZone:  numLists / numZones,
		tag:      'd',
		lists:    make([]*deltaList, numLists),
		zones:    make([]*chapterZone, numZones),
		saving:   make([]saveState, numZones),
		restored: roaring.New(),
		log:      o.logger,
	}
	for i := range ci.lists {
		ci.lists[i] = newDeltaList()
	}
	for i := range ci.zones {
		ci.zones[i] = &chapterZone{}
	}
	return ci, nil
}

func (ci *ChapterIndex) listFor(name chunk.Name) int {
	return int(name.AddressBytes() % uint64(ci.numLists))
}

func (ci *ChapterIndex) zoneForList(list int) int {
	return list / ci.perZone
}

// window returns the inclusive virtual chapter range a zone currently indexes.
func (z *chapterZone) window(chapters uint64) (oldest, newest uint64) {
	newest = z.openChapter
	if newest+1 > chapters {
		oldest = newest + 1 - chapters
	}
	return oldest, newest
}

func (z *chapterZone) inWindow(chapter, chapters uint64) bool {
	oldest, newest := z.window(chapters)
	return chapter >= oldest && chapter <= newest
}

// pruneList drops entries whose chapter has aged out of the zone's window.
// Called lazily from GetRecord and eagerly on chapter rotation.
func (ci *ChapterIndex) pruneList(list int) {
	l := ci.lists[list]
	z := ci.zones[ci.zoneForList(list)]
	chapters := ci.cfg.Geometry.ChaptersPerVolume
	for name, e := range l.entries {
		if !z.inWindow(e.chapter, chapters) {
			ci.dropEntry(l, z, name, e)
			z.discards++
		}
	}
}

func (ci *ChapterIndex) dropEntry(l *deltaList, z *chapterZone, name chunk.Name, e listEntry) {
	delete(l.entries, name)
	addr := name.AddressBytes()
	if l.byAddr[addr] <= 1 {
		delete(l.byAddr, addr)
	} else {
		l.byAddr[addr]--
	}
	z.records--
	if e.collision {
		z.collisions--
	}
}

/// IsSample always reports false: a dense index holds every fingerprint.
func (ci *ChapterIndex) IsSample(chunk.Name) bool { return false }

// Zone returns the zone owning the fingerprint's delta list.
func (ci *ChapterIndex) Zone(name chunk.Name) int {
	return ci.zoneForList(ci.listFor(name))
}

// Lookup triages a fingerprint. A dense index needs no lookup work at triage
// time; only routing information is produced.
func (ci *ChapterIndex) Lookup(name chunk.Name) (Triage, error) {
	return Triage{Zone: ci.Zone(name)}, nil
}

// LookupSampled is the read-only query the composite issues against its
// sample sub-index under the zone mutex.
func (ci *ChapterIndex) LookupSampled(name chunk.Name, t *Triage) error {
	list := ci.listFor(name)
	if e, ok := ci.lists[list].entries[name]; ok {
		z := ci.zones[ci.zoneForList(list)]
		if z.inWindow(e.chapter, ci.cfg.Geometry.ChaptersPerVolume) {
			t.InSampledChapter = true
			t.VirtualChapter = e.chapter
		}
	}
	return nil
}

// GetRecord finds the record for a fingerprint. Aged entries on the touched
// list are flushed as a side effect, so this is not a read-only operation.
func (ci *ChapterIndex) GetRecord(name chunk.Name) (*Record, error) {
	list := ci.listFor(name)
	ci.pruneList(list)

	rec := &Record{
		ZoneNumber: ci.zoneForList(list),
		name:       name,
		owner:      ci,
	}
	if e, ok := ci.lists[list].entries[name]; ok {
		rec.Found = true
		rec.Collision = e.collision
		rec.VirtualChapter = e.chapter
	}
	return rec, nil
}

func (ci *ChapterIndex) putRecord(name chunk.Name, chapter uint64) (bool, error) {
	list := ci.listFor(name)
	l := ci.lists[list]
	z := ci.zones[ci.zoneForList(list)]

	if e, ok := l.entries[name]; ok {
		e.chapter = chapter
		l.entries[name] = e
		return e.collision, nil
	}

	addr := name.AddressBytes()
	collision := l.byAddr[addr] > 0
	l.entries[name] = listEntry{chapter: chapter, collision: collision}
	l.byAddr[addr]++
	z.records++
	if collision {
		z.collisions++
	}
	return collision, nil
}

func (ci *ChapterIndex) setRecordChapter(name chunk.Name, chapter uint64) error {
	l := ci.lists[ci.listFor(name)]
	e, ok := l.entries[name]
	if !ok {
		return fmt.Errorf("%w: no entry for %s", ErrBadState, name)
	}
	e.chapter = chapter
	l.entries[name] = e
	return nil
}

func (ci *ChapterIndex) removeRecord(name chunk.Name) error {
	list := ci.listFor(name)
	l := ci.lists[list]
	e, ok := l.entries[name]
	if !ok {
		return fmt.Errorf("%w: no entry for %s", ErrBadState, name)
	}
	ci.dropEntry(l, ci.zones[ci.zoneForList(list)], name, e)
	return nil
}

// SetZoneOpenChapter advances one zone's open chapter and evicts entries
// that fall out of the window.
func (ci *ChapterIndex) SetZoneOpenChapter(zone int, virtualChapter uint64) {
	ci.zones[zone].openChapter = virtualChapter
	first := zone * ci.perZone
	for list := first; list < first+ci.perZone; list++ {
		ci.pruneList(list)
	}
}

// SetOpenChapter advances every zone in increasing zone order.
func (ci *ChapterIndex) SetOpenChapter(virtualChapter uint64) {
	for zone := 0; zone < ci.numZones; zone++ {
		ci.SetZoneOpenChapter(zone, virtualChapter)
	}
}

// SetTag sets the delta list tag for saved state.
func (ci *ChapterIndex) SetTag(tag byte) { ci.tag = tag }

// MemoryUsed returns the bytes used for index entries. Usage is a pure
// function of list and record counts so that a restored index reports the
// same value as the index that was saved.
func (ci *ChapterIndex) MemoryUsed() uint64 {
	var records uint64
	for _, z := range ci.zones {
		records += z.records
	}
	return uint64(ci.numLists)*listMemoryCost + records*recordMemoryCost
}

// Stats reports occupancy. A chapter index has only a dense portion.
func (ci *ChapterIndex) Stats() (dense, sparse Stats) {
	dense.MemoryUsed = ci.MemoryUsed()
	dense.ListCount = uint64(ci.numLists)
	for _, z := range ci.zones {
		dense.RecordCount += z.records
		dense.CollisionCount += z.collisions
		dense.DiscardCount += z.discards
	}
	return dense, sparse
}

// sortedNames returns the list's fingerprints in byte order, for
// reproducible save streams.
func (l *deltaList) sortedNames() []chunk.Name {
	names := make([]chunk.Name, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return bytes.Compare(names[i][:], names[j][:]) < 0
	})
	return names
}

// StartSaving writes one zone's full state onto the stream: a zone header
// followed by every delta list the zone owns.
func (ci *ChapterIndex) StartSaving(zone int, w *stream.Writer) error {
	ci.saving[zone] = saveState{}
	if err := ci.saveZone(zone, w); err != nil {
		ci.saving[zone] = saveState{err: err}
		return err
	}
	ci.saving[zone] = saveState{done: true}
	return nil
}

func (ci *ChapterIndex) saveZone(zone int, w *stream.Writer) error {
	z := ci.zones[zone]
	first := zone * ci.perZone

	if err := w.WriteBytes(chapterMagic); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(first)); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(ci.perZone)); err != nil {
		return err
	}
	if err := w.WriteUint64(z.openChapter); err != nil {
		return err
	}
	if err := w.WriteUint64(z.records); err != nil {
		return err
	}
	if err := w.WriteUint64(z.collisions); err != nil {
		return err
	}
	if err := w.WriteUint64(z.discards); err != nil {
		return err
	}

	for list := first; list < first+ci.perZone; list++ {
		if err := ci.saveList(list, w); err != nil {
			return err
		}
	}
	return nil
}

func (ci *ChapterIndex) saveList(list int, w *stream.Writer) error {
	l := ci.lists[list]
	if err := w.WriteUint32(uint32(list)); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(len(l.entries))); err != nil {
		return err
	}
	for _, name := range l.sortedNames() {
		e := l.entries[name]
		if err := w.WriteBytes(name[:]); err != nil {
			return err
		}
		if err := w.WriteUint64(e.chapter); err != nil {
			return err
		}
		flag := byte(0)
		if e.collision {
			flag = 1
		}
		if err := w.WriteBytes([]byte{flag}); err != nil {
			return err
		}
	}
	return nil
}

// IsSavingDone reports whether the zone's save completed.
func (ci *ChapterIndex) IsSavingDone(zone int) bool {
	return ci.saving[zone].done
}

// FinishSaving surfaces any error recorded during the zone's save.
func (ci *ChapterIndex) FinishSaving(zone int) error {
	return ci.saving[zone].err
}

// AbortSaving discards the zone's save state.
func (ci *ChapterIndex) AbortSaving(zone int) error {
	ci.saving[zone] = saveState{}
	return nil
}

// StartRestoring loads the index from one stream per zone. All state is
// replaced; a failure leaves the restore incomplete and IsRestoringDone
// false.
func (ci *ChapterIndex) StartRestoring(readers []*stream.Reader) error {
	if ci == nil {
		return fmt.Errorf("%w: cannot restore to a nil chapter index", ErrBadState)
	}
	if len(readers) != ci.numZones {
		return fmt.Errorf("%w: restoring %d zones from %d streams",
			ErrCorruptComponent, ci.numZones, len(readers))
	}

	ci.resetForRestore()
	for zone, r := range readers {
		if err := ci.restoreZone(zone, r); err != nil {
			return err
		}
	}
	return nil
}

func (ci *ChapterIndex) resetForRestore() {
	for i := range ci.lists {
		ci.lists[i] = newDeltaList()
	}
	for i := range ci.zones {
		ci.zones[i] = &chapterZone{}
	}
	ci.restoreStarted = true
	ci.restored.Clear()
}

func (ci *ChapterIndex) restoreZone(zone int, r *stream.Reader) error {
	magic := make([]byte, chapterMagicSize)
	if err := r.ReadBytes(magic); err != nil {
		return fmt.Errorf("%w: reading chapter index header: %v", ErrCorruptComponent, err)
	}
	if !bytes.Equal(magic, chapterMagic) {
		ci.log.Warn("chapter index zone had bad magic", "zone", zone, "magic", string(magic))
		return fmt.Errorf("%w: bad chapter index magic", ErrCorruptComponent)
	}

	first, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: reading first list: %v", ErrCorruptComponent, err)
	}
	count, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: reading list count: %v", ErrCorruptComponent, err)
	}
	if int(first) != zone*ci.perZone || int(count) != ci.perZone {
		return fmt.Errorf("%w: zone %d lists [%d,+%d) do not match geometry [%d,+%d)",
			ErrCorruptComponent, zone, first, count, zone*ci.perZone, ci.perZone)
	}

	z := ci.zones[zone]
	if z.openChapter, err = r.ReadUint64(); err != nil {
		return fmt.Errorf("%w: reading open chapter: %v", ErrCorruptComponent, err)
	}
	savedRecords, err := r.ReadUint64()
	if err != nil {
		return fmt.Errorf("%w: reading record count: %v", ErrCorruptComponent, err)
	}
	savedCollisions, err := r.ReadUint64()
	if err != nil {
		return fmt.Errorf("%w: reading collision count: %v", ErrCorruptComponent, err)
	}
	if z.discards, err = r.ReadUint64(); err != nil {
		return fmt.Errorf("%w: reading discard count: %v", ErrCorruptComponent, err)
	}

	for i := 0; i < ci.perZone; i++ {
		if err := ci.restoreListFromStream(zone, r); err != nil {
			return err
		}
	}
	if z.records != savedRecords {
		return fmt.Errorf("%w: zone %d restored %d records, expected %d",
			ErrCorruptComponent, zone, z.records, savedRecords)
	}
	if z.collisions != savedCollisions {
		return fmt.Errorf("%w: zone %d restored %d collisions, expected %d",
			ErrCorruptComponent, zone, z.collisions, savedCollisions)
	}
	return nil
}

func (ci *ChapterIndex) restoreListFromStream(zone int, r *stream.Reader) error {
	listNum, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: reading list number: %v", ErrCorruptComponent, err)
	}
	if int(listNum) >= ci.numLists || ci.zoneForList(int(listNum)) != zone {
		return fmt.Errorf("%w: list %d does not belong to zone %d", ErrCorruptComponent, listNum, zone)
	}
	count, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: reading entry count: %v", ErrCorruptComponent, err)
	}
	if err := ci.readListEntries(int(listNum), int(count), r); err != nil {
		return err
	}
	ci.restored.Add(listNum)
	return nil
}

func (ci *ChapterIndex) readListEntries(list, count int, r *stream.Reader) error {
	l := ci.lists[list]
	z := ci.zones[ci.zoneForList(list)]
	var buf [entrySize]byte
	for i := 0; i < count; i++ {
		if err := r.ReadBytes(buf[:]); err != nil {
			return fmt.Errorf("%w: reading list %d entry: %v", ErrCorruptComponent, list, err)
		}
		name := chunk.NameFromBytes(buf[:chunk.NameSize])
		if ci.listFor(name) != list {
			return fmt.Errorf("%w: entry %s does not belong to list %d", ErrCorruptComponent, name, list)
		}
		e := listEntry{
			chapter:   binary.LittleEndian.Uint64(buf[chunk.NameSize : chunk.NameSize+8]),
			collision: buf[entrySize-1] != 0,
		}
		l.entries[name] = e
		l.byAddr[name.AddressBytes()]++
		z.records++
		if e.collision {
			z.collisions++
		}
	}
	return nil
}

// IsRestoringDone reports whether every delta list has been restored.
func (ci *ChapterIndex) IsRestoringDone() bool {
	return ci.restoreStarted && ci.restored.GetCardinality() == uint64(ci.numLists)
}

// SaveDeltaList serializes a single delta list for incremental
// checkpointing; the result can be replayed with RestoreDeltaList.
func (ci *ChapterIndex) SaveDeltaList(list uint32) (DeltaListInfo, []byte, error) {
	if int(list) >= ci.numLists {
		return DeltaListInfo{}, nil, fmt.Errorf("%w: list %d out of range", ErrBadState, list)
	}
	var buf bytes.Buffer
	w := stream.NewWriter(&buf)
	l := ci.lists[list]
	if err := w.WriteUint32(uint32(len(l.entries))); err != nil {
		return DeltaListInfo{}, nil, err
	}
	for _, name := range l.sortedNames() {
		e := l.entries[name]
		if err := w.WriteBytes(name[:]); err != nil {
			return DeltaListInfo{}, nil, err
		}
		if err := w.WriteUint64(e.chapter); err != nil {
			return DeltaListInfo{}, nil, err
		}
		flag := byte(0)
		if e.collision {
			flag = 1
		}
		if err := w.WriteBytes([]byte{flag}); err != nil {
			return DeltaListInfo{}, nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return DeltaListInfo{}, nil, err
	}
	return DeltaListInfo{Tag: ci.tag, ListNumber: list}, buf.Bytes(), nil
}

// RestoreDeltaList replaces one delta list from saved bytes. A list tagged
// for a different sub-index is rejected so a composite can offer the list
// to its other side.
func (ci *ChapterIndex) RestoreDeltaList(info DeltaListInfo, data []byte) error {
	if info.Tag != ci.tag {
		return fmt.Errorf("%w: delta list tag %q does not belong to this sub-index", ErrBadState, info.Tag)
	}
	if int(info.ListNumber) >= ci.numLists {
		return fmt.Errorf("%w: delta list %d out of range", ErrCorruptComponent, info.ListNumber)
	}

	r := stream.NewReader(bytes.NewReader(data))
	count, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: reading delta list entry count: %v", ErrCorruptComponent, err)
	}
	if int64(len(data)) != 4+int64(count)*entrySize {
		return fmt.Errorf("%w: delta list %d has %d bytes, expected %d",
			ErrCorruptComponent, info.ListNumber, len(data), 4+int64(count)*entrySize)
	}

	// Drop the list's current contribution before replaying the saved one.
	list := int(info.ListNumber)
	l := ci.lists[list]
	z := ci.zones[ci.zoneForList(list)]
	for name, e := range l.entries {
		ci.dropEntry(l, z, name, e)
	}

	if err := ci.readListEntries(list, int(count), r); err != nil {
		return err
	}
	ci.restoreStarted = true
	ci.restored.Add(info.ListNumber)
	return nil
}

// AbortRestoring abandons a restore in progress.
func (ci *ChapterIndex) AbortRestoring() {
	ci.restoreStarted = false
	ci.restored.Clear()
}

// Close releases the index. Safe to call repeatedly and on a nil receiver.
func (ci *ChapterIndex) Close() error {
	if ci == nil || ci.closed {
		return nil
	}
	ci.closed = true
	ci.lists = nil
	ci.zones = nil
	ci.saving = nil
	ci.restored = nil
	return nil
}
