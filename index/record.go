package index

import (
	"fmt"
	"sync"

	"github.com/hupe1980/dedupix/chunk"
)

// Record is a transient, caller-owned handle produced by GetRecord. It is the
// entry point for every mutation of an index entry: examine Found and
// Collision, then call at most one of Put, SetChapter or Remove.
//
// A record is never shared across threads and never persisted. When the
// record came from the sample sub-index it carries the zone's mutex and
// re-acquires it internally on each mutation call, so callers get the same
// locking discipline on mutations that GetRecord used for the lookup.
type Record struct {
	// Found reports whether an entry exists for the fingerprint.
	Found bool

	// Collision reports whether the found entry shares its address with an
	// earlier entry.
	Collision bool

	// VirtualChapter is the chapter the entry points at, valid when Found.
	VirtualChapter uint64

	// ZoneNumber is the zone the fingerprint maps to.
	ZoneNumber int

	name  chunk.Name
	owner *ChapterIndex
	mu    *sync.Mutex // nil unless the record came from the sample sub-index
}

func (r *Record) lock() {
	if r.mu != nil {
		r.mu.Lock()
	}
}

func (r *Record) unlock() {
	if r.mu != nil {
		r.mu.Unlock()
	}
}

// Put inserts an entry for the record's fingerprint pointing at the given
// chapter. Inserting over an address that is already occupied by a different
// fingerprint produces a collision entry.
func (r *Record) Put(virtualChapter uint64) error {
	if r.owner == nil {
		return fmt.Errorf("%w: record has no owning index", ErrBadState)
	}
	r.lock()
	defer r.unlock()

	collision, err := r.owner.putRecord(r.name, virtualChapter)
	if err != nil {
		return err
	}
	r.Found = true
	r.Collision = collision
	r.VirtualChapter = virtualChapter
	return nil
}

// SetChapter moves the found entry to a different chapter.
func (r *Record) SetChapter(virtualChapter uint64) error {
	if !r.Found {
		return fmt.Errorf("%w: cannot set the chapter of an unfound record", ErrBadState)
	}
	r.lock()
	defer r.unlock()

	if err := r.owner.setRecordChapter(r.name, virtualChapter); err != nil {
		return err
	}
	r.VirtualChapter = virtualChapter
	return nil
}

// Remove deletes the found entry.
func (r *Record) Remove() error {
	if !r.Found {
		return fmt.Errorf("%w: cannot remove an unfound record", ErrBadState)
	}
	r.lock()
	defer r.unlock()

	if err := r.owner.removeRecord(r.name); err != nil {
		return err
	}
	r.Found = false
	r.Collision = false
	return nil
}
