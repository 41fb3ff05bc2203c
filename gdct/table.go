// Package gdct implements logical deletion and reference-counted garbage
// collection for composite units: groups of records that share a common
// identifier embedded in their keys. A composite unit is deleted by marking
// its identifier in an in-memory table instead of writing per-key tombstones;
// the engine's flush and compaction machinery reports physical file
// membership back to the table so deleted data is reclaimed lazily and
// exactly once, while readers with older snapshots keep seeing it.
package gdct

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/twlk9/hotdb/keys"
)

// entry is the bookkeeping state for one composite unit identifier.
type entry struct {
	// deleted is sticky: once an identifier is marked deleted it stays
	// marked. Visibility is decided by sequence comparison, not by this
	// flag alone, so re-inserted data written after the delete is never
	// hidden by it.
	deleted bool

	// deletedSeq is the sequence number of the newest delete issued for
	// this identifier. keys.MaxSequenceNumber means no delete recorded.
	deletedSeq uint64

	// files is the set of SSTable file numbers currently believed to
	// contain at least one record for this identifier. Its cardinality is
	// the reference count.
	files *roaring64.Bitmap
}

func newEntry() *entry {
	return &entry{
		deletedSeq: keys.MaxSequenceNumber,
		files:      roaring64.NewBitmap(),
	}
}

// Table maps composite unit identifiers to their physical file membership
// and logical delete state. All methods are safe for concurrent use. A
// single lock covers the whole table: every mutation is small in-memory map
// work, and the compaction update needs all its entries mutated under one
// critical section anyway.
type Table struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[uint64]*entry)}
}

// TrackPhysicalUnit records that file contains at least one record for id,
// creating the entry if this is the first time the identifier is seen.
// Returns true if the file was newly added (the reference count grew) and
// false if it was already tracked.
func (t *Table) TrackPhysicalUnit(id, file uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[id]
	if e == nil {
		e = newEntry()
		t.entries[id] = e
	}
	return e.files.CheckedAdd(file)
}

// UntrackPhysicalUnit removes file from id's tracked set. Returns true if
// the file was present. Unknown identifiers are a no-op: the caller may be
// replaying events for an entry that was already collected.
func (t *Table) UntrackPhysicalUnit(id, file uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[id]
	if e == nil {
		return false
	}
	return e.files.CheckedRemove(file)
}

// MarkDeleted marks id as logically deleted at seq. The entry is created if
// absent: an identifier can be deleted before any of its data has been
// flushed. A later delete raises the delete sequence; an older delete
// arriving late leaves it unchanged.
func (t *Table) MarkDeleted(id, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[id]
	if e == nil {
		e = newEntry()
		t.entries[id] = e
	}
	e.deleted = true
	if e.deletedSeq == keys.MaxSequenceNumber || seq > e.deletedSeq {
		e.deletedSeq = seq
	}
}

// IsDeleted reports whether a record for id, written at foundSeq, must be
// hidden from a reader whose snapshot is visibleSeq. The record is hidden
// only when the identifier was deleted at some sequence d, the reader's
// snapshot is at or after d, and the record predates d (strictly). The
// strict comparison on foundSeq is what lets re-inserted data survive: a
// record written at or after the delete is always visible.
func (t *Table) IsDeleted(id, visibleSeq, foundSeq uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.entries[id]
	if e == nil || !e.deleted || e.deletedSeq == keys.MaxSequenceNumber {
		return false
	}
	return visibleSeq >= e.deletedSeq && foundSeq < e.deletedSeq
}

// DeleteSeq returns the sequence of the newest delete for id and whether a
// delete has been recorded at all.
func (t *Table) DeleteSeq(id uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.entries[id]
	if e == nil || !e.deleted || e.deletedSeq == keys.MaxSequenceNumber {
		return keys.MaxSequenceNumber, false
	}
	return e.deletedSeq, true
}

// RefCount returns the number of files currently tracked for id, or 0 if
// the identifier has no entry.
func (t *Table) RefCount(id uint64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.entries[id]
	if e == nil {
		return 0
	}
	return int(e.files.GetCardinality())
}

// IsTracked reports whether id has an entry in the table.
func (t *Table) IsTracked(id uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.entries[id]
	return ok
}

// ApplyCompactionResult applies the whole effect of one finished compaction
// as a single atomic update. involved is every identifier that appeared in
// any input file (whether or not its records survived), inputs are the
// consumed file numbers, and outputs maps each produced file to the
// identifiers it contains after filtering.
//
// The update runs in three phases under one exclusive hold of the lock:
// outputs are added first, then inputs are removed, then entries that ended
// up empty and deleted are erased. Adding before removing matters: an
// identifier whose data was rewritten must never be observable at zero
// references partway through. outputs may be empty when the compaction
// filtered everything out.
//
// Returns the identifiers whose entries were erased, so the caller can
// journal the collection.
func (t *Table) ApplyCompactionResult(involved map[uint64]struct{}, inputs []uint64, outputs map[uint64][]uint64) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for file, ids := range outputs {
		for _, id := range ids {
			e := t.entries[id]
			if e == nil {
				e = newEntry()
				t.entries[id] = e
			}
			e.files.Add(file)
		}
	}

	for id := range involved {
		e := t.entries[id]
		if e == nil {
			continue
		}
		for _, file := range inputs {
			e.files.Remove(file)
		}
	}

	var erased []uint64
	for id := range involved {
		e := t.entries[id]
		if e == nil {
			continue
		}
		if e.deleted && e.files.IsEmpty() {
			delete(t.entries, id)
			erased = append(erased, id)
		}
	}
	return erased
}

// EntryState is a point-in-time copy of one table entry, used for
// diagnostics and for writing full-table snapshots at journal rotation.
type EntryState struct {
	ID         uint64
	Deleted    bool
	DeletedSeq uint64
	Files      []uint64
}

// Snapshot returns a copy of every entry. The copy is consistent: it is
// taken under one shared hold of the lock.
func (t *Table) Snapshot() []EntryState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]EntryState, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, EntryState{
			ID:         id,
			Deleted:    e.deleted,
			DeletedSeq: e.deletedSeq,
			Files:      e.files.ToArray(),
		})
	}
	return out
}

// Restore replaces the table contents with the given entry states. Used by
// recovery after replaying the journal.
func (t *Table) Restore(states []EntryState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[uint64]*entry, len(states))
	for _, s := range states {
		e := newEntry()
		e.deleted = s.Deleted
		if s.Deleted && s.DeletedSeq != 0 {
			e.deletedSeq = s.DeletedSeq
		}
		for _, f := range s.Files {
			e.files.Add(f)
		}
		t.entries[s.ID] = e
	}
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
