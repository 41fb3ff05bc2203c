package hotdb

import (
	"sync"
	"sync/atomic"

	"github.com/twlk9/hotdb/keys"
)

// Snapshot pins a point-in-time view of the database. Reads made through a
// snapshot see exactly the state as of the sequence number captured at
// creation: later writes, deletes and compactions do not affect them.
// Compaction keeps every record version a live snapshot can still see, so a
// snapshot must be released when no longer needed or obsolete data
// accumulates.
type Snapshot struct {
	seq      uint64
	db       *DB
	released atomic.Bool
}

// Seq returns the sequence number this snapshot reads at.
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// Release drops the snapshot, allowing compaction to reclaim record
// versions only this snapshot could see. Safe to call more than once.
func (s *Snapshot) Release() {
	if s.released.Swap(true) {
		return
	}
	s.db.releaseSnapshot(s)
}

// snapshotList tracks the live snapshots so compaction can ask for the
// oldest sequence any reader still needs. A small unsorted slice under a
// mutex: snapshots are few and short-lived compared to reads.
type snapshotList struct {
	mu    sync.Mutex
	snaps []*Snapshot
}

func (l *snapshotList) add(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

func (l *snapshotList) remove(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, snap := range l.snaps {
		if snap == s {
			l.snaps = append(l.snaps[:i], l.snaps[i+1:]...)
			return
		}
	}
}

// oldest returns the smallest sequence held by a live snapshot, or
// keys.MaxSequenceNumber when none exist.
func (l *snapshotList) oldest() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	oldest := keys.MaxSequenceNumber
	for _, snap := range l.snaps {
		if snap.seq < oldest {
			oldest = snap.seq
		}
	}
	return oldest
}

// GetSnapshot captures the current state of the database for repeatable
// reads. Pass the snapshot in ReadOptions to Get, Scan or NewIterator.
func (db *DB) GetSnapshot() *Snapshot {
	s := &Snapshot{
		seq: db.seq.Load(),
		db:  db,
	}
	db.snapshots.add(s)
	return s
}

func (db *DB) releaseSnapshot(s *Snapshot) {
	db.snapshots.remove(s)
}

// oldestSnapshotSeq returns the sequence number of the oldest live
// snapshot, or keys.MaxSequenceNumber when no snapshots are open.
func (db *DB) oldestSnapshotSeq() uint64 {
	return db.snapshots.oldest()
}

// smallestLiveReadSeq returns the oldest sequence any reader can still hold:
// the oldest live snapshot, or the current last sequence when no snapshots
// are open. Compaction uses this to decide which record versions may be
// dropped; the newest version of a key is always kept regardless.
func (db *DB) smallestLiveReadSeq() uint64 {
	if seq := db.oldestSnapshotSeq(); seq != keys.MaxSequenceNumber {
		return seq
	}
	return db.seq.Load()
}
