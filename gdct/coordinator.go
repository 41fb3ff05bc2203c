package gdct

import (
	"encoding/binary"
	"log/slog"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// SentinelCUID is returned by ExtractCUID for keys too short to carry an
// identifier field. It is never tracked, never intercepted, and never
// filtered against.
const SentinelCUID uint64 = 0

const (
	// cuidOffset is the byte offset of the identifier field within a key:
	// a 16-byte opaque prefix, then 8 big-endian identifier bytes, then an
	// arbitrary suffix.
	cuidOffset = 16
	// minTrackedKeyLen is the shortest key that can carry an identifier.
	minTrackedKeyLen = cuidOffset + 8
)

// Coordinator connects the engine's write, flush, compaction and read paths
// to the deletion ledger. It owns identifier extraction from raw keys and
// translates engine events into Table operations. The engine constructs one
// Coordinator at open time and hands it to each subsystem explicitly.
type Coordinator struct {
	table  *Table
	logger *slog.Logger

	// scans counts range-scan hits per identifier so callers can tell
	// which units are hot. Lock-free map: scans are recorded on the read
	// path and must not contend with each other or with the ledger lock.
	scans        *skipmap.OrderedMap[uint64, *atomic.Int64]
	hotThreshold int64
}

// NewCoordinator creates a coordinator over a fresh table. hotThreshold is
// the scan count at or above which IsHot reports true; zero or negative
// disables hot reporting.
func NewCoordinator(hotThreshold int, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		table:        NewTable(),
		logger:       logger.With("component", "gdct"),
		scans:        skipmap.New[uint64, *atomic.Int64](),
		hotThreshold: int64(hotThreshold),
	}
}

// Table exposes the underlying ledger for recovery replay and diagnostics.
func (c *Coordinator) Table() *Table {
	return c.table
}

// ExtractCUID returns the composite unit identifier embedded in key, or
// SentinelCUID when the key is too short to carry one.
func (c *Coordinator) ExtractCUID(key []byte) uint64 {
	if len(key) < minTrackedKeyLen {
		return SentinelCUID
	}
	return binary.BigEndian.Uint64(key[cuidOffset : cuidOffset+8])
}

// InterceptDelete converts a delete of key at seq into a logical mark when
// the key carries a trackable identifier. Returns true when the mark was
// recorded, in which case the caller must not write a tombstone for the
// key; false means normal tombstone handling applies.
func (c *Coordinator) InterceptDelete(key []byte, seq uint64) bool {
	id := c.ExtractCUID(key)
	if id == SentinelCUID {
		return false
	}
	c.table.MarkDeleted(id, seq)
	c.logger.Debug("intercepted delete", "cuid", id, "seq", seq)
	return true
}

// RegisterFileRefs records that the newly durable file contains records for
// each identifier in ids. Called once per flush or compaction output before
// the file becomes visible to readers. Sentinel identifiers are skipped.
func (c *Coordinator) RegisterFileRefs(file uint64, ids []uint64) {
	for _, id := range ids {
		if id == SentinelCUID {
			continue
		}
		c.table.TrackPhysicalUnit(id, file)
	}
}

// ApplyCompactionResult forwards one finished compaction's membership
// changes to the ledger as a single atomic update. Must be called exactly
// once per compaction, after every output file is durable. Returns the
// identifiers whose entries were fully collected.
func (c *Coordinator) ApplyCompactionResult(involved map[uint64]struct{}, inputs []uint64, outputs map[uint64][]uint64) []uint64 {
	erased := c.table.ApplyCompactionResult(involved, inputs, outputs)
	if len(erased) > 0 {
		c.logger.Debug("collected deleted units", "count", len(erased))
	}
	return erased
}

// ShouldSkipObsoleteRecord reports whether a compaction may drop the record
// for id written at foundSeq instead of rewriting it. visibleSeq is the
// oldest sequence any live reader can hold (the current last sequence when
// no snapshots exist): a record still needed by a snapshot is kept.
func (c *Coordinator) ShouldSkipObsoleteRecord(id, foundSeq, visibleSeq uint64) bool {
	if id == SentinelCUID {
		return false
	}
	return c.table.IsDeleted(id, visibleSeq, foundSeq)
}

// IsDeleted reports whether a physically present record must be suppressed
// from a reader. Used by point lookups and range scans.
func (c *Coordinator) IsDeleted(id, visibleSeq, foundSeq uint64) bool {
	if id == SentinelCUID {
		return false
	}
	return c.table.IsDeleted(id, visibleSeq, foundSeq)
}

// RefCount returns the number of files tracked for id.
func (c *Coordinator) RefCount(id uint64) int {
	return c.table.RefCount(id)
}

// IsTracked reports whether id has a ledger entry.
func (c *Coordinator) IsTracked(id uint64) bool {
	return c.table.IsTracked(id)
}

// RegisterScan counts one range-scan hit against id. Sentinel identifiers
// are ignored.
func (c *Coordinator) RegisterScan(id uint64) {
	if id == SentinelCUID {
		return
	}
	n, ok := c.scans.Load(id)
	if !ok {
		n, _ = c.scans.LoadOrStore(id, new(atomic.Int64))
	}
	n.Add(1)
}

// IsHot reports whether id has been scanned at least the configured
// threshold number of times since open.
func (c *Coordinator) IsHot(id uint64) bool {
	if c.hotThreshold <= 0 {
		return false
	}
	n, ok := c.scans.Load(id)
	return ok && n.Load() >= c.hotThreshold
}
