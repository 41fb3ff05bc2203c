package memtable

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/twlk9/hotdb/epoch"
	"github.com/twlk9/hotdb/keys"
)

const tMaxHeight = 12

const (
	posKV     = iota // position of k/v start (offset) in the data array
	posKey           // length of the key
	posVal           // length of the data
	posHeight        // height we are in the skiplist (number of next pointers)
	posNext          // First next pointer (level 0) (node + posNext + LEVEL is next pointer for LEVEL)
)

type MemTable struct {
	mu        sync.RWMutex
	rnd       *rand.Rand
	d         []byte // the actual data buffer
	md        []int  // meta data (data on where the data is in data)
	prev      [tMaxHeight]int
	maxHeight int
	n         int
	keyBuf    []byte // reusable buffer for key encoding

	// Lifecycle state. refs counts readers holding this memtable; closed
	// is set once the contents are durable in an SSTable. The WAL files
	// that fed this memtable are retired when both conditions hold.
	refs   atomic.Int32
	closed atomic.Bool
	wals   []string // WAL file paths carrying this memtable's records
}

func NewMemtable(writeBufferSize int) *MemTable {
	// Estimate metadata capacity based on expected number of entries
	// Each entry uses ~6 ints on average (4 base + ~2 for skiplist pointers)
	// Assume 64-byte average key+value size for capacity estimation
	estimatedEntries := writeBufferSize / 64
	estimatedMdCapacity := 4 + tMaxHeight + (estimatedEntries * 6)

	mt := &MemTable{
		rnd:       rand.New(rand.NewPCG(4, 8)),
		maxHeight: 1,
		d:         make([]byte, 0, writeBufferSize),
		md:        make([]int, 4+tMaxHeight, estimatedMdCapacity),
		keyBuf:    make([]byte, 0, 256), // Initial capacity for typical key sizes
	}
	mt.md[posHeight] = tMaxHeight
	return mt
}

func (mt *MemTable) randHeight() int {
	const b = 4
	h := 1
	for h < tMaxHeight && mt.rnd.Int()%b == 0 {
		h++
	}
	return h
}

func (mt *MemTable) findGE(key keys.EncodedKey, prev bool) (int, bool) {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			o := mt.md[next]
			d := keys.EncodedKey(mt.d[o : o+mt.md[next+posKey]])
			cmp = d.Compare(key)
		}
		if cmp < 0 { // If stored < search, continue forward
			node = next
		} else {
			if prev {
				mt.prev[h] = node
			} else if cmp == 0 {
				return next, true
			}
			if h == 0 {
				return next, cmp == 0
			}
			h--
		}
	}
}

func (mt *MemTable) Put(key keys.EncodedKey, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	// We don't find exact matches and are simply positioning the
	// mt.prev array for insertion of our new key/value, there should
	// never be an exact match because the sequence would have
	// advanced causing the internal key to be different.
	mt.findGE(key, true)

	h := mt.randHeight()
	if h > mt.maxHeight {
		// Only initialize the NEW levels (mt.maxHeight to h-1) to point to header
		// Don't overwrite the existing levels that were set by findGE
		for i := mt.maxHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.maxHeight = h
	}

	off := len(mt.d)
	mt.d = append(mt.d, key...)
	mt.d = append(mt.d, value...)
	node := len(mt.md)
	mt.md = append(mt.md, off, len(key), len(value), h)
	for i, n := range mt.prev[:h] {
		m := n + posNext + i
		mt.md = append(mt.md, mt.md[m])
		mt.md[m] = node
	}
	mt.n++
}

// Get retrieves the most recent entry for a user key.
// Returns the raw value bytes and the internal key.
func (mt *MemTable) Get(key keys.EncodedKey) (keys.EncodedKey, []byte) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, nil
	}

	// Navigate skiplist to find first key with matching user key
	// Since keys are sorted by internal key order, the first match
	// will be the most recent (highest sequence number)
	if node, _ := mt.findGE(key, false); node != 0 {
		o := mt.md[node]
		storedKey := keys.EncodedKey(mt.d[o : o+mt.md[node+posKey]])

		// Check if user keys match
		if storedKey.UserKey().Compare(key.UserKey()) == 0 {
			valueStart := o + mt.md[node+posKey]
			value := mt.d[valueStart : valueStart+mt.md[node+posVal]]
			return storedKey, value
		}
	}
	return nil, nil
}

func (mt *MemTable) Size() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.n == 0 {
		return 0
	}
	return len(mt.d) + len(mt.md)*8
}

// MemoryUsage returns an approximation of memory usage
func (mt *MemTable) MemoryUsage() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.d) + len(mt.md)
}

// Ref pins the memtable for a reader. Must be paired with UnRef.
func (mt *MemTable) Ref() {
	mt.refs.Add(1)
}

// UnRef releases one reader pin. The final release of a closed memtable
// retires its WAL files.
func (mt *MemTable) UnRef() {
	if mt.refs.Add(-1) == 0 && mt.closed.Load() {
		mt.releaseWALs()
	}
}

// Close marks the memtable as retired: its contents are durable in an
// SSTable and it has been removed from the immutable list. Once the last
// reader unpins it, the WAL files that fed it are released for deletion.
func (mt *MemTable) Close() error {
	mt.closed.Store(true)
	if mt.refs.Load() == 0 {
		mt.releaseWALs()
	}
	return nil
}

// RegisterWAL records that this memtable holds records from the WAL file at
// path. The file must outlive the memtable; it is released only after the
// memtable is flushed and unpinned. One WAL may feed several memtables, so
// paths are reference counted across the package.
func (mt *MemTable) RegisterWAL(path string) {
	if path == "" {
		return
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for _, p := range mt.wals {
		if p == path {
			return
		}
	}
	mt.wals = append(mt.wals, path)
	retainWAL(path)
}

func (mt *MemTable) releaseWALs() {
	mt.mu.Lock()
	wals := mt.wals
	mt.wals = nil
	mt.mu.Unlock()
	for _, path := range wals {
		releaseWAL(path)
	}
}

// walFiles counts, per WAL path, how many live memtables still carry its
// records. A WAL file becomes deletable only when every memtable fed by it
// has been flushed and released; deleting earlier would lose unflushed
// records on crash.
var walFiles = struct {
	mu   sync.Mutex
	refs map[string]int
}{refs: make(map[string]int)}

func retainWAL(path string) {
	walFiles.mu.Lock()
	defer walFiles.mu.Unlock()
	walFiles.refs[path]++
}

// releaseWAL drops one memtable's claim on the WAL file. The last claim
// hands the file to the epoch manager, which removes it once no in-flight
// operation can still be reading it.
func releaseWAL(path string) {
	walFiles.mu.Lock()
	walFiles.refs[path]--
	last := walFiles.refs[path] <= 0
	if last {
		delete(walFiles.refs, path)
	}
	walFiles.mu.Unlock()
	if !last {
		return
	}

	currentEpoch := epoch.EnterEpoch()
	defer epoch.ExitEpoch(currentEpoch)

	resourceID := "wal_" + filepath.Base(path)
	if !epoch.ResourceExists(resourceID) {
		walPath := path
		epoch.RegisterResource(resourceID, currentEpoch, func() error {
			err := os.Remove(walPath)
			if os.IsNotExist(err) {
				return nil
			}
			return err
		})
	}
	epoch.MarkResourceForCleanup(resourceID)
}

