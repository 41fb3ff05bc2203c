package hotdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/twlk9/hotdb/gdct"
)

const (
	// GDCT record types
	GDCTRecordEdit = 1

	// Unit ledger journal file extension
	GDCTExtension = ".gdct"

	// GDCT header size (length + checksum + type)
	GDCTHeaderSize = 4 + 4 + 1

	// GDCT edit tags
	tagTrackUnit   = 1
	tagUntrackUnit = 2
	tagMarkDeleted = 3
	tagEraseEntry  = 4
	tagLedgerEntry = 5
)

// Use the same CRC32 table as manifest for consistency
var gdctCrc32Table = crc32.MakeTable(0xEDB88320)

// GDCTRecord represents a record in the unit ledger journal
type GDCTRecord struct {
	Type     uint8
	Data     []byte
	Checksum uint32
}

// gdctTrack pairs an identifier with a physical file number.
type gdctTrack struct {
	id   uint64
	file uint64
}

// gdctDelete pairs an identifier with the sequence of its logical delete.
type gdctDelete struct {
	id  uint64
	seq uint64
}

// GDCTEdit represents a batch of unit ledger changes to journal: file
// registrations and deregistrations, logical delete marks, collected
// entries, and full entry snapshots written at rotation.
type GDCTEdit struct {
	tracks    []gdctTrack
	untracks  []gdctTrack
	deletes   []gdctDelete
	erases    []uint64
	snapshots []gdct.EntryState
}

// NewGDCTEdit creates an empty unit ledger edit
func NewGDCTEdit() *GDCTEdit {
	return &GDCTEdit{}
}

// NewGDCTEditFromSnapshot creates an edit carrying a full ledger snapshot,
// written as the first record of a rotated journal so it stands alone.
func NewGDCTEditFromSnapshot(states []gdct.EntryState) *GDCTEdit {
	return &GDCTEdit{snapshots: states}
}

// TrackUnit records that file now contains records for id
func (e *GDCTEdit) TrackUnit(id, file uint64) {
	e.tracks = append(e.tracks, gdctTrack{id: id, file: file})
}

// UntrackUnit records that file no longer exists
func (e *GDCTEdit) UntrackUnit(id, file uint64) {
	e.untracks = append(e.untracks, gdctTrack{id: id, file: file})
}

// MarkDeleted records a logical delete of id at seq
func (e *GDCTEdit) MarkDeleted(id, seq uint64) {
	e.deletes = append(e.deletes, gdctDelete{id: id, seq: seq})
}

// EraseEntry records that id's ledger entry was collected
func (e *GDCTEdit) EraseEntry(id uint64) {
	e.erases = append(e.erases, id)
}

// IsEmpty returns true if the edit has no changes
func (e *GDCTEdit) IsEmpty() bool {
	return len(e.tracks) == 0 && len(e.untracks) == 0 &&
		len(e.deletes) == 0 && len(e.erases) == 0 && len(e.snapshots) == 0
}

// GDCTWriter handles writing to unit ledger journal files
type GDCTWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	mu      sync.Mutex
	closed  bool
	fileNum uint64
}

// NewGDCTWriter creates a new unit ledger journal writer
func NewGDCTWriter(dir string, fileNum uint64) (*GDCTWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, fmt.Sprintf("%06d%s", fileNum, GDCTExtension))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &GDCTWriter{
		path:    path,
		file:    file,
		writer:  bufio.NewWriter(file),
		fileNum: fileNum,
	}, nil
}

// WriteEdit writes a unit ledger edit to the journal
func (w *GDCTWriter) WriteEdit(edit *GDCTEdit) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("gdct writer is closed")
	}

	if edit.IsEmpty() {
		return nil
	}

	data := encodeGDCTEdit(edit)
	record := &GDCTRecord{
		Type: GDCTRecordEdit,
		Data: data,
	}

	return w.writeRecord(record)
}

// writeRecord writes a record to the file
func (w *GDCTWriter) writeRecord(record *GDCTRecord) error {
	recordSize := GDCTHeaderSize + len(record.Data)

	buf := make([]byte, recordSize)
	offset := 0

	// Length
	binary.LittleEndian.PutUint32(buf[offset:], uint32(recordSize))
	offset += 4

	// Checksum placeholder
	binary.LittleEndian.PutUint32(buf[offset:], 0)
	offset += 4

	// Record type
	buf[offset] = record.Type
	offset += 1

	copy(buf[offset:], record.Data)

	// Checksum covers everything after the length and checksum fields
	checksum := crc32.Checksum(buf[8:], gdctCrc32Table)
	binary.LittleEndian.PutUint32(buf[4:8], checksum)

	if _, err := w.writer.Write(buf); err != nil {
		return err
	}

	return w.writer.Flush()
}

// encodeGDCTEdit encodes a unit ledger edit into binary format
func encodeGDCTEdit(edit *GDCTEdit) []byte {
	var buf bytes.Buffer

	for _, t := range edit.tracks {
		buf.WriteByte(tagTrackUnit)
		binary.Write(&buf, binary.LittleEndian, t.id)
		binary.Write(&buf, binary.LittleEndian, t.file)
	}

	for _, t := range edit.untracks {
		buf.WriteByte(tagUntrackUnit)
		binary.Write(&buf, binary.LittleEndian, t.id)
		binary.Write(&buf, binary.LittleEndian, t.file)
	}

	for _, d := range edit.deletes {
		buf.WriteByte(tagMarkDeleted)
		binary.Write(&buf, binary.LittleEndian, d.id)
		binary.Write(&buf, binary.LittleEndian, d.seq)
	}

	for _, id := range edit.erases {
		buf.WriteByte(tagEraseEntry)
		binary.Write(&buf, binary.LittleEndian, id)
	}

	for _, s := range edit.snapshots {
		buf.WriteByte(tagLedgerEntry)
		binary.Write(&buf, binary.LittleEndian, s.ID)
		if s.Deleted {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		binary.Write(&buf, binary.LittleEndian, s.DeletedSeq)
		binary.Write(&buf, binary.LittleEndian, uint32(len(s.Files)))
		for _, f := range s.Files {
			binary.Write(&buf, binary.LittleEndian, f)
		}
	}

	return buf.Bytes()
}

// Sync forces a sync of the file
func (w *GDCTWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("gdct writer is closed")
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}

	return w.file.Sync()
}

// Close closes the writer
func (w *GDCTWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	if err := w.writer.Flush(); err != nil {
		return err
	}

	return w.file.Close()
}

// GetFileNum returns the journal's paired manifest number
func (w *GDCTWriter) GetFileNum() uint64 {
	return w.fileNum
}

// GDCTReader reads records from a unit ledger journal
type GDCTReader struct {
	file   *os.File
	reader *bufio.Reader
	path   string
}

// NewGDCTReader creates a new unit ledger journal reader
func NewGDCTReader(path string) (*GDCTReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &GDCTReader{
		file:   file,
		reader: bufio.NewReader(file),
		path:   path,
	}, nil
}

// ReadRecord reads the next record from the file
func (r *GDCTReader) ReadRecord() (*GDCTRecord, error) {
	var recordSize uint32
	if err := binary.Read(r.reader, binary.LittleEndian, &recordSize); err != nil {
		return nil, err
	}

	buf := make([]byte, recordSize-4) // -4 because we already read the size
	if _, err := io.ReadFull(r.reader, buf); err != nil {
		return nil, err
	}

	offset := 0

	checksum := binary.LittleEndian.Uint32(buf[offset:])
	offset += 4

	calculatedChecksum := crc32.Checksum(buf[4:], gdctCrc32Table)
	if checksum != calculatedChecksum {
		return nil, fmt.Errorf("checksum mismatch")
	}

	recordType := buf[offset]
	offset += 1

	data := make([]byte, len(buf)-offset)
	copy(data, buf[offset:])

	return &GDCTRecord{
		Type:     recordType,
		Data:     data,
		Checksum: checksum,
	}, nil
}

// ReadEdit decodes a unit ledger edit from record data
func (r *GDCTReader) ReadEdit(data []byte) (*GDCTEdit, error) {
	edit := NewGDCTEdit()
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		tag, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}

		switch tag {
		case tagTrackUnit, tagUntrackUnit:
			var id, file uint64
			if err := binary.Read(buf, binary.LittleEndian, &id); err != nil {
				return nil, err
			}
			if err := binary.Read(buf, binary.LittleEndian, &file); err != nil {
				return nil, err
			}
			if tag == tagTrackUnit {
				edit.TrackUnit(id, file)
			} else {
				edit.UntrackUnit(id, file)
			}

		case tagMarkDeleted:
			var id, seq uint64
			if err := binary.Read(buf, binary.LittleEndian, &id); err != nil {
				return nil, err
			}
			if err := binary.Read(buf, binary.LittleEndian, &seq); err != nil {
				return nil, err
			}
			edit.MarkDeleted(id, seq)

		case tagEraseEntry:
			var id uint64
			if err := binary.Read(buf, binary.LittleEndian, &id); err != nil {
				return nil, err
			}
			edit.EraseEntry(id)

		case tagLedgerEntry:
			var s gdct.EntryState
			if err := binary.Read(buf, binary.LittleEndian, &s.ID); err != nil {
				return nil, err
			}
			deleted, err := buf.ReadByte()
			if err != nil {
				return nil, err
			}
			s.Deleted = deleted == 1
			if err := binary.Read(buf, binary.LittleEndian, &s.DeletedSeq); err != nil {
				return nil, err
			}
			var numFiles uint32
			if err := binary.Read(buf, binary.LittleEndian, &numFiles); err != nil {
				return nil, err
			}
			s.Files = make([]uint64, numFiles)
			for i := range s.Files {
				if err := binary.Read(buf, binary.LittleEndian, &s.Files[i]); err != nil {
					return nil, err
				}
			}
			edit.snapshots = append(edit.snapshots, s)

		default:
			return nil, fmt.Errorf("unknown tag: %d", tag)
		}
	}

	return edit, nil
}

// Close closes the reader
func (r *GDCTReader) Close() error {
	return r.file.Close()
}

// gdctReplayEntry accumulates journal records for one identifier during
// recovery. Files are kept in a set so track/untrack replay stays
// idempotent.
type gdctReplayEntry struct {
	deleted    bool
	deletedSeq uint64
	files      map[uint64]struct{}
}

// RecoverGDCT rebuilds the unit ledger state from the journal paired with
// the given manifest number. A missing journal means an empty ledger.
func RecoverGDCT(dir string, versionNum uint64) ([]gdct.EntryState, error) {
	path := filepath.Join(dir, fmt.Sprintf("%06d%s", versionNum, GDCTExtension))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	reader, err := NewGDCTReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	entries := make(map[uint64]*gdctReplayEntry)
	get := func(id uint64) *gdctReplayEntry {
		e := entries[id]
		if e == nil {
			e = &gdctReplayEntry{files: make(map[uint64]struct{})}
			entries[id] = e
		}
		return e
	}

	for {
		record, err := reader.ReadRecord()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		if record.Type != GDCTRecordEdit {
			continue
		}
		edit, err := reader.ReadEdit(record.Data)
		if err != nil {
			return nil, err
		}

		for _, s := range edit.snapshots {
			e := get(s.ID)
			e.deleted = s.Deleted
			e.deletedSeq = s.DeletedSeq
			e.files = make(map[uint64]struct{}, len(s.Files))
			for _, f := range s.Files {
				e.files[f] = struct{}{}
			}
		}
		for _, t := range edit.tracks {
			get(t.id).files[t.file] = struct{}{}
		}
		for _, t := range edit.untracks {
			if e := entries[t.id]; e != nil {
				delete(e.files, t.file)
			}
		}
		for _, d := range edit.deletes {
			e := get(d.id)
			if !e.deleted {
				e.deleted = true
				e.deletedSeq = d.seq
			} else if d.seq > e.deletedSeq {
				e.deletedSeq = d.seq
			}
		}
		for _, id := range edit.erases {
			delete(entries, id)
		}
	}

	states := make([]gdct.EntryState, 0, len(entries))
	for id, e := range entries {
		files := make([]uint64, 0, len(e.files))
		for f := range e.files {
			files = append(files, f)
		}
		states = append(states, gdct.EntryState{
			ID:         id,
			Deleted:    e.deleted,
			DeletedSeq: e.deletedSeq,
			Files:      files,
		})
	}
	return states, nil
}

// FindGDCTFiles finds all unit ledger journal files in the directory
func FindGDCTFiles(dir string) ([]string, error) {
	pattern := filepath.Join(dir, "*"+GDCTExtension)
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ParseGDCTFileNum extracts the file number from a journal filename
func ParseGDCTFileNum(filename string) (uint64, error) {
	base := filepath.Base(filename)
	if !strings.HasSuffix(base, GDCTExtension) {
		return 0, fmt.Errorf("not a gdct file: %s", filename)
	}
	numStr := strings.TrimSuffix(base, GDCTExtension)
	return strconv.ParseUint(numStr, 10, 64)
}
