// Package heap is the document value store: a segmented, append-only file
// format that keeps one version chain per document id so MVCC reads can
// walk backward from the current head to any earlier visible revision.
package heap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tessera-db/coredb/internal/errs"
)

const (
	Magic                 = 0x48454150 // ASCII "HEAP"
	FormatVersion         = 1
	HeaderSize            = 14 // Magic(4) + Version(2) + NextOffset(8)
	EntryHeaderSize        = 29 // Length(4) + Valid(1) + CreateTs(8) + DeleteTs(8) + PrevOffset(8)
	DefaultMaxSegmentSize = 64 * 1024 * 1024
)

// RecordHeader is the per-version metadata stored alongside a document
// value: whether the version is live (Delete clears it), the commit timestamp that
// created it, the timestamp that deleted it (if any), and a pointer to the
// previous version in the chain (-1 terminates the chain).
type RecordHeader struct {
	Valid      bool
	CreateTs   uint64
	DeleteTs   uint64
	PrevOffset int64
}

// Segment is one physical file backing a contiguous slice of the heap's
// global offset space.
type Segment struct {
	ID          int
	Path        string
	StartOffset int64
	Size        int64
	File        *os.File
}

// Manager owns a tablet's segmented document heap.
type Manager struct {
	basePath       string
	segments       []*Segment
	activeSegment  *Segment
	nextOffset     int64
	maxSegmentSize int64
	mutex          sync.RWMutex
}

// Open opens (creating if necessary) the heap rooted at path, replaying
// whatever segments already exist (path_001.data, path_002.data, ...).
func Open(path string) (*Manager, error) {
	hm := &Manager{
		basePath:       path,
		segments:       make([]*Segment, 0),
		maxSegmentSize: DefaultMaxSegmentSize,
	}

	var globalOffset int64
	id := 1
	for {
		segPath := fmt.Sprintf("%s_%03d.data", path, id)
		file, err := os.OpenFile(segPath, os.O_RDWR, 0666)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(err, "open heap segment %s", segPath)
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}

		hm.segments = append(hm.segments, &Segment{
			ID:          id,
			Path:        segPath,
			StartOffset: globalOffset,
			Size:        info.Size(),
			File:        file,
		})
		globalOffset += info.Size()
		id++
	}

	if len(hm.segments) == 0 {
		return hm, hm.createNewSegment(1, 0)
	}

	hm.activeSegment = hm.segments[len(hm.segments)-1]
	if err := hm.loadActiveSegmentState(); err != nil {
		return nil, err
	}
	return hm, nil
}

func (h *Manager) createNewSegment(id int, startOffset int64) error {
	segPath := fmt.Sprintf("%s_%03d.data", h.basePath, id)
	file, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return errs.Wrap(err, "create heap segment %s", segPath)
	}

	seg := &Segment{ID: id, Path: segPath, StartOffset: startOffset, File: file}
	h.segments = append(h.segments, seg)
	h.activeSegment = seg

	if err := h.writeHeader(seg); err != nil {
		return err
	}
	seg.Size = int64(HeaderSize)
	h.nextOffset = startOffset + int64(HeaderSize)
	return nil
}

func (h *Manager) loadActiveSegmentState() error {
	seg := h.activeSegment
	if _, err := seg.File.Seek(0, 0); err != nil {
		return err
	}

	var magic uint32
	if err := binary.Read(seg.File, binary.LittleEndian, &magic); err != nil {
		return err
	}
	if magic != Magic {
		return errs.Wrap(fmt.Errorf("bad magic"), "segment %d has an invalid heap header", seg.ID)
	}

	var version uint16
	if err := binary.Read(seg.File, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != FormatVersion {
		return fmt.Errorf("unsupported heap format version %d", version)
	}

	var localNextOffset int64
	if err := binary.Read(seg.File, binary.LittleEndian, &localNextOffset); err != nil {
		return err
	}
	h.nextOffset = seg.StartOffset + localNextOffset

	stat, _ := seg.File.Stat()
	if stat.Size() > localNextOffset {
		// The header's pointer lags the file's actual size: we crashed
		// after writing a record but before persisting the new header
		// pointer. Trust the file size and repair the header.
		h.nextOffset = seg.StartOffset + stat.Size()
		_ = h.updateNextOffset()
	}
	return nil
}

func (h *Manager) writeHeader(seg *Segment) error {
	if _, err := seg.File.Seek(0, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint32(Magic)); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint16(FormatVersion)); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, int64(HeaderSize)); err != nil {
		return err
	}
	return seg.File.Sync()
}

func (h *Manager) updateNextOffset() error {
	seg := h.activeSegment
	if _, err := seg.File.Seek(6, 0); err != nil { // skip Magic(4) + Version(2)
		return err
	}
	localOffset := h.nextOffset - seg.StartOffset
	return binary.Write(seg.File, binary.LittleEndian, localOffset)
}

// Write appends a document version and returns its global offset. prevOffset
// chains it to the version it supersedes (-1 if this is the first version).
func (h *Manager) Write(doc []byte, createTs uint64, prevOffset int64) (int64, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	neededSize := int64(EntryHeaderSize + len(doc))
	currentLocalOffset := h.nextOffset - h.activeSegment.StartOffset

	if currentLocalOffset+neededSize > h.maxSegmentSize {
		newID := h.activeSegment.ID + 1
		if err := h.createNewSegment(newID, h.nextOffset); err != nil {
			return 0, errs.Wrap(err, "rotate heap segment")
		}
	}

	offset := h.nextOffset
	seg := h.activeSegment
	localOffset := offset - seg.StartOffset

	if _, err := seg.File.Seek(localOffset, 0); err != nil {
		return 0, err
	}

	docLen := uint32(len(doc))
	if err := binary.Write(seg.File, binary.LittleEndian, docLen); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint8(1)); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, createTs); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint64(0)); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, prevOffset); err != nil {
		return 0, err
	}
	if _, err := seg.File.Write(doc); err != nil {
		return 0, err
	}

	h.nextOffset += int64(EntryHeaderSize + int(docLen))
	seg.Size = h.nextOffset - seg.StartOffset

	if err := h.updateNextOffset(); err != nil {
		return 0, err
	}
	return offset, nil
}

func (h *Manager) segmentForOffset(offset int64) (*Segment, error) {
	for _, seg := range h.segments {
		if offset >= seg.StartOffset && offset < seg.StartOffset+seg.Size {
			return seg, nil
		}
	}
	if offset < h.nextOffset && offset >= h.activeSegment.StartOffset {
		return h.activeSegment, nil
	}
	return nil, fmt.Errorf("no heap segment covers offset %d", offset)
}

// Read returns the document bytes and version header at offset.
func (h *Manager) Read(offset int64) ([]byte, *RecordHeader, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	seg, err := h.segmentForOffset(offset)
	if err != nil {
		return nil, nil, err
	}

	localOffset := offset - seg.StartOffset
	if _, err := seg.File.Seek(localOffset, 0); err != nil {
		return nil, nil, err
	}

	var docLen uint32
	var valid uint8
	var createTs, deleteTs uint64
	var prevOffset int64
	for _, field := range []interface{}{&docLen, &valid, &createTs, &deleteTs, &prevOffset} {
		if err := binary.Read(seg.File, binary.LittleEndian, field); err != nil {
			return nil, nil, err
		}
	}

	header := &RecordHeader{Valid: valid == 1, CreateTs: createTs, DeleteTs: deleteTs, PrevOffset: prevOffset}

	doc := make([]byte, docLen)
	if _, err := io.ReadFull(seg.File, doc); err != nil {
		return nil, nil, err
	}
	return doc, header, nil
}

// Delete marks the version at offset as a tombstone, recording deleteTs.
func (h *Manager) Delete(offset int64, deleteTs uint64) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	seg, err := h.segmentForOffset(offset)
	if err != nil {
		return err
	}

	localOffset := offset - seg.StartOffset
	validOffset := localOffset + 4
	deleteTsOffset := localOffset + 4 + 1 + 8

	if _, err := seg.File.Seek(validOffset, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint8(0)); err != nil {
		return err
	}
	if _, err := seg.File.Seek(deleteTsOffset, 0); err != nil {
		return err
	}
	return binary.Write(seg.File, binary.LittleEndian, deleteTs)
}

// Close releases every segment's file handle.
func (h *Manager) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var firstErr error
	for _, seg := range h.segments {
		if seg.File != nil {
			if err := seg.File.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Path returns the heap's base path (without the _NNN.data suffix).
func (h *Manager) Path() string { return h.basePath }
