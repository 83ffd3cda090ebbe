// Package walog is the durable, append-only document log: the ordered
// stream of revision pairs keyed by (tablet_id, document_id, timestamp)
// that the persistence layer exposes via LoadDocuments, and that the table
// summary and table iterator replay to bootstrap or page through history.
package walog

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

const (
	HeaderSize  = 24
	LogVersion  = 1
	LogMagic    = 0xD0C1D0C1
	compressMin = 256 // entries smaller than this are stored uncompressed
)

// EntryType distinguishes a document write from table creation/deletion
// markers. memstore writes only EntryRevision entries and carries table
// lifecycle ops inside their payload.
type EntryType uint8

const (
	EntryRevision EntryType = iota + 1
	EntryTableCreated
	EntryTableDeleted
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is the fixed 24-byte framing prefix of every log entry.
type Header struct {
	Magic      uint32
	Version    uint8
	EntryType  uint8
	Compressed uint8
	Reserved   uint8
	Timestamp  uint64
	PayloadLen uint32
	CRC32      uint32
}

func (h *Header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.EntryType
	buf[6] = h.Compressed
	buf[7] = h.Reserved
	binary.LittleEndian.PutUint64(buf[8:16], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32)
}

func (h *Header) decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.EntryType = buf[5]
	h.Compressed = buf[6]
	h.Reserved = buf[7]
	h.Timestamp = binary.LittleEndian.Uint64(buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	h.CRC32 = binary.LittleEndian.Uint32(buf[20:24])
}

// Entry is one framed record: a header plus its (possibly snappy-compressed)
// payload. The payload is the caller-defined encoding of a revision pair or
// a table lifecycle marker — walog itself is agnostic to the payload shape.
type Entry struct {
	Header  Header
	Payload []byte
}

func calculateCRC32(data []byte) uint32 { return crc32.Checksum(data, castagnoli) }

func validateCRC32(data []byte, expected uint32) bool { return calculateCRC32(data) == expected }

// NewEntry builds an entry, compressing the payload with snappy when it is
// large enough to be worth the CPU.
func NewEntry(entryType EntryType, ts uint64, payload []byte) *Entry {
	compressed := uint8(0)
	stored := payload
	if len(payload) >= compressMin {
		enc := snappy.Encode(nil, payload)
		if len(enc) < len(payload) {
			stored = enc
			compressed = 1
		}
	}
	return &Entry{
		Header: Header{
			Magic:      LogMagic,
			Version:    LogVersion,
			EntryType:  uint8(entryType),
			Compressed: compressed,
			Timestamp:  ts,
			PayloadLen: uint32(len(stored)),
			CRC32:      calculateCRC32(stored),
		},
		Payload: stored,
	}
}

// DecodedPayload returns the entry's payload, decompressing it if needed.
func (e *Entry) DecodedPayload() ([]byte, error) {
	if e.Header.Compressed == 0 {
		return e.Payload, nil
	}
	return snappy.Decode(nil, e.Payload)
}

// WriteTo writes the framed entry (header + payload) to w.
func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	e.Header.encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(e.Payload)
	return int64(n + m), err
}
