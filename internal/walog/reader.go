package walog

import (
	"io"
	"os"

	"github.com/tessera-db/coredb/internal/errs"
)

// ErrInvalidMagic, ErrChecksumMismatch and ErrInvalidPayloadLen classify
// corruption detected while scanning the log.
var (
	ErrInvalidMagic      = &errs.InvalidArgument{Message: "document log entry has an invalid magic number"}
	ErrChecksumMismatch  = &errs.InvalidArgument{Message: "document log entry failed its CRC32 checksum"}
	ErrInvalidPayloadLen = &errs.InvalidArgument{Message: "document log entry declares an implausible payload length"}

	maxPayloadLen uint32 = 1 << 30 // 1GiB guard against reading garbage as a length
)

// Reader scans a log file sequentially from the start.
type Reader struct {
	file   *os.File
	offset int64
}

// NewReader opens path for sequential replay.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(err, "open document log %q for replay", path)
	}
	return &Reader{file: f}, nil
}

// ReadEntry returns the next entry, or io.EOF once the log is exhausted.
func (r *Reader) ReadEntry() (*Entry, error) {
	headerBuf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r.file, headerBuf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errs.Wrap(err, "read document log header")
	}
	if n != HeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	var header Header
	header.decode(headerBuf)

	if header.Magic != LogMagic {
		return nil, ErrInvalidMagic
	}
	if header.PayloadLen == 0 {
		r.offset += int64(HeaderSize)
		return &Entry{Header: header}, nil
	}
	if header.PayloadLen > maxPayloadLen {
		return nil, ErrInvalidPayloadLen
	}

	payload := make([]byte, header.PayloadLen)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if !validateCRC32(payload, header.CRC32) {
		return nil, ErrChecksumMismatch
	}

	r.offset += int64(HeaderSize) + int64(header.PayloadLen)
	return &Entry{Header: header, Payload: payload}, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.file.Close() }
