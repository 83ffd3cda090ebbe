package walog_test

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/tessera-db/coredb/internal/walog"
)

func TestWriteAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "documents.log")

	w, err := walog.NewWriter(path, walog.Options{BufferSize: 4096, SyncPolicy: walog.SyncEveryWrite})
	if err != nil {
		t.Fatal(err)
	}

	payloads := [][]byte{
		[]byte(`{"id":1,"name":"alice"}`),
		[]byte(`{"id":2,"name":"bob"}`),
		bytes.Repeat([]byte("x"), 1000), // exercises snappy compression path
	}

	for i, p := range payloads {
		entry := walog.NewEntry(walog.EntryRevision, uint64(i+1), p)
		if err := w.Append(entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := walog.NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i, want := range payloads {
		entry, err := r.ReadEntry()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got, err := entry.DecodedPayload()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("entry %d: got %q want %q", i, got, want)
		}
		if entry.Header.Timestamp != uint64(i+1) {
			t.Fatalf("entry %d: timestamp got %d want %d", i, entry.Header.Timestamp, i+1)
		}
	}

	if _, err := r.ReadEntry(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of log, got %v", err)
	}
}

func TestChecksumMismatchDetected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "documents.log")

	w, err := walog.NewWriter(path, walog.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	entry := walog.NewEntry(walog.EntryRevision, 1, []byte("payload"))
	entry.Header.CRC32 ^= 0xFFFFFFFF // corrupt the checksum
	if err := w.Append(entry); err != nil {
		t.Fatal(err)
	}
	w.Close()

	r, err := walog.NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.ReadEntry(); err != walog.ErrChecksumMismatch {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}
