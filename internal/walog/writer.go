package walog

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/tessera-db/coredb/internal/errs"
)

// Writer appends entries to a single append-only file. The log is not
// segmented, rotated or truncated; one log is kept per store and
// recovery replays it from the start.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	options Options

	batchBytes int64

	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// NewWriter opens (or creates) the log file at path.
func NewWriter(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, errs.Wrap(err, "open document log %q", path)
	}

	w := &Writer{
		file:    f,
		writer:  bufio.NewWriterSize(f, opts.BufferSize),
		options: opts,
		done:    make(chan struct{}),
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

// Append writes one entry and applies the configured sync policy.
func (w *Writer) Append(entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := entry.WriteTo(w.writer)
	if err != nil {
		return &errs.PersistenceWriteError{Cause: err}
	}
	w.batchBytes += n

	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()
	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			return w.syncLocked()
		}
	}
	return nil
}

// Sync forces the buffered writer and the underlying file to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return &errs.PersistenceWriteError{Cause: err}
	}
	if err := w.file.Sync(); err != nil {
		return &errs.PersistenceWriteError{Cause: err}
	}
	w.batchBytes = 0
	return nil
}

// Path returns the underlying log file's path.
func (w *Writer) Path() string { return w.file.Name() }

// Close flushes, fsyncs, and stops the background sync goroutine.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}
