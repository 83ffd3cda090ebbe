// Package memstore is an in-process implementation of persistence.Store,
// built on a document log, a B+Tree, and a segmented heap composed
// together, generalized from one table to many tablets and keyed by
// commit timestamp rather than a log sequence number.
package memstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sys/unix"

	"github.com/tessera-db/coredb/internal/btree"
	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/heap"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
	"github.com/tessera-db/coredb/internal/walog"
)

type tabletState struct {
	tree *btree.BPlusTree
	heap *heap.Manager
}

// Store is an optionally durable persistence.Store. Commits are appended
// to a document log on disk (when dir is non-empty) for crash recovery;
// by-id trees live in memory and document values are written to
// per-tablet heap segment files.
type Store struct {
	mu      sync.RWMutex
	dir     string
	tablets map[types.TabletId]*tabletState
	log     *walog.Writer

	revisions []persistence.RevisionPair

	globals     map[string][]byte
	globalsPath string

	minSnapshotTs   types.Timestamp
	maxRepeatableTs types.Timestamp

	lockFile *os.File
}

// Open creates a memstore rooted at dir. An empty dir yields a store with
// no document log and no globals file (no durability, used by unit
// tests); its tablet heaps are created under os.TempDir.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:     dir,
		tablets: make(map[types.TabletId]*tabletState),
		globals: make(map[string][]byte),
	}

	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Wrap(err, "create memstore directory %q", dir)
	}
	s.globalsPath = filepath.Join(dir, "globals.bson")

	lf, err := os.OpenFile(filepath.Join(dir, "LOCK"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(err, "open memstore lock file")
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, errs.Wrap(err, "memstore directory %q is already locked by another process", dir)
	}
	s.lockFile = lf

	w, err := walog.NewWriter(filepath.Join(dir, "documents.log"), walog.DefaultOptions())
	if err != nil {
		return nil, err
	}
	s.log = w

	if err := s.loadGlobals(); err != nil {
		return nil, err
	}
	if err := s.recover(filepath.Join(dir, "documents.log")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadGlobals() error {
	data, err := os.ReadFile(s.globalsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(err, "read persistence globals file")
	}
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		return errs.Wrap(err, "decode persistence globals file")
	}
	for k, v := range doc {
		if b, ok := v.(bson.Binary); ok {
			s.globals[k] = b.Data
		}
	}
	return nil
}

func (s *Store) persistGlobalsLocked() error {
	if s.globalsPath == "" {
		return nil
	}
	doc := bson.M{}
	for k, v := range s.globals {
		doc[k] = bson.Binary{Data: v}
	}
	data, err := bson.Marshal(doc)
	if err != nil {
		return errs.Wrap(err, "encode persistence globals")
	}
	tmp := s.globalsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Wrap(err, "write persistence globals temp file")
	}
	return os.Rename(tmp, s.globalsPath)
}

// commitRecord is the bson-encoded payload of a walog revision entry.
type commitRecord struct {
	Writes    []writeRecord    `bson:"writes"`
	Lifecycle []lifecycleRecord `bson:"lifecycle"`
}

type writeRecord struct {
	Tablet string `bson:"tablet"`
	Id     []byte `bson:"id"`
	Value  []byte `bson:"value"` // nil marks a delete
}

type lifecycleRecord struct {
	Tablet  string `bson:"tablet"`
	Created bool   `bson:"created"`
}

func internalIdKey(id types.InternalId) types.Comparable {
	return types.StringKey(hex.EncodeToString(id[:]))
}

func (s *Store) tabletLocked(tablet types.TabletId) (*tabletState, bool) {
	ts, ok := s.tablets[tablet]
	return ts, ok
}

func (s *Store) createTabletLocked(tablet types.TabletId) error {
	ts := &tabletState{tree: btree.NewUniqueTree(64)}
	if s.dir != "" {
		hp, err := heap.Open(filepath.Join(s.dir, "heap_"+string(tablet)))
		if err != nil {
			return err
		}
		ts.heap = hp
	} else {
		hp, err := heap.Open(filepath.Join(os.TempDir(), fmt.Sprintf("coredb-memstore-%s-%p", tablet, s)))
		if err != nil {
			return err
		}
		ts.heap = hp
	}
	s.tablets[tablet] = ts
	return nil
}

func (s *Store) dropTabletLocked(tablet types.TabletId) {
	if ts, ok := s.tablets[tablet]; ok {
		if ts.heap != nil {
			ts.heap.Close()
		}
		delete(s.tablets, tablet)
	}
}

// Write applies one committed batch and durably logs it.
func (s *Store) Write(ctx context.Context, batch persistence.WriteBatch, ts types.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.logCommitLocked(batch, ts); err != nil {
		return err
	}

	for _, op := range batch.Lifecycle {
		if op.Created {
			if err := s.createTabletLocked(op.Tablet); err != nil {
				return err
			}
		} else {
			s.dropTabletLocked(op.Tablet)
		}
	}

	for _, op := range batch.Writes {
		pair, err := s.applyWriteLocked(op, ts)
		if err != nil {
			return err
		}
		s.revisions = append(s.revisions, *pair)
	}

	if ts > s.maxRepeatableTs {
		s.maxRepeatableTs = ts
	}
	return nil
}

func (s *Store) logCommitLocked(batch persistence.WriteBatch, ts types.Timestamp) error {
	if s.log == nil {
		return nil
	}
	rec := commitRecord{}
	for _, op := range batch.Writes {
		rec.Writes = append(rec.Writes, writeRecord{Tablet: string(op.Tablet), Id: op.Id.InternalId[:], Value: op.Value})
	}
	for _, op := range batch.Lifecycle {
		rec.Lifecycle = append(rec.Lifecycle, lifecycleRecord{Tablet: string(op.Tablet), Created: op.Created})
	}
	payload, err := bson.Marshal(rec)
	if err != nil {
		return errs.Wrap(err, "encode commit record")
	}
	entry := walog.NewEntry(walog.EntryRevision, uint64(ts), payload)
	return s.log.Append(entry)
}

func (s *Store) applyWriteLocked(op persistence.WriteOp, ts types.Timestamp) (*persistence.RevisionPair, error) {
	tablet, ok := s.tabletLocked(op.Tablet)
	if !ok {
		return nil, &errs.InvalidArgument{Message: fmt.Sprintf("tablet %s does not exist", op.Tablet)}
	}

	key := internalIdKey(op.Id.InternalId)
	var prevDoc *persistence.Document
	var prevOffset int64 = -1

	if existingOffset, found := tablet.tree.Get(key); found {
		docBytes, hdr, err := tablet.heap.Read(existingOffset)
		if err != nil {
			return nil, errs.Wrap(err, "read prior version for %s", op.Id)
		}
		if hdr.Valid {
			prevDoc = &persistence.Document{Id: op.Id, CreationTime: types.Timestamp(hdr.CreateTs), Value: docBytes}
		}
		prevOffset = existingOffset
	}

	pair := &persistence.RevisionPair{Id: op.Id, Ts: ts, Prev: prevDoc}

	if op.Value == nil {
		// Delete: tombstone the existing head in place, tree keeps pointing
		// at the same offset so older snapshots can still walk the chain.
		if prevOffset != -1 {
			if err := tablet.heap.Delete(prevOffset, uint64(ts)); err != nil {
				return nil, err
			}
		}
		return pair, nil
	}

	offset, err := tablet.heap.Write(op.Value, uint64(ts), prevOffset)
	if err != nil {
		return nil, errs.Wrap(err, "write document %s", op.Id)
	}
	if err := tablet.tree.Upsert(key, func(int64, bool) (int64, error) { return offset, nil }); err != nil {
		return nil, err
	}
	pair.Curr = &persistence.Document{Id: op.Id, CreationTime: ts, Value: op.Value}
	return pair, nil
}

// recover replays the document log after a restart, re-applying every
// logged tablet lifecycle op and document write to rebuild the tablets,
// their by-id trees and heaps, and the ordered revision slice.
func (s *Store) recover(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	r, err := walog.NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		entry, err := r.ReadEntry()
		if err != nil {
			break // io.EOF or a truncated tail entry: stop replay here
		}
		payload, err := entry.DecodedPayload()
		if err != nil {
			continue
		}
		var rec commitRecord
		if err := bson.Unmarshal(payload, &rec); err != nil {
			continue
		}
		ts := types.Timestamp(entry.Header.Timestamp)
		for _, l := range rec.Lifecycle {
			if l.Created {
				s.createTabletLocked(types.TabletId(l.Tablet))
			} else {
				s.dropTabletLocked(types.TabletId(l.Tablet))
			}
		}
		for _, w := range rec.Writes {
			var id types.InternalId
			copy(id[:], w.Id)
			op := persistence.WriteOp{Tablet: types.TabletId(w.Tablet), Id: types.DocumentId{TabletId: types.TabletId(w.Tablet), InternalId: id}, Value: w.Value}
			pair, err := s.applyWriteLocked(op, ts)
			if err == nil {
				s.revisions = append(s.revisions, *pair)
			}
		}
		if ts > s.maxRepeatableTs {
			s.maxRepeatableTs = ts
		}
	}
	return nil
}

func (s *Store) GetPersistenceGlobal(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.globals[key]
	return v, ok, nil
}

func (s *Store) WritePersistenceGlobal(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[key] = value
	return s.persistGlobalsLocked()
}

func (s *Store) MinSnapshotTs(ctx context.Context) (types.Timestamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minSnapshotTs, nil
}

func (s *Store) MaxRepeatableTs(ctx context.Context) (types.Timestamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxRepeatableTs, nil
}

// AdvanceMinSnapshotTs is called by the retention worker; it is not part of
// persistence.Store because only the engine that owns retention may move it.
func (s *Store) AdvanceMinSnapshotTs(ts types.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.minSnapshotTs {
		s.minSnapshotTs = ts
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, t := range s.tablets {
		if t.heap != nil {
			if err := t.heap.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.lockFile != nil {
		unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
		if err := s.lockFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) ReadSnapshot(ctx context.Context, ts types.Timestamp) (persistence.Snapshot, error) {
	return &snapshot{store: s, ts: ts}, nil
}

func (s *Store) LoadDocuments(ctx context.Context, tablet types.TabletId, from, to types.Timestamp, order persistence.Order) (persistence.RevisionIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []persistence.RevisionPair
	for _, r := range s.revisions {
		if r.Id.TabletId != tablet {
			continue
		}
		if r.Ts < from || r.Ts > to {
			continue
		}
		filtered = append(filtered, r)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Ts < filtered[j].Ts })
	if order == persistence.Backward {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	return &revisionIterator{items: filtered}, nil
}

type revisionIterator struct {
	items []persistence.RevisionPair
	pos   int
}

func (it *revisionIterator) Next(ctx context.Context) (*persistence.RevisionPair, error) {
	if it.pos >= len(it.items) {
		return nil, nil
	}
	p := it.items[it.pos]
	it.pos++
	return &p, nil
}

func (it *revisionIterator) Close() error { return nil }
