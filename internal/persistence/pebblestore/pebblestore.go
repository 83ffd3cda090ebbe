// Package pebblestore is the durable persistence.Store implementation,
// backed by a single cockroachdb/pebble LSM tree. Every document version is
// a distinct key ordered by (tablet, document id, timestamp) so MVCC reads
// are a single reverse seek instead of a heap version-chain walk; pebble's
// own WAL and compaction give us the durability and space reclamation the
// teacher engine hand-rolled in its heap and checkpoint files.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
)

const (
	prefixVersion  byte = 'v' // v|tablet|id(16)|ts(8 BE)      -> value (tombstone if empty+flag)
	prefixRevision byte = 'r' // r|tablet|ts(8 BE)|seq(8 BE)    -> encoded RevisionPair
	prefixGlobal   byte = 'g' // g|key                          -> raw value
	prefixTablet   byte = 't' // t|tablet                       -> existence marker
)

// Store is a pebble-backed persistence.Store.
type Store struct {
	db *pebble.DB

	mu              sync.Mutex
	revSeq          uint64
	minSnapshotTs   types.Timestamp
	maxRepeatableTs types.Timestamp
}

// Open opens (creating if necessary) a pebble store rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errs.Wrap(err, "open pebble store at %q", dir)
	}
	s := &Store{db: db}
	if err := s.loadHighWaterMarks(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadHighWaterMarks() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixRevision},
		UpperBound: []byte{prefixRevision + 1},
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	// keys are ordered by tablet before ts and seq, so the newest
	// revision of the store is not necessarily the last key: visit all.
	for iter.First(); iter.Valid(); iter.Next() {
		_, ts, seq, ok := decodeRevisionKey(iter.Key())
		if !ok {
			continue
		}
		if ts > s.maxRepeatableTs {
			s.maxRepeatableTs = ts
		}
		if seq+1 > s.revSeq {
			s.revSeq = seq + 1
		}
	}
	return nil
}

func versionKey(tablet types.TabletId, id types.InternalId, ts types.Timestamp) []byte {
	buf := make([]byte, 0, 1+len(tablet)+1+16+8)
	buf = append(buf, prefixVersion)
	buf = append(buf, []byte(tablet)...)
	buf = append(buf, 0)
	buf = append(buf, id[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts))
	return append(buf, tsBuf[:]...)
}

func versionPrefix(tablet types.TabletId, id types.InternalId) []byte {
	buf := make([]byte, 0, 1+len(tablet)+1+16)
	buf = append(buf, prefixVersion)
	buf = append(buf, []byte(tablet)...)
	buf = append(buf, 0)
	return append(buf, id[:]...)
}

func revisionKey(tablet types.TabletId, ts types.Timestamp, seq uint64) []byte {
	buf := make([]byte, 0, 1+len(tablet)+1+8+8)
	buf = append(buf, prefixRevision)
	buf = append(buf, []byte(tablet)...)
	buf = append(buf, 0)
	var tsBuf, seqBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts))
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	buf = append(buf, tsBuf[:]...)
	return append(buf, seqBuf[:]...)
}

func decodeRevisionKey(key []byte) (tablet types.TabletId, ts types.Timestamp, seq uint64, ok bool) {
	if len(key) < 1+1+8+8 || key[0] != prefixRevision {
		return "", 0, 0, false
	}
	sep := bytes.IndexByte(key[1:], 0)
	if sep < 0 {
		return "", 0, 0, false
	}
	sep++ // account for the prefix byte offset
	tablet = types.TabletId(key[1:sep])
	rest := key[sep+1:]
	if len(rest) != 16 {
		return "", 0, 0, false
	}
	ts = types.Timestamp(binary.BigEndian.Uint64(rest[:8]))
	seq = binary.BigEndian.Uint64(rest[8:])
	return tablet, ts, seq, true
}

func globalKey(key string) []byte {
	return append([]byte{prefixGlobal}, []byte(key)...)
}

func tabletKey(tablet types.TabletId) []byte {
	return append([]byte{prefixTablet}, []byte(tablet)...)
}

// encodeVersion frames a version: one byte tombstone flag followed by the
// document bytes (empty for a delete).
func encodeVersion(value []byte) []byte {
	tombstone := byte(0)
	if value == nil {
		tombstone = 1
	}
	return append([]byte{tombstone}, value...)
}

func decodeVersion(raw []byte) (value []byte, deleted bool) {
	if len(raw) == 0 {
		return nil, true
	}
	if raw[0] == 1 {
		return nil, true
	}
	return raw[1:], false
}

func (s *Store) Write(ctx context.Context, batch persistence.WriteBatch, ts types.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	for _, op := range batch.Lifecycle {
		if op.Created {
			if err := b.Set(tabletKey(op.Tablet), []byte{1}, nil); err != nil {
				return err
			}
		} else {
			if err := b.Delete(tabletKey(op.Tablet), nil); err != nil {
				return err
			}
		}
	}

	for _, op := range batch.Writes {
		if err := b.Set(versionKey(op.Tablet, op.Id.InternalId, ts), encodeVersion(op.Value), nil); err != nil {
			return err
		}

		pair := persistence.RevisionPair{Id: op.Id, Ts: ts}
		if prevVal, prevTs, found, err := s.latestBefore(op.Tablet, op.Id.InternalId, ts); err != nil {
			return err
		} else if found {
			pair.Prev = &persistence.Document{Id: op.Id, CreationTime: prevTs, Value: prevVal}
		}
		if op.Value != nil {
			pair.Curr = &persistence.Document{Id: op.Id, CreationTime: ts, Value: op.Value}
		}

		seq := s.revSeq
		s.revSeq++
		payload, err := encodeRevisionPair(pair)
		if err != nil {
			return err
		}
		if err := b.Set(revisionKey(op.Tablet, ts, seq), payload, nil); err != nil {
			return err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return errs.Wrap(err, "commit batch at ts %d", ts)
	}
	if ts > s.maxRepeatableTs {
		s.maxRepeatableTs = ts
	}
	return nil
}

// latestBefore returns the newest version of (tablet, id) strictly before
// ts, used only to populate RevisionPair.Prev at write time.
func (s *Store) latestBefore(tablet types.TabletId, id types.InternalId, ts types.Timestamp) ([]byte, types.Timestamp, bool, error) {
	prefix := versionPrefix(tablet, id)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: versionKey(tablet, id, ts),
	})
	if err != nil {
		return nil, 0, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, 0, false, nil
	}
	_, foundTs, _, ok := decodeFullVersionKey(iter.Key())
	if !ok {
		return nil, 0, false, nil
	}
	value, deleted := decodeVersion(iter.Value())
	if deleted {
		return nil, 0, false, nil
	}
	out := append([]byte(nil), value...)
	return out, foundTs, true, nil
}

func decodeFullVersionKey(key []byte) (id types.InternalId, ts types.Timestamp, tablet types.TabletId, ok bool) {
	if len(key) < 1+16+8 || key[0] != prefixVersion {
		return id, 0, "", false
	}
	sep := bytes.IndexByte(key[1:], 0)
	if sep < 0 {
		return id, 0, "", false
	}
	sep++
	tablet = types.TabletId(key[1:sep])
	rest := key[sep+1:]
	if len(rest) != 24 {
		return id, 0, "", false
	}
	copy(id[:], rest[:16])
	ts = types.Timestamp(binary.BigEndian.Uint64(rest[16:]))
	return id, ts, tablet, true
}

func (s *Store) GetPersistenceGlobal(ctx context.Context, key string) ([]byte, bool, error) {
	value, closer, err := s.db.Get(globalKey(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

func (s *Store) WritePersistenceGlobal(ctx context.Context, key string, value []byte) error {
	return s.db.Set(globalKey(key), value, pebble.Sync)
}

func (s *Store) MinSnapshotTs(ctx context.Context) (types.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minSnapshotTs, nil
}

func (s *Store) MaxRepeatableTs(ctx context.Context) (types.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRepeatableTs, nil
}

// AdvanceMinSnapshotTs moves the retention floor forward; called only by the
// retention worker the transaction layer owns.
func (s *Store) AdvanceMinSnapshotTs(ts types.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.minSnapshotTs {
		s.minSnapshotTs = ts
	}
}

func (s *Store) Close() error { return s.db.Close() }
