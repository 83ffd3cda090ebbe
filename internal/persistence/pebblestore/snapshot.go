package pebblestore

import (
	"bytes"
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
)

func (s *Store) ReadSnapshot(ctx context.Context, ts types.Timestamp) (persistence.Snapshot, error) {
	return &snapshot{store: s, ts: ts}, nil
}

type snapshot struct {
	store *Store
	ts    types.Timestamp
}

func (sn *snapshot) Ts() types.Timestamp { return sn.ts }

// latestAtOrBefore returns the newest version of (tablet, id) with
// ts <= sn.ts, or found=false if none exists or it is a tombstone.
func (s *Store) latestAtOrBefore(tablet types.TabletId, id types.InternalId, ts types.Timestamp) ([]byte, bool, error) {
	upper := versionKey(tablet, id, ts)
	upper = append(upper, 0x00) // make the bound exclusive-past-ts inclusive of ts itself
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: versionPrefix(tablet, id),
		UpperBound: upper,
	})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, false, nil
	}
	value, deleted := decodeVersion(iter.Value())
	if deleted {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (sn *snapshot) Get(ctx context.Context, tablet types.TabletId, id types.InternalId) (*persistence.Document, bool, error) {
	value, found, err := sn.store.latestAtOrBefore(tablet, id, sn.ts)
	if err != nil || !found {
		return nil, false, err
	}
	return &persistence.Document{Id: types.DocumentId{TabletId: tablet, InternalId: id}, Value: value}, true, nil
}

func (sn *snapshot) Scan(ctx context.Context, scan persistence.IndexScan) (persistence.Cursor, error) {
	lower := []byte{prefixVersion}
	lower = append(lower, []byte(scan.Tablet)...)
	lower = append(lower, 0)
	if scan.Lower != nil {
		lower = append(lower, scan.Lower[:]...)
	}

	upper := []byte{prefixVersion}
	upper = append(upper, []byte(scan.Tablet)...)
	upper = append(upper, 1) // byte after the tablet separator bounds the whole tablet

	iter, err := sn.store.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	if !iter.SeekGE(lower) {
		iter.Close()
		return &cursor{done: true}, nil
	}
	return &cursor{snapshot: sn, iter: iter, scan: scan}, nil
}

// cursor walks distinct document ids within a tablet in ascending order,
// resolving each to its latest version visible at the snapshot timestamp.
type cursor struct {
	snapshot *snapshot
	iter     *pebble.Iterator
	scan     persistence.IndexScan
	done     bool
}

func (c *cursor) Next(ctx context.Context) (*persistence.Document, error) {
	for !c.done && c.iter.Valid() {
		id, _, tablet, ok := decodeFullVersionKey(c.iter.Key())
		if !ok {
			c.done = true
			break
		}
		if c.scan.Upper != nil && bytes.Compare(id[:], c.scan.Upper[:]) > 0 {
			c.done = true
			break
		}

		doc, found, err := c.snapshot.store.latestAtOrBefore(tablet, id, c.snapshot.ts)

		// advance past every version of this id before returning, whether
		// or not it was visible, so the next call starts at the next id.
		boundary := versionPrefix(tablet, id)
		boundary = append(boundary, bytes.Repeat([]byte{0xFF}, 8+1)...)
		if !c.iter.SeekGE(boundary) {
			c.done = true
		}

		if err != nil {
			return nil, err
		}
		if found {
			return doc, nil
		}
	}
	return nil, nil
}

func (c *cursor) Close() error {
	if c.iter != nil {
		return c.iter.Close()
	}
	return nil
}

func (sn *snapshot) PreviousRevisions(ctx context.Context, ids []types.DocumentId) (map[types.DocumentId]types.Timestamp, error) {
	result := make(map[types.DocumentId]types.Timestamp, len(ids))
	for _, id := range ids {
		upper := versionKey(id.TabletId, id.InternalId, sn.ts)
		upper = append(upper, 0x00)
		iter, err := sn.store.db.NewIter(&pebble.IterOptions{
			LowerBound: versionPrefix(id.TabletId, id.InternalId),
			UpperBound: upper,
		})
		if err != nil {
			return nil, err
		}
		if iter.Last() {
			_, ts, _, ok := decodeFullVersionKey(iter.Key())
			if ok {
				result[id] = ts
			}
		}
		iter.Close()
	}
	return result, nil
}

func (s *Store) LoadDocuments(ctx context.Context, tablet types.TabletId, from, to types.Timestamp, order persistence.Order) (persistence.RevisionIterator, error) {
	lower := revisionKey(tablet, from, 0)
	upper := revisionKey(tablet, to, ^uint64(0))
	upper = append(upper, 0x00)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}

	return &revisionIterator{iter: iter, order: order, started: false}, nil
}

type revisionIterator struct {
	iter    *pebble.Iterator
	order   persistence.Order
	started bool
}

func (it *revisionIterator) Next(ctx context.Context) (*persistence.RevisionPair, error) {
	var ok bool
	if !it.started {
		it.started = true
		if it.order == persistence.Forward {
			ok = it.iter.First()
		} else {
			ok = it.iter.Last()
		}
	} else {
		if it.order == persistence.Forward {
			ok = it.iter.Next()
		} else {
			ok = it.iter.Prev()
		}
	}
	if !ok {
		return nil, nil
	}
	return decodeRevisionPair(it.iter.Value())
}

func (it *revisionIterator) Close() error { return it.iter.Close() }
