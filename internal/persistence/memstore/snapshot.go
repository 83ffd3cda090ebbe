package memstore

import (
	"context"
	"encoding/hex"

	"github.com/tessera-db/coredb/internal/btree"
	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
)

// snapshot is a read-only view pinned at ts. It walks each document's
// version chain newest-first: stop at the newest version with
// CreateTs <= ts, then check whether that version was already a
// tombstone as of ts.
type snapshot struct {
	store *Store
	ts    types.Timestamp
}

func (sn *snapshot) Ts() types.Timestamp { return sn.ts }

func (sn *snapshot) Get(ctx context.Context, tablet types.TabletId, id types.InternalId) (*persistence.Document, bool, error) {
	sn.store.mu.RLock()
	ts, ok := sn.store.tabletLocked(tablet)
	sn.store.mu.RUnlock()
	if !ok {
		return nil, false, &errs.InvalidArgument{Message: "tablet not found"}
	}

	offset, found := ts.tree.Get(internalIdKey(id))
	if !found {
		return nil, false, nil
	}
	return sn.walkChain(ts, offset, types.DocumentId{TabletId: tablet, InternalId: id})
}

// walkChain visits versions newest-first, skipping anything created
// after the snapshot, and stops at the first version visible as of
// sn.ts.
func (sn *snapshot) walkChain(ts *tabletState, offset int64, id types.DocumentId) (*persistence.Document, bool, error) {
	for offset != -1 {
		docBytes, hdr, err := ts.heap.Read(offset)
		if err != nil {
			return nil, false, errs.Wrap(err, "read heap chain for %s", id)
		}

		if types.Timestamp(hdr.CreateTs) <= sn.ts {
			visible := hdr.Valid || types.Timestamp(hdr.DeleteTs) > sn.ts
			if !visible {
				return nil, false, nil
			}
			return &persistence.Document{Id: id, CreationTime: types.Timestamp(hdr.CreateTs), Value: docBytes}, true, nil
		}
		offset = hdr.PrevOffset
	}
	return nil, false, nil
}

func (sn *snapshot) Scan(ctx context.Context, scan persistence.IndexScan) (persistence.Cursor, error) {
	sn.store.mu.RLock()
	ts, ok := sn.store.tabletLocked(scan.Tablet)
	sn.store.mu.RUnlock()
	if !ok {
		return nil, &errs.InvalidArgument{Message: "tablet not found"}
	}

	var lowerKey types.Comparable
	if scan.Lower != nil {
		lowerKey = internalIdKey(*scan.Lower)
	}

	c := &cursor{snapshot: sn, tablet: ts, scan: scan}
	// FindLeafLowerBound returns the leaf with its read latch already held;
	// we hold it across calls to Next and release it via latch coupling.
	c.leaf, c.idx = ts.tree.FindLeafLowerBound(lowerKey)
	c.skipToValidPosition()
	return c, nil
}

// skipToValidPosition jumps across leaf boundaries when FindLeafLowerBound
// lands past the end of a leaf (the searched key sorts after everything
// in it).
func (c *cursor) skipToValidPosition() {
	for c.leaf != nil && c.idx >= c.leaf.N {
		next := c.leaf.Next
		if next != nil {
			next.RLock()
		}
		c.leaf.RUnlock()
		c.leaf = next
		c.idx = 0
	}
}

// cursor walks a tablet's by-id tree in ascending InternalId order,
// resolving each key to its visible value at the snapshot timestamp. It
// holds a read latch on the current leaf between calls and releases it via
// lock coupling as it advances, so concurrent writers never see a leaf
// mutate mid-scan.
type cursor struct {
	snapshot *snapshot
	tablet   *tabletState
	scan     persistence.IndexScan
	leaf     *btree.Node
	idx      int
}

// advance moves to the next leaf entry, coupling locks so the old leaf is
// only released once the new one is held.
func (c *cursor) advance() {
	if c.idx+1 < c.leaf.N {
		c.idx++
		return
	}
	next := c.leaf.Next
	if next != nil {
		next.RLock()
	}
	c.leaf.RUnlock()
	c.leaf = next
	c.idx = 0
	for c.leaf != nil && c.leaf.N == 0 {
		n := c.leaf.Next
		if n != nil {
			n.RLock()
		}
		c.leaf.RUnlock()
		c.leaf = n
	}
}

func (c *cursor) Next(ctx context.Context) (*persistence.Document, error) {
	for c.leaf != nil && c.idx < c.leaf.N {
		key := c.leaf.Keys[c.idx]
		offset := c.leaf.DataPtrs[c.idx]

		if c.scan.Upper != nil {
			upperKey := internalIdKey(*c.scan.Upper)
			if key.Compare(upperKey) > 0 {
				c.leaf.RUnlock()
				c.leaf = nil
				return nil, nil
			}
		}

		c.advance()

		idHex, ok := key.(types.StringKey)
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(string(idHex))
		if err != nil || len(raw) != 16 {
			continue
		}
		var id types.InternalId
		copy(id[:], raw)

		doc, visible, err := c.snapshot.walkChain(c.tablet, offset, types.DocumentId{TabletId: c.scan.Tablet, InternalId: id})
		if err != nil {
			return nil, err
		}
		if visible {
			return doc, nil
		}
	}
	return nil, nil
}

func (c *cursor) Close() error {
	if c.leaf != nil {
		c.leaf.RUnlock()
		c.leaf = nil
	}
	return nil
}

func (sn *snapshot) PreviousRevisions(ctx context.Context, ids []types.DocumentId) (map[types.DocumentId]types.Timestamp, error) {
	sn.store.mu.RLock()
	defer sn.store.mu.RUnlock()

	want := make(map[types.DocumentId]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	result := make(map[types.DocumentId]types.Timestamp)
	for _, r := range sn.store.revisions {
		if r.Ts > sn.ts {
			break
		}
		if want[r.Id] {
			result[r.Id] = r.Ts
		}
	}
	return result, nil
}
