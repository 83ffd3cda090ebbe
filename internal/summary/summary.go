// Package summary maintains, per tablet, the (count, total_size, shape)
// triple, folding the document log's insert/remove operations and
// bootstrapping from a persisted snapshot either forward or backward
// to an arbitrary target timestamp.
package summary

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
)

// SnapshotKey is the single persistence-globals key the summary
// snapshot occupies.
const SnapshotKey = "table_summary"

// Summary is one tablet's folded state.
type Summary struct {
	Count     int64
	TotalSize int64
	Shape     *Shape
}

func newSummary() *Summary {
	return &Summary{Shape: NewShape()}
}

func (s *Summary) insert(doc map[string]interface{}, size int64) {
	s.Count++
	s.TotalSize += size
	s.Shape.insert(doc)
}

func (s *Summary) remove(doc map[string]interface{}, size int64) {
	s.Count--
	s.TotalSize -= size
	s.Shape.remove(doc)
}

// Snapshot is the full cross-tablet state at a timestamp, the shape
// persisted in the single persistence-globals key.
type Snapshot struct {
	Ts     types.Timestamp
	Tables map[types.TabletId]*Summary
}

func NewSnapshot(ts types.Timestamp) *Snapshot {
	return &Snapshot{Ts: ts, Tables: make(map[types.TabletId]*Summary)}
}

func (s *Snapshot) tableLocked(tablet types.TabletId) *Summary {
	t, ok := s.Tables[tablet]
	if !ok {
		t = newSummary()
		s.Tables[tablet] = t
	}
	return t
}

func decodeDoc(value []byte) (map[string]interface{}, error) {
	if value == nil {
		return nil, nil
	}
	var doc map[string]interface{}
	if err := bson.Unmarshal(value, &doc); err != nil {
		return nil, errs.Wrap(err, "decode document for summary fold")
	}
	return doc, nil
}

// applyForward applies one revision-pair walking forward in time:
// updates remove the old value then insert the new one.
func (s *Snapshot) applyForward(tablet types.TabletId, pair *persistence.RevisionPair) error {
	summary := s.tableLocked(tablet)
	if pair.Prev != nil {
		doc, err := decodeDoc(pair.Prev.Value)
		if err != nil {
			return err
		}
		summary.remove(doc, int64(len(pair.Prev.Value)))
	}
	if pair.Curr != nil {
		doc, err := decodeDoc(pair.Curr.Value)
		if err != nil {
			return err
		}
		summary.insert(doc, int64(len(pair.Curr.Value)))
	}
	return nil
}

// applyBackward time-reverses pair (swap prev and curr) and applies
// the same insert/remove rule as the forward walk.
func (s *Snapshot) applyBackward(tablet types.TabletId, pair *persistence.RevisionPair) error {
	reversed := &persistence.RevisionPair{Prev: pair.Curr, Curr: pair.Prev}
	return s.applyForward(tablet, reversed)
}

// CreateTable/DropTable create or drop the empty summary entry for a
// tablet, ahead of whatever document revisions get applied to it.
func (s *Snapshot) CreateTable(tablet types.TabletId) {
	if _, ok := s.Tables[tablet]; !ok {
		s.Tables[tablet] = newSummary()
	}
}

func (s *Snapshot) DropTable(tablet types.TabletId) {
	delete(s.Tables, tablet)
}

func (s *Snapshot) clone() *Snapshot {
	out := NewSnapshot(s.Ts)
	for tablet, summary := range s.Tables {
		out.Tables[tablet] = &Summary{Count: summary.Count, TotalSize: summary.TotalSize, Shape: summary.Shape.clone()}
	}
	return out
}

// Load reads the persisted snapshot, or an empty one at ts 0 if none
// has ever been written.
func Load(ctx context.Context, store persistence.Store) (*Snapshot, error) {
	raw, found, err := store.GetPersistenceGlobal(ctx, SnapshotKey)
	if err != nil {
		return nil, errs.Wrap(err, "read table summary snapshot")
	}
	if !found {
		return NewSnapshot(0), nil
	}
	return DecodeSnapshot(raw)
}

// Save persists snap as the single global, overwriting whatever was
// there before; the store's own Write/WritePersistenceGlobal path is
// responsible for making the on-disk update atomic (memstore via
// temp-file-then-rename, pebblestore via a single batched LSM write).
func Save(ctx context.Context, store persistence.Store, snap *Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return store.WritePersistenceGlobal(ctx, SnapshotKey, data)
}

// Bootstrap produces the summary at target, walking forward or
// backward from the persisted snapshot over the document log of each
// known tablet. knownTablets lists
// every tablet that should have an entry at target (tablets created or
// dropped between T_snap and target are reconciled against this list,
// since the persistence.Store interface surfaces document revisions
// but not tablet lifecycle rows directly).
func Bootstrap(ctx context.Context, store persistence.Store, knownTablets []types.TabletId, target types.Timestamp) (*Snapshot, error) {
	base, err := Load(ctx, store)
	if err != nil {
		return nil, err
	}
	snap := base.clone()

	switch {
	case base.Ts < target:
		for _, tablet := range knownTablets {
			if err := foldForward(ctx, store, snap, tablet, base.Ts, target); err != nil {
				return nil, err
			}
		}
	case base.Ts > target:
		for _, tablet := range knownTablets {
			if err := foldBackward(ctx, store, snap, tablet, target, base.Ts); err != nil {
				return nil, err
			}
		}
	}

	known := make(map[types.TabletId]struct{}, len(knownTablets))
	for _, tablet := range knownTablets {
		known[tablet] = struct{}{}
		snap.CreateTable(tablet)
	}
	for tablet := range snap.Tables {
		if _, ok := known[tablet]; !ok {
			snap.DropTable(tablet)
		}
	}

	snap.Ts = target
	return snap, nil
}

func foldForward(ctx context.Context, store persistence.Store, snap *Snapshot, tablet types.TabletId, from, to types.Timestamp) error {
	it, err := store.LoadDocuments(ctx, tablet, from+1, to, persistence.Forward)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		pair, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if pair == nil {
			return nil
		}
		if err := snap.applyForward(tablet, pair); err != nil {
			return err
		}
	}
}

func foldBackward(ctx context.Context, store persistence.Store, snap *Snapshot, tablet types.TabletId, from, to types.Timestamp) error {
	it, err := store.LoadDocuments(ctx, tablet, from+1, to, persistence.Backward)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		pair, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if pair == nil {
			return nil
		}
		if err := snap.applyBackward(tablet, pair); err != nil {
			return err
		}
	}
}
