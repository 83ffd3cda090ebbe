// Package iterator implements a table iterator: a walk over a
// tablet's by-id index that produces a consistent ordering as of a
// historical snapshot timestamp, even though the index can only be
// scanned directly at a repeatable (recent) timestamp. It reconciles
// the gap with a "skipped keys" merge, built on the same lock-coupling
// cursor approach as the by-id walk it generalizes, paging across
// persistence.Store rather than a single in-process B+Tree.
package iterator

import (
	"context"
	"sort"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
)

// PageSize bounds how many index entries a single underlying Scan call
// fetches per page.
const PageSize = 256

// Iterator streams every document of a tablet ordered by internal id,
// as it existed at Tsnap, within retention.
type Iterator struct {
	ctx    context.Context
	store  persistence.Store
	tablet types.TabletId
	tsnap  types.Timestamp

	cursor    *types.InternalId // exclusive lower bound for the next page fetch
	prevT     types.Timestamp   // new_T of the previously fetched page
	skipped   map[types.InternalId]*persistence.Document
	buffer    []emitted
	done      bool
	emittedId map[types.InternalId]struct{}
}

type emitted struct {
	id  types.InternalId
	doc *persistence.Document
}

func New(ctx context.Context, store persistence.Store, tablet types.TabletId, tsnap types.Timestamp) *Iterator {
	return &Iterator{
		ctx:       ctx,
		store:     store,
		tablet:    tablet,
		tsnap:     tsnap,
		skipped:   make(map[types.InternalId]*persistence.Document),
		emittedId: make(map[types.InternalId]struct{}),
	}
}

// Next returns the next document in ascending id order, or nil, nil
// once the stream is exhausted.
func (it *Iterator) Next() (*persistence.Document, error) {
	for len(it.buffer) == 0 {
		if it.done {
			return nil, nil
		}
		if err := it.fetchPage(); err != nil {
			return nil, err
		}
	}
	next := it.buffer[0]
	it.buffer = it.buffer[1:]
	return next.doc, nil
}

func incrementId(id types.InternalId) types.InternalId {
	out := id
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func (it *Iterator) fetchPage() error {
	recent, err := it.store.MaxRepeatableTs(it.ctx)
	if err != nil {
		return errs.Wrap(err, "table iterator: read max_repeatable_ts")
	}
	ti := it.tsnap
	if recent > ti {
		ti = recent
	}

	snapAtTi, err := it.store.ReadSnapshot(it.ctx, ti)
	if err != nil {
		return err
	}
	scan := persistence.IndexScan{Tablet: it.tablet}
	if it.cursor != nil {
		lower := incrementId(*it.cursor)
		scan.Lower = &lower
	}
	page, err := it.readPage(snapAtTi, scan)
	if err != nil {
		return err
	}

	// Step 3: reconcile anything mutated in (prevT, ti] for this tablet.
	snapAtTsnap, err := it.store.ReadSnapshot(it.ctx, it.tsnap)
	if err != nil {
		return err
	}
	if err := it.reconcileSkippedKeys(snapAtTsnap, it.prevT, ti); err != nil {
		return err
	}
	it.prevT = ti

	merged := make(map[types.InternalId]*persistence.Document, len(page))
	var maxKey *types.InternalId
	for _, d := range page {
		if d.CreationTime <= it.tsnap {
			merged[d.Id.InternalId] = d
		}
		id := d.Id.InternalId
		if maxKey == nil || greater(id, *maxKey) {
			maxKey = &id
		}
	}

	// Pull forward any skipped-keys entries at or below the page's
	// trailing boundary; everything past it waits for a future page.
	if maxKey != nil {
		for id, doc := range it.skipped {
			if !greater(id, *maxKey) {
				merged[id] = doc
				delete(it.skipped, id)
			}
		}
		it.cursor = maxKey
	}

	if len(page) == 0 {
		it.done = true
		if len(it.skipped) != 0 {
			return &errs.InvalidCursor{Reason: "skipped-keys set non-empty at table iterator stream end"}
		}
	}

	var ordered []emitted
	for id, doc := range merged {
		if _, already := it.emittedId[id]; already {
			continue
		}
		it.emittedId[id] = struct{}{}
		ordered = append(ordered, emitted{id: id, doc: doc})
	}
	sort.Slice(ordered, func(i, j int) bool { return less(ordered[i].id, ordered[j].id) })
	it.buffer = append(it.buffer, ordered...)
	return nil
}

func (it *Iterator) readPage(snap persistence.Snapshot, scan persistence.IndexScan) ([]*persistence.Document, error) {
	cursor, err := snap.Scan(it.ctx, scan)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var page []*persistence.Document
	for len(page) < PageSize {
		doc, err := cursor.Next(it.ctx)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			break
		}
		page = append(page, doc)
	}
	return page, nil
}

// reconcileSkippedKeys walks the document log over (from, to] for this
// tablet and, for each touched id, resolves its value as of Tsnap,
// recording it in it.skipped so a later page merge can pick it up.
func (it *Iterator) reconcileSkippedKeys(snapAtTsnap persistence.Snapshot, from, to types.Timestamp) error {
	if to <= from {
		return nil
	}
	revs, err := it.store.LoadDocuments(it.ctx, it.tablet, from+1, to, persistence.Forward)
	if err != nil {
		return err
	}
	defer revs.Close()

	seen := make(map[types.InternalId]struct{})
	for {
		pair, err := revs.Next(it.ctx)
		if err != nil {
			return err
		}
		if pair == nil {
			break
		}
		id := pair.Id.InternalId
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		doc, found, err := snapAtTsnap.Get(it.ctx, it.tablet, id)
		if err != nil {
			return err
		}
		if found {
			it.skipped[id] = doc
		} else {
			delete(it.skipped, id)
		}
	}
	return nil
}

func less(a, b types.InternalId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func greater(a, b types.InternalId) bool { return less(b, a) }
