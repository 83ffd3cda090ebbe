package search

import (
	"context"
	"sync"

	"github.com/tessera-db/coredb/internal/blob"
	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/metrics"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/types"
)

// segmentRef is a flushed Segment's location and the in-memory copy
// kept around for querying, so a merge never has to round-trip
// through the blob store on the hot path.
type segmentRef struct {
	key blob.ObjectKey
	seg *Segment
}

// Manager owns one index's live Delta plus its flushed Segments, and
// is the merge point a Search call reads through. A freshly created
// Manager is Backfilling: it accepts writes (so a background scan can
// feed it the table's existing rows) but rejects queries until its
// first Flush completes (a Flush of an empty Delta enables it without
// producing a segment), matching the same
// scan-before-serving discipline a schema validation backfill follows.
type Manager struct {
	store     blob.Store
	rt        runtime.Runtime
	indexName string

	mu       sync.RWMutex
	delta    *Delta
	segments []*segmentRef
	enabled  bool
}

func NewManager(indexName string, store blob.Store, rt runtime.Runtime) *Manager {
	return &Manager{
		indexName: indexName,
		store:     store,
		rt:        rt,
		delta:     NewDelta(),
	}
}

// Put (re)indexes doc against the live Delta.
func (m *Manager) Put(doc types.InternalId, text string, filters map[string]types.Comparable) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.delta.Put(doc, text, filters)
}

// Delete marks doc removed in the live Delta. A document that exists
// in an already-flushed Segment stays live there: Search still scores
// and returns it from that Segment.
func (m *Manager) Delete(doc types.InternalId) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.delta.Delete(doc)
}

// Enabled reports whether the index has completed its first flush and
// may now serve queries.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Search merges the live Delta and every flushed Segment. It returns
// errs.IndexBackfillInProgress until the index's first Flush has
// completed.
func (m *Manager) Search(q Query) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.enabled {
		return nil, &errs.IndexBackfillInProgress{IndexName: m.indexName}
	}
	if len(q.Filters) > MaxFilterFields {
		return nil, &errs.InvalidArgument{Message: "search query has too many filter fields"}
	}

	sources := make([]source, 0, len(m.segments)+1)
	sources = append(sources, m.delta)
	for _, ref := range m.segments {
		sources = append(sources, ref.seg)
	}
	return Search(q, sources...), nil
}

// Terms returns the full indexed vocabulary across the live Delta and
// every flushed Segment.
func (m *Manager) Terms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sources := make([]source, 0, len(m.segments)+1)
	sources = append(sources, m.delta)
	for _, ref := range m.segments {
		sources = append(sources, ref.seg)
	}
	return mergedVocabulary(sources...)
}

// Flush freezes the live Delta into a Segment, uploads it through the
// blob store, and swaps in a fresh empty Delta for subsequent writes.
// Query merges are never blocked on a flush: the old Delta is only
// dropped from m.segments/m.delta after the upload succeeds.
func (m *Manager) Flush(ctx context.Context) error {
	start := m.rt.Now()
	defer func() { metrics.SearchFlushDurationSeconds.Observe(m.rt.Now().Sub(start).Seconds()) }()

	m.mu.Lock()
	delta := m.delta
	m.mu.Unlock()

	seg := delta.Freeze()
	if seg.totalDocs == 0 {
		m.mu.Lock()
		m.enabled = true
		m.mu.Unlock()
		return nil
	}

	encoded, err := EncodeSegment(seg)
	if err != nil {
		return errs.Wrap(err, "encode search segment")
	}

	upload, err := blob.NewBufferedUpload(ctx, m.store, blob.MinPartSize)
	if err != nil {
		return errs.Wrap(err, "start search segment upload")
	}
	if err := upload.Write(ctx, encoded); err != nil {
		_ = upload.Abort(ctx)
		return errs.Wrap(err, "write search segment")
	}
	key, err := upload.Complete(ctx)
	if err != nil {
		return errs.Wrap(err, "complete search segment upload")
	}

	metrics.SearchSegmentFlushBytes.Observe(float64(len(encoded)))

	m.mu.Lock()
	m.segments = append(m.segments, &segmentRef{key: key, seg: seg})
	if m.delta == delta {
		m.delta = NewDelta()
	}
	m.enabled = true
	m.mu.Unlock()
	return nil
}
