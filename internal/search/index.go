// Package search implements a memory+disk BM25 full text index: writes
// land in an in-memory Delta, Flush freezes a Delta into an immutable,
// compressed on-disk Segment, and a query merges scores across the
// live Delta and every Segment a Manager currently holds.
package search

import (
	"sync"

	"github.com/tessera-db/coredb/internal/btree"
	"github.com/tessera-db/coredb/internal/types"
)

// Posting is one document's occurrence of a term within a single
// Delta or Segment.
type Posting struct {
	Doc  types.InternalId
	Freq int
}

type termEntry struct {
	postings []Posting
}

// docEntry holds what BM25 and filter evaluation need about one
// indexed document: its token count (for length normalization) and
// its filter-field values (for exact-match predicates alongside the
// text query).
type docEntry struct {
	length  int
	filters map[string]types.Comparable
	deleted bool
}

// Delta is the mutable half of a search index: every write since the
// owning Manager's last Flush. The term dictionary is kept in a
// B+Tree (rather than a plain map) so a prefix query can scan a
// contiguous key range instead of testing every term.
type Delta struct {
	mu sync.RWMutex

	terms    *btree.BPlusTree
	termList []*termEntry

	docs      map[types.InternalId]*docEntry
	totalDocs int
	totalLen  int
}

func NewDelta() *Delta {
	return &Delta{
		terms: btree.NewUniqueTree(32),
		docs:  make(map[types.InternalId]*docEntry),
	}
}

// Put (re)indexes doc: text is tokenized into the term postings,
// filters are stored verbatim for exact-match predicates. A document
// already present is first logically removed, so Put also serves as
// the index's update path.
func (d *Delta) Put(doc types.InternalId, text string, filters map[string]types.Comparable) {
	tokens := Tokenize(text)

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.docs[doc]; ok {
		if !existing.deleted {
			d.removeLocked(doc, existing)
		}
		// drop the old version's postings so they don't count as live
		// again under the new entry
		for _, entry := range d.termList {
			kept := entry.postings[:0]
			for _, p := range entry.postings {
				if p.Doc != doc {
					kept = append(kept, p)
				}
			}
			entry.postings = kept
		}
	}

	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}
	for term, freq := range freqs {
		idx := d.termIndexLocked(term)
		d.termList[idx].postings = append(d.termList[idx].postings, Posting{Doc: doc, Freq: freq})
	}

	d.docs[doc] = &docEntry{length: len(tokens), filters: filters}
	d.totalDocs++
	d.totalLen += len(tokens)
}

// Delete marks doc as removed. Postings are pruned lazily (at Flush
// or query merge time) rather than rewritten in place on every
// delete, the same deferred-cleanup trade the document log elsewhere
// in the engine makes for tombstones.
func (d *Delta) Delete(doc types.InternalId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.docs[doc]; ok && !existing.deleted {
		d.removeLocked(doc, existing)
	}
}

func (d *Delta) removeLocked(doc types.InternalId, existing *docEntry) {
	existing.deleted = true
	d.totalDocs--
	d.totalLen -= existing.length
}

func (d *Delta) termIndexLocked(term string) int {
	key := types.StringKey(term)
	if ptr, ok := d.terms.Get(key); ok {
		return int(ptr)
	}
	idx := len(d.termList)
	d.termList = append(d.termList, &termEntry{})
	_ = d.terms.Insert(key, int64(idx))
	return idx
}

// postings returns the live (non-deleted) postings for term, or false
// if the term was never indexed.
func (d *Delta) postings(term string) ([]Posting, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ptr, ok := d.terms.Get(types.StringKey(term))
	if !ok {
		return nil, false
	}
	entry := d.termList[ptr]
	live := make([]Posting, 0, len(entry.postings))
	for _, p := range entry.postings {
		if doc, ok := d.docs[p.Doc]; ok && !doc.deleted {
			live = append(live, p)
		}
	}
	return live, true
}

// matchTerms returns every live term in the dictionary whose key
// satisfies match, walking leaf pages left to right via the B+Tree's
// leaf chain rather than testing every term through the root. The
// caller's Delta-level lock only protects termList/docs; the leaf
// chain itself has its own per-node latch, released as the walk moves
// past each page (mirroring BPlusTree.Len's traversal).
func (d *Delta) matchTerms(lowerBound string, match func(term string) bool) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	leaf, idx := d.terms.FindLeafLowerBound(types.StringKey(lowerBound))
	for leaf != nil {
		stop := false
		for ; idx < leaf.N; idx++ {
			term := string(leaf.Keys[idx].(types.StringKey))
			if !match(term) {
				stop = true
				break
			}
			out = append(out, term)
		}
		next := leaf.Next
		if next != nil {
			next.RLock()
		}
		leaf.RUnlock()
		if stop {
			if next != nil {
				next.RUnlock()
			}
			break
		}
		leaf = next
		idx = 0
	}
	return out
}

// docLength reports a live document's token count, used by BM25's
// length-normalization term. ok is false for a deleted or unknown doc.
func (d *Delta) docLength(id types.InternalId) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.docs[id]
	if !ok || e.deleted {
		return 0, false
	}
	return e.length, true
}

// filterValue returns one filter field's stored value for a live doc.
func (d *Delta) filterValue(id types.InternalId, field string) (types.Comparable, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.docs[id]
	if !ok || e.deleted {
		return nil, false
	}
	v, ok := e.filters[field]
	return v, ok
}

// stats returns the document count and average document length used
// as BM25's corpus-wide normalization terms.
func (d *Delta) stats() (docCount int, avgLen float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.totalDocs == 0 {
		return 0, 0
	}
	return d.totalDocs, float64(d.totalLen) / float64(d.totalDocs)
}
