package search_test

import (
	"context"
	"testing"

	"github.com/tessera-db/coredb/internal/blob"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/search"
	"github.com/tessera-db/coredb/internal/types"
)

func docId(b byte) types.InternalId {
	var id types.InternalId
	id[0] = b
	return id
}

func TestTokenizeFoldsCaseAndNormalizes(t *testing.T) {
	got := search.Tokenize("Café CAFE, déjà-vu!")
	want := []string{"café", "cafe", "déjà", "vu"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSearchRanksShorterExactMatchAboveDiluted(t *testing.T) {
	delta := search.NewDelta()
	delta.Put(docId(1), "the quick brown fox jumps over the lazy dog", nil)
	delta.Put(docId(2), "the quick brown fox", nil)
	delta.Put(docId(3), "a story about a dog", nil)

	hits := search.Search(search.Query{Text: "quick fox", Limit: 10}, delta)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	// doc 2 is shorter and entirely about the query terms, so BM25's
	// length normalization should rank it above doc 1.
	if hits[0].Doc != docId(2) {
		t.Fatalf("expected doc 2 to rank first, got %+v", hits)
	}
}

func TestSearchAppliesFilters(t *testing.T) {
	delta := search.NewDelta()
	delta.Put(docId(1), "red apple", map[string]types.Comparable{"color": types.StringKey("red")})
	delta.Put(docId(2), "green apple", map[string]types.Comparable{"color": types.StringKey("green")})

	hits := search.Search(search.Query{
		Text:    "apple",
		Filters: []search.Filter{{Field: "color", Value: types.StringKey("green")}},
		Limit:   10,
	}, delta)
	if len(hits) != 1 || hits[0].Doc != docId(2) {
		t.Fatalf("expected only doc 2, got %+v", hits)
	}
}

func TestSearchDeleteRemovesFromResults(t *testing.T) {
	delta := search.NewDelta()
	delta.Put(docId(1), "hello world", nil)
	delta.Delete(docId(1))

	hits := search.Search(search.Query{Text: "hello", Limit: 10}, delta)
	if len(hits) != 0 {
		t.Fatalf("expected no hits after delete, got %+v", hits)
	}
}

func TestSearchLastTermMatchesAsPrefix(t *testing.T) {
	delta := search.NewDelta()
	delta.Put(docId(1), "database engineering", nil)

	hits := search.Search(search.Query{Text: "data", Limit: 10}, delta)
	if len(hits) != 1 || hits[0].Doc != docId(1) {
		t.Fatalf("expected the last (and only) query term to match as a prefix, got %+v", hits)
	}
}

func TestSearchNonLastTermDoesNotMatchAsPrefix(t *testing.T) {
	delta := search.NewDelta()
	delta.Put(docId(1), "database only", nil)

	// "data" is a genuine prefix of "database" but is not the last
	// query token, so it must not expand; "zzzznomatch" is the last
	// token but shares nothing close enough with the doc's terms.
	hits := search.Search(search.Query{Text: "data zzzznomatch", Limit: 10}, delta)
	if len(hits) != 0 {
		t.Fatalf("expected no match: only the last query term should prefix-expand, got %+v", hits)
	}
}

func TestSearchFuzzyExpansionMatchesTypoAboveLengthThreshold(t *testing.T) {
	delta := search.NewDelta()
	delta.Put(docId(1), "database engineering", nil)

	// "databace" (length 8, one substitution away from "database")
	// falls in the >6 bucket, which tolerates up to 2 edits.
	hits := search.Search(search.Query{Text: "databace", Limit: 10}, delta)
	if len(hits) != 1 || hits[0].Doc != docId(1) {
		t.Fatalf("expected fuzzy match on doc 1, got %+v", hits)
	}
}

func TestSearchShortTermNeverFuzzyMatches(t *testing.T) {
	delta := search.NewDelta()
	delta.Put(docId(1), "cat nap", nil)

	// "cap" (length 3) is in the exact-only bucket even though it's one
	// substitution from "cat".
	hits := search.Search(search.Query{Text: "cap", Limit: 10}, delta)
	if len(hits) != 0 {
		t.Fatalf("expected no fuzzy match for a length-3 term, got %+v", hits)
	}
}

func TestSegmentRoundTripsThroughEncoding(t *testing.T) {
	delta := search.NewDelta()
	delta.Put(docId(1), "hello world", map[string]types.Comparable{"n": types.IntKey(7)})
	delta.Put(docId(2), "hello there", nil)

	seg := delta.Freeze()
	encoded, err := search.EncodeSegment(seg)
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	decoded, err := search.DecodeSegment(encoded)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}

	hits := search.Search(search.Query{Text: "hello", Limit: 10}, decoded)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits from decoded segment, got %+v", hits)
	}

	filtered := search.Search(search.Query{
		Text:    "hello",
		Filters: []search.Filter{{Field: "n", Value: types.IntKey(7)}},
		Limit:   10,
	}, decoded)
	if len(filtered) != 1 || filtered[0].Doc != docId(1) {
		t.Fatalf("expected filter to isolate doc 1, got %+v", filtered)
	}
}

func TestManagerRejectsQueriesUntilFirstFlush(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	mgr := search.NewManager("by_title", store, runtime.Real{})

	mgr.Put(docId(1), "hello world", nil)
	if _, err := mgr.Search(search.Query{Text: "hello", Limit: 10}); err == nil {
		t.Fatal("expected IndexBackfillInProgress before the first flush")
	}

	if err := mgr.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !mgr.Enabled() {
		t.Fatal("expected the index to be enabled after its first flush")
	}
}

func TestManagerFlushMergesSegmentsAndDelta(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	mgr := search.NewManager("by_title", store, runtime.Real{})

	mgr.Put(docId(1), "hello world", nil)
	if err := mgr.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mgr.Put(docId(2), "hello again", nil)

	hits, err := mgr.Search(search.Query{Text: "hello", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits merged across segment and delta, got %+v", hits)
	}

	terms := mgr.Terms()
	found := map[string]bool{}
	for _, term := range terms {
		found[term] = true
	}
	for _, want := range []string{"hello", "world", "again"} {
		if !found[want] {
			t.Fatalf("expected term %q in vocabulary, got %v", want, terms)
		}
	}
}

func TestManagerFlushOfEmptyDeltaStillEnablesIndex(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	mgr := search.NewManager("by_title", store, runtime.Real{})

	if err := mgr.Flush(ctx); err != nil {
		t.Fatalf("Flush on an empty delta should be a no-op, got: %v", err)
	}
	hits, err := mgr.Search(search.Query{Text: "anything", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %+v", hits)
	}
}
