package search

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/tessera-db/coredb/internal/types"
)

// BM25 tuning constants, the usual defaults (Lucene and most BM25
// references use the same pair).
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// MaxCandidates bounds how many hits a single Search call can return,
// regardless of the caller's requested Limit.
const MaxCandidates = 1000

// MaxFilterFields bounds how many equality predicates one Query may
// carry alongside its search term-list; Manager.Search rejects a query
// with more. Index definitions are not checked against it.
const MaxFilterFields = 16

// Filter is an exact-match predicate a Query can combine with its text
// search: only documents whose field compares equal to Value survive.
type Filter struct {
	Field string
	Value types.Comparable
}

// Query describes one full text search: the text itself plus optional
// exact-match filters and a result cap. The text's last token is
// always treated as a prefix (so a query can match while it's still
// being typed) and every token is always eligible for a fuzzy match,
// at an edit distance that scales with the token's own length so a
// three-letter term isn't swallowed by half the dictionary.
type Query struct {
	Text    string
	Filters []Filter
	Limit   int
}

// fuzzyBudget returns the maximum Levenshtein distance a term of the
// given rune length may still match at: exact only below length 4,
// one edit from length 4 through 6, two edits above that.
func fuzzyBudget(termLen int) int {
	switch {
	case termLen > 6:
		return 2
	case termLen > 3:
		return 1
	default:
		return 0
	}
}

// Hit is one scored result.
type Hit struct {
	Doc   types.InternalId
	Score float64
}

// source is the common read surface Delta and Segment both satisfy,
// letting a single scoring pass run over either without caring which
// one it's reading from.
type source interface {
	postings(term string) ([]Posting, bool)
	matchTerms(lowerBound string, match func(term string) bool) []string
	docLength(id types.InternalId) (int, bool)
	filterValue(id types.InternalId, field string) (types.Comparable, bool)
	stats() (docCount int, avgLen float64)
}

// Search scores every live document across sources against q and
// returns the top hits (capped at q.Limit, and always at
// MaxCandidates), highest score first. Scoring takes each source's
// corpus statistics (doc count, average length, document frequency)
// from that source alone and sums a document's score across every
// source it appears live in, so scores depend on how documents are
// split between sources. A document re-indexed or deleted after a
// Flush stays live in the earlier Segment and can score from both
// that Segment and the live Delta.
func Search(q Query, sources ...source) []Hit {
	terms := Tokenize(q.Text)
	if len(terms) == 0 {
		return nil
	}

	scores := make(map[types.InternalId]float64)
	for _, src := range sources {
		docCount, avgLen := src.stats()
		if docCount == 0 {
			continue
		}
		expanded := expandTerms(src, terms)
		for term, weight := range expanded {
			postings, ok := src.postings(term)
			if !ok {
				continue
			}
			idf := inverseDocFreq(docCount, len(postings))
			for _, p := range postings {
				length, ok := src.docLength(p.Doc)
				if !ok {
					continue
				}
				if !matchesFilters(src, p.Doc, q.Filters) {
					continue
				}
				scores[p.Doc] += weight * bm25Term(idf, p.Freq, length, avgLen)
			}
		}
	}

	hits := make([]Hit, 0, len(scores))
	for doc, score := range scores {
		hits = append(hits, Hit{Doc: doc, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return string(hits[i].Doc[:]) < string(hits[j].Doc[:])
	})

	limit := MaxCandidates
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// expandTerms maps every candidate term src's dictionary can match
// against the query's token list to a combined weight. A token's
// weight is anchored to its offset within the query (earlier tokens
// count for more) rather than to the order sources happen to be
// iterated in, so memory+disk merges are deterministic regardless of
// how writes were split between the live delta and a flushed segment.
// The final token is additionally expanded against every term sharing
// it as a prefix; every token is expanded against terms within its
// length-scaled fuzzy budget.
func expandTerms(src source, terms []string) map[string]float64 {
	weights := make(map[string]float64)
	for i, term := range terms {
		posWeight := 1.0 / float64(i+1)
		weights[term] += posWeight

		if i == len(terms)-1 {
			matches := src.matchTerms(term, func(t string) bool { return strings.HasPrefix(t, term) })
			for _, m := range matches {
				if m != term {
					weights[m] += posWeight * 0.8
				}
			}
		}

		if budget := fuzzyBudget(len([]rune(term))); budget > 0 {
			// No trie/FST structure is available to bound the
			// candidate set, so fuzzy expansion falls back to a full
			// scan of the dictionary via matchTerms("", ...).
			candidates := src.matchTerms("", func(string) bool { return true })
			for _, c := range candidates {
				if c != term && levenshtein(term, c) <= budget {
					weights[c] += posWeight * 0.6
				}
			}
		}
	}
	return weights
}

func matchesFilters(src source, doc types.InternalId, filters []Filter) bool {
	for _, f := range filters {
		v, ok := src.filterValue(doc, f.Field)
		if !ok || v.Compare(f.Value) != 0 {
			return false
		}
	}
	return true
}

func inverseDocFreq(docCount, docFreq int) float64 {
	if docFreq == 0 {
		return 0
	}
	// The +1 offset keeps idf non-negative even when docFreq == docCount.
	return math.Log(1 + (float64(docCount-docFreq)+0.5)/(float64(docFreq)+0.5))
}

func bm25Term(idf float64, freq, docLen int, avgLen float64) float64 {
	f := float64(freq)
	norm := 1 - bm25B + bm25B*(float64(docLen)/avgLen)
	return idf * (f * (bm25K1 + 1)) / (f + bm25K1*norm)
}

// levenshtein computes the classic edit distance between a and b.
func levenshtein(a, b string) int {
	ar, br := []rune(a), []rune(b)
	prev := make([]int, len(br)+1)
	curr := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ar); i++ {
		curr[0] = i
		for j := 1; j <= len(br); j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, min(prev[j]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(br)]
}

// mergedVocabulary is exposed for callers (e.g. a terms-aggregate
// admin endpoint) that want the full set of indexed terms across a
// Delta and its segments without scoring a query.
func mergedVocabulary(sources ...source) []string {
	seen := make(map[string]struct{})
	for _, src := range sources {
		for _, t := range src.matchTerms("", func(string) bool { return true }) {
			seen[t] = struct{}{}
		}
	}
	return maps.Keys(seen)
}
