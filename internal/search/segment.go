package search

import (
	"sort"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/types"
)

// Segment is a frozen, read-only view of a Delta as it was at the
// moment it was flushed: plain Go maps rather than a B+Tree, since a
// Segment is never mutated again and a sorted slice plus binary
// search serves matchTerms just as well once build cost no longer
// matters.
type Segment struct {
	terms []segmentTerm // sorted by term
	docs  map[types.InternalId]*docEntry

	totalDocs int
	totalLen  int
}

type segmentTerm struct {
	term     string
	postings []Posting
}

// Freeze converts d into an immutable Segment, snapshotting its
// current contents. The Delta itself is left untouched; callers that
// want to start a fresh Delta after flushing do so by swapping in a
// new one, the same log-then-swap discipline used elsewhere for
// replacing an exhausted in-memory structure.
func (d *Delta) Freeze() *Segment {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seg := &Segment{
		docs:      make(map[types.InternalId]*docEntry, len(d.docs)),
		totalDocs: d.totalDocs,
		totalLen:  d.totalLen,
	}
	for id, e := range d.docs {
		if e.deleted {
			continue
		}
		cp := *e
		seg.docs[id] = &cp
	}

	seg.terms = make([]segmentTerm, 0, len(d.termList))
	terms := d.collectTermsLocked()
	for _, term := range terms {
		ptr, _ := d.terms.Get(types.StringKey(term))
		entry := d.termList[ptr]
		live := make([]Posting, 0, len(entry.postings))
		for _, p := range entry.postings {
			if doc, ok := seg.docs[p.Doc]; ok && !doc.deleted {
				live = append(live, p)
			}
		}
		if len(live) > 0 {
			seg.terms = append(seg.terms, segmentTerm{term: term, postings: live})
		}
	}
	sort.Slice(seg.terms, func(i, j int) bool { return seg.terms[i].term < seg.terms[j].term })
	return seg
}

// collectTermsLocked walks the whole term dictionary via the leaf
// chain; the caller must already hold d.mu for reading.
func (d *Delta) collectTermsLocked() []string {
	var out []string
	leaf, idx := d.terms.FindLeafLowerBound(nil)
	for leaf != nil {
		for ; idx < leaf.N; idx++ {
			out = append(out, string(leaf.Keys[idx].(types.StringKey)))
		}
		next := leaf.Next
		if next != nil {
			next.RLock()
		}
		leaf.RUnlock()
		leaf = next
		idx = 0
	}
	return out
}

func (s *Segment) postings(term string) ([]Posting, bool) {
	i := sort.Search(len(s.terms), func(i int) bool { return s.terms[i].term >= term })
	if i < len(s.terms) && s.terms[i].term == term {
		return s.terms[i].postings, true
	}
	return nil, false
}

func (s *Segment) matchTerms(lowerBound string, match func(term string) bool) []string {
	i := sort.Search(len(s.terms), func(i int) bool { return s.terms[i].term >= lowerBound })
	var out []string
	for ; i < len(s.terms); i++ {
		if !match(s.terms[i].term) {
			break
		}
		out = append(out, s.terms[i].term)
	}
	return out
}

func (s *Segment) docLength(id types.InternalId) (int, bool) {
	e, ok := s.docs[id]
	if !ok {
		return 0, false
	}
	return e.length, true
}

func (s *Segment) filterValue(id types.InternalId, field string) (types.Comparable, bool) {
	e, ok := s.docs[id]
	if !ok {
		return nil, false
	}
	v, ok := e.filters[field]
	return v, ok
}

func (s *Segment) stats() (docCount int, avgLen float64) {
	if s.totalDocs == 0 {
		return 0, 0
	}
	return s.totalDocs, float64(s.totalLen) / float64(s.totalDocs)
}

// Wire field numbers for the segment format.
const (
	fieldSegmentDoc       = 1
	fieldSegmentTerm      = 2
	fieldDocId            = 1
	fieldDocLength        = 2
	fieldDocFilter        = 3
	fieldTermName         = 1
	fieldTermPosting      = 2
	fieldPostingDoc       = 1
	fieldPostingFreq      = 2
	fieldFilterFieldName  = 1
	fieldFilterFieldValue = 2
)

var segmentZstdEncoder, _ = zstd.NewWriter(nil)
var segmentZstdDecoder, _ = zstd.NewReader(nil)

// EncodeSegment serializes seg into a self-contained, zstd-compressed
// byte slice ready to hand to a blob store or local file. Field
// values are tagged with their types.Comparable kind so DecodeSegment
// can reconstruct filter predicates without a schema lookup.
func EncodeSegment(seg *Segment) ([]byte, error) {
	var b []byte

	ids := make([]types.InternalId, 0, len(seg.docs))
	for id := range seg.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return string(ids[i][:]) < string(ids[j][:]) })

	for _, id := range ids {
		entry := encodeSegmentDoc(id, seg.docs[id])
		b = protowire.AppendTag(b, fieldSegmentDoc, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	for _, t := range seg.terms {
		entry := encodeSegmentTerm(t)
		b = protowire.AppendTag(b, fieldSegmentTerm, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	return segmentZstdEncoder.EncodeAll(b, nil), nil
}

func encodeSegmentDoc(id types.InternalId, e *docEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDocId, protowire.BytesType)
	b = protowire.AppendBytes(b, id[:])
	b = protowire.AppendTag(b, fieldDocLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.length))

	fields := make([]string, 0, len(e.filters))
	for f := range e.filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		fb := encodeFilterField(f, e.filters[f])
		b = protowire.AppendTag(b, fieldDocFilter, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b
}

func encodeFilterField(field string, v types.Comparable) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldFilterFieldName, protowire.BytesType)
	b = protowire.AppendString(b, field)
	b = protowire.AppendTag(b, fieldFilterFieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeComparable(v))
	return b
}

func encodeSegmentTerm(t segmentTerm) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTermName, protowire.BytesType)
	b = protowire.AppendString(b, t.term)
	for _, p := range t.postings {
		pb := encodePosting(p)
		b = protowire.AppendTag(b, fieldTermPosting, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	return b
}

func encodePosting(p Posting) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPostingDoc, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Doc[:])
	b = protowire.AppendTag(b, fieldPostingFreq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Freq))
	return b
}

// DecodeSegment parses the format EncodeSegment produces.
func DecodeSegment(data []byte) (*Segment, error) {
	raw, err := segmentZstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errs.Wrap(err, "decompress search segment")
	}

	seg := &Segment{docs: make(map[types.InternalId]*docEntry)}
	var terms []segmentTerm

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, errs.Wrap(protowire.ParseError(n), "decode search segment: tag")
		}
		raw = raw[n:]
		switch num {
		case fieldSegmentDoc:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, errs.Wrap(protowire.ParseError(n), "decode search segment doc")
			}
			id, e, err := decodeSegmentDoc(v)
			if err != nil {
				return nil, err
			}
			seg.docs[id] = e
			seg.totalDocs++
			seg.totalLen += e.length
			raw = raw[n:]
		case fieldSegmentTerm:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, errs.Wrap(protowire.ParseError(n), "decode search segment term")
			}
			t, err := decodeSegmentTerm(v)
			if err != nil {
				return nil, err
			}
			terms = append(terms, t)
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, errs.Wrap(protowire.ParseError(n), "skip unknown search segment field")
			}
			raw = raw[n:]
		}
	}

	sort.Slice(terms, func(i, j int) bool { return terms[i].term < terms[j].term })
	seg.terms = terms
	return seg, nil
}

func decodeSegmentDoc(data []byte) (types.InternalId, *docEntry, error) {
	var id types.InternalId
	e := &docEntry{filters: make(map[string]types.Comparable)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return id, nil, errs.Wrap(protowire.ParseError(n), "decode search segment doc: tag")
		}
		data = data[n:]
		switch num {
		case fieldDocId:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return id, nil, errs.Wrap(protowire.ParseError(n), "decode search segment doc id")
			}
			copy(id[:], v)
			data = data[n:]
		case fieldDocLength:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return id, nil, errs.Wrap(protowire.ParseError(n), "decode search segment doc length")
			}
			e.length = int(v)
			data = data[n:]
		case fieldDocFilter:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return id, nil, errs.Wrap(protowire.ParseError(n), "decode search segment doc filter")
			}
			field, value, err := decodeFilterField(v)
			if err != nil {
				return id, nil, err
			}
			e.filters[field] = value
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return id, nil, errs.Wrap(protowire.ParseError(n), "skip unknown search segment doc field")
			}
			data = data[n:]
		}
	}
	return id, e, nil
}

func decodeFilterField(data []byte) (string, types.Comparable, error) {
	var field string
	var value types.Comparable
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, errs.Wrap(protowire.ParseError(n), "decode search segment filter field: tag")
		}
		data = data[n:]
		switch num {
		case fieldFilterFieldName:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "decode search segment filter field name")
			}
			field = string(v)
			data = data[n:]
		case fieldFilterFieldValue:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "decode search segment filter field value")
			}
			comparable, err := decodeComparable(v)
			if err != nil {
				return "", nil, err
			}
			value = comparable
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "skip unknown search segment filter field")
			}
			data = data[n:]
		}
	}
	return field, value, nil
}

func decodeSegmentTerm(data []byte) (segmentTerm, error) {
	var t segmentTerm
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return t, errs.Wrap(protowire.ParseError(n), "decode search segment term: tag")
		}
		data = data[n:]
		switch num {
		case fieldTermName:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return t, errs.Wrap(protowire.ParseError(n), "decode search segment term name")
			}
			t.term = string(v)
			data = data[n:]
		case fieldTermPosting:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return t, errs.Wrap(protowire.ParseError(n), "decode search segment term posting")
			}
			p, err := decodePosting(v)
			if err != nil {
				return t, err
			}
			t.postings = append(t.postings, p)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return t, errs.Wrap(protowire.ParseError(n), "skip unknown search segment term field")
			}
			data = data[n:]
		}
	}
	return t, nil
}

func decodePosting(data []byte) (Posting, error) {
	var p Posting
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, errs.Wrap(protowire.ParseError(n), "decode search posting: tag")
		}
		data = data[n:]
		switch num {
		case fieldPostingDoc:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, errs.Wrap(protowire.ParseError(n), "decode search posting doc")
			}
			copy(p.Doc[:], v)
			data = data[n:]
		case fieldPostingFreq:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, errs.Wrap(protowire.ParseError(n), "decode search posting freq")
			}
			p.Freq = int(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, errs.Wrap(protowire.ParseError(n), "skip unknown search posting field")
			}
			data = data[n:]
		}
	}
	return p, nil
}
