package summary

import "go.mongodb.org/mongo-driver/v2/bson"

// TypeTag is a BSON value's inferred type, reusing the same tag set as
// the schema validator union (a value's shape is the set of tags its
// fields have taken across every document ever inserted).
type TypeTag string

const (
	TagNull    TypeTag = "null"
	TagNumber  TypeTag = "number"
	TagBigint  TypeTag = "bigint"
	TagBoolean TypeTag = "boolean"
	TagString  TypeTag = "string"
	TagBytes   TypeTag = "bytes"
	TagArray   TypeTag = "array"
	TagObject  TypeTag = "object"
	TagAny     TypeTag = "any"
)

func tagOf(v interface{}) TypeTag {
	switch v.(type) {
	case nil:
		return TagNull
	case float64, float32:
		return TagNumber
	case int64, int32, int:
		return TagBigint
	case bool:
		return TagBoolean
	case string:
		return TagString
	case bson.Binary, []byte:
		return TagBytes
	case bson.A, []interface{}:
		return TagArray
	case bson.M, map[string]interface{}, bson.D:
		return TagObject
	default:
		return TagAny
	}
}

// Shape is the per-tablet inferred union-of-object-types: for every
// top-level field ever observed, the count of documents whose field
// took each type tag. Removing a value must exactly invert the insert
// that added it, so a shape is a pure counting structure, not a set.
type Shape struct {
	Fields map[string]map[TypeTag]int64
}

func NewShape() *Shape {
	return &Shape{Fields: make(map[string]map[TypeTag]int64)}
}

func (s *Shape) insert(doc map[string]interface{}) {
	for field, v := range doc {
		counts, ok := s.Fields[field]
		if !ok {
			counts = make(map[TypeTag]int64)
			s.Fields[field] = counts
		}
		counts[tagOf(v)]++
	}
}

// remove inverts insert(doc). A tag count that drops to zero stays in
// the field's map at zero, and the field entry stays in place, rather
// than being deleted, so a subsequent insert does not need to re-observe
// every prior variant to reconstruct history; count is unaffected by
// this bookkeeping per the "reset of shape leaves count unchanged"
// invariant.
func (s *Shape) remove(doc map[string]interface{}) {
	for field, v := range doc {
		counts, ok := s.Fields[field]
		if !ok {
			continue
		}
		tag := tagOf(v)
		if counts[tag] > 0 {
			counts[tag]--
		}
	}
}

func (s *Shape) clone() *Shape {
	out := NewShape()
	for field, counts := range s.Fields {
		cc := make(map[TypeTag]int64, len(counts))
		for tag, n := range counts {
			cc[tag] = n
		}
		out.Fields[field] = cc
	}
	return out
}
