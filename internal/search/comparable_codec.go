package search

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/types"
)

// comparable kind tags, one byte each, prefixing the encoded payload
// so a segment's filter values round-trip through types.Comparable
// without a schema lookup at decode time.
const (
	comparableInt byte = iota
	comparableString
	comparableFloat
	comparableBool
	comparableTime
)

func encodeComparable(v types.Comparable) []byte {
	switch k := v.(type) {
	case types.IntKey:
		buf := make([]byte, 9)
		buf[0] = comparableInt
		binary.BigEndian.PutUint64(buf[1:], uint64(k))
		return buf
	case types.StringKey:
		buf := make([]byte, 1+len(k))
		buf[0] = comparableString
		copy(buf[1:], k)
		return buf
	case types.FloatKey:
		buf := make([]byte, 9)
		buf[0] = comparableFloat
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(float64(k)))
		return buf
	case types.BoolKey:
		var b byte
		if k {
			b = 1
		}
		return []byte{comparableBool, b}
	case types.TimeKey:
		buf := make([]byte, 9)
		buf[0] = comparableTime
		binary.BigEndian.PutUint64(buf[1:], uint64(time.Time(k).UnixNano()))
		return buf
	default:
		return []byte{comparableString}
	}
}

func decodeComparable(data []byte) (types.Comparable, error) {
	if len(data) == 0 {
		return nil, &errs.InvalidArgument{Message: "empty filter field value"}
	}
	tag, payload := data[0], data[1:]
	switch tag {
	case comparableInt:
		if len(payload) != 8 {
			return nil, &errs.InvalidArgument{Message: "malformed int filter field value"}
		}
		return types.IntKey(binary.BigEndian.Uint64(payload)), nil
	case comparableString:
		return types.StringKey(payload), nil
	case comparableFloat:
		if len(payload) != 8 {
			return nil, &errs.InvalidArgument{Message: "malformed float filter field value"}
		}
		return types.FloatKey(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case comparableBool:
		if len(payload) != 1 {
			return nil, &errs.InvalidArgument{Message: "malformed bool filter field value"}
		}
		return types.BoolKey(payload[0] != 0), nil
	case comparableTime:
		if len(payload) != 8 {
			return nil, &errs.InvalidArgument{Message: "malformed time filter field value"}
		}
		return types.TimeKey(time.Unix(0, int64(binary.BigEndian.Uint64(payload))).UTC()), nil
	default:
		return nil, &errs.InvalidArgument{Message: "unknown filter field value tag"}
	}
}
