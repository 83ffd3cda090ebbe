package summary

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/types"
)

// Wire field numbers. The snapshot's wire shape is small and fixed
// enough (timestamp, per-tablet totals, per-field type-tag counts) to
// hand-encode against the real protobuf wire-format primitives rather
// than generate a message type through protoc, which this environment
// cannot run.
const (
	fieldSnapshotTs     = 1
	fieldSnapshotTables = 2

	fieldTableTablet    = 1
	fieldTableCount     = 2
	fieldTableTotalSize = 3
	fieldTableFields    = 4

	fieldShapeName = 1
	fieldShapeTags = 2

	fieldTagName  = 1
	fieldTagCount = 2
)

// EncodeSnapshot serializes snap in deterministic field order (tablets
// and field names sorted) so repeated encodes of unchanged state
// produce byte-identical output.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldSnapshotTs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(snap.Ts))

	tablets := make([]types.TabletId, 0, len(snap.Tables))
	for t := range snap.Tables {
		tablets = append(tablets, t)
	}
	sort.Slice(tablets, func(i, j int) bool { return tablets[i] < tablets[j] })

	for _, tablet := range tablets {
		entry := encodeTable(tablet, snap.Tables[tablet])
		b = protowire.AppendTag(b, fieldSnapshotTables, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

func encodeTable(tablet types.TabletId, s *Summary) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTableTablet, protowire.BytesType)
	b = protowire.AppendString(b, string(tablet))
	b = protowire.AppendTag(b, fieldTableCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Count))
	b = protowire.AppendTag(b, fieldTableTotalSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.TotalSize))

	fields := make([]string, 0, len(s.Shape.Fields))
	for f := range s.Shape.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, field := range fields {
		shapeEntry := encodeFieldShape(field, s.Shape.Fields[field])
		b = protowire.AppendTag(b, fieldTableFields, protowire.BytesType)
		b = protowire.AppendBytes(b, shapeEntry)
	}
	return b
}

func encodeFieldShape(field string, counts map[TypeTag]int64) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldShapeName, protowire.BytesType)
	b = protowire.AppendString(b, field)

	tags := make([]TypeTag, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, tag := range tags {
		var tb []byte
		tb = protowire.AppendTag(tb, fieldTagName, protowire.BytesType)
		tb = protowire.AppendString(tb, string(tag))
		tb = protowire.AppendTag(tb, fieldTagCount, protowire.VarintType)
		tb = protowire.AppendVarint(tb, uint64(counts[tag]))

		b = protowire.AppendTag(b, fieldShapeTags, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	return b
}

// DecodeSnapshot parses the wire format EncodeSnapshot produces.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	snap := NewSnapshot(0)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errs.Wrap(protowire.ParseError(n), "decode table summary snapshot: tag")
		}
		data = data[n:]
		switch num {
		case fieldSnapshotTs:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errs.Wrap(protowire.ParseError(n), "decode snapshot ts")
			}
			snap.Ts = types.Timestamp(v)
			data = data[n:]
		case fieldSnapshotTables:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errs.Wrap(protowire.ParseError(n), "decode snapshot table entry")
			}
			tablet, summary, err := decodeTable(v)
			if err != nil {
				return nil, err
			}
			snap.Tables[tablet] = summary
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errs.Wrap(protowire.ParseError(n), "skip unknown snapshot field")
			}
			data = data[n:]
		}
	}
	return snap, nil
}

func decodeTable(data []byte) (types.TabletId, *Summary, error) {
	var tablet types.TabletId
	s := newSummary()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, errs.Wrap(protowire.ParseError(n), "decode table entry: tag")
		}
		data = data[n:]
		switch num {
		case fieldTableTablet:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "decode table tablet id")
			}
			tablet = types.TabletId(v)
			data = data[n:]
		case fieldTableCount:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "decode table count")
			}
			s.Count = int64(v)
			data = data[n:]
		case fieldTableTotalSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "decode table total_size")
			}
			s.TotalSize = int64(v)
			data = data[n:]
		case fieldTableFields:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "decode table field shape")
			}
			field, counts, err := decodeFieldShape(v)
			if err != nil {
				return "", nil, err
			}
			s.Shape.Fields[field] = counts
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "skip unknown table field")
			}
			data = data[n:]
		}
	}
	return tablet, s, nil
}

func decodeFieldShape(data []byte) (string, map[TypeTag]int64, error) {
	var field string
	counts := make(map[TypeTag]int64)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, errs.Wrap(protowire.ParseError(n), "decode field shape: tag")
		}
		data = data[n:]
		switch num {
		case fieldShapeName:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "decode field shape name")
			}
			field = string(v)
			data = data[n:]
		case fieldShapeTags:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "decode field shape tag entry")
			}
			tag, count, err := decodeTagCount(v)
			if err != nil {
				return "", nil, err
			}
			counts[tag] = count
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, errs.Wrap(protowire.ParseError(n), "skip unknown field-shape field")
			}
			data = data[n:]
		}
	}
	return field, counts, nil
}

func decodeTagCount(data []byte) (TypeTag, int64, error) {
	var tag TypeTag
	var count int64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", 0, errs.Wrap(protowire.ParseError(n), "decode tag count: tag")
		}
		data = data[n:]
		switch num {
		case fieldTagName:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", 0, errs.Wrap(protowire.ParseError(n), "decode tag name")
			}
			tag = TypeTag(v)
			data = data[n:]
		case fieldTagCount:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return "", 0, errs.Wrap(protowire.ParseError(n), "decode tag count value")
			}
			count = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", 0, errs.Wrap(protowire.ParseError(n), "skip unknown tag-count field")
			}
			data = data[n:]
		}
	}
	return tag, count, nil
}
