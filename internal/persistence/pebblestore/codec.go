package pebblestore

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
)

// wireRevisionPair is the bson-encoded shape stored under a revision key.
// Document values are carried as raw bytes (already-encoded BSON objects),
// so this struct only frames the envelope.
type wireRevisionPair struct {
	TabletId     string `bson:"tablet"`
	Id           []byte `bson:"id"`
	Ts           int64  `bson:"ts"`
	HasPrev      bool   `bson:"has_prev"`
	PrevTs       int64  `bson:"prev_ts"`
	PrevValue    []byte `bson:"prev_value"`
	HasCurr      bool   `bson:"has_curr"`
	CurrValue    []byte `bson:"curr_value"`
}

func encodeRevisionPair(p persistence.RevisionPair) ([]byte, error) {
	w := wireRevisionPair{
		TabletId: string(p.Id.TabletId),
		Id:       p.Id.InternalId[:],
		Ts:       int64(p.Ts),
	}
	if p.Prev != nil {
		w.HasPrev = true
		w.PrevTs = int64(p.Prev.CreationTime)
		w.PrevValue = p.Prev.Value
	}
	if p.Curr != nil {
		w.HasCurr = true
		w.CurrValue = p.Curr.Value
	}
	data, err := bson.Marshal(w)
	if err != nil {
		return nil, errs.Wrap(err, "encode revision pair")
	}
	return data, nil
}

func decodeRevisionPair(data []byte) (*persistence.RevisionPair, error) {
	var w wireRevisionPair
	if err := bson.Unmarshal(data, &w); err != nil {
		return nil, errs.Wrap(err, "decode revision pair")
	}
	var id types.InternalId
	copy(id[:], w.Id)
	docId := types.DocumentId{TabletId: types.TabletId(w.TabletId), InternalId: id}

	pair := &persistence.RevisionPair{Id: docId, Ts: types.Timestamp(w.Ts)}
	if w.HasPrev {
		pair.Prev = &persistence.Document{Id: docId, CreationTime: types.Timestamp(w.PrevTs), Value: w.PrevValue}
	}
	if w.HasCurr {
		pair.Curr = &persistence.Document{Id: docId, CreationTime: pair.Ts, Value: w.CurrValue}
	}
	return pair, nil
}
