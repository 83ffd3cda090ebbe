package logsink

import (
	"encoding/hex"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/types"
)

type rowWire struct {
	Id            string         `bson:"id"`
	SinkType      string         `bson:"sinkType"`
	Config        map[string]any `bson:"config"`
	Status        Status         `bson:"status"`
	FailureReason string         `bson:"failureReason,omitempty"`
}

func EncodeRow(r Row) ([]byte, error) {
	return bson.Marshal(rowWire{
		Id:            hex.EncodeToString(r.Id[:]),
		SinkType:      r.SinkType,
		Config:        r.Config,
		Status:        r.Status,
		FailureReason: r.FailureReason,
	})
}

func DecodeRow(data []byte) (Row, error) {
	var w rowWire
	if err := bson.Unmarshal(data, &w); err != nil {
		return Row{}, err
	}
	id, err := decodeHexId(w.Id)
	if err != nil {
		return Row{}, err
	}
	return Row{Id: id, SinkType: w.SinkType, Config: w.Config, Status: w.Status, FailureReason: w.FailureReason}, nil
}

func decodeHexId(s string) (types.InternalId, error) {
	var id types.InternalId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}
