package cron

import (
	"encoding/hex"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/types"
)

type scheduleWire struct {
	Kind     Kind          `bson:"kind"`
	Interval time.Duration `bson:"interval"`
	Minute   int           `bson:"minute"`
	Hour     int           `bson:"hour"`
	DOW      int           `bson:"dow"`
	Day      int           `bson:"day"`
	Expr     string        `bson:"expr"`
}

func toScheduleWire(s Schedule) scheduleWire {
	return scheduleWire{Kind: s.Kind, Interval: s.Interval, Minute: s.Minute, Hour: s.Hour, DOW: int(s.DOW), Day: s.Day, Expr: s.Expr}
}

func fromScheduleWire(w scheduleWire) Schedule {
	return Schedule{Kind: w.Kind, Interval: w.Interval, Minute: w.Minute, Hour: w.Hour, DOW: time.Weekday(w.DOW), Day: w.Day, Expr: w.Expr}
}

type jobWire struct {
	Id       string       `bson:"id"`
	Name     string       `bson:"name"`
	UdfPath  string       `bson:"udfPath"`
	UdfArgs  []byte       `bson:"udfArgs"`
	IsAction bool         `bson:"isAction"`
	Schedule scheduleWire `bson:"schedule"`
	NextTs   time.Time    `bson:"nextTs"`
	PrevTs   *time.Time   `bson:"prevTs,omitempty"`
	State    State        `bson:"state"`
}

// EncodeJob serializes a Job to the bson bytes the persistence layer
// stores as a document's value.
func EncodeJob(j Job) ([]byte, error) {
	return bson.Marshal(jobWire{
		Id:       hex.EncodeToString(j.Id[:]),
		Name:     j.Name,
		UdfPath:  j.UdfPath,
		UdfArgs:  j.UdfArgs,
		IsAction: j.IsAction,
		Schedule: toScheduleWire(j.Schedule),
		NextTs:   j.NextTs,
		PrevTs:   j.PrevTs,
		State:    j.State,
	})
}

// DecodeJob is EncodeJob's inverse.
func DecodeJob(data []byte) (Job, error) {
	var w jobWire
	if err := bson.Unmarshal(data, &w); err != nil {
		return Job{}, err
	}
	id, err := decodeHexId(w.Id)
	if err != nil {
		return Job{}, err
	}
	return Job{
		Id:       id,
		Name:     w.Name,
		UdfPath:  w.UdfPath,
		UdfArgs:  w.UdfArgs,
		IsAction: w.IsAction,
		Schedule: fromScheduleWire(w.Schedule),
		NextTs:   w.NextTs,
		PrevTs:   w.PrevTs,
		State:    w.State,
	}, nil
}

type logWire struct {
	Id        string    `bson:"id"`
	JobId     string    `bson:"jobId"`
	Name      string    `bson:"name"`
	Status    Status    `bson:"status"`
	ExecTimeS float64   `bson:"execTimeS"`
	Ts        time.Time `bson:"ts"`
}

func EncodeLog(l LogEntry) ([]byte, error) {
	return bson.Marshal(logWire{
		Id:        hex.EncodeToString(l.Id[:]),
		JobId:     hex.EncodeToString(l.JobId[:]),
		Name:      l.Name,
		Status:    l.Status,
		ExecTimeS: l.ExecTimeS,
		Ts:        l.Ts,
	})
}

func DecodeLog(data []byte) (LogEntry, error) {
	var w logWire
	if err := bson.Unmarshal(data, &w); err != nil {
		return LogEntry{}, err
	}
	id, err := decodeHexId(w.Id)
	if err != nil {
		return LogEntry{}, err
	}
	jobId, err := decodeHexId(w.JobId)
	if err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Id: id, JobId: jobId, Name: w.Name, Status: w.Status, ExecTimeS: w.ExecTimeS, Ts: w.Ts}, nil
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
