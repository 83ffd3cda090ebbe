package cron

import (
	"time"

	"github.com/google/uuid"

	"github.com/tessera-db/coredb/internal/types"
)

// State is a cron job's run state.
type State string

const (
	StatePending    State = "Pending"
	StateInProgress State = "InProgress"
)

// Status is the outcome recorded in a job's run log.
type Status struct {
	Kind        string `bson:"kind"` // "success", "error", "canceled"
	Result      string `bson:"result"`
	NumCanceled int    `bson:"numCanceled"` // set only for Kind == "canceled"
}

// Job is the persisted cron job document. Its internal id (like every
// id elsewhere in the engine) is kept out of the bson struct tags and
// encoded as a hex string explicitly by codec.go, since the driver's
// default codec would otherwise serialize a [16]byte array element by
// element instead of as an opaque id.
type Job struct {
	Id       types.InternalId
	Name     string
	UdfPath  string
	UdfArgs  []byte
	IsAction bool
	Schedule Schedule
	NextTs   time.Time
	PrevTs   *time.Time
	State    State
}

// Tablet is the fixed tablet cron job documents live in.
const Tablet = types.TabletId("_cron_jobs")

// LogTablet is the fixed tablet cron run logs live in.
const LogTablet = types.TabletId("_cron_job_logs")

// LogEntry is one completed (or skipped) run.
type LogEntry struct {
	Id        types.InternalId
	JobId     types.InternalId
	Name      string
	Status    Status
	ExecTimeS float64
	Ts        time.Time
}

func newInternalId() types.InternalId {
	return types.InternalId(uuid.New())
}
