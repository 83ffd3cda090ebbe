package logsink

import "github.com/tessera-db/coredb/internal/types"

// Status is a log sink row's lifecycle state.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusActive     Status = "Active"
	StatusFailed     Status = "Failed"
	StatusTombstoned Status = "Tombstoned"
)

// Row is the persisted control-table document for one sink. Each
// SinkType has at most one live (non-Tombstoned) row at a time; a
// config update inserts a new Pending row and tombstones the old live
// one rather than mutating it in place, so a sink mid-flight is never
// reconfigured out from under itself.
type Row struct {
	Id            types.InternalId
	SinkType      string
	Config        map[string]interface{}
	Status        Status
	FailureReason string
}

// Tablet is the fixed tablet log sink control rows live in.
const Tablet = types.TabletId("_log_sinks")
