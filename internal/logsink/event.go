// Package logsink routes an in-process stream of structured log events
// to a configurable set of external destinations, and drives their
// start/stop state machine transactionally. Event fanout follows a
// bounded-broker shape: a bounded producer channel, per-subscriber
// bounded channels, drop-on-full.
package logsink

import "time"

// Event is one structured log record produced anywhere in the engine
// (the committer, cron executor, search flusher, ...) and routed to
// every active sink.
type Event struct {
	Timestamp time.Time
	Level     string
	Component string
	Message   string
	Fields    map[string]interface{}
}
