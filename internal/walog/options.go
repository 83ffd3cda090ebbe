package walog

import "time"

// SyncPolicy controls the durability/throughput tradeoff of Writer.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every append: safest, slowest.
	SyncEveryWrite SyncPolicy = iota
	// SyncInterval fsyncs on a background timer.
	SyncInterval
	// SyncBatch fsyncs once buffered bytes cross a threshold.
	SyncBatch
)

// Options configures a Writer.
type Options struct {
	BufferSize           int
	SyncPolicy           SyncPolicy
	SyncIntervalDuration time.Duration
	SyncBatchBytes       int64
}

// DefaultOptions returns a balanced configuration: periodic background
// fsync, matching the persistence layer's default durability contract.
func DefaultOptions() Options {
	return Options{
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
