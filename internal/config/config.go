// Package config holds the process-wide settings cmd/coredb parses from
// flags and wires into every subsystem constructor.
package config

import "time"

// Config is the root configuration, one field group per subsystem.
type Config struct {
	DataDir    string
	LogLevel   string
	LogJSON    bool
	MetricsAddr string

	PersistenceBackend string // "memstore" or "pebblestore"

	CommitterQueueDepth int
	RetentionWindow     time.Duration

	CronParallelism int

	LogSinkAggregationInterval time.Duration
	LogSinkChannelDepth        int
	LogSinkPerSinkChannelDepth int

	SearchFlushInterval time.Duration

	BlobMinPartSize int64
	BlobMaxPartSize int64
}

// Default returns the configuration a fresh embedded deployment starts
// from; cmd/coredb overlays flag values on top of it.
func Default() Config {
	return Config{
		DataDir:                    "./data",
		LogLevel:                   "info",
		LogJSON:                    false,
		MetricsAddr:                ":9090",
		PersistenceBackend:         "pebblestore",
		CommitterQueueDepth:        256,
		RetentionWindow:            1 * time.Hour,
		CronParallelism:            8,
		LogSinkAggregationInterval: 250 * time.Millisecond,
		LogSinkChannelDepth:        1024,
		LogSinkPerSinkChannelDepth: 256,
		SearchFlushInterval:        30 * time.Second,
		BlobMinPartSize:            5 << 20,
		BlobMaxPartSize:            5 << 30,
	}
}
