// Command coredb runs the embedded database as a single long-lived
// process: persistence, the transaction engine, and the cron, log
// sink, search-flush, and retention background loops, all wired from
// one Config the way cmd/warren wires a manager or worker node from
// its own flag set.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tessera-db/coredb/internal/blob"
	"github.com/tessera-db/coredb/internal/config"
	"github.com/tessera-db/coredb/internal/cron"
	"github.com/tessera-db/coredb/internal/function"
	"github.com/tessera-db/coredb/internal/logsink"
	"github.com/tessera-db/coredb/internal/obslog"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/persistence/pebblestore"
	"github.com/tessera-db/coredb/internal/retry"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/schema"
	"github.com/tessera-db/coredb/internal/search"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coredb",
	Short:   "coredb is an embedded, transactional document database",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("coredb version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	defaults := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", defaults.LogJSON, "Output logs in JSON format")
	flags.String("data-dir", defaults.DataDir, "Directory the persistence backend stores data under")
	flags.String("persistence-backend", defaults.PersistenceBackend, "Persistence backend (memstore or pebblestore)")
	flags.String("metrics-addr", defaults.MetricsAddr, "Address the Prometheus metrics endpoint listens on")
	flags.Int("committer-queue-depth", defaults.CommitterQueueDepth, "Maximum commits waiting for a committer slot")
	flags.Duration("retention-window", defaults.RetentionWindow, "How far behind the current time the retention floor trails (never past the oldest active transaction)")
	flags.Int("cron-parallelism", defaults.CronParallelism, "Maximum cron jobs executing concurrently")
	flags.Duration("logsink-aggregation-interval", defaults.LogSinkAggregationInterval, "Log sink aggregation interval (not read by the log sink manager, which drains events on a fixed 200ms interval)")
	flags.Duration("search-flush-interval", defaults.SearchFlushInterval, "How often a search index's in-memory delta is frozen to a segment")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	obslog.Init(obslog.Config{Level: obslog.Level(level), JSONOutput: jsonOutput})
}

func configFromFlags(cmd *cobra.Command) config.Config {
	cfg := config.Default()
	cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	cfg.PersistenceBackend, _ = cmd.Flags().GetString("persistence-backend")
	cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	cfg.CommitterQueueDepth, _ = cmd.Flags().GetInt("committer-queue-depth")
	cfg.RetentionWindow, _ = cmd.Flags().GetDuration("retention-window")
	cfg.CronParallelism, _ = cmd.Flags().GetInt("cron-parallelism")
	cfg.LogSinkAggregationInterval, _ = cmd.Flags().GetDuration("logsink-aggregation-interval")
	cfg.SearchFlushInterval, _ = cmd.Flags().GetDuration("search-flush-interval")
	return cfg
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coredb service",
	Long:  "Start persistence, the transaction engine, and the cron, log sink, search-flush, and retention background loops, and block until interrupted.",
	RunE:  runStart,
}

func openStore(cfg config.Config) (persistence.Store, error) {
	switch cfg.PersistenceBackend {
	case "pebblestore":
		return pebblestore.Open(cfg.DataDir)
	case "memstore":
		return memstore.Open(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.PersistenceBackend)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg := configFromFlags(cmd)
	rt := runtime.Real{}
	log := obslog.Logger.With().Str("component", "main").Logger()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer store.Close()

	schemaMgr := schema.NewManager()
	engine := txn.NewEngine(store, rt, cfg.CommitterQueueDepth, txn.WithSchemaEnforcer(schemaMgr))
	defer engine.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cronStore := cron.NewStore(engine)
	if err := cronStore.EnsureTables(ctx); err != nil {
		return fmt.Errorf("ensure cron tables: %w", err)
	}
	cronExecutor := cron.NewExecutor(cronStore, engine, function.Stub{}, rt, cfg.CronParallelism)

	logSinkStore := logsink.NewStore(engine)
	if err := logSinkStore.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure log sink table: %w", err)
	}
	logSinkMgr := logsink.NewManager(logSinkStore, engine, noopSinkFactory, rt)

	blobStore := blob.NewMemoryStore()
	searchMgr := search.NewManager("default", blobStore, rt)

	runBackground(ctx, rt, log, "cron", func(ctx context.Context) error {
		return retry.Loop(ctx, rt, "cron", 0, cronExecutor.Run)
	})
	runBackground(ctx, rt, log, "logsink", func(ctx context.Context) error {
		return retry.Loop(ctx, rt, "logsink", 0, logSinkMgr.Run)
	})
	runBackground(ctx, rt, log, "search-flush", func(ctx context.Context) error {
		return retry.Loop(ctx, rt, "search-flush", 0, func(ctx context.Context) error {
			return flushLoop(ctx, rt, cfg.SearchFlushInterval, searchMgr.Flush)
		})
	})
	runBackground(ctx, rt, log, "retention", func(ctx context.Context) error {
		return retry.Loop(ctx, rt, "retention", 0, func(ctx context.Context) error {
			return retentionLoop(ctx, rt, cfg.RetentionWindow, engine)
		})
	})

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
	log.Info().Str("backend", cfg.PersistenceBackend).Str("data_dir", cfg.DataDir).Msg("coredb started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	return nil
}

// runBackground starts fn on its own goroutine under rt.Spawn and logs
// its terminal error, if any, once ctx is canceled or fn gives up.
func runBackground(ctx context.Context, rt runtime.Runtime, log zerolog.Logger, name string, fn func(context.Context) error) {
	rt.Spawn(func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker", name).Msg("background worker exited")
		}
	})
}

// flushLoop ticks Flush every interval until ctx is canceled.
func flushLoop(ctx context.Context, rt runtime.Runtime, interval time.Duration, flush func(context.Context) error) error {
	for {
		if err := rt.Sleep(ctx, interval); err != nil {
			return err
		}
		if err := flush(ctx); err != nil {
			return err
		}
	}
}

// retentionLoop advances the commit retention floor every window/4
// (aggressively enough that a 1h window prunes in ~15m increments)
// until ctx is canceled.
func retentionLoop(ctx context.Context, rt runtime.Runtime, window time.Duration, engine *txn.Engine) error {
	tick := window / 4
	if tick <= 0 {
		tick = time.Minute
	}
	for {
		if err := rt.Sleep(ctx, tick); err != nil {
			return err
		}
		candidate := types.Timestamp(rt.Now().Add(-window).UnixNano())
		if _, err := engine.AdvanceRetention(ctx, candidate); err != nil {
			return err
		}
	}
}

// noopSinkFactory is the default logsink.Factory for a deployment that
// has not wired an external log sink (Datadog, Axiom, a webhook):
// every sink just logs that it would have delivered its batch.
func noopSinkFactory(sinkType string, cfg map[string]interface{}) (logsink.Sink, error) {
	return &loggingSink{sinkType: sinkType}, nil
}

type loggingSink struct {
	sinkType string
}

func (s *loggingSink) Start(ctx context.Context) error { return nil }

func (s *loggingSink) Send(ctx context.Context, events []logsink.Event) error {
	obslog.Logger.Debug().Str("sink_type", s.sinkType).Int("events", len(events)).Msg("log sink delivery (no external sink configured)")
	return nil
}

func (s *loggingSink) Stop() {}
