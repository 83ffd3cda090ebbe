package logsink

import (
	"context"
	"sync"
	"time"

	"github.com/tessera-db/coredb/internal/metrics"
	"github.com/tessera-db/coredb/internal/obslog"
	"github.com/tessera-db/coredb/internal/retry"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

const (
	eventChannelDepth   = 1024
	perSinkChannelDepth = 256
	aggregationInterval = 200 * time.Millisecond
	drainBatchSize      = 256
	startTimeout        = 5 * time.Second
)

type liveSink struct {
	rowId types.InternalId
	kind  string
	sink  Sink
	ch    chan Event
}

// Manager owns the event channel, the per-sink fanout, and the
// control-table reconciliation loop.
type Manager struct {
	store   *Store
	engine  *txn.Engine
	factory Factory
	rt      runtime.Runtime

	eventCh chan Event

	mu    sync.RWMutex
	live  map[types.InternalId]*liveSink
}

func NewManager(store *Store, engine *txn.Engine, factory Factory, rt runtime.Runtime) *Manager {
	return &Manager{
		store:   store,
		engine:  engine,
		factory: factory,
		rt:      rt,
		eventCh: make(chan Event, eventChannelDepth),
		live:    make(map[types.InternalId]*liveSink),
	}
}

// Enabled reports whether routing is worth the cost of enqueuing: at
// least one sink must be Active. Producers are expected to check this
// before building an Event.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live) > 0
}

// Publish enqueues an event with a non-blocking try-send and always
// returns nil. A full channel drops the event and increments a counter.
// The event channel is never closed, so there is no stopped-manager
// error case.
func (m *Manager) Publish(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.rt.Now()
	}
	select {
	case m.eventCh <- event:
		return nil
	default:
		metrics.LogSinkDroppedEventsTotal.WithLabelValues("manager_full").Inc()
		return nil
	}
}

// Run drives both the aggregation loop and the control-table
// reconciliation loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	done := make(chan error, 2)
	go func() { done <- m.loopForever(ctx, "logsink-aggregate", m.aggregateOnce) }()
	go func() { done <- m.loopForever(ctx, "logsink-control", m.reconcileOnce) }()

	err := <-done
	<-done
	return err
}

// loopForever repeats tick indefinitely, each invocation retried with
// backoff on a system error, until ctx is canceled or tick returns a
// developer or Shutdown error.
func (m *Manager) loopForever(ctx context.Context, component string, tick func(context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := retry.Loop(ctx, m.rt, component, 0, tick); err != nil {
			return err
		}
	}
}

// aggregateOnce sleeps the aggregation interval, drains up to
// drainBatchSize events, and fans them out to every live sink's
// bounded channel.
func (m *Manager) aggregateOnce(ctx context.Context) error {
	if err := m.rt.Sleep(ctx, aggregationInterval); err != nil {
		return err
	}

	var batch []Event
drain:
	for len(batch) < drainBatchSize {
		select {
		case ev := <-m.eventCh:
			batch = append(batch, ev)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ls := range m.live {
		for _, ev := range batch {
			select {
			case ls.ch <- ev:
			default:
				metrics.LogSinkDroppedEventsTotal.WithLabelValues("sink_full").Inc()
			}
		}
	}
	return nil
}

// reconcileOnce waits for the next control-table commit (or a fixed
// poll interval as a fallback) and brings the live sink set in line
// with the control table: delete Tombstoned rows, start Pending rows,
// and demote Active rows whose client died back to Pending.
func (m *Manager) reconcileOnce(ctx context.Context) error {
	invalidated := m.engine.Subscribe()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-invalidated:
	case err := <-waitOrTimeout(ctx, m.rt, 2*time.Second):
		if err != nil {
			return err
		}
	}

	deleted, err := m.store.DeleteTombstoned(ctx)
	if err != nil {
		return err
	}
	if len(deleted) > 0 {
		m.mu.Lock()
		for _, id := range deleted {
			if ls, ok := m.live[id]; ok {
				ls.sink.Stop()
				close(ls.ch)
				delete(m.live, id)
			}
		}
		m.mu.Unlock()
	}

	rows, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			m.startSink(ctx, row)
		case StatusActive:
			m.mu.RLock()
			_, hasClient := m.live[row.Id]
			m.mu.RUnlock()
			if !hasClient {
				// Recovery after restart: no in-memory client for an
				// Active row means the process was restarted; demote so
				// startSink runs again on the next tick.
				if _, err := m.store.UpdateStatus(ctx, row.Id, StatusActive, StatusPending, ""); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *Manager) startSink(ctx context.Context, row Row) {
	sink, err := m.factory(row.SinkType, row.Config)
	if err != nil {
		m.failSink(ctx, row, err)
		return
	}
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := sink.Start(startCtx); err != nil {
		m.failSink(ctx, row, err)
		return
	}

	changed, err := m.store.UpdateStatus(ctx, row.Id, StatusPending, StatusActive, "")
	if err != nil || !changed {
		sink.Stop()
		return
	}

	ls := &liveSink{rowId: row.Id, kind: row.SinkType, sink: sink, ch: make(chan Event, perSinkChannelDepth)}
	m.mu.Lock()
	m.live[row.Id] = ls
	m.mu.Unlock()

	m.rt.Spawn(func() { m.runSink(ls) })
}

func (m *Manager) failSink(ctx context.Context, row Row, cause error) {
	if _, err := m.store.UpdateStatus(ctx, row.Id, StatusPending, StatusFailed, cause.Error()); err != nil {
		obslog.WithComponent("logsink").Error().Err(err).Str("sinkType", row.SinkType).Msg("failed to record sink start failure")
	}
}

func (m *Manager) runSink(ls *liveSink) {
	log := obslog.WithComponent("logsink")
	for batch := range batched(ls.ch) {
		if err := ls.sink.Send(context.Background(), batch); err != nil {
			log.Error().Err(err).Str("sinkType", ls.kind).Msg("sink send failed")
		}
	}
}

// batched folds a channel of individual events into batches, so one
// Send call per drain rather than one per event.
func batched(ch chan Event) <-chan []Event {
	out := make(chan []Event)
	go func() {
		defer close(out)
		for ev := range ch {
			batch := []Event{ev}
		drain:
			for len(batch) < drainBatchSize {
				select {
				case more, ok := <-ch:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			out <- batch
		}
	}()
	return out
}

func waitOrTimeout(ctx context.Context, rt runtime.Runtime, d time.Duration) <-chan error {
	out := make(chan error, 1)
	go func() { out <- rt.Sleep(ctx, d) }()
	return out
}
