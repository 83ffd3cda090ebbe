package logsink_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tessera-db/coredb/internal/logsink"
	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/txn"
)

type recordingSink struct {
	mu      sync.Mutex
	started bool
	events  []logsink.Event
}

func (s *recordingSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *recordingSink) Send(ctx context.Context, events []logsink.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) Stop() {}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func pumpClock(t *testing.T, rt *runtime.Fake) func() {
	t.Helper()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				rt.Advance(50 * time.Millisecond)
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()
	return func() { close(stop) }
}

func TestManagerStartsPendingSinkAndRoutesEvents(t *testing.T) {
	store, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	rt := runtime.NewFake(time.Unix(1700000000, 0))
	engine := txn.NewEngine(store, rt, 16)
	sinkStore := logsink.NewStore(engine)
	ctx := context.Background()
	if err := sinkStore.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	factory := func(sinkType string, config map[string]interface{}) (logsink.Sink, error) {
		return sink, nil
	}

	if _, err := sinkStore.Create(ctx, "webhook", map[string]interface{}{"url": "http://example.test"}); err != nil {
		t.Fatal(err)
	}

	mgr := logsink.NewManager(sinkStore, engine, factory, rt)

	runCtx, cancel := context.WithCancel(ctx)
	stopPump := pumpClock(t, rt)
	defer stopPump()

	done := make(chan error, 1)
	go func() { done <- mgr.Run(runCtx) }()

	waitForTrue(t, func() bool { return mgr.Enabled() })

	if err := mgr.Publish(logsink.Event{Level: "info", Component: "txn", Message: "committed"}); err != nil {
		t.Fatal(err)
	}

	waitForTrue(t, func() bool { return sink.count() > 0 })

	cancel()
	<-done

	sink.mu.Lock()
	started := sink.started
	sink.mu.Unlock()
	if !started {
		t.Fatal("expected sink.Start to have been called")
	}

	rows, err := sinkStore.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != logsink.StatusActive {
		t.Fatalf("expected exactly one Active row, got %+v", rows)
	}
}

func waitForTrue(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
