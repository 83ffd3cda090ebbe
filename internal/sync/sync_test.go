package sync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/function"
	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/runtime"
	syncpkg "github.com/tessera-db/coredb/internal/sync"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

// fakeQueries evaluates accountBalance("alice") against an in-memory
// balance map, the way a real QueryRunner would evaluate against a
// transaction snapshot.
type fakeQueries struct {
	mu       sync.Mutex
	balances map[string]int
}

func (q *fakeQueries) RunQuery(ctx context.Context, ts types.Timestamp, path string, args []byte) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	balance := q.balances[path]
	val, _ := bson.Marshal(bson.M{"balance": balance})
	return val, nil
}

func (q *fakeQueries) deposit(path string, amount int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.balances[path] += amount
}

type depositRunner struct {
	queries *fakeQueries
	calls   int
}

func (r *depositRunner) RunQuery(ctx context.Context, path string, args []byte) ([]byte, error) {
	return []byte{}, nil
}

func (r *depositRunner) RunMutation(ctx context.Context, path string, args []byte) ([]byte, error) {
	r.calls++
	r.queries.deposit("alice", 50)
	return []byte("ok"), nil
}

func (r *depositRunner) RunAction(ctx context.Context, path string, args []byte) ([]byte, error) {
	return []byte{}, nil
}

var _ function.Runner = (*depositRunner)(nil)

func newEngine(t *testing.T) *txn.Engine {
	t.Helper()
	store, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	rt := runtime.NewFake(time.Unix(1700000000, 0))
	return txn.NewEngine(store, rt, 16)
}

func TestModifyQuerySetRejectsStaleBaseVersion(t *testing.T) {
	engine := newEngine(t)
	queries := &fakeQueries{balances: map[string]int{"alice": 100}}
	send := make(chan syncpkg.ServerMessage, 8)
	w := syncpkg.NewWorker(engine, queries, &depositRunner{queries: queries}, runtime.NewFake(time.Unix(0, 0)), "alice", send)

	msgs := make(chan syncpkg.ClientMessage, 1)
	msgs <- syncpkg.ClientMessage{ModifyQuerySet: &syncpkg.ModifyQuerySet{
		BaseVersion: 7,
		Ops:         []syncpkg.QuerySetOp{{Add: &syncpkg.AddQuery{Id: 0, Path: "alice"}}},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := w.Run(ctx, msgs)
	if err == nil {
		t.Fatal("expected a version mismatch error")
	}
	var mismatch *errs.QuerySetVersionMismatch
	if !asMismatch(err, &mismatch) {
		t.Fatalf("expected QuerySetVersionMismatch, got %v (%T)", err, err)
	}

	select {
	case msg := <-send:
		if msg.Hangup == nil {
			t.Fatalf("expected a Hangup message, got %+v", msg)
		}
	default:
		t.Fatal("expected a Hangup message to have been sent")
	}
}

func asMismatch(err error, target **errs.QuerySetVersionMismatch) bool {
	if m, ok := err.(*errs.QuerySetVersionMismatch); ok {
		*target = m
		return true
	}
	return false
}

func TestSubscribeThenMutationEmitsDiffOnlyTransition(t *testing.T) {
	engine := newEngine(t)
	queries := &fakeQueries{balances: map[string]int{"alice": 100}}
	runner := &depositRunner{queries: queries}
	send := make(chan syncpkg.ServerMessage, 8)
	w := syncpkg.NewWorker(engine, queries, runner, runtime.NewFake(time.Unix(0, 0)), "alice", send)

	msgs := make(chan syncpkg.ClientMessage, 4)
	msgs <- syncpkg.ClientMessage{ModifyQuerySet: &syncpkg.ModifyQuerySet{
		BaseVersion: 0,
		Ops:         []syncpkg.QuerySetOp{{Add: &syncpkg.AddQuery{Id: 0, Path: "alice"}}},
	}}
	msgs <- syncpkg.ClientMessage{Mutation: &syncpkg.Mutation{RequestId: "req-1", Path: "deposit:alice"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, msgs) }()

	first := mustRecv(t, send)
	if first.Transition == nil || len(first.Transition.Modifications) != 1 {
		t.Fatalf("expected one modification on subscribe, got %+v", first)
	}
	if first.Transition.Modifications[0].Kind != syncpkg.QueryUpdated {
		t.Fatalf("expected QueryUpdated, got %v", first.Transition.Modifications[0].Kind)
	}

	mutationResp := mustRecv(t, send)
	if mutationResp.MutationResponse == nil || mutationResp.MutationResponse.RequestId != "req-1" {
		t.Fatalf("expected a MutationResponse for req-1, got %+v", mutationResp)
	}

	second := mustRecv(t, send)
	if second.Transition == nil || len(second.Transition.Modifications) != 1 {
		t.Fatalf("expected exactly one diff after the deposit, got %+v", second)
	}

	cancel()
	close(msgs)
	<-done

	if runner.calls != 1 {
		t.Fatalf("expected the mutation to run exactly once, got %d", runner.calls)
	}
}

func mustRecv(t *testing.T, ch <-chan syncpkg.ServerMessage) syncpkg.ServerMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a server message")
		panic("unreachable")
	}
}
