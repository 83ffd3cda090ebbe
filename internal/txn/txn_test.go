package txn_test

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

func newEngine(t *testing.T) *txn.Engine {
	store, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	rt := runtime.NewFake(time.Unix(0, 1))
	return txn.NewEngine(store, rt, 16)
}

func mustId(b byte) types.InternalId {
	var id types.InternalId
	id[15] = b
	return id
}

func TestCommitThenReadIsVisible(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	tx, err := e.Begin(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	tx.CreateTable("users")
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	id := mustId(1)
	val, _ := bson.Marshal(bson.M{"name": "alice"})
	tx2, err := e.Begin(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	tx2.Insert("users", id, val)
	commitTs, err := tx2.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	tx3, err := e.Begin(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer tx3.Close()
	doc, found, err := tx3.Get(ctx, "users", id)
	if err != nil || !found {
		t.Fatalf("expected document visible after commit at %d, found=%v err=%v", commitTs, found, err)
	}
	if string(doc.Value) != string(val) {
		t.Fatalf("value mismatch: got %s", doc.Value)
	}
}

func TestConcurrentWriteToReadSetCausesOcc(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	setup, _ := e.Begin(ctx, "sys")
	setup.CreateTable("users")
	setup.Commit(ctx)

	id := mustId(7)
	val, _ := bson.Marshal(bson.M{"n": 1})
	seed, _ := e.Begin(ctx, "sys")
	seed.Insert("users", id, val)
	seed.Commit(ctx)

	readerA, err := e.Begin(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := readerA.Get(ctx, "users", id); err != nil {
		t.Fatal(err)
	}

	readerB, err := e.Begin(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	val2, _ := bson.Marshal(bson.M{"n": 2})
	readerB.Replace("users", id, val2)
	if _, err := readerB.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	val3, _ := bson.Marshal(bson.M{"n": 3})
	readerA.Replace("users", id, val3)
	if _, err := readerA.Commit(ctx); err == nil {
		t.Fatal("expected Occ after a concurrent commit touched a read id")
	}
}

func TestRetentionExceeded(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	if _, err := e.AdvanceRetention(ctx, types.Timestamp(1<<62)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Begin(ctx, "late"); err == nil {
		t.Fatal("expected RetentionExceeded when min_snapshot_ts exceeds max_repeatable_ts")
	}
}
