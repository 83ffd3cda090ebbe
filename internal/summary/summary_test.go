package summary_test

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/summary"
	"github.com/tessera-db/coredb/internal/types"
)

func mustId(b byte) types.InternalId {
	var id types.InternalId
	id[15] = b
	return id
}

func write(t *testing.T, s *memstore.Store, tablet types.TabletId, id types.InternalId, value []byte, ts types.Timestamp) {
	t.Helper()
	if err := s.Write(context.Background(), persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: types.DocumentId{TabletId: tablet, InternalId: id}, Value: value}}}, ts); err != nil {
		t.Fatal(err)
	}
}

func TestBootstrapForwardMatchesFullScan(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("accounts")
	s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1)

	v1, _ := bson.Marshal(bson.M{"balance": float64(100)})
	write(t, s, tablet, mustId(1), v1, 2)
	v2, _ := bson.Marshal(bson.M{"balance": float64(50)})
	write(t, s, tablet, mustId(2), v2, 3)

	snap, err := summary.Bootstrap(ctx, s, []types.TabletId{tablet}, 3)
	if err != nil {
		t.Fatal(err)
	}
	got := snap.Tables[tablet]
	if got.Count != 2 {
		t.Fatalf("expected count 2, got %d", got.Count)
	}
	if got.TotalSize != int64(len(v1)+len(v2)) {
		t.Fatalf("expected total_size %d, got %d", len(v1)+len(v2), got.TotalSize)
	}
	if got.Shape.Fields["balance"][summary.TagNumber] != 2 {
		t.Fatalf("expected 2 number-typed balance fields, got %+v", got.Shape.Fields["balance"])
	}
}

func TestBootstrapFromPersistedSnapshotThenBackward(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("items")
	s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1)
	v1, _ := bson.Marshal(bson.M{"n": float64(1)})
	write(t, s, tablet, mustId(1), v1, 2)
	v2, _ := bson.Marshal(bson.M{"n": float64(2)})
	write(t, s, tablet, mustId(2), v2, 3)

	snapAt3, err := summary.Bootstrap(ctx, s, []types.TabletId{tablet}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := summary.Save(ctx, s, snapAt3); err != nil {
		t.Fatal(err)
	}

	snapAt2, err := summary.Bootstrap(ctx, s, []types.TabletId{tablet}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if snapAt2.Tables[tablet].Count != 1 {
		t.Fatalf("expected count 1 after walking backward past the second insert, got %d", snapAt2.Tables[tablet].Count)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := summary.NewSnapshot(42)
	snap.CreateTable("users")
	data, err := summary.EncodeSnapshot(snap)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := summary.DecodeSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Ts != 42 {
		t.Fatalf("expected ts 42, got %d", decoded.Ts)
	}
	if _, ok := decoded.Tables["users"]; !ok {
		t.Fatal("expected users table entry to survive round trip")
	}
}
