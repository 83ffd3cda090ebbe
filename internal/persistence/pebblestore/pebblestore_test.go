package pebblestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/persistence/pebblestore"
	"github.com/tessera-db/coredb/internal/types"
)

func mustId(b byte) types.InternalId {
	var id types.InternalId
	id[15] = b
	return id
}

func TestWriteReadAndDelete(t *testing.T) {
	ctx := context.Background()
	s, err := pebblestore.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("users")
	id := types.DocumentId{TabletId: tablet, InternalId: mustId(1)}

	if err := s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id, Value: []byte("v1")}}}, 10); err != nil {
		t.Fatal(err)
	}

	snap5, _ := s.ReadSnapshot(ctx, 5)
	if _, found, _ := snap5.Get(ctx, tablet, id.InternalId); found {
		t.Fatal("should not be visible before creation")
	}

	snap10, _ := s.ReadSnapshot(ctx, 10)
	doc, found, err := snap10.Get(ctx, tablet, id.InternalId)
	if err != nil || !found || string(doc.Value) != "v1" {
		t.Fatalf("expected v1, got %+v found=%v err=%v", doc, found, err)
	}

	if err := s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id, Value: nil}}}, 20); err != nil {
		t.Fatal(err)
	}
	snap20, _ := s.ReadSnapshot(ctx, 20)
	if _, found, _ := snap20.Get(ctx, tablet, id.InternalId); found {
		t.Fatal("should be deleted at ts 20")
	}

	max, _ := s.MaxRepeatableTs(ctx)
	if max != 20 {
		t.Fatalf("expected max repeatable ts 20, got %d", max)
	}
}

func TestScanAscendingById(t *testing.T) {
	ctx := context.Background()
	s, err := pebblestore.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("items")
	for _, b := range []byte{3, 1, 2} {
		id := types.DocumentId{TabletId: tablet, InternalId: mustId(b)}
		if err := s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id, Value: []byte{b}}}}, types.Timestamp(b)); err != nil {
			t.Fatal(err)
		}
	}

	snap, _ := s.ReadSnapshot(ctx, 100)
	c, err := snap.Scan(ctx, persistence.IndexScan{Tablet: tablet})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var got []byte
	for {
		doc, err := c.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if doc == nil {
			break
		}
		got = append(got, doc.Value[0])
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected ascending [1 2 3], got %v", got)
	}
}

func TestPersistenceGlobalRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "store")
	s, err := pebblestore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WritePersistenceGlobal(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := pebblestore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	v, found, err := s2.GetPersistenceGlobal(ctx, "k")
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("expected global to survive reopen, got %q found=%v err=%v", v, found, err)
	}
}
