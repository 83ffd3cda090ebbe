package memstore_test

import (
	"context"
	"testing"

	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/types"
)

func mustId(b byte) types.InternalId {
	var id types.InternalId
	id[15] = b
	return id
}

func TestWriteReadVisibility(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("users")
	if err := s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1); err != nil {
		t.Fatal(err)
	}

	id := types.DocumentId{TabletId: tablet, InternalId: mustId(1)}
	if err := s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id, Value: []byte("v1")}}}, 10); err != nil {
		t.Fatal(err)
	}

	snap5, _ := s.ReadSnapshot(ctx, 5)
	if _, found, _ := snap5.Get(ctx, tablet, id.InternalId); found {
		t.Fatal("document should not be visible before its creation ts")
	}

	snap10, _ := s.ReadSnapshot(ctx, 10)
	doc, found, err := snap10.Get(ctx, tablet, id.InternalId)
	if err != nil || !found || string(doc.Value) != "v1" {
		t.Fatalf("expected v1 visible at ts 10, got %+v found=%v err=%v", doc, found, err)
	}

	if err := s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id, Value: nil}}}, 20); err != nil {
		t.Fatal(err)
	}

	snap15, _ := s.ReadSnapshot(ctx, 15)
	if _, found, _ := snap15.Get(ctx, tablet, id.InternalId); !found {
		t.Fatal("document should still be visible before its deletion ts")
	}
	snap20, _ := s.ReadSnapshot(ctx, 20)
	if _, found, _ := snap20.Get(ctx, tablet, id.InternalId); found {
		t.Fatal("document should not be visible at or after its deletion ts")
	}
}

func TestScanOrdersByInternalId(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("items")
	s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1)

	for _, b := range []byte{3, 1, 2} {
		id := types.DocumentId{TabletId: tablet, InternalId: mustId(b)}
		s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id, Value: []byte{b}}}}, types.Timestamp(b)+1)
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

func TestPersistenceGlobalsRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := memstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WritePersistenceGlobal(ctx, "table_summary", []byte("snapshot-bytes")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := memstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	v, found, err := s2.GetPersistenceGlobal(ctx, "table_summary")
	if err != nil || !found || string(v) != "snapshot-bytes" {
		t.Fatalf("expected global to survive reopen, got %q found=%v err=%v", v, found, err)
	}
}

func TestLoadDocumentsOrdering(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("events")
	s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1)
	for ts := types.Timestamp(2); ts <= 4; ts++ {
		id := types.DocumentId{TabletId: tablet, InternalId: mustId(byte(ts))}
		s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id, Value: []byte{byte(ts)}}}}, ts)
	}

	it, err := s.LoadDocuments(ctx, tablet, 0, 100, persistence.Backward)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var tss []types.Timestamp
	for {
		p, err := it.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if p == nil {
			break
		}
		tss = append(tss, p.Ts)
	}
	if len(tss) != 3 || tss[0] != 4 || tss[2] != 2 {
		t.Fatalf("expected descending [4 3 2], got %v", tss)
	}
}
