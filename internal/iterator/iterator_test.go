package iterator_test

import (
	"context"
	"testing"

	"github.com/tessera-db/coredb/internal/iterator"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/types"
)

func mustId(b byte) types.InternalId {
	var id types.InternalId
	id[15] = b
	return id
}

func TestIteratorOrdersByIdWithinSnapshot(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("docs")
	s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1)
	for _, b := range []byte{3, 1, 2} {
		id := types.DocumentId{TabletId: tablet, InternalId: mustId(b)}
		s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id, Value: []byte{b}}}}, types.Timestamp(b)+1)
	}

	it := iterator.New(ctx, s, tablet, 100)
	var got []byte
	seen := map[types.InternalId]bool{}
	for {
		doc, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if doc == nil {
			break
		}
		if seen[doc.Id.InternalId] {
			t.Fatalf("id %v emitted twice", doc.Id.InternalId)
		}
		seen[doc.Id.InternalId] = true
		got = append(got, doc.Value[0])
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected ascending [1 2 3], got %v", got)
	}
}

func TestIteratorHonorsHistoricalSnapshot(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("docs")
	s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1)
	id1 := types.DocumentId{TabletId: tablet, InternalId: mustId(1)}
	s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id1, Value: []byte{1}}}}, 2)

	id2 := types.DocumentId{TabletId: tablet, InternalId: mustId(2)}
	s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: id2, Value: []byte{2}}}}, 5)

	it := iterator.New(ctx, s, tablet, 2)
	var count int
	for {
		doc, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if doc == nil {
			break
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected only the document visible at ts=2, got %d", count)
	}
}
