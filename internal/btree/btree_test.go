package btree_test

import (
	"sync"
	"testing"

	"github.com/tessera-db/coredb/internal/btree"
	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/types"
)

func TestInsertAndGet(t *testing.T) {
	tree := btree.NewTree(3)
	for i := 0; i < 100; i++ {
		if err := tree.Insert(types.IntKey(i), int64(i*10)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	for i := 0; i < 100; i++ {
		v, ok := tree.Get(types.IntKey(i))
		if !ok {
			t.Fatalf("missing key %d", i)
		}
		if v != int64(i*10) {
			t.Fatalf("key %d: got %d want %d", i, v, i*10)
		}
	}

	if _, ok := tree.Get(types.IntKey(1000)); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestUniqueTreeRejectsDuplicate(t *testing.T) {
	tree := btree.NewUniqueTree(3)
	if err := tree.Insert(types.IntKey(1), 1); err != nil {
		t.Fatal(err)
	}
	err := tree.Insert(types.IntKey(1), 2)
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
	if _, ok := err.(*errs.DuplicateKeyError); !ok {
		t.Fatalf("expected *errs.DuplicateKeyError, got %T", err)
	}
}

func TestNonUniqueTreeOverwrites(t *testing.T) {
	tree := btree.NewTree(3)
	if err := tree.Insert(types.IntKey(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(types.IntKey(1), 2); err != nil {
		t.Fatal(err)
	}
	v, _ := tree.Get(types.IntKey(1))
	if v != 2 {
		t.Fatalf("expected overwritten value 2, got %d", v)
	}
}

func TestDelete(t *testing.T) {
	tree := btree.NewTree(3)
	for i := 0; i < 50; i++ {
		tree.Insert(types.IntKey(i), int64(i))
	}
	for i := 0; i < 50; i += 2 {
		if !tree.Delete(types.IntKey(i)) {
			t.Fatalf("expected delete of %d to succeed", i)
		}
	}
	for i := 0; i < 50; i++ {
		_, ok := tree.Get(types.IntKey(i))
		if i%2 == 0 && ok {
			t.Fatalf("key %d should have been deleted", i)
		}
		if i%2 == 1 && !ok {
			t.Fatalf("key %d should still be present", i)
		}
	}
}

func TestFindLeafLowerBoundOrdersKeys(t *testing.T) {
	tree := btree.NewTree(3)
	for _, k := range []int{5, 1, 9, 3, 7} {
		tree.Insert(types.IntKey(k), int64(k))
	}

	leaf, idx := tree.FindLeafLowerBound(types.IntKey(4))
	defer leaf.RUnlock()
	if idx >= leaf.N {
		t.Fatal("expected a valid index within the leaf")
	}
	if leaf.Keys[idx].Compare(types.IntKey(4)) < 0 {
		t.Fatal("lower bound must be >= the search key")
	}
}

func TestConcurrentInserts(t *testing.T) {
	tree := btree.NewTree(4)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tree.Insert(types.IntKey(base*1000+i), int64(i))
			}
		}(w)
	}
	wg.Wait()

	if got, want := tree.Len(), 8*200; got != want {
		t.Fatalf("expected %d keys, got %d", want, got)
	}
}
