// Package btree implements a concurrent B+Tree with latch-crabbing
// traversal. It backs both the persistence layer's by-id/by-index
// ordering structures and the search engine's in-memory term dictionary.
package btree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/types"
)

// BPlusTree is a concurrent B+Tree keyed by types.Comparable, storing an
// int64 data pointer per key (an offset into a heap, or a posting-list id).
type BPlusTree struct {
	T         int
	Root      *Node
	UniqueKey bool
	mu        sync.RWMutex // protects Root and structural (root-split) changes
}

// NewTree creates a tree that allows duplicate keys.
func NewTree(t int) *BPlusTree {
	return &BPlusTree{
		T:         t,
		Root:      NewNode(t, true),
		UniqueKey: false,
	}
}

// NewUniqueTree creates a tree that rejects duplicate keys (used for
// unique/by-id indexes).
func NewUniqueTree(t int) *BPlusTree {
	return &BPlusTree{
		T:         t,
		Root:      NewNode(t, true),
		UniqueKey: true,
	}
}

// Insert adds key → dataPtr, honoring the tree's uniqueness constraint.
func (b *BPlusTree) Insert(key types.Comparable, dataPtr int64) error {
	return b.insertHelper(key, dataPtr, b.UniqueKey)
}

// Replace force-overwrites key's value regardless of uniqueness (used when
// a revision chain's head pointer moves to a new heap offset).
func (b *BPlusTree) Replace(key types.Comparable, dataPtr int64) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		return dataPtr, nil
	})
}

// Upsert runs fn against the key's current value (if any) while holding the
// leaf's latch, enabling an atomic read-modify-write.
func (b *BPlusTree) Upsert(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	return b.upsertHelper(key, fn)
}

func (b *BPlusTree) insertHelper(key types.Comparable, dataPtr int64, uniqueKey bool) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		if exists && uniqueKey {
			return 0, &errs.DuplicateKeyError{Key: fmt.Sprintf("%v", key)}
		}
		return dataPtr, nil
	})
}

func (b *BPlusTree) upsertHelper(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.IsFull() {
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()

		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

// upsertTopDown descends the tree, splitting full children preemptively so
// the leaf it lands on is guaranteed not full (latch-crabbing: curr is
// already locked by the caller on entry).
func (b *BPlusTree) upsertTopDown(curr *Node, key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}

		child := curr.Children[i]
		child.Lock()

		if child.IsFull() {
			curr.SplitChild(i)

			if key.Compare(curr.Keys[i]) >= 0 {
				child.Unlock()
				child = curr.Children[i+1]
				child.Lock()
			}
		}

		curr.Unlock()
		curr = child
	}

	return curr.UpsertNonFull(key, fn)
}

// Search returns the leaf containing key, or nil and false if key is
// absent. The leaf's read latch is released before Search returns
// (internal use only; Get is the public lookup entry point).
func (b *BPlusTree) Search(key types.Comparable) (*Node, bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()

		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()

	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr, true
		}
	}
	return nil, false
}

// Get returns the data pointer for key using internal latch coupling.
func (b *BPlusTree) Get(key types.Comparable) (int64, bool) {
	if b == nil {
		return 0, false
	}
	b.mu.RLock()
	curr := b.Root
	if curr == nil {
		b.mu.RUnlock()
		return 0, false
	}
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()

		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()

	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr.DataPtrs[j], true
		}
	}
	return 0, false
}

// Delete removes key from the tree, rebalancing as needed. Returns false if
// key was not present.
func (b *BPlusTree) Delete(key types.Comparable) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Root.remove(key)
}

// FindLeafLowerBound returns the leaf (with its read latch held — the
// caller must RUnlock it) and index of the first key >= key, or of the
// first key overall if key is nil. This is the entry point the table
// iterator's cursor uses for Seek.
func (b *BPlusTree) FindLeafLowerBound(key types.Comparable) (*Node, int) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		var i int
		if key == nil {
			i = 0
		} else {
			i = sort.Search(curr.N, func(i int) bool {
				return curr.Keys[i].Compare(key) >= 0
			})
		}

		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	var idx int
	if key == nil {
		idx = 0
	} else {
		idx = sort.Search(curr.N, func(i int) bool {
			return curr.Keys[i].Compare(key) >= 0
		})
	}

	return curr, idx
}

// Len returns the number of keys in the tree, walking the leaf chain.
func (b *BPlusTree) Len() int {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()
	for !curr.Leaf {
		next := curr.Children[0]
		next.RLock()
		curr.RUnlock()
		curr = next
	}

	count := 0
	for curr != nil {
		count += curr.N
		next := curr.Next
		curr.RUnlock()
		curr = next
		if curr != nil {
			curr.RLock()
		}
	}
	return count
}
