// Package persistence defines the storage adapter the rest of the engine
// is built on: a totally ordered document log keyed by (tablet, document,
// timestamp), a point/range read path over a repeatable snapshot, and a
// small key-value space for cross-restart globals (the table summary
// snapshot lives here).
package persistence

import (
	"context"

	"github.com/tessera-db/coredb/internal/types"
)

// Order controls the direction LoadDocuments walks the log.
type Order int

const (
	Forward Order = iota
	Backward
)

// Document is a single committed revision's value.
type Document struct {
	Id           types.DocumentId
	CreationTime types.Timestamp
	Value        []byte // BSON-encoded object
}

// RevisionPair is one step of the document log: the value immediately
// before ts and immediately after it for the same document id. Prev is nil
// for a creation, Curr is nil for a deletion.
type RevisionPair struct {
	Id   types.DocumentId
	Ts   types.Timestamp
	Prev *Document
	Curr *Document
}

// WriteOp is one document mutation inside a commit batch.
type WriteOp struct {
	Tablet types.TabletId
	Id     types.DocumentId
	Value  []byte // nil for a delete
}

// TableLifecycleOp records a tablet create/drop that must be visible to
// summary bootstrap and the document log in the same commit.
type TableLifecycleOp struct {
	Tablet  types.TabletId
	Created bool // false means dropped
}

// WriteBatch is everything committed atomically at one timestamp.
type WriteBatch struct {
	Writes    []WriteOp
	Lifecycle []TableLifecycleOp
}

// IndexScan describes a by-id range scan over one tablet at a snapshot.
type IndexScan struct {
	Tablet types.TabletId
	Lower  *types.InternalId
	Upper  *types.InternalId
}

// Cursor walks the results of an IndexScan, one document at a time.
type Cursor interface {
	Next(ctx context.Context) (*Document, error) // returns nil, nil at end
	Close() error
}

// RevisionIterator walks the document log returned by LoadDocuments.
type RevisionIterator interface {
	Next(ctx context.Context) (*RevisionPair, error) // returns nil, nil at end
	Close() error
}

// Snapshot is a read-only view of the store as of a fixed timestamp.
type Snapshot interface {
	Get(ctx context.Context, tablet types.TabletId, id types.InternalId) (*Document, bool, error)
	Scan(ctx context.Context, scan IndexScan) (Cursor, error)
	PreviousRevisions(ctx context.Context, ids []types.DocumentId) (map[types.DocumentId]types.Timestamp, error)
	Ts() types.Timestamp
}

// Store is the persistence adapter: the boundary between the transaction
// layer and whatever physically holds document bytes.
type Store interface {
	ReadSnapshot(ctx context.Context, ts types.Timestamp) (Snapshot, error)
	LoadDocuments(ctx context.Context, tablet types.TabletId, from, to types.Timestamp, order Order) (RevisionIterator, error)
	Write(ctx context.Context, batch WriteBatch, ts types.Timestamp) error

	GetPersistenceGlobal(ctx context.Context, key string) ([]byte, bool, error)
	WritePersistenceGlobal(ctx context.Context, key string, value []byte) error

	MinSnapshotTs(ctx context.Context) (types.Timestamp, error)
	MaxRepeatableTs(ctx context.Context) (types.Timestamp, error)

	Close() error
}
