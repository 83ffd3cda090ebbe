// Package txn implements the transaction/commit model: a
// repeatable-snapshot read path, a staged write buffer, and a
// single-threaded committer that validates read/write intervals before
// persisting a batch. The min-active-snapshot registry and
// version-chain visibility check are keyed by commit timestamp rather
// than a log sequence number, and sit atop the persistence.Store
// adapter rather than a single in-process heap.
package txn

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
)

// Identity is the caller on whose behalf a transaction runs.
type Identity string

// ReadInterval records a range a transaction read from, so the
// committer can detect whether any later commit invalidated it.
type ReadInterval struct {
	Tablet types.TabletId
	Lower  *types.InternalId // nil means unbounded below
	Upper  *types.InternalId // nil means unbounded above
}

func (iv ReadInterval) contains(id types.InternalId) bool {
	if iv.Lower != nil && bytes.Compare(id[:], iv.Lower[:]) < 0 {
		return false
	}
	if iv.Upper != nil && bytes.Compare(id[:], iv.Upper[:]) > 0 {
		return false
	}
	return true
}

// PointInterval is a read interval covering exactly one id, used for
// Get and for the implicit existence check an Insert performs.
func PointInterval(tablet types.TabletId, id types.InternalId) ReadInterval {
	return ReadInterval{Tablet: tablet, Lower: &id, Upper: &id}
}

// SchemaEnforcer evaluates staged writes against the active (and
// pending) schema validator at commit time. internal/schema provides
// the concrete implementation; txn depends only on this narrow
// interface to avoid an import cycle.
type SchemaEnforcer interface {
	// Enforce validates a staged write. It returns a *errs.SchemaEnforcement
	// if the *active* validator rejects op (which must fail the commit),
	// and separately records Pending-schema violations without failing it.
	Enforce(ctx context.Context, op persistence.WriteOp, value map[string]interface{}) error
}

// Transaction is a single read-write unit of work over a repeatable
// snapshot.
type Transaction struct {
	engine   *Engine
	identity Identity
	readTs   types.Timestamp
	snapshot persistence.Snapshot

	mu            sync.Mutex
	readIntervals []ReadInterval
	writes        []persistence.WriteOp
	lifecycle     []persistence.TableLifecycleOp
	closed        bool
}

// Begin starts a transaction with a read timestamp no older than
// min_snapshot_ts and no newer than the latest repeatable commit.
func (e *Engine) Begin(ctx context.Context, identity Identity) (*Transaction, error) {
	readTs, err := e.store.MaxRepeatableTs(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "begin transaction: read max_repeatable_ts")
	}
	minSnapshot, err := e.store.MinSnapshotTs(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "begin transaction: read min_snapshot_ts")
	}
	if readTs < minSnapshot {
		return nil, &errs.RetentionExceeded{RequestedTs: int64(readTs), MinSnapshot: int64(minSnapshot)}
	}
	snap, err := e.store.ReadSnapshot(ctx, readTs)
	if err != nil {
		return nil, errs.Wrap(err, "begin transaction: open snapshot at %d", readTs)
	}
	tx := &Transaction{engine: e, identity: identity, readTs: readTs, snapshot: snap}
	e.registry.register(tx)
	return tx, nil
}

// BeginAt is Begin with an explicit historical read timestamp, for
// reading at a fixed T_snap. The table iterator and summary bootstrap
// read through persistence.Store directly rather than through it.
func (e *Engine) BeginAt(ctx context.Context, identity Identity, ts types.Timestamp) (*Transaction, error) {
	minSnapshot, err := e.store.MinSnapshotTs(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "begin transaction: read min_snapshot_ts")
	}
	if ts < minSnapshot {
		return nil, &errs.RetentionExceeded{RequestedTs: int64(ts), MinSnapshot: int64(minSnapshot)}
	}
	snap, err := e.store.ReadSnapshot(ctx, ts)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{engine: e, identity: identity, readTs: ts, snapshot: snap}
	e.registry.register(tx)
	return tx, nil
}

// ReadTs returns the transaction's repeatable read timestamp.
func (tx *Transaction) ReadTs() types.Timestamp { return tx.readTs }

// Close releases the transaction's hold on min_snapshot_ts. A
// transaction that never commits must still be closed so retention can
// advance past it.
func (tx *Transaction) Close() {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return
	}
	tx.closed = true
	tx.mu.Unlock()
	tx.engine.registry.unregister(tx)
}

// Get reads a single document, recording the point as part of the read
// set for OCC.
func (tx *Transaction) Get(ctx context.Context, tablet types.TabletId, id types.InternalId) (*persistence.Document, bool, error) {
	tx.mu.Lock()
	tx.readIntervals = append(tx.readIntervals, PointInterval(tablet, id))
	tx.mu.Unlock()
	return tx.snapshot.Get(ctx, tablet, id)
}

// Read opens a lazy cursor over an index range, recording the interval
// for OCC.
func (tx *Transaction) Read(ctx context.Context, scan persistence.IndexScan) (persistence.Cursor, error) {
	tx.mu.Lock()
	tx.readIntervals = append(tx.readIntervals, ReadInterval{Tablet: scan.Tablet, Lower: scan.Lower, Upper: scan.Upper})
	tx.mu.Unlock()
	return tx.snapshot.Scan(ctx, scan)
}

// Insert stages a new document. It implicitly reads the id's current
// absence so a concurrent commit creating the same id is caught as OCC
// rather than silently lost, and so a reused id (one deleted after our
// read timestamp) is detected.
func (tx *Transaction) Insert(tablet types.TabletId, id types.InternalId, value []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.readIntervals = append(tx.readIntervals, PointInterval(tablet, id))
	tx.writes = append(tx.writes, persistence.WriteOp{Tablet: tablet, Id: types.DocumentId{TabletId: tablet, InternalId: id}, Value: value})
}

// Patch/Replace both stage a full replacement value; the document log
// does not distinguish partial from full updates, both are recorded
// as plain Updates.
func (tx *Transaction) Replace(tablet types.TabletId, id types.InternalId, value []byte) {
	tx.Insert(tablet, id, value)
}

func (tx *Transaction) Patch(tablet types.TabletId, id types.InternalId, value []byte) {
	tx.Insert(tablet, id, value)
}

// Delete stages a tombstone.
func (tx *Transaction) Delete(tablet types.TabletId, id types.InternalId) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.writes = append(tx.writes, persistence.WriteOp{Tablet: tablet, Id: types.DocumentId{TabletId: tablet, InternalId: id}, Value: nil})
}

// CreateTable/DropTable stage a tablet lifecycle transition that commits
// atomically with the rest of the write buffer.
func (tx *Transaction) CreateTable(tablet types.TabletId) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.lifecycle = append(tx.lifecycle, persistence.TableLifecycleOp{Tablet: tablet, Created: true})
}

func (tx *Transaction) DropTable(tablet types.TabletId) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.lifecycle = append(tx.lifecycle, persistence.TableLifecycleOp{Tablet: tablet, Created: false})
}

// RequestId is a fresh identifier for one commit attempt, mirroring the
// teacher's GenerateKey for per-request identifiers.
func RequestId() string {
	return uuid.NewString()
}
