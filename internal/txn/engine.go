package txn

import (
	"context"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/types"
)

// Engine owns a persistence.Store, the committer, and the registry of
// active transactions. It is the one object cmd/coredb constructs per
// deployment.
type Engine struct {
	store    persistence.Store
	registry *Registry
	pending  *pendingWritesLog
	committer *committer
	rt       runtime.Runtime
	schema   SchemaEnforcer // optional; nil skips enforcement
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithSchemaEnforcer wires a schema validator into the commit path.
func WithSchemaEnforcer(s SchemaEnforcer) Option {
	return func(e *Engine) { e.schema = s }
}

func NewEngine(store persistence.Store, rt runtime.Runtime, committerQueueDepth int, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: NewRegistry(),
		pending:  newPendingWritesLog(),
		rt:       rt,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.committer = newCommitter(e, rt, committerQueueDepth)
	return e
}

// Registry exposes the active-transaction registry so a retention
// worker can bound min_snapshot_ts by it.
func (e *Engine) Registry() *Registry { return e.registry }

// Subscribe returns a channel closed on the next commit, for
// invalidation-driven workers (cron executor, log sink manager, sync
// protocol).
func (e *Engine) Subscribe() <-chan struct{} { return e.pending.subscribe() }

// Shutdown stops accepting new commits.
func (e *Engine) Shutdown() { e.committer.close() }

// CurrentTs returns the most recent timestamp every active transaction
// is guaranteed to see, for callers (the sync worker) that need a
// snapshot to evaluate against without opening a transaction of their
// own.
func (e *Engine) CurrentTs(ctx context.Context) (types.Timestamp, error) {
	return e.store.MaxRepeatableTs(ctx)
}

// Commit runs the commit algorithm for tx and closes it regardless of
// outcome.
func (tx *Transaction) Commit(ctx context.Context) (types.Timestamp, error) {
	defer tx.Close()
	return tx.engine.committer.submit(tx)
}

// commitLocked runs on the committer goroutine; only one call is ever
// in flight at a time, so it may freely read committer.lastTs and
// advance it without its own lock.
func (e *Engine) commitLocked(ctx context.Context, tx *Transaction) (types.Timestamp, error) {
	tx.mu.Lock()
	writes := append([]persistence.WriteOp(nil), tx.writes...)
	lifecycle := append([]persistence.TableLifecycleOp(nil), tx.lifecycle...)
	readIntervals := append([]ReadInterval(nil), tx.readIntervals...)
	tx.mu.Unlock()

	if len(writes) == 0 && len(lifecycle) == 0 {
		return tx.readTs, nil // read-only transaction: nothing to serialize
	}

	nowTs := types.Timestamp(e.rt.Now().UnixNano())
	tsCommit := e.committer.nextCommitTs(nowTs)

	// Step 3: re-check read intervals against everything committed in
	// (readTs, tsCommit].
	if conflictTs, conflict := e.pending.conflictsWith(tx.readTs, tsCommit, readIntervals); conflict {
		return 0, &errs.Occ{ReadTs: int64(tx.readTs), CommitTs: int64(conflictTs), Reason: "read set invalidated by a concurrent commit"}
	}

	// Step 5: schema enforcement. Developer errors from the *pending*
	// schema mark it Failed but never fail the write; only the active
	// validator's rejection fails the commit.
	if e.schema != nil {
		for _, op := range writes {
			if op.Value == nil {
				continue // deletes are not validated
			}
			var decoded map[string]interface{}
			if err := decodeBSON(op.Value, &decoded); err != nil {
				return 0, errs.Wrap(err, "decode staged document %s for schema enforcement", op.Id)
			}
			if err := e.schema.Enforce(ctx, op, decoded); err != nil {
				if se, ok := err.(*errs.SchemaEnforcement); ok {
					return 0, se
				}
				return 0, err
			}
		}
	}

	batch := persistence.WriteBatch{Writes: writes, Lifecycle: lifecycle}
	if err := e.store.Write(ctx, batch, tsCommit); err != nil {
		return 0, &errs.PersistenceWriteError{Cause: err}
	}

	byTablet := make(map[types.TabletId][]types.InternalId, len(writes))
	for _, op := range writes {
		byTablet[op.Tablet] = append(byTablet[op.Tablet], op.Id.InternalId)
	}
	e.pending.append(tsCommit, byTablet)

	return tsCommit, nil
}

// AdvanceRetention prunes the pending-writes log and advances
// min_snapshot_ts on the store to no further than the oldest active
// transaction's read timestamp, per the retention worker's contract.
func (e *Engine) AdvanceRetention(ctx context.Context, candidate types.Timestamp) (types.Timestamp, error) {
	bound := e.registry.MinActiveReadTs()
	if candidate > bound {
		candidate = bound
	}
	current, err := e.store.MinSnapshotTs(ctx)
	if err != nil {
		return 0, err
	}
	if candidate <= current {
		return current, nil
	}
	if advancer, ok := e.store.(interface {
		AdvanceMinSnapshotTs(types.Timestamp)
	}); ok {
		advancer.AdvanceMinSnapshotTs(candidate)
	}
	e.pending.prune(candidate)
	return candidate, nil
}
