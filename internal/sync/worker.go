package sync

import (
	"context"
	"sync"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/function"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

// QueryRunner evaluates a query at a pinned snapshot, distinct from
// function.Runner's RunQuery (which has no notion of snapshot
// pinning) because the sync protocol must evaluate every query in a
// batch against the same ts — both for a fresh ModifyQuerySet and for
// a re-evaluation on invalidation.
type QueryRunner interface {
	RunQuery(ctx context.Context, ts types.Timestamp, path string, args []byte) ([]byte, error)
}

// Worker drives one client connection: it holds the query set,
// subscribes to commit invalidation, and emits differential
// transitions.
type Worker struct {
	engine    *txn.Engine
	queries   QueryRunner
	mutations function.Runner
	rt        runtime.Runtime
	identity  txn.Identity

	send chan<- ServerMessage

	mu              sync.Mutex
	querySetVersion Version
	subscribed      map[QueryId]*subscribedQuery
	mutationCache   map[string][]byte
}

func NewWorker(engine *txn.Engine, queries QueryRunner, mutations function.Runner, rt runtime.Runtime, identity txn.Identity, send chan<- ServerMessage) *Worker {
	return &Worker{
		engine:        engine,
		queries:       queries,
		mutations:     mutations,
		rt:            rt,
		identity:      identity,
		send:          send,
		subscribed:    make(map[QueryId]*subscribedQuery),
		mutationCache: make(map[string][]byte),
	}
}

// Run drives the invalidation loop until ctx is canceled or a fatal
// error (auth, retention, a version mismatch) hangs up the connection.
// Incoming client messages arrive on msgs; Run owns both loops so a
// ModifyQuerySet and an invalidation-triggered re-evaluation never
// race each other.
func (w *Worker) Run(ctx context.Context, msgs <-chan ClientMessage) error {
	for {
		invalidated := w.engine.Subscribe()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := w.handleMessage(ctx, msg); err != nil {
				w.hangup(err)
				return err
			}
		case <-invalidated:
			if err := w.reevaluate(ctx); err != nil {
				w.hangup(err)
				return err
			}
		}
	}
}

func (w *Worker) hangup(err error) {
	reason := err.Error()
	select {
	case w.send <- ServerMessage{Hangup: &Hangup{Reason: reason}}:
	default:
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg ClientMessage) error {
	switch {
	case msg.ModifyQuerySet != nil:
		return w.handleModifyQuerySet(ctx, *msg.ModifyQuerySet)
	case msg.Mutation != nil:
		return w.handleMutation(ctx, *msg.Mutation)
	default:
		return nil // Connect/Authenticate are handled by the transport before Run starts
	}
}

// handleModifyQuerySet applies a versioned batch of Add/Remove ops,
// evaluates every newly added query at the current snapshot, and
// emits one transition for whatever differs from the last emitted
// value.
func (w *Worker) handleModifyQuerySet(ctx context.Context, req ModifyQuerySet) error {
	w.mu.Lock()
	if req.BaseVersion != w.querySetVersion {
		expected, got := w.querySetVersion, req.BaseVersion
		w.mu.Unlock()
		return &errs.QuerySetVersionMismatch{Expected: uint64(expected), Got: uint64(got)}
	}

	added := make(map[QueryId]AddQuery)
	removed := make(map[QueryId]bool)
	for _, op := range req.Ops {
		switch {
		case op.Add != nil:
			delete(removed, op.Add.Id)
			added[op.Add.Id] = *op.Add
		case op.Remove != nil:
			delete(added, *op.Remove)
			removed[*op.Remove] = true
		}
	}
	for id := range removed {
		delete(w.subscribed, id)
	}
	for id, add := range added {
		w.subscribed[id] = &subscribedQuery{path: add.Path, args: add.Args}
	}
	w.querySetVersion++
	endVersion := w.querySetVersion
	startVersion := req.BaseVersion
	w.mu.Unlock()

	ts, err := w.engine.CurrentTs(ctx)
	if err != nil {
		return err
	}

	var mods []Modification
	for id := range removed {
		mods = append(mods, Modification{Kind: QueryRemoved, Query: id})
	}
	for id, add := range added {
		value, runErr := w.queries.RunQuery(ctx, ts, add.Path, add.Args)
		mod, changed := (&subscribedQuery{}).diff(value, runErr)
		if !changed {
			continue
		}
		mod.Query = id
		w.mu.Lock()
		if q, ok := w.subscribed[id]; ok {
			q.apply(mod)
		}
		w.mu.Unlock()
		mods = append(mods, mod)
	}

	w.emit(Transition{StartVersion: startVersion, EndVersion: endVersion, Ts: ts, Modifications: mods})
	return nil
}

// handleMutation runs req unless its request id was already executed
// by this session, in which case the cached result is replayed
// idempotently.
func (w *Worker) handleMutation(ctx context.Context, req Mutation) error {
	w.mu.Lock()
	if cached, ok := w.mutationCache[req.RequestId]; ok {
		w.mu.Unlock()
		w.emitMessage(ServerMessage{MutationResponse: &MutationResponse{RequestId: req.RequestId, Result: cached}})
		return nil
	}
	w.mu.Unlock()

	result, err := w.mutations.RunMutation(ctx, req.Path, req.Args)
	if err != nil && !errs.IsDeveloperError(err) {
		return err // system error: let the caller's retry policy handle reconnection
	}

	ts, tsErr := w.engine.CurrentTs(ctx)
	if tsErr != nil {
		return tsErr
	}

	if err == nil {
		w.mu.Lock()
		w.mutationCache[req.RequestId] = result
		w.mu.Unlock()
	}

	resp := MutationResponse{RequestId: req.RequestId, Result: result, Err: err, Ts: ts}
	w.emitMessage(ServerMessage{MutationResponse: &resp})

	return w.reevaluate(ctx)
}

// reevaluate re-runs every subscribed query at the current snapshot
// and emits a transition containing only the diffs from what was last
// emitted for each query.
func (w *Worker) reevaluate(ctx context.Context) error {
	ts, err := w.engine.CurrentTs(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	type entry struct {
		id QueryId
		q  *subscribedQuery
	}
	entries := make([]entry, 0, len(w.subscribed))
	for id, q := range w.subscribed {
		entries = append(entries, entry{id, q})
	}
	startVersion := w.querySetVersion
	w.mu.Unlock()

	var mods []Modification
	for _, e := range entries {
		value, runErr := w.queries.RunQuery(ctx, ts, e.q.path, e.q.args)
		mod, changed := e.q.diff(value, runErr)
		if !changed {
			continue
		}
		mod.Query = e.id
		w.mu.Lock()
		if q, ok := w.subscribed[e.id]; ok {
			q.apply(mod)
		}
		w.mu.Unlock()
		mods = append(mods, mod)
	}

	if len(mods) == 0 {
		return nil
	}
	w.emit(Transition{StartVersion: startVersion, EndVersion: startVersion, Ts: ts, Modifications: mods})
	return nil
}

func (w *Worker) emit(t Transition) {
	w.emitMessage(ServerMessage{Transition: &t})
}

func (w *Worker) emitMessage(msg ServerMessage) {
	select {
	case w.send <- msg:
	default:
		// A full outbound channel means the transport is not keeping up;
		// the connection is already being torn down by its own watchdog.
	}
}
