package txn

import (
	"sync"

	"github.com/tessera-db/coredb/internal/types"
)

// committedWrite is one document touched by a commit, used to re-check a
// transaction's read intervals for OCC and to notify subscribers.
type committedWrite struct {
	commitTs types.Timestamp
	tablet   types.TabletId
	id       types.InternalId
}

// pendingWritesLog retains recently committed writes so a transaction
// can re-check its read set against everything committed strictly
// between its read timestamp and its candidate commit timestamp,
// without re-reading persistence. The committer is the sole producer;
// OCC checks and subscription invalidation are the readers, matching
// the "pending-writes log" shared resource of the concurrency model.
type pendingWritesLog struct {
	mu      sync.RWMutex
	entries []committedWrite
	waiters []chan struct{}
}

func newPendingWritesLog() *pendingWritesLog {
	return &pendingWritesLog{}
}

func (l *pendingWritesLog) append(ts types.Timestamp, batchTablets map[types.TabletId][]types.InternalId) {
	l.mu.Lock()
	for tablet, ids := range batchTablets {
		for _, id := range ids {
			l.entries = append(l.entries, committedWrite{commitTs: ts, tablet: tablet, id: id})
		}
	}
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// conflictsWith reports whether any write committed in (fromExclusive,
// toInclusive] touches a document within any of the given read
// intervals.
func (l *pendingWritesLog) conflictsWith(fromExclusive, toInclusive types.Timestamp, intervals []ReadInterval) (types.Timestamp, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.commitTs <= fromExclusive || e.commitTs > toInclusive {
			continue
		}
		for _, iv := range intervals {
			if iv.Tablet != e.tablet {
				continue
			}
			if iv.contains(e.id) {
				return e.commitTs, true
			}
		}
	}
	return 0, false
}

// prune drops entries at or before minSnapshot, since no active reader
// can still need them for OCC re-checks.
func (l *pendingWritesLog) prune(minSnapshot types.Timestamp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.commitTs > minSnapshot {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

// subscribe returns a channel that is closed the next time append runs.
// Invalidation waiters (cron executor, log sink manager, sync workers) use this to wake
// on any new commit rather than polling.
func (l *pendingWritesLog) subscribe() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	return ch
}
