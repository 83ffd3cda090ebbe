package txn

import (
	"context"
	"time"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/metrics"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/types"
)

// commitRequest is one transaction's admission ticket into the
// single-threaded committer, the Go expression of "acquire a slot in
// the committer queue" (step 1 of the commit algorithm).
type commitRequest struct {
	tx       *Transaction
	admitted time.Time
	result   chan commitResult
}

type commitResult struct {
	ts  types.Timestamp
	err error
}

// committer serializes every commit through one goroutine so
// ts_commit assignment and the read/write interval check happen
// without additional locking, the same single-writer append
// discipline generalized to MVCC validation.
type committer struct {
	engine  *Engine
	queue   chan *commitRequest
	rt      runtime.Runtime
	lastTs  types.Timestamp
}

func newCommitter(engine *Engine, rt runtime.Runtime, queueDepth int) *committer {
	c := &committer{engine: engine, queue: make(chan *commitRequest, queueDepth), rt: rt}
	rt.Spawn(c.run)
	return c
}

func (c *committer) submit(tx *Transaction) (types.Timestamp, error) {
	req := &commitRequest{tx: tx, admitted: c.rt.Now(), result: make(chan commitResult, 1)}
	metrics.CommitterQueueDepth.Set(float64(len(c.queue)))
	select {
	case c.queue <- req:
	default:
		metrics.CommitOutcomesTotal.WithLabelValues("overloaded").Inc()
		return 0, &errs.Overloaded{QueueDepth: cap(c.queue)}
	}
	res := <-req.result
	return res.ts, res.err
}

func (c *committer) run() {
	for req := range c.queue {
		metrics.CommitterQueueDepth.Set(float64(len(c.queue)))
		ts, err := c.engine.commitLocked(context.Background(), req.tx)
		metrics.CommitLatencySeconds.Observe(c.rt.Now().Sub(req.admitted).Seconds())
		if err != nil {
			metrics.CommitOutcomesTotal.WithLabelValues(outcomeLabel(err)).Inc()
		} else {
			metrics.CommitOutcomesTotal.WithLabelValues("ok").Inc()
		}
		req.result <- commitResult{ts: ts, err: err}
	}
}

func outcomeLabel(err error) string {
	switch err.(type) {
	case *errs.Occ:
		return "occ"
	case *errs.RetentionExceeded:
		return "retention_exceeded"
	case *errs.SchemaEnforcement:
		return "schema_enforcement"
	case *errs.Overloaded:
		return "overloaded"
	default:
		return "system_error"
	}
}

func (c *committer) nextCommitTs(now types.Timestamp) types.Timestamp {
	base := now
	if c.lastTs > base {
		base = c.lastTs
	}
	next := base + 1
	c.lastTs = next
	return next
}

func (c *committer) close() {
	close(c.queue)
}
