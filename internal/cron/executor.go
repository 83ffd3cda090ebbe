package cron

import (
	"context"
	"time"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/function"
	"github.com/tessera-db/coredb/internal/metrics"
	"github.com/tessera-db/coredb/internal/obslog"
	"github.com/tessera-db/coredb/internal/retry"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

// maxIdleWait bounds how long the loop sleeps when no job is due and
// nothing has been committed, so a job inserted without going through
// the engine's own commit path (there is none here, but a future
// control-plane write path might) is still picked up promptly.
const maxIdleWait = 5 * time.Second

// Executor runs due cron jobs with bounded concurrency, the Go shape
// of CronJobExecutor's run/query_and_start_jobs/execute_job loop.
type Executor struct {
	store       *Store
	engine      *txn.Engine
	runner      function.Runner
	rt          runtime.Runtime
	parallelism int
}

func NewExecutor(store *Store, engine *txn.Engine, runner function.Runner, rt runtime.Runtime, parallelism int) *Executor {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Executor{store: store, engine: engine, runner: runner, rt: rt, parallelism: parallelism}
}

// Run drives the scheduler loop until ctx is canceled. It never
// returns nil; callers wrap it with internal/retry so system errors
// retry with backoff while a Shutdown propagates immediately.
func (e *Executor) Run(ctx context.Context) error {
	finished := make(chan types.InternalId, e.parallelism)
	running := make(map[types.InternalId]struct{})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		drainFinished(finished, running)

		var nextReady *time.Time
		if len(running) < e.parallelism {
			due, err := e.store.Due(ctx, e.rt.Now())
			if err != nil {
				return err
			}
			for _, job := range due {
				if _, ok := running[job.Id]; ok {
					continue
				}
				if len(running) >= e.parallelism {
					t := job.NextTs
					nextReady = &t
					break
				}
				running[job.Id] = struct{}{}
				job := job
				e.rt.Spawn(func() {
					e.runJobToCompletion(ctx, job)
					select {
					case finished <- job.Id:
					case <-ctx.Done():
					}
				})
			}
		}

		wait := maxIdleWait
		if nextReady != nil {
			if d := nextReady.Sub(e.rt.Now()); d < wait {
				if d < 0 {
					d = 0
				}
				wait = d
			}
		}

		sleepDone := make(chan error, 1)
		e.rt.Spawn(func() { sleepDone <- e.rt.Sleep(ctx, wait) })
		invalidated := e.engine.Subscribe()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-finished:
			delete(running, id)
		case <-invalidated:
		case err := <-sleepDone:
			if err != nil {
				return err
			}
		}
	}
}

func drainFinished(finished <-chan types.InternalId, running map[types.InternalId]struct{}) {
	for {
		select {
		case id := <-finished:
			delete(running, id)
		default:
			return
		}
	}
}

// runJobToCompletion retries a job attempt until it either commits
// successfully or fails with a developer error, mirroring execute_job:
// system errors back off and retry the whole attempt; developer errors
// and state races end the attempt. No per-attempt request id is created.
func (e *Executor) runJobToCompletion(ctx context.Context, job Job) {
	_ = retry.Loop(ctx, e.rt, "cron", 0, func(ctx context.Context) error {
		return e.executeOnce(ctx, job)
	})
}

func (e *Executor) executeOnce(ctx context.Context, job Job) error {
	start := e.rt.Now()

	if job.IsAction {
		return e.executeAction(ctx, job, start)
	}
	return e.executeMutation(ctx, job, start)
}

func (e *Executor) executeMutation(ctx context.Context, job Job, start time.Time) error {
	result, runErr := e.runner.RunMutation(ctx, job.UdfPath, job.UdfArgs)
	execTime := e.rt.Now().Sub(start).Seconds()

	if runErr != nil {
		if errs.IsDeveloperError(runErr) {
			return e.finishJob(ctx, job, Status{Kind: "error", Result: runErr.Error()}, execTime)
		}
		return runErr // system error: let retry.Loop back off and re-run
	}
	return e.finishJob(ctx, job, Status{Kind: "success", Result: string(result)}, execTime)
}

func (e *Executor) executeAction(ctx context.Context, job Job, start time.Time) error {
	if job.State == StateInProgress {
		// Crash recovery: a prior attempt committed InProgress and never
		// came back, since actions run at most once. Record a transient
		// error and advance rather than re-invoking the action.
		return e.finishJob(ctx, job, Status{Kind: "error", Result: "transient error while executing action"}, 0)
	}

	inProgress := job
	inProgress.State = StateInProgress
	changed, err := e.store.UpdateIfUnchanged(ctx, job, func(j *Job) { j.State = StateInProgress })
	if err != nil {
		return err
	}
	if !changed {
		return nil // job state moved on under us; another attempt owns it
	}

	result, runErr := e.runner.RunAction(ctx, job.UdfPath, job.UdfArgs)
	execTime := e.rt.Now().Sub(start).Seconds()

	if runErr != nil {
		if errs.IsDeveloperError(runErr) {
			return e.finishJob(ctx, inProgress, Status{Kind: "error", Result: runErr.Error()}, execTime)
		}
		return runErr
	}
	return e.finishJob(ctx, inProgress, Status{Kind: "success", Result: string(result)}, execTime)
}

// finishJob records the run's outcome, collapses any missed
// occurrences into a single "skipped N runs" entry, advances next_ts,
// and resets state to Pending in one commit. It does not retry on its
// own: an error goes back to runJobToCompletion, which re-runs the whole
// attempt. A mutation is then invoked again; an action whose InProgress
// commit already landed is not, since the retry finds the row changed
// and returns, leaving the job InProgress for executeAction's
// crash-recovery branch.
func (e *Executor) finishJob(ctx context.Context, job Job, status Status, execTime float64) error {
	now := e.rt.Now()
	prev := job.NextTs

	entry := LogEntry{Id: newInternalId(), JobId: job.Id, Name: job.Name, Status: status, ExecTimeS: execTime, Ts: now}
	if err := e.store.InsertLog(ctx, entry); err != nil {
		return err
	}
	metrics.CronJobDurationSeconds.WithLabelValues(job.Name, status.Kind).Observe(execTime)

	next, numSkipped, err := advancePastCatchUp(job.Schedule, prev, now)
	if err != nil {
		return err
	}
	if numSkipped > 0 {
		skipEntry := LogEntry{
			Id:     newInternalId(),
			JobId:  job.Id,
			Name:   job.Name,
			Status: Status{Kind: "canceled", NumCanceled: numSkipped},
			Ts:     now,
		}
		if err := e.store.InsertLog(ctx, skipEntry); err != nil {
			return err
		}
		metrics.CronSkippedRunsTotal.WithLabelValues(job.Name).Add(float64(numSkipped))
		obslog.WithComponent("cron").Info().Str("job", job.Name).Int("skipped", numSkipped).Msg("collapsed missed cron runs")
	}

	changed, err := e.store.UpdateIfUnchanged(ctx, job, func(j *Job) {
		t := prev
		j.PrevTs = &t
		j.NextTs = next
		j.State = StatePending
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return nil
}

// advancePastCatchUp repeatedly computes the schedule's next
// occurrence after prev until it lands at or after now, counting how
// many occurrences were skipped in between so they can be collapsed
// into one cancellation rather than run one at a time.
func advancePastCatchUp(spec Schedule, prev, now time.Time) (next time.Time, numSkipped int, err error) {
	next, err = ComputeNextTs(spec, &prev, now)
	if err != nil {
		return time.Time{}, 0, err
	}
	for next.Before(now) {
		numSkipped++
		next, err = ComputeNextTs(spec, &next, now)
		if err != nil {
			return time.Time{}, 0, err
		}
	}
	return next, numSkipped, nil
}
