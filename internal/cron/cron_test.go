package cron_test

import (
	"context"
	"testing"
	"time"

	"github.com/tessera-db/coredb/internal/cron"
	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/runtime"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

type stubRunner struct {
	mutationCalls int
	actionCalls   int
	failNext      error
}

func (r *stubRunner) RunQuery(ctx context.Context, path string, args []byte) ([]byte, error) {
	return []byte{}, nil
}

func (r *stubRunner) RunMutation(ctx context.Context, path string, args []byte) ([]byte, error) {
	r.mutationCalls++
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return nil, err
	}
	return []byte{}, nil
}

func (r *stubRunner) RunAction(ctx context.Context, path string, args []byte) ([]byte, error) {
	r.actionCalls++
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return nil, err
	}
	return []byte{}, nil
}

func mustCronId(b byte) types.InternalId {
	var id types.InternalId
	id[15] = b
	return id
}

func newTestStore(t *testing.T) (*cron.Store, *txn.Engine, *runtime.Fake) {
	t.Helper()
	store, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	rt := runtime.NewFake(time.Unix(1700000000, 0))
	engine := txn.NewEngine(store, rt, 16)
	cronStore := cron.NewStore(engine)
	if err := cronStore.EnsureTables(context.Background()); err != nil {
		t.Fatal(err)
	}
	return cronStore, engine, rt
}

func TestExecutorRunsDueMutationAndReschedules(t *testing.T) {
	store, engine, rt := newTestStore(t)
	ctx := context.Background()

	job := cron.Job{
		Id:       mustCronId(1),
		Name:     "sendDigest",
		UdfPath:  "emails:sendDigest",
		Schedule: cron.Schedule{Kind: cron.KindInterval, Interval: time.Hour},
		NextTs:   rt.Now(),
		State:    cron.StatePending,
	}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatal(err)
	}

	runner := &stubRunner{}
	exec := cron.NewExecutor(store, engine, runner, rt, 1)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- exec.Run(runCtx) }()

	waitForCondition(t, func() bool {
		got, found, err := store.Get(ctx, job.Id)
		return err == nil && found && got.State == cron.StatePending && got.NextTs.After(job.NextTs)
	})

	cancel()
	<-done

	if runner.mutationCalls != 1 {
		t.Fatalf("expected exactly one mutation call, got %d", runner.mutationCalls)
	}
	final, found, err := store.Get(ctx, job.Id)
	if err != nil || !found {
		t.Fatalf("job disappeared: found=%v err=%v", found, err)
	}
	if final.State != cron.StatePending {
		t.Fatalf("expected job reset to Pending, got %v", final.State)
	}
	if !final.NextTs.Equal(job.NextTs.Add(time.Hour)) {
		t.Fatalf("expected next_ts advanced by one interval, got %v want %v", final.NextTs, job.NextTs.Add(time.Hour))
	}
}

func TestExecutorRecoversCrashedAction(t *testing.T) {
	store, engine, rt := newTestStore(t)
	ctx := context.Background()

	job := cron.Job{
		Id:       mustCronId(2),
		Name:     "chargeInvoices",
		UdfPath:  "billing:chargeInvoices",
		IsAction: true,
		Schedule: cron.Schedule{Kind: cron.KindInterval, Interval: time.Hour},
		NextTs:   rt.Now(),
		State:    cron.StateInProgress, // simulates a crash mid-action
	}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatal(err)
	}

	runner := &stubRunner{}
	exec := cron.NewExecutor(store, engine, runner, rt, 1)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- exec.Run(runCtx) }()

	waitForCondition(t, func() bool {
		got, found, err := store.Get(ctx, job.Id)
		return err == nil && found && got.State == cron.StatePending && got.NextTs.After(job.NextTs)
	})

	cancel()
	<-done

	if runner.actionCalls != 0 {
		t.Fatalf("expected the action to never be re-invoked after a crash, got %d calls", runner.actionCalls)
	}
}

func TestExecutorRecordsDeveloperErrorWithoutRetry(t *testing.T) {
	store, engine, rt := newTestStore(t)
	ctx := context.Background()

	job := cron.Job{
		Id:       mustCronId(3),
		Name:     "flaky",
		UdfPath:  "jobs:flaky",
		Schedule: cron.Schedule{Kind: cron.KindInterval, Interval: time.Minute},
		NextTs:   rt.Now(),
		State:    cron.StatePending,
	}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatal(err)
	}

	runner := &stubRunner{failNext: &errs.FunctionError{Path: job.UdfPath, Message: "boom"}}
	exec := cron.NewExecutor(store, engine, runner, rt, 1)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- exec.Run(runCtx) }()

	waitForCondition(t, func() bool {
		got, found, err := store.Get(ctx, job.Id)
		return err == nil && found && got.State == cron.StatePending && got.NextTs.After(job.NextTs)
	})

	cancel()
	<-done

	if runner.mutationCalls != 1 {
		t.Fatalf("developer error must not be retried, got %d calls", runner.mutationCalls)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
