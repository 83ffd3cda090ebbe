package cron

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

// Store is the transactional document-table backing for cron jobs and
// their run logs, built entirely on txn.Engine the way every other
// piece of state in the engine is.
type Store struct {
	engine *txn.Engine
}

func NewStore(engine *txn.Engine) *Store {
	return &Store{engine: engine}
}

// EnsureTables creates the cron job and log tables if they do not
// already exist, so a fresh deployment can start scheduling without a
// separate migration step.
func (s *Store) EnsureTables(ctx context.Context) error {
	for _, tablet := range []types.TabletId{Tablet, LogTablet} {
		if err := s.ensureTablet(ctx, tablet); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureTablet(ctx context.Context, tablet types.TabletId) error {
	tx, err := s.engine.Begin(ctx, "cron")
	if err != nil {
		return err
	}
	cursor, err := tx.Read(ctx, persistence.IndexScan{Tablet: tablet})
	tx.Close()
	if err == nil {
		cursor.Close()
		return nil
	}
	var invalid *errs.InvalidArgument
	if !errors.As(err, &invalid) {
		return err
	}

	tx, err = s.engine.Begin(ctx, "cron")
	if err != nil {
		return err
	}
	tx.CreateTable(tablet)
	_, err = tx.Commit(ctx)
	return err
}

// Insert stages a new job and commits it immediately.
func (s *Store) Insert(ctx context.Context, job Job) error {
	tx, err := s.engine.Begin(ctx, "cron")
	if err != nil {
		return err
	}
	defer tx.Close()
	val, err := EncodeJob(job)
	if err != nil {
		return err
	}
	tx.Insert(Tablet, job.Id, val)
	_, err = tx.Commit(ctx)
	return err
}

// InsertLog appends a run log entry.
func (s *Store) InsertLog(ctx context.Context, entry LogEntry) error {
	tx, err := s.engine.Begin(ctx, "cron")
	if err != nil {
		return err
	}
	defer tx.Close()
	val, err := EncodeLog(entry)
	if err != nil {
		return err
	}
	tx.Insert(LogTablet, entry.Id, val)
	_, err = tx.Commit(ctx)
	return err
}

// Get reads a single job by id.
func (s *Store) Get(ctx context.Context, id types.InternalId) (Job, bool, error) {
	tx, err := s.engine.Begin(ctx, "cron")
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Close()
	doc, found, err := tx.Get(ctx, Tablet, id)
	if err != nil || !found {
		return Job{}, false, err
	}
	job, err := DecodeJob(doc.Value)
	return job, err == nil, err
}

// Due returns every job whose next_ts has passed, ordered ascending by
// next_ts, so the caller can pace pickup in schedule order. An
// InProgress job is included too: that state only persists across a
// crash (finishJob always resets it to Pending before returning), so
// seeing it here means a prior attempt never completed and the picker
// must run the crash-recovery path rather than wait forever.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Job, error) {
	tx, err := s.engine.Begin(ctx, "cron")
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	cursor, err := tx.Read(ctx, persistence.IndexScan{Tablet: Tablet})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var due []Job
	for {
		doc, err := cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			break
		}
		job, err := DecodeJob(doc.Value)
		if err != nil {
			return nil, err
		}
		if (job.State == StatePending || job.State == StateInProgress) && !job.NextTs.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextTs.Before(due[j].NextTs) })
	return due, nil
}

// UpdateIfUnchanged re-reads id, and if its State and NextTs still
// match expected, applies mutate and commits the result. It reports
// changed=false both when the document moved on (another attempt
// already updated it, mirroring new_transaction_for_job_state) and
// when the commit lost an OCC race — in both cases the caller should
// treat the job as already handled rather than retry this call.
func (s *Store) UpdateIfUnchanged(ctx context.Context, expected Job, mutate func(*Job)) (changed bool, err error) {
	tx, err := s.engine.Begin(ctx, "cron")
	if err != nil {
		return false, err
	}
	defer tx.Close()

	doc, found, err := tx.Get(ctx, Tablet, expected.Id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	current, err := DecodeJob(doc.Value)
	if err != nil {
		return false, err
	}
	if current.State != expected.State || !current.NextTs.Equal(expected.NextTs) {
		return false, nil
	}

	mutate(&current)
	val, err := EncodeJob(current)
	if err != nil {
		return false, err
	}
	tx.Replace(Tablet, expected.Id, val)
	if _, err := tx.Commit(ctx); err != nil {
		if errs.IsDeveloperError(err) {
			return false, err
		}
		var occ *errs.Occ
		if errors.As(err, &occ) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
