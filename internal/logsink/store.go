package logsink

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/txn"
	"github.com/tessera-db/coredb/internal/types"
)

// Store is the transactional control table backing log sink rows,
// built on txn.Engine the same way internal/cron's job table is.
type Store struct {
	engine *txn.Engine
}

func NewStore(engine *txn.Engine) *Store {
	return &Store{engine: engine}
}

func (s *Store) EnsureTable(ctx context.Context) error {
	tx, err := s.engine.Begin(ctx, "logsink")
	if err != nil {
		return err
	}
	cursor, err := tx.Read(ctx, persistence.IndexScan{Tablet: Tablet})
	tx.Close()
	if err == nil {
		cursor.Close()
		return nil
	}
	var invalid *errs.InvalidArgument
	if !errors.As(err, &invalid) {
		return err
	}

	tx, err = s.engine.Begin(ctx, "logsink")
	if err != nil {
		return err
	}
	tx.CreateTable(Tablet)
	_, err = tx.Commit(ctx)
	return err
}

// List returns every row in the control table.
func (s *Store) List(ctx context.Context) ([]Row, error) {
	tx, err := s.engine.Begin(ctx, "logsink")
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	cursor, err := tx.Read(ctx, persistence.IndexScan{Tablet: Tablet})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var rows []Row
	for {
		doc, err := cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			break
		}
		row, err := DecodeRow(doc.Value)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Create inserts a new Pending row for sinkType, tombstoning whatever
// live (non-Tombstoned) row of the same type exists in the same
// commit: a config update replaces the live row and marks the old one
// Tombstoned.
func (s *Store) Create(ctx context.Context, sinkType string, config map[string]interface{}) (Row, error) {
	tx, err := s.engine.Begin(ctx, "logsink")
	if err != nil {
		return Row{}, err
	}
	defer tx.Close()

	cursor, err := tx.Read(ctx, persistence.IndexScan{Tablet: Tablet})
	if err != nil {
		return Row{}, err
	}
	var toTombstone []Row
	for {
		doc, err := cursor.Next(ctx)
		if err != nil {
			cursor.Close()
			return Row{}, err
		}
		if doc == nil {
			break
		}
		row, err := DecodeRow(doc.Value)
		if err != nil {
			cursor.Close()
			return Row{}, err
		}
		if row.SinkType == sinkType && row.Status != StatusTombstoned {
			toTombstone = append(toTombstone, row)
		}
	}
	cursor.Close()

	for _, row := range toTombstone {
		row.Status = StatusTombstoned
		val, err := EncodeRow(row)
		if err != nil {
			return Row{}, err
		}
		tx.Replace(Tablet, row.Id, val)
	}

	fresh := Row{Id: types.InternalId(uuid.New()), SinkType: sinkType, Config: config, Status: StatusPending}
	val, err := EncodeRow(fresh)
	if err != nil {
		return Row{}, err
	}
	tx.Insert(Tablet, fresh.Id, val)
	if _, err := tx.Commit(ctx); err != nil {
		return Row{}, err
	}
	return fresh, nil
}

// UpdateStatus re-reads id and, if still in fromStatus, writes status
// (and failureReason, for Failed). Returns changed=false if the row
// moved on or was deleted under us.
func (s *Store) UpdateStatus(ctx context.Context, id types.InternalId, fromStatus, status Status, failureReason string) (changed bool, err error) {
	tx, err := s.engine.Begin(ctx, "logsink")
	if err != nil {
		return false, err
	}
	defer tx.Close()

	doc, found, err := tx.Get(ctx, Tablet, id)
	if err != nil || !found {
		return false, err
	}
	row, err := DecodeRow(doc.Value)
	if err != nil {
		return false, err
	}
	if row.Status != fromStatus {
		return false, nil
	}
	row.Status = status
	row.FailureReason = failureReason
	val, err := EncodeRow(row)
	if err != nil {
		return false, err
	}
	tx.Replace(Tablet, id, val)
	if _, err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteTombstoned removes every row currently Tombstoned, returning
// the ids it deleted so the caller can drop their in-memory clients.
func (s *Store) DeleteTombstoned(ctx context.Context) ([]types.InternalId, error) {
	rows, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var toDelete []types.InternalId
	for _, row := range rows {
		if row.Status == StatusTombstoned {
			toDelete = append(toDelete, row.Id)
		}
	}
	if len(toDelete) == 0 {
		return nil, nil
	}

	tx, err := s.engine.Begin(ctx, "logsink")
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	for _, id := range toDelete {
		tx.Delete(Tablet, id)
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return toDelete, nil
}
