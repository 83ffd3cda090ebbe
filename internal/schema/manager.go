// Package schema also owns the schema document lifecycle: a pushed
// schema starts Pending, is backfill-validated against every
// existing document, and only then becomes the Active schema that the
// commit path enforces — the previous Active document moves to
// Overwritten rather than being deleted, so a deployment can always
// see what schema a given commit timestamp was validated against.
package schema

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/iterator"
	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/types"
)

// State is a schema document's lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StateValidated   State = "validated"
	StateActive      State = "active"
	StateOverwritten State = "overwritten"
	StateFailed      State = "failed"
)

// Document is one pushed schema and where it sits in the lifecycle.
type Document struct {
	Schema        DatabaseSchema
	State         State
	FailureReason string
}

// Manager holds the active schema document and enforces it on the
// commit path via Enforce, implementing txn.SchemaEnforcer.
type Manager struct {
	mu      sync.RWMutex
	active  *Document
	pending *Document
	history []*Document
}

func NewManager() *Manager {
	return &Manager{}
}

// Active returns the currently enforced schema document, or nil if
// none has ever been activated.
func (m *Manager) Active() *Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Submit stages schema as Pending, ready for BackfillValidate.
func (m *Manager) Submit(schema DatabaseSchema) *Document {
	doc := &Document{Schema: schema, State: StatePending}
	m.mu.Lock()
	m.pending = doc
	m.mu.Unlock()
	return doc
}

// BackfillValidate walks every existing document of every table doc's
// schema names, at the store's most recent repeatable timestamp,
// against doc's validators. It moves doc to Validated on success or
// Failed (recording the first violation) otherwise. It never touches
// the Active document, so reads and writes against the current schema
// are unaffected while a new one is being checked.
func (m *Manager) BackfillValidate(ctx context.Context, store persistence.Store, doc *Document) error {
	resolve := tableResolver(doc.Schema)
	recent, err := store.MaxRepeatableTs(ctx)
	if err != nil {
		return err
	}

	for _, table := range doc.Schema.Tables {
		if table.DocumentType == nil {
			continue
		}
		tablet := types.TabletId(table.TableName)
		it := iterator.New(ctx, store, tablet, recent)
		for {
			d, err := it.Next()
			if err != nil {
				return err
			}
			if d == nil {
				break
			}
			var decoded map[string]interface{}
			if err := decodeBSON(d.Value, &decoded); err != nil {
				return err
			}
			if err := table.DocumentType.Validate(decoded, resolve, table.TableName); err != nil {
				m.mu.Lock()
				doc.State = StateFailed
				doc.FailureReason = err.Error()
				m.mu.Unlock()
				return nil
			}
		}
	}

	m.mu.Lock()
	doc.State = StateValidated
	m.mu.Unlock()
	return nil
}

// Activate promotes a Validated document to Active, moving whatever
// was previously Active to Overwritten. It fails if doc is not
// Validated, so a caller cannot skip the backfill step.
func (m *Manager) Activate(doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.State != StateValidated {
		return &errs.InvalidArgument{Message: "schema document must be validated before activation"}
	}
	if m.active != nil {
		m.active.State = StateOverwritten
		m.history = append(m.history, m.active)
	}
	doc.State = StateActive
	m.active = doc
	if m.pending == doc {
		m.pending = nil
	}
	return nil
}

// History returns every non-active document this manager has ever
// activated, oldest first.
func (m *Manager) History() []*Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Document(nil), m.history...)
}

func tableResolver(schema DatabaseSchema) TableResolver {
	names := make(map[string]struct{}, len(schema.Tables))
	for _, t := range schema.Tables {
		names[t.TableName] = struct{}{}
	}
	return func(tableName string) bool {
		_, ok := names[tableName]
		return ok
	}
}

func tableByName(schema DatabaseSchema, name string) *TableDefinition {
	for i := range schema.Tables {
		if schema.Tables[i].TableName == name {
			return &schema.Tables[i]
		}
	}
	return nil
}

// Enforce implements txn.SchemaEnforcer. The active schema's rejection
// fails the commit; a pending schema's rejection only marks it Failed
// so an operator sees why a migration can't go live, without blocking
// writes under the still-active schema.
func (m *Manager) Enforce(ctx context.Context, op persistence.WriteOp, value map[string]interface{}) error {
	m.mu.RLock()
	active, pending := m.active, m.pending
	m.mu.RUnlock()

	if active != nil && active.Schema.SchemaValidation {
		if table := tableByName(active.Schema, string(op.Tablet)); table != nil && table.DocumentType != nil {
			if err := table.DocumentType.Validate(value, tableResolver(active.Schema), string(op.Tablet)); err != nil {
				return err
			}
		}
	}

	if pending != nil && pending.State == StatePending && pending.Schema.SchemaValidation {
		if table := tableByName(pending.Schema, string(op.Tablet)); table != nil && table.DocumentType != nil {
			if err := table.DocumentType.Validate(value, tableResolver(pending.Schema), string(op.Tablet)); err != nil {
				m.mu.Lock()
				if m.pending == pending {
					pending.State = StateFailed
					pending.FailureReason = err.Error()
				}
				m.mu.Unlock()
			}
		}
	}

	return nil
}

func decodeBSON(data []byte, out *map[string]interface{}) error {
	return bson.Unmarshal(data, out)
}
