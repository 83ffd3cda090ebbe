package schema_test

import (
	"context"
	"encoding/json"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tessera-db/coredb/internal/persistence"
	"github.com/tessera-db/coredb/internal/persistence/memstore"
	"github.com/tessera-db/coredb/internal/schema"
	"github.com/tessera-db/coredb/internal/types"
)

func TestVectorIndexSchemaAcceptsLegacyDimensionField(t *testing.T) {
	var v schema.VectorIndexSchema
	if err := json.Unmarshal([]byte(`{"indexDescriptor":"by_embedding","vectorField":"embedding","dimension":1536,"filterFields":[]}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.Dimensions != 1536 {
		t.Fatalf("expected dimensions 1536, got %d", v.Dimensions)
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var roundTrip map[string]interface{}
	if err := json.Unmarshal(out, &roundTrip); err != nil {
		t.Fatal(err)
	}
	if _, hasSingular := roundTrip["dimension"]; hasSingular {
		t.Fatal("expected output to use only the plural dimensions field")
	}
	if roundTrip["dimensions"].(float64) != 1536 {
		t.Fatalf("expected dimensions 1536 in output, got %v", roundTrip["dimensions"])
	}
}

func TestVectorIndexSchemaRequiresADimensionField(t *testing.T) {
	var v schema.VectorIndexSchema
	err := json.Unmarshal([]byte(`{"indexDescriptor":"by_embedding","vectorField":"embedding","filterFields":[]}`), &v)
	if err == nil {
		t.Fatal("expected an error for a missing dimensions/dimension field")
	}
}

func objectValidator(fields map[string]schema.FieldValidator) *schema.Validator {
	return &schema.Validator{Tag: schema.TagObject, Fields: fields}
}

func TestValidatorRejectsWrongType(t *testing.T) {
	v := objectValidator(map[string]schema.FieldValidator{
		"name": {Validator: &schema.Validator{Tag: schema.TagString}},
	})
	if err := v.Validate(map[string]interface{}{"name": float64(1)}, nil, "users"); err == nil {
		t.Fatal("expected a type mismatch error")
	}
	if err := v.Validate(map[string]interface{}{"name": "ok"}, nil, "users"); err != nil {
		t.Fatalf("expected a matching document to validate, got %v", err)
	}
}

func TestValidatorRequiresNonOptionalFields(t *testing.T) {
	v := objectValidator(map[string]schema.FieldValidator{
		"name": {Validator: &schema.Validator{Tag: schema.TagString}, Optional: false},
		"bio":  {Validator: &schema.Validator{Tag: schema.TagString}, Optional: true},
	})
	if err := v.Validate(map[string]interface{}{}, nil, "users"); err == nil {
		t.Fatal("expected a missing required field error")
	}
	if err := v.Validate(map[string]interface{}{"name": "a"}, nil, "users"); err != nil {
		t.Fatalf("expected the optional field to be skippable, got %v", err)
	}
}

func TestManagerLifecycleActivatesAfterBackfill(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("users")
	s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1)
	var id types.InternalId
	id[15] = 1
	v, _ := bson.Marshal(bson.M{"name": "alice"})
	if err := s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: types.DocumentId{TabletId: tablet, InternalId: id}, Value: v}}}, 2); err != nil {
		t.Fatal(err)
	}

	db := schema.DatabaseSchema{
		SchemaValidation: true,
		Tables: []schema.TableDefinition{{
			TableName: "users",
			DocumentType: objectValidator(map[string]schema.FieldValidator{
				"name": {Validator: &schema.Validator{Tag: schema.TagString}},
			}),
		}},
	}

	m := schema.NewManager()
	doc := m.Submit(db)
	if err := m.BackfillValidate(ctx, s, doc); err != nil {
		t.Fatal(err)
	}
	if doc.State != schema.StateValidated {
		t.Fatalf("expected the existing document to pass backfill, got state %q (%s)", doc.State, doc.FailureReason)
	}
	if err := m.Activate(doc); err != nil {
		t.Fatal(err)
	}
	if m.Active() != doc {
		t.Fatal("expected the validated document to become active")
	}

	good := persistence.WriteOp{Tablet: tablet}
	if err := m.Enforce(ctx, good, map[string]interface{}{"name": "bob"}); err != nil {
		t.Fatalf("expected a matching write to be accepted, got %v", err)
	}
	if err := m.Enforce(ctx, good, map[string]interface{}{"name": 5}); err == nil {
		t.Fatal("expected the active schema to reject a mistyped write")
	}
}

func TestManagerBackfillFailsOnExistingMismatch(t *testing.T) {
	ctx := context.Background()
	s, err := memstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tablet := types.TabletId("users")
	s.Write(ctx, persistence.WriteBatch{Lifecycle: []persistence.TableLifecycleOp{{Tablet: tablet, Created: true}}}, 1)
	var id types.InternalId
	id[15] = 1
	v, _ := bson.Marshal(bson.M{"name": float64(5)})
	if err := s.Write(ctx, persistence.WriteBatch{Writes: []persistence.WriteOp{{Tablet: tablet, Id: types.DocumentId{TabletId: tablet, InternalId: id}, Value: v}}}, 2); err != nil {
		t.Fatal(err)
	}

	db := schema.DatabaseSchema{
		SchemaValidation: true,
		Tables: []schema.TableDefinition{{
			TableName: "users",
			DocumentType: objectValidator(map[string]schema.FieldValidator{
				"name": {Validator: &schema.Validator{Tag: schema.TagString}},
			}),
		}},
	}
	m := schema.NewManager()
	doc := m.Submit(db)
	if err := m.BackfillValidate(ctx, s, doc); err != nil {
		t.Fatal(err)
	}
	if doc.State != schema.StateFailed {
		t.Fatalf("expected backfill to fail on the existing mistyped document, got %q", doc.State)
	}
	if err := m.Activate(doc); err == nil {
		t.Fatal("expected activation of a failed document to be rejected")
	}
}
