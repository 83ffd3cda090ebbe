package errs_test

import (
	"testing"

	"github.com/tessera-db/coredb/internal/errs"
)

func TestClassification(t *testing.T) {
	if !errs.IsDeveloperError(&errs.SchemaEnforcement{TableName: "accounts", Reason: "missing field"}) {
		t.Fatal("expected SchemaEnforcement to classify as a developer error")
	}
	if errs.IsDeveloperError(&errs.Occ{}) {
		t.Fatal("Occ should not classify as a developer error")
	}
	if !errs.IsSystemError(&errs.PersistenceWriteError{}) {
		t.Fatal("expected PersistenceWriteError to classify as a system error")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	base := &errs.SchemaEnforcement{TableName: "accounts", Reason: "bad type"}
	wrapped := errs.Wrap(base, "commit failed for table %s", "accounts")
	if !errs.IsDeveloperError(wrapped) {
		t.Fatal("classification should survive wrapping")
	}
	if wrapped.Error() == "" {
		t.Fatal("expected non-empty wrapped error message")
	}
}
