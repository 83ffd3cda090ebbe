// Package errs defines the core's error taxonomy: one struct per failure
// mode, plus the developer/system classification every worker loop's
// retry-vs-propagate decision depends on.
package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error for the purposes of worker-loop propagation:
// developer errors propagate unchanged, system errors are retried with
// backoff and eventually reported.
type Kind int

const (
	KindDeveloper Kind = iota
	KindConcurrency
	KindRetention
	KindAuth
	KindSystem
)

// Classified is satisfied by every error type in this package.
type Classified interface {
	error
	Kind() Kind
}

// IsDeveloperError reports whether err (or a wrapped cause) is a developer
// error: it propagates to the caller unchanged and never causes a worker
// restart.
func IsDeveloperError(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind() == KindDeveloper
	}
	return false
}

// IsSystemError reports whether err should be retried with backoff.
func IsSystemError(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind() == KindSystem
	}
	// Unclassified errors (e.g. raw I/O errors bubbling out of the
	// persistence adapter) are treated as system errors by default.
	return true
}

// --- Concurrency / retry ---

// Occ signals that a committed writer invalidated this transaction's read
// set between ts_read and ts_commit.
type Occ struct {
	ReadTs   int64
	CommitTs int64
	Reason   string
}

func (e *Occ) Error() string {
	return fmt.Sprintf("optimistic concurrency conflict: read_ts=%d conflicting_commit_ts=%d: %s", e.ReadTs, e.CommitTs, e.Reason)
}
func (e *Occ) Kind() Kind { return KindConcurrency }

// Overloaded signals the committer queue was full.
type Overloaded struct {
	QueueDepth int
}

func (e *Overloaded) Error() string {
	return fmt.Sprintf("committer overloaded: queue depth %d", e.QueueDepth)
}
func (e *Overloaded) Kind() Kind { return KindConcurrency }

// CommitterFull is Overloaded's sibling for the bounded committer queue
// specifically (as opposed to downstream backpressure).
type CommitterFull struct{}

func (e *CommitterFull) Error() string { return "committer queue is full" }
func (e *CommitterFull) Kind() Kind    { return KindConcurrency }

// SubscriptionsWorkerFull signals the sync worker's invalidation queue
// could not accept another notification.
type SubscriptionsWorkerFull struct {
	ClientId string
}

func (e *SubscriptionsWorkerFull) Error() string {
	return fmt.Sprintf("subscriptions worker full for client %q", e.ClientId)
}
func (e *SubscriptionsWorkerFull) Kind() Kind { return KindConcurrency }

// --- Retention / time ---

// RetentionExceeded signals ts_read fell below min_snapshot_ts.
type RetentionExceeded struct {
	RequestedTs int64
	MinSnapshot int64
}

func (e *RetentionExceeded) Error() string {
	return fmt.Sprintf("timestamp %d is before the retention window (min_snapshot_ts=%d)", e.RequestedTs, e.MinSnapshot)
}
func (e *RetentionExceeded) Kind() Kind { return KindRetention }

// BootstrappingTableSummary signals the summary for a tablet has not yet
// finished its initial bootstrap walk.
type BootstrappingTableSummary struct {
	TabletId string
}

func (e *BootstrappingTableSummary) Error() string {
	return fmt.Sprintf("table summary for tablet %q is still bootstrapping", e.TabletId)
}
func (e *BootstrappingTableSummary) Kind() Kind { return KindRetention }

// --- Auth ---

// AuthenticationFailed signals an invalid or expired admin/user token.
type AuthenticationFailed struct {
	Reason string
}

func (e *AuthenticationFailed) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}
func (e *AuthenticationFailed) Kind() Kind { return KindAuth }

// --- Developer errors ---

// SchemaEnforcement signals a staged write violates the active (or
// pending) schema validator.
type SchemaEnforcement struct {
	TableName string
	Reason    string
}

func (e *SchemaEnforcement) Error() string {
	return fmt.Sprintf("document in table %q does not match the schema: %s", e.TableName, e.Reason)
}
func (e *SchemaEnforcement) Kind() Kind { return KindDeveloper }

// InvalidArgument is a generic developer-facing validation failure.
type InvalidArgument struct {
	Message string
}

func (e *InvalidArgument) Error() string { return e.Message }
func (e *InvalidArgument) Kind() Kind    { return KindDeveloper }

// IndexBackfillInProgress signals a query targeted an index that has not
// finished its initial backfill.
type IndexBackfillInProgress struct {
	IndexName string
}

func (e *IndexBackfillInProgress) Error() string {
	return fmt.Sprintf("index %q is still backfilling", e.IndexName)
}
func (e *IndexBackfillInProgress) Kind() Kind { return KindDeveloper }

// TableConflict signals a name/number uniqueness invariant would be
// violated by a tablet transition.
type TableConflict struct {
	Name string
}

func (e *TableConflict) Error() string {
	return fmt.Sprintf("table %q conflicts with an existing active table", e.Name)
}
func (e *TableConflict) Kind() Kind { return KindDeveloper }

// DuplicateKeyError signals a write into a unique index collided with an
// existing key.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key violation: key %q already exists in unique index", e.Key)
}
func (e *DuplicateKeyError) Kind() Kind { return KindDeveloper }

// InvalidCursor signals a table-iterator or scan cursor was malformed or
// stale.
type InvalidCursor struct {
	Reason string
}

func (e *InvalidCursor) Error() string { return fmt.Sprintf("invalid cursor: %s", e.Reason) }
func (e *InvalidCursor) Kind() Kind    { return KindDeveloper }

// FunctionError wraps a developer function's own failure (a thrown JS
// error, a failed assertion), as opposed to a system error in the
// engine that called it. Callers (cron, sync) must not retry the
// function itself on this error, only the bookkeeping that records it.
type FunctionError struct {
	Path    string
	Message string
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("function %s failed: %s", e.Path, e.Message)
}
func (e *FunctionError) Kind() Kind { return KindDeveloper }

// QuerySetVersionMismatch signals a sync worker's ModifyQuerySet did
// not build on the connection's current query_set_version.
type QuerySetVersionMismatch struct {
	Expected uint64
	Got      uint64
}

func (e *QuerySetVersionMismatch) Error() string {
	return fmt.Sprintf("query set version mismatch: expected %d, got %d", e.Expected, e.Got)
}
func (e *QuerySetVersionMismatch) Kind() Kind { return KindDeveloper }

// --- System ---

// PersistenceWriteError wraps a failure from the persistence adapter's
// write path.
type PersistenceWriteError struct {
	Cause error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("persistence write failed: %v", e.Cause)
}
func (e *PersistenceWriteError) Unwrap() error { return e.Cause }
func (e *PersistenceWriteError) Kind() Kind    { return KindSystem }

// Shutdown signals cooperative exit: every worker loop treats this as a
// request to return promptly instead of retrying.
type Shutdown struct{}

func (e *Shutdown) Error() string { return "shutting down" }
func (e *Shutdown) Kind() Kind    { return KindSystem }

// Wrap attaches additional context to err using cockroachdb/errors, which
// preserves the original error for errors.As/errors.Is and for Sentry
// fingerprinting in the worker loops.
func Wrap(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
