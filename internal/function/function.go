// Package function defines the narrow boundary between the engine and
// a developer function runtime (query/mutation/action execution),
// which is out of scope for this engine: it owns persistence,
// transactions, and the cron/sync/search machinery that drives
// function calls, not the sandboxed JS/Wasm execution environment
// itself. internal/cron and internal/sync depend only on this
// interface, so a real deployment supplies its own Runner without this
// module knowing anything about how functions are defined or sandboxed.
package function

import "context"

// Type is the kind of function being invoked: a query, a mutation, or
// an action.
type Type string

const (
	TypeQuery    Type = "query"
	TypeMutation Type = "mutation"
	TypeAction   Type = "action"
)

// Runner executes a developer function by path against BSON-encoded
// arguments and returns its BSON-encoded result. A developer error
// (the function itself failed, as opposed to a system/infra failure)
// must be returned wrapped so callers can distinguish it via
// errs.IsDeveloperError — this package does not define that wrapper
// itself to avoid a dependency on internal/errs from so narrow a seam;
// callers are expected to use internal/errs.FunctionError.
type Runner interface {
	RunQuery(ctx context.Context, path string, args []byte) ([]byte, error)
	RunMutation(ctx context.Context, path string, args []byte) ([]byte, error)
	RunAction(ctx context.Context, path string, args []byte) ([]byte, error)
}

// Stub is a Runner that always succeeds with an empty BSON document,
// for tests and for deployments that have not wired a real function
// runtime yet.
type Stub struct{}

func (Stub) RunQuery(ctx context.Context, path string, args []byte) ([]byte, error) {
	return emptyDocument, nil
}

func (Stub) RunMutation(ctx context.Context, path string, args []byte) ([]byte, error) {
	return emptyDocument, nil
}

func (Stub) RunAction(ctx context.Context, path string, args []byte) ([]byte, error) {
	return emptyDocument, nil
}

// emptyDocument is the BSON encoding of {}.
var emptyDocument = []byte{0x05, 0x00, 0x00, 0x00, 0x00}
