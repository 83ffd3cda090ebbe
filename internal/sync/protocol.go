// Package sync implements the realtime subscription protocol: a
// per-connection worker holds a query set, subscribes to commit
// invalidation, and emits transition messages whose deltas are
// exactly what changed between server states. The invalidation-driven
// worker loop reuses the same internal/runtime.Runtime seam as
// internal/cron and internal/logsink.
package sync

import "github.com/tessera-db/coredb/internal/types"

// QueryId identifies one subscribed query within a connection's set.
type QueryId uint32

// Version is a monotonically increasing counter over a connection's
// query set (one side of the version vector alongside identity and
// timestamp).
type Version uint64

// ClientMessage is the tagged sum of messages a client may send.
type ClientMessage struct {
	Connect       *Connect
	Authenticate  *Authenticate
	ModifyQuerySet *ModifyQuerySet
	Mutation      *Mutation
}

type Connect struct {
	SessionId string
}

// Authenticate carries a bearer token. AdminActingAs lets an admin
// token impersonate a user identity for the rest of the session.
type Authenticate struct {
	Token        string
	AdminActingAs string
}

// QuerySetOp is one Add or Remove within a ModifyQuerySet batch.
type QuerySetOp struct {
	Add    *AddQuery
	Remove *QueryId
}

type AddQuery struct {
	Id   QueryId
	Path string
	Args []byte
}

// ModifyQuerySet is versioned: BaseVersion must match the connection's
// current query_set_version or the connection fails.
type ModifyQuerySet struct {
	BaseVersion Version
	Ops         []QuerySetOp
}

type Mutation struct {
	RequestId string
	Path      string
	Args      []byte
}

// ServerMessage is the tagged sum of messages the server may send.
type ServerMessage struct {
	Transition       *Transition
	MutationResponse *MutationResponse
	Hangup           *Hangup
}

// ModificationKind distinguishes the three ways a query's emitted
// value can change between two transitions.
type ModificationKind string

const (
	QueryUpdated ModificationKind = "QueryUpdated"
	QueryFailed  ModificationKind = "QueryFailed"
	QueryRemoved ModificationKind = "QueryRemoved"
)

type Modification struct {
	Kind  ModificationKind
	Query QueryId
	Value []byte // set for QueryUpdated
	Error string // set for QueryFailed
}

// Transition reports every modification between two query-set
// versions at a given commit timestamp.
type Transition struct {
	StartVersion  Version
	EndVersion    Version
	Ts            types.Timestamp
	Modifications []Modification
}

type MutationResponse struct {
	RequestId string
	Result    []byte
	Err       error
	Ts        types.Timestamp
}

// Hangup is sent immediately before the worker closes the connection,
// carrying the reason (AuthenticationFailed, RetentionExceeded, a
// query-set version mismatch).
type Hangup struct {
	Reason string
}
