package logsink

import "context"

// Sink is an external log destination (Datadog, Axiom, a webhook, a
// file). A deployment wires its own implementations; this package
// only owns the fanout and the state machine around them.
type Sink interface {
	// Start validates the sink's configuration and establishes any
	// connection it needs, under the timeout the caller's ctx carries.
	Start(ctx context.Context) error
	// Send delivers a batch of events. A returned error is logged and the
	// batch is dropped; the sink stays live and keeps receiving events.
	Send(ctx context.Context, events []Event) error
	// Stop releases any resources Start acquired.
	Stop()
}

// Factory builds a Sink from a control-table row's config, so the
// manager never needs a type switch over sink kinds.
type Factory func(sinkType string, config map[string]interface{}) (Sink, error)
