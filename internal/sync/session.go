package sync

import "bytes"

// subscribedQuery tracks one query's last emitted result, so a
// re-evaluation can be diffed against it and only changes are sent.
type subscribedQuery struct {
	path      string
	args      []byte
	lastValue []byte
	lastErr   string
	failed    bool
	hasEmitted bool
}

func (q *subscribedQuery) diff(value []byte, err error) (Modification, bool) {
	if err != nil {
		msg := err.Error()
		if q.hasEmitted && q.failed && q.lastErr == msg {
			return Modification{}, false
		}
		return Modification{Kind: QueryFailed, Error: msg}, true
	}
	if q.hasEmitted && !q.failed && bytes.Equal(q.lastValue, value) {
		return Modification{}, false
	}
	return Modification{Kind: QueryUpdated, Value: value}, true
}

func (q *subscribedQuery) apply(mod Modification) {
	q.hasEmitted = true
	switch mod.Kind {
	case QueryUpdated:
		q.failed = false
		q.lastValue = mod.Value
		q.lastErr = ""
	case QueryFailed:
		q.failed = true
		q.lastErr = mod.Error
		q.lastValue = nil
	}
}
