package txn

import (
	"math"
	"sync"

	"github.com/tessera-db/coredb/internal/types"
)

// Registry tracks active transactions' read timestamps to compute the
// oldest snapshot still in use, keyed by commit timestamp rather than
// a log sequence number. The retention worker advances min_snapshot_ts
// no further than this value.
type Registry struct {
	mu         sync.Mutex
	active     map[*Transaction]struct{}
	minActive  types.Timestamp
}

func NewRegistry() *Registry {
	return &Registry{
		active:    make(map[*Transaction]struct{}),
		minActive: types.Timestamp(math.MaxInt64),
	}
}

func (r *Registry) register(tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[tx] = struct{}{}
	if tx.readTs < r.minActive {
		r.minActive = tx.readTs
	}
}

func (r *Registry) unregister(tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, tx)
	if len(r.active) == 0 {
		r.minActive = types.Timestamp(math.MaxInt64)
		return
	}
	min := types.Timestamp(math.MaxInt64)
	for t := range r.active {
		if t.readTs < min {
			min = t.readTs
		}
	}
	r.minActive = min
}

// MinActiveReadTs returns the smallest read timestamp among active
// transactions, or MaxInt64 if none are active.
func (r *Registry) MinActiveReadTs() types.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minActive
}
