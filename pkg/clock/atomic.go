package clock

import (
	"sync/atomic"

	"cfstore/pkg/types"
)

// AtomicClock hands out monotonic sequence numbers. In a full deployment the
// write-ahead log assigns them; standalone stores and tests use this.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.SeqN) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.SeqN {
	return ac.Load()
}

func (ac *AtomicClock) Next() types.SeqN {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t types.SeqN) {
	ac.Store(t)
}
