package memstore

import (
	"sync"

	"cfstore/pkg/cell"
	"cfstore/pkg/dberrors"
	"cfstore/pkg/types"
)

// MemStore is the mutable segment of a store: an active writable generation
// and at most one immutable snapshot generation being flushed.
//
// Writers only need the read side of the generation lock; the concurrent
// skipmap handles per-entry mutual exclusion. Snapshot takes the write side,
// so a write lands entirely in the pre-snapshot or the post-snapshot
// generation, never split across both.
type MemStore struct {
	mu     sync.RWMutex
	active *segment
	snap   *segment // nil unless a flush is in progress
}

func New() *MemStore {
	return &MemStore{active: newSegment()}
}

// Add unconditionally inserts the cell. Returns the memstore size delta.
func (ms *MemStore) Add(c *cell.Cell) int64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.active.add(c)
}

// Upsert inserts each cell and removes existing versions of the same column
// whose sequence number is at or below readpointFloor, i.e. versions no
// reader can still require. This bounds memory growth under repeated
// overwrites of the same cell. Atomic per cell, not across the batch.
func (ms *MemStore) Upsert(cells []*cell.Cell, readpointFloor types.SeqN) int64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var delta int64
	for _, c := range cells {
		d := ms.active.add(c)
		freed := ms.active.entry(c).dropSuperseded(c, readpointFloor)
		if freed != 0 {
			ms.active.size.Add(-freed)
		}
		delta += d - freed
	}
	return delta
}

// Rollback removes the exact cell (identity key and sequence number both
// matching) from the active generation. A mismatch is a no-op. Returns the
// size freed (zero when nothing matched).
func (ms *MemStore) Rollback(c *cell.Cell) int64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	freed := ms.active.entry(c).remove(c)
	if freed != 0 {
		ms.active.size.Add(-freed)
	}
	return freed
}

// Snapshot atomically freezes the active generation for flushing and
// installs a fresh empty one. Fails with ErrSnapshotPending while a previous
// snapshot has not been cleared; the caller queues and retries.
func (ms *MemStore) Snapshot() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.snap != nil {
		return dberrors.ErrSnapshotPending
	}
	ms.snap = ms.active
	ms.active = newSegment()
	return nil
}

// ClearSnapshot releases the snapshot after a successful flush.
func (ms *MemStore) ClearSnapshot() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.snap == nil {
		return dberrors.ErrNoSnapshot
	}
	ms.snap = nil
	return nil
}

// SnapshotCells returns the frozen generation's cells in comparator order,
// or nil when no snapshot is pending.
func (ms *MemStore) SnapshotCells() []*cell.Cell {
	ms.mu.RLock()
	snap := ms.snap
	ms.mu.RUnlock()

	if snap == nil {
		return nil
	}
	return snap.sorted()
}

// Size is the heap footprint of the active generation.
func (ms *MemStore) Size() int64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.active.size.Load()
}

// SnapshotSize is the heap footprint of the pending snapshot, zero if none.
func (ms *MemStore) SnapshotSize() int64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.snap == nil {
		return 0
	}
	return ms.snap.size.Load()
}

// MaxSeq is the highest sequence number ever written to this memstore
// (active and pending snapshot included).
func (ms *MemStore) MaxSeq() types.SeqN {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	max := ms.active.maxSeq.Load()
	if ms.snap != nil {
		if s := ms.snap.maxSeq.Load(); s > max {
			max = s
		}
	}
	return max
}

// Scanners returns one scanner per live generation, active first (so a
// merged read encounters newer layers before older ones). Each scanner holds
// a consistent materialized view taken at call time.
func (ms *MemStore) Scanners() []*Scanner {
	ms.mu.RLock()
	active, snap := ms.active, ms.snap
	ms.mu.RUnlock()

	out := []*Scanner{newScanner(active.sorted(), ^uint64(0))}
	if snap != nil {
		out = append(out, newScanner(snap.sorted(), ^uint64(0)-1))
	}
	return out
}
