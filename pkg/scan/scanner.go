// Package scan provides the building blocks of the scan merge engine: the
// layer scanner contract, a heap-based k-way merge, and the query matcher
// that applies MVCC visibility, delete-marker shadowing, version limits and
// TTL to the merged cell stream.
package scan

import (
	"cfstore/pkg/cell"
	"cfstore/pkg/types"
)

// KeyValueScanner is one sorted layer of a merged read: a memstore
// generation or a store file. Implementations yield cells in comparator
// order.
type KeyValueScanner interface {
	// Peek returns the current cell without consuming it, nil when
	// exhausted. A layer that hit a read failure also peeks nil and
	// latches the failure for Err; nil-Peek alone never means clean
	// exhaustion.
	Peek() *cell.Cell
	// Err reports a read failure latched by Peek, nil otherwise.
	Err() error
	// Next consumes and returns the current cell, nil when exhausted.
	Next() (*cell.Cell, error)
	// Seek positions at the first cell >= target; false when exhausted.
	Seek(target *cell.Cell) (bool, error)
	// SequenceID ranks the layer's recency: memstore above every file,
	// files by their sequence id. Ties in the merge break toward the
	// higher SequenceID so newer layers are consumed first.
	SequenceID() uint64
	Close()
}

// Spec describes one scan request.
type Spec struct {
	// StartRow is inclusive; nil scans from the beginning.
	StartRow types.Key
	// StopRow is exclusive; nil scans to the end.
	StopRow types.Key
	// Columns restricts qualifiers; nil selects all.
	Columns [][]byte
	// MaxVersions caps versions returned per column; 0 defers to the
	// family maximum.
	MaxVersions int
	// MinTimestamp and MaxTimestamp bound cell timestamps, both
	// inclusive. MaxTimestamp 0 means unbounded.
	MinTimestamp types.TimestampMs
	MaxTimestamp types.TimestampMs
	// Readpoint is the highest sequence number visible to this reader.
	Readpoint types.SeqN
}
