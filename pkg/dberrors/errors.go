package dberrors

import "errors"

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("cfstore: closed")

	// ErrSnapshotPending rejects a second memstore snapshot while one is
	// still being flushed. The caller queues and retries.
	ErrSnapshotPending = errors.New("cfstore: flush snapshot already pending")

	// ErrNoSnapshot is returned when clearing a snapshot that does not exist.
	ErrNoSnapshot = errors.New("cfstore: no flush snapshot in progress")

	// ErrWrongRange rejects a bulk-load file whose key range falls outside
	// the store's assigned row range. Recoverable: route the file elsewhere.
	ErrWrongRange = errors.New("cfstore: file does not fit store key range")

	// ErrInvalidFile rejects a structurally malformed store file.
	ErrInvalidFile = errors.New("cfstore: invalid store file")

	// ErrOutOfOrder reports cells appended to a writer out of comparator
	// order. This is a programming error on the producing side.
	ErrOutOfOrder = errors.New("cfstore: cell appended out of order")

	// ErrFilePinned reports an attempt to select a store file that is
	// already an input of an unresolved compaction.
	ErrFilePinned = errors.New("cfstore: file pinned by another compaction")

	// ErrCompactionCommitted rejects cancellation of a compaction whose
	// output has already been swapped into the file set.
	ErrCompactionCommitted = errors.New("cfstore: compaction already committed")

	// ErrNothingToCompact is returned when the selection policy finds no
	// eligible file set for a compaction request.
	ErrNothingToCompact = errors.New("cfstore: no files eligible for compaction")
)
