package storefile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"cfstore/pkg/dberrors"
	"cfstore/pkg/types"
)

// Reader is an open, immutable store file. It is shared by concurrent
// scanners; lifetime is reference counted so a file retired by compaction is
// only closed and deleted from durable storage once no scanner holds it.
//
// A reference half-file (split product) wraps its parent reader and exposes
// only the rows on one side of the split boundary.
type Reader struct {
	path string
	f    *os.File
	size int64

	meta  Meta
	index []indexEntry
	bloom *rowBloom

	parent *Reader // non-nil for reference files

	refs     atomic.Int64
	obsolete atomic.Bool
}

// Open loads a store file's trailer, meta, index and bloom filter. Corrupted
// framing surfaces as ErrInvalidFile immediately rather than serving wrong
// data later.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}

	r := &Reader{path: path, f: f}
	r.refs.Store(1)

	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}

	if r.meta.Reference != nil {
		parent, err := Open(r.meta.Reference.ParentPath)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open reference parent: %w", err)
		}
		r.parent = parent
	}

	return r, nil
}

func (r *Reader) load() error {
	st, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat store file: %w", err)
	}
	r.size = st.Size()
	if r.size < trailerLen {
		return fmt.Errorf("%w: %s: file shorter than trailer", dberrors.ErrInvalidFile, r.path)
	}

	tb := make([]byte, trailerLen)
	if _, err := r.f.ReadAt(tb, r.size-trailerLen); err != nil {
		return fmt.Errorf("failed to read trailer: %w", err)
	}
	t, ok := unmarshalTrailer(tb)
	if !ok {
		return fmt.Errorf("%w: %s: bad trailer magic", dberrors.ErrInvalidFile, r.path)
	}

	section := func(off, ln int64, name string) ([]byte, error) {
		if off < 0 || ln < 0 || off+ln > r.size-trailerLen {
			return nil, fmt.Errorf("%w: %s: %s section out of bounds", dberrors.ErrInvalidFile, r.path, name)
		}
		b := make([]byte, ln)
		if _, err := r.f.ReadAt(b, off); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return b, nil
	}

	mb, err := section(t.metaOff, t.metaLen, "meta")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(mb, &r.meta); err != nil {
		return fmt.Errorf("%w: %s: meta: %v", dberrors.ErrInvalidFile, r.path, err)
	}

	ib, err := section(t.indexOff, t.indexLen, "index")
	if err != nil {
		return err
	}
	if r.index, err = decodeIndex(ib); err != nil {
		return fmt.Errorf("%w: %s: index: %v", dberrors.ErrInvalidFile, r.path, err)
	}

	bb, err := section(t.bloomOff, t.bloomLen, "bloom")
	if err != nil {
		return err
	}
	bloom, ok := unmarshalRowBloom(bb)
	if !ok {
		return fmt.Errorf("%w: %s: bloom filter", dberrors.ErrInvalidFile, r.path)
	}
	r.bloom = bloom

	return nil
}

func (r *Reader) Path() string      { return r.path }
func (r *Reader) Meta() Meta        { return r.meta }
func (r *Reader) IsBulkLoaded() bool { return r.meta.BulkLoaded }
func (r *Reader) IsReference() bool { return r.meta.Reference != nil }

func (r *Reader) SequenceID() types.SeqN { return r.meta.SequenceID }
func (r *Reader) MaxSeq() types.SeqN     { return r.meta.MaxSeq }
func (r *Reader) EntryCount() int64      { return r.meta.EntryCount }

// Size is the file's byte size on storage; a reference reports half its
// parent, the usual approximation for split accounting.
func (r *Reader) Size() int64 {
	if r.parent != nil {
		return r.parent.Size() / 2
	}
	return r.size
}

func (r *Reader) UncompressedSize() int64 {
	if r.parent != nil {
		return r.parent.UncompressedSize() / 2
	}
	return r.meta.UncompressedBytes
}

func (r *Reader) IndexSize() int64 {
	if r.parent != nil {
		return r.parent.IndexSize()
	}
	var n int64
	for _, e := range r.index {
		n += int64(len(e.firstKey.Row)+len(e.firstKey.Family)+len(e.firstKey.Qualifier)) + 33
	}
	return n
}

func (r *Reader) BloomSize() int64 {
	if r.parent != nil {
		return r.parent.BloomSize()
	}
	return r.bloom.SizeBytes()
}

// FirstRow and LastRow bound the file's row range, clamped to the reference
// boundary for half-files.
func (r *Reader) FirstRow() []byte {
	if r.parent != nil && r.meta.Reference.Top {
		return r.meta.Reference.SplitRow
	}
	if r.parent != nil {
		return r.parent.FirstRow()
	}
	return r.meta.FirstRow
}

func (r *Reader) LastRow() []byte {
	if r.parent != nil && !r.meta.Reference.Top {
		return r.meta.Reference.SplitRow
	}
	if r.parent != nil {
		return r.parent.LastRow()
	}
	return r.meta.LastRow
}

// TimeRange returns the min and max cell timestamps in the file.
func (r *Reader) TimeRange() (int64, int64) {
	if r.parent != nil {
		return r.parent.TimeRange()
	}
	return r.meta.MinTimestamp, r.meta.MaxTimestamp
}

// MayContainRow consults the bloom filter; false means the row is certainly
// absent and the file can be skipped.
func (r *Reader) MayContainRow(row []byte) bool {
	if r.parent != nil {
		return r.parent.MayContainRow(row)
	}
	if r.meta.RowCount == 0 {
		return false
	}
	return r.bloom.MayContain(row)
}

// MidRow returns the row key of the middle index block, the file's
// contribution to a split-point estimate. Nil when the file is too small to
// suggest one.
func (r *Reader) MidRow() []byte {
	if r.parent != nil {
		return nil
	}
	if len(r.index) == 0 {
		return nil
	}
	return r.index[len(r.index)/2].firstKey.Row
}

func (r *Reader) readBlock(e indexEntry) ([]byte, error) {
	b := make([]byte, e.length)
	if _, err := r.f.ReadAt(b, e.offset); err != nil {
		return nil, fmt.Errorf("failed to read data block: %w", err)
	}
	return b, nil
}

// Ref takes a scanner reference. Returns false if the reader already reached
// zero and was closed; the caller must re-resolve the file set.
func (r *Reader) Ref() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref drops a reference. On the last drop the file handle closes, and the
// file is removed from durable storage if it was marked obsolete.
func (r *Reader) Unref() {
	if r.refs.Add(-1) != 0 {
		return
	}
	if r.parent != nil {
		r.parent.Unref()
	}
	if err := r.f.Close(); err != nil {
		slog.Warn("failed to close store file", "path", r.path, "error", err)
	}
	if r.obsolete.Load() {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to delete retired store file", "path", r.path, "error", err)
		} else {
			slog.Debug("retired store file deleted", "path", r.path)
		}
	}
}

// MarkObsolete schedules deletion from durable storage once the last
// reference is dropped. Called when the file is superseded by compaction.
func (r *Reader) MarkObsolete() {
	r.obsolete.Store(true)
}

// AssignSequenceID overrides the file's recency in memory. Bulk-loaded
// files get their sequence id from the region at load time; the store
// re-applies it after reopening by parsing the committed file name.
func (r *Reader) AssignSequenceID(seq types.SeqN) {
	r.meta.SequenceID = seq
	r.meta.BulkLoaded = true
}
