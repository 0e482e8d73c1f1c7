package memstore

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"cfstore/pkg/cell"
	"cfstore/pkg/types"
)

// colKey addresses one column: the memstore keys its ordered map at column
// granularity and keeps the version chain inside the entry. Upsert and
// rollback then touch a single entry instead of walking the whole map.
type colKey struct {
	row  []byte
	fam  []byte
	qual []byte
}

func colLess(a, b colKey) bool {
	return cell.CompareColumns(a.row, a.fam, a.qual, b.row, b.fam, b.qual) < 0
}

// versions is the per-column version chain, sorted newest first by the cell
// comparator. The chain is short (bounded by max-versions in steady state),
// so a mutex-guarded slice beats anything fancier.
type versions struct {
	mu    sync.Mutex
	cells []*cell.Cell
}

// insert adds c keeping sort order; a cell with an identical version key
// (same row/family/qualifier/timestamp/type/seq) is replaced in place.
// Returns the heap-size delta.
func (v *versions) insert(c *cell.Cell) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	i := 0
	for ; i < len(v.cells); i++ {
		cmp := cell.Compare(c, v.cells[i])
		if cmp == 0 {
			old := v.cells[i]
			v.cells[i] = c
			return c.HeapSize() - old.HeapSize()
		}
		if cmp < 0 {
			break
		}
	}
	v.cells = append(v.cells, nil)
	copy(v.cells[i+1:], v.cells[i:])
	v.cells[i] = c
	return c.HeapSize()
}

// dropSuperseded removes versions older than keep whose sequence number is
// at or below floor (not needed by any outstanding reader). Returns the
// freed heap size.
func (v *versions) dropSuperseded(keep *cell.Cell, floor types.SeqN) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	var freed int64
	out := v.cells[:0]
	for _, c := range v.cells {
		if c != keep && c.Seq <= floor && cell.Compare(keep, c) < 0 {
			freed += c.HeapSize()
			continue
		}
		out = append(out, c)
	}
	v.cells = out
	return freed
}

// remove deletes the exact version (identity key and seq both matching).
// Returns the freed size, or 0 if no such version exists.
func (v *versions) remove(target *cell.Cell) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, c := range v.cells {
		if c.SameVersion(target) {
			v.cells = append(v.cells[:i], v.cells[i+1:]...)
			return c.HeapSize()
		}
	}
	return 0
}

func (v *versions) snapshot() []*cell.Cell {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*cell.Cell, len(v.cells))
	copy(out, v.cells)
	return out
}

// segment is one memstore generation: a concurrent ordered map of column
// entries plus size and max-seq accounting.
type segment struct {
	m      *skipmap.FuncMap[colKey, *versions]
	size   atomic.Int64
	maxSeq atomic.Uint64
}

func newSegment() *segment {
	return &segment{m: skipmap.NewFunc[colKey, *versions](colLess)}
}

func (s *segment) entry(c *cell.Cell) *versions {
	k := colKey{row: c.Row, fam: c.Family, qual: c.Qualifier}
	if v, ok := s.m.Load(k); ok {
		return v
	}
	v, _ := s.m.LoadOrStore(k, &versions{})
	return v
}

func (s *segment) add(c *cell.Cell) int64 {
	delta := s.entry(c).insert(c)
	s.size.Add(delta)
	for {
		cur := s.maxSeq.Load()
		if c.Seq <= cur || s.maxSeq.CompareAndSwap(cur, c.Seq) {
			break
		}
	}
	return delta
}

// sorted materializes the segment's cells in full comparator order: columns
// in map order, versions newest first within each column.
func (s *segment) sorted() []*cell.Cell {
	out := make([]*cell.Cell, 0, s.m.Len())
	s.m.Range(func(_ colKey, v *versions) bool {
		out = append(out, v.snapshot()...)
		return true
	})
	return out
}
