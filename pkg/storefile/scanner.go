package storefile

import (
	"bytes"
	"fmt"
	"sort"

	"cfstore/pkg/cell"
)

// Scanner iterates a store file's cells in comparator order, loading data
// blocks on demand through the block index. It holds a reference on its
// reader for its whole lifetime.
//
// For a reference half-file the scanner reads the parent's blocks clamped to
// the split boundary: top half serves rows >= split row, bottom half rows
// below it.
type Scanner struct {
	owner *Reader // reader whose reference we hold
	data  *Reader // reader whose blocks we decode (parent for references)

	low  []byte // inclusive row lower bound, nil if unbounded
	high []byte // exclusive row upper bound, nil if unbounded

	blockIdx int // next index entry to load
	cells    []*cell.Cell
	idx      int
	done     bool
	err      error // sticky read failure, surfaced by Next and Err
}

// NewScanner opens a scanner over the file. Fails if the reader has already
// been fully released.
func (r *Reader) NewScanner() (*Scanner, error) {
	if !r.Ref() {
		return nil, fmt.Errorf("store file %s already closed", r.path)
	}

	s := &Scanner{owner: r, data: r}
	if r.parent != nil {
		s.data = r.parent
		if r.meta.Reference.Top {
			s.low = r.meta.Reference.SplitRow
		} else {
			s.high = r.meta.Reference.SplitRow
		}
	}
	return s, nil
}

func (s *Scanner) loadNextBlock() error {
	s.cells = nil
	s.idx = 0
	if s.blockIdx >= len(s.data.index) {
		s.done = true
		return nil
	}
	e := s.data.index[s.blockIdx]

	raw, err := s.data.readBlock(e)
	if err != nil {
		return err
	}
	var cells []*cell.Cell
	off := 0
	for off < len(raw) {
		c, next, err := decodeCell(raw, off, s.data.meta.IncludesMVCC)
		if err != nil {
			return err
		}
		cells = append(cells, c)
		off = next
	}
	// Only a fully decoded block advances the cursor; a failed read stays
	// current so a reseek retries the same block.
	s.blockIdx++
	s.cells = cells
	return nil
}

// advance moves to the next in-bounds cell, loading blocks as needed.
func (s *Scanner) advance() (*cell.Cell, error) {
	for !s.done {
		if s.idx >= len(s.cells) {
			if err := s.loadNextBlock(); err != nil {
				return nil, err
			}
			continue
		}
		c := s.cells[s.idx]
		if s.low != nil && bytes.Compare(c.Row, s.low) < 0 {
			s.idx++
			continue
		}
		if s.high != nil && bytes.Compare(c.Row, s.high) >= 0 {
			// Past the split boundary: nothing further is ours.
			s.done = true
			break
		}
		return c, nil
	}
	return nil, nil
}

// Peek returns the current cell without consuming it, nil when exhausted.
// A read failure also yields nil; it stays latched for Err and Next so the
// merge cannot mistake a failed layer for an exhausted one.
func (s *Scanner) Peek() *cell.Cell {
	if s.err != nil {
		return nil
	}
	c, err := s.advance()
	if err != nil {
		s.err = err
		return nil
	}
	return c
}

// Next consumes and returns the current cell, nil when exhausted.
func (s *Scanner) Next() (*cell.Cell, error) {
	if s.err != nil {
		return nil, s.err
	}
	c, err := s.advance()
	if err != nil {
		s.err = err
		return nil, err
	}
	if c != nil {
		s.idx++
	}
	return c, nil
}

// Err reports a read failure latched by Peek. Nil after clean exhaustion.
func (s *Scanner) Err() error {
	return s.err
}

// Seek positions the scanner at the first cell >= target. Returns false when
// no such cell exists in this file.
func (s *Scanner) Seek(target *cell.Cell) (bool, error) {
	if s.low != nil && bytes.Compare(target.Row, s.low) < 0 {
		target = cell.FirstOnRow(s.low)
	}

	index := s.data.index
	// Last block whose first key <= target; earlier blocks cannot hold it.
	b := sort.Search(len(index), func(i int) bool {
		return cell.Compare(index[i].firstKey, target) > 0
	}) - 1
	if b < 0 {
		b = 0
	}

	s.done = false
	s.err = nil
	s.blockIdx = b
	if err := s.loadNextBlock(); err != nil {
		s.err = err
		return false, err
	}
	s.idx = sort.Search(len(s.cells), func(i int) bool {
		return cell.Compare(s.cells[i], target) >= 0
	})
	// Target past this block: the next block starts at or after it.
	c, err := s.advance()
	if err != nil {
		s.err = err
		return false, err
	}
	return c != nil, nil
}

// SequenceID is the owning file's sequence id, ranking this layer below the
// memstore and relative to other files in the merge.
func (s *Scanner) SequenceID() uint64 {
	return s.owner.SequenceID()
}

func (s *Scanner) Close() {
	s.owner.Unref()
}
