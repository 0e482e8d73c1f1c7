package memstore

import (
	"sort"

	"cfstore/pkg/cell"
)

// Scanner iterates a materialized memstore generation in comparator order.
// It satisfies the scan engine's KeyValueScanner contract.
type Scanner struct {
	cells []*cell.Cell
	seqID uint64
	idx   int
}

func newScanner(cells []*cell.Cell, seqID uint64) *Scanner {
	return &Scanner{cells: cells, seqID: seqID}
}

// Peek returns the current cell without advancing, nil when exhausted.
func (s *Scanner) Peek() *cell.Cell {
	if s.idx >= len(s.cells) {
		return nil
	}
	return s.cells[s.idx]
}

// Next returns the current cell and advances.
func (s *Scanner) Next() (*cell.Cell, error) {
	c := s.Peek()
	if c != nil {
		s.idx++
	}
	return c, nil
}

// Err is always nil: a materialized generation cannot fail mid-read.
func (s *Scanner) Err() error { return nil }

// Seek positions the scanner at the first cell >= target.
func (s *Scanner) Seek(target *cell.Cell) (bool, error) {
	s.idx = sort.Search(len(s.cells), func(i int) bool {
		return cell.Compare(s.cells[i], target) >= 0
	})
	return s.idx < len(s.cells), nil
}

// SequenceID orders scanners by layer recency in the merge heap. Memstore
// generations are always more recent than any store file; the active
// generation outranks the snapshot.
func (s *Scanner) SequenceID() uint64 {
	return s.seqID
}

func (s *Scanner) Close() {}
