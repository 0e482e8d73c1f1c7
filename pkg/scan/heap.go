package scan

import (
	"container/heap"

	"cfstore/pkg/cell"
)

// Merge combines several sorted layers into one sorted stream. Equal cells
// from different layers surface newest layer first, which is what guarantees
// that delete markers are encountered before the cells they shadow.
type Merge struct {
	h scannerHeap
}

// NewMerge builds a merge over the given layers. Exhausted layers are closed
// and dropped immediately; a layer that fails its first read fails the whole
// merge, closing every layer.
func NewMerge(scanners []KeyValueScanner) (*Merge, error) {
	m := &Merge{}
	for i, s := range scanners {
		if s.Peek() == nil {
			err := s.Err()
			s.Close()
			if err != nil {
				for _, r := range scanners[i+1:] {
					r.Close()
				}
				m.Close()
				return nil, err
			}
			continue
		}
		m.h = append(m.h, s)
	}
	heap.Init(&m.h)
	return m, nil
}

// Peek returns the smallest current cell across layers, nil when exhausted.
func (m *Merge) Peek() *cell.Cell {
	if len(m.h) == 0 {
		return nil
	}
	return m.h[0].Peek()
}

// Next consumes and returns the smallest current cell.
func (m *Merge) Next() (*cell.Cell, error) {
	if len(m.h) == 0 {
		return nil, nil
	}
	top := m.h[0]
	c, err := top.Next()
	if err != nil {
		return nil, err
	}
	if top.Peek() == nil {
		popped := heap.Pop(&m.h).(KeyValueScanner)
		err := popped.Err()
		popped.Close()
		if err != nil {
			// Not exhaustion: the layer died mid-stream and its cells
			// may be missing from the merge.
			return nil, err
		}
	} else {
		heap.Fix(&m.h, 0)
	}
	return c, nil
}

// Seek advances every layer to the first cell >= target.
func (m *Merge) Seek(target *cell.Cell) (bool, error) {
	kept := m.h[:0]
	for _, s := range m.h {
		ok, err := s.Seek(target)
		if err != nil {
			// Close the rest before surfacing the error.
			for _, r := range m.h {
				r.Close()
			}
			m.h = nil
			return false, err
		}
		if !ok {
			s.Close()
			continue
		}
		kept = append(kept, s)
	}
	m.h = kept
	heap.Init(&m.h)
	return len(m.h) > 0, nil
}

// SequenceID of a merge is not meaningful; merges are never nested inside
// another heap.
func (m *Merge) SequenceID() uint64 { return 0 }

func (m *Merge) Close() {
	for _, s := range m.h {
		s.Close()
	}
	m.h = nil
}

type scannerHeap []KeyValueScanner

func (h scannerHeap) Len() int { return len(h) }

func (h scannerHeap) Less(i, j int) bool {
	c := cell.Compare(h[i].Peek(), h[j].Peek())
	if c != 0 {
		return c < 0
	}
	// Same cell position: newer layer wins.
	return h[i].SequenceID() > h[j].SequenceID()
}

func (h scannerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *scannerHeap) Push(x any) { *h = append(*h, x.(KeyValueScanner)) }

func (h *scannerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
