package memstore

import (
	"bytes"
	"sort"

	"cfstore/pkg/cell"
	"cfstore/pkg/types"
)

// RowAtOrBefore finds the newest non-delete cell in this generation whose
// row matches row exactly or immediately precedes it. It also reports the
// newest family-delete timestamp seen on that row so the caller can suppress
// a candidate shadowed by a marker in a newer layer.
//
// Correct only under the store-level FindRowBefore precondition (strictly
// increasing timestamps per row).
func (s *Scanner) RowAtOrBefore(row types.Key) (cand *cell.Cell, famDelTS types.TimestampMs) {
	if len(s.cells) == 0 {
		return nil, 0
	}

	probe := cell.FirstOnRow(row)
	i := sort.Search(len(s.cells), func(j int) bool {
		return cell.Compare(s.cells[j], probe) >= 0
	})

	var group []byte
	switch {
	case i < len(s.cells) && bytes.Equal(s.cells[i].Row, row):
		group = row
	case i > 0:
		group = s.cells[i-1].Row
		// Rewind to the group's first (newest) cell.
		for i > 0 && bytes.Equal(s.cells[i-1].Row, group) {
			i--
		}
	default:
		return nil, 0
	}

	for ; i < len(s.cells) && bytes.Equal(s.cells[i].Row, group); i++ {
		c := s.cells[i]
		if c.Kind == cell.TypeDeleteFamily {
			if c.Timestamp > famDelTS {
				famDelTS = c.Timestamp
			}
			continue
		}
		if c.Kind.IsDelete() {
			continue
		}
		return c, famDelTS
	}
	return nil, famDelTS
}
