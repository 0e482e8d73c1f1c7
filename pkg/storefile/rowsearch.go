package storefile

import (
	"bytes"

	"cfstore/pkg/cell"
	"cfstore/pkg/types"
)

// RowAtOrBefore finds the newest non-delete cell whose row matches row
// exactly or immediately precedes it, plus the newest family-delete
// timestamp on that row. Uses the block index to touch at most one block
// before positioning, instead of merging the whole file.
//
// Shares the store-level FindRowBefore precondition: writes per row with
// strictly increasing timestamps.
func (r *Reader) RowAtOrBefore(row types.Key) (*cell.Cell, types.TimestampMs, error) {
	if r.parent != nil {
		ref := r.meta.Reference
		if ref.Top && bytes.Compare(row, ref.SplitRow) < 0 {
			return nil, 0, nil
		}
		c, ts, err := r.parent.RowAtOrBefore(row)
		if err != nil || c == nil {
			return nil, ts, err
		}
		if !ref.Top && bytes.Compare(c.Row, ref.SplitRow) >= 0 {
			return nil, 0, nil
		}
		return c, ts, nil
	}

	// Last block whose first row is <= row; later blocks hold only
	// greater rows.
	b := -1
	for i, e := range r.index {
		if bytes.Compare(e.firstKey.Row, row) <= 0 {
			b = i
		} else {
			break
		}
	}
	if b < 0 {
		return nil, 0, nil
	}

	raw, err := r.readBlock(r.index[b])
	if err != nil {
		return nil, 0, err
	}
	var group []byte
	for off := 0; off < len(raw); {
		c, next, err := decodeCell(raw, off, r.meta.IncludesMVCC)
		if err != nil {
			return nil, 0, err
		}
		off = next
		if bytes.Compare(c.Row, row) > 0 {
			break
		}
		group = c.Row
	}
	if group == nil {
		return nil, 0, nil
	}

	sc, err := r.NewScanner()
	if err != nil {
		return nil, 0, err
	}
	defer sc.Close()
	if _, err := sc.Seek(cell.FirstOnRow(group)); err != nil {
		return nil, 0, err
	}

	var famDelTS types.TimestampMs
	for {
		c, err := sc.Next()
		if err != nil {
			return nil, 0, err
		}
		if c == nil || !bytes.Equal(c.Row, group) {
			return nil, famDelTS, nil
		}
		if c.Kind == cell.TypeDeleteFamily {
			if c.Timestamp > famDelTS {
				famDelTS = c.Timestamp
			}
			continue
		}
		if c.Kind.IsDelete() {
			continue
		}
		return c, famDelTS, nil
	}
}
