package cell

import "bytes"

// Compare is the total order over cells: row ascending, family ascending,
// qualifier ascending, timestamp descending (newest first), type descending
// (so delete markers sort before the puts they shadow at equal timestamp),
// sequence number descending (later write first).
func Compare(a, b *Cell) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Family, b.Family); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Qualifier, b.Qualifier); c != 0 {
		return c
	}
	// Newest timestamp first.
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return -1
		}
		return 1
	}
	// Larger type code first: DeleteFamily > DeleteColumn > Delete > Put.
	if a.Kind != b.Kind {
		if a.Kind > b.Kind {
			return -1
		}
		return 1
	}
	// Higher sequence number first.
	if a.Seq != b.Seq {
		if a.Seq > b.Seq {
			return -1
		}
		return 1
	}
	return 0
}

// Less adapts Compare for ordered containers.
func Less(a, b *Cell) bool {
	return Compare(a, b) < 0
}

// CompareColumns orders (row, family, qualifier) triples, ignoring version
// fields. This is the memstore's column-level key order.
func CompareColumns(aRow, aFam, aQual, bRow, bFam, bQual []byte) int {
	if c := bytes.Compare(aRow, bRow); c != 0 {
		return c
	}
	if c := bytes.Compare(aFam, bFam); c != 0 {
		return c
	}
	return bytes.Compare(aQual, bQual)
}

// FirstOnRow returns a probe cell sorting before every real cell of row.
// Used to seek scanners to the start of a row.
func FirstOnRow(row []byte) *Cell {
	return &Cell{
		Row:       row,
		Timestamp: int64(^uint64(0) >> 1), // max int64
		Kind:      Type(255),
		Seq:       ^uint64(0),
	}
}
