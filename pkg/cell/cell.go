package cell

import (
	"bytes"
	"fmt"

	"cfstore/pkg/types"
)

// Type tags a cell with its mutation kind. The numeric codes reproduce the
// wire codes of the original table store so that type ordering (deletes
// before the puts they shadow at equal timestamp) falls out of a descending
// numeric compare.
type Type uint8

const (
	TypePut          Type = 4
	TypeDelete       Type = 8  // one version of one column
	TypeDeleteColumn Type = 12 // all versions of one column
	TypeDeleteFamily Type = 14 // all columns of the row in this family
)

func (t Type) String() string {
	switch t {
	case TypePut:
		return "Put"
	case TypeDelete:
		return "Delete"
	case TypeDeleteColumn:
		return "DeleteColumn"
	case TypeDeleteFamily:
		return "DeleteFamily"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// IsDelete reports whether the type is any of the delete-marker kinds.
func (t Type) IsDelete() bool {
	return t == TypeDelete || t == TypeDeleteColumn || t == TypeDeleteFamily
}

// Cell is a single versioned key-value record. Cells are treated as
// immutable once handed to the engine.
//
// Seq is the MVCC version: assigned by the write-ahead log before the cell
// reaches the store, persisted in store files when the writer is opened with
// includeMVCC, and compared against a reader's readpoint for visibility.
type Cell struct {
	Row       types.Key
	Family    []byte
	Qualifier []byte
	Timestamp types.TimestampMs
	Kind      Type
	Value     types.Value
	Seq       types.SeqN
}

const cellOverhead = 48 // struct headers + seq + ts + type, rough heap cost

// HeapSize is the approximate in-memory cost of the cell, used for memstore
// accounting and flush thresholds.
func (c *Cell) HeapSize() int64 {
	return cellOverhead + int64(len(c.Row)+len(c.Family)+len(c.Qualifier)+len(c.Value))
}

// SameColumn reports whether both cells address the same
// (row, family, qualifier).
func (c *Cell) SameColumn(o *Cell) bool {
	return bytes.Equal(c.Row, o.Row) &&
		bytes.Equal(c.Family, o.Family) &&
		bytes.Equal(c.Qualifier, o.Qualifier)
}

// SameVersion reports whether both cells have identical identity key and
// sequence number. Rollback uses this to avoid retracting a newer write that
// happens to share a key.
func (c *Cell) SameVersion(o *Cell) bool {
	return c.SameColumn(o) && c.Timestamp == o.Timestamp &&
		c.Kind == o.Kind && c.Seq == o.Seq
}

func (c *Cell) String() string {
	return fmt.Sprintf("%s/%s:%s/ts=%d/%s/seq=%d",
		c.Row, c.Family, c.Qualifier, c.Timestamp, c.Kind, c.Seq)
}
