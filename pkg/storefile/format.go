package storefile

import (
	"encoding/binary"
	"fmt"

	"cfstore/pkg/cell"
	"cfstore/pkg/types"
)

// On-disk layout:
//
//	[data blocks][block index][bloom][meta (JSON)][trailer]
//
// Data blocks hold consecutive cells in comparator order. The index has one
// entry per block: the block's first cell key plus offset and length. The
// meta block is JSON, mirroring the manifest idiom elsewhere in the module.
// The trailer is fixed-size so a reader can locate everything from the tail.

const (
	trailerMagic = 0x6366_7374_6f72_6531 // "cfstore1"
	trailerLen   = 56
)

// Meta is the logical header of a store file.
type Meta struct {
	// SequenceID establishes this file's recency relative to other files
	// and to the write-ahead log.
	SequenceID types.SeqN `json:"sequence_id"`
	EntryCount int64      `json:"entry_count"`
	RowCount   int64      `json:"row_count"`
	// MaxSeq is the highest cell sequence number in the file, recoverable
	// without replaying logs when IncludesMVCC is set.
	MaxSeq       types.SeqN `json:"max_seq"`
	IncludesMVCC bool       `json:"includes_mvcc"`
	BulkLoaded   bool       `json:"bulk_loaded"`
	Compression  string     `json:"compression"`
	FirstRow     []byte     `json:"first_row"`
	LastRow      []byte     `json:"last_row"`
	MinTimestamp int64      `json:"min_timestamp"`
	MaxTimestamp int64      `json:"max_timestamp"`
	// UncompressedBytes is the logical data size before any codec.
	UncompressedBytes int64 `json:"uncompressed_bytes"`

	// Reference is set on split half-files only.
	Reference *RefMeta `json:"reference,omitempty"`
}

// RefMeta describes a split half-file: it addresses the parent file's cells
// on one side of the split row.
type RefMeta struct {
	ParentPath string `json:"parent_path"`
	SplitRow   []byte `json:"split_row"`
	// Top selects rows >= SplitRow; otherwise rows < SplitRow.
	Top bool `json:"top"`
}

type indexEntry struct {
	firstKey *cell.Cell // version fields included, value omitted
	offset   int64
	length   int64
}

func appendCell(dst []byte, c *cell.Cell, includeMVCC bool) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(c.Row)))
	dst = append(dst, c.Row...)
	dst = append(dst, uint8(len(c.Family)))
	dst = append(dst, c.Family...)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(c.Qualifier)))
	dst = append(dst, c.Qualifier...)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(c.Timestamp))
	dst = append(dst, uint8(c.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(c.Value)))
	dst = append(dst, c.Value...)
	if includeMVCC {
		dst = binary.LittleEndian.AppendUint64(dst, c.Seq)
	}
	return dst
}

// decodeCell reads one cell starting at data[off]; returns the cell and the
// offset past it.
func decodeCell(data []byte, off int, includeMVCC bool) (*cell.Cell, int, error) {
	c := &cell.Cell{}
	var n int

	read := func(ln int) ([]byte, error) {
		if off+ln > len(data) {
			return nil, fmt.Errorf("truncated cell at offset %d", off)
		}
		b := data[off : off+ln]
		off += ln
		return b, nil
	}

	b, err := read(2)
	if err != nil {
		return nil, 0, err
	}
	n = int(binary.LittleEndian.Uint16(b))
	if c.Row, err = read(n); err != nil {
		return nil, 0, err
	}

	if b, err = read(1); err != nil {
		return nil, 0, err
	}
	if c.Family, err = read(int(b[0])); err != nil {
		return nil, 0, err
	}

	if b, err = read(2); err != nil {
		return nil, 0, err
	}
	n = int(binary.LittleEndian.Uint16(b))
	if c.Qualifier, err = read(n); err != nil {
		return nil, 0, err
	}

	if b, err = read(8); err != nil {
		return nil, 0, err
	}
	c.Timestamp = int64(binary.LittleEndian.Uint64(b))

	if b, err = read(1); err != nil {
		return nil, 0, err
	}
	c.Kind = cell.Type(b[0])

	if b, err = read(4); err != nil {
		return nil, 0, err
	}
	n = int(binary.LittleEndian.Uint32(b))
	if c.Value, err = read(n); err != nil {
		return nil, 0, err
	}

	if includeMVCC {
		if b, err = read(8); err != nil {
			return nil, 0, err
		}
		c.Seq = binary.LittleEndian.Uint64(b)
	}

	return c, off, nil
}

// Index entries reuse the cell framing with an empty value.

func appendIndexEntry(dst []byte, e indexEntry) []byte {
	key := *e.firstKey
	key.Value = nil
	dst = appendCell(dst, &key, true)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.offset))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.length))
	return dst
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	var out []indexEntry
	off := 0
	for off < len(data) {
		key, next, err := decodeCell(data, off, true)
		if err != nil {
			return nil, err
		}
		off = next
		if off+16 > len(data) {
			return nil, fmt.Errorf("truncated index entry at offset %d", off)
		}
		e := indexEntry{
			firstKey: key,
			offset:   int64(binary.LittleEndian.Uint64(data[off:])),
			length:   int64(binary.LittleEndian.Uint64(data[off+8:])),
		}
		off += 16
		out = append(out, e)
	}
	return out, nil
}

type trailer struct {
	indexOff, indexLen int64
	bloomOff, bloomLen int64
	metaOff, metaLen   int64
}

func (t trailer) marshal() []byte {
	out := make([]byte, trailerLen)
	binary.LittleEndian.PutUint64(out[0:], uint64(t.indexOff))
	binary.LittleEndian.PutUint64(out[8:], uint64(t.indexLen))
	binary.LittleEndian.PutUint64(out[16:], uint64(t.bloomOff))
	binary.LittleEndian.PutUint64(out[24:], uint64(t.bloomLen))
	binary.LittleEndian.PutUint64(out[32:], uint64(t.metaOff))
	binary.LittleEndian.PutUint64(out[40:], uint64(t.metaLen))
	binary.LittleEndian.PutUint64(out[48:], trailerMagic)
	return out
}

func unmarshalTrailer(data []byte) (trailer, bool) {
	var t trailer
	if len(data) != trailerLen {
		return t, false
	}
	if binary.LittleEndian.Uint64(data[48:]) != trailerMagic {
		return t, false
	}
	t.indexOff = int64(binary.LittleEndian.Uint64(data[0:]))
	t.indexLen = int64(binary.LittleEndian.Uint64(data[8:]))
	t.bloomOff = int64(binary.LittleEndian.Uint64(data[16:]))
	t.bloomLen = int64(binary.LittleEndian.Uint64(data[24:]))
	t.metaOff = int64(binary.LittleEndian.Uint64(data[32:]))
	t.metaLen = int64(binary.LittleEndian.Uint64(data[40:]))
	return t, true
}
