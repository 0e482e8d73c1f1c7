package storefile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"cfstore/pkg/cell"
	"cfstore/pkg/dberrors"
	"cfstore/pkg/types"
)

// WriterOptions sizes and shapes a new store file.
type WriterOptions struct {
	BlockSizeBytes int
	BloomFPRate    float64
	// MaxKeyCount sizes the bloom filter allocation.
	MaxKeyCount int64
	// IncludeMVCC persists per-cell sequence numbers, required for
	// snapshot-isolated reads against this file after reload.
	IncludeMVCC bool
	Compression string
}

// Writer produces a sorted store file incrementally. Cells must arrive in
// ascending comparator order; a violation is a programming error on the
// producing side and fails the writer. Output goes to a staging path and
// only becomes visible through the store's atomic commit step.
type Writer struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	opts WriterOptions

	bloom *rowBloom
	index []indexEntry

	block      []byte
	blockFirst *cell.Cell
	blockOff   int64

	prev     *cell.Cell
	first    *cell.Cell
	last     *cell.Cell
	count    int64
	rowCount int64
	maxSeq   types.SeqN
	minTS    int64
	maxTS    int64
	rawBytes int64
}

func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSizeBytes <= 0 {
		opts.BlockSizeBytes = 4096
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create store file: %w", err)
	}
	return &Writer{
		path:  path,
		f:     f,
		buf:   bufio.NewWriter(f),
		opts:  opts,
		bloom: newRowBloom(opts.MaxKeyCount, opts.BloomFPRate),
		minTS: int64(^uint64(0) >> 1),
	}, nil
}

func (w *Writer) Path() string {
	return w.path
}

// Append adds the next cell. Cells must be supplied in strictly ascending
// comparator order.
func (w *Writer) Append(c *cell.Cell) error {
	if w.prev != nil && cell.Compare(w.prev, c) > 0 {
		return fmt.Errorf("%w: %s after %s", dberrors.ErrOutOfOrder, c, w.prev)
	}

	if w.prev == nil || !bytes.Equal(w.prev.Row, c.Row) {
		w.bloom.Add(c.Row)
		w.rowCount++
	}

	if w.blockFirst == nil {
		w.blockFirst = c
	}
	w.block = appendCell(w.block, c, w.opts.IncludeMVCC)

	if w.first == nil {
		w.first = c
	}
	w.last = c
	w.prev = c
	w.count++
	if c.Seq > w.maxSeq {
		w.maxSeq = c.Seq
	}
	if c.Timestamp < w.minTS {
		w.minTS = c.Timestamp
	}
	if c.Timestamp > w.maxTS {
		w.maxTS = c.Timestamp
	}
	w.rawBytes += c.HeapSize()

	if len(w.block) >= w.opts.BlockSizeBytes {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	w.index = append(w.index, indexEntry{
		firstKey: w.blockFirst,
		offset:   w.blockOff,
		length:   int64(len(w.block)),
	})
	n, err := w.buf.Write(w.block)
	if err != nil {
		return fmt.Errorf("failed to write data block: %w", err)
	}
	w.blockOff += int64(n)
	w.block = w.block[:0]
	w.blockFirst = nil
	return nil
}

// FinishOptions carries the commit-time attributes of the file.
type FinishOptions struct {
	SequenceID types.SeqN
	BulkLoaded bool
	Reference  *RefMeta
}

// Finish flushes the last block, writes index, bloom, meta and trailer, and
// closes the file. The file stays at the staging path.
func (w *Writer) Finish(fo FinishOptions) error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	t := trailer{}

	var indexBytes []byte
	for _, e := range w.index {
		indexBytes = appendIndexEntry(indexBytes, e)
	}
	t.indexOff = w.blockOff
	t.indexLen = int64(len(indexBytes))
	if _, err := w.buf.Write(indexBytes); err != nil {
		return fmt.Errorf("failed to write block index: %w", err)
	}

	bloomBytes := w.bloom.marshal()
	t.bloomOff = t.indexOff + t.indexLen
	t.bloomLen = int64(len(bloomBytes))
	if _, err := w.buf.Write(bloomBytes); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}

	meta := Meta{
		SequenceID:        fo.SequenceID,
		EntryCount:        w.count,
		RowCount:          w.rowCount,
		MaxSeq:            w.maxSeq,
		IncludesMVCC:      w.opts.IncludeMVCC,
		BulkLoaded:        fo.BulkLoaded,
		Compression:       w.opts.Compression,
		MinTimestamp:      w.minTS,
		MaxTimestamp:      w.maxTS,
		UncompressedBytes: w.rawBytes,
		Reference:         fo.Reference,
	}
	if w.first != nil {
		meta.FirstRow = w.first.Row
		meta.LastRow = w.last.Row
	}
	if w.count == 0 {
		meta.MinTimestamp = 0
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal file meta: %w", err)
	}
	t.metaOff = t.bloomOff + t.bloomLen
	t.metaLen = int64(len(metaBytes))
	if _, err := w.buf.Write(metaBytes); err != nil {
		return fmt.Errorf("failed to write file meta: %w", err)
	}

	if _, err := w.buf.Write(t.marshal()); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush store file: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync store file: %w", err)
	}
	return w.f.Close()
}

// Abort discards the staging file.
func (w *Writer) Abort() {
	w.f.Close()
	os.Remove(w.path)
}
