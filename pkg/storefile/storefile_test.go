package storefile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"cfstore/pkg/cell"
	"cfstore/pkg/dberrors"
	"cfstore/pkg/scan"
)

func put(row, qual string, ts int64, val string, seq uint64) *cell.Cell {
	return &cell.Cell{
		Row:       []byte(row),
		Family:    []byte("d"),
		Qualifier: []byte(qual),
		Timestamp: ts,
		Kind:      cell.TypePut,
		Value:     []byte(val),
		Seq:       seq,
	}
}

// writeFile persists the cells (sorted for the caller) and returns the path.
func writeFile(t *testing.T, cells []*cell.Cell, blockSize int) string {
	t.Helper()
	sort.Slice(cells, func(i, j int) bool { return cell.Less(cells[i], cells[j]) })

	path := filepath.Join(t.TempDir(), "f.sf")
	w, err := NewWriter(path, WriterOptions{
		BlockSizeBytes: blockSize,
		BloomFPRate:    0.01,
		MaxKeyCount:    int64(len(cells)),
		IncludeMVCC:    true,
	})
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	var maxSeq uint64
	for _, c := range cells {
		if err := w.Append(c); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
	}
	if err := w.Finish(FinishOptions{SequenceID: maxSeq}); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	return path
}

func drain(t *testing.T, s *Scanner) []*cell.Cell {
	t.Helper()
	var out []*cell.Cell
	for {
		c, err := s.Next()
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if c == nil {
			return out
		}
		out = append(out, c)
	}
}

func manyCells(n int) []*cell.Cell {
	cells := make([]*cell.Cell, 0, n)
	for i := 0; i < n; i++ {
		row := fmt.Sprintf("row-%04d", i)
		cells = append(cells, put(row, "q", int64(i+1), "value", uint64(i+1)))
	}
	return cells
}

func TestScanReadFailureSurfaces(t *testing.T) {
	cells := manyCells(40)
	path := writeFile(t, cells, 128)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Unref()
	if len(r.index) < 2 {
		t.Fatalf("need a multi-block file, got %d blocks", len(r.index))
	}
	// Cut the file after the first data block; every later block read now
	// fails, as it would on a dying disk.
	if err := os.Truncate(path, r.index[1].offset); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	s, err := r.NewScanner()
	if err != nil {
		t.Fatalf("failed to open scanner: %v", err)
	}
	defer s.Close()

	var got int
	var failed error
	for {
		c, err := s.Next()
		if err != nil {
			failed = err
			break
		}
		if c == nil {
			break
		}
		got++
	}
	if failed == nil {
		t.Fatalf("scan ended cleanly with %d of 40 cells; the read failure was swallowed", got)
	}
	if s.Err() == nil {
		t.Fatalf("failure must stay latched for the merge to observe")
	}
	if s.Peek() != nil {
		t.Fatalf("peek after a failure must not yield cells")
	}
	if _, err := s.Next(); err == nil {
		t.Fatalf("next after a failure must keep failing")
	}

	t.Run("merge fails instead of dropping the layer", func(t *testing.T) {
		fs, err := r.NewScanner()
		if err != nil {
			t.Fatalf("failed to open scanner: %v", err)
		}
		m, err := scan.NewMerge([]scan.KeyValueScanner{fs})
		if err != nil {
			return // first read already failed: surfaced at construction
		}
		defer m.Close()
		for {
			c, err := m.Next()
			if err != nil {
				return
			}
			if c == nil {
				t.Fatalf("merged scan over the truncated file ended cleanly")
			}
		}
	})
}

func TestWriteReadRoundtrip(t *testing.T) {
	// Small blocks force the file to span many blocks.
	cells := manyCells(200)
	path := writeFile(t, cells, 256)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Unref()

	if r.EntryCount() != 200 {
		t.Fatalf("EntryCount = %d, want 200", r.EntryCount())
	}
	if !bytes.Equal(r.FirstRow(), []byte("row-0000")) || !bytes.Equal(r.LastRow(), []byte("row-0199")) {
		t.Fatalf("row range = %q..%q", r.FirstRow(), r.LastRow())
	}
	if minTS, maxTS := r.TimeRange(); minTS != 1 || maxTS != 200 {
		t.Fatalf("time range = %d..%d", minTS, maxTS)
	}

	s, err := r.NewScanner()
	if err != nil {
		t.Fatalf("failed to open scanner: %v", err)
	}
	defer s.Close()

	got := drain(t, s)
	if len(got) != 200 {
		t.Fatalf("scanned %d cells, want 200", len(got))
	}
	for i, c := range got {
		want := fmt.Sprintf("row-%04d", i)
		if string(c.Row) != want {
			t.Fatalf("pos %d: row = %s, want %s", i, c.Row, want)
		}
		if c.Seq != uint64(i+1) {
			t.Fatalf("pos %d: seq = %d, want %d (MVCC not persisted?)", i, c.Seq, i+1)
		}
	}
}

func TestAppendOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sf")
	w, err := NewWriter(path, WriterOptions{MaxKeyCount: 2})
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Abort()

	if err := w.Append(put("b", "q", 1, "v", 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := w.Append(put("a", "q", 1, "v", 2)); !errors.Is(err, dberrors.ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestScannerSeek(t *testing.T) {
	cells := manyCells(100)
	path := writeFile(t, cells, 256)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Unref()

	s, err := r.NewScanner()
	if err != nil {
		t.Fatalf("failed to open scanner: %v", err)
	}
	defer s.Close()

	t.Run("middle of the file", func(t *testing.T) {
		ok, err := s.Seek(cell.FirstOnRow([]byte("row-0042")))
		if err != nil || !ok {
			t.Fatalf("seek failed: ok=%v err=%v", ok, err)
		}
		if c := s.Peek(); string(c.Row) != "row-0042" {
			t.Fatalf("seek landed on %s", c.Row)
		}
	})

	t.Run("between rows", func(t *testing.T) {
		ok, err := s.Seek(cell.FirstOnRow([]byte("row-0042a")))
		if err != nil || !ok {
			t.Fatalf("seek failed: ok=%v err=%v", ok, err)
		}
		if c := s.Peek(); string(c.Row) != "row-0043" {
			t.Fatalf("seek landed on %s, want row-0043", c.Row)
		}
	})

	t.Run("past the end", func(t *testing.T) {
		ok, err := s.Seek(cell.FirstOnRow([]byte("zzz")))
		if err != nil {
			t.Fatalf("seek failed: %v", err)
		}
		if ok {
			t.Fatalf("seek past the last row reported a cell")
		}
	})
}

func TestBloomFilter(t *testing.T) {
	cells := manyCells(50)
	path := writeFile(t, cells, 4096)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Unref()

	for i := 0; i < 50; i++ {
		row := []byte(fmt.Sprintf("row-%04d", i))
		if !r.MayContainRow(row) {
			t.Fatalf("bloom rejected present row %s", row)
		}
	}

	// With fp=1% a hundred absent probes should mostly miss.
	misses := 0
	for i := 0; i < 100; i++ {
		if !r.MayContainRow([]byte(fmt.Sprintf("absent-%04d", i))) {
			misses++
		}
	}
	if misses < 90 {
		t.Fatalf("bloom filtered only %d/100 absent rows", misses)
	}
}

func TestRefcountDeferredDelete(t *testing.T) {
	path := writeFile(t, manyCells(10), 4096)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	s, err := r.NewScanner()
	if err != nil {
		t.Fatalf("failed to open scanner: %v", err)
	}

	r.MarkObsolete()
	r.Unref() // store's reference gone, scanner still holds one

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file deleted while a scanner still holds it: %v", err)
	}

	s.Close()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file not deleted after last reference dropped: %v", err)
	}
}

func TestOpenCorruptFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("truncated", func(t *testing.T) {
		path := filepath.Join(dir, "short.sf")
		if err := os.WriteFile(path, []byte("not a store file"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(path); !errors.Is(err, dberrors.ErrInvalidFile) {
			t.Fatalf("err = %v, want ErrInvalidFile", err)
		}
	})

	t.Run("bad magic", func(t *testing.T) {
		good := writeFile(t, manyCells(5), 4096)
		data, err := os.ReadFile(good)
		if err != nil {
			t.Fatal(err)
		}
		// Clobber the trailer magic at the very end.
		for i := len(data) - 8; i < len(data); i++ {
			data[i] = 0xFF
		}
		path := filepath.Join(dir, "badmagic.sf")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(path); !errors.Is(err, dberrors.ErrInvalidFile) {
			t.Fatalf("err = %v, want ErrInvalidFile", err)
		}
	})
}

func TestReferenceHalfFiles(t *testing.T) {
	parent := writeFile(t, manyCells(100), 512)
	dir := t.TempDir()
	split := []byte("row-0050")

	bottomPath := filepath.Join(dir, "bottom.sf")
	topPath := filepath.Join(dir, "top.sf")
	if err := WriteReference(bottomPath, parent, split, false, 7); err != nil {
		t.Fatalf("failed to write bottom reference: %v", err)
	}
	if err := WriteReference(topPath, parent, split, true, 7); err != nil {
		t.Fatalf("failed to write top reference: %v", err)
	}

	bottom, err := Open(bottomPath)
	if err != nil {
		t.Fatalf("failed to open bottom: %v", err)
	}
	defer bottom.Unref()
	top, err := Open(topPath)
	if err != nil {
		t.Fatalf("failed to open top: %v", err)
	}
	defer top.Unref()

	if !bottom.IsReference() || !top.IsReference() {
		t.Fatalf("halves not recognized as references")
	}
	if bottom.SequenceID() != 7 {
		t.Fatalf("reference seq = %d, want 7", bottom.SequenceID())
	}

	t.Run("bottom serves rows below the split", func(t *testing.T) {
		s, err := bottom.NewScanner()
		if err != nil {
			t.Fatalf("failed to open scanner: %v", err)
		}
		defer s.Close()
		got := drain(t, s)
		if len(got) != 50 {
			t.Fatalf("bottom scanned %d cells, want 50", len(got))
		}
		if string(got[len(got)-1].Row) != "row-0049" {
			t.Fatalf("bottom last row = %s", got[len(got)-1].Row)
		}
	})

	t.Run("top serves rows from the split up", func(t *testing.T) {
		s, err := top.NewScanner()
		if err != nil {
			t.Fatalf("failed to open scanner: %v", err)
		}
		defer s.Close()
		got := drain(t, s)
		if len(got) != 50 {
			t.Fatalf("top scanned %d cells, want 50", len(got))
		}
		if string(got[0].Row) != "row-0050" {
			t.Fatalf("top first row = %s", got[0].Row)
		}
	})

	t.Run("row bounds clamp at the split", func(t *testing.T) {
		if !bytes.Equal(top.FirstRow(), split) {
			t.Errorf("top FirstRow = %q, want split row", top.FirstRow())
		}
		if !bytes.Equal(bottom.LastRow(), split) {
			t.Errorf("bottom LastRow = %q, want split row", bottom.LastRow())
		}
	})
}

func TestRowAtOrBefore(t *testing.T) {
	cells := []*cell.Cell{
		put("b", "q", 5, "vb", 1),
		put("d", "q", 5, "vd", 2),
	}
	path := writeFile(t, cells, 4096)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Unref()

	t.Run("exact", func(t *testing.T) {
		c, _, err := r.RowAtOrBefore([]byte("d"))
		if err != nil || c == nil || string(c.Value) != "vd" {
			t.Fatalf("got %v, %v; want vd", c, err)
		}
	})

	t.Run("preceding", func(t *testing.T) {
		c, _, err := r.RowAtOrBefore([]byte("c"))
		if err != nil || c == nil || string(c.Value) != "vb" {
			t.Fatalf("got %v, %v; want vb", c, err)
		}
	})

	t.Run("before everything", func(t *testing.T) {
		c, _, err := r.RowAtOrBefore([]byte("a"))
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if c != nil {
			t.Fatalf("got %v, want nil", c)
		}
	})
}
