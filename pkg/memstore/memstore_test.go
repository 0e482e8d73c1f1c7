package memstore

import (
	"bytes"
	"errors"
	"testing"

	"cfstore/pkg/cell"
	"cfstore/pkg/dberrors"
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

func TestAddAndScanOrder(t *testing.T) {
	ms := New()
	ms.Add(put("b", "q", 1, "vb", 3))
	ms.Add(put("a", "q", 1, "v1", 1))
	ms.Add(put("a", "q", 2, "v2", 2))

	got := drain(t, ms.Scanners()[0])
	if len(got) != 3 {
		t.Fatalf("got %d cells, want 3", len(got))
	}
	for i := 0; i < len(got)-1; i++ {
		if cell.Compare(got[i], got[i+1]) >= 0 {
			t.Errorf("scan out of order: %s before %s", got[i], got[i+1])
		}
	}
	if string(got[0].Value) != "v2" {
		t.Errorf("newest version of row a should come first, got %s", got[0])
	}
}

func TestSizeAccounting(t *testing.T) {
	ms := New()
	c := put("row", "q", 1, "value", 1)
	if delta := ms.Add(c); delta != c.HeapSize() {
		t.Fatalf("add delta = %d, want %d", delta, c.HeapSize())
	}
	if ms.Size() != c.HeapSize() {
		t.Fatalf("size = %d, want %d", ms.Size(), c.HeapSize())
	}
}

func TestUpsertDropsSuperseded(t *testing.T) {
	ms := New()
	ms.Add(put("r", "q", 1, "old", 1))
	ms.Add(put("r", "q", 2, "mid", 2))

	// Floor 5 covers both existing versions: only the new cell survives.
	ms.Upsert([]*cell.Cell{put("r", "q", 3, "new", 6)}, 5)

	got := drain(t, ms.Scanners()[0])
	if len(got) != 1 {
		t.Fatalf("got %d versions, want 1: %v", len(got), got)
	}
	if string(got[0].Value) != "new" {
		t.Fatalf("surviving version = %s, want the upserted one", got[0])
	}
}

func TestUpsertKeepsVersionsAboveFloor(t *testing.T) {
	ms := New()
	ms.Add(put("r", "q", 1, "old", 4))

	// Floor 3 is below the existing version's seq: a reader may still need it.
	ms.Upsert([]*cell.Cell{put("r", "q", 2, "new", 6)}, 3)

	got := drain(t, ms.Scanners()[0])
	if len(got) != 2 {
		t.Fatalf("got %d versions, want 2", len(got))
	}
}

func TestRollbackExactMatchOnly(t *testing.T) {
	ms := New()
	target := put("r", "q", 1, "v", 7)
	ms.Add(target)

	// Same identity key, different seq: must not retract.
	wrongSeq := put("r", "q", 1, "v", 8)
	if freed := ms.Rollback(wrongSeq); freed != 0 {
		t.Fatalf("rollback with mismatched seq freed %d bytes", freed)
	}
	if got := drain(t, ms.Scanners()[0]); len(got) != 1 {
		t.Fatalf("cell disappeared after mismatched rollback")
	}

	if freed := ms.Rollback(put("r", "q", 1, "v", 7)); freed == 0 {
		t.Fatalf("exact rollback freed nothing")
	}
	if got := drain(t, ms.Scanners()[0]); len(got) != 0 {
		t.Fatalf("cell survived exact rollback: %v", got)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	ms := New()
	ms.Add(put("r", "q", 1, "frozen", 1))

	if err := ms.Snapshot(); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	t.Run("second snapshot rejected", func(t *testing.T) {
		if err := ms.Snapshot(); !errors.Is(err, dberrors.ErrSnapshotPending) {
			t.Fatalf("err = %v, want ErrSnapshotPending", err)
		}
	})

	t.Run("writes go to the new active generation", func(t *testing.T) {
		ms.Add(put("r", "q", 2, "fresh", 2))
		snap := ms.SnapshotCells()
		if len(snap) != 1 || string(snap[0].Value) != "frozen" {
			t.Fatalf("snapshot cells = %v", snap)
		}
	})

	t.Run("both generations scannable", func(t *testing.T) {
		scanners := ms.Scanners()
		if len(scanners) != 2 {
			t.Fatalf("got %d scanners, want 2", len(scanners))
		}
		if scanners[0].SequenceID() <= scanners[1].SequenceID() {
			t.Fatalf("active scanner must outrank the snapshot scanner")
		}
	})

	t.Run("clear releases the snapshot", func(t *testing.T) {
		if err := ms.ClearSnapshot(); err != nil {
			t.Fatalf("clear failed: %v", err)
		}
		if err := ms.ClearSnapshot(); !errors.Is(err, dberrors.ErrNoSnapshot) {
			t.Fatalf("err = %v, want ErrNoSnapshot", err)
		}
		if ms.SnapshotSize() != 0 {
			t.Fatalf("snapshot size = %d after clear", ms.SnapshotSize())
		}
	})
}

func TestMaxSeqSpansGenerations(t *testing.T) {
	ms := New()
	ms.Add(put("r", "q", 1, "v", 9))
	if err := ms.Snapshot(); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	ms.Add(put("r", "q", 2, "v", 4))

	if got := ms.MaxSeq(); got != 9 {
		t.Fatalf("MaxSeq = %d, want 9 (from the pending snapshot)", got)
	}
}

func TestScannerSeek(t *testing.T) {
	ms := New()
	ms.Add(put("a", "q", 1, "va", 1))
	ms.Add(put("c", "q", 1, "vc", 2))

	s := ms.Scanners()[0]
	ok, err := s.Seek(cell.FirstOnRow([]byte("b")))
	if err != nil || !ok {
		t.Fatalf("seek failed: ok=%v err=%v", ok, err)
	}
	c := s.Peek()
	if c == nil || !bytes.Equal(c.Row, []byte("c")) {
		t.Fatalf("seek landed on %v, want row c", c)
	}
}

func TestRowAtOrBefore(t *testing.T) {
	ms := New()
	ms.Add(put("b", "q", 5, "vb", 1))
	ms.Add(put("d", "q", 5, "vd", 2))

	s := ms.Scanners()[0]

	t.Run("exact row", func(t *testing.T) {
		c, _ := s.RowAtOrBefore([]byte("b"))
		if c == nil || string(c.Value) != "vb" {
			t.Fatalf("got %v, want vb", c)
		}
	})

	t.Run("falls back to preceding row", func(t *testing.T) {
		c, _ := s.RowAtOrBefore([]byte("c"))
		if c == nil || string(c.Value) != "vb" {
			t.Fatalf("got %v, want vb", c)
		}
	})

	t.Run("nothing before the first row", func(t *testing.T) {
		if c, _ := s.RowAtOrBefore([]byte("a")); c != nil {
			t.Fatalf("got %v, want nil", c)
		}
	})

	t.Run("family delete is reported", func(t *testing.T) {
		ms.Add(&cell.Cell{
			Row: []byte("b"), Family: []byte("d"),
			Timestamp: 9, Kind: cell.TypeDeleteFamily, Seq: 3,
		})
		c, delTS := ms.Scanners()[0].RowAtOrBefore([]byte("b"))
		if delTS != 9 {
			t.Fatalf("famDelTS = %d, want 9", delTS)
		}
		if c == nil || string(c.Value) != "vb" {
			t.Fatalf("candidate = %v, want vb", c)
		}
	})
}
