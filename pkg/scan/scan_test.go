package scan

import (
	"errors"
	"sort"
	"testing"

	"cfstore/pkg/cell"
	"cfstore/pkg/config"
)

// sliceScanner is a test layer over a pre-sorted cell slice. Setting failAt
// makes reads fail once that many cells were consumed, like a layer losing
// its backing file mid-scan.
type sliceScanner struct {
	cells  []*cell.Cell
	seqID  uint64
	idx    int
	failAt int
	err    error
}

func newSliceScanner(seqID uint64, cells ...*cell.Cell) *sliceScanner {
	sort.Slice(cells, func(i, j int) bool { return cell.Less(cells[i], cells[j]) })
	return &sliceScanner{cells: cells, seqID: seqID, failAt: -1}
}

func (s *sliceScanner) Peek() *cell.Cell {
	if s.err != nil {
		return nil
	}
	if s.failAt >= 0 && s.idx >= s.failAt {
		s.err = errors.New("layer read failed")
		return nil
	}
	if s.idx >= len(s.cells) {
		return nil
	}
	return s.cells[s.idx]
}

func (s *sliceScanner) Err() error { return s.err }

func (s *sliceScanner) Next() (*cell.Cell, error) {
	c := s.Peek()
	if s.err != nil {
		return nil, s.err
	}
	if c != nil {
		s.idx++
	}
	return c, nil
}

func (s *sliceScanner) Seek(target *cell.Cell) (bool, error) {
	s.idx = sort.Search(len(s.cells), func(i int) bool {
		return cell.Compare(s.cells[i], target) >= 0
	})
	return s.idx < len(s.cells), nil
}

func (s *sliceScanner) SequenceID() uint64 { return s.seqID }
func (s *sliceScanner) Close()             {}

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

func del(row, qual string, ts int64, kind cell.Type, seq uint64) *cell.Cell {
	return &cell.Cell{
		Row:       []byte(row),
		Family:    []byte("d"),
		Qualifier: []byte(qual),
		Timestamp: ts,
		Kind:      kind,
		Seq:       seq,
	}
}

func family() config.FamilyConfig {
	return config.FamilyConfig{Name: "d", MaxVersions: 3}
}

func drainMerge(t *testing.T, m *Merge) []*cell.Cell {
	t.Helper()
	var out []*cell.Cell
	for {
		c, err := m.Next()
		if err != nil {
			t.Fatalf("merge failed: %v", err)
		}
		if c == nil {
			return out
		}
		out = append(out, c)
	}
}

func newTestMerge(t *testing.T, scanners ...KeyValueScanner) *Merge {
	t.Helper()
	m, err := NewMerge(scanners)
	if err != nil {
		t.Fatalf("failed to build merge: %v", err)
	}
	return m
}

func TestMergeOrder(t *testing.T) {
	m := newTestMerge(t,
		newSliceScanner(1, put("a", "q", 1, "v", 1), put("c", "q", 1, "v", 2)),
		newSliceScanner(2, put("b", "q", 1, "v", 3), put("d", "q", 1, "v", 4)),
	)
	defer m.Close()

	got := drainMerge(t, m)
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("merged %d cells, want %d", len(got), len(want))
	}
	for i, c := range got {
		if string(c.Row) != want[i] {
			t.Errorf("pos %d: row = %s, want %s", i, c.Row, want[i])
		}
	}
}

func TestMergeNewerLayerFirst(t *testing.T) {
	// Identical cell position in two layers: the layer with the higher
	// sequence id must surface first.
	older := put("r", "q", 5, "old", 1)
	newer := put("r", "q", 5, "new", 1)
	m := newTestMerge(t,
		newSliceScanner(10, older),
		newSliceScanner(20, newer),
	)
	defer m.Close()

	got := drainMerge(t, m)
	if len(got) != 2 {
		t.Fatalf("merged %d cells, want 2", len(got))
	}
	if string(got[0].Value) != "new" {
		t.Fatalf("first cell from layer seq=10, want the newer layer")
	}
}

func TestMergeSeek(t *testing.T) {
	m := newTestMerge(t,
		newSliceScanner(1, put("a", "q", 1, "v", 1), put("c", "q", 1, "v", 2)),
		newSliceScanner(2, put("b", "q", 1, "v", 3)),
	)
	defer m.Close()

	ok, err := m.Seek(cell.FirstOnRow([]byte("b")))
	if err != nil || !ok {
		t.Fatalf("seek failed: ok=%v err=%v", ok, err)
	}
	got := drainMerge(t, m)
	if len(got) != 2 || string(got[0].Row) != "b" || string(got[1].Row) != "c" {
		t.Fatalf("after seek got %v", got)
	}
}

func TestMergeLayerFailure(t *testing.T) {
	t.Run("mid-stream failure surfaces, not end of scan", func(t *testing.T) {
		bad := newSliceScanner(2, put("a", "q", 1, "v", 3), put("c", "q", 1, "v", 4))
		bad.failAt = 1
		m := newTestMerge(t,
			newSliceScanner(1, put("b", "q", 1, "v", 1), put("d", "q", 1, "v", 2)),
			bad,
		)
		defer m.Close()

		var got []*cell.Cell
		var failed error
		for {
			c, err := m.Next()
			if err != nil {
				failed = err
				break
			}
			if c == nil {
				break
			}
			got = append(got, c)
		}
		if failed == nil {
			t.Fatalf("merge ended cleanly with %d cells; a dead layer must fail the scan", len(got))
		}
		if len(got) >= 4 {
			t.Fatalf("merge returned all %d cells despite the failed layer", len(got))
		}
	})

	t.Run("failure on the first read fails construction", func(t *testing.T) {
		bad := newSliceScanner(2, put("a", "q", 1, "v", 1))
		bad.failAt = 0
		_, err := NewMerge([]KeyValueScanner{
			newSliceScanner(1, put("b", "q", 1, "v", 2)),
			bad,
		})
		if err == nil {
			t.Fatalf("expected the failed layer to fail the merge")
		}
	})
}

func matchAll(m *Matcher, cells []*cell.Cell) []*cell.Cell {
	sort.Slice(cells, func(i, j int) bool { return cell.Less(cells[i], cells[j]) })
	var out []*cell.Cell
	for _, c := range cells {
		switch m.Match(c) {
		case Include:
			out = append(out, c)
		case Done:
			return out
		}
	}
	return out
}

func TestMatcherReadpointIsolation(t *testing.T) {
	m := NewMatcher(Spec{Readpoint: 5}, family(), ModeUser, 0)
	got := matchAll(m, []*cell.Cell{
		put("r", "q", 1, "visible", 5),
		put("r", "q", 2, "future", 6),
	})
	if len(got) != 1 || string(got[0].Value) != "visible" {
		t.Fatalf("got %v, want only the cell at seq<=readpoint", got)
	}
}

func TestMatcherDeleteShadowing(t *testing.T) {
	rp := Spec{Readpoint: ^uint64(0)}

	t.Run("point delete hides one version", func(t *testing.T) {
		m := NewMatcher(rp, family(), ModeUser, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q", 1, "v1", 1),
			put("r", "q", 2, "v2", 2),
			del("r", "q", 2, cell.TypeDelete, 3),
		})
		if len(got) != 1 || string(got[0].Value) != "v1" {
			t.Fatalf("got %v, want only ts=1", got)
		}
	})

	t.Run("column delete hides older versions", func(t *testing.T) {
		m := NewMatcher(rp, family(), ModeUser, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q", 1, "v1", 1),
			put("r", "q", 2, "v2", 2),
			put("r", "q", 3, "v3", 4),
			del("r", "q", 2, cell.TypeDeleteColumn, 3),
		})
		if len(got) != 1 || string(got[0].Value) != "v3" {
			t.Fatalf("got %v, want only ts=3", got)
		}
	})

	t.Run("family delete hides all columns", func(t *testing.T) {
		m := NewMatcher(rp, family(), ModeUser, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q1", 1, "v1", 1),
			put("r", "q2", 2, "v2", 2),
			del("r", "", 5, cell.TypeDeleteFamily, 3),
			put("r", "q2", 7, "alive", 4),
		})
		if len(got) != 1 || string(got[0].Value) != "alive" {
			t.Fatalf("got %v, want only the post-delete put", got)
		}
	})

	t.Run("delete past the readpoint is invisible", func(t *testing.T) {
		m := NewMatcher(Spec{Readpoint: 2}, family(), ModeUser, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q", 1, "v1", 1),
			del("r", "q", 1, cell.TypeDelete, 9),
		})
		if len(got) != 1 {
			t.Fatalf("got %v, the marker should not exist for this reader", got)
		}
	})
}

func TestMatcherMaxVersions(t *testing.T) {
	fam := family() // MaxVersions: 3
	m := NewMatcher(Spec{Readpoint: ^uint64(0)}, fam, ModeUser, 0)
	got := matchAll(m, []*cell.Cell{
		put("r", "q", 1, "v1", 1),
		put("r", "q", 2, "v2", 2),
		put("r", "q", 3, "v3", 3),
		put("r", "q", 4, "v4", 4),
	})
	if len(got) != 3 {
		t.Fatalf("got %d versions, want 3", len(got))
	}
	if string(got[0].Value) != "v4" || string(got[2].Value) != "v2" {
		t.Fatalf("kept the wrong versions: %v", got)
	}

	t.Run("spec narrows the limit", func(t *testing.T) {
		m := NewMatcher(Spec{Readpoint: ^uint64(0), MaxVersions: 1}, fam, ModeUser, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q", 1, "v1", 1),
			put("r", "q", 2, "v2", 2),
		})
		if len(got) != 1 || string(got[0].Value) != "v2" {
			t.Fatalf("got %v, want only the newest", got)
		}
	})
}

func TestMatcherTTL(t *testing.T) {
	fam := family()
	fam.TTLMs = 100
	m := NewMatcher(Spec{Readpoint: ^uint64(0)}, fam, ModeUser, 1000)
	got := matchAll(m, []*cell.Cell{
		put("r", "q", 850, "expired", 1),
		put("r", "q", 950, "fresh", 2),
	})
	if len(got) != 1 || string(got[0].Value) != "fresh" {
		t.Fatalf("got %v, want only the unexpired cell", got)
	}
}

func TestMatcherColumnsAndTimeRange(t *testing.T) {
	t.Run("column filter", func(t *testing.T) {
		m := NewMatcher(Spec{
			Readpoint: ^uint64(0),
			Columns:   [][]byte{[]byte("q2")},
		}, family(), ModeUser, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q1", 1, "no", 1),
			put("r", "q2", 1, "yes", 2),
		})
		if len(got) != 1 || string(got[0].Value) != "yes" {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("time range", func(t *testing.T) {
		m := NewMatcher(Spec{
			Readpoint:    ^uint64(0),
			MinTimestamp: 10,
			MaxTimestamp: 20,
		}, family(), ModeUser, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q", 5, "low", 1),
			put("r", "q", 15, "in", 2),
			put("r", "q", 25, "high", 3),
		})
		if len(got) != 1 || string(got[0].Value) != "in" {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("stop row ends the scan", func(t *testing.T) {
		m := NewMatcher(Spec{
			Readpoint: ^uint64(0),
			StopRow:   []byte("b"),
		}, family(), ModeUser, 0)
		got := matchAll(m, []*cell.Cell{
			put("a", "q", 1, "in", 1),
			put("b", "q", 1, "out", 2),
		})
		if len(got) != 1 || string(got[0].Value) != "in" {
			t.Fatalf("got %v", got)
		}
	})
}

func TestMatcherCompactionModes(t *testing.T) {
	cells := func() []*cell.Cell {
		return []*cell.Cell{
			put("r", "q", 1, "shadowed", 1),
			del("r", "q", 1, cell.TypeDelete, 2),
			put("r", "q", 5, "kept", 3),
		}
	}

	t.Run("minor retains markers and shadowed data", func(t *testing.T) {
		m := NewMatcher(Spec{Readpoint: ^uint64(0)}, family(), ModeMinorCompact, 0)
		got := matchAll(m, cells())
		if len(got) != 3 {
			t.Fatalf("minor kept %d cells, want all 3", len(got))
		}
	})

	t.Run("major purges markers and shadowed data", func(t *testing.T) {
		m := NewMatcher(Spec{Readpoint: ^uint64(0)}, family(), ModeMajorCompact, 0)
		got := matchAll(m, cells())
		if len(got) != 1 || string(got[0].Value) != "kept" {
			t.Fatalf("major kept %v, want only the live put", got)
		}
	})

	t.Run("major drops over-limit versions", func(t *testing.T) {
		m := NewMatcher(Spec{Readpoint: ^uint64(0)}, family(), ModeMajorCompact, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q", 1, "v1", 1),
			put("r", "q", 2, "v2", 2),
			put("r", "q", 3, "v3", 3),
			put("r", "q", 4, "v4", 4),
		})
		if len(got) != 3 {
			t.Fatalf("major kept %d versions, want 3", len(got))
		}
	})

	t.Run("same version duplicate collapses in minor", func(t *testing.T) {
		m := NewMatcher(Spec{Readpoint: ^uint64(0)}, family(), ModeMinorCompact, 0)
		got := matchAll(m, []*cell.Cell{
			put("r", "q", 5, "winner", 9),
			put("r", "q", 5, "stale", 2),
		})
		if len(got) != 1 || string(got[0].Value) != "winner" {
			t.Fatalf("got %v, want the higher-seq duplicate only", got)
		}
	})
}
