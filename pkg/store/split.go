package store

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cfstore/pkg/dberrors"
	"cfstore/pkg/storefile"
)

// HasReferences reports whether any live file is a reference half-file from
// an earlier split. References must be compacted away before the region may
// split again.
func (s *Store) HasReferences() bool {
	for _, f := range s.currentFiles() {
		if f.IsReference() {
			return true
		}
	}
	return false
}

// CanSplit reports whether the store permits a region split right now.
func (s *Store) CanSplit() bool {
	return !s.closed.Load() && !s.HasReferences()
}

// SplitPoint suggests a split row: the mid-block row of the largest store
// file, clamped away from the range boundaries. Nil when no usable point
// exists (no files, reference files present, or the midpoint degenerates to
// a boundary).
func (s *Store) SplitPoint() []byte {
	if !s.CanSplit() {
		return nil
	}

	var largest *storefile.Reader
	for _, f := range s.currentFiles() {
		if largest == nil || f.Size() > largest.Size() {
			largest = f
		}
	}
	if largest == nil {
		return nil
	}

	mid := largest.MidRow()
	if mid == nil {
		return nil
	}
	if bytes.Equal(mid, largest.FirstRow()) || bytes.Equal(mid, largest.LastRow()) {
		// Splitting at a file boundary would leave an empty daughter.
		return nil
	}
	if len(s.region.StartKey) > 0 && bytes.Compare(mid, s.region.StartKey) <= 0 {
		return nil
	}
	if len(s.region.EndKey) > 0 && bytes.Compare(mid, s.region.EndKey) >= 0 {
		return nil
	}
	return mid
}

// SplitTo writes reference half-files for every live store file into the two
// daughter directories. The parent files stay in place and stay open; the
// daughters resolve them through the references until their own compactions
// rewrite the halves. The memstore must already be flushed.
func (s *Store) SplitTo(splitRow []byte, bottomDir, topDir string) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if s.HasReferences() {
		return fmt.Errorf("cannot split %s: store still holds reference files", s.region.Region)
	}
	if len(splitRow) == 0 {
		return fmt.Errorf("split row must not be empty")
	}

	for _, dir := range []string{bottomDir, topDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create daughter dir: %w", err)
		}
	}

	files := s.currentFiles()
	for _, f := range files {
		name := fmt.Sprintf("%020d%s", time.Now().UnixNano(), fileSuffix)
		bottom := filepath.Join(bottomDir, name)
		if err := storefile.WriteReference(bottom, f.Path(), splitRow, false, f.SequenceID()); err != nil {
			return fmt.Errorf("failed to write bottom reference: %w", err)
		}
		top := filepath.Join(topDir, name)
		if err := storefile.WriteReference(top, f.Path(), splitRow, true, f.SequenceID()); err != nil {
			return fmt.Errorf("failed to write top reference: %w", err)
		}
	}

	slog.Info("split references written",
		"family", s.family.Name,
		"region", s.region.Region,
		"files", len(files),
		"split_row", string(splitRow))
	return nil
}
