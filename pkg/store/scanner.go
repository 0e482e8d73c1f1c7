package store

import (
	"bytes"
	"fmt"
	"sync"

	"cfstore/pkg/cell"
	"cfstore/pkg/dberrors"
	"cfstore/pkg/scan"
	"cfstore/pkg/storefile"
	"cfstore/pkg/types"
)

// Scanner is a merged, filtered, snapshot-isolated cell stream over the
// memstore and the store files visible when it was opened (or last
// reopened). It registers itself as a changed-readers observer: after a
// flush, compaction or bulk load commits, the scanner transparently reopens
// against the new file set at its current position.
type Scanner struct {
	store *Store
	spec  scan.Spec

	mu      sync.Mutex
	merge   *scan.Merge
	matcher *scan.Matcher
	lastRet *cell.Cell
	pending *cell.Cell // filtered lookahead not yet returned
	changed bool
	closed  bool
}

// Scan opens a scanner for the request. The readpoint in spec bounds
// visibility: cells with a higher sequence number do not exist for this
// scanner no matter what happens concurrently.
func (s *Store) Scan(spec scan.Spec) (*Scanner, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	sc := &Scanner{
		store:   s,
		spec:    spec,
		matcher: scan.NewMatcher(spec, s.family, scan.ModeUser, s.now().UnixMilli()),
	}
	if err := sc.open(nil); err != nil {
		return nil, err
	}
	s.AddChangedReaderObserver(sc)
	s.collector.IncCounter("store.scans", 1)
	return sc, nil
}

// open builds the merge over the current layers, seeked past resumeAfter
// when resuming.
func (sc *Scanner) open(resumeAfter *cell.Cell) error {
	scanners, err := sc.store.layerScanners(sc.spec)
	if err != nil {
		return err
	}
	merge, err := scan.NewMerge(scanners)
	if err != nil {
		return err
	}

	var seekTo *cell.Cell
	switch {
	case resumeAfter != nil:
		seekTo = resumeAfter
	case sc.spec.StartRow != nil:
		seekTo = cell.FirstOnRow(sc.spec.StartRow)
	}
	if seekTo != nil {
		if _, err := merge.Seek(seekTo); err != nil {
			merge.Close()
			return err
		}
	}
	if resumeAfter != nil {
		// Seek lands at the last returned cell; step strictly past it.
		for {
			c := merge.Peek()
			if c == nil || cell.Compare(c, resumeAfter) > 0 {
				break
			}
			if _, err := merge.Next(); err != nil {
				merge.Close()
				return err
			}
		}
	}
	sc.merge = merge
	return nil
}

// layerScanners builds one scanner per live layer, excluding files that the
// row range, time range or bloom filter prove irrelevant.
func (s *Store) layerScanners(spec scan.Spec) ([]scan.KeyValueScanner, error) {
	var out []scan.KeyValueScanner
	for _, m := range s.ms.Scanners() {
		out = append(out, m)
	}

	isGet := isSingleRow(spec)
	for {
		files := s.currentFiles()
		opened, ok := openFileScanners(files, spec, isGet)
		if ok {
			out = append(out, opened...)
			return out, nil
		}
		// Lost a race with file retirement; resolve the fresh set.
	}
}

// refCurrentFiles resolves the live file set with a reference taken on every
// file, retrying when a concurrent commit retires a file mid-resolve. The
// caller must Unref every returned file.
func (s *Store) refCurrentFiles() []*storefile.Reader {
	for {
		files := s.currentFiles()
		ok := true
		for i, f := range files {
			if !f.Ref() {
				for _, g := range files[:i] {
					g.Unref()
				}
				ok = false
				break
			}
		}
		if ok {
			return files
		}
	}
}

func openFileScanners(files []*storefile.Reader, spec scan.Spec, isGet bool) ([]scan.KeyValueScanner, bool) {
	var out []scan.KeyValueScanner
	for _, f := range files {
		if skipFile(f, spec, isGet) {
			continue
		}
		fs, err := f.NewScanner()
		if err != nil {
			for _, o := range out {
				o.Close()
			}
			return nil, false
		}
		out = append(out, fs)
	}
	return out, true
}

// skipFile prunes a file that cannot contribute to the scan.
func skipFile(f *storefile.Reader, spec scan.Spec, isGet bool) bool {
	if f.EntryCount() == 0 && !f.IsReference() {
		return true
	}
	if spec.StartRow != nil && f.LastRow() != nil &&
		bytes.Compare(f.LastRow(), spec.StartRow) < 0 {
		return true
	}
	if spec.StopRow != nil && f.FirstRow() != nil &&
		bytes.Compare(f.FirstRow(), spec.StopRow) >= 0 {
		return true
	}
	minTS, maxTS := f.TimeRange()
	if spec.MaxTimestamp > 0 && minTS > spec.MaxTimestamp {
		return true
	}
	if spec.MinTimestamp > 0 && maxTS > 0 && maxTS < spec.MinTimestamp {
		return true
	}
	if isGet && !f.MayContainRow(spec.StartRow) {
		return true
	}
	return false
}

// isSingleRow recognizes the Get pattern: stop row is the immediate
// successor of the start row, so bloom filters apply.
func isSingleRow(spec scan.Spec) bool {
	if spec.StartRow == nil || spec.StopRow == nil {
		return false
	}
	if len(spec.StopRow) != len(spec.StartRow)+1 {
		return false
	}
	return bytes.Equal(spec.StopRow[:len(spec.StartRow)], spec.StartRow) &&
		spec.StopRow[len(spec.StartRow)] == 0
}

// GetSpec builds a single-row scan spec (the Get pattern).
func GetSpec(row types.Key, readpoint types.SeqN, columns ...[]byte) scan.Spec {
	stop := make([]byte, len(row)+1)
	copy(stop, row)
	return scan.Spec{
		StartRow:  row,
		StopRow:   stop,
		Columns:   columns,
		Readpoint: readpoint,
	}
}

// UpdateReaders implements ChangedReadersObserver; the reopen happens lazily
// on the next read so notification never blocks the committer.
func (sc *Scanner) UpdateReaders() {
	sc.mu.Lock()
	sc.changed = true
	sc.mu.Unlock()
}

// Next returns the next visible cell, nil at end of scan.
func (sc *Scanner) Next() (*cell.Cell, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return nil, dberrors.ErrClosed
	}
	if sc.pending != nil {
		c := sc.pending
		sc.pending = nil
		return c, nil
	}
	return sc.fetch()
}

// Peek returns the cell Next would return, without consuming it.
func (sc *Scanner) Peek() (*cell.Cell, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return nil, dberrors.ErrClosed
	}
	if sc.pending == nil {
		c, err := sc.fetch()
		if err != nil {
			return nil, err
		}
		sc.pending = c
	}
	return sc.pending, nil
}

// fetch advances the merge to the next cell the matcher includes. Caller
// holds sc.mu.
func (sc *Scanner) fetch() (*cell.Cell, error) {
	if sc.changed {
		sc.changed = false
		sc.merge.Close()
		if err := sc.open(sc.lastRet); err != nil {
			return nil, fmt.Errorf("failed to reopen scanner: %w", err)
		}
	}

	for {
		c, err := sc.merge.Next()
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		switch sc.matcher.Match(c) {
		case scan.Include:
			sc.lastRet = c
			return c, nil
		case scan.Skip:
			continue
		case scan.Done:
			return nil, nil
		}
	}
}

// NextRow collects all visible cells of the next row, nil at end of scan.
func (sc *Scanner) NextRow() ([]*cell.Cell, error) {
	var row []*cell.Cell
	for {
		c, err := sc.Peek()
		if err != nil {
			return nil, err
		}
		if c == nil || (len(row) > 0 && !bytes.Equal(row[0].Row, c.Row)) {
			return row, nil
		}
		got, err := sc.Next()
		if err != nil {
			return nil, err
		}
		row = append(row, got)
	}
}

// Close releases the scanner's layer references and deregisters it.
func (sc *Scanner) Close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	sc.merge.Close()
	sc.mu.Unlock()

	sc.store.DeleteChangedReaderObserver(sc)
}

// Get returns the visible cells of one row, optionally restricted to the
// given qualifiers.
func (s *Store) Get(row types.Key, readpoint types.SeqN, columns ...[]byte) ([]*cell.Cell, error) {
	sc, err := s.Scan(GetSpec(row, readpoint, columns...))
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	var out []*cell.Cell
	for {
		c, err := sc.Next()
		if err != nil {
			return nil, err
		}
		if c == nil {
			return out, nil
		}
		out = append(out, c)
	}
}

// FindRowBefore returns the newest cell at row, or the newest cell of the
// row immediately preceding it, nil when no such row exists.
//
// Precondition: only valid on tables whose writes per row arrive with
// strictly increasing timestamps. The search walks layers newest-first and
// relies on deletes being encountered before the cells they shadow; it does
// not perform a full merge.
func (s *Store) FindRowBefore(row types.Key) (*cell.Cell, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	var (
		best    *cell.Cell
		famDels = map[string]types.TimestampMs{}
	)
	consider := func(c *cell.Cell, delTS types.TimestampMs, rowKey []byte) {
		if delTS > 0 && delTS > famDels[string(rowKey)] {
			famDels[string(rowKey)] = delTS
		}
		if c == nil {
			return
		}
		if famDels[string(c.Row)] >= c.Timestamp && famDels[string(c.Row)] > 0 {
			return
		}
		if best == nil || bytes.Compare(c.Row, best.Row) > 0 {
			best = c
		}
	}

	for _, m := range s.ms.Scanners() {
		c, delTS := m.RowAtOrBefore(row)
		rowKey := row
		if c != nil {
			rowKey = c.Row
		}
		consider(c, delTS, rowKey)
		m.Close()
	}

	// Hold a reference per file so a concurrent compaction commit cannot
	// close them under the lookup.
	files := s.refCurrentFiles()
	defer func() {
		for _, f := range files {
			f.Unref()
		}
	}()
	for i := len(files) - 1; i >= 0; i-- {
		c, delTS, err := files[i].RowAtOrBefore(row)
		if err != nil {
			return nil, err
		}
		rowKey := row
		if c != nil {
			rowKey = c.Row
		}
		consider(c, delTS, rowKey)
	}
	return best, nil
}
