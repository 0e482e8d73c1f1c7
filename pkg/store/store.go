// Package store orchestrates one column family of a region: a mutable
// memstore plus an ordered set of immutable sorted files, with flush,
// compaction, bulk load and snapshot-isolated scans coordinated on top.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cfstore/pkg/cell"
	"cfstore/pkg/compaction"
	"cfstore/pkg/config"
	"cfstore/pkg/dberrors"
	"cfstore/pkg/memstore"
	"cfstore/pkg/metrics"
	"cfstore/pkg/storefile"
	"cfstore/pkg/types"
)

const (
	fileSuffix    = ".sf"
	bulkSeqMarker = "_seqid_"
	tmpDirName    = ".tmp"
)

// RegionInfo is the slice of region metadata the store needs: its table and
// the assigned row range. EndKey is exclusive; empty means unbounded.
type RegionInfo struct {
	Table    string
	Region   string
	StartKey types.Key
	EndKey   types.Key
}

// ChangedReadersObserver is notified synchronously after every atomic
// file-set mutation (flush, compaction or bulk-load commit). Long-lived
// scanners register one to reopen against the new set instead of reading a
// stale view indefinitely.
type ChangedReadersObserver interface {
	UpdateReaders()
}

// fileSet is an immutable snapshot of the store's file membership, ascending
// by sequence id. Mutations build a new set and swap the pointer; readers
// that captured the old set are unaffected.
type fileSet struct {
	files []*storefile.Reader
}

func (fs *fileSet) sorted() []*storefile.Reader {
	return fs.files
}

// Store is one column family's storage engine instance.
type Store struct {
	cfg    config.StoreConfig
	family config.FamilyConfig
	region RegionInfo

	dir    string
	tmpDir string

	ms    *memstore.MemStore
	files atomic.Pointer[fileSet]
	// commitMu serializes file-set swaps; readers never take it.
	commitMu sync.Mutex

	pins      *compaction.PinRegistry
	policy    *compaction.Policy
	compactor *compaction.Compactor

	forceMajor      atomic.Bool
	lastCompactSize atomic.Int64
	flushInFlight   atomic.Bool

	obsMu     sync.Mutex
	observers []ChangedReadersObserver

	collector metrics.Collector
	nowFn     func() time.Time
	closed    atomic.Bool
}

// Option customizes store construction.
type Option func(*Store)

// WithMetrics attaches a metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Store) { s.collector = c }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// Open creates or reopens the store rooted at dir, loading any committed
// store files found there.
func Open(dir string, cfg config.StoreConfig, family config.FamilyConfig, region RegionInfo, opts ...Option) (*Store, error) {
	s := &Store{
		cfg:       cfg,
		family:    family,
		region:    region,
		dir:       dir,
		tmpDir:    filepath.Join(dir, tmpDirName),
		ms:        memstore.New(),
		pins:      compaction.NewPinRegistry(),
		policy:    compaction.NewPolicy(cfg.Compaction),
		compactor: compaction.NewCompactor(family),
		collector: metrics.Nop{},
		nowFn:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	if err := os.MkdirAll(s.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directories: %w", err)
	}

	files, err := s.loadFiles()
	if err != nil {
		return nil, err
	}
	s.files.Store(&fileSet{files: files})

	slog.Info("store opened",
		"table", region.Table, "region", region.Region,
		"family", family.Name, "files", len(files))
	return s, nil
}

func (s *Store) loadFiles() ([]*storefile.Reader, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store dir: %w", err)
	}

	var files []*storefile.Reader
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		r, err := storefile.Open(path)
		if err != nil {
			// Corrupt metadata at open is fatal for the file: fail
			// loudly rather than silently serve wrong data.
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		// Bulk-loaded files carry their assigned sequence id in the
		// committed name.
		if seq, ok := bulkSeqFromName(e.Name()); ok {
			r.AssignSequenceID(seq)
		}
		files = append(files, r)
	}

	sortBySeq(files)
	return files, nil
}

func sortBySeq(files []*storefile.Reader) {
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].SequenceID() < files[j].SequenceID()
	})
}

func bulkSeqFromName(name string) (types.SeqN, bool) {
	i := strings.Index(name, bulkSeqMarker)
	if i < 0 {
		return 0, false
	}
	raw := strings.TrimSuffix(name[i+len(bulkSeqMarker):], fileSuffix)
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Add routes cells to the memstore. Atomic per cell, not across the batch.
// Returns the memstore size delta.
func (s *Store) Add(cells ...*cell.Cell) (int64, error) {
	if s.closed.Load() {
		return 0, dberrors.ErrClosed
	}
	var delta int64
	for _, c := range cells {
		delta += s.ms.Add(c)
	}
	s.collector.IncCounter("store.writes", float64(len(cells)))
	s.collector.SetGauge("store.memstore_bytes", float64(s.ms.Size()))
	return delta, nil
}

// Upsert inserts or replaces cells keyed by (row, family, qualifier),
// discarding superseded versions no reader at or below readpointFloor can
// still need. Returns the memstore size delta.
func (s *Store) Upsert(cells []*cell.Cell, readpointFloor types.SeqN) (int64, error) {
	if s.closed.Load() {
		return 0, dberrors.ErrClosed
	}
	delta := s.ms.Upsert(cells, readpointFloor)
	s.collector.IncCounter("store.upserts", float64(len(cells)))
	return delta, nil
}

// Rollback removes a cell from the active memstore only when both its
// identity key and sequence number match exactly; anything else is a no-op.
func (s *Store) Rollback(c *cell.Cell) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if freed := s.ms.Rollback(c); freed > 0 {
		s.collector.IncCounter("store.rollbacks", 1)
	}
	return nil
}

// currentFiles captures the live file-set snapshot.
func (s *Store) currentFiles() []*storefile.Reader {
	return s.files.Load().sorted()
}

// swapFiles atomically replaces the visible file set: removed inputs leave,
// added files join, and registered observers hear about it. Retired files
// are marked obsolete and deleted from durable storage once the last
// scanner drops them.
func (s *Store) swapFiles(add []*storefile.Reader, remove []*storefile.Reader) {
	s.commitMu.Lock()
	old := s.files.Load().sorted()

	removed := make(map[*storefile.Reader]bool, len(remove))
	for _, r := range remove {
		removed[r] = true
	}

	next := make([]*storefile.Reader, 0, len(old)+len(add))
	for _, f := range old {
		if !removed[f] {
			next = append(next, f)
		}
	}
	next = append(next, add...)
	sortBySeq(next)

	s.files.Store(&fileSet{files: next})
	s.commitMu.Unlock()

	for _, f := range remove {
		f.MarkObsolete()
		f.Unref()
	}

	s.collector.SetGauge("store.files", float64(len(next)))
	s.notifyChangedReaders()
}

func (s *Store) notifyChangedReaders() {
	s.obsMu.Lock()
	obs := make([]ChangedReadersObserver, len(s.observers))
	copy(obs, s.observers)
	s.obsMu.Unlock()

	for _, o := range obs {
		o.UpdateReaders()
	}
}

// AddChangedReaderObserver registers an observer for file-set changes.
func (s *Store) AddChangedReaderObserver(o ChangedReadersObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// DeleteChangedReaderObserver removes a previously registered observer.
func (s *Store) DeleteChangedReaderObserver(o ChangedReadersObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for i, cur := range s.observers {
		if cur == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// Close shuts the store down and releases every file reader. The caller
// must already hold the region's exclusive lock: no concurrent reads or
// writes may be in flight. Returns the files that were in use.
func (s *Store) Close() ([]*storefile.Reader, error) {
	if !s.closed.CompareAndSwap(false, true) {
		return nil, dberrors.ErrClosed
	}

	s.commitMu.Lock()
	files := s.files.Load().sorted()
	s.files.Store(&fileSet{})
	s.commitMu.Unlock()

	for _, f := range files {
		f.Unref()
	}
	slog.Info("store closed",
		"family", s.family.Name, "region", s.region.Region, "files", len(files))
	return files, nil
}

// Family returns the column family schema this store serves.
func (s *Store) Family() config.FamilyConfig {
	return s.family
}

// Region returns the owning region's metadata.
func (s *Store) Region() RegionInfo {
	return s.region
}

func (s *Store) now() time.Time {
	return s.nowFn()
}

func (s *Store) stagingName() string {
	return fmt.Sprintf("%020d%s", time.Now().UnixNano(), fileSuffix)
}

// CreateWriterInTmp stages a new store file in the tmp directory. The file
// becomes visible only through the atomic commit step of its producing
// operation (flush, compaction or split).
func (s *Store) CreateWriterInTmp(maxKeyCount int64, compression string, isCompaction, includeMVCC bool) (*storefile.Writer, error) {
	if compression == "" {
		compression = s.cfg.File.Compression
	}
	path := filepath.Join(s.tmpDir, s.stagingName())
	w, err := storefile.NewWriter(path, storefile.WriterOptions{
		BlockSizeBytes: s.cfg.File.BlockSizeBytes,
		BloomFPRate:    s.cfg.File.BloomFPRate,
		MaxKeyCount:    maxKeyCount,
		IncludeMVCC:    includeMVCC,
		Compression:    compression,
	})
	if err != nil {
		return nil, err
	}
	if isCompaction {
		s.collector.IncCounter("store.compaction_writers", 1)
	}
	return w, nil
}

// commitStaged moves a finished staging file into the family directory and
// opens a reader over it.
func (s *Store) commitStaged(stagedPath, finalName string) (*storefile.Reader, error) {
	final := filepath.Join(s.dir, finalName)
	if err := os.Rename(stagedPath, final); err != nil {
		return nil, fmt.Errorf("failed to commit staged file: %w", err)
	}
	r, err := storefile.Open(final)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen committed file: %w", err)
	}
	return r, nil
}
