package compaction

import (
	"fmt"
	"sync/atomic"

	"cfstore/pkg/config"
	"cfstore/pkg/scan"
	"cfstore/pkg/storefile"
	"cfstore/pkg/types"
)

// Progress exposes a running compaction's merge position for introspection.
type Progress struct {
	TotalCells     atomic.Int64
	ProcessedCells atomic.Int64
	EmittedCells   atomic.Int64
}

// WriterFactory stages a new output file; the store binds it to its tmp
// directory and writer options.
type WriterFactory func(maxKeyCount int64) (*storefile.Writer, error)

// Compactor executes a selected compaction: a k-way merge of the input
// files' cell streams through the retention matcher into one staged output
// file. It never touches the visible file set; committing the output is the
// store's atomic swap.
type Compactor struct {
	family config.FamilyConfig
}

func NewCompactor(family config.FamilyConfig) *Compactor {
	return &Compactor{family: family}
}

// Compact runs the merge and returns the finished staged writer. On any
// failure the staging output is discarded and the context resolves Failed;
// inputs are unpinned and the store is unchanged, so a retry is safe.
func (c *Compactor) Compact(ctx *Context, newWriter WriterFactory, now types.TimestampMs) (*storefile.Writer, error) {
	if !ctx.begin() {
		return nil, fmt.Errorf("compaction not in selected state: %s", ctx.State())
	}

	inputs := ctx.Files()

	var (
		maxKeys int64
		maxSeq  types.SeqN
	)
	for _, f := range inputs {
		maxKeys += f.EntryCount()
		if f.SequenceID() > maxSeq {
			maxSeq = f.SequenceID()
		}
	}
	ctx.Progress.TotalCells.Store(maxKeys)

	scanners := make([]scan.KeyValueScanner, 0, len(inputs))
	for _, f := range inputs {
		s, err := f.NewScanner()
		if err != nil {
			for _, open := range scanners {
				open.Close()
			}
			ctx.resolve(StateFailed)
			return nil, fmt.Errorf("failed to open compaction input: %w", err)
		}
		scanners = append(scanners, s)
	}
	merge, err := scan.NewMerge(scanners)
	if err != nil {
		ctx.resolve(StateFailed)
		return nil, fmt.Errorf("failed to open compaction merge: %w", err)
	}
	defer merge.Close()

	w, err := newWriter(maxKeys)
	if err != nil {
		ctx.resolve(StateFailed)
		return nil, fmt.Errorf("failed to stage compaction output: %w", err)
	}

	mode := scan.ModeMinorCompact
	if ctx.IsMajor() {
		mode = scan.ModeMajorCompact
	}
	// Compactions read everything ever written; visibility filtering is
	// the retention policy's job, not the readpoint's.
	matcher := scan.NewMatcher(scan.Spec{Readpoint: ^uint64(0)}, c.family, mode, now)

	if err := c.merge(merge, matcher, w, &ctx.Progress); err != nil {
		w.Abort()
		ctx.resolve(StateFailed)
		return nil, err
	}

	// Output inherits the newest input's sequence id: it replaces exactly
	// that span of history.
	if err := w.Finish(storefile.FinishOptions{SequenceID: maxSeq}); err != nil {
		w.Abort()
		ctx.resolve(StateFailed)
		return nil, fmt.Errorf("failed to finish compaction output: %w", err)
	}
	return w, nil
}

func (c *Compactor) merge(merge *scan.Merge, matcher *scan.Matcher, w *storefile.Writer, prog *Progress) error {
	for {
		next, err := merge.Next()
		if err != nil {
			return fmt.Errorf("compaction merge failed: %w", err)
		}
		if next == nil {
			return nil
		}
		prog.ProcessedCells.Add(1)

		switch matcher.Match(next) {
		case scan.Include:
			if err := w.Append(next); err != nil {
				return fmt.Errorf("failed to append compacted cell: %w", err)
			}
			prog.EmittedCells.Add(1)
		case scan.Skip:
			// dropped by retention policy
		case scan.Done:
			return nil
		}
	}
}
