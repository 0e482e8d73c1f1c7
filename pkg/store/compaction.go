package store

import (
	"errors"
	"fmt"
	"log/slog"

	"cfstore/pkg/compaction"
	"cfstore/pkg/dberrors"
	"cfstore/pkg/storefile"
)

// NeedsCompaction reports whether the unpinned file count has reached the
// minor-compaction threshold.
func (s *Store) NeedsCompaction() bool {
	return len(s.compactionCandidates()) >= s.cfg.Compaction.MinFiles
}

// HasTooManyStoreFiles reports whether the file count reached the blocking
// threshold; region writers use it to stall flushes until compaction
// catches up.
func (s *Store) HasTooManyStoreFiles() bool {
	return s.cfg.Compaction.BlockingFiles > 0 &&
		len(s.currentFiles()) >= s.cfg.Compaction.BlockingFiles
}

// CompactPriority orders stores for the external compaction scheduler:
// blocking threshold minus current file count, so fewer remaining slots
// means higher urgency (lower value).
func (s *Store) CompactPriority() int {
	blocking := s.cfg.Compaction.BlockingFiles
	if blocking <= 0 {
		blocking = 10
	}
	return blocking - len(s.currentFiles())
}

// TriggerMajorCompaction makes the next selection choose a full rewrite.
func (s *Store) TriggerMajorCompaction() {
	s.forceMajor.Store(true)
}

// ThrottleCompaction reports whether a compaction of the given input size
// should run on the scheduler's large-compaction queue.
func (s *Store) ThrottleCompaction(inputSize int64) bool {
	return s.policy.Throttle(inputSize)
}

// LastCompactSize returns the total input size of the most recently
// committed compaction.
func (s *Store) LastCompactSize() int64 {
	return s.lastCompactSize.Load()
}

// compactionCandidates returns the live files not pinned by an unresolved
// compaction, ascending by sequence id. Bulk-loaded references and split
// references compact like any other file.
func (s *Store) compactionCandidates() []*storefile.Reader {
	var out []*storefile.Reader
	for _, f := range s.currentFiles() {
		if !s.pins.Pinned(f) {
			out = append(out, f)
		}
	}
	return out
}

// RequestCompaction selects and pins an input set per the request, returning
// a Selected context ready for Compact. Returns ErrNothingToCompact when no
// worthwhile selection exists.
func (s *Store) RequestCompaction(req compaction.Request) (*compaction.Context, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	// Selection and pinning must not race another selection over the same
	// candidates.
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	candidates := s.compactionCandidates()

	var (
		selected []*storefile.Reader
		major    bool
		err      error
	)
	force := req.Major || s.forceMajor.Load()
	if len(req.Files) > 0 {
		if err := s.policy.Validate(candidates, req.Files); err != nil {
			return nil, err
		}
		selected, major = req.Files, force
	} else {
		selected, major, err = s.policy.Select(candidates, force, s.now())
		if err != nil {
			return nil, err
		}
	}

	if req.Priority == compaction.NoPriority {
		req.Priority = s.CompactPriority()
	}

	ctx, err := compaction.NewContext(req, selected, major, s.pins)
	if err != nil {
		return nil, err
	}
	// Consume the pending major trigger only once a selection succeeded.
	if force {
		s.forceMajor.Store(false)
	}

	slog.Info("compaction selected",
		"family", s.family.Name,
		"files", len(selected),
		"bytes", ctx.InputSize(),
		"major", major,
		"priority", ctx.Priority())
	return ctx, nil
}

// Compact executes a selected compaction and atomically commits its output,
// returning the retired input files. On failure the store is unchanged and
// the inputs are unpinned; the caller may re-request.
func (s *Store) Compact(ctx *compaction.Context) ([]*storefile.Reader, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	inputs := ctx.Files()
	inputSize := ctx.InputSize()
	start := s.now()

	w, err := s.compactor.Compact(ctx, func(maxKeyCount int64) (*storefile.Writer, error) {
		return s.CreateWriterInTmp(maxKeyCount, "", true, true)
	}, start.UnixMilli())
	if err != nil {
		s.collector.IncCounter("store.compaction_failures", 1)
		return nil, err
	}

	r, err := s.commitStaged(w.Path(), s.stagingName())
	if err != nil {
		ctx.Cancel()
		s.collector.IncCounter("store.compaction_failures", 1)
		return nil, fmt.Errorf("failed to commit compaction output: %w", err)
	}

	s.swapFiles([]*storefile.Reader{r}, inputs)
	ctx.Commit()
	s.lastCompactSize.Store(inputSize)

	s.collector.IncCounter("store.compactions", 1)
	slog.Info("compaction committed",
		"family", s.family.Name,
		"inputs", len(inputs),
		"input_bytes", inputSize,
		"output_bytes", r.Size(),
		"major", ctx.IsMajor(),
		"took", s.now().Sub(start))
	return inputs, nil
}

// CompactIfNeeded is the scheduler-free convenience path: select, execute
// and commit in one call. A nil context return with nil error means there
// was nothing to do.
func (s *Store) CompactIfNeeded() (*compaction.Context, error) {
	ctx, err := s.RequestCompaction(compaction.Request{
		Priority: compaction.NoPriority,
		Time:     s.now(),
	})
	if errors.Is(err, dberrors.ErrNothingToCompact) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.Compact(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// CancelRequestedCompaction aborts a selected-but-uncommitted compaction,
// releasing its pins.
func (s *Store) CancelRequestedCompaction(ctx *compaction.Context) error {
	return ctx.Cancel()
}
