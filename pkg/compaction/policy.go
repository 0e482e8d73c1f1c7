package compaction

import (
	"time"

	"cfstore/pkg/config"
	"cfstore/pkg/dberrors"
	"cfstore/pkg/storefile"
)

// Policy chooses compaction input sets. Candidates arrive oldest first
// (ascending sequence id) with already-pinned files excluded by the caller.
//
// Minor selection is ratio-based: a file may join an input set only if its
// size is at most Ratio times the total size of the newer files in the set,
// which steers the engine toward merging many small files instead of
// rewriting big ones. Among qualifying windows the smallest total wins.
type Policy struct {
	cfg config.CompactionConfig
}

func NewPolicy(cfg config.CompactionConfig) *Policy {
	if cfg.MinFiles < 2 {
		cfg.MinFiles = 2
	}
	if cfg.MaxFiles < cfg.MinFiles {
		cfg.MaxFiles = cfg.MinFiles
	}
	if cfg.Ratio <= 0 {
		cfg.Ratio = 1.2
	}
	return &Policy{cfg: cfg}
}

// Select picks the input set. forceMajor requests a full rewrite; a major is
// also chosen when every candidate fits in one pass or the oldest file has
// outlived the major interval.
func (p *Policy) Select(candidates []*storefile.Reader, forceMajor bool, now time.Time) ([]*storefile.Reader, bool, error) {
	if len(candidates) == 0 {
		return nil, false, dberrors.ErrNothingToCompact
	}

	if forceMajor || p.majorDue(candidates, now) {
		if len(candidates) == 1 && !candidates[0].IsReference() && !forceMajor {
			// Rewriting a single non-reference file buys nothing.
			return nil, false, dberrors.ErrNothingToCompact
		}
		return append([]*storefile.Reader(nil), candidates...), true, nil
	}

	if len(candidates) <= p.cfg.MaxFiles && len(candidates) >= p.cfg.MinFiles {
		// Everything fits in one pass: that is a major compaction and it
		// may purge.
		return append([]*storefile.Reader(nil), candidates...), true, nil
	}

	files := p.selectMinor(candidates)
	if len(files) == 0 {
		return nil, false, dberrors.ErrNothingToCompact
	}
	return files, false, nil
}

// Validate checks a caller-supplied pre-selection: files must be a
// contiguous run of the candidate list so the output keeps a well-defined
// recency relative to the survivors.
func (p *Policy) Validate(candidates, preselected []*storefile.Reader) error {
	if len(preselected) == 0 {
		return dberrors.ErrNothingToCompact
	}
	start := -1
	for i, c := range candidates {
		if c == preselected[0] {
			start = i
			break
		}
	}
	if start < 0 || start+len(preselected) > len(candidates) {
		return dberrors.ErrNothingToCompact
	}
	for i, f := range preselected {
		if candidates[start+i] != f {
			return dberrors.ErrNothingToCompact
		}
	}
	return nil
}

func (p *Policy) majorDue(candidates []*storefile.Reader, now time.Time) bool {
	if p.cfg.MajorIntervalMs <= 0 {
		return false
	}
	if len(candidates) > p.cfg.MaxFiles {
		return false
	}
	oldest := candidates[0]
	_, maxTS := oldest.TimeRange()
	age := now.UnixMilli() - maxTS
	return maxTS > 0 && age > p.cfg.MajorIntervalMs
}

func (p *Policy) selectMinor(candidates []*storefile.Reader) []*storefile.Reader {
	var (
		best      []*storefile.Reader
		bestTotal int64 = -1
	)

	for start := 0; start+p.cfg.MinFiles <= len(candidates); start++ {
		end := start + p.cfg.MaxFiles
		if end > len(candidates) {
			end = len(candidates)
		}
		for width := p.cfg.MinFiles; start+width <= end; width++ {
			window := candidates[start : start+width]
			total, ok := p.windowFits(window)
			if !ok {
				continue
			}
			if bestTotal < 0 || total < bestTotal {
				best = append([]*storefile.Reader(nil), window...)
				bestTotal = total
			}
		}
	}
	return best
}

// windowFits checks the ratio constraint over a candidate window and returns
// its total size.
func (p *Policy) windowFits(window []*storefile.Reader) (int64, bool) {
	var total int64
	for _, f := range window {
		total += f.Size()
	}
	for _, f := range window {
		rest := float64(total - f.Size())
		if float64(f.Size()) > rest*p.cfg.Ratio {
			return 0, false
		}
	}
	return total, true
}

// Throttle reports whether a compaction of the given input size belongs in
// the large-compaction queue of the external scheduler.
func (p *Policy) Throttle(inputSize int64) bool {
	return p.cfg.ThrottlePoint > 0 && inputSize > p.cfg.ThrottlePoint
}
