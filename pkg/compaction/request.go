// Package compaction selects subsets of store files, merges them into one
// replacement file, and tracks the request lifecycle:
//
//	Requested -> Selected -> Executing -> Committed | Cancelled | Failed
//
// Once selected, input files are pinned: a concurrent request cannot select
// them and they cannot be deleted until the compaction resolves.
package compaction

import (
	"math"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipset"

	"cfstore/pkg/dberrors"
	"cfstore/pkg/storefile"
)

const (
	// PriorityUser is the default for user-requested compactions: top
	// priority unless a blocking compaction is pending (priority <= 0).
	PriorityUser = 1
	// NoPriority marks a request whose priority is still unassigned.
	NoPriority = math.MinInt
)

// State of a compaction context.
type State int

const (
	StateRequested State = iota
	StateSelected
	StateExecuting
	StateCommitted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateSelected:
		return "selected"
	case StateExecuting:
		return "executing"
	case StateCommitted:
		return "committed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request carries the caller's compaction parameters.
type Request struct {
	Priority int
	// Files optionally pre-selects the input set; the policy validates it.
	Files []*storefile.Reader
	// Major forces a full-family merge with purging.
	Major bool
	// Time is when the request was made.
	Time time.Time
}

// PinRegistry tracks files pinned as inputs of unresolved compactions, keyed
// by path: sequence ids are not unique across bulk loads. Backed by a
// concurrent skip set so selection never takes the store's locks.
type PinRegistry struct {
	set *skipset.StringSet
}

func NewPinRegistry() *PinRegistry {
	return &PinRegistry{set: skipset.NewString()}
}

// PinAll pins every file or none: if any file is already pinned the call
// rolls back and reports ErrFilePinned.
func (p *PinRegistry) PinAll(files []*storefile.Reader) error {
	for i, f := range files {
		if !p.set.Add(f.Path()) {
			for _, g := range files[:i] {
				p.set.Remove(g.Path())
			}
			return dberrors.ErrFilePinned
		}
	}
	return nil
}

func (p *PinRegistry) UnpinAll(files []*storefile.Reader) {
	for _, f := range files {
		p.set.Remove(f.Path())
	}
}

// Pinned reports whether the file is an input of an unresolved compaction.
func (p *PinRegistry) Pinned(f *storefile.Reader) bool {
	return p.set.Contains(f.Path())
}

// Context is one compaction in flight: the selected and pinned input set
// plus lifecycle state. Created by selection, resolved exactly once by
// commit, cancellation or failure.
type Context struct {
	mu       sync.Mutex
	state    State
	req      Request
	selected []*storefile.Reader
	major    bool
	pins     *PinRegistry

	Progress Progress
}

// NewContext pins the selected files and returns a Selected context.
func NewContext(req Request, selected []*storefile.Reader, major bool, pins *PinRegistry) (*Context, error) {
	if err := pins.PinAll(selected); err != nil {
		return nil, err
	}
	return &Context{
		state:    StateSelected,
		req:      req,
		selected: selected,
		major:    major,
		pins:     pins,
	}, nil
}

func (c *Context) Files() []*storefile.Reader {
	out := make([]*storefile.Reader, len(c.selected))
	copy(out, c.selected)
	return out
}

func (c *Context) IsMajor() bool { return c.major }

func (c *Context) Priority() int { return c.req.Priority }

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InputSize is the total byte size of the selected files, used for
// throttling decisions.
func (c *Context) InputSize() int64 {
	var n int64
	for _, f := range c.selected {
		n += f.Size()
	}
	return n
}

// begin moves Selected -> Executing.
func (c *Context) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSelected {
		return false
	}
	c.state = StateExecuting
	return true
}

// resolve finishes the lifecycle and unpins the inputs.
func (c *Context) resolve(final State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCommitted || c.state == StateCancelled || c.state == StateFailed {
		return
	}
	c.state = final
	c.pins.UnpinAll(c.selected)
}

// Commit finishes a successfully executed compaction, unpinning its inputs.
// The caller must already have swapped the output into the visible file set.
func (c *Context) Commit() {
	c.resolve(StateCommitted)
}

// Cancel aborts the compaction before commit, unpinning its inputs and
// leaving the store untouched. Invalid once committed; the check and the
// transition share one lock acquisition so a racing Commit cannot slip in
// between them.
func (c *Context) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateCommitted:
		return dberrors.ErrCompactionCommitted
	case StateCancelled, StateFailed:
		return nil
	}
	c.state = StateCancelled
	c.pins.UnpinAll(c.selected)
	return nil
}
