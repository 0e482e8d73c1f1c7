package scan

import (
	"bytes"

	"cfstore/pkg/cell"
	"cfstore/pkg/config"
	"cfstore/pkg/types"
)

// Mode selects the matcher's retention behavior.
type Mode int

const (
	// ModeUser serves a client scan: full visibility filtering.
	ModeUser Mode = iota
	// ModeMinorCompact merges a file subset: delete markers are retained
	// and no deletable data is purged, only same-version duplicates
	// collapse.
	ModeMinorCompact
	// ModeMajorCompact merges the whole family: shadowed cells, spent
	// delete markers, expired cells and over-limit versions are purged.
	ModeMajorCompact
)

// Code is the matcher's verdict for one cell of the merged stream.
type Code int

const (
	// Include emits the cell.
	Include Code = iota
	// Skip drops the cell and continues.
	Skip
	// Done ends the scan; the stream is past the stop row.
	Done
)

// Matcher applies the scan policy to a merged, comparator-ordered cell
// stream. Correctness relies on merge order: within one column the stream
// runs newest timestamp first, markers before the puts they shadow at equal
// timestamp, and newer layers before older ones at identical versions.
type Matcher struct {
	spec   Spec
	family config.FamilyConfig
	mode   Mode
	// now anchors TTL expiry.
	now types.TimestampMs

	maxVersions int
	columns     map[string]struct{}

	// Per-row delete-marker state, reset on row change.
	curRow      []byte
	rowValid    bool
	familyDelTS types.TimestampMs
	colDels     map[string]*colDeletes
	// Accepted put versions and the last accepted version key per column.
	accepted map[string]*colProgress
}

type colDeletes struct {
	columnDelTS types.TimestampMs // DeleteColumn: shadows ts <= this
	pointDels   map[types.TimestampMs]struct{}
}

type colProgress struct {
	count  int
	lastTS types.TimestampMs
	valid  bool
}

// NewMatcher builds a matcher for one scan. now is the wall-clock anchor for
// TTL decisions.
func NewMatcher(spec Spec, family config.FamilyConfig, mode Mode, now types.TimestampMs) *Matcher {
	m := &Matcher{
		spec:        spec,
		family:      family,
		mode:        mode,
		now:         now,
		maxVersions: family.MaxVersions,
		colDels:     make(map[string]*colDeletes),
		accepted:    make(map[string]*colProgress),
	}
	if m.maxVersions < 1 {
		m.maxVersions = 1
	}
	if mode == ModeUser && spec.MaxVersions > 0 && spec.MaxVersions < m.maxVersions {
		m.maxVersions = spec.MaxVersions
	}
	if mode == ModeUser && len(spec.Columns) > 0 {
		m.columns = make(map[string]struct{}, len(spec.Columns))
		for _, q := range spec.Columns {
			m.columns[string(q)] = struct{}{}
		}
	}
	return m
}

func (m *Matcher) resetRow(row []byte) {
	m.curRow = row
	m.rowValid = true
	m.familyDelTS = 0
	m.colDels = make(map[string]*colDeletes)
	m.accepted = make(map[string]*colProgress)
}

func (m *Matcher) expired(ts types.TimestampMs) bool {
	return m.family.TTLMs > 0 && m.now-ts > m.family.TTLMs
}

// Match classifies the next cell of the merged stream.
func (m *Matcher) Match(c *cell.Cell) Code {
	if m.mode == ModeUser && m.spec.StopRow != nil &&
		bytes.Compare(c.Row, m.spec.StopRow) >= 0 {
		return Done
	}

	if !m.rowValid || !bytes.Equal(c.Row, m.curRow) {
		m.resetRow(c.Row)
	}

	// MVCC isolation: writes past the readpoint do not exist for this
	// reader, including their delete markers.
	if c.Seq > m.spec.Readpoint {
		return Skip
	}

	if c.Kind.IsDelete() {
		return m.matchDelete(c)
	}
	return m.matchPut(c)
}

func (m *Matcher) matchDelete(c *cell.Cell) Code {
	switch c.Kind {
	case cell.TypeDeleteFamily:
		if c.Timestamp > m.familyDelTS {
			m.familyDelTS = c.Timestamp
		}
	case cell.TypeDeleteColumn:
		d := m.colDel(c.Qualifier)
		if c.Timestamp > d.columnDelTS {
			d.columnDelTS = c.Timestamp
		}
	case cell.TypeDelete:
		d := m.colDel(c.Qualifier)
		if d.pointDels == nil {
			d.pointDels = make(map[types.TimestampMs]struct{})
		}
		d.pointDels[c.Timestamp] = struct{}{}
	}

	// Only a minor compaction carries markers forward: it cannot prove
	// that older files hold nothing left to shadow.
	if m.mode == ModeMinorCompact {
		return Include
	}
	return Skip
}

func (m *Matcher) matchPut(c *cell.Cell) Code {
	if m.mode == ModeUser {
		if m.columns != nil {
			if _, ok := m.columns[string(c.Qualifier)]; !ok {
				return Skip
			}
		}
		if c.Timestamp < m.spec.MinTimestamp {
			return Skip
		}
		if m.spec.MaxTimestamp > 0 && c.Timestamp > m.spec.MaxTimestamp {
			return Skip
		}
	}

	// Same-version duplicate: merge order put the winning (higher seq)
	// cell first, so an equal version key here is superseded.
	p := m.progress(c.Qualifier)
	if p.valid && p.lastTS == c.Timestamp {
		return Skip
	}

	// A minor compaction keeps everything else it sees.
	if m.mode == ModeMinorCompact {
		p.valid, p.lastTS = true, c.Timestamp
		return Include
	}

	if m.expired(c.Timestamp) {
		return Skip
	}
	if m.shadowed(c) {
		return Skip
	}
	if p.count >= m.maxVersions {
		return Skip
	}

	p.count++
	p.valid, p.lastTS = true, c.Timestamp
	return Include
}

func (m *Matcher) shadowed(c *cell.Cell) bool {
	if m.familyDelTS >= c.Timestamp && m.familyDelTS > 0 {
		return true
	}
	d, ok := m.colDels[string(c.Qualifier)]
	if !ok {
		return false
	}
	if d.columnDelTS >= c.Timestamp && d.columnDelTS > 0 {
		return true
	}
	if d.pointDels != nil {
		if _, hit := d.pointDels[c.Timestamp]; hit {
			return true
		}
	}
	return false
}

func (m *Matcher) colDel(qual []byte) *colDeletes {
	d, ok := m.colDels[string(qual)]
	if !ok {
		d = &colDeletes{}
		m.colDels[string(qual)] = d
	}
	return d
}

func (m *Matcher) progress(qual []byte) *colProgress {
	p, ok := m.accepted[string(qual)]
	if !ok {
		p = &colProgress{}
		m.accepted[string(qual)] = p
	}
	return p
}
