package engine

import (
	"github.com/RoaringBitmap/roaring"

	"pivotcache/internal/cube"
)

// DefaultCompleteRatio is the share of a level's members above which a
// requested member set is widened to the whole level.
const DefaultCompleteRatio = 0.5

type PlanKind int

const (
	// PlanNone means the cache already holds everything asked for.
	PlanNone PlanKind = iota
	// PlanFull clears the line and fetches the whole pending request.
	PlanFull
	// PlanDelta fetches only the new members of a single level.
	PlanDelta
)

func (k PlanKind) String() string {
	switch k {
	case PlanNone:
		return "none"
	case PlanFull:
		return "full"
	case PlanDelta:
		return "delta"
	}
	return "unknown"
}

// Plan is the outcome of a reconciliation. Request maps level ids to the
// member sets to fetch (nil set = all members).
type Plan struct {
	Kind       PlanKind
	Request    map[int]*roaring.Bitmap
	DeltaLevel int

	next map[int]*roaring.Bitmap
}

// RequestDiff tracks, per level, which members a DataLine already holds
// (satisfied) and which were just asked for (pending). A nil set stands for
// every member of the level; a nil satisfied map means nothing was fetched.
type RequestDiff struct {
	satisfied map[int]*roaring.Bitmap
	pending   map[int]*roaring.Bitmap
}

// Request adds members of level to the pending request. Calling it without
// members records the level with an empty set.
func (d *RequestDiff) Request(level *cube.Level, members ...*cube.Member) {
	if d.pending == nil {
		d.pending = make(map[int]*roaring.Bitmap)
	}
	set, seen := d.pending[level.ID]
	if seen && set == nil {
		return
	}
	if set == nil {
		set = roaring.New()
		d.pending[level.ID] = set
	}
	for _, m := range members {
		set.Add(uint32(m.ID))
	}
}

// RequestCell asks for the single cell addressed by members, one per
// level. An empty tuple still opens a request for the line's only cell.
func (d *RequestDiff) RequestCell(members []*cube.Member) {
	if d.pending == nil {
		d.pending = make(map[int]*roaring.Bitmap)
	}
	for _, m := range members {
		d.Request(m.Level, m)
	}
}

// RequestAll asks for every member of level.
func (d *RequestDiff) RequestAll(level *cube.Level) {
	if d.pending == nil {
		d.pending = make(map[int]*roaring.Bitmap)
	}
	d.pending[level.ID] = nil
}

func (d *RequestDiff) HasPending() bool { return d.pending != nil }

// Satisfied returns the satisfied set of a level. known is false when the
// line has never been fetched or the level is not tracked.
func (d *RequestDiff) Satisfied(levelID int) (set *roaring.Bitmap, known bool) {
	if d.satisfied == nil {
		return nil, false
	}
	set, known = d.satisfied[levelID]
	return set, known
}

// Covers reports whether every member, one per tracked level, lies inside
// what has already been fetched.
func (d *RequestDiff) Covers(members []*cube.Member) bool {
	if d.satisfied == nil {
		return false
	}
	for _, m := range members {
		set, ok := d.satisfied[m.Level.ID]
		if !ok {
			return false
		}
		if set != nil && !set.Contains(uint32(m.ID)) {
			return false
		}
	}
	return true
}

// Reconcile turns the pending request into the smallest fetch the line
// needs. Pending state is consumed; Commit or Abort must follow a plan
// other than PlanNone.
func (d *RequestDiff) Reconcile(levels []*cube.Level, completeRatio float64) Plan {
	if d.pending == nil {
		return Plan{Kind: PlanNone, DeltaLevel: -1}
	}
	pending := d.pending
	d.pending = nil

	norm := make(map[int]*roaring.Bitmap, len(levels))
	for _, l := range levels {
		set, ok := pending[l.ID]
		if !ok || set == nil {
			norm[l.ID] = nil
			continue
		}
		card := set.GetCardinality()
		if prev, known := d.satisfied[l.ID]; known && prev != nil {
			card = roaring.Or(set, prev).GetCardinality()
		}
		if total := l.CompleteMembersCount(); total > 0 && float64(card) > completeRatio*float64(total) {
			norm[l.ID] = nil
			continue
		}
		norm[l.ID] = set.Clone()
	}

	full := Plan{Kind: PlanFull, Request: norm, DeltaLevel: -1, next: norm}
	if d.satisfied == nil {
		return full
	}

	// A level fetched in full cannot serve a narrower request.
	for _, l := range levels {
		sat, known := d.satisfied[l.ID]
		if !known {
			return full
		}
		if sat == nil && norm[l.ID] != nil {
			return full
		}
	}

	diffLevel := -1
	var delta *roaring.Bitmap
	for _, l := range levels {
		sat, want := d.satisfied[l.ID], norm[l.ID]
		var diff *roaring.Bitmap
		switch {
		case want == nil && sat == nil:
			continue
		case want == nil:
			diff = nil
		default:
			diff = roaring.AndNot(want, sat)
			if diff.IsEmpty() {
				continue
			}
		}
		if diffLevel >= 0 {
			// Two levels changed at once: not expressible as one delta.
			return full
		}
		diffLevel, delta = l.ID, diff
	}
	if diffLevel < 0 {
		return Plan{Kind: PlanNone, DeltaLevel: -1}
	}

	req := make(map[int]*roaring.Bitmap, len(levels))
	next := make(map[int]*roaring.Bitmap, len(levels))
	for _, l := range levels {
		sat := d.satisfied[l.ID]
		req[l.ID] = cloneSet(sat)
		next[l.ID] = cloneSet(sat)
	}
	req[diffLevel] = delta
	if delta == nil {
		next[diffLevel] = nil
	} else {
		next[diffLevel] = roaring.Or(d.satisfied[diffLevel], delta)
	}
	return Plan{Kind: PlanDelta, Request: req, DeltaLevel: diffLevel, next: next}
}

// Commit records a successful fetch of p.
func (d *RequestDiff) Commit(p Plan) {
	if p.Kind == PlanNone {
		return
	}
	d.satisfied = p.next
}

// Abort forgets a failed fetch. A failed full fetch leaves nothing cached.
func (d *RequestDiff) Abort(p Plan) {
	if p.Kind == PlanFull {
		d.satisfied = nil
	}
}

// Reset forgets everything.
func (d *RequestDiff) Reset() {
	d.satisfied = nil
	d.pending = nil
}

func cloneSet(s *roaring.Bitmap) *roaring.Bitmap {
	if s == nil {
		return nil
	}
	return s.Clone()
}
