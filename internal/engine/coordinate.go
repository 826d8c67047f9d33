package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"pivotcache/internal/cube"
)

var ErrMalformedCoordinate = errors.New("malformed coordinate")

// hierRadix is the per-level radix of the hierarchy-depth id.
const hierRadix = 64

// Coordinate addresses one cell: at most one member per level (and per
// hierarchy), a measure and a show-mode index. It is bound to the engine
// whose AxisSpace cache resolves its line index.
type Coordinate struct {
	engine  *Engine
	members map[int]*cube.Member
	measure *cube.Measure
	mode    int
	// Tag is opaque caller data carried through the textual form.
	Tag string

	space   *AxisSpace
	lineIdx int64
	hierID  int64
	err     error
}

// CoordKey is the identity of a coordinate. Two coordinates naming the same
// members in any order have equal keys.
type CoordKey struct {
	Space   int
	LineIdx int64
	HierID  int64
	Measure int
	Mode    int
}

// NewCoordinate returns an empty coordinate (the grand total).
func (e *Engine) NewCoordinate() *Coordinate {
	c := &Coordinate{engine: e, members: make(map[int]*cube.Member)}
	c.rebind()
	return c
}

// AddMember puts m into the coordinate. A member already stored for m's
// hierarchy is replaced, except when m is a proper ancestor of it: the
// deeper member already implies m, so nothing changes.
func (c *Coordinate) AddMember(m *cube.Member) {
	if c.addMember(m) {
		c.rebind()
	}
}

func (c *Coordinate) addMember(m *cube.Member) bool {
	for id, cur := range c.members {
		if cur.Level.Hierarchy != m.Level.Hierarchy {
			continue
		}
		if cur == m {
			return false
		}
		if cur.Level != m.Level && m.IsAncestorOf(cur) {
			return false
		}
		delete(c.members, id)
	}
	c.members[m.Level.ID] = m
	return true
}

// RemoveLevel drops the member of level, if any.
func (c *Coordinate) RemoveLevel(level *cube.Level) {
	if _, ok := c.members[level.ID]; ok {
		delete(c.members, level.ID)
		c.rebind()
	}
}

// RemoveHierarchy drops the member of h, if any.
func (c *Coordinate) RemoveHierarchy(h *cube.Hierarchy) {
	changed := false
	for id, m := range c.members {
		if m.Level.Hierarchy == h {
			delete(c.members, id)
			changed = true
		}
	}
	if changed {
		c.rebind()
	}
}

func (c *Coordinate) SetMeasure(m *cube.Measure) { c.measure = m }
func (c *Coordinate) SetMode(mode int)           { c.mode = mode }

// Merge adds every member of other; other's measure and mode win when set.
func (c *Coordinate) Merge(other *Coordinate) {
	changed := false
	for _, m := range other.Members() {
		if c.addMember(m) {
			changed = true
		}
	}
	if other.measure != nil {
		c.measure = other.measure
		c.mode = other.mode
	}
	if changed {
		c.rebind()
	}
}

func (c *Coordinate) Clone() *Coordinate {
	out := *c
	out.members = make(map[int]*cube.Member, len(c.members))
	for k, v := range c.members {
		out.members[k] = v
	}
	return &out
}

func (c *Coordinate) Measure() *cube.Measure { return c.measure }
func (c *Coordinate) Mode() int              { return c.mode }
func (c *Coordinate) LineIndex() int64       { return c.lineIdx }
func (c *Coordinate) HierID() int64          { return c.hierID }
func (c *Coordinate) Space() *AxisSpace      { return c.space }
func (c *Coordinate) Err() error             { return c.err }
func (c *Coordinate) Len() int               { return len(c.members) }

// Members returns the members in canonical (level id) order.
func (c *Coordinate) Members() []*cube.Member {
	out := make([]*cube.Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *cube.Member) int { return a.Level.ID - b.Level.ID })
	return out
}

func (c *Coordinate) Member(level *cube.Level) (*cube.Member, bool) {
	m, ok := c.members[level.ID]
	return m, ok
}

// MemberOf returns the member of hierarchy h, if any.
func (c *Coordinate) MemberOf(h *cube.Hierarchy) (*cube.Member, bool) {
	for _, m := range c.members {
		if m.Level.Hierarchy == h {
			return m, true
		}
	}
	return nil, false
}

func (c *Coordinate) hasCalculatedMember() bool {
	for _, m := range c.members {
		if m.IsCalculated() {
			return true
		}
	}
	return false
}

func (c *Coordinate) Key() CoordKey {
	k := CoordKey{Space: -1, LineIdx: c.lineIdx, HierID: c.hierID, Measure: -1, Mode: c.mode}
	if c.space != nil {
		k.Space = c.space.id
	}
	if c.measure != nil {
		k.Measure = c.measure.ID
	}
	return k
}

func (c *Coordinate) Equal(other *Coordinate) bool {
	return c.Key() == other.Key()
}

// Hash is a 64-bit digest of Key.
func (c *Coordinate) Hash() uint64 {
	k := c.Key()
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(int64(k.Space)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.LineIdx))
	binary.LittleEndian.PutUint64(buf[16:], uint64(k.HierID))
	binary.LittleEndian.PutUint64(buf[24:], uint64(int64(k.Measure)))
	binary.LittleEndian.PutUint64(buf[32:], uint64(int64(k.Mode)))
	return xxh3.Hash(buf[:])
}

// String renders lineId|hierId|lineIdx|measureId|modeId|tag.
func (c *Coordinate) String() string {
	k := c.Key()
	return fmt.Sprintf("%d|%d|%d|%d|%d|%s", k.Space, k.HierID, k.LineIdx, k.Measure, k.Mode, c.Tag)
}

// rebind resolves the AxisSpace, line index and hierarchy-depth id after a
// member change.
func (c *Coordinate) rebind() {
	members := c.Members()
	levels := make([]*cube.Level, len(members))
	for i, m := range members {
		levels[i] = m.Level
	}
	c.hierID = depthID(members)

	space, err := c.engine.axisSpace(levels)
	if err != nil {
		c.space, c.lineIdx, c.err = nil, 0, err
		return
	}
	idx, ok := space.Encode(members)
	if !ok {
		c.space, c.lineIdx, c.err = nil, 0, fmt.Errorf("%w: members do not fit space %s", ErrMalformedCoordinate, space.key)
		return
	}
	c.space, c.lineIdx, c.err = space, idx, nil
}

// depthID packs the same-level depth of each member, in level order, into
// one number. It is zero unless a parent-child level is involved.
func depthID(members []*cube.Member) int64 {
	var id int64
	mul := int64(1)
	for _, m := range members {
		id += int64(m.Depth()) * mul
		mul *= hierRadix
	}
	return id
}

// ParseCoordinate is the inverse of Coordinate.String. Malformed text is an
// error; a coordinate that no longer resolves (unknown space, measure or
// member) yields ok == false.
func (e *Engine) ParseCoordinate(s string) (c *Coordinate, ok bool, err error) {
	parts := strings.SplitN(s, "|", 6)
	if len(parts) != 6 {
		return nil, false, fmt.Errorf("%w: %q", ErrMalformedCoordinate, s)
	}
	var nums [5]int64
	for i := 0; i < 5; i++ {
		nums[i], err = strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("%w: field %d of %q", ErrMalformedCoordinate, i, s)
		}
	}
	spaceID, hierID, lineIdx, measureID, modeID := nums[0], nums[1], nums[2], nums[3], nums[4]

	space, found := e.spaceByID(int(spaceID))
	if !found {
		return nil, false, nil
	}
	members, found := space.Decode(lineIdx)
	if !found {
		return nil, false, nil
	}

	c = e.NewCoordinate()
	for _, m := range members {
		c.members[m.Level.ID] = m
	}
	c.rebind()
	if c.err != nil || c.hierID != hierID {
		return nil, false, nil
	}
	if measureID >= 0 {
		m, found := e.cube.Measure(int(measureID))
		if !found {
			return nil, false, nil
		}
		c.measure = m
	}
	c.mode = int(modeID)
	c.Tag = parts[5]
	return c, true, nil
}
