package engine

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strconv"
	"strings"

	"pivotcache/internal/cube"
)

var ErrAddressSpaceOverflow = errors.New("address space exceeds 64 bits")

// AxisSpace is one combination of levels taking part in a query. It maps a
// tuple of member ids, one per level, to a single line index with a
// mixed-radix encoding, and owns the DataLines of that combination.
type AxisSpace struct {
	id     int
	key    string
	levels []*cube.Level
	// sizes holds each level's CompleteMembersCount when the space was
	// built; radix[i] is the product of sizes[:i].
	sizes []int64
	radix []int64
	limit int64

	lines map[lineKey]*DataLine
	last  *lastLine
}

type lineKey struct {
	measure int
	mode    int
	hier    int64
}

type lastLine struct {
	key  lineKey
	line *DataLine
}

// spaceKey is the canonical cache key of a level set.
func spaceKey(levels []*cube.Level) string {
	var sb strings.Builder
	for i, l := range levels {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(l.ID))
	}
	return sb.String()
}

func sortLevels(levels []*cube.Level) []*cube.Level {
	out := slices.Clone(levels)
	slices.SortFunc(out, func(a, b *cube.Level) int { return a.ID - b.ID })
	return out
}

// newAxisSpace builds the encoding for levels, which must already be in
// canonical (ascending id) order.
func newAxisSpace(id int, levels []*cube.Level) (*AxisSpace, error) {
	s := &AxisSpace{
		id:     id,
		key:    spaceKey(levels),
		levels: levels,
		sizes:  make([]int64, len(levels)),
		radix:  make([]int64, len(levels)),
		lines:  make(map[lineKey]*DataLine),
	}
	limit := uint64(1)
	for i, l := range levels {
		n := uint64(l.CompleteMembersCount())
		s.sizes[i] = int64(n)
		s.radix[i] = int64(limit)
		hi, lo := bits.Mul64(limit, n)
		if hi != 0 || lo > math.MaxInt64 {
			return nil, fmt.Errorf("%w: levels %s", ErrAddressSpaceOverflow, s.key)
		}
		limit = lo
	}
	s.limit = int64(limit)
	return s, nil
}

func (s *AxisSpace) ID() int               { return s.id }
func (s *AxisSpace) Levels() []*cube.Level { return s.levels }
func (s *AxisSpace) Radix() []int64        { return s.radix }
func (s *AxisSpace) Limit() int64          { return s.limit }

// DependsOn reports whether level is one of the space's levels.
func (s *AxisSpace) DependsOn(level *cube.Level) bool {
	for _, l := range s.levels {
		if l == level {
			return true
		}
	}
	return false
}

// stale reports whether a level has grown since the space was built.
func (s *AxisSpace) stale() bool {
	for i, l := range s.levels {
		if int64(l.CompleteMembersCount()) != s.sizes[i] {
			return true
		}
	}
	return false
}

// Encode maps members, given in the space's level order, to a line index.
func (s *AxisSpace) Encode(members []*cube.Member) (int64, bool) {
	if len(members) != len(s.levels) {
		return 0, false
	}
	var idx int64
	for i, m := range members {
		if m == nil || m.Level != s.levels[i] || int64(m.ID) >= s.sizes[i] {
			return 0, false
		}
		idx += int64(m.ID) * s.radix[i]
	}
	return idx, true
}

// Decode is the inverse of Encode. Indices outside the space or naming
// members that are not registered yield false.
func (s *AxisSpace) Decode(idx int64) ([]*cube.Member, bool) {
	if idx < 0 || idx >= s.limit {
		return nil, false
	}
	out := make([]*cube.Member, len(s.levels))
	for i := len(s.levels) - 1; i >= 0; i-- {
		id := idx / s.radix[i]
		idx %= s.radix[i]
		m, ok := s.levels[i].Member(int(id))
		if !ok {
			return nil, false
		}
		out[i] = m
	}
	return out, true
}

// DataLine returns the line for measure, mode and hierarchy-depth id,
// creating it on first use.
func (s *AxisSpace) DataLine(m *cube.Measure, mode int, hierID int64) *DataLine {
	key := lineKey{measure: m.ID, mode: mode, hier: hierID}
	if s.last != nil && s.last.key == key {
		return s.last.line
	}
	line, ok := s.lines[key]
	if !ok {
		line = newDataLine(s, m, mode, hierID)
		s.lines[key] = line
	}
	s.last = &lastLine{key: key, line: line}
	return line
}

// Lines returns the space's lines in no particular order.
func (s *AxisSpace) Lines() []*DataLine {
	out := make([]*DataLine, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, l)
	}
	return out
}

func (s *AxisSpace) dropLines() {
	clear(s.lines)
	s.last = nil
}
