package cube

import "pivotcache/internal/expr"

// MemberKind tells plain members from calculated ones. It is fixed at
// registration.
type MemberKind int

const (
	MemberCommon MemberKind = iota
	MemberCalculated
)

type Member struct {
	ID     int
	Name   string
	Level  *Level
	Parent *Member
	Kind   MemberKind
	// Expression is set for MemberCalculated only.
	Expression expr.Node

	uniqueName        string
	children          []*Member
	nextLevelChildren []*Member
}

func (m *Member) UniqueName() string { return m.uniqueName }

func (m *Member) String() string { return m.uniqueName }

func (m *Member) Hierarchy() *Hierarchy { return m.Level.Hierarchy }

func (m *Member) IsCalculated() bool { return m.Kind == MemberCalculated }

// Depth counts same-level ancestors, so it is 0 outside parent-child levels.
func (m *Member) Depth() int {
	d := 0
	for p := m.Parent; p != nil && p.Level == m.Level; p = p.Parent {
		d++
	}
	return d
}

// IsAncestorOf reports whether m is a proper ancestor of o.
func (m *Member) IsAncestorOf(o *Member) bool {
	for p := o.Parent; p != nil; p = p.Parent {
		if p == m {
			return true
		}
	}
	return false
}

// Children returns same-level children (parent-child hierarchies).
func (m *Member) Children() []*Member {
	m.Level.cube.mu.RLock()
	defer m.Level.cube.mu.RUnlock()
	return append([]*Member(nil), m.children...)
}

// NextLevelChildren returns the children on the level below.
func (m *Member) NextLevelChildren() []*Member {
	m.Level.cube.mu.RLock()
	defer m.Level.cube.mu.RUnlock()
	return append([]*Member(nil), m.nextLevelChildren...)
}

// Siblings returns every member sharing m's parent on m's level, m included.
func (m *Member) Siblings() []*Member {
	if m.Parent == nil {
		return m.Level.Roots()
	}
	m.Level.cube.mu.RLock()
	defer m.Level.cube.mu.RUnlock()
	src := m.Parent.nextLevelChildren
	if m.Parent.Level == m.Level {
		src = m.Parent.children
	}
	return append([]*Member(nil), src...)
}
