// Package cube holds the structural metadata of a multidimensional cube:
// hierarchies, levels, members and measures, plus the registry of engines
// that must hear about structural changes.
//
// Structure is shared between every session that reads the cube, so all
// mutation goes through the Cube and is guarded by its lock. Member and
// level pointers stay valid for the lifetime of the cube.
package cube

import (
	"errors"
	"fmt"
	"sync"

	"pivotcache/internal/expr"
)

var (
	ErrNonFlatHierarchy = errors.New("hierarchy is not flat: member has both same-level and next-level children")
	ErrUnknownLevel     = errors.New("unknown level")
	ErrUnknownMember    = errors.New("unknown member")
	ErrUnknownMeasure   = errors.New("unknown measure")
	ErrBadParent        = errors.New("parent does not belong to the level above")
	ErrDuplicateName    = errors.New("duplicate name")
)

// DefaultLevelCapacity is used when a level is declared without a capacity.
const DefaultLevelCapacity = 16

// Listener receives structural change notifications. Implementations must
// not call back into the cube synchronously.
type Listener interface {
	StructureChanged(level *Level)
}

type Cube struct {
	Name string

	mu          sync.RWMutex
	hierarchies []*Hierarchy
	levels      []*Level
	measures    []*Measure
	byUnique    map[string]*Member

	registry Registry
}

func New(name string) *Cube {
	return &Cube{
		Name:     name,
		byUnique: make(map[string]*Member),
	}
}

type Hierarchy struct {
	ID          int
	Name        string
	DisplayName string
	Levels      []*Level
}

// LevelSpec declares one level of a new hierarchy.
type LevelSpec struct {
	Name string
	// Capacity is the initial radix. It grows when registration exceeds it.
	Capacity int
	// ParentChild allows members to parent members of the same level.
	ParentChild bool
}

type Level struct {
	ID          int
	Name        string
	Hierarchy   *Hierarchy
	Depth       int
	ParentChild bool

	cube     *Cube
	capacity int
	members  []*Member
	byKey    map[memberKey]*Member
}

type memberKey struct {
	parent *Member
	name   string
}

// AddHierarchy appends a hierarchy whose levels are ordered from the top.
func (c *Cube) AddHierarchy(name, displayName string, levels ...LevelSpec) (*Hierarchy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.hierarchies {
		if h.Name == name {
			return nil, fmt.Errorf("%w: hierarchy %q", ErrDuplicateName, name)
		}
	}
	if displayName == "" {
		displayName = name
	}
	h := &Hierarchy{ID: len(c.hierarchies), Name: name, DisplayName: displayName}
	for depth, spec := range levels {
		for _, l := range c.levels {
			if l.Name == spec.Name {
				return nil, fmt.Errorf("%w: level %q", ErrDuplicateName, spec.Name)
			}
		}
		capacity := spec.Capacity
		if capacity <= 0 {
			capacity = DefaultLevelCapacity
		}
		l := &Level{
			ID:          len(c.levels),
			Name:        spec.Name,
			Hierarchy:   h,
			Depth:       depth,
			ParentChild: spec.ParentChild,
			cube:        c,
			capacity:    capacity,
			byKey:       make(map[memberKey]*Member),
		}
		h.Levels = append(h.Levels, l)
		c.levels = append(c.levels, l)
	}
	c.hierarchies = append(c.hierarchies, h)
	return h, nil
}

func (c *Cube) Hierarchies() []*Hierarchy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Hierarchy(nil), c.hierarchies...)
}

func (c *Cube) Levels() []*Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Level(nil), c.levels...)
}

func (c *Cube) Level(id int) (*Level, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || id >= len(c.levels) {
		return nil, false
	}
	return c.levels[id], true
}

func (c *Cube) LevelByName(name string) (*Level, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.levels {
		if l.Name == name {
			return l, true
		}
	}
	return nil, false
}

func (c *Cube) HierarchyByName(name string) (*Hierarchy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.hierarchies {
		if h.Name == name {
			return h, true
		}
	}
	return nil, false
}

// MemberByUniqueName resolves "[Hierarchy].[a].[b]".
func (c *Cube) MemberByUniqueName(name string) (*Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byUnique[name]
	return m, ok
}

// RegisterMember returns the member called name under parent on level,
// creating it when it is unseen. Parent must be nil, a member of the level
// directly above, or (for parent-child levels) a member of the same level.
func (c *Cube) RegisterMember(level *Level, parent *Member, name string) (*Member, error) {
	return c.register(level, parent, name, MemberCommon, nil)
}

// AddCalculatedMember registers a member whose value is computed from
// other cells of the same level.
func (c *Cube) AddCalculatedMember(level *Level, parent *Member, name, expression string) (*Member, error) {
	n, err := expr.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("calculated member %q: %w", name, err)
	}
	return c.register(level, parent, name, MemberCalculated, n)
}

func (c *Cube) register(level *Level, parent *Member, name string, kind MemberKind, n expr.Node) (*Member, error) {
	if level == nil || level.cube != c {
		return nil, ErrUnknownLevel
	}

	c.mu.Lock()
	key := memberKey{parent: parent, name: name}
	if m, ok := level.byKey[key]; ok {
		c.mu.Unlock()
		return m, nil
	}
	if parent != nil {
		switch {
		case parent.Level == level && level.ParentChild:
			if len(parent.nextLevelChildren) > 0 {
				c.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrNonFlatHierarchy, parent.UniqueName())
			}
		case parent.Level.Hierarchy == level.Hierarchy && parent.Level.Depth == level.Depth-1:
			if len(parent.children) > 0 {
				c.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrNonFlatHierarchy, parent.UniqueName())
			}
		default:
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s under level %s", ErrBadParent, parent.UniqueName(), level.Name)
		}
	}

	m := &Member{
		ID:         len(level.members),
		Name:       name,
		Level:      level,
		Parent:     parent,
		Kind:       kind,
		Expression: n,
	}
	if parent != nil {
		m.uniqueName = parent.uniqueName + ".[" + name + "]"
		if parent.Level == level {
			parent.children = append(parent.children, m)
		} else {
			parent.nextLevelChildren = append(parent.nextLevelChildren, m)
		}
	} else {
		m.uniqueName = "[" + level.Hierarchy.Name + "].[" + name + "]"
	}
	level.members = append(level.members, m)
	level.byKey[key] = m
	c.byUnique[m.uniqueName] = m

	resized := false
	for len(level.members) > level.capacity {
		level.capacity *= 2
		resized = true
	}
	c.mu.Unlock()

	if resized {
		c.NotifyStructureChanged(level)
	}
	return m, nil
}

// NotifyStructureChanged broadcasts a structural change of level to every
// registered engine.
func (c *Cube) NotifyStructureChanged(level *Level) {
	c.registry.Each(func(_ Handle, l Listener) {
		l.StructureChanged(level)
	})
}

// Registry returns the engine registry owned by the cube.
func (c *Cube) Registry() *Registry {
	return &c.registry
}

// CompleteMembersCount is the radix the level contributes to an address
// space. It is never smaller than the number of registered members.
func (l *Level) CompleteMembersCount() int {
	l.cube.mu.RLock()
	defer l.cube.mu.RUnlock()
	return l.capacity
}

// Len returns the number of registered members.
func (l *Level) Len() int {
	l.cube.mu.RLock()
	defer l.cube.mu.RUnlock()
	return len(l.members)
}

func (l *Level) Member(id int) (*Member, bool) {
	l.cube.mu.RLock()
	defer l.cube.mu.RUnlock()
	if id < 0 || id >= len(l.members) {
		return nil, false
	}
	return l.members[id], true
}

func (l *Level) Members() []*Member {
	l.cube.mu.RLock()
	defer l.cube.mu.RUnlock()
	return append([]*Member(nil), l.members...)
}

// Lookup finds the member called name under parent.
func (l *Level) Lookup(parent *Member, name string) (*Member, bool) {
	l.cube.mu.RLock()
	defer l.cube.mu.RUnlock()
	m, ok := l.byKey[memberKey{parent: parent, name: name}]
	return m, ok
}

// Roots returns the members of the level that have no parent on it or
// above it.
func (l *Level) Roots() []*Member {
	l.cube.mu.RLock()
	defer l.cube.mu.RUnlock()
	var out []*Member
	for _, m := range l.members {
		if m.Parent == nil {
			out = append(out, m)
		}
	}
	return out
}

func (l *Level) String() string { return l.Name }
