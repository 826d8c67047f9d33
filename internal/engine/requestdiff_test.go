package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivotcache/internal/cube"
)

type diffFixture struct {
	a, b   *cube.Level
	as, bs []*cube.Member
}

func newDiffFixture(t *testing.T) *diffFixture {
	t.Helper()
	c := cube.New("diff")
	f := &diffFixture{}
	h, err := c.AddHierarchy("A", "", cube.LevelSpec{Name: "A", Capacity: 4})
	require.NoError(t, err)
	f.a = h.Levels[0]
	h, err = c.AddHierarchy("B", "", cube.LevelSpec{Name: "B", Capacity: 10})
	require.NoError(t, err)
	f.b = h.Levels[0]
	for i := 0; i < 4; i++ {
		m, err := c.RegisterMember(f.a, nil, string(rune('p'+i)))
		require.NoError(t, err)
		f.as = append(f.as, m)
	}
	for i := 0; i < 10; i++ {
		m, err := c.RegisterMember(f.b, nil, string(rune('a'+i)))
		require.NoError(t, err)
		f.bs = append(f.bs, m)
	}
	return f
}

func (f *diffFixture) levels() []*cube.Level { return []*cube.Level{f.a, f.b} }

// populate leaves d satisfied for {A: all, B: {b0, b1}}.
func (f *diffFixture) populate(t *testing.T, d *RequestDiff) {
	t.Helper()
	d.RequestAll(f.a)
	d.Request(f.b, f.bs[0], f.bs[1])
	p := d.Reconcile(f.levels(), DefaultCompleteRatio)
	require.Equal(t, PlanFull, p.Kind)
	d.Commit(p)
}

func TestReconcileIdempotent(t *testing.T) {
	f := newDiffFixture(t)
	var d RequestDiff
	f.populate(t, &d)

	d.RequestAll(f.a)
	d.Request(f.b, f.bs[0], f.bs[1])
	p := d.Reconcile(f.levels(), DefaultCompleteRatio)
	assert.Equal(t, PlanNone, p.Kind)

	p = d.Reconcile(f.levels(), DefaultCompleteRatio)
	assert.Equal(t, PlanNone, p.Kind)
}

func TestReconcileSingleLevelDelta(t *testing.T) {
	f := newDiffFixture(t)
	var d RequestDiff
	f.populate(t, &d)

	d.RequestAll(f.a)
	d.Request(f.b, f.bs[0], f.bs[1], f.bs[2])
	p := d.Reconcile(f.levels(), DefaultCompleteRatio)
	require.Equal(t, PlanDelta, p.Kind)
	assert.Equal(t, f.b.ID, p.DeltaLevel)
	assert.Nil(t, p.Request[f.a.ID])
	assert.Equal(t, []uint32{uint32(f.bs[2].ID)}, p.Request[f.b.ID].ToArray())

	d.Commit(p)
	set, known := d.Satisfied(f.b.ID)
	require.True(t, known)
	assert.Equal(t, uint64(3), set.GetCardinality())
	assert.True(t, d.Covers([]*cube.Member{f.as[3], f.bs[2]}))
	assert.False(t, d.Covers([]*cube.Member{f.as[3], f.bs[5]}))
}

func TestReconcileMultiLevelChangeIsFull(t *testing.T) {
	f := newDiffFixture(t)
	var d RequestDiff
	f.populate(t, &d)

	d.Request(f.a, f.as[0])
	d.Request(f.b, f.bs[0], f.bs[1], f.bs[3])
	p := d.Reconcile(f.levels(), DefaultCompleteRatio)
	assert.Equal(t, PlanFull, p.Kind)
}

func TestReconcileTwoSetLevelsChangingIsFull(t *testing.T) {
	f := newDiffFixture(t)
	var d RequestDiff
	d.Request(f.a, f.as[0])
	d.Request(f.b, f.bs[0])
	d.Commit(d.Reconcile(f.levels(), DefaultCompleteRatio))

	d.Request(f.a, f.as[1])
	d.Request(f.b, f.bs[1])
	p := d.Reconcile(f.levels(), DefaultCompleteRatio)
	assert.Equal(t, PlanFull, p.Kind)
}

func TestReconcileWidensLargeSets(t *testing.T) {
	f := newDiffFixture(t)
	var d RequestDiff
	f.populate(t, &d)

	// 2 satisfied + 4 new = 6 of 10 members, above half the level.
	d.RequestAll(f.a)
	d.Request(f.b, f.bs[2], f.bs[3], f.bs[4], f.bs[5])
	p := d.Reconcile(f.levels(), DefaultCompleteRatio)
	require.Equal(t, PlanDelta, p.Kind)
	assert.Nil(t, p.Request[f.b.ID], "widened to the whole level")
	d.Commit(p)
	set, known := d.Satisfied(f.b.ID)
	assert.True(t, known)
	assert.Nil(t, set)
}

func TestWideningMeasuresAgainstCapacity(t *testing.T) {
	c := cube.New("wide")
	h, err := c.AddHierarchy("C", "", cube.LevelSpec{Name: "C", Capacity: 32})
	require.NoError(t, err)
	l := h.Levels[0]
	var ms []*cube.Member
	for _, n := range []string{"c1", "c2", "c3", "c4"} {
		m, err := c.RegisterMember(l, nil, n)
		require.NoError(t, err)
		ms = append(ms, m)
	}

	// Three of four registered members, but far below half of 32.
	var d RequestDiff
	d.Request(l, ms[0], ms[1], ms[2])
	p := d.Reconcile([]*cube.Level{l}, DefaultCompleteRatio)
	require.Equal(t, PlanFull, p.Kind)
	require.NotNil(t, p.Request[l.ID])
	assert.Equal(t, uint64(3), p.Request[l.ID].GetCardinality())
}

func TestAbortFullForgetsSatisfied(t *testing.T) {
	f := newDiffFixture(t)
	var d RequestDiff
	f.populate(t, &d)

	d.Request(f.a, f.as[0])
	p := d.Reconcile(f.levels(), DefaultCompleteRatio)
	require.Equal(t, PlanFull, p.Kind)
	d.Abort(p)
	_, known := d.Satisfied(f.a.ID)
	assert.False(t, known)

	f.populate(t, &d)
	d.RequestAll(f.a)
	d.Request(f.b, f.bs[7])
	p = d.Reconcile(f.levels(), DefaultCompleteRatio)
	require.Equal(t, PlanDelta, p.Kind)
	d.Abort(p)
	set, _ := d.Satisfied(f.b.ID)
	assert.Equal(t, uint64(2), set.GetCardinality(), "a failed delta keeps what was cached")
}

func TestRequestCellWithoutLevels(t *testing.T) {
	var d RequestDiff
	d.RequestCell(nil)
	require.True(t, d.HasPending())
	p := d.Reconcile(nil, DefaultCompleteRatio)
	assert.Equal(t, PlanFull, p.Kind)
	d.Commit(p)
	assert.True(t, d.Covers(nil))
}
