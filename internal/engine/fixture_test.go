package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pivotcache/internal/cube"
)

// fakeBackend serves cells from a map keyed by the joined unique names of
// a coordinate's members (level order). It records every request.
type fakeBackend struct {
	mu       sync.Mutex
	values   map[string]float64
	requests []Request
	err      error

	drill     []DrillthroughRequest
	writeback []WritebackRequest
	writeErr  error
	native    map[cube.ShowModeKind]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{values: make(map[string]float64)}
}

func (b *fakeBackend) set(v float64, members ...*cube.Member) {
	b.values[tupleKey(members)] = v
}

func tupleKey(members []*cube.Member) string {
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.UniqueName()
	}
	return strings.Join(names, ",")
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBackend) last() Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

func (b *fakeBackend) HasNativeData(_ *cube.Measure, mode cube.ShowMode) bool {
	return b.native[mode.Kind]
}

func (b *fakeBackend) IsServerComputed(m *cube.Measure) bool { return !m.IsCalculated() }

func (b *fakeBackend) Retrieve(_ context.Context, req Request, line *DataLine) error {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return err
	}

	line.StartMerge(0)
	var walk func(i int, acc []*cube.Member)
	walk = func(i int, acc []*cube.Member) {
		if i == len(req.Levels) {
			if v, ok := b.values[tupleKey(acc)]; ok {
				line.AddCell(acc, NumericCell(req.Measure, v))
			}
			return
		}
		l := req.Levels[i]
		for _, m := range l.Members() {
			if req.Allows(l.ID, m.ID) {
				walk(i+1, append(acc, m))
			}
		}
	}
	walk(0, nil)
	return nil
}

func (b *fakeBackend) Drillthrough(_ context.Context, req DrillthroughRequest) (*DrillthroughResult, error) {
	b.drill = append(b.drill, req)
	return &DrillthroughResult{Columns: []string{"Sales"}, Rows: [][]string{{"1"}}}, nil
}

func (b *fakeBackend) Writeback(_ context.Context, req WritebackRequest) error {
	b.writeback = append(b.writeback, req)
	return b.writeErr
}

type salesFixture struct {
	cube    *cube.Cube
	year    *cube.Level
	quarter *cube.Level
	product *cube.Level
	region  *cube.Level
	sales   *cube.Measure

	y2023          *cube.Member
	q1, q2, q3, q4 *cube.Member
	p1, p2         *cube.Member
	north, south   *cube.Member
}

func newSalesFixture(t *testing.T) *salesFixture {
	t.Helper()
	f := &salesFixture{cube: cube.New("sales")}
	c := f.cube

	tm, err := c.AddHierarchy("Time", "Calendar", cube.LevelSpec{Name: "Year", Capacity: 4}, cube.LevelSpec{Name: "Quarter", Capacity: 8})
	require.NoError(t, err)
	f.year, f.quarter = tm.Levels[0], tm.Levels[1]
	pr, err := c.AddHierarchy("Product", "Products", cube.LevelSpec{Name: "Product", Capacity: 4})
	require.NoError(t, err)
	f.product = pr.Levels[0]
	rg, err := c.AddHierarchy("Region", "Sales Region", cube.LevelSpec{Name: "Region", Capacity: 4})
	require.NoError(t, err)
	f.region = rg.Levels[0]

	reg := func(l *cube.Level, parent *cube.Member, name string) *cube.Member {
		m, err := c.RegisterMember(l, parent, name)
		require.NoError(t, err)
		return m
	}
	f.y2023 = reg(f.year, nil, "2023")
	f.q1 = reg(f.quarter, f.y2023, "Q1")
	f.q2 = reg(f.quarter, f.y2023, "Q2")
	f.q3 = reg(f.quarter, f.y2023, "Q3")
	f.q4 = reg(f.quarter, f.y2023, "Q4")
	f.p1 = reg(f.product, nil, "Bikes")
	f.p2 = reg(f.product, nil, "Helmets")
	f.north = reg(f.region, nil, "North")
	f.south = reg(f.region, nil, "South")

	f.sales, err = c.AddMeasure("Sales", cube.AggSum, "%.0f",
		cube.ShowPercentOfParentRow,
		cube.ShowPercentOfColumnTotal,
		cube.ShowColumnRank,
		cube.ShowRowRankSortKey,
		cube.ShowEvent,
	)
	require.NoError(t, err)
	return f
}

// mode returns the index of the show mode of kind on the sales measure.
func (f *salesFixture) mode(t *testing.T, kind cube.ShowModeKind) int {
	t.Helper()
	for _, m := range f.sales.ShowModes {
		if m.Kind == kind {
			return m.ID
		}
	}
	t.Fatalf("sales has no %s mode", kind)
	return 0
}

func (f *salesFixture) seed(b *fakeBackend) {
	b.set(400, f.y2023)
	b.set(100, f.q1)
	b.set(150, f.q2)
	b.set(50, f.q3)
	b.set(100, f.q4)
	b.set(60, f.q1, f.p1)
	b.set(40, f.q1, f.p2)
	b.set(1000)
}

func (f *salesFixture) coord(e *Engine, members ...*cube.Member) *Coordinate {
	c := e.NewCoordinate()
	for _, m := range members {
		c.AddMember(m)
	}
	c.SetMeasure(f.sales)
	return c
}
