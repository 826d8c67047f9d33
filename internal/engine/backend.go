package engine

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"pivotcache/internal/cube"
)

// CubeBackend is the aggregation source behind an engine. One value is
// chosen when the engine is built; everything backend specific goes
// through it.
type CubeBackend interface {
	// HasNativeData reports whether the backend can deliver the show mode
	// of the measure directly instead of the engine deriving it from the
	// raw value.
	HasNativeData(m *cube.Measure, mode cube.ShowMode) bool

	// IsServerComputed reports whether cells of m come from Retrieve. Other
	// measures are evaluated by the engine's Evaluator.
	IsServerComputed(m *cube.Measure) bool

	// Retrieve must call line.StartMerge, line.AddData (or AddCell) for each
	// cell matching req, and line.EndMerge. Members unseen so far are
	// registered in the cube before their cells are added.
	Retrieve(ctx context.Context, req Request, line *DataLine) error

	Drillthrough(ctx context.Context, req DrillthroughRequest) (*DrillthroughResult, error)

	Writeback(ctx context.Context, req WritebackRequest) error
}

// Request describes one retrieval. Members holds the requested member ids
// per level id; a nil set means every member of that level.
type Request struct {
	Measure *cube.Measure
	Mode    cube.ShowMode
	Levels  []*cube.Level
	Members map[int]*roaring.Bitmap
	// Filters are the engine's global filters, keyed by level id.
	Filters map[int]*roaring.Bitmap
}

// Allows reports whether member id of level passes both the request and
// the global filters.
func (r Request) Allows(levelID int, memberID int) bool {
	if set, ok := r.Members[levelID]; ok && set != nil && !set.Contains(uint32(memberID)) {
		return false
	}
	if set, ok := r.Filters[levelID]; ok && set != nil && !set.Contains(uint32(memberID)) {
		return false
	}
	return true
}

// FilterClause restricts detail rows to one member of one level.
type FilterClause struct {
	Level  *cube.Level
	Member *cube.Member
}

type DrillthroughRequest struct {
	Filters  []FilterClause
	RowLimit int
	// Columns names levels or measures; empty means all.
	Columns []string
}

type DrillthroughResult struct {
	Columns []string
	Rows    [][]string
}

// Distribution selects how a written-back aggregate is spread over the
// detail rows.
type Distribution int

const (
	// DistributeEqual adds the same delta to every matching row.
	DistributeEqual Distribution = iota
	// DistributeProportional scales every matching row by new/old.
	DistributeProportional
)

func (d Distribution) String() string {
	switch d {
	case DistributeEqual:
		return "equal"
	case DistributeProportional:
		return "proportional"
	}
	return "unknown"
}

func ParseDistribution(s string) (Distribution, error) {
	switch s {
	case "", "equal":
		return DistributeEqual, nil
	case "proportional":
		return DistributeProportional, nil
	}
	return 0, fmt.Errorf("unknown distribution %q", s)
}

type WritebackRequest struct {
	Filters []FilterClause
	Measure *cube.Measure
	Value   float64
	Method  Distribution
}
