package engine

import (
	"context"
	"fmt"

	"pivotcache/internal/cube"
)

// applyShowMode derives the cell of mode from the raw cell of c.
// Arithmetic that cannot be carried out leaves raw unchanged.
func (e *Engine) applyShowMode(ctx context.Context, c *Coordinate, mode cube.ShowMode, raw CellData, depth int) (CellData, bool, error) {
	v, numeric := raw.Float()
	switch mode.Kind {
	case cube.ShowValue:
		return raw, true, nil

	case cube.ShowPercentOfParentRow, cube.ShowPercentOfParentColumn:
		axis := e.layout.Rows
		if mode.Kind == cube.ShowPercentOfParentColumn {
			axis = e.layout.Columns
		}
		parent, ok := parentAlong(c, axis)
		if !ok || !numeric {
			return raw, true, nil
		}
		return e.ratioLocked(ctx, parent, v, raw, depth)

	case cube.ShowPercentOfColumnTotal, cube.ShowPercentOfRowTotal:
		// A column total runs over every row, so the row axis is cleared.
		axis := e.layout.Rows
		if mode.Kind == cube.ShowPercentOfRowTotal {
			axis = e.layout.Columns
		}
		total := rawClone(c)
		for _, h := range axis {
			total.RemoveHierarchy(h)
		}
		if !numeric {
			return raw, true, nil
		}
		return e.ratioLocked(ctx, total, v, raw, depth)

	case cube.ShowColumnRank, cube.ShowRowRank:
		// Column rank orders the cells of one column, so siblings are
		// taken along the row axis.
		axis := e.layout.Rows
		if mode.Kind == cube.ShowRowRank {
			axis = e.layout.Columns
		}
		if !numeric {
			return raw, true, nil
		}
		return e.rankLocked(ctx, c, axis, v, raw, depth)

	case cube.ShowRowRankSortKey:
		if !numeric {
			return raw, true, nil
		}
		return NumericCell(c.measure, -v), true, nil

	case cube.ShowEvent:
		if e.showMode == nil {
			return CellData{}, false, fmt.Errorf("%w: mode %q of measure %s", ErrNoShowModeHandler, mode.Name, c.measure.Name)
		}
		cell, err := e.showMode(ctx, c, raw)
		if err != nil {
			return CellData{}, false, err
		}
		return cell, true, nil
	}
	return CellData{}, false, fmt.Errorf("%w: %s", ErrUnknownMode, mode.Kind)
}

func (e *Engine) ratioLocked(ctx context.Context, denom *Coordinate, v float64, raw CellData, depth int) (CellData, bool, error) {
	d, ok, err := e.numericLocked(ctx, denom, depth)
	if err != nil {
		return CellData{}, false, err
	}
	if !ok || d == 0 {
		return raw, true, nil
	}
	return percentCell(v / d), true, nil
}

// rankLocked ranks v among the siblings of the innermost member c has on
// axis. Rank 1 is the smallest value; equal values share a rank.
func (e *Engine) rankLocked(ctx context.Context, c *Coordinate, axis []*cube.Hierarchy, v float64, raw CellData, depth int) (CellData, bool, error) {
	m, ok := innermostMember(c, axis)
	if !ok {
		return rankCell(1), true, nil
	}
	rank := 1
	for _, s := range m.Siblings() {
		if s == m {
			continue
		}
		sib := rawClone(c)
		sib.AddMember(s)
		sv, ok, err := e.numericLocked(ctx, sib, depth)
		if err != nil {
			return CellData{}, false, err
		}
		if ok && sv < v {
			rank++
		}
	}
	return rankCell(rank), true, nil
}

func (e *Engine) numericLocked(ctx context.Context, c *Coordinate, depth int) (float64, bool, error) {
	if depth >= maxEvalDepth {
		return 0, false, fmt.Errorf("%w: %s", ErrRecursion, c)
	}
	cell, ok, err := e.cellLocked(ctx, c, depth+1)
	if err != nil || !ok {
		return 0, false, err
	}
	v, ok := cell.Float()
	return v, ok, nil
}

// rawClone copies c with the raw-value mode selected.
func rawClone(c *Coordinate) *Coordinate {
	out := c.Clone()
	out.mode = 0
	return out
}

// innermostMember returns the member c has on the last hierarchy of axis
// that it determines.
func innermostMember(c *Coordinate, axis []*cube.Hierarchy) (*cube.Member, bool) {
	for i := len(axis) - 1; i >= 0; i-- {
		if m, ok := c.MemberOf(axis[i]); ok {
			return m, true
		}
	}
	return nil, false
}

// parentAlong returns c with its innermost axis member replaced by that
// member's parent. A root member is removed, which leaves the total of the
// hierarchy.
func parentAlong(c *Coordinate, axis []*cube.Hierarchy) (*Coordinate, bool) {
	m, ok := innermostMember(c, axis)
	if !ok {
		return nil, false
	}
	out := rawClone(c)
	out.RemoveHierarchy(m.Level.Hierarchy)
	if m.Parent != nil {
		out.AddMember(m.Parent)
	}
	return out, true
}
