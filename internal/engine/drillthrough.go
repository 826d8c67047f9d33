package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/RoaringBitmap/roaring"

	"pivotcache/internal/cube"
)

var (
	// ErrAmbiguousFilter means a global filter selects several members that
	// do not collapse to one common parent.
	ErrAmbiguousFilter        = errors.New("filter cannot be reduced to a single member")
	ErrCalculatedDrillthrough = errors.New("calculated members and measures have no detail rows")
)

// DrillthroughFilters translates c plus the global filters into filter
// clauses. Every member of c becomes a clause. A hierarchy c leaves open
// but that carries a filter contributes one clause for its deepest
// filtered level; a multi-member filter must reduce to the common parent
// whose children it lists exactly.
func (e *Engine) DrillthroughFilters(c *Coordinate) ([]FilterClause, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.filterClausesLocked(c)
}

func (e *Engine) filterClausesLocked(c *Coordinate) ([]FilterClause, error) {
	if c.err != nil {
		return nil, c.err
	}
	var clauses []FilterClause
	for _, m := range c.Members() {
		if m.IsCalculated() {
			return nil, fmt.Errorf("%w: %s", ErrCalculatedDrillthrough, m.UniqueName())
		}
		clauses = append(clauses, FilterClause{Level: m.Level, Member: m})
	}

	for _, h := range e.cube.Hierarchies() {
		if _, determined := c.MemberOf(h); determined {
			continue
		}
		var level *cube.Level
		var set *roaring.Bitmap
		for _, l := range h.Levels {
			if f, ok := e.filters[l.ID]; ok {
				level, set = l, f
			}
		}
		if level == nil {
			continue
		}
		m, err := reduceFilter(level, set)
		if err != nil {
			return nil, fmt.Errorf("%w: hierarchy %s", err, h.DisplayName)
		}
		clauses = append(clauses, FilterClause{Level: m.Level, Member: m})
	}
	return clauses, nil
}

func reduceFilter(level *cube.Level, set *roaring.Bitmap) (*cube.Member, error) {
	ids := set.ToArray()
	if len(ids) == 0 {
		return nil, ErrAmbiguousFilter
	}
	first, ok := level.Member(int(ids[0]))
	if !ok {
		return nil, fmt.Errorf("%w: id %d on %s", cube.ErrUnknownMember, ids[0], level.Name)
	}
	if len(ids) == 1 {
		return first, nil
	}
	parent := first.Parent
	if parent == nil {
		return nil, ErrAmbiguousFilter
	}
	var children []*cube.Member
	if parent.Level == level {
		children = parent.Children()
	} else {
		children = parent.NextLevelChildren()
	}
	if len(children) != len(ids) {
		return nil, ErrAmbiguousFilter
	}
	for _, ch := range children {
		if _, found := slices.BinarySearch(ids, uint32(ch.ID)); !found {
			return nil, ErrAmbiguousFilter
		}
	}
	return parent, nil
}

// Drillthrough returns the detail rows behind the cell at c.
func (e *Engine) Drillthrough(ctx context.Context, c *Coordinate, rowLimit int, columns []string) (*DrillthroughResult, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if c.measure != nil && c.measure.IsCalculated() {
		return nil, fmt.Errorf("%w: measure %s", ErrCalculatedDrillthrough, c.measure.Name)
	}
	clauses, err := e.filterClausesLocked(c)
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "engine.drillthrough")
	defer span.End()
	res, err := e.backend.Drillthrough(ctx, DrillthroughRequest{Filters: clauses, RowLimit: rowLimit, Columns: columns})
	if err != nil {
		recordBackendError(span, err)
		return nil, fmt.Errorf("drillthrough %s: %w", c, err)
	}
	return res, nil
}

// Writeback pushes value for the cell at c into the source and drops every
// cached cell, since any aggregate may have changed. The rebuild hook runs
// after the engine lock is released.
func (e *Engine) Writeback(ctx context.Context, c *Coordinate, value float64, method Distribution) error {
	if err := e.lock(); err != nil {
		return err
	}
	cleared, err := e.writebackLocked(ctx, c, value, method)
	hook := e.onRebuild
	e.mu.Unlock()
	if cleared && hook != nil {
		hook()
	}
	return err
}

// writebackLocked reports whether the backend was called and the cache
// cleared, whatever the outcome of the call.
func (e *Engine) writebackLocked(ctx context.Context, c *Coordinate, value float64, method Distribution) (bool, error) {
	if c.measure == nil {
		return false, ErrNoMeasure
	}
	if c.measure.IsCalculated() {
		return false, fmt.Errorf("%w: measure %s", ErrCalculatedDrillthrough, c.measure.Name)
	}
	clauses, err := e.filterClausesLocked(c)
	if err != nil {
		return false, err
	}
	ctx, span := startSpan(ctx, "engine.writeback")
	defer span.End()
	err = e.backend.Writeback(ctx, WritebackRequest{Filters: clauses, Measure: c.measure, Value: value, Method: method})
	// A failed write may still have reached part of the source.
	e.clearLocked()
	if err != nil {
		recordBackendError(span, err)
		return true, fmt.Errorf("writeback %s: %w", c, err)
	}
	e.logger.Info("writeback applied, cache cleared",
		slog.String("measure", c.measure.Name),
		slog.String("method", method.String()),
		slog.Int("filters", len(clauses)))
	return true, nil
}
