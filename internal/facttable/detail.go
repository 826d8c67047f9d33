package facttable

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"

	"pivotcache/internal/cube"
	"pivotcache/internal/engine"
)

// matchRows returns the rows whose member on each clause's level equals the
// clause's member.
func (t *Table) matchRows(filters []engine.FilterClause) ([]int, error) {
	type cond struct {
		col []int32
		id  int32
	}
	conds := make([]cond, 0, len(filters))
	for _, f := range filters {
		lc, ok := t.levels[f.Level.ID]
		if !ok {
			return nil, fmt.Errorf("%w: level %s", ErrUnknownColumn, f.Level.Name)
		}
		conds = append(conds, cond{col: lc.members.Int32Values(), id: int32(f.Member.ID)})
	}
	var rows []int
next:
	for j := 0; j < t.rows; j++ {
		for _, c := range conds {
			if c.col[j] != c.id {
				continue next
			}
		}
		rows = append(rows, j)
	}
	return rows, nil
}

// Drillthrough lists the detail rows matching every filter clause, one
// string per requested column. Columns name levels or measures; an empty
// list selects all of them in schema order.
func (t *Table) Drillthrough(_ context.Context, req engine.DrillthroughRequest) (*engine.DrillthroughResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type column struct {
		name string
		columnRef
	}
	var cols []column
	if len(req.Columns) == 0 {
		for _, lc := range t.order {
			cols = append(cols, column{name: lc.src.Level.Name, columnRef: columnRef{level: lc}})
		}
		for _, mc := range t.mOrder {
			cols = append(cols, column{name: mc.src.Measure.Name, columnRef: columnRef{meas: mc}})
		}
	} else {
		for _, name := range req.Columns {
			c, ok := t.lookupColumn(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
			}
			cols = append(cols, column{name: name, columnRef: c})
		}
	}

	rows, err := t.matchRows(req.Filters)
	if err != nil {
		return nil, err
	}
	if req.RowLimit > 0 && len(rows) > req.RowLimit {
		rows = rows[:req.RowLimit]
	}

	res := &engine.DrillthroughResult{Rows: make([][]string, 0, len(rows))}
	for _, c := range cols {
		res.Columns = append(res.Columns, c.name)
	}
	for _, j := range rows {
		out := make([]string, len(cols))
		for i, c := range cols {
			switch {
			case c.level != nil:
				if m, ok := c.level.src.Level.Member(int(c.level.members.Value(j))); ok {
					out[i] = m.Name
				}
			case c.meas.values != nil:
				out[i] = strconv.FormatFloat(c.meas.values.Value(j), 'f', -1, 64)
			default:
				out[i] = "1"
			}
		}
		res.Rows = append(res.Rows, out)
	}
	return res, nil
}

// columnRef points at either a level or a measure column.
type columnRef struct {
	level *levelColumn
	meas  *measureColumn
}

func (t *Table) lookupColumn(name string) (columnRef, bool) {
	for _, lc := range t.order {
		if lc.src.Level.Name == name {
			return columnRef{level: lc}, true
		}
	}
	for _, mc := range t.mOrder {
		if mc.src.Measure.Name == name {
			return columnRef{meas: mc}, true
		}
	}
	return columnRef{}, false
}

// Writeback sets the sum of a measure over the rows matching the filters
// to req.Value. Equal distribution adds the same delta to every row;
// proportional distribution scales each row, falling back to equal when
// the current total is zero. The column is rebuilt rather than mutated in
// place.
func (t *Table) Writeback(_ context.Context, req engine.WritebackRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mc, ok := t.measures[req.Measure.ID]
	if !ok || mc.values == nil || req.Measure.Aggregate != cube.AggSum {
		return fmt.Errorf("%w: %s", ErrNotWritable, req.Measure.Name)
	}
	rows, err := t.matchRows(req.Filters)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNoMatchingRows
	}

	values := append([]float64(nil), mc.values.Float64Values()...)
	var old float64
	for _, j := range rows {
		old += values[j]
	}
	method := req.Method
	if method == engine.DistributeProportional && old == 0 {
		method = engine.DistributeEqual
	}
	switch method {
	case engine.DistributeProportional:
		scale := req.Value / old
		for _, j := range rows {
			values[j] *= scale
		}
	default:
		delta := (req.Value - old) / float64(len(rows))
		for _, j := range rows {
			values[j] += delta
		}
	}

	b := array.NewFloat64Builder(memory.DefaultAllocator)
	b.AppendValues(values, nil)
	prev := mc.values
	mc.values = b.NewFloat64Array()
	b.Release()
	prev.Release()

	t.logger.Info("writeback distributed",
		slog.String("measure", req.Measure.Name),
		slog.String("method", method.String()),
		slog.Int("rows", len(rows)),
		slog.Float64("old", old),
		slog.Float64("new", req.Value))
	return nil
}
