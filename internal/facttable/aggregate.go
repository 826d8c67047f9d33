package facttable

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sync/errgroup"

	"pivotcache/internal/cube"
	"pivotcache/internal/engine"
)

type aggStats struct {
	sum      float64
	count    int64
	min, max float64
}

func (s *aggStats) add(v float64) {
	if s.count == 0 {
		s.min, s.max = v, v
	} else {
		s.min = math.Min(s.min, v)
		s.max = math.Max(s.max, v)
	}
	s.sum += v
	s.count++
}

func (s *aggStats) merge(o *aggStats) {
	if o.count == 0 {
		return
	}
	if s.count == 0 {
		*s = *o
		return
	}
	s.sum += o.sum
	s.count += o.count
	s.min = math.Min(s.min, o.min)
	s.max = math.Max(s.max, o.max)
}

func (s *aggStats) value(agg cube.Aggregate) float64 {
	switch agg {
	case cube.AggCount:
		return float64(s.count)
	case cube.AggMin:
		return s.min
	case cube.AggMax:
		return s.max
	case cube.AggAvg:
		return s.sum / float64(s.count)
	}
	return s.sum
}

// HasNativeData is false for every derived show mode: the table only
// stores raw facts.
func (t *Table) HasNativeData(_ *cube.Measure, mode cube.ShowMode) bool {
	return mode.Kind == cube.ShowValue
}

// IsServerComputed reports whether m is backed by a column of the table.
func (t *Table) IsServerComputed(m *cube.Measure) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.measures[m.ID]
	return ok
}

// rowMask selects rows by the member ids a level column may hold.
type rowMask struct {
	col   []int32
	allow []bool
}

func (t *Table) masks(req engine.Request) ([]rowMask, bool) {
	var out []rowMask
	add := func(levelID int, set *roaring.Bitmap) bool {
		if set == nil {
			return true
		}
		lc, ok := t.levels[levelID]
		if !ok {
			// levels without a column are not restricted
			return true
		}
		allow := make([]bool, lc.src.Level.Len())
		hit := false
		it := set.Iterator()
		for it.HasNext() {
			id := int(it.Next())
			if id < len(allow) {
				allow[id] = true
				hit = true
			}
		}
		if !hit {
			return false
		}
		out = append(out, rowMask{col: lc.members.Int32Values(), allow: allow})
		return true
	}
	for id, set := range req.Members {
		if !add(id, set) {
			return nil, false
		}
	}
	for id, set := range req.Filters {
		if !add(id, set) {
			return nil, false
		}
	}
	return out, true
}

// Retrieve aggregates the measure column by the requested levels and
// merges every non-empty cell into line. Small address spaces aggregate
// into a flat matrix per worker, larger ones into a map.
func (t *Table) Retrieve(ctx context.Context, req engine.Request, line *engine.DataLine) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mc, ok := t.measures[req.Measure.ID]
	if !ok {
		return fmt.Errorf("%w: %s", cube.ErrUnknownMeasure, req.Measure.Name)
	}
	cols := make([][]int32, len(req.Levels))
	sizes := make([]int, len(req.Levels))
	for i, l := range req.Levels {
		lc, ok := t.levels[l.ID]
		if !ok {
			return nil
		}
		cols[i] = lc.members.Int32Values()
		sizes[i] = l.Len()
	}
	masks, ok := t.masks(req)
	if !ok {
		return nil
	}

	// Sizes are bounded by the level capacities, whose product the
	// engine has already checked to fit in 64 bits.
	strides := make([]int64, len(sizes))
	total := int64(1)
	for i, n := range sizes {
		strides[i] = total
		total *= int64(n)
	}
	if total == 0 {
		return nil
	}
	dense := total <= int64(t.denseLimit)

	var values []float64
	if mc.values != nil {
		values = mc.values.Float64Values()
	}

	workers := max(min(t.workers, t.rows/4096), 1)
	chunk := (t.rows + workers - 1) / workers
	denseParts := make([][]aggStats, workers)
	sparseParts := make([]map[int64]*aggStats, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			s, e := w*chunk, min((w+1)*chunk, t.rows)
			var matrix []aggStats
			var sparse map[int64]*aggStats
			if dense {
				matrix = make([]aggStats, total)
			} else {
				sparse = make(map[int64]*aggStats)
			}
		rows:
			for j := s; j < e; j++ {
				for _, m := range masks {
					if !m.allow[m.col[j]] {
						continue rows
					}
				}
				v := 1.0
				if values != nil {
					v = values[j]
				}
				var idx int64
				for i, col := range cols {
					idx += int64(col[j]) * strides[i]
				}
				if dense {
					matrix[idx].add(v)
					continue
				}
				st, ok := sparse[idx]
				if !ok {
					st = &aggStats{}
					sparse[idx] = st
				}
				st.add(v)
			}
			denseParts[w], sparseParts[w] = matrix, sparse
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Reduce.
	result := make(map[int64]*aggStats)
	var final []aggStats
	if dense {
		final = make([]aggStats, total)
		for _, p := range denseParts {
			for i := range p {
				final[i].merge(&p[i])
			}
		}
	} else {
		for _, p := range sparseParts {
			for idx, st := range p {
				cur, ok := result[idx]
				if !ok {
					cur = &aggStats{}
					result[idx] = cur
				}
				cur.merge(st)
			}
		}
	}

	members := make([]*cube.Member, len(req.Levels))
	emit := func(idx int64, st *aggStats) {
		rest := idx
		for i := len(req.Levels) - 1; i >= 0; i-- {
			id := rest / strides[i]
			rest %= strides[i]
			m, ok := req.Levels[i].Member(int(id))
			if !ok {
				return
			}
			members[i] = m
		}
		line.AddCell(members, engine.NumericCell(req.Measure, st.value(req.Measure.Aggregate)))
	}

	cells := 0
	line.StartMerge(len(result))
	if dense {
		for i := range final {
			if final[i].count > 0 {
				emit(int64(i), &final[i])
				cells++
			}
		}
	} else {
		for idx, st := range result {
			emit(idx, st)
			cells++
		}
	}
	line.EndMerge()

	t.logger.Debug("fact table aggregated",
		slog.String("measure", req.Measure.Name),
		slog.Int("levels", len(req.Levels)),
		slog.Bool("dense", dense),
		slog.Int("cells", cells))
	return nil
}
