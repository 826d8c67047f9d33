package engine

import (
	"context"
	"errors"
	"fmt"

	"pivotcache/internal/cube"
	"pivotcache/internal/expr"
)

// ErrRecursion is returned when calculated members or measures refer to
// each other deeper than maxEvalDepth.
var ErrRecursion = errors.New("calculation nested too deeply")

const maxEvalDepth = 32

// Evaluator computes cells that do not come from the backend: cells of
// calculated measures and cells addressed through a calculated member.
type Evaluator interface {
	Evaluate(ctx context.Context, ec *EvalContext, c *Coordinate) (CellData, bool, error)
}

// EvalContext gives an Evaluator access to other cells of the same engine
// while the engine lock is held.
type EvalContext struct {
	engine *Engine
	depth  int
}

// Cell resolves c through the engine, show modes included.
func (ec *EvalContext) Cell(ctx context.Context, c *Coordinate) (CellData, bool, error) {
	if ec.depth >= maxEvalDepth {
		return CellData{}, false, fmt.Errorf("%w: %s", ErrRecursion, c)
	}
	return ec.engine.cellLocked(ctx, c, ec.depth+1)
}

// Numeric resolves c and converts the cell to a float.
func (ec *EvalContext) Numeric(ctx context.Context, c *Coordinate) (float64, bool, error) {
	cell, ok, err := ec.Cell(ctx, c)
	if err != nil || !ok {
		return 0, false, err
	}
	v, ok := cell.Float()
	return v, ok, nil
}

func (ec *EvalContext) Cube() *cube.Cube { return ec.engine.cube }

// ExprEvaluator evaluates the parsed expressions stored on calculated
// members and measures. A calculated member takes precedence over a
// calculated measure when a coordinate has both.
type ExprEvaluator struct{}

func (ExprEvaluator) Evaluate(ctx context.Context, ec *EvalContext, c *Coordinate) (CellData, bool, error) {
	if c.measure == nil {
		return CellData{}, false, ErrNoMeasure
	}
	var env *coordEnv
	var node expr.Node
	for _, m := range c.Members() {
		if m.IsCalculated() {
			base := c.Clone()
			base.members = make(map[int]*cube.Member, len(c.members))
			for id, other := range c.members {
				if other.Level.Hierarchy != m.Level.Hierarchy {
					base.members[id] = other
				}
			}
			base.rebind()
			env = &coordEnv{ctx: ctx, ec: ec, base: base}
			node = m.Expression
			break
		}
	}
	if node == nil {
		if !c.measure.IsCalculated() {
			return CellData{}, false, nil
		}
		env = &coordEnv{ctx: ctx, ec: ec, base: c}
		node = c.measure.Expression
	}
	if node == nil {
		return CellData{}, false, nil
	}
	v, ok, err := node.Eval(env)
	if err != nil || !ok {
		return CellData{}, false, err
	}
	return NumericCell(c.measure, v), true, nil
}

// coordEnv resolves expression operands relative to a base coordinate.
type coordEnv struct {
	ctx  context.Context
	ec   *EvalContext
	base *Coordinate
}

func (env *coordEnv) Measure(name string) (float64, bool, error) {
	m, ok := env.ec.engine.cube.MeasureByName(name)
	if !ok {
		return 0, false, fmt.Errorf("%w: %q", cube.ErrUnknownMeasure, name)
	}
	c := env.base.Clone()
	c.measure, c.mode = m, 0
	return env.ec.Numeric(env.ctx, c)
}

func (env *coordEnv) Member(uniqueName string) (float64, bool, error) {
	m, ok := env.ec.engine.cube.MemberByUniqueName(uniqueName)
	if !ok {
		return 0, false, fmt.Errorf("%w: %q", cube.ErrUnknownMember, uniqueName)
	}
	c := env.base.Clone()
	c.mode = 0
	c.RemoveHierarchy(m.Level.Hierarchy)
	c.AddMember(m)
	return env.ec.Numeric(env.ctx, c)
}
