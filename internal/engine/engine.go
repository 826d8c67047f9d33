// Package engine is the cell-addressing and incremental retrieval cache
// that sits between a pivot grid and an aggregation backend.
//
// A Coordinate names a cell. The engine resolves the AxisSpace of the
// coordinate's level set, the DataLine of its measure and mode, and asks
// the line for the cell. On a miss the line's RequestDiff works out the
// smallest request the backend has to answer, the backend merges the
// result into the line, and the diff is cleared.
//
// An Engine belongs to one session. Its state is guarded by a single mutex
// and each retrieval runs in the fixed order diff, backend, merge, clear.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"pivotcache/internal/cube"
)

var (
	ErrNoMeasure         = errors.New("coordinate has no measure")
	ErrUnknownMode       = errors.New("unknown show mode")
	ErrNoShowModeHandler = errors.New("no show-mode handler registered")
	ErrClosed            = errors.New("engine is closed")
)

// Layout places hierarchies on the grid's row and column axes. Show modes
// that walk "the row axis" or "the column axis" use it.
type Layout struct {
	Rows    []*cube.Hierarchy
	Columns []*cube.Hierarchy
}

// ShowModeHandler computes event-specified show modes.
type ShowModeHandler func(ctx context.Context, c *Coordinate, raw CellData) (CellData, error)

type Engine struct {
	mu sync.Mutex

	cube      *cube.Cube
	backend   CubeBackend
	evaluator Evaluator
	logger    *slog.Logger

	layout        Layout
	completeRatio float64
	showMode      ShowModeHandler
	onRebuild     func()

	filters map[int]*roaring.Bitmap

	// spacesMu guards the AxisSpace cache only, so coordinates can be
	// bound while a retrieval holds mu.
	spacesMu    sync.Mutex
	spaces      map[string]*AxisSpace
	spacesByID  map[int]*AxisSpace
	nextSpaceID int
	lastSpace   *lastSpace

	handle cube.Handle

	structMu      sync.Mutex
	changedLevels []*cube.Level

	closed bool
}

type lastSpace struct {
	key   string
	space *AxisSpace
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithEvaluator(ev Evaluator) Option { return func(e *Engine) { e.evaluator = ev } }

func WithLayout(l Layout) Option { return func(e *Engine) { e.layout = l } }

// WithCompleteRatio sets the share of a level above which requested member
// sets are widened to the whole level.
func WithCompleteRatio(r float64) Option { return func(e *Engine) { e.completeRatio = r } }

func WithShowModeHandler(h ShowModeHandler) Option { return func(e *Engine) { e.showMode = h } }

// WithRebuildHook registers a callback run after writeback has invalidated
// the whole cache.
func WithRebuildHook(fn func()) Option { return func(e *Engine) { e.onRebuild = fn } }

// New builds an engine over c and registers it for structural change
// broadcasts. Close deregisters it.
func New(c *cube.Cube, backend CubeBackend, opts ...Option) *Engine {
	e := &Engine{
		cube:          c,
		backend:       backend,
		evaluator:     ExprEvaluator{},
		logger:        slog.Default(),
		completeRatio: DefaultCompleteRatio,
		filters:       make(map[int]*roaring.Bitmap),
		spaces:        make(map[string]*AxisSpace),
		spacesByID:    make(map[int]*AxisSpace),
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.layout.Rows) == 0 && len(e.layout.Columns) == 0 {
		e.layout.Rows = c.Hierarchies()
	}
	e.handle = c.Registry().Register(e)
	return e
}

func (e *Engine) Cube() *cube.Cube { return e.cube }

func (e *Engine) Layout() Layout {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layout
}

func (e *Engine) SetLayout(l Layout) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.layout = l
}

// Close deregisters the engine from its cube. It is safe to call twice.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.cube.Registry().Deregister(e.handle)
}

// StructureChanged implements cube.Listener. The change is queued and
// applied at the start of the next engine operation, so a broadcast raised
// by the backend in the middle of a retrieval cannot deadlock.
func (e *Engine) StructureChanged(level *cube.Level) {
	e.structMu.Lock()
	defer e.structMu.Unlock()
	e.changedLevels = append(e.changedLevels, level)
}

// lock takes the engine mutex and applies queued structural changes.
func (e *Engine) lock() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.applyStructuralChanges()
	return nil
}

func (e *Engine) applyStructuralChanges() {
	e.structMu.Lock()
	changed := e.changedLevels
	e.changedLevels = nil
	e.structMu.Unlock()

	for _, level := range changed {
		n := e.dropSpacesIncluding(level)
		recordInvalidation("structure")
		e.logger.Debug("axis spaces dropped after structural change",
			slog.String("level", level.Name), slog.Int("spaces", n))
	}
}

// axisSpace returns the cached space for levels, building it on first use
// and rebuilding it when a level has grown since.
func (e *Engine) axisSpace(levels []*cube.Level) (*AxisSpace, error) {
	levels = sortLevels(levels)
	key := spaceKey(levels)

	e.spacesMu.Lock()
	defer e.spacesMu.Unlock()

	if e.lastSpace != nil && e.lastSpace.key == key && !e.lastSpace.space.stale() {
		return e.lastSpace.space, nil
	}
	s, ok := e.spaces[key]
	if !ok || s.stale() {
		var err error
		s, err = newAxisSpace(e.nextSpaceID, levels)
		if err != nil {
			return nil, err
		}
		if old, had := e.spaces[key]; had {
			delete(e.spacesByID, old.id)
		}
		e.nextSpaceID++
		e.spaces[key] = s
		e.spacesByID[s.id] = s
	}
	e.lastSpace = &lastSpace{key: key, space: s}
	return s, nil
}

func (e *Engine) spaceByID(id int) (*AxisSpace, bool) {
	e.spacesMu.Lock()
	defer e.spacesMu.Unlock()
	s, ok := e.spacesByID[id]
	return s, ok
}

// AxisSpaces returns every cached space.
func (e *Engine) AxisSpaces() []*AxisSpace {
	e.spacesMu.Lock()
	defer e.spacesMu.Unlock()
	out := make([]*AxisSpace, 0, len(e.spaces))
	for _, s := range e.spaces {
		out = append(out, s)
	}
	return out
}

func (e *Engine) dropSpacesIncluding(level *cube.Level) int {
	e.spacesMu.Lock()
	defer e.spacesMu.Unlock()
	n := 0
	for key, s := range e.spaces {
		if s.DependsOn(level) {
			delete(e.spaces, key)
			delete(e.spacesByID, s.id)
			n++
		}
	}
	e.lastSpace = nil
	return n
}

// currentSpace returns the live space of c, rebinding c if its space was
// dropped or rebuilt since it was resolved.
func (e *Engine) currentSpace(c *Coordinate) (*AxisSpace, error) {
	if c.space != nil {
		if s, ok := e.spaceByID(c.space.id); ok && s == c.space && !s.stale() {
			return s, nil
		}
	}
	c.rebind()
	if c.err != nil {
		return nil, c.err
	}
	return c.space, nil
}

// Value returns the raw value of the cell at c.
func (e *Engine) Value(ctx context.Context, c *Coordinate) (any, bool, error) {
	cell, ok, err := e.FormattedValue(ctx, c)
	return cell.Value, ok, err
}

// FormattedValue returns the cell at c with its display text and
// formatting overrides. A missing cell is not an error.
func (e *Engine) FormattedValue(ctx context.Context, c *Coordinate) (CellData, bool, error) {
	if err := e.lock(); err != nil {
		return CellData{}, false, err
	}
	defer e.mu.Unlock()
	return e.cellLocked(ctx, c, 0)
}

func (e *Engine) cellLocked(ctx context.Context, c *Coordinate, depth int) (CellData, bool, error) {
	if c.err != nil {
		return CellData{}, false, c.err
	}
	m := c.measure
	if m == nil {
		return CellData{}, false, ErrNoMeasure
	}
	mode, ok := m.Mode(c.mode)
	if !ok {
		return CellData{}, false, fmt.Errorf("%w: %d of measure %s", ErrUnknownMode, c.mode, m.Name)
	}
	if mode.Kind == cube.ShowValue || e.backend.HasNativeData(m, mode) {
		return e.rawLocked(ctx, c, mode, depth)
	}
	raw := c.Clone()
	raw.mode = 0
	cell, ok, err := e.rawLocked(ctx, raw, m.ShowModes[0], depth)
	if err != nil || !ok {
		return cell, ok, err
	}
	return e.applyShowMode(ctx, c, mode, cell, depth)
}

// rawLocked resolves a cell without show-mode transforms: through the
// DataLine cache for server-computed measures, through the evaluator for
// calculated members and measures.
func (e *Engine) rawLocked(ctx context.Context, c *Coordinate, mode cube.ShowMode, depth int) (CellData, bool, error) {
	if c.hasCalculatedMember() || !e.backend.IsServerComputed(c.measure) {
		return e.evaluator.Evaluate(ctx, &EvalContext{engine: e, depth: depth}, c)
	}
	space, err := e.currentSpace(c)
	if err != nil {
		return CellData{}, false, err
	}
	line := space.DataLine(c.measure, mode.ID, c.hierID)
	return e.lineCellLocked(ctx, line, c)
}

func (e *Engine) lineCellLocked(ctx context.Context, line *DataLine, c *Coordinate) (CellData, bool, error) {
	if cell, ok := line.Lookup(c.lineIdx); ok {
		recordLookup("hit")
		return cell, true, nil
	}
	members := c.Members()
	if line.diff.Covers(members) {
		recordLookup("covered")
		return CellData{}, false, nil
	}
	recordLookup("miss")
	line.diff.RequestCell(members)
	if _, err := e.retrieveLocked(ctx, line); err != nil {
		return CellData{}, false, err
	}
	cell, ok := line.Lookup(c.lineIdx)
	return cell, ok, nil
}

// retrieveLocked runs one reconcile/fetch/merge cycle for line.
func (e *Engine) retrieveLocked(ctx context.Context, line *DataLine) (PlanKind, error) {
	plan := line.diff.Reconcile(line.space.levels, e.completeRatio)
	if plan.Kind == PlanNone {
		return PlanNone, nil
	}
	if plan.Kind == PlanFull {
		line.clearCells()
	}

	mode, _ := line.measure.Mode(line.mode)
	req := Request{
		Measure: line.measure,
		Mode:    mode,
		Levels:  line.space.levels,
		Members: plan.Request,
		Filters: e.filterSnapshot(),
	}

	ctx, span := startRetrieveSpan(ctx, line, plan)
	defer span.End()
	done := observeBackend(plan.Kind)
	err := e.backend.Retrieve(ctx, req, line)
	done()
	if err != nil {
		line.abortMerge()
		line.diff.Abort(plan)
		recordBackendError(span, err)
		e.logger.Warn("backend retrieval failed",
			slog.String("space", line.space.key),
			slog.String("measure", line.measure.Name),
			slog.String("plan", plan.Kind.String()),
			slog.String("error", err.Error()))
		return plan.Kind, fmt.Errorf("retrieve %s/%s: %w", line.space.key, line.measure.Name, err)
	}
	line.EndMerge()
	line.diff.Commit(plan)
	e.logger.Debug("line merged",
		slog.String("space", line.space.key),
		slog.String("measure", line.measure.Name),
		slog.String("plan", plan.Kind.String()),
		slog.Int("cells", line.Len()))
	return plan.Kind, nil
}

// FetchRequest prefetches a block of cells, typically the visible part of
// a grid. Levels absent from Members are fetched in full.
type FetchRequest struct {
	Measure *cube.Measure
	Mode    int
	Levels  []*cube.Level
	Members map[*cube.Level][]*cube.Member
}

// Fetch merges r into the matching DataLine and runs the retrieval cycle.
// It returns how the request was served.
func (e *Engine) Fetch(ctx context.Context, r FetchRequest) (PlanKind, error) {
	if r.Measure == nil {
		return PlanNone, ErrNoMeasure
	}
	if err := e.lock(); err != nil {
		return PlanNone, err
	}
	defer e.mu.Unlock()

	if !e.backend.IsServerComputed(r.Measure) {
		return PlanNone, nil
	}
	mode, ok := r.Measure.Mode(r.Mode)
	if !ok {
		return PlanNone, fmt.Errorf("%w: %d", ErrUnknownMode, r.Mode)
	}
	if !e.backend.HasNativeData(r.Measure, mode) {
		mode = r.Measure.ShowModes[0]
	}
	space, err := e.axisSpace(r.Levels)
	if err != nil {
		return PlanNone, err
	}
	line := space.DataLine(r.Measure, mode.ID, 0)
	for _, l := range space.levels {
		members, ok := r.Members[l]
		if !ok {
			line.diff.RequestAll(l)
			continue
		}
		line.diff.Request(l, members...)
	}
	return e.retrieveLocked(ctx, line)
}

// SetFilter restricts level to members for every subsequent retrieval and
// clears the lines whose totals depend on it.
func (e *Engine) SetFilter(level *cube.Level, members ...*cube.Member) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	set := roaring.New()
	for _, m := range members {
		set.Add(uint32(m.ID))
	}
	e.filters[level.ID] = set
	e.filterChangedLocked(level)
	return nil
}

func (e *Engine) ClearFilter(level *cube.Level) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if _, ok := e.filters[level.ID]; !ok {
		return nil
	}
	delete(e.filters, level.ID)
	e.filterChangedLocked(level)
	return nil
}

// filterChangedLocked clears every line a filter on level reaches: lines
// aggregating across level and lines holding level's members, since the
// backend drops filtered-out members from both.
func (e *Engine) filterChangedLocked(level *cube.Level) {
	e.clearDependentLocked(level)
	e.clearIncludingLocked(level)
}

// Filter returns the filtered member ids of level.
func (e *Engine) Filter(level *cube.Level) (*roaring.Bitmap, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.filters[level.ID]
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}

func (e *Engine) filterSnapshot() map[int]*roaring.Bitmap {
	if len(e.filters) == 0 {
		return nil
	}
	out := make(map[int]*roaring.Bitmap, len(e.filters))
	for id, set := range e.filters {
		out[id] = set.Clone()
	}
	return out
}

// Clear empties every DataLine. Axis spaces survive, so coordinates and
// their textual forms stay valid.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	for _, s := range e.AxisSpaces() {
		s.dropLines()
	}
	recordInvalidation("all")
}

// ClearDependent clears the lines whose space does not include level:
// their aggregates run across level and change with its filter.
func (e *Engine) ClearDependent(level *cube.Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearDependentLocked(level)
}

func (e *Engine) clearDependentLocked(level *cube.Level) {
	for _, s := range e.AxisSpaces() {
		if s.DependsOn(level) {
			continue
		}
		for _, l := range s.lines {
			l.ClearData()
		}
	}
	recordInvalidation("dependent")
}

// ClearIncluding clears the lines whose space includes level.
func (e *Engine) ClearIncluding(level *cube.Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearIncludingLocked(level)
}

func (e *Engine) clearIncludingLocked(level *cube.Level) {
	for _, s := range e.AxisSpaces() {
		if !s.DependsOn(level) {
			continue
		}
		for _, l := range s.lines {
			l.ClearData()
		}
	}
	recordInvalidation("including")
}

// ClearMeasureData clears the lines of m. A negative mode clears every
// show mode of m.
func (e *Engine) ClearMeasureData(m *cube.Measure, mode int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.AxisSpaces() {
		for key, l := range s.lines {
			if key.measure == m.ID && (mode < 0 || key.mode == mode) {
				l.ClearData()
			}
		}
	}
	recordInvalidation("measure")
}
