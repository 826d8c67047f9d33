// Package facttable is an in-memory columnar fact table that serves as a
// cube backend. Rows are loaded from CSV in parallel, dimension values are
// dictionary encoded into cube members, and retrievals aggregate the
// columns per request.
package facttable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"pivotcache/internal/cube"
)

var (
	ErrUnknownColumn  = errors.New("unknown column")
	ErrNoHeader       = errors.New("csv has no header row")
	ErrNoMatchingRows = errors.New("no rows match the filters")
	ErrNotWritable    = errors.New("measure cannot be written back")
)

// DefaultDenseLimit bounds the cell count aggregated into a flat matrix;
// larger address spaces use a map.
const DefaultDenseLimit = 1 << 20

type DatePart int

const (
	DateNone DatePart = iota
	DateYear
	DateQuarter
	DateMonth
)

func ParseDatePart(s string) (DatePart, error) {
	switch strings.ToLower(s) {
	case "":
		return DateNone, nil
	case "year":
		return DateYear, nil
	case "quarter":
		return DateQuarter, nil
	case "month":
		return DateMonth, nil
	}
	return 0, fmt.Errorf("unknown date part %q", s)
}

// LevelSource binds a cube level to a CSV column. With a DatePart the
// column holds YYYY-MM-DD dates and the level takes that part of it.
type LevelSource struct {
	Level    *cube.Level
	Column   string
	DatePart DatePart
}

// MeasureSource binds a stored measure to a numeric column. A count
// measure may leave Column empty to count rows.
type MeasureSource struct {
	Measure *cube.Measure
	Column  string
}

type Schema struct {
	Levels   []LevelSource
	Measures []MeasureSource
}

type Table struct {
	cube       *cube.Cube
	logger     *slog.Logger
	denseLimit int
	workers    int

	mu       sync.RWMutex
	rows     int
	levels   map[int]*levelColumn
	order    []*levelColumn
	measures map[int]*measureColumn
	mOrder   []*measureColumn
}

type levelColumn struct {
	src     LevelSource
	members *array.Int32
}

type measureColumn struct {
	src    MeasureSource
	values *array.Float64 // nil for row counts
}

type Option func(*Table)

func WithLogger(l *slog.Logger) Option { return func(t *Table) { t.logger = l } }

func WithDenseLimit(n int) Option { return func(t *Table) { t.denseLimit = n } }

func WithWorkers(n int) Option { return func(t *Table) { t.workers = n } }

// Load reads the CSV file at path.
func Load(ctx context.Context, path string, c *cube.Cube, schema Schema, opts ...Option) (*Table, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return LoadBytes(ctx, content, c, schema, opts...)
}

// LoadBytes parses CSV content with a header row, registers every member
// it finds in c and builds the columns.
func LoadBytes(ctx context.Context, content []byte, c *cube.Cube, schema Schema, opts ...Option) (*Table, error) {
	start := time.Now()
	t := &Table{
		cube:       c,
		logger:     slog.Default(),
		denseLimit: DefaultDenseLimit,
		workers:    runtime.NumCPU(),
		levels:     make(map[int]*levelColumn),
		measures:   make(map[int]*measureColumn),
	}
	for _, opt := range opts {
		opt(t)
	}

	nl := strings.IndexByte(unsafeToString(content), '\n')
	if nl == -1 {
		return nil, ErrNoHeader
	}
	header := splitFields(nil, content[:nl])
	content = content[nl+1:]

	plan, err := newParsePlan(header, schema)
	if err != nil {
		return nil, err
	}
	parsed, err := plan.parse(ctx, content, max(t.workers, 1))
	if err != nil {
		return nil, err
	}
	t.rows = parsed.rows

	if err := t.registerMembers(plan, parsed, schema); err != nil {
		return nil, err
	}
	for i, ms := range schema.Measures {
		mc := &measureColumn{src: ms}
		if ms.Column != "" {
			b := array.NewFloat64Builder(memory.DefaultAllocator)
			b.AppendValues(parsed.measures[i], nil)
			mc.values = b.NewFloat64Array()
			b.Release()
		}
		t.measures[ms.Measure.ID] = mc
		t.mOrder = append(t.mOrder, mc)
	}

	t.logger.Info("fact table loaded",
		slog.Int("rows", t.rows),
		slog.Int("levels", len(t.order)),
		slog.Int("measures", len(t.mOrder)),
		slog.Duration("elapsed", time.Since(start)))
	return t, nil
}

// registerMembers walks each hierarchy's levels top down per row and
// registers the member path in the cube. Paths are memoized so the cube
// is only called once per distinct member.
func (t *Table) registerMembers(plan *parsePlan, parsed *parsedColumns, schema Schema) error {
	byHier := make(map[*cube.Hierarchy][]int)
	var hiers []*cube.Hierarchy
	for i, ls := range schema.Levels {
		h := ls.Level.Hierarchy
		if _, seen := byHier[h]; !seen {
			hiers = append(hiers, h)
		}
		byHier[h] = append(byHier[h], i)
	}

	ids := make([][]int32, len(schema.Levels))
	for i := range ids {
		ids[i] = make([]int32, parsed.rows)
	}

	type pathKey struct {
		parent int32
		value  int32
	}
	for _, h := range hiers {
		srcs := byHier[h]
		memo := make([]map[pathKey]*cube.Member, len(srcs))
		for i := range memo {
			memo[i] = make(map[pathKey]*cube.Member)
		}
		for row := 0; row < parsed.rows; row++ {
			var parent *cube.Member
			for depth, si := range srcs {
				value, name := plan.levelValue(parsed, si, row)
				key := pathKey{parent: -1, value: value}
				if parent != nil {
					key.parent = int32(parent.ID)
				}
				m, ok := memo[depth][key]
				if !ok {
					var err error
					m, err = t.cube.RegisterMember(schema.Levels[si].Level, parent, name)
					if err != nil {
						return fmt.Errorf("register %s on %s: %w", name, schema.Levels[si].Level.Name, err)
					}
					memo[depth][key] = m
				}
				ids[si][row] = int32(m.ID)
				parent = m
			}
		}
	}

	for i, ls := range schema.Levels {
		b := array.NewInt32Builder(memory.DefaultAllocator)
		b.AppendValues(ids[i], nil)
		lc := &levelColumn{src: ls, members: b.NewInt32Array()}
		b.Release()
		t.levels[ls.Level.ID] = lc
		t.order = append(t.order, lc)
	}
	return nil
}

func (t *Table) Rows() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows
}

func (t *Table) Cube() *cube.Cube { return t.cube }

// Close releases the column buffers.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, lc := range t.order {
		lc.members.Release()
	}
	for _, mc := range t.mOrder {
		if mc.values != nil {
			mc.values.Release()
		}
	}
	t.order, t.mOrder = nil, nil
	clear(t.levels)
	clear(t.measures)
}

// parsePlan maps schema columns to CSV field positions.
type parsePlan struct {
	textCols    []int // field index per dictionary-encoded column
	dateCols    []int
	measureCols []int // -1 for row counts
	// per schema level: which text or date column feeds it
	levelText []int
	levelDate []int
	datePart  []DatePart
	maxField  int
}

type parsedColumns struct {
	rows     int
	dicts    [][]string
	text     [][]int32
	dates    [][]int32
	measures [][]float64
}

func newParsePlan(header [][]byte, schema Schema) (*parsePlan, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(string(h))] = i
	}
	p := &parsePlan{}
	textSlot := make(map[int]int)
	dateSlot := make(map[int]int)
	for _, ls := range schema.Levels {
		field, ok := index[ls.Column]
		if !ok {
			return nil, fmt.Errorf("%w: %q for level %s", ErrUnknownColumn, ls.Column, ls.Level.Name)
		}
		p.maxField = max(p.maxField, field)
		p.datePart = append(p.datePart, ls.DatePart)
		if ls.DatePart != DateNone {
			slot, seen := dateSlot[field]
			if !seen {
				slot = len(p.dateCols)
				dateSlot[field] = slot
				p.dateCols = append(p.dateCols, field)
			}
			p.levelDate = append(p.levelDate, slot)
			p.levelText = append(p.levelText, -1)
			continue
		}
		slot, seen := textSlot[field]
		if !seen {
			slot = len(p.textCols)
			textSlot[field] = slot
			p.textCols = append(p.textCols, field)
		}
		p.levelText = append(p.levelText, slot)
		p.levelDate = append(p.levelDate, -1)
	}
	for _, ms := range schema.Measures {
		if ms.Column == "" {
			if ms.Measure.Aggregate != cube.AggCount {
				return nil, fmt.Errorf("%w: measure %s has no column", ErrUnknownColumn, ms.Measure.Name)
			}
			p.measureCols = append(p.measureCols, -1)
			continue
		}
		field, ok := index[ms.Column]
		if !ok {
			return nil, fmt.Errorf("%w: %q for measure %s", ErrUnknownColumn, ms.Column, ms.Measure.Name)
		}
		p.maxField = max(p.maxField, field)
		p.measureCols = append(p.measureCols, field)
	}
	return p, nil
}

// levelValue returns the dictionary value and member name of schema level
// si in row.
func (p *parsePlan) levelValue(c *parsedColumns, si, row int) (int32, string) {
	if slot := p.levelText[si]; slot >= 0 {
		id := c.text[slot][row]
		return id, c.dicts[slot][id]
	}
	ym := c.dates[p.levelDate[si]][row]
	year, month := ym/100, ym%100
	switch p.datePart[si] {
	case DateYear:
		return year, strconv.Itoa(int(year))
	case DateQuarter:
		q := (month-1)/3 + 1
		return q, "Q" + strconv.Itoa(int(q))
	default:
		if month < 1 || month > 12 {
			return month, strconv.Itoa(int(month))
		}
		return month, time.Month(month).String()
	}
}

type localDicts struct {
	maps  []map[string]int32
	lists [][]string
	ids   [][]int32
}

// parse runs the two parallel passes of the loader: count rows per chunk
// for exact allocation, then parse each chunk into the shared columns with
// per-worker dictionaries that are merged afterwards.
func (p *parsePlan) parse(ctx context.Context, content []byte, workers int) (*parsedColumns, error) {
	bounds := chunkBounds(content, workers)
	rowCounts := make([]int, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			n := 0
			eachLine(content[bounds[w]:bounds[w+1]], func([]byte) { n++ })
			rowCounts[w] = n
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	offsets := make([]int, workers)
	total := 0
	for w, n := range rowCounts {
		offsets[w] = total
		total += n
	}

	out := &parsedColumns{rows: total}
	out.dates = make([][]int32, len(p.dateCols))
	for i := range out.dates {
		out.dates[i] = make([]int32, total)
	}
	out.measures = make([][]float64, len(p.measureCols))
	for i, field := range p.measureCols {
		if field >= 0 {
			out.measures[i] = make([]float64, total)
		}
	}

	workerDicts := make([]*localDicts, workers)
	g, gctx = errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			ld := &localDicts{
				maps:  make([]map[string]int32, len(p.textCols)),
				lists: make([][]string, len(p.textCols)),
				ids:   make([][]int32, len(p.textCols)),
			}
			for i := range p.textCols {
				ld.maps[i] = make(map[string]int32)
				ld.ids[i] = make([]int32, rowCounts[w])
			}
			workerDicts[w] = ld

			var fields [][]byte
			var bad error
			row := 0
			base := offsets[w]
			eachLine(content[bounds[w]:bounds[w+1]], func(line []byte) {
				if bad != nil {
					return
				}
				fields = splitFields(fields, line)
				if len(fields) <= p.maxField {
					bad = fmt.Errorf("row %d: %d fields, want at least %d", base+row+2, len(fields), p.maxField+1)
					return
				}
				for i, field := range p.textCols {
					s := unsafeToString(fields[field])
					id, ok := ld.maps[i][s]
					if !ok {
						id = int32(len(ld.lists[i]))
						str := string(fields[field])
						ld.lists[i] = append(ld.lists[i], str)
						ld.maps[i][str] = id
					}
					ld.ids[i][row] = id
				}
				for i, field := range p.dateCols {
					out.dates[i][base+row] = fastDate(fields[field])
				}
				for i, field := range p.measureCols {
					if field >= 0 {
						out.measures[i][base+row] = fastFloat(fields[field])
					}
				}
				row++
			})
			if bad != nil {
				return bad
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge dictionaries, one goroutine per column.
	out.dicts = make([][]string, len(p.textCols))
	out.text = make([][]int32, len(p.textCols))
	g = new(errgroup.Group)
	for col := range p.textCols {
		out.text[col] = make([]int32, total)
		g.Go(func() error {
			global := make(map[string]int32)
			var dict []string
			for w := 0; w < workers; w++ {
				ld := workerDicts[w]
				remap := make([]int32, len(ld.lists[col]))
				for lid, s := range ld.lists[col] {
					gid, exists := global[s]
					if !exists {
						gid = int32(len(dict))
						dict = append(dict, s)
						global[s] = gid
					}
					remap[lid] = gid
				}
				dest := out.text[col][offsets[w] : offsets[w]+len(ld.ids[col])]
				for k, id := range ld.ids[col] {
					dest[k] = remap[id]
				}
			}
			out.dicts[col] = dict
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
