package cube

import (
	"fmt"
	"strings"

	"pivotcache/internal/expr"
)

type Aggregate int

const (
	AggSum Aggregate = iota
	AggCount
	AggMin
	AggMax
	AggAvg
)

var aggregateNames = map[string]Aggregate{
	"sum":   AggSum,
	"count": AggCount,
	"min":   AggMin,
	"max":   AggMax,
	"avg":   AggAvg,
}

func ParseAggregate(s string) (Aggregate, error) {
	if s == "" {
		return AggSum, nil
	}
	a, ok := aggregateNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown aggregate %q", s)
	}
	return a, nil
}

type MeasureKind int

const (
	MeasureCommon MeasureKind = iota
	MeasureCalculated
)

// ShowModeKind is the display transform a show mode applies to the raw value.
type ShowModeKind int

const (
	ShowValue ShowModeKind = iota
	ShowPercentOfParentRow
	ShowPercentOfParentColumn
	ShowPercentOfColumnTotal
	ShowPercentOfRowTotal
	ShowColumnRank
	ShowRowRank
	// ShowRowRankSortKey negates the value so an ascending sort orders rows
	// by descending rank.
	ShowRowRankSortKey
	// ShowEvent delegates to a callback registered on the engine.
	ShowEvent
)

var showModeNames = []string{
	ShowValue:                 "value",
	ShowPercentOfParentRow:    "percent_of_parent_row",
	ShowPercentOfParentColumn: "percent_of_parent_column",
	ShowPercentOfColumnTotal:  "percent_of_column_total",
	ShowPercentOfRowTotal:     "percent_of_row_total",
	ShowColumnRank:            "column_rank",
	ShowRowRank:               "row_rank",
	ShowRowRankSortKey:        "row_rank_sort_key",
	ShowEvent:                 "event",
}

func (k ShowModeKind) String() string {
	if int(k) < len(showModeNames) {
		return showModeNames[k]
	}
	return fmt.Sprintf("ShowModeKind(%d)", int(k))
}

func ParseShowModeKind(s string) (ShowModeKind, error) {
	for i, name := range showModeNames {
		if name == strings.ToLower(s) {
			return ShowModeKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown show mode %q", s)
}

type ShowMode struct {
	ID   int
	Name string
	Kind ShowModeKind
}

type Measure struct {
	ID        int
	Name      string
	Aggregate Aggregate
	// Format is a printf verb applied to numeric values, "%.2f" by default.
	Format     string
	Kind       MeasureKind
	Expression expr.Node
	ShowModes  []ShowMode
}

func (m *Measure) IsCalculated() bool { return m.Kind == MeasureCalculated }

// Mode returns the show mode with the given index.
func (m *Measure) Mode(id int) (ShowMode, bool) {
	if id < 0 || id >= len(m.ShowModes) {
		return ShowMode{}, false
	}
	return m.ShowModes[id], true
}

// AddMeasure registers a stored measure. The raw value is always show mode 0;
// modes lists the additional transforms.
func (c *Cube) AddMeasure(name string, agg Aggregate, format string, modes ...ShowModeKind) (*Measure, error) {
	return c.addMeasure(&Measure{Name: name, Aggregate: agg, Format: format, Kind: MeasureCommon}, modes)
}

// AddCalculatedMeasure registers a measure evaluated from expression.
func (c *Cube) AddCalculatedMeasure(name, expression, format string, modes ...ShowModeKind) (*Measure, error) {
	n, err := expr.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("calculated measure %q: %w", name, err)
	}
	return c.addMeasure(&Measure{Name: name, Format: format, Kind: MeasureCalculated, Expression: n}, modes)
}

func (c *Cube) addMeasure(m *Measure, modes []ShowModeKind) (*Measure, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, other := range c.measures {
		if other.Name == m.Name {
			return nil, fmt.Errorf("%w: measure %q", ErrDuplicateName, m.Name)
		}
	}
	if m.Format == "" {
		m.Format = "%.2f"
	}
	m.ID = len(c.measures)
	m.ShowModes = []ShowMode{{ID: 0, Name: ShowValue.String(), Kind: ShowValue}}
	for _, k := range modes {
		if k == ShowValue {
			continue
		}
		m.ShowModes = append(m.ShowModes, ShowMode{ID: len(m.ShowModes), Name: k.String(), Kind: k})
	}
	c.measures = append(c.measures, m)
	return m, nil
}

func (c *Cube) Measures() []*Measure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Measure(nil), c.measures...)
}

func (c *Cube) Measure(id int) (*Measure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || id >= len(c.measures) {
		return nil, false
	}
	return c.measures[id], true
}

func (c *Cube) MeasureByName(name string) (*Measure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.measures {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}
