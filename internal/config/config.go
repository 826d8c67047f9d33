// Package config loads the server configuration from YAML and turns the
// cube section into a cube and a fact-table schema.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pivotcache/internal/cube"
	"pivotcache/internal/engine"
	"pivotcache/internal/facttable"
	"pivotcache/internal/logging"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Engine   EngineConfig   `yaml:"engine"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  logging.Config `yaml:"logging"`
	Cube     CubeConfig     `yaml:"cube"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DataConfig struct {
	CSV string `yaml:"csv"`
	// Workers is the parser and aggregator parallelism, 0 for one per CPU.
	Workers    int `yaml:"workers"`
	DenseLimit int `yaml:"dense_limit"`
}

type EngineConfig struct {
	CompleteRatio float64 `yaml:"complete_ratio"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path"`
	InMemory bool          `yaml:"in_memory"`
	TTL      time.Duration `yaml:"ttl"`
	// IncludeCells stores cached cells with suspended sessions, not just
	// their structure and filters.
	IncludeCells bool `yaml:"include_cells"`
}

type CubeConfig struct {
	Name              string                   `yaml:"name"`
	Hierarchies       []HierarchyConfig        `yaml:"hierarchies"`
	Measures          []MeasureConfig          `yaml:"measures"`
	CalculatedMembers []CalculatedMemberConfig `yaml:"calculated_members"`
	Layout            LayoutConfig             `yaml:"layout"`
}

type HierarchyConfig struct {
	Name        string        `yaml:"name"`
	DisplayName string        `yaml:"display_name"`
	Levels      []LevelConfig `yaml:"levels"`
}

type LevelConfig struct {
	Name        string `yaml:"name"`
	Column      string `yaml:"column"`
	DatePart    string `yaml:"date_part"`
	Capacity    int    `yaml:"capacity"`
	ParentChild bool   `yaml:"parent_child"`
}

// MeasureConfig is either stored (Column, or an empty Column with the
// count aggregate) or calculated (Expression).
type MeasureConfig struct {
	Name       string   `yaml:"name"`
	Column     string   `yaml:"column"`
	Aggregate  string   `yaml:"aggregate"`
	Expression string   `yaml:"expression"`
	Format     string   `yaml:"format"`
	ShowModes  []string `yaml:"show_modes"`
}

type CalculatedMemberConfig struct {
	Level string `yaml:"level"`
	// Parent is a unique name such as "[Geography].[Germany]".
	Parent     string `yaml:"parent"`
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
}

type LayoutConfig struct {
	Rows    []string `yaml:"rows"`
	Columns []string `yaml:"columns"`
}

// Default describes the sales extract served out of the box.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Data:   DataConfig{CSV: "GO_Test.csv", DenseLimit: facttable.DefaultDenseLimit},
		Engine: EngineConfig{CompleteRatio: engine.DefaultCompleteRatio},
		Snapshot: SnapshotConfig{
			InMemory: true,
			TTL:      24 * time.Hour,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		Cube: CubeConfig{
			Name: "sales",
			Hierarchies: []HierarchyConfig{
				{Name: "Geography", Levels: []LevelConfig{
					{Name: "Country", Column: "country", Capacity: 64},
					{Name: "Region", Column: "region", Capacity: 256},
				}},
				{Name: "Product", Levels: []LevelConfig{
					{Name: "Category", Column: "category", Capacity: 32},
					{Name: "Product", Column: "product_name", Capacity: 1024},
				}},
				{Name: "Time", Levels: []LevelConfig{
					{Name: "Year", Column: "transaction_date", DatePart: "year", Capacity: 8},
					{Name: "Quarter", Column: "transaction_date", DatePart: "quarter", Capacity: 32},
					{Name: "Month", Column: "transaction_date", DatePart: "month", Capacity: 128},
				}},
			},
			Measures: []MeasureConfig{
				{Name: "Revenue", Column: "total_price", Aggregate: "sum", Format: "%.2f",
					ShowModes: []string{"percent_of_parent_row", "percent_of_column_total", "column_rank"}},
				{Name: "Quantity", Column: "quantity", Aggregate: "sum", Format: "%.0f"},
				{Name: "Transactions", Aggregate: "count", Format: "%.0f"},
				{Name: "Average Price", Expression: "[Revenue] / [Quantity]", Format: "%.2f"},
			},
		},
	}
}

// Load reads path over the defaults. A missing path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Engine.CompleteRatio <= 0 || c.Engine.CompleteRatio > 1 {
		return fmt.Errorf("%w: engine.complete_ratio %v not in (0, 1]", ErrInvalid, c.Engine.CompleteRatio)
	}
	if !c.Snapshot.InMemory && c.Snapshot.Path == "" {
		return fmt.Errorf("%w: snapshot.path is required unless snapshot.in_memory is set", ErrInvalid)
	}
	if len(c.Cube.Hierarchies) == 0 {
		return fmt.Errorf("%w: cube has no hierarchies", ErrInvalid)
	}
	for _, h := range c.Cube.Hierarchies {
		if len(h.Levels) == 0 {
			return fmt.Errorf("%w: hierarchy %q has no levels", ErrInvalid, h.Name)
		}
	}
	return nil
}

// Build creates the cube described by cc and the schema binding its levels
// and stored measures to CSV columns. Calculated members are applied
// separately once the members they hang under are loaded.
func (cc CubeConfig) Build() (*cube.Cube, facttable.Schema, error) {
	c := cube.New(cc.Name)
	var schema facttable.Schema

	for _, hc := range cc.Hierarchies {
		specs := make([]cube.LevelSpec, len(hc.Levels))
		for i, lc := range hc.Levels {
			specs[i] = cube.LevelSpec{Name: lc.Name, Capacity: lc.Capacity, ParentChild: lc.ParentChild}
		}
		h, err := c.AddHierarchy(hc.Name, hc.DisplayName, specs...)
		if err != nil {
			return nil, schema, err
		}
		for i, lc := range hc.Levels {
			if lc.Column == "" {
				continue
			}
			part, err := facttable.ParseDatePart(lc.DatePart)
			if err != nil {
				return nil, schema, fmt.Errorf("level %s: %w", lc.Name, err)
			}
			schema.Levels = append(schema.Levels, facttable.LevelSource{Level: h.Levels[i], Column: lc.Column, DatePart: part})
		}
	}

	for _, mc := range cc.Measures {
		modes := make([]cube.ShowModeKind, 0, len(mc.ShowModes))
		for _, s := range mc.ShowModes {
			k, err := cube.ParseShowModeKind(s)
			if err != nil {
				return nil, schema, fmt.Errorf("measure %s: %w", mc.Name, err)
			}
			modes = append(modes, k)
		}
		if mc.Expression != "" {
			if _, err := c.AddCalculatedMeasure(mc.Name, mc.Expression, mc.Format, modes...); err != nil {
				return nil, schema, err
			}
			continue
		}
		agg, err := cube.ParseAggregate(mc.Aggregate)
		if err != nil {
			return nil, schema, fmt.Errorf("measure %s: %w", mc.Name, err)
		}
		m, err := c.AddMeasure(mc.Name, agg, mc.Format, modes...)
		if err != nil {
			return nil, schema, err
		}
		schema.Measures = append(schema.Measures, facttable.MeasureSource{Measure: m, Column: mc.Column})
	}
	return c, schema, nil
}

// ApplyCalculatedMembers registers the configured calculated members.
func (cc CubeConfig) ApplyCalculatedMembers(c *cube.Cube) error {
	for _, cm := range cc.CalculatedMembers {
		level, ok := c.LevelByName(cm.Level)
		if !ok {
			return fmt.Errorf("calculated member %s: %w: %q", cm.Name, cube.ErrUnknownLevel, cm.Level)
		}
		var parent *cube.Member
		if cm.Parent != "" {
			if parent, ok = c.MemberByUniqueName(cm.Parent); !ok {
				return fmt.Errorf("calculated member %s: %w: %s", cm.Name, cube.ErrUnknownMember, cm.Parent)
			}
		}
		if _, err := c.AddCalculatedMember(level, parent, cm.Name, cm.Expression); err != nil {
			return err
		}
	}
	return nil
}

// BuildLayout resolves the configured hierarchy names. An empty layout keeps
// the engine default.
func (cc CubeConfig) BuildLayout(c *cube.Cube) (engine.Layout, error) {
	var l engine.Layout
	resolve := func(names []string) ([]*cube.Hierarchy, error) {
		out := make([]*cube.Hierarchy, 0, len(names))
		for _, n := range names {
			h, ok := c.HierarchyByName(n)
			if !ok {
				return nil, fmt.Errorf("%w: layout names unknown hierarchy %q", ErrInvalid, n)
			}
			out = append(out, h)
		}
		return out, nil
	}
	var err error
	if l.Rows, err = resolve(cc.Layout.Rows); err != nil {
		return l, err
	}
	if l.Columns, err = resolve(cc.Layout.Columns); err != nil {
		return l, err
	}
	return l, nil
}
