package facttable

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pivotcache/internal/cube"
	"pivotcache/internal/engine"
)

const salesCSV = `transaction_id,transaction_date,user_id,country,region,product_id,product_name,category,price,quantity,total_price,stock_quantity,added_date
T1,2021-01-15,U1,Germany,Bavaria,P1,Widget_A,Toys,10.50,2,21.00,100,2021-01-01
T2,2021-01-16,U2,France,Normandy,P2,Widget_B,Toys,20.00,1,20.00,50,2021-01-02
T3,2022-05-20,U3,Germany,Hesse,P1,Widget_A,Toys,10.50,1,10.50,99,2022-05-05
`

type salesCube struct {
	cube                  *cube.Cube
	country, region       *cube.Level
	product               *cube.Level
	year, quarter, month  *cube.Level
	revenue, qty, txCount *cube.Measure
	schema                Schema
}

func newSalesCube(t *testing.T) *salesCube {
	t.Helper()
	s := &salesCube{cube: cube.New("sales")}
	c := s.cube

	geo, err := c.AddHierarchy("Geography", "", cube.LevelSpec{Name: "Country"}, cube.LevelSpec{Name: "Region"})
	require.NoError(t, err)
	s.country, s.region = geo.Levels[0], geo.Levels[1]
	prod, err := c.AddHierarchy("Product", "", cube.LevelSpec{Name: "Product"})
	require.NoError(t, err)
	s.product = prod.Levels[0]
	tm, err := c.AddHierarchy("Time", "", cube.LevelSpec{Name: "Year", Capacity: 2}, cube.LevelSpec{Name: "Quarter"}, cube.LevelSpec{Name: "Month"})
	require.NoError(t, err)
	s.year, s.quarter, s.month = tm.Levels[0], tm.Levels[1], tm.Levels[2]

	s.revenue, err = c.AddMeasure("Revenue", cube.AggSum, "%.2f", cube.ShowPercentOfColumnTotal)
	require.NoError(t, err)
	s.qty, err = c.AddMeasure("Quantity", cube.AggSum, "%.0f")
	require.NoError(t, err)
	s.txCount, err = c.AddMeasure("Transactions", cube.AggCount, "%.0f")
	require.NoError(t, err)

	s.schema = Schema{
		Levels: []LevelSource{
			{Level: s.country, Column: "country"},
			{Level: s.region, Column: "region"},
			{Level: s.product, Column: "product_name"},
			{Level: s.year, Column: "transaction_date", DatePart: DateYear},
			{Level: s.quarter, Column: "transaction_date", DatePart: DateQuarter},
			{Level: s.month, Column: "transaction_date", DatePart: DateMonth},
		},
		Measures: []MeasureSource{
			{Measure: s.revenue, Column: "total_price"},
			{Measure: s.qty, Column: "quantity"},
			{Measure: s.txCount},
		},
	}
	return s
}

func (s *salesCube) member(t *testing.T, unique string) *cube.Member {
	t.Helper()
	m, ok := s.cube.MemberByUniqueName(unique)
	require.True(t, ok, unique)
	return m
}

func TestLoadFromFile(t *testing.T) {
	s := newSalesCube(t)
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(salesCSV), 0o644))

	table, err := Load(context.Background(), path, s.cube, s.schema, WithWorkers(4))
	require.NoError(t, err)
	defer table.Close()

	assert.Equal(t, 3, table.Rows())
	assert.Equal(t, 2, s.country.Len())
	assert.Equal(t, 3, s.region.Len())
	assert.Equal(t, 2, s.product.Len())
	assert.Equal(t, 2, s.year.Len())

	bavaria := s.member(t, "[Geography].[Germany].[Bavaria]")
	assert.Equal(t, "Germany", bavaria.Parent.Name)
	s.member(t, "[Time].[2021].[Q1].[January]")
	s.member(t, "[Time].[2022].[Q2].[May]")
}

func TestLoadRejectsUnknownColumn(t *testing.T) {
	s := newSalesCube(t)
	s.schema.Levels[0].Column = "nation"
	_, err := LoadBytes(context.Background(), []byte(salesCSV), s.cube, s.schema)
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = LoadBytes(context.Background(), []byte("no header newline"), s.cube, s.schema)
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestLoadRejectsShortRow(t *testing.T) {
	s := newSalesCube(t)
	content := salesCSV + "T4,2022-06-01,U4,Spain\n"
	_, err := LoadBytes(context.Background(), []byte(content), s.cube, s.schema, WithWorkers(1))
	assert.Error(t, err)
}

func loadSales(t *testing.T, opts ...Option) (*salesCube, *Table) {
	t.Helper()
	s := newSalesCube(t)
	table, err := LoadBytes(context.Background(), []byte(salesCSV), s.cube, s.schema, opts...)
	require.NoError(t, err)
	t.Cleanup(table.Close)
	return s, table
}

func TestRetrieveThroughEngine(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{"dense", nil},
		{"sparse", []Option{WithDenseLimit(1)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, table := loadSales(t, tc.opts...)
			e := engine.New(s.cube, table)
			defer e.Close()
			ctx := context.Background()

			value := func(m *cube.Measure, members ...*cube.Member) float64 {
				c := e.NewCoordinate()
				for _, mem := range members {
					c.AddMember(mem)
				}
				c.SetMeasure(m)
				v, ok, err := e.Value(ctx, c)
				require.NoError(t, err)
				require.True(t, ok)
				return v.(float64)
			}

			germany := s.member(t, "[Geography].[Germany]")
			france := s.member(t, "[Geography].[France]")
			y2021 := s.member(t, "[Time].[2021]")
			widgetA := s.member(t, "[Product].[Widget_A]")

			assert.InDelta(t, 31.5, value(s.revenue, germany), 1e-9)
			assert.InDelta(t, 20.0, value(s.revenue, france), 1e-9)
			assert.Equal(t, 2.0, value(s.txCount, germany))
			assert.Equal(t, 3.0, value(s.qty, germany))
			assert.InDelta(t, 51.5, value(s.revenue), 1e-9)
			assert.InDelta(t, 41.0, value(s.revenue, y2021), 1e-9)
			assert.InDelta(t, 21.0, value(s.revenue, y2021, widgetA), 1e-9)
		})
	}
}

func TestRetrieveHonoursFilters(t *testing.T) {
	s, table := loadSales(t)
	e := engine.New(s.cube, table)
	defer e.Close()
	ctx := context.Background()

	y2022 := s.member(t, "[Time].[2022]")
	require.NoError(t, e.SetFilter(s.year, y2022))

	c := e.NewCoordinate()
	c.AddMember(s.member(t, "[Geography].[Germany]"))
	c.SetMeasure(s.revenue)
	v, ok, err := e.Value(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 10.5, v, 1e-9)

	c = e.NewCoordinate()
	c.AddMember(s.member(t, "[Geography].[France]"))
	c.SetMeasure(s.revenue)
	_, ok, err = e.Value(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok, "France has no 2022 rows")
}

func TestDrillthrough(t *testing.T) {
	s, table := loadSales(t)
	e := engine.New(s.cube, table)
	defer e.Close()

	c := e.NewCoordinate()
	c.AddMember(s.member(t, "[Geography].[Germany]"))
	c.SetMeasure(s.revenue)
	res, err := e.Drillthrough(context.Background(), c, 0, []string{"Region", "Revenue"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Region", "Revenue"}, res.Columns)
	assert.Equal(t, [][]string{{"Bavaria", "21"}, {"Hesse", "10.5"}}, res.Rows)

	res, err = e.Drillthrough(context.Background(), c, 1, nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Len(t, res.Columns, 9)

	_, err = e.Drillthrough(context.Background(), c, 0, []string{"Colour"})
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func TestWriteback(t *testing.T) {
	tests := []struct {
		method      engine.Distribution
		bav, hesse  float64
	}{
		{engine.DistributeProportional, 42, 21},
		{engine.DistributeEqual, 36.75, 26.25},
	}
	for _, tt := range tests {
		t.Run(tt.method.String(), func(t *testing.T) {
			s, table := loadSales(t)
			e := engine.New(s.cube, table)
			defer e.Close()
			ctx := context.Background()

			germany := s.member(t, "[Geography].[Germany]")
			c := e.NewCoordinate()
			c.AddMember(germany)
			c.SetMeasure(s.revenue)
			require.NoError(t, e.Writeback(ctx, c, 63, tt.method))

			v, _, err := e.Value(ctx, c)
			require.NoError(t, err)
			assert.InDelta(t, 63.0, v, 1e-9)

			for unique, want := range map[string]float64{
				"[Geography].[Germany].[Bavaria]": tt.bav,
				"[Geography].[Germany].[Hesse]":   tt.hesse,
			} {
				rc := e.NewCoordinate()
				rc.AddMember(s.member(t, unique))
				rc.SetMeasure(s.revenue)
				v, _, err := e.Value(ctx, rc)
				require.NoError(t, err)
				assert.InDelta(t, want, v, 1e-9, unique)
			}
		})
	}
}

func TestWritebackRejectsCounts(t *testing.T) {
	s, table := loadSales(t)
	e := engine.New(s.cube, table)
	defer e.Close()

	c := e.NewCoordinate()
	c.AddMember(s.member(t, "[Geography].[Germany]"))
	c.SetMeasure(s.txCount)
	err := e.Writeback(context.Background(), c, 10, engine.DistributeEqual)
	assert.ErrorIs(t, err, ErrNotWritable)
}
