package engine

import (
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"pivotcache/internal/cube"
)

// CellData is one cached cell. Value is whatever scalar the backend
// produced; Formatted is its display text. Color and Font are empty when
// the cell carries no override.
type CellData struct {
	Value     any
	Formatted string
	Color     string
	Font      string
}

// Float returns the numeric value of the cell.
func (c CellData) Float() (float64, bool) {
	switch v := c.Value.(type) {
	case float64:
		return v, !math.IsNaN(v)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint32:
		return float64(v), true
	}
	return 0, false
}

var printer = message.NewPrinter(language.English)

// NumericCell builds a cell formatted with the measure's format verb.
func NumericCell(m *cube.Measure, v float64) CellData {
	format := "%.2f"
	if m != nil && m.Format != "" {
		format = m.Format
	}
	return CellData{Value: v, Formatted: printer.Sprintf(format, v)}
}

func percentCell(v float64) CellData {
	return CellData{Value: v, Formatted: printer.Sprintf("%.2f%%", v*100)}
}

func rankCell(rank int) CellData {
	return CellData{Value: float64(rank), Formatted: printer.Sprintf("%d", rank)}
}
