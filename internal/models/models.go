package models

type Page[T any] struct {
	Data   []T `json:"data"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type CubeInfo struct {
	Name        string          `json:"name"`
	Hierarchies []HierarchyInfo `json:"hierarchies"`
	Measures    []MeasureInfo   `json:"measures"`
}

type HierarchyInfo struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Levels      []LevelInfo `json:"levels"`
}

type LevelInfo struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Members     int    `json:"members"`
	ParentChild bool   `json:"parent_child,omitempty"`
}

type MeasureInfo struct {
	ID         int      `json:"id"`
	Name       string   `json:"name"`
	Aggregate  string   `json:"aggregate,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Format     string   `json:"format"`
	ShowModes  []string `json:"show_modes"`
}

type MemberInfo struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	UniqueName string `json:"unique_name"`
	Parent     string `json:"parent,omitempty"`
	Calculated bool   `json:"calculated,omitempty"`
}

type Session struct {
	ID string `json:"id"`
}

// CellRef addresses a cell either by a token returned earlier or by member
// unique names plus a measure and show mode.
type CellRef struct {
	Token   string   `json:"token,omitempty"`
	Members []string `json:"members,omitempty"`
	Measure string   `json:"measure,omitempty"`
	Mode    string   `json:"mode,omitempty"`
}

type CellsRequest struct {
	Cells []CellRef `json:"cells"`
}

type CellResult struct {
	Token     string `json:"token,omitempty"`
	OK        bool   `json:"ok"`
	Value     any    `json:"value,omitempty"`
	Formatted string `json:"formatted,omitempty"`
	Color     string `json:"color,omitempty"`
	Font      string `json:"font,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FetchRequest prefetches a grid block. Levels are "Hierarchy.Level"
// names; Members maps a level name to the unique names wanted on it, and
// levels left out are fetched in full.
type FetchRequest struct {
	Measure string              `json:"measure"`
	Mode    string              `json:"mode,omitempty"`
	Levels  []string            `json:"levels"`
	Members map[string][]string `json:"members,omitempty"`
}

type FetchResult struct {
	Plan string `json:"plan"`
}

type FilterRequest struct {
	Members []string `json:"members"`
}

type DrillthroughRequest struct {
	Cell     CellRef  `json:"cell"`
	RowLimit int      `json:"row_limit,omitempty"`
	Columns  []string `json:"columns,omitempty"`
}

type DrillthroughResult struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

type WritebackRequest struct {
	Cell   CellRef `json:"cell"`
	Value  float64 `json:"value"`
	Method string  `json:"method,omitempty"` // equal or proportional
}

type Health struct {
	Status   string `json:"status"`
	Rows     int    `json:"rows,omitempty"`
	Sessions int    `json:"sessions"`
}

type Error struct {
	Message string `json:"message"`
}
