package engine

import (
	"slices"
	"sort"

	"pivotcache/internal/cube"
)

// DataLine caches the cells of one (AxisSpace, measure, mode, hierarchy
// depth) combination as two parallel arrays sorted by line index.
type DataLine struct {
	space   *AxisSpace
	measure *cube.Measure
	mode    int
	hierID  int64

	index []int64
	data  []CellData

	merging  bool
	bufIndex []int64
	bufData  []CellData
	bufSeen  map[int64]struct{}

	rangeValid bool
	rangeOK    bool
	min, max   float64

	diff RequestDiff
}

func newDataLine(s *AxisSpace, m *cube.Measure, mode int, hierID int64) *DataLine {
	return &DataLine{space: s, measure: m, mode: mode, hierID: hierID}
}

func (l *DataLine) Space() *AxisSpace      { return l.space }
func (l *DataLine) Measure() *cube.Measure { return l.measure }
func (l *DataLine) Mode() int              { return l.mode }
func (l *DataLine) HierID() int64          { return l.hierID }
func (l *DataLine) Len() int               { return len(l.index) }

// At returns the i-th cell in index order.
func (l *DataLine) At(i int) (int64, CellData) { return l.index[i], l.data[i] }

// Lookup binary-searches the cached cells.
func (l *DataLine) Lookup(idx int64) (CellData, bool) {
	i, found := slices.BinarySearch(l.index, idx)
	if !found {
		return CellData{}, false
	}
	return l.data[i], true
}

// Numeric returns the cell at idx as a float. Missing and non-numeric
// cells both report false.
func (l *DataLine) Numeric(idx int64) (float64, bool) {
	c, ok := l.Lookup(idx)
	if !ok {
		return 0, false
	}
	return c.Float()
}

// Range returns the minimum and maximum numeric value of the line.
func (l *DataLine) Range() (lo, hi float64, ok bool) {
	if !l.rangeValid {
		l.rangeOK = false
		for _, c := range l.data {
			v, isNum := c.Float()
			if !isNum {
				continue
			}
			if !l.rangeOK {
				l.min, l.max, l.rangeOK = v, v, true
				continue
			}
			l.min = min(l.min, v)
			l.max = max(l.max, v)
		}
		l.rangeValid = true
	}
	return l.min, l.max, l.rangeOK
}

// StartMerge opens a bulk append. estimated sizes the buffer.
func (l *DataLine) StartMerge(estimated int) {
	l.merging = true
	l.bufIndex = make([]int64, 0, max(estimated, 0))
	l.bufData = make([]CellData, 0, max(estimated, 0))
	l.bufSeen = make(map[int64]struct{}, max(estimated, 0))
}

// AddData buffers one cell. Indices already cached or already buffered are
// discarded. Calls outside StartMerge/EndMerge open an implicit merge.
func (l *DataLine) AddData(idx int64, cell CellData) {
	if !l.merging {
		l.StartMerge(0)
	}
	if _, dup := l.bufSeen[idx]; dup {
		return
	}
	if _, found := slices.BinarySearch(l.index, idx); found {
		return
	}
	l.bufSeen[idx] = struct{}{}
	l.bufIndex = append(l.bufIndex, idx)
	l.bufData = append(l.bufData, cell)
}

// AddCell encodes members (in the space's level order) and buffers the
// cell. It reports false when the members cannot be encoded in this space
// or sit at a different parent-child depth than the line.
func (l *DataLine) AddCell(members []*cube.Member, cell CellData) bool {
	if depthID(members) != l.hierID {
		return false
	}
	idx, ok := l.space.Encode(members)
	if !ok {
		return false
	}
	l.AddData(idx, cell)
	return true
}

// EndMerge folds the buffer into the sorted arrays.
func (l *DataLine) EndMerge() {
	if !l.merging {
		return
	}
	l.merging = false
	if len(l.bufIndex) > 0 {
		appendOnly := len(l.index) == 0 || l.bufIndex[0] > l.index[len(l.index)-1]
		l.index = append(l.index, l.bufIndex...)
		l.data = append(l.data, l.bufData...)
		if !appendOnly || !slices.IsSorted(l.bufIndex) {
			sort.Sort(byLineIndex{l})
		}
		l.rangeValid = false
	}
	l.bufIndex, l.bufData, l.bufSeen = nil, nil, nil
}

func (l *DataLine) abortMerge() {
	l.merging = false
	l.bufIndex, l.bufData, l.bufSeen = nil, nil, nil
}

// ClearData empties the line and forgets what has been requested, so the
// next access refetches.
func (l *DataLine) ClearData() {
	l.clearCells()
	l.diff.Reset()
}

func (l *DataLine) clearCells() {
	l.abortMerge()
	l.index = nil
	l.data = nil
	l.rangeValid = false
}

// Diff exposes the line's request tracker.
func (l *DataLine) Diff() *RequestDiff { return &l.diff }

type byLineIndex struct{ l *DataLine }

func (s byLineIndex) Len() int           { return len(s.l.index) }
func (s byLineIndex) Less(i, j int) bool { return s.l.index[i] < s.l.index[j] }
func (s byLineIndex) Swap(i, j int) {
	s.l.index[i], s.l.index[j] = s.l.index[j], s.l.index[i]
	s.l.data[i], s.l.data[j] = s.l.data[j], s.l.data[i]
}
