package engine

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/RoaringBitmap/roaring"

	"pivotcache/internal/cube"
)

var ErrBadSnapshot = errors.New("malformed engine snapshot")

const snapshotMagic = "PVC2"

const (
	tagEngine byte = iota + 1
	tagFilter
	tagAxisSpace
	tagDataLine
	tagEnd
	// tagEndRecord closes every record except the stream's final tagEnd.
	tagEndRecord
)

// Upper bounds on length and count fields read back from a snapshot.
const (
	maxSnapshotBlob   = 1 << 28
	maxSnapshotCount  = 1 << 26
	maxSnapshotLevels = 1 << 10
)

const (
	valueNil byte = iota
	valueFloat
	valueString
)

type SaveOptions struct {
	// IncludeCells writes cached cells. Without it lines come back cold and
	// refetch on first access.
	IncludeCells bool
}

// Save writes the engine's filters, axis spaces and lines to w.
func (e *Engine) Save(w io.Writer, opts SaveOptions) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	sw := &snapWriter{w: bufio.NewWriter(w)}
	sw.raw([]byte(snapshotMagic))

	sw.byte(tagEngine)
	sw.string(e.cube.Name)
	sw.uvarint(math.Float64bits(e.completeRatio))
	sw.byte(tagEndRecord)

	filterIDs := make([]int, 0, len(e.filters))
	for id := range e.filters {
		filterIDs = append(filterIDs, id)
	}
	slices.Sort(filterIDs)
	for _, id := range filterIDs {
		sw.byte(tagFilter)
		sw.uvarint(uint64(id))
		sw.bitmap(e.filters[id])
		sw.byte(tagEndRecord)
	}

	spaces := e.AxisSpaces()
	slices.SortFunc(spaces, func(a, b *AxisSpace) int { return a.id - b.id })
	for _, s := range spaces {
		sw.byte(tagAxisSpace)
		sw.uvarint(uint64(s.id))
		sw.uvarint(uint64(len(s.levels)))
		for i, l := range s.levels {
			sw.uvarint(uint64(l.ID))
			sw.varint(s.radix[i])
		}
		sw.byte(tagEndRecord)
		for _, line := range s.Lines() {
			sw.byte(tagDataLine)
			sw.uvarint(uint64(s.id))
			sw.uvarint(uint64(line.measure.ID))
			sw.uvarint(uint64(line.mode))
			sw.varint(line.hierID)
			if opts.IncludeCells {
				sw.byte(1)
				sw.uvarint(uint64(line.Len()))
				for i := range line.index {
					sw.varint(line.index[i])
					sw.cell(line.data[i])
				}
				sw.diff(&line.diff, s.levels)
			} else {
				sw.byte(0)
			}
			sw.byte(tagEndRecord)
		}
	}
	sw.byte(tagEnd)
	if sw.err != nil {
		return fmt.Errorf("save engine: %w", sw.err)
	}
	return sw.w.Flush()
}

// Restore replaces the engine's cache with a snapshot written by Save.
// Axis spaces whose radix no longer matches the cube are dropped together
// with their lines.
func (e *Engine) Restore(r io.Reader) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	sr := &snapReader{r: bufio.NewReader(r)}
	magic := sr.raw(len(snapshotMagic))
	if sr.err != nil || string(magic) != snapshotMagic {
		return fmt.Errorf("%w: bad header", ErrBadSnapshot)
	}

	filters := make(map[int]*roaring.Bitmap)
	spaces := make(map[int]*AxisSpace)
	dropped := make(map[int]bool)
	maxID := -1
	ratio := e.completeRatio

	for sr.err == nil {
		switch tag := sr.byte(); tag {
		case tagEngine:
			name := sr.string()
			ratio = math.Float64frombits(sr.uvarint())
			sr.endRecord()
			if sr.err == nil && name != e.cube.Name {
				return fmt.Errorf("%w: snapshot of cube %q", ErrBadSnapshot, name)
			}

		case tagFilter:
			id := int(sr.uvarint())
			set := sr.bitmap()
			sr.endRecord()
			filters[id] = set

		case tagAxisSpace:
			id := int(sr.uvarint())
			n := sr.count(maxSnapshotLevels)
			levels := make([]*cube.Level, 0, n)
			radix := make([]int64, 0, n)
			ok := true
			for i := 0; i < n && sr.err == nil; i++ {
				l, found := e.cube.Level(int(sr.uvarint()))
				radix = append(radix, sr.varint())
				if !found {
					ok = false
					continue
				}
				levels = append(levels, l)
			}
			sr.endRecord()
			if sr.err != nil {
				break
			}
			maxID = max(maxID, id)
			if !ok {
				dropped[id] = true
				continue
			}
			s, err := newAxisSpace(id, levels)
			if err != nil || !slices.Equal(s.radix, radix) {
				dropped[id] = true
				e.logger.Info("snapshot axis space dropped, radix changed", slog.Int("space", id))
				continue
			}
			spaces[id] = s

		case tagDataLine:
			spaceID := int(sr.uvarint())
			measureID := int(sr.uvarint())
			mode := int(sr.uvarint())
			hierID := sr.varint()
			withCells := sr.byte() == 1
			n := 0
			if withCells {
				n = sr.count(maxSnapshotCount)
			}
			if sr.err != nil {
				break
			}
			s, live := spaces[spaceID]
			if !live && !dropped[spaceID] {
				return fmt.Errorf("%w: line of unknown space %d", ErrBadSnapshot, spaceID)
			}
			m, found := e.cube.Measure(measureID)
			var line *DataLine
			if live && found {
				line = s.DataLine(m, mode, hierID)
				line.StartMerge(min(n, 1<<16))
			}
			for i := 0; i < n && sr.err == nil; i++ {
				idx := sr.varint()
				cell := sr.cell()
				if line != nil {
					line.AddData(idx, cell)
				}
			}
			if line != nil {
				line.EndMerge()
			}
			var sat map[int]*roaring.Bitmap
			if withCells {
				sat = sr.diff()
			}
			sr.endRecord()
			if line != nil {
				if sr.err != nil {
					line.ClearData()
				} else {
					line.diff.satisfied = sat
				}
			}

		case tagEnd:
			e.completeRatio = ratio
			e.filters = filters
			e.spacesMu.Lock()
			e.spaces = make(map[string]*AxisSpace, len(spaces))
			e.spacesByID = make(map[int]*AxisSpace, len(spaces))
			for _, s := range spaces {
				e.spaces[s.key] = s
				e.spacesByID[s.id] = s
			}
			e.nextSpaceID = max(e.nextSpaceID, maxID+1)
			e.lastSpace = nil
			e.spacesMu.Unlock()
			e.logger.Debug("engine restored",
				slog.Int("spaces", len(spaces)), slog.Int("dropped", len(dropped)))
			return nil

		default:
			if sr.err == nil {
				return fmt.Errorf("%w: unknown record tag %d", ErrBadSnapshot, tag)
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrBadSnapshot, sr.err)
}

type snapWriter struct {
	w   *bufio.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (w *snapWriter) raw(p []byte) {
	if w.err == nil {
		_, w.err = w.w.Write(p)
	}
}

func (w *snapWriter) byte(b byte) {
	if w.err == nil {
		w.err = w.w.WriteByte(b)
	}
}

func (w *snapWriter) uvarint(v uint64) {
	n := binary.PutUvarint(w.buf[:], v)
	w.raw(w.buf[:n])
}

func (w *snapWriter) varint(v int64) {
	n := binary.PutVarint(w.buf[:], v)
	w.raw(w.buf[:n])
}

func (w *snapWriter) string(s string) {
	w.uvarint(uint64(len(s)))
	w.raw([]byte(s))
}

func (w *snapWriter) bitmap(b *roaring.Bitmap) {
	if b == nil {
		w.uvarint(0)
		return
	}
	data, err := b.ToBytes()
	if err != nil && w.err == nil {
		w.err = err
		return
	}
	w.uvarint(uint64(len(data)) + 1)
	w.raw(data)
}

func (w *snapWriter) cell(c CellData) {
	switch v := c.Value.(type) {
	case nil:
		w.byte(valueNil)
	case string:
		w.byte(valueString)
		w.string(v)
	default:
		f, _ := c.Float()
		w.byte(valueFloat)
		w.uvarint(math.Float64bits(f))
	}
	w.string(c.Formatted)
	w.string(c.Color)
	w.string(c.Font)
}

// diff writes the satisfied sets of d in level order. A nil set (all
// members) is written with length 0.
func (w *snapWriter) diff(d *RequestDiff, levels []*cube.Level) {
	if d.satisfied == nil {
		w.byte(0)
		return
	}
	w.byte(1)
	w.uvarint(uint64(len(levels)))
	for _, l := range levels {
		w.uvarint(uint64(l.ID))
		w.bitmap(d.satisfied[l.ID])
	}
}

type snapReader struct {
	r   *bufio.Reader
	err error
}

// raw reads n bytes. The buffer grows with the input, so a corrupt length
// on a short stream fails without allocating n bytes.
func (r *snapReader) raw(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > maxSnapshotBlob {
		r.err = fmt.Errorf("%w: length %d", ErrBadSnapshot, n)
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(min(n, 4096))
	if _, err := io.CopyN(&buf, r.r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return nil
	}
	return buf.Bytes()
}

// count reads a length or element count and rejects values above limit.
func (r *snapReader) count(limit int) int {
	n := r.uvarint()
	if r.err != nil {
		return 0
	}
	if n > uint64(limit) {
		r.err = fmt.Errorf("%w: count %d exceeds %d", ErrBadSnapshot, n, limit)
		return 0
	}
	return int(n)
}

func (r *snapReader) endRecord() {
	if b := r.byte(); r.err == nil && b != tagEndRecord {
		r.err = fmt.Errorf("%w: record not terminated (tag %d)", ErrBadSnapshot, b)
	}
}

func (r *snapReader) byte() byte {
	if r.err != nil {
		return 0
	}
	var b byte
	b, r.err = r.r.ReadByte()
	return b
}

func (r *snapReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	v, r.err = binary.ReadUvarint(r.r)
	return v
}

func (r *snapReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	var v int64
	v, r.err = binary.ReadVarint(r.r)
	return v
}

func (r *snapReader) string() string {
	n := r.count(maxSnapshotBlob)
	return string(r.raw(n))
}

func (r *snapReader) bitmap() *roaring.Bitmap {
	n := r.count(maxSnapshotBlob + 1)
	if n == 0 || r.err != nil {
		return nil
	}
	data := r.raw(n - 1)
	if r.err != nil {
		return nil
	}
	b := roaring.New()
	if err := b.UnmarshalBinary(data); err != nil {
		r.err = err
		return nil
	}
	return b
}

func (r *snapReader) cell() CellData {
	var c CellData
	switch r.byte() {
	case valueFloat:
		c.Value = math.Float64frombits(r.uvarint())
	case valueString:
		c.Value = r.string()
	}
	c.Formatted = r.string()
	c.Color = r.string()
	c.Font = r.string()
	return c
}

func (r *snapReader) diff() map[int]*roaring.Bitmap {
	if r.byte() == 0 {
		return nil
	}
	n := r.count(maxSnapshotLevels)
	out := make(map[int]*roaring.Bitmap, n)
	for i := 0; i < n && r.err == nil; i++ {
		id := int(r.uvarint())
		out[id] = r.bitmap()
	}
	return out
}
