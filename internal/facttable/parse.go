package facttable

import (
	"bytes"
	"unsafe"
)

func unsafeToString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// fastInt parses "123" -> 123. Non-digits are not checked.
func fastInt(b []byte) int32 {
	var n int32
	for _, c := range b {
		n = n*10 + int32(c-'0')
	}
	return n
}

// fastFloat parses "-123.45" -> -123.45. An empty field is 0.
func fastFloat(b []byte) float64 {
	neg := false
	if len(b) > 0 && b[0] == '-' {
		neg = true
		b = b[1:]
	}
	var num float64
	var i int
	for i < len(b) && b[i] != '.' {
		num = num*10 + float64(b[i]-'0')
		i++
	}
	if i < len(b) {
		i++
		div := 10.0
		for i < len(b) {
			num += float64(b[i]-'0') / div
			div *= 10
			i++
		}
	}
	if neg {
		return -num
	}
	return num
}

// fastDate parses "2021-07-25" -> 202107 (YYYYMM). Shorter fields give 0.
func fastDate(b []byte) int32 {
	if len(b) < 7 {
		return 0
	}
	y := fastInt(b[0:4])
	m := fastInt(b[5:7])
	return y*100 + m
}

// splitFields cuts a CSV line on commas into dst, reusing its storage.
// Quoting is not supported.
func splitFields(dst [][]byte, line []byte) [][]byte {
	dst = dst[:0]
	sep := []byte{','}
	for {
		field, rest, found := bytes.Cut(line, sep)
		dst = append(dst, bytes.TrimRight(field, "\r"))
		if !found {
			return dst
		}
		line = rest
	}
}

// chunkBounds splits content into n newline-aligned chunks. Chunk i is
// content[b[i]:b[i+1]].
func chunkBounds(content []byte, n int) []int {
	bounds := make([]int, n+1)
	size := len(content) / n
	for i := 1; i < n; i++ {
		pos := max(i*size, bounds[i-1])
		if pos < len(content) {
			if j := bytes.IndexByte(content[pos:], '\n'); j != -1 {
				pos += j + 1
			} else {
				pos = len(content)
			}
		}
		bounds[i] = min(pos, len(content))
	}
	bounds[n] = len(content)
	return bounds
}

// eachLine calls fn for every non-empty line of chunk.
func eachLine(chunk []byte, fn func(line []byte)) {
	pos := 0
	for pos < len(chunk) {
		next := len(chunk)
		if i := bytes.IndexByte(chunk[pos:], '\n'); i != -1 {
			next = pos + i
		}
		line := chunk[pos:next]
		pos = next + 1
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			continue
		}
		fn(line)
	}
}
