package facttable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFastHelpers(t *testing.T) {
	assert.Equal(t, 123.45, fastFloat([]byte("123.45")))
	assert.Equal(t, -2.5, fastFloat([]byte("-2.5")))
	assert.Equal(t, 0.0, fastFloat(nil))
	assert.Equal(t, int32(99), fastInt([]byte("99")))
	assert.Equal(t, int32(202312), fastDate([]byte("2023-12-01")))
	assert.Equal(t, int32(0), fastDate([]byte("2023")))
}

func TestSplitFields(t *testing.T) {
	fields := splitFields(nil, []byte("a,,c\r"))
	assert.Equal(t, [][]byte{[]byte("a"), []byte(""), []byte("c")}, fields)
}

func TestChunkBoundsCoverEveryLineOnce(t *testing.T) {
	content := []byte("l1\nline2\nl3\nlong line four\n5\n")
	for workers := 1; workers <= 8; workers++ {
		bounds := chunkBounds(content, workers)
		var lines []string
		for w := 0; w < workers; w++ {
			eachLine(content[bounds[w]:bounds[w+1]], func(l []byte) { lines = append(lines, string(l)) })
		}
		assert.Equal(t, []string{"l1", "line2", "l3", "long line four", "5"}, lines, "workers=%d", workers)
	}
}
