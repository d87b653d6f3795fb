package materialize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeByKeyKeepsLast(t *testing.T) {
	rows := []map[string]any{
		{"id": "a", "v": 1},
		{"id": "b", "v": 2},
		{"id": "a", "v": 3},
	}
	out := dedupeByKey(rows, "id")

	assert.Len(t, out, 2)
	assert.Equal(t, 3, out[0]["v"])
	assert.Equal(t, 2, out[1]["v"])
}

func TestSplitByOpDefaultsToUpdate(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "op": "I"},
		{"id": 2, "op": "D"},
		{"id": 3, "op": ""},
		{"id": 4},
	}
	groups := splitByOp(rows, "op")

	assert.Len(t, groups["I"], 1)
	assert.Len(t, groups["D"], 1)
	assert.Len(t, groups["U"], 2)
}

func TestNormalizeOps(t *testing.T) {
	rows := []map[string]any{
		{"id": 1, "op": "I"},
		{"id": 2, "op": nil},
	}
	out := normalizeOps(rows, "op")

	assert.Equal(t, "I", out[0]["op"])
	assert.Equal(t, "U", out[1]["op"])
	// the input row is untouched
	assert.Nil(t, rows[1]["op"])
}

func TestKeyValues(t *testing.T) {
	rows := []map[string]any{{"id": "x"}, {"id": "y"}}
	assert.Equal(t, []any{"x", "y"}, keyValues(rows, "id"))
}

func TestWithoutColumnsCopies(t *testing.T) {
	rows := []map[string]any{{"id": 1, "meta": "z"}}
	out := withoutColumns(rows, "meta")

	assert.Equal(t, map[string]any{"id": 1}, out[0])
	assert.Equal(t, "z", rows[0]["meta"])
}

func TestWithColumnCopies(t *testing.T) {
	rows := []map[string]any{{"id": 1}}
	out := withColumn(rows, "flag", true)

	assert.Equal(t, true, out[0]["flag"])
	_, ok := rows[0]["flag"]
	assert.False(t, ok)
}

func TestBatch(t *testing.T) {
	items := make([]int, 2500)
	groups := batch(items, 1000)

	assert.Len(t, groups, 3)
	assert.Len(t, groups[0], 1000)
	assert.Len(t, groups[2], 500)

	assert.Nil(t, batch([]int{}, 1000))
	assert.Len(t, batch([]int{1, 2}, 10), 1)
}

func TestInsertColumnsOrder(t *testing.T) {
	cols := insertColumns([]string{"id", "__CDC_TIMESTAMP", "name", "obsolete_date"})
	assert.Equal(t, []string{"id", "name", "__CDC_TIMESTAMP", "obsolete_date"}, cols)
}
