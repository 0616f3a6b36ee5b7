package milvus

import (
	"testing"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassageColumns(t *testing.T) {
	rows := []PassageRow{
		{PassageID: "p0", DocumentID: "d", Ordinal: 0, Page: 1, Start: 0, End: 10, Content: "revenue", Vector: []float32{1, 0}},
		{PassageID: "p1", DocumentID: "d", Ordinal: 1, Page: 2, Start: 8, End: 20, Content: "assets", Vector: []float32{0, 1}},
	}

	cols, err := passageColumns(rows)
	require.NoError(t, err)
	require.Len(t, cols, 8)

	byName := make(map[string]column.Column, len(cols))
	for _, c := range cols {
		byName[c.Name()] = c
		assert.Equal(t, 2, c.Len(), c.Name())
	}
	assert.Equal(t, []string{"p0", "p1"}, byName[FieldPassageID].(*column.ColumnVarChar).Data())
	assert.Equal(t, []int64{1, 2}, byName[FieldPage].(*column.ColumnInt64).Data())
	assert.Equal(t, []int64{10, 20}, byName[FieldEnd].(*column.ColumnInt64).Data())
}

func TestPassageColumns_DimensionMismatch(t *testing.T) {
	rows := []PassageRow{
		{PassageID: "p0", Vector: []float32{1, 0}},
		{PassageID: "p1", Vector: []float32{1}},
	}
	_, err := passageColumns(rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p1")
}

func TestSetFields(t *testing.T) {
	var r PassageRow
	setString(&r, FieldContent, "net income")
	setString(&r, FieldDocumentID, "doc")
	setInt(&r, FieldOrdinal, 3)
	setInt(&r, FieldStart, 42)
	setInt(&r, "unknown", 9)

	assert.Equal(t, "net income", r.Content)
	assert.Equal(t, "doc", r.DocumentID)
	assert.Equal(t, int64(3), r.Ordinal)
	assert.Equal(t, int64(42), r.Start)
	assert.Zero(t, r.Page)
}

func TestPassageSchema_PassageIDIsPrimaryKey(t *testing.T) {
	schema := passageSchema("fincheck_x", "test", 8)

	assert.False(t, schema.AutoID)
	var primary []string
	for _, f := range schema.Fields {
		if f.PrimaryKey {
			primary = append(primary, f.Name)
			assert.False(t, f.AutoID)
		}
	}
	assert.Equal(t, []string{FieldPassageID}, primary)
}
