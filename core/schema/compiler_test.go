package schema

import (
	"testing"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/stretchr/testify/assert"
)

func TestCompileField(t *testing.T) {
	tests := []struct {
		name     string
		field    *FieldSchema
		expected ColumnDescriptor
	}{
		{
			name:     "short text is bounded",
			field:    &FieldSchema{Name: "title", Type: FieldTypeText, Validation: Validation{MaxLength: core.IntPtr(120)}},
			expected: ColumnDescriptor{Name: "title", Kind: ColumnVarchar, Size: 120},
		},
		{
			name:     "long text is unbounded",
			field:    &FieldSchema{Name: "body", Type: FieldTypeEditor, Validation: Validation{MaxLength: core.IntPtr(5000)}},
			expected: ColumnDescriptor{Name: "body", Kind: ColumnText},
		},
		{
			name:     "text without limit",
			field:    &FieldSchema{Name: "note", Type: FieldTypeText},
			expected: ColumnDescriptor{Name: "note", Kind: ColumnText},
		},
		{
			name:     "number",
			field:    &FieldSchema{Name: "price", Type: FieldTypeNumber},
			expected: ColumnDescriptor{Name: "price", Kind: ColumnFloat},
		},
		{
			name:     "unique email",
			field:    &FieldSchema{Name: "email", Type: FieldTypeEmail, Validation: Validation{Unique: true}},
			expected: ColumnDescriptor{Name: "email", Kind: ColumnVarchar, Size: 255, Unique: true},
		},
		{
			name:     "single relation",
			field:    &FieldSchema{Name: "author", Type: FieldTypeRelation, Relation: &RelationOptions{Collection: "users", Cardinality: CardinalityManyToOne}},
			expected: ColumnDescriptor{Name: "author", Kind: ColumnID, Size: IDLength, Indexed: true},
		},
		{
			name:     "multi relation",
			field:    &FieldSchema{Name: "tags", Type: FieldTypeRelation, Relation: &RelationOptions{Collection: "tags", Cardinality: CardinalityManyToMany}},
			expected: ColumnDescriptor{Name: "tags", Kind: ColumnJSON, Indexed: true},
		},
		{
			name:     "single select",
			field:    &FieldSchema{Name: "status", Type: FieldTypeSelect, Select: &SelectOptions{Values: []string{"a"}}},
			expected: ColumnDescriptor{Name: "status", Kind: ColumnText},
		},
		{
			name:     "multi select",
			field:    &FieldSchema{Name: "labels", Type: FieldTypeSelect, Select: &SelectOptions{Values: []string{"a", "b"}, MaxSelect: 2}},
			expected: ColumnDescriptor{Name: "labels", Kind: ColumnJSON},
		},
		{
			name:     "datetime",
			field:    &FieldSchema{Name: "published", Type: FieldTypeDateTime},
			expected: ColumnDescriptor{Name: "published", Kind: ColumnTimestamp},
		},
		{
			name:     "geopoint",
			field:    &FieldSchema{Name: "location", Type: FieldTypeGeoPoint},
			expected: ColumnDescriptor{Name: "location", Kind: ColumnJSON},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CompileField(tt.field))
		})
	}
}

func TestCompile_Idempotent(t *testing.T) {
	fields := []*FieldSchema{
		{Name: "title", Type: FieldTypeText, Validation: Validation{Required: true, MaxLength: core.IntPtr(80)}},
		{Name: "price", Type: FieldTypeNumber},
		{Name: "author", Type: FieldTypeRelation, Relation: &RelationOptions{Collection: "users"}},
		{Name: "meta", Type: FieldTypeJSON},
	}

	first := Compile(fields)
	second := Compile(fields)
	assert.Equal(t, first, second)
	assert.Len(t, first, len(fields)+3)
	assert.Equal(t, FieldID, first[0].Name)
	assert.True(t, first[0].PrimaryKey)
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "uq_posts_slug", IndexName("posts", ColumnDescriptor{Name: "slug", Unique: true}))
	assert.Equal(t, "idx_posts_author", IndexName("posts", ColumnDescriptor{Name: "author", Indexed: true}))
	assert.False(t, ColumnDescriptor{Name: "id", PrimaryKey: true, Unique: true}.NeedsIndex())
}
