package schema

// ColumnKind is the dialect-neutral storage class of a column.
type ColumnKind string

const (
	ColumnText      ColumnKind = "text"
	ColumnVarchar   ColumnKind = "varchar"
	ColumnFloat     ColumnKind = "float"
	ColumnBool      ColumnKind = "bool"
	ColumnDate      ColumnKind = "date"
	ColumnTimestamp ColumnKind = "timestamp"
	ColumnID        ColumnKind = "id"
	ColumnJSON      ColumnKind = "json"
)

// IDLength is the length of server generated ids (canonical uuid form).
const IDLength = 36

const boundedStringLimit = 255

// ColumnDescriptor is the compiled, physical description of one column.
type ColumnDescriptor struct {
	Name       string
	Kind       ColumnKind
	Size       int
	PrimaryKey bool
	NotNull    bool
	Indexed    bool
	Unique     bool
}

// SystemColumns are the columns every table-backed collection starts with.
func SystemColumns() []ColumnDescriptor {
	return []ColumnDescriptor{
		{Name: FieldID, Kind: ColumnID, Size: IDLength, PrimaryKey: true, NotNull: true},
		{Name: FieldCreated, Kind: ColumnTimestamp, NotNull: true},
		{Name: FieldUpdated, Kind: ColumnTimestamp, NotNull: true},
	}
}

// Compile maps a field list onto column descriptors. The result is a pure
// function of its input: compiling the same list twice yields the same columns.
func Compile(fields []*FieldSchema) []ColumnDescriptor {
	columns := SystemColumns()
	for _, f := range fields {
		columns = append(columns, CompileField(f))
	}
	return columns
}

// CompileField maps a single field onto its column.
func CompileField(f *FieldSchema) ColumnDescriptor {
	col := ColumnDescriptor{Name: f.Name, Unique: f.Validation.Unique}

	switch f.Type {
	case FieldTypeText, FieldTypeEditor:
		if f.Validation.MaxLength != nil && *f.Validation.MaxLength > 0 && *f.Validation.MaxLength <= boundedStringLimit {
			col.Kind, col.Size = ColumnVarchar, *f.Validation.MaxLength
		} else {
			col.Kind = ColumnText
		}
	case FieldTypeNumber:
		col.Kind = ColumnFloat
	case FieldTypeBool:
		col.Kind = ColumnBool
	case FieldTypeEmail, FieldTypeURL:
		col.Kind, col.Size = ColumnVarchar, boundedStringLimit
	case FieldTypeDate:
		col.Kind = ColumnDate
	case FieldTypeDateTime:
		col.Kind = ColumnTimestamp
	case FieldTypeRelation:
		col.Indexed = true
		if f.IsMultiple() {
			col.Kind = ColumnJSON
		} else {
			col.Kind, col.Size = ColumnID, IDLength
		}
	case FieldTypeSelect:
		if f.IsMultiple() {
			col.Kind = ColumnJSON
		} else {
			col.Kind = ColumnText
		}
	case FieldTypeFile, FieldTypeJSON, FieldTypeGeoPoint:
		col.Kind = ColumnJSON
	default:
		col.Kind = ColumnText
	}
	return col
}

// IndexName returns the deterministic name of a field's secondary index.
func IndexName(table string, col ColumnDescriptor) string {
	if col.Unique {
		return "uq_" + table + "_" + col.Name
	}
	return "idx_" + table + "_" + col.Name
}

// NeedsIndex reports whether the column gets a secondary index.
func (c ColumnDescriptor) NeedsIndex() bool {
	return !c.PrimaryKey && (c.Unique || c.Indexed)
}
