// Package schema defines the declarative model of a collection: its fields, their
// validation rules and type-specific options. It also contains the pure schema
// compiler that turns a field list into column descriptors and the diff used to
// migrate a table between two field lists.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// FieldType represents the field types a collection can declare.
type FieldType string

const (
	FieldTypeText     FieldType = "text"     // Plain text
	FieldTypeNumber   FieldType = "number"   // Floating point number
	FieldTypeBool     FieldType = "bool"     // True/false
	FieldTypeEmail    FieldType = "email"    // Email address
	FieldTypeURL      FieldType = "url"      // Absolute URL
	FieldTypeDate     FieldType = "date"     // Calendar date, YYYY-MM-DD
	FieldTypeDateTime FieldType = "datetime" // Timestamp, stored in UTC
	FieldTypeSelect   FieldType = "select"   // One or more values from a fixed list
	FieldTypeFile     FieldType = "file"     // Opaque file ids
	FieldTypeRelation FieldType = "relation" // Id(s) of records in another collection
	FieldTypeJSON     FieldType = "json"     // Arbitrary JSON value
	FieldTypeEditor   FieldType = "editor"   // Rich text
	FieldTypeGeoPoint FieldType = "geopoint" // {lat, lng[, alt]}
)

var fieldTypes = map[FieldType]struct{}{
	FieldTypeText: {}, FieldTypeNumber: {}, FieldTypeBool: {}, FieldTypeEmail: {},
	FieldTypeURL: {}, FieldTypeDate: {}, FieldTypeDateTime: {}, FieldTypeSelect: {},
	FieldTypeFile: {}, FieldTypeRelation: {}, FieldTypeJSON: {}, FieldTypeEditor: {},
	FieldTypeGeoPoint: {},
}

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	_, ok := fieldTypes[t]
	return ok
}

// CollectionKind distinguishes table-backed collections from view collections.
type CollectionKind string

const (
	CollectionKindBase CollectionKind = "base"
	CollectionKindAuth CollectionKind = "auth"
	CollectionKindView CollectionKind = "view"
)

// Cardinality describes how many records a relation field can reference.
type Cardinality string

const (
	CardinalityOneToMany   Cardinality = "one_to_many"
	CardinalityManyToOne   Cardinality = "many_to_one"
	CardinalityManyToMany  Cardinality = "many_to_many"
	CardinalityOneToOne    Cardinality = "one_to_one"
	CardinalityPolymorphic Cardinality = "polymorphic"
)

// CascadePolicy decides what happens to referencing records when the
// referenced record is deleted.
type CascadePolicy string

const (
	CascadeDelete   CascadePolicy = "cascade"
	CascadeSetNull  CascadePolicy = "set_null"
	CascadeRestrict CascadePolicy = "restrict"
	CascadeNoAction CascadePolicy = "no_action"
)

// Operation names the five rule-gated record operations.
type Operation string

const (
	OperationList   Operation = "list"
	OperationView   Operation = "view"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// System column names present on every table-backed collection.
const (
	FieldID      = "id"
	FieldCreated = "created"
	FieldUpdated = "updated"
	FieldExpand  = "expand"
)

// TimeLayout is the fixed-width UTC layout used for created/updated and datetime
// values. Fixed width keeps lexical and chronological order identical.
const TimeLayout = "2006-01-02 15:04:05.000Z"

// DateLayout is the layout accepted and stored for date fields.
const DateLayout = "2006-01-02"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reservedNames = map[string]struct{}{
	FieldID: {}, FieldCreated: {}, FieldUpdated: {}, FieldExpand: {},
	"rowid": {}, "_rowid": {}, "collection_id": {}, "collection_name": {},
}

// IsIdentifier reports whether name is safe to interpolate into DDL.
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// IsReserved reports whether name is used by the engine itself.
func IsReserved(name string) bool {
	_, ok := reservedNames[strings.ToLower(name)]
	return ok
}

// Validation holds the generic validation rules of a field.
type Validation struct {
	Required  bool     `json:"required,omitempty"`
	Unique    bool     `json:"unique,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Values    []string `json:"values,omitempty"`
}

// JunctionTable describes the collection linking both sides of a many-to-many
// relation. SourceField references the owning record, TargetField the related one.
type JunctionTable struct {
	Collection  string `json:"collection"`
	SourceField string `json:"source_field"`
	TargetField string `json:"target_field"`
}

// RelationOptions configures a relation field.
type RelationOptions struct {
	Collection    string         `json:"collection"`
	Cardinality   Cardinality    `json:"cardinality,omitempty"`
	CascadeDelete CascadePolicy  `json:"cascade_delete,omitempty"`
	DisplayFields []string       `json:"display_fields,omitempty"`
	MaxDepth      int            `json:"max_depth,omitempty"`
	Junction      *JunctionTable `json:"junction,omitempty"`
	// TypeField names the sibling field holding the target collection name of a
	// polymorphic relation.
	TypeField string `json:"type_field,omitempty"`
}

// SelectOptions configures a select field.
type SelectOptions struct {
	Values    []string `json:"values,omitempty"`
	MaxSelect int      `json:"max_select,omitempty"`
}

// FileOptions configures a file field. The engine stores ids only; size and mime
// limits are enforced by the file storage collaborator.
type FileOptions struct {
	MaxSize   int64    `json:"max_size,omitempty"`
	MimeTypes []string `json:"mime_types,omitempty"`
	MaxSelect int      `json:"max_select,omitempty"`
}

// GeoPointOptions narrows the accepted coordinates of a geopoint field.
type GeoPointOptions struct {
	MinLat          *float64 `json:"min_lat,omitempty"`
	MaxLat          *float64 `json:"max_lat,omitempty"`
	MinLng          *float64 `json:"min_lng,omitempty"`
	MaxLng          *float64 `json:"max_lng,omitempty"`
	RequireAltitude bool     `json:"require_altitude,omitempty"`
}

// JSONOptions optionally constrains a json field with a JSON Schema document.
type JSONOptions struct {
	Schema json.RawMessage `json:"schema,omitempty"`
}

// FieldSchema is the declarative definition of one collection field.
type FieldSchema struct {
	Name        string           `json:"name"`
	Type        FieldType        `json:"type"`
	System      bool             `json:"system,omitempty"`
	Description string           `json:"description,omitempty"`
	Validation  Validation       `json:"validation"`
	Relation    *RelationOptions `json:"relation,omitempty"`
	Select      *SelectOptions   `json:"select,omitempty"`
	File        *FileOptions     `json:"file,omitempty"`
	GeoPoint    *GeoPointOptions `json:"geopoint,omitempty"`
	JSON        *JSONOptions     `json:"json,omitempty"`
}

// IsMultiple reports whether the field stores a list of values.
func (f *FieldSchema) IsMultiple() bool {
	switch f.Type {
	case FieldTypeFile:
		return f.File == nil || f.File.MaxSelect != 1
	case FieldTypeSelect:
		return f.Select != nil && f.Select.MaxSelect > 1
	case FieldTypeRelation:
		if f.Relation == nil {
			return false
		}
		return f.Relation.Cardinality == CardinalityOneToMany || f.Relation.Cardinality == CardinalityManyToMany
	}
	return false
}

// IsTextLike reports whether empty strings normalize to null for this field.
func (f *FieldSchema) IsTextLike() bool {
	switch f.Type {
	case FieldTypeText, FieldTypeEditor, FieldTypeEmail, FieldTypeURL,
		FieldTypeDate, FieldTypeDateTime, FieldTypeSelect, FieldTypeRelation:
		return true
	}
	return false
}

// IsSearchable reports whether the field takes part in the default search.
func (f *FieldSchema) IsSearchable() bool {
	switch f.Type {
	case FieldTypeText, FieldTypeEditor, FieldTypeEmail, FieldTypeURL:
		return true
	}
	return false
}

// AllowedValues returns the allowed value list, preferring select options.
func (f *FieldSchema) AllowedValues() []string {
	if f.Select != nil && len(f.Select.Values) > 0 {
		return f.Select.Values
	}
	return f.Validation.Values
}

// Cascade returns the delete policy of a relation field, defaulting to no_action.
func (f *FieldSchema) Cascade() CascadePolicy {
	if f.Relation == nil || f.Relation.CascadeDelete == "" {
		return CascadeNoAction
	}
	return f.Relation.CascadeDelete
}

// Clone returns a deep copy of the field.
func (f *FieldSchema) Clone() *FieldSchema {
	data, _ := json.Marshal(f)
	var out FieldSchema
	_ = json.Unmarshal(data, &out)
	return &out
}

// Collection is the metadata entity describing a set of records.
type Collection struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Kind       CollectionKind `json:"kind"`
	Fields     []*FieldSchema `json:"fields"`
	Options    map[string]any `json:"options,omitempty"`
	ListRule   string         `json:"list_rule,omitempty"`
	ViewRule   string         `json:"view_rule,omitempty"`
	CreateRule string         `json:"create_rule,omitempty"`
	UpdateRule string         `json:"update_rule,omitempty"`
	DeleteRule string         `json:"delete_rule,omitempty"`
	System     bool           `json:"system,omitempty"`
	ViewQuery  string         `json:"view_query,omitempty"`
	Created    string         `json:"created,omitempty"`
	Updated    string         `json:"updated,omitempty"`
}

// Record is the generic row representation: field name to decoded value.
type Record map[string]any

// ID returns the record id or an empty string.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// Field returns the field with the given name, or nil.
func (c *Collection) Field(name string) *FieldSchema {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FieldNames returns the declared field names in order.
func (c *Collection) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		names = append(names, f.Name)
	}
	return names
}

// IsView reports whether the collection is backed by a SQL view.
func (c *Collection) IsView() bool {
	return c.Kind == CollectionKindView
}

// Rule returns the rule string guarding op.
func (c *Collection) Rule(op Operation) string {
	switch op {
	case OperationList:
		return c.ListRule
	case OperationView:
		return c.ViewRule
	case OperationCreate:
		return c.CreateRule
	case OperationUpdate:
		return c.UpdateRule
	case OperationDelete:
		return c.DeleteRule
	}
	return ""
}

// Rules returns all five rules keyed by operation.
func (c *Collection) Rules() map[Operation]string {
	return map[Operation]string{
		OperationList:   c.ListRule,
		OperationView:   c.ViewRule,
		OperationCreate: c.CreateRule,
		OperationUpdate: c.UpdateRule,
		OperationDelete: c.DeleteRule,
	}
}

// Clone returns a deep copy of the collection.
func (c *Collection) Clone() *Collection {
	data, _ := json.Marshal(c)
	var out Collection
	_ = json.Unmarshal(data, &out)
	return &out
}

// AuthFields are the system fields every auth collection carries.
func AuthFields() []*FieldSchema {
	return []*FieldSchema{
		{Name: "email", Type: FieldTypeEmail, System: true, Validation: Validation{Required: true, Unique: true}},
		{Name: "verified", Type: FieldTypeBool, System: true},
	}
}

// Normalize fills defaults: the base kind, the auth system fields and relation
// cardinality.
func (c *Collection) Normalize() {
	if c.Kind == "" {
		c.Kind = CollectionKindBase
	}
	if c.Kind == CollectionKindAuth {
		for _, af := range AuthFields() {
			if c.Field(af.Name) == nil {
				c.Fields = append(c.Fields, af)
			}
		}
	}
	for _, f := range c.Fields {
		if f.Type == FieldTypeRelation && f.Relation != nil && f.Relation.Cardinality == "" {
			f.Relation.Cardinality = CardinalityManyToOne
		}
	}
}

// Validate checks the structural soundness of the collection definition. It
// does not check that relation targets exist; that needs the metadata store.
func (c *Collection) Validate() []string {
	var problems []string
	if !IsIdentifier(c.Name) {
		problems = append(problems, fmt.Sprintf("collection name %q is not a valid identifier", c.Name))
	}
	switch c.Kind {
	case CollectionKindBase, CollectionKindAuth:
	case CollectionKindView:
		if err := ValidateViewQuery(c.ViewQuery); err != nil {
			problems = append(problems, err.Error())
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown collection kind %q", c.Kind))
	}

	seen := make(map[string]struct{}, len(c.Fields))
	for i, f := range c.Fields {
		if f == nil {
			problems = append(problems, fmt.Sprintf("field %d is empty", i))
			continue
		}
		if !IsIdentifier(f.Name) {
			problems = append(problems, fmt.Sprintf("field name %q is not a valid identifier", f.Name))
		}
		if IsReserved(f.Name) {
			problems = append(problems, fmt.Sprintf("field name %q is reserved", f.Name))
		}
		key := strings.ToLower(f.Name)
		if _, dup := seen[key]; dup {
			problems = append(problems, fmt.Sprintf("duplicate field name %q", f.Name))
		}
		seen[key] = struct{}{}

		if !f.Type.IsValid() {
			problems = append(problems, fmt.Sprintf("field %q has unknown type %q", f.Name, f.Type))
			continue
		}
		problems = append(problems, validateFieldOptions(f)...)
	}
	return problems
}

func validateFieldOptions(f *FieldSchema) []string {
	var problems []string
	if f.Validation.Pattern != "" {
		if _, err := regexp.Compile(f.Validation.Pattern); err != nil {
			problems = append(problems, fmt.Sprintf("field %q has an invalid pattern: %v", f.Name, err))
		}
	}
	switch f.Type {
	case FieldTypeRelation:
		if f.Relation == nil {
			return append(problems, fmt.Sprintf("relation field %q needs relation options", f.Name))
		}
		if f.Relation.Cardinality != CardinalityPolymorphic && !IsIdentifier(f.Relation.Collection) {
			problems = append(problems, fmt.Sprintf("relation field %q targets invalid collection %q", f.Name, f.Relation.Collection))
		}
		if f.Relation.Cardinality == CardinalityPolymorphic && f.Relation.TypeField == "" {
			problems = append(problems, fmt.Sprintf("polymorphic relation %q needs a type_field", f.Name))
		}
		switch f.Cascade() {
		case CascadeDelete, CascadeSetNull, CascadeRestrict, CascadeNoAction:
		default:
			problems = append(problems, fmt.Sprintf("relation field %q has unknown cascade policy %q", f.Name, f.Relation.CascadeDelete))
		}
		if j := f.Relation.Junction; j != nil {
			if !IsIdentifier(j.Collection) || !IsIdentifier(j.SourceField) || !IsIdentifier(j.TargetField) {
				problems = append(problems, fmt.Sprintf("relation field %q has an invalid junction descriptor", f.Name))
			}
		}
	case FieldTypeSelect:
		if len(f.AllowedValues()) == 0 {
			problems = append(problems, fmt.Sprintf("select field %q needs at least one value", f.Name))
		}
	case FieldTypeJSON:
		if f.JSON != nil && len(f.JSON.Schema) > 0 && !json.Valid(f.JSON.Schema) {
			problems = append(problems, fmt.Sprintf("json field %q has an invalid schema document", f.Name))
		}
	}
	return problems
}

// ValidateViewQuery accepts a single SELECT statement.
func ValidateViewQuery(q string) error {
	trimmed := strings.TrimSpace(q)
	if trimmed == "" {
		return fmt.Errorf("view collections need a view_query")
	}
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return fmt.Errorf("view_query must be a SELECT statement")
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("view_query must be a single statement")
	}
	return nil
}
