package schema

// SchemaDiff is the by-name difference between two field lists. Renames are not
// detected: a renamed field shows up as one removal and one addition.
type SchemaDiff struct {
	Added   []*FieldSchema
	Removed []*FieldSchema
	// Reindexed holds surviving fields whose index requirement changed.
	Reindexed []FieldChange
}

// FieldChange pairs the old and new definition of a surviving field.
type FieldChange struct {
	Old *FieldSchema
	New *FieldSchema
}

// IsEmpty reports whether the diff requires no physical change.
func (d SchemaDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Reindexed) == 0
}

// MigrationOp names the physical step that failed.
type MigrationOp string

const (
	MigrationOpAdd     MigrationOp = "add"
	MigrationOpDrop    MigrationOp = "drop"
	MigrationOpReindex MigrationOp = "reindex"
	MigrationOpView    MigrationOp = "view"
)

// MigrationFailure records one column-level step that could not be applied.
type MigrationFailure struct {
	Field string      `json:"field"`
	Op    MigrationOp `json:"op"`
	Error string      `json:"error"`
}

// MigrationReport is the outcome of a best-effort migration. A non-empty Failed
// list means the migration was partial; the caller decides whether that is fatal.
type MigrationReport struct {
	Added   []string           `json:"added"`
	Removed []string           `json:"removed"`
	Failed  []MigrationFailure `json:"failed"`
}

// NewMigrationReport returns a report with empty, non-nil lists.
func NewMigrationReport() *MigrationReport {
	return &MigrationReport{Added: []string{}, Removed: []string{}, Failed: []MigrationFailure{}}
}

// Partial reports whether any step failed.
func (r *MigrationReport) Partial() bool {
	return len(r.Failed) > 0
}

// Fail records a failed step.
func (r *MigrationReport) Fail(field string, op MigrationOp, err error) {
	r.Failed = append(r.Failed, MigrationFailure{Field: field, Op: op, Error: err.Error()})
}

// Diff compares two field lists by name. Output order follows the input lists.
func Diff(oldFields, newFields []*FieldSchema) SchemaDiff {
	oldByName := make(map[string]*FieldSchema, len(oldFields))
	for _, f := range oldFields {
		oldByName[f.Name] = f
	}
	newByName := make(map[string]*FieldSchema, len(newFields))
	for _, f := range newFields {
		newByName[f.Name] = f
	}

	var diff SchemaDiff
	for _, f := range newFields {
		old, ok := oldByName[f.Name]
		if !ok {
			diff.Added = append(diff.Added, f)
			continue
		}
		oc, nc := CompileField(old), CompileField(f)
		if oc.NeedsIndex() != nc.NeedsIndex() || oc.Unique != nc.Unique {
			diff.Reindexed = append(diff.Reindexed, FieldChange{Old: old, New: f})
		}
	}
	for _, f := range oldFields {
		if _, ok := newByName[f.Name]; !ok {
			diff.Removed = append(diff.Removed, f)
		}
	}
	return diff
}
