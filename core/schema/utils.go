package schema

// FindField returns the named field from a field list, or nil.
func FindField(fields []*FieldSchema, name string) *FieldSchema {
	for _, field := range fields {
		if field.Name == name {
			return field
		}
	}
	return nil
}

// RelationsTo returns the relation fields of c that target the named collection.
func RelationsTo(c *Collection, target string) []*FieldSchema {
	var out []*FieldSchema
	for _, f := range c.Fields {
		if f.Type == FieldTypeRelation && f.Relation != nil && f.Relation.Collection == target {
			out = append(out, f)
		}
	}
	return out
}
