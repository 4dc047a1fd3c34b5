package sqlstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

var jsonSegment = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Generator translates resolved queries into dialect SQL. It implements
// query.QueryGenerator and also builds the write statements.
type Generator struct {
	dialect Dialect
	table   func(name string) string
}

var _ query.QueryGenerator = (*Generator)(nil)

// NewGenerator creates a Generator. table maps a collection name onto its
// physical table name.
func NewGenerator(dialect Dialect, table func(name string) string) *Generator {
	if table == nil {
		table = func(name string) string { return name }
	}
	return &Generator{dialect: dialect, table: table}
}

// statement accumulates bind parameters and table aliases while one SQL
// statement is generated.
type statement struct {
	g       *Generator
	params  []any
	aliases int
}

func (g *Generator) newStatement() *statement {
	return &statement{g: g}
}

func (s *statement) arg(v any) string {
	s.params = append(s.params, v)
	return s.g.dialect.Placeholder(len(s.params))
}

func (s *statement) alias(prefix string) string {
	s.aliases++
	return fmt.Sprintf("%s%d", prefix, s.aliases)
}

func (s *statement) from(c *schema.Collection) string {
	return QuoteIdentifier(s.g.table(c.Name)) + " AS t0"
}

func column(alias, name string) string {
	return alias + "." + QuoteIdentifier(name)
}

// SelectSQL builds the paginated, sorted SELECT for a collection.
func (g *Generator) SelectSQL(c *schema.Collection, dsl *query.QueryDSL) (string, []any, error) {
	if dsl == nil {
		dsl = &query.QueryDSL{}
	}
	s := g.newStatement()

	var sb strings.Builder
	sb.WriteString("SELECT t0.* FROM " + s.from(c))

	if dsl.Filters != nil {
		where, err := s.where(c, "t0", dsl.Filters)
		if err != nil {
			return "", nil, err
		}
		if where != "" {
			sb.WriteString(" WHERE " + where)
		}
	}

	order, err := s.orderBy(c, dsl.Sort)
	if err != nil {
		return "", nil, err
	}
	if len(order) > 0 {
		sb.WriteString(" ORDER BY " + strings.Join(order, ", "))
	}

	if p := dsl.Pagination; p != nil {
		offset := 0
		if p.Offset != nil {
			offset = *p.Offset
		}
		sb.WriteString(g.dialect.LimitOffset(p.Limit, offset))
	}
	return sb.String(), s.params, nil
}

// CountSQL builds the COUNT(*) counterpart of SelectSQL.
func (g *Generator) CountSQL(c *schema.Collection, dsl *query.QueryDSL) (string, []any, error) {
	s := g.newStatement()
	sql := "SELECT COUNT(*) FROM " + s.from(c)
	if dsl != nil && dsl.Filters != nil {
		where, err := s.where(c, "t0", dsl.Filters)
		if err != nil {
			return "", nil, err
		}
		if where != "" {
			sql += " WHERE " + where
		}
	}
	return sql, s.params, nil
}

func (s *statement) orderBy(c *schema.Collection, sorts []query.SortConfiguration) ([]string, error) {
	if len(sorts) == 0 {
		if c.IsView() {
			return nil, nil
		}
		return []string{
			column("t0", schema.FieldCreated) + " DESC",
			column("t0", s.g.dialect.RowIDColumn()) + " DESC",
		}, nil
	}

	out := make([]string, 0, len(sorts))
	for _, cfg := range sorts {
		dir := "ASC"
		switch cfg.Direction {
		case query.SortDirectionDesc:
			dir = "DESC"
		case query.SortDirectionAsc, "":
		default:
			return nil, core.BadRequest("invalid sort direction %q", cfg.Direction)
		}

		var expr string
		switch cfg.Field {
		case query.SortRandom:
			out = append(out, s.g.dialect.RandomFunc())
			continue
		case query.SortRowID:
			if c.IsView() {
				return nil, core.BadRequest("view %q has no insertion order", c.Name)
			}
			expr = column("t0", s.g.dialect.RowIDColumn())
		default:
			path, err := s.path(c, cfg.Field, cfg.Path)
			if err != nil {
				return nil, err
			}
			for _, hop := range path.Hops {
				if hop.Field.IsMultiple() {
					return nil, core.BadRequest("cannot sort by %q: %q holds many records", cfg.Field, hop.Field.Name)
				}
			}
			if expr, err = s.sortExpr("t0", path.Hops, path); err != nil {
				return nil, err
			}
		}
		out = append(out, expr+" "+dir)
	}
	return out, nil
}

// sortExpr renders a scalar correlated subquery per relation hop, so sorting
// through a relation never multiplies rows.
func (s *statement) sortExpr(alias string, hops []query.RelationHop, path *query.FieldPath) (string, error) {
	if len(hops) == 0 {
		return s.leaf(alias, path)
	}
	hop := hops[0]
	inner := s.alias("t")
	value, err := s.sortExpr(inner, hops[1:], path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s = %s LIMIT 1)",
		value, QuoteIdentifier(s.g.table(hop.Target.Name)), inner,
		column(inner, schema.FieldID), column(alias, hop.Field.Name)), nil
}

// path returns the resolved path of a field reference. References that were
// not resolved by the store are plain columns of c.
func (s *statement) path(c *schema.Collection, field string, resolved *query.FieldPath) (*query.FieldPath, error) {
	if resolved != nil {
		return resolved, nil
	}
	return query.ResolvePath(c, field, func(name string) (*schema.Collection, error) {
		return nil, core.BadRequest("relation paths must be resolved before SQL generation")
	})
}

// leaf renders the column, or the JSON extraction, a path ends in.
func (s *statement) leaf(alias string, path *query.FieldPath) (string, error) {
	expr := column(alias, path.Name)
	if len(path.JSONPath) == 0 {
		return expr, nil
	}
	for _, seg := range path.JSONPath {
		if !jsonSegment.MatchString(seg) {
			return "", core.BadRequest("invalid json path segment %q", seg)
		}
	}
	return s.g.dialect.JSONExtract(expr, path.JSONPath), nil
}

func (s *statement) where(c *schema.Collection, alias string, f *query.QueryFilter) (string, error) {
	if f.Condition != nil {
		return s.condition(c, alias, f.Condition)
	}
	if f.Group == nil {
		return "", core.BadRequest("invalid filter structure: neither condition nor group is set")
	}
	var op string
	switch f.Group.Operator {
	case query.LogicalOperatorAnd:
		op = " AND "
	case query.LogicalOperatorOr:
		op = " OR "
	default:
		return "", core.BadRequest("unknown logical operator %q", f.Group.Operator)
	}
	clauses := make([]string, 0, len(f.Group.Conditions))
	for i := range f.Group.Conditions {
		clause, err := s.where(c, alias, &f.Group.Conditions[i])
		if err != nil {
			return "", err
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}
	switch len(clauses) {
	case 0:
		return "", nil
	case 1:
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, op) + ")", nil
}

func (s *statement) condition(c *schema.Collection, alias string, cond *query.FilterCondition) (string, error) {
	path, err := s.path(c, cond.Field, cond.Path)
	if err != nil {
		return "", err
	}
	return s.hop(alias, path.Hops, func(inner string) (string, error) {
		return s.predicate(inner, path, cond)
	})
}

// hop compiles one relation step into an id subquery against the target
// collection. Multi relations match when any stored id is in the subquery.
func (s *statement) hop(alias string, hops []query.RelationHop, leaf func(alias string) (string, error)) (string, error) {
	if len(hops) == 0 {
		return leaf(alias)
	}
	h := hops[0]
	inner := s.alias("t")
	innerWhere, err := s.hop(inner, hops[1:], leaf)
	if err != nil {
		return "", err
	}
	sub := fmt.Sprintf("SELECT %s FROM %s AS %s WHERE %s",
		column(inner, schema.FieldID), QuoteIdentifier(s.g.table(h.Target.Name)), inner, innerWhere)

	col := column(alias, h.Field.Name)
	if h.Field.IsMultiple() {
		je := s.alias("je")
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s.value IN (%s))",
			s.g.dialect.ArrayElements(col, je), je, sub), nil
	}
	return fmt.Sprintf("%s IN (%s)", col, sub), nil
}

func (s *statement) predicate(alias string, path *query.FieldPath, cond *query.FilterCondition) (string, error) {
	expr, err := s.leaf(alias, path)
	if err != nil {
		return "", err
	}
	jsonValued := len(path.JSONPath) > 0

	switch {
	case cond.Operator == query.ComparisonOperatorGeoWithin:
		if path.Field == nil || path.Field.Type != schema.FieldTypeGeoPoint || jsonValued {
			return "", core.BadRequest("geo_within needs a geopoint field, got %q", cond.Field)
		}
		return s.geoWithin(expr, cond.Value)
	case cond.Operator.IsArray():
		if path.Field != nil && !jsonValued && schema.CompileField(path.Field).Kind != schema.ColumnJSON {
			return "", core.BadRequest("operator %s needs an array field, got %q", cond.Operator, cond.Field)
		}
		je := s.alias("je")
		inner, err := s.scalar(je+".value", cond.Operator.Scalar(), cond.Value, nil, true)
		if err != nil {
			return "", err
		}
		if kind, ordered := orderedKind(cond.Operator.Scalar(), cond.Value); ordered {
			inner = s.g.dialect.ElementIs(je, kind) + " AND " + inner
		}
		sub := fmt.Sprintf("SELECT 1 FROM %s WHERE %s", s.g.dialect.ArrayElements(expr, je), inner)
		if cond.Operator == query.ComparisonOperatorAnyNotLike {
			return "NOT EXISTS (" + sub + ")", nil
		}
		return "EXISTS (" + sub + ")", nil
	}
	return s.scalar(expr, cond.Operator, cond.Value, path.Field, jsonValued)
}

// orderedKind reports the JSON kind array elements must have for an ordered
// comparison against value. Elements of another kind never match.
func orderedKind(op query.ComparisonOperator, value any) (JSONKind, bool) {
	switch op {
	case query.ComparisonOperatorGt, query.ComparisonOperatorGte, query.ComparisonOperatorLt, query.ComparisonOperatorLte:
	default:
		return 0, false
	}
	if _, isString := value.(string); isString {
		return JSONString, true
	}
	if _, ok := core.ToFloat64(value); ok {
		return JSONNumber, true
	}
	return 0, false
}

// scalar renders a single comparison. jsonValued marks expressions extracted
// from JSON, whose values need the dialect's JSON conversion.
func (s *statement) scalar(expr string, op query.ComparisonOperator, value any, field *schema.FieldSchema, jsonValued bool) (string, error) {
	bind := func(v any) string {
		if jsonValued {
			return s.arg(s.g.dialect.JSONValue(v))
		}
		return s.arg(columnValue(field, v))
	}

	switch op {
	case query.ComparisonOperatorEq:
		if value == nil {
			return expr + " IS NULL", nil
		}
		return expr + " = " + bind(value), nil
	case query.ComparisonOperatorNeq:
		if value == nil {
			return expr + " IS NOT NULL", nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", expr, expr, bind(value)), nil
	case query.ComparisonOperatorGt, query.ComparisonOperatorGte, query.ComparisonOperatorLt, query.ComparisonOperatorLte:
		if value == nil {
			return "", core.BadRequest("operator %s cannot compare against null", op)
		}
		sqlOp := map[query.ComparisonOperator]string{
			query.ComparisonOperatorGt:  ">",
			query.ComparisonOperatorGte: ">=",
			query.ComparisonOperatorLt:  "<",
			query.ComparisonOperatorLte: "<=",
		}[op]
		if num, ok := core.ToFloat64(value); ok && jsonValued {
			if _, isString := value.(string); !isString {
				return fmt.Sprintf("%s %s %s", s.g.dialect.NumericCast(expr), sqlOp, s.arg(num)), nil
			}
		}
		return fmt.Sprintf("%s %s %s", expr, sqlOp, bind(value)), nil
	case query.ComparisonOperatorLike, query.ComparisonOperatorNotLike:
		if value == nil {
			return "", core.BadRequest("operator %s needs a value", op)
		}
		ph := s.arg("%" + EscapeLike(fmt.Sprint(value)) + "%")
		return s.g.dialect.Like(expr, ph, op == query.ComparisonOperatorNotLike), nil
	case query.ComparisonOperatorIn, query.ComparisonOperatorNin:
		values := query.ValueList(value)
		if len(values) == 0 {
			if op == query.ComparisonOperatorIn {
				return "1=0", nil
			}
			return "1=1", nil
		}
		phs := make([]string, len(values))
		for i, v := range values {
			phs[i] = bind(v)
		}
		list := strings.Join(phs, ", ")
		if op == query.ComparisonOperatorIn {
			return fmt.Sprintf("%s IN (%s)", expr, list), nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", expr, expr, list), nil
	}
	return "", core.BadRequest("unsupported comparison operator %q", op)
}

// geoWithin matches points inside the bounding box of the distance value.
// Boxes crossing the antimeridian are split into two longitude ranges.
func (s *statement) geoWithin(expr string, value any) (string, error) {
	d, err := query.AsGeoDistance(value)
	if err != nil {
		return "", core.BadRequest("invalid geo_within value: %v", err)
	}
	box, err := d.Box()
	if err != nil {
		return "", core.BadRequest("invalid geo_within value: %v", err)
	}
	lat := s.g.dialect.NumericCast(s.g.dialect.JSONExtract(expr, []string{"lat"}))
	lng := s.g.dialect.NumericCast(s.g.dialect.JSONExtract(expr, []string{"lng"}))

	clause := fmt.Sprintf("%s BETWEEN %s AND %s", lat, s.arg(box.MinLat), s.arg(box.MaxLat))

	var ranges [][2]float64
	switch {
	case box.MaxLng-box.MinLng >= 360:
	case box.MinLng < -180:
		ranges = [][2]float64{{box.MinLng + 360, 180}, {-180, box.MaxLng}}
	case box.MaxLng > 180:
		ranges = [][2]float64{{box.MinLng, 180}, {-180, box.MaxLng - 360}}
	default:
		ranges = [][2]float64{{box.MinLng, box.MaxLng}}
	}
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		parts = append(parts, fmt.Sprintf("%s BETWEEN %s AND %s", lng, s.arg(r[0]), s.arg(r[1])))
	}
	switch len(parts) {
	case 0:
	case 1:
		clause += " AND " + parts[0]
	default:
		clause += " AND (" + strings.Join(parts, " OR ") + ")"
	}
	return "(" + clause + ")", nil
}

// columnValue prepares a Go value for a column parameter.
func columnValue(field *schema.FieldSchema, v any) any {
	if v == nil || field == nil {
		return v
	}
	col := schema.CompileField(field)
	switch col.Kind {
	case schema.ColumnJSON:
		switch v.(type) {
		case string:
			return v
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	case schema.ColumnBool:
		if s, ok := v.(string); ok {
			return strings.EqualFold(s, "true") || s == "1"
		}
		if n, ok := core.ToFloat64(v); ok {
			return n != 0
		}
	}
	return v
}

// writeValue prepares a record value for INSERT and UPDATE. JSON columns are
// always serialized, even plain strings.
func writeValue(col schema.ColumnDescriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if col.Kind == schema.ColumnJSON {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize column %q to JSON: %w", col.Name, err)
		}
		return string(data), nil
	}
	return v, nil
}

func columnsOf(c *schema.Collection) map[string]schema.ColumnDescriptor {
	cols := schema.Compile(c.Fields)
	out := make(map[string]schema.ColumnDescriptor, len(cols))
	for _, col := range cols {
		out[col.Name] = col
	}
	return out
}

// InsertSQL creates an INSERT ... RETURNING * statement. Columns follow the
// compiled column order; a column missing from a record is bound to NULL.
func (g *Generator) InsertSQL(c *schema.Collection, records []schema.Record) (string, []any, error) {
	if len(records) == 0 {
		return "", nil, fmt.Errorf("no records provided for insert")
	}
	known := columnsOf(c)
	present := make(map[string]bool)
	for _, record := range records {
		for name := range record {
			if _, ok := known[name]; !ok {
				return "", nil, core.BadRequest("unknown field %q in %q", name, c.Name)
			}
			present[name] = true
		}
	}

	var cols []schema.ColumnDescriptor
	for _, col := range schema.Compile(c.Fields) {
		if present[col.Name] {
			cols = append(cols, col)
		}
	}
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = QuoteIdentifier(col.Name)
	}

	s := g.newStatement()
	rows := make([]string, 0, len(records))
	for _, record := range records {
		phs := make([]string, len(cols))
		for i, col := range cols {
			v, err := writeValue(col, record[col.Name])
			if err != nil {
				return "", nil, err
			}
			phs[i] = s.arg(v)
		}
		rows = append(rows, "("+strings.Join(phs, ", ")+")")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s RETURNING *",
		QuoteIdentifier(g.table(c.Name)), strings.Join(names, ", "), strings.Join(rows, ", "))
	return sql, s.params, nil
}

// UpdateSQL creates an UPDATE statement. Set columns come first in name
// order, then increments in name order.
func (g *Generator) UpdateSQL(c *schema.Collection, changes persistence.Changes, filters *query.QueryFilter) (string, []any, error) {
	if changes.IsEmpty() {
		return "", nil, fmt.Errorf("no fields provided for update")
	}
	known := columnsOf(c)
	s := g.newStatement()

	var sets []string
	for _, name := range sortedKeys(changes.Set) {
		col, ok := known[name]
		if !ok {
			return "", nil, core.BadRequest("unknown field %q in %q", name, c.Name)
		}
		v, err := writeValue(col, changes.Set[name])
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, QuoteIdentifier(name)+" = "+s.arg(v))
	}
	for _, name := range sortedKeys(changes.Increment) {
		col, ok := known[name]
		if !ok {
			return "", nil, core.BadRequest("unknown field %q in %q", name, c.Name)
		}
		if col.Kind != schema.ColumnFloat {
			return "", nil, core.BadRequest("field %q is not numeric and cannot be incremented", name)
		}
		q := QuoteIdentifier(name)
		sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, 0) + %s", q, q, s.arg(changes.Increment[name])))
	}

	sql := fmt.Sprintf("UPDATE %s SET %s", s.from(c), strings.Join(sets, ", "))
	if filters != nil {
		where, err := s.where(c, "t0", filters)
		if err != nil {
			return "", nil, err
		}
		if where != "" {
			sql += " WHERE " + where
		}
	}
	return sql, s.params, nil
}

// DeleteSQL creates a DELETE statement. A delete without filters is refused
// unless unsafeDelete is set.
func (g *Generator) DeleteSQL(c *schema.Collection, filters *query.QueryFilter, unsafeDelete bool) (string, []any, error) {
	if filters == nil && !unsafeDelete {
		return "", nil, fmt.Errorf("DELETE without WHERE clause is not allowed. Set unsafeDelete=true to override")
	}
	s := g.newStatement()
	sql := "DELETE FROM " + s.from(c)
	if filters != nil {
		where, err := s.where(c, "t0", filters)
		if err != nil {
			return "", nil, err
		}
		if where != "" {
			sql += " WHERE " + where
		}
	}
	return sql, s.params, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
