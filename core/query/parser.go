package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/asaidimu/go-recordbase/core"
)

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `'(?:\\.|[^'])*'|"(?:\\.|[^"])*"`},
	{Name: "Operator", Pattern: `&&|\|\||\?=|!=|>=|<=|!~|[=<>~()]`},
	{Name: "Word", Pattern: `[^\s'"()=<>!~?&|]+`},
})

type filterOr struct {
	And []*filterAnd `parser:"@@ ( '||' @@ )*"`
}

type filterAnd struct {
	Terms []*filterTerm `parser:"@@ ( '&&' @@ )*"`
}

type filterTerm struct {
	Group     *filterOr        `parser:"  '(' @@ ')'"`
	Predicate *filterPredicate `parser:"| @@"`
}

type filterPredicate struct {
	Pos lexer.Position

	Field  string  `parser:"@Word"`
	Op     string  `parser:"@( '=' | '!=' | '>=' | '<=' | '>' | '<' | '~' | '!~' | '?=' )"`
	Quoted *string `parser:"( @String"`
	Raw    *string `parser:"| @Word )"`
}

var filterParser = participle.MustBuild[filterOr](
	participle.Lexer(filterLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

var symbolOperators = map[string]ComparisonOperator{
	"=":  ComparisonOperatorEq,
	"!=": ComparisonOperatorNeq,
	">":  ComparisonOperatorGt,
	"<":  ComparisonOperatorLt,
	">=": ComparisonOperatorGte,
	"<=": ComparisonOperatorLte,
	"~":  ComparisonOperatorLike,
	"!~": ComparisonOperatorNotLike,
	"?=": ComparisonOperatorAnyEq,
}

var fieldPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

// FilterExpression is the parsed form of a textual filter. Expressions without
// "||" stay a flat list of predicates that are all ANDed; anything else is kept
// as a tree rooted at an OR group.
type FilterExpression struct {
	Predicates []FilterCondition
	Tree       *QueryFilter
}

// IsFlat reports whether the expression took the flat AND-only path.
func (e *FilterExpression) IsFlat() bool {
	return e.Tree == nil
}

// IsEmpty reports whether the expression has no predicates at all.
func (e *FilterExpression) IsEmpty() bool {
	return e.Tree == nil && len(e.Predicates) == 0
}

// QueryFilter returns the expression as a filter tree, or nil when empty.
func (e *FilterExpression) QueryFilter() *QueryFilter {
	if e.Tree != nil {
		return e.Tree
	}
	switch len(e.Predicates) {
	case 0:
		return nil
	case 1:
		c := e.Predicates[0]
		return &QueryFilter{Condition: &c}
	}
	members := make([]QueryFilter, len(e.Predicates))
	for i := range e.Predicates {
		c := e.Predicates[i]
		members[i] = QueryFilter{Condition: &c}
	}
	return &QueryFilter{Group: &FilterGroup{Operator: LogicalOperatorAnd, Conditions: members}}
}

// Leaves returns every predicate in source order.
func (e *FilterExpression) Leaves() []FilterCondition {
	if e.Tree != nil {
		return e.Tree.Leaves()
	}
	return append([]FilterCondition(nil), e.Predicates...)
}

// ParseFilter parses a textual filter such as `age>=18 && (status='active' || vip=true)`.
// Malformed input yields a bad_request error.
func ParseFilter(expr string) (*FilterExpression, error) {
	if strings.TrimSpace(expr) == "" {
		return &FilterExpression{}, nil
	}
	ast, err := filterParser.ParseString("filter", expr)
	if err != nil {
		return nil, core.BadRequest("invalid filter expression: %v", err)
	}

	if !ast.hasOr() {
		var preds []FilterCondition
		if err := ast.collect(&preds); err != nil {
			return nil, err
		}
		return &FilterExpression{Predicates: preds}, nil
	}

	tree, err := ast.toGroup()
	if err != nil {
		return nil, err
	}
	return &FilterExpression{Tree: tree}, nil
}

func (o *filterOr) hasOr() bool {
	if len(o.And) > 1 {
		return true
	}
	for _, a := range o.And {
		for _, t := range a.Terms {
			if t.Group != nil && t.Group.hasOr() {
				return true
			}
		}
	}
	return false
}

func (o *filterOr) collect(out *[]FilterCondition) error {
	for _, a := range o.And {
		for _, t := range a.Terms {
			if t.Group != nil {
				if err := t.Group.collect(out); err != nil {
					return err
				}
				continue
			}
			c, err := t.Predicate.condition()
			if err != nil {
				return err
			}
			*out = append(*out, c)
		}
	}
	return nil
}

// toGroup always yields an OR group, even with a single AND run.
func (o *filterOr) toGroup() (*QueryFilter, error) {
	group := &FilterGroup{Operator: LogicalOperatorOr}
	for _, a := range o.And {
		member, err := a.toFilter()
		if err != nil {
			return nil, err
		}
		group.Conditions = append(group.Conditions, *member)
	}
	return &QueryFilter{Group: group}, nil
}

func (a *filterAnd) toFilter() (*QueryFilter, error) {
	members := make([]QueryFilter, 0, len(a.Terms))
	for _, t := range a.Terms {
		m, err := t.toFilter()
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	if len(members) == 1 {
		return &members[0], nil
	}
	return &QueryFilter{Group: &FilterGroup{Operator: LogicalOperatorAnd, Conditions: members}}, nil
}

func (t *filterTerm) toFilter() (*QueryFilter, error) {
	if t.Group != nil {
		if !t.Group.hasOr() {
			var preds []FilterCondition
			if err := t.Group.collect(&preds); err != nil {
				return nil, err
			}
			return (&FilterExpression{Predicates: preds}).QueryFilter(), nil
		}
		return t.Group.toGroup()
	}
	c, err := t.Predicate.condition()
	if err != nil {
		return nil, err
	}
	return &QueryFilter{Condition: &c}, nil
}

func (p *filterPredicate) condition() (FilterCondition, error) {
	if !fieldPathPattern.MatchString(p.Field) {
		return FilterCondition{}, core.BadRequest("invalid filter field %q at %s", p.Field, p.Pos)
	}
	op, ok := symbolOperators[p.Op]
	if !ok {
		return FilterCondition{}, core.BadRequest("unknown operator %q at %s", p.Op, p.Pos)
	}
	var value FilterValue
	if p.Quoted != nil {
		value = *p.Quoted
	} else if p.Raw != nil {
		value = ParseLiteral(*p.Raw)
	}
	return FilterCondition{Field: p.Field, Operator: op, Value: value}, nil
}

// ParseLiteral types an unquoted token: true/false become bools, null/none
// become nil, digits without a dot become int64, digits with a dot become
// float64, and anything else stays a string.
func ParseLiteral(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if strings.Contains(raw, ".") {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return raw
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	return raw
}

// ParseSort parses a comma-separated sort list such as "-price,+name,@random".
func ParseSort(spec string) ([]SortConfiguration, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	out := make([]SortConfiguration, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		dir := SortDirectionAsc
		switch {
		case strings.HasPrefix(token, "-"):
			dir, token = SortDirectionDesc, token[1:]
		case strings.HasPrefix(token, "+"):
			token = token[1:]
		}
		switch {
		case token == SortRandom || token == SortRowID:
		case fieldPathPattern.MatchString(token):
		default:
			return nil, core.BadRequest("invalid sort field %q", part)
		}
		out = append(out, SortConfiguration{Field: token, Direction: dir})
	}
	return out, nil
}

var projectionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `'(?:\\.|[^'])*'|"(?:\\.|[^"])*"`},
	{Name: "Number", Pattern: `\d+(?:\.\d+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_.]*`},
	{Name: "Punct", Pattern: `[-:,()*]`},
})

type projectionList struct {
	Items []*projectionItem `parser:"@@ ( ',' @@ )*"`
}

type projectionItem struct {
	Exclude  bool           `parser:"@'-'?"`
	Name     string         `parser:"@( Ident | '*' )"`
	Modifier *projectionMod `parser:"( ':' @@ )?"`
}

type projectionMod struct {
	Name string         `parser:"@Ident"`
	Args []*modifierArg `parser:"( '(' ( @@ ( ',' @@ )* )? ')' )?"`
}

type modifierArg struct {
	String *string `parser:"  @String"`
	Number *string `parser:"| @Number"`
	Ident  *string `parser:"| @Ident"`
}

var projectionParser = participle.MustBuild[projectionList](
	participle.Lexer(projectionLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

// ParseProjection parses a field list such as "id,title,body:excerpt(120,true)"
// or "-secret". A "*" entry includes every field.
func ParseProjection(fields string) (*ProjectionConfiguration, error) {
	if strings.TrimSpace(fields) == "" {
		return nil, nil
	}
	ast, err := projectionParser.ParseString("fields", fields)
	if err != nil {
		return nil, core.BadRequest("invalid field list: %v", err)
	}
	cfg := &ProjectionConfiguration{}
	for _, item := range ast.Items {
		pf := ProjectionField{Name: item.Name}
		if item.Modifier != nil {
			call := &FunctionCall{Function: item.Modifier.Name}
			for _, a := range item.Modifier.Args {
				call.Arguments = append(call.Arguments, a.value())
			}
			pf.Modifier = call
		}
		if item.Exclude {
			cfg.Exclude = append(cfg.Exclude, pf)
		} else {
			cfg.Include = append(cfg.Include, pf)
		}
	}
	return cfg, nil
}

func (a *modifierArg) value() FilterValue {
	switch {
	case a.String != nil:
		return *a.String
	case a.Number != nil:
		return ParseLiteral(*a.Number)
	case a.Ident != nil:
		return ParseLiteral(*a.Ident)
	}
	return nil
}
