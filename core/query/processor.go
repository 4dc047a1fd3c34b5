package query

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// ModifierFunction transforms a projected field value, e.g. excerpt(200, true).
type ModifierFunction func(value any, args []FilterValue) (any, error)

// PredicateFunction evaluates a custom operator against an in-memory record.
type PredicateFunction func(record schema.Record, field string, args FilterValue) (bool, error)

// DataProcessor evaluates filters and projections over records that are
// already in memory: change-event subscriptions, projected list results and
// expanded relations.
type DataProcessor struct {
	modifiers  map[string]ModifierFunction
	predicates map[ComparisonOperator]PredicateFunction
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewDataProcessor creates a new DataProcessor with the built-in excerpt modifier.
func NewDataProcessor(logger *zap.Logger) *DataProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &DataProcessor{
		modifiers:  make(map[string]ModifierFunction),
		predicates: make(map[ComparisonOperator]PredicateFunction),
		logger:     logger,
	}
	p.modifiers["excerpt"] = Excerpt
	return p
}

// RegisterModifier registers a projection modifier under name.
func (p *DataProcessor) RegisterModifier(name string, fn ModifierFunction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modifiers[name] = fn
	p.logger.Debug("Registered modifier", zap.String("name", name))
}

// RegisterModifiers registers several modifiers at once.
func (p *DataProcessor) RegisterModifiers(fns map[string]ModifierFunction) {
	for name, fn := range fns {
		p.RegisterModifier(name, fn)
	}
}

// RegisterPredicate registers a custom operator for in-memory matching.
func (p *DataProcessor) RegisterPredicate(operator ComparisonOperator, fn PredicateFunction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.predicates[operator] = fn
	p.logger.Debug("Registered predicate", zap.String("operator", string(operator)))
}

// Match reports whether record satisfies filter. A nil filter matches everything.
func (p *DataProcessor) Match(ctx context.Context, filter *QueryFilter, record schema.Record) (bool, error) {
	if filter == nil {
		return true, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.evaluate(ctx, record, filter)
}

func (p *DataProcessor) evaluate(ctx context.Context, record schema.Record, filter *QueryFilter) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if filter.Condition != nil {
		return p.evaluateCondition(record, filter.Condition)
	}
	if filter.Group == nil {
		return false, fmt.Errorf("empty filter node")
	}
	switch filter.Group.Operator {
	case LogicalOperatorAnd:
		for i := range filter.Group.Conditions {
			ok, err := p.evaluate(ctx, record, &filter.Group.Conditions[i])
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case LogicalOperatorOr:
		for i := range filter.Group.Conditions {
			ok, err := p.evaluate(ctx, record, &filter.Group.Conditions[i])
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unsupported logical operator %q", filter.Group.Operator)
}

func (p *DataProcessor) evaluateCondition(record schema.Record, c *FilterCondition) (bool, error) {
	if fn, ok := p.predicates[c.Operator]; ok {
		return fn(record, c.Field, c.Value)
	}
	actual := Lookup(record, c.Field)

	switch c.Operator {
	case ComparisonOperatorIn, ComparisonOperatorNin:
		found := false
		for _, candidate := range ValueList(c.Value) {
			if equalValues(actual, candidate) {
				found = true
				break
			}
		}
		return found == (c.Operator == ComparisonOperatorIn), nil
	case ComparisonOperatorGeoWithin:
		d, err := AsGeoDistance(c.Value)
		if err != nil {
			return false, err
		}
		box, err := d.Box()
		if err != nil {
			return false, err
		}
		point, ok := actual.(map[string]any)
		if !ok {
			return false, nil
		}
		lat, okLat := core.ToFloat64(point["lat"])
		lng, okLng := core.ToFloat64(point["lng"])
		return okLat && okLng && box.Contains(lat, lng), nil
	}

	if c.Operator.IsArray() {
		elements := ValueList(actual)
		scalar := c.Operator.Scalar()
		if c.Operator == ComparisonOperatorAnyNotLike {
			for _, el := range elements {
				if Compare(el, scalar, c.Value) {
					return false, nil
				}
			}
			return true, nil
		}
		for _, el := range elements {
			if Compare(el, scalar, c.Value) {
				return true, nil
			}
		}
		return false, nil
	}

	if !c.Operator.IsValid() {
		return false, fmt.Errorf("unsupported operator %q", c.Operator)
	}
	return Compare(actual, c.Operator, c.Value), nil
}

// Lookup resolves a dotted path through nested maps. Missing keys resolve to nil.
func Lookup(record map[string]any, path string) any {
	var current any = record
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			current = node[part]
		case schema.Record:
			current = node[part]
		default:
			return nil
		}
	}
	return current
}

// Compare applies a scalar operator to two decoded values. Numbers compare
// numerically across Go types and strings compare lexically; ordered
// operators are false for any other pairing.
func Compare(actual any, op ComparisonOperator, expected any) bool {
	switch op {
	case ComparisonOperatorEq:
		return equalValues(actual, expected)
	case ComparisonOperatorNeq:
		return !equalValues(actual, expected)
	case ComparisonOperatorLike:
		return likeMatch(actual, expected)
	case ComparisonOperatorNotLike:
		return !likeMatch(actual, expected)
	}
	if actual == nil || expected == nil {
		return false
	}
	var cmp int
	a, aNum := numeric(actual)
	b, bNum := numeric(expected)
	as, aText := actual.(string)
	bs, bText := expected.(string)
	switch {
	case aNum && bNum:
		switch {
		case a < b:
			cmp = -1
		case a > b:
			cmp = 1
		}
	case aText && bText:
		cmp = strings.Compare(as, bs)
	default:
		return false
	}
	switch op {
	case ComparisonOperatorGt:
		return cmp > 0
	case ComparisonOperatorGte:
		return cmp >= 0
	case ComparisonOperatorLt:
		return cmp < 0
	case ComparisonOperatorLte:
		return cmp <= 0
	}
	return false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func numeric(v any) (float64, bool) {
	if _, isString := v.(string); isString {
		return 0, false
	}
	return core.ToFloat64(v)
}

func likeMatch(actual, pattern any) bool {
	if actual == nil || pattern == nil {
		return false
	}
	text := strings.ToLower(fmt.Sprint(actual))
	needle := strings.ToLower(fmt.Sprint(pattern))
	if !strings.Contains(needle, "%") {
		return strings.Contains(text, needle)
	}
	parts := strings.Split(needle, "%")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	return err == nil && re.MatchString(text)
}

// ValueList turns the stored representation of an array field into a slice.
// Stored JSON text is decoded; a scalar becomes a one-element list.
func ValueList(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []FilterValue:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = x
		}
		return out
	case string:
		if strings.HasPrefix(val, "[") {
			var decoded []any
			if err := json.Unmarshal([]byte(val), &decoded); err == nil {
				return decoded
			}
		}
	}
	return []any{v}
}

// Project applies a projection to records, returning new maps. When Include is
// non-empty, Exclude is ignored; "*" in Include keeps every field.
func (p *DataProcessor) Project(records []schema.Record, cfg *ProjectionConfiguration) ([]schema.Record, error) {
	if cfg == nil || (len(cfg.Include) == 0 && len(cfg.Exclude) == 0) {
		return records, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]schema.Record, 0, len(records))
	for _, r := range records {
		projected, err := p.projectOne(r, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, projected)
	}
	return out, nil
}

func (p *DataProcessor) projectOne(r schema.Record, cfg *ProjectionConfiguration) (schema.Record, error) {
	if len(cfg.Include) == 0 {
		out := maps.Clone(r)
		for _, f := range cfg.Exclude {
			delete(out, f.Name)
		}
		return out, nil
	}

	out := make(schema.Record, len(cfg.Include))
	for _, f := range cfg.Include {
		if f.Name == "*" {
			for k, v := range r {
				if _, set := out[k]; !set {
					out[k] = v
				}
			}
			continue
		}
		value, ok := r[f.Name]
		if !ok {
			continue
		}
		if f.Modifier != nil {
			fn, registered := p.modifiers[f.Modifier.Function]
			if !registered {
				return nil, core.BadRequest("unknown field modifier %q", f.Modifier.Function)
			}
			modified, err := fn(value, f.Modifier.Arguments)
			if err != nil {
				return nil, core.BadRequest("modifier %s on %s: %v", f.Modifier.Function, f.Name, err)
			}
			value = modified
		}
		out[f.Name] = value
	}
	return out, nil
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Excerpt strips markup from a text value, collapses whitespace and truncates
// it to maxLength runes, optionally appending "...". Args: maxLength, withEllipsis.
func Excerpt(value any, args []FilterValue) (any, error) {
	if value == nil {
		return nil, nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("excerpt needs a max length")
	}
	length, ok := core.ToFloat64(args[0])
	if !ok || length < 1 {
		return nil, fmt.Errorf("invalid excerpt length %v", args[0])
	}
	ellipsis := false
	if len(args) > 1 {
		ellipsis, _ = args[1].(bool)
	}

	text := htmlTagPattern.ReplaceAllString(fmt.Sprint(value), " ")
	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
	limit := int(length)
	if utf8.RuneCountInString(text) <= limit {
		return text, nil
	}
	runes := []rune(text)
	cut := strings.TrimSpace(string(runes[:limit]))
	if ellipsis {
		cut += "..."
	}
	return cut, nil
}
