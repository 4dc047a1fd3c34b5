package rules

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// DefaultCacheSize is the number of compiled rules kept by an Evaluator.
const DefaultCacheSize = 512

// AuthInfo identifies the caller. A nil AuthInfo is an anonymous request.
type AuthInfo struct {
	ID         string
	Role       string
	Verified   bool
	Collection string
	// Claims holds any further attributes reachable as @request.auth.<key>.
	Claims map[string]any
}

// AccessContext is the input a rule is evaluated against.
type AccessContext struct {
	Auth *AuthInfo
	// Record is the current record for view, update and delete, or the
	// normalized payload for create.
	Record map[string]any
	// Data is the raw request payload, reachable as @request.data.<path>.
	Data map[string]any
}

// Program is a compiled rule.
type Program struct {
	source     string
	ast        *orExpr
	usesRecord bool
}

// Source returns the rule text the program was compiled from.
func (p *Program) Source() string { return p.source }

// UsesRecord reports whether the rule references record fields, either through
// @record.<path> or a bare field path.
func (p *Program) UsesRecord() bool { return p.usesRecord }

// Eval runs the program against ctx.
func (p *Program) Eval(ctx AccessContext) (bool, error) {
	if p == nil || p.ast == nil {
		return true, nil
	}
	return p.ast.eval(&ctx)
}

// Evaluator compiles and caches rules.
type Evaluator struct {
	cache  *lru.Cache[string, *Program]
	logger *zap.Logger
	size   int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger used for evaluation failures.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCacheSize bounds the compiled program cache.
func WithCacheSize(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.size = n
		}
	}
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) (*Evaluator, error) {
	e := &Evaluator{logger: zap.NewNop(), size: DefaultCacheSize}
	for _, opt := range opts {
		opt(e)
	}
	cache, err := lru.New[string, *Program](e.size)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule cache: %w", err)
	}
	e.cache = cache
	return e, nil
}

// Compile parses rule, returning a bad_request error for malformed input. An
// empty rule compiles to a program that always allows.
func (e *Evaluator) Compile(rule string) (*Program, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return &Program{}, nil
	}
	if p, ok := e.cache.Get(rule); ok {
		return p, nil
	}
	ast, err := ruleParser.ParseString("rule", rule)
	if err != nil {
		return nil, core.BadRequest("invalid rule %q: %v", rule, err)
	}
	p := &Program{source: rule, ast: ast, usesRecord: ast.usesRecord()}
	e.cache.Add(rule, p)
	return p, nil
}

// Evaluate reports whether ctx satisfies rule. Empty rules allow everything.
// Compile and evaluation errors deny.
func (e *Evaluator) Evaluate(rule string, ctx AccessContext) bool {
	p, err := e.Compile(rule)
	if err != nil {
		e.logger.Warn("Rule failed to compile, denying", zap.String("rule", rule), zap.Error(err))
		return false
	}
	ok, err := p.Eval(ctx)
	if err != nil {
		e.logger.Warn("Rule failed to evaluate, denying", zap.String("rule", rule), zap.Error(err))
		return false
	}
	return ok
}

// Check returns a forbidden error carrying op when rule denies ctx.
func (e *Evaluator) Check(rule string, ctx AccessContext, op schema.Operation) error {
	if !e.Evaluate(rule, ctx) {
		return core.Forbidden(string(op))
	}
	return nil
}

// Validate compiles every rule of c so malformed rules are rejected before
// they are stored.
func (e *Evaluator) Validate(c *schema.Collection) error {
	for op, rule := range c.Rules() {
		if _, err := e.Compile(rule); err != nil {
			return core.BadRequest("%s rule: %v", op, err)
		}
	}
	return nil
}

func (o *orExpr) usesRecord() bool {
	for _, a := range o.And {
		for _, t := range a.Terms {
			if t.usesRecord() {
				return true
			}
		}
	}
	return false
}

func (u *unaryExpr) usesRecord() bool {
	if u.Not != nil {
		return u.Not.usesRecord()
	}
	if u.Primary.Group != nil {
		return u.Primary.Group.usesRecord()
	}
	c := u.Primary.Comparison
	return c.Left.usesRecord() || (c.Right != nil && c.Right.usesRecord())
}

func (o *operand) usesRecord() bool {
	if o.Field != nil {
		return true
	}
	return o.Ref != nil && (*o.Ref == "@record" || strings.HasPrefix(*o.Ref, "@record."))
}

func (o *orExpr) eval(ctx *AccessContext) (bool, error) {
	for _, a := range o.And {
		ok, err := a.eval(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (a *andExpr) eval(ctx *AccessContext) (bool, error) {
	for _, t := range a.Terms {
		ok, err := t.eval(ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (u *unaryExpr) eval(ctx *AccessContext) (bool, error) {
	if u.Not != nil {
		ok, err := u.Not.eval(ctx)
		return !ok && err == nil, err
	}
	if u.Primary.Group != nil {
		return u.Primary.Group.eval(ctx)
	}
	return u.Primary.Comparison.eval(ctx)
}

var ruleOperators = map[string]query.ComparisonOperator{
	"=":  query.ComparisonOperatorEq,
	"!=": query.ComparisonOperatorNeq,
	">":  query.ComparisonOperatorGt,
	"<":  query.ComparisonOperatorLt,
	">=": query.ComparisonOperatorGte,
	"<=": query.ComparisonOperatorLte,
	"~":  query.ComparisonOperatorLike,
	"!~": query.ComparisonOperatorNotLike,
}

func (c *comparison) eval(ctx *AccessContext) (bool, error) {
	left := c.Left.resolve(ctx)
	if c.Op == "" {
		return truthy(left), nil
	}
	right := c.Right.resolve(ctx)
	if c.Op == "?=" {
		for _, el := range query.ValueList(left) {
			if query.Compare(el, query.ComparisonOperatorEq, right) {
				return true, nil
			}
		}
		return false, nil
	}
	op, ok := ruleOperators[c.Op]
	if !ok {
		return false, fmt.Errorf("unsupported operator %q", c.Op)
	}
	return query.Compare(left, op, right), nil
}

func (o *operand) resolve(ctx *AccessContext) any {
	switch {
	case o.String != nil:
		return *o.String
	case o.Number != nil:
		return *o.Number
	case o.True:
		return true
	case o.False:
		return false
	case o.Null:
		return nil
	case o.Field != nil:
		return query.Lookup(ctx.Record, *o.Field)
	case o.Ref != nil:
		return resolveRef(ctx, *o.Ref)
	}
	return nil
}

func resolveRef(ctx *AccessContext, ref string) any {
	switch {
	case ref == "@record":
		return ctx.Record
	case strings.HasPrefix(ref, "@record."):
		return query.Lookup(ctx.Record, strings.TrimPrefix(ref, "@record."))
	case strings.HasPrefix(ref, "@request.data."):
		return query.Lookup(ctx.Data, strings.TrimPrefix(ref, "@request.data."))
	case strings.HasPrefix(ref, "@request.auth."):
		return resolveAuth(ctx.Auth, strings.TrimPrefix(ref, "@request.auth."))
	}
	return nil
}

// resolveAuth treats a missing AuthInfo as the anonymous caller: empty id,
// role and collection and an unverified account.
func resolveAuth(auth *AuthInfo, key string) any {
	if auth == nil {
		auth = &AuthInfo{}
	}
	switch key {
	case "id":
		return auth.ID
	case "role":
		return auth.Role
	case "verified":
		return auth.Verified
	case "collection":
		return auth.Collection
	}
	return query.Lookup(auth.Claims, key)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if f, ok := core.ToFloat64(v); ok {
		return f != 0
	}
	return true
}
