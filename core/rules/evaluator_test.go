package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/schema"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(WithCacheSize(16))
	require.NoError(t, err)
	return e
}

func TestEvaluate_EmptyRuleAllows(t *testing.T) {
	e := newEvaluator(t)
	assert.True(t, e.Evaluate("", AccessContext{}))
	assert.True(t, e.Evaluate("   \n\t", AccessContext{}))
}

func TestEvaluate_OwnerOrAdmin(t *testing.T) {
	e := newEvaluator(t)
	rule := `@request.auth.id = @record.owner || @request.auth.role = "admin"`
	record := map[string]any{"owner": "u1"}

	tests := []struct {
		name string
		auth *AuthInfo
		want bool
	}{
		{"owner", &AuthInfo{ID: "u1"}, true},
		{"admin", &AuthInfo{ID: "u9", Role: "admin"}, true},
		{"stranger", &AuthInfo{ID: "u2", Role: "user"}, false},
		{"anonymous", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(rule, AccessContext{Auth: tt.auth, Record: record}))
		})
	}
}

func TestEvaluate_FailsClosed(t *testing.T) {
	e := newEvaluator(t)
	for _, rule := range []string{
		"owner = ",
		"owner == 'x'",
		"(a = 1",
		"a = 1 &&",
		"a = `backtick`",
		"a = 1; DROP TABLE users",
		"require('fs')",
	} {
		t.Run(rule, func(t *testing.T) {
			assert.False(t, e.Evaluate(rule, AccessContext{Auth: &AuthInfo{ID: "x"}}))
			err := e.Check(rule, AccessContext{}, schema.OperationUpdate)
			assert.True(t, core.IsKind(err, core.ErrForbidden))
		})
	}
}

func TestEvaluate_Operators(t *testing.T) {
	e := newEvaluator(t)
	ctx := AccessContext{
		Auth: &AuthInfo{ID: "u1", Role: "editor", Verified: true, Collection: "users", Claims: map[string]any{"plan": "pro"}},
		Record: map[string]any{
			"status":  "published",
			"views":   float64(42),
			"title":   "Hello World",
			"members": []any{"u1", "u2"},
			"meta":    map[string]any{"team": "core"},
			"deleted": nil,
		},
		Data: map[string]any{"status": "draft"},
	}

	tests := []struct {
		rule string
		want bool
	}{
		{`status = "published"`, true},
		{`status != 'published'`, false},
		{`views > 40 && views < 50`, true},
		{`views >= 42.0 && views <= 42`, true},
		{`title > 5`, false},
		{`title < 5`, false},
		{`title ~ "world"`, true},
		{`title !~ "world"`, false},
		{`members ?= @request.auth.id`, true},
		{`members ?= "u3"`, false},
		{`meta.team = "core"`, true},
		{`@record.meta.team = "core"`, true},
		{`deleted = null`, true},
		{`missing.path = none`, true},
		{`@request.auth.verified = true`, true},
		{`@request.auth.verified`, true},
		{`!@request.auth.verified`, false},
		{`@request.auth.collection = "users"`, true},
		{`@request.auth.plan = "pro"`, true},
		{`@request.auth.unknown = null`, true},
		{`@request.data.status = "draft"`, true},
		{`@unknown.thing = null`, true},
		{`!(status = "draft") && (views = 1 || @request.auth.role = 'editor')`, true},
		{`false || true && false`, false},
		{`true`, true},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(tt.rule, ctx))
		})
	}
}

func TestEvaluate_AnonymousAuth(t *testing.T) {
	e := newEvaluator(t)
	assert.False(t, e.Evaluate(`@request.auth.id != ""`, AccessContext{}))
	assert.True(t, e.Evaluate(`@request.auth.id != ""`, AccessContext{Auth: &AuthInfo{ID: "u1"}}))
	assert.False(t, e.Evaluate(`@request.auth.verified`, AccessContext{}))
}

func TestCheck(t *testing.T) {
	e := newEvaluator(t)
	err := e.Check(`@request.auth.role = "admin"`, AccessContext{Auth: &AuthInfo{Role: "user"}}, schema.OperationDelete)
	require.Error(t, err)

	var engineErr *core.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, core.ErrForbidden, engineErr.Kind)
	assert.Equal(t, "delete", engineErr.Op)

	assert.NoError(t, e.Check(`@request.auth.role = "admin"`, AccessContext{Auth: &AuthInfo{Role: "admin"}}, schema.OperationDelete))
}

func TestCompile(t *testing.T) {
	e := newEvaluator(t)

	tests := []struct {
		rule       string
		usesRecord bool
	}{
		{`@request.auth.id != ""`, false},
		{`@request.auth.role = "admin" || !@request.auth.verified`, false},
		{`owner = @request.auth.id`, true},
		{`@request.auth.id != "" && @record.owner = @request.auth.id`, true},
		{`!(published = true)`, true},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			p, err := e.Compile(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.usesRecord, p.UsesRecord())
			assert.Equal(t, tt.rule, p.Source())
		})
	}

	_, err := e.Compile("owner = = 1")
	assert.True(t, core.IsKind(err, core.ErrBadRequest))

	first, err := e.Compile("a = 1")
	require.NoError(t, err)
	second, err := e.Compile("  a = 1  ")
	require.NoError(t, err)
	assert.Same(t, first, second, "compiled programs are cached by trimmed rule text")
}

func TestValidateCollectionRules(t *testing.T) {
	e := newEvaluator(t)
	assert.NoError(t, e.Validate(&schema.Collection{ListRule: "", ViewRule: `owner = @request.auth.id`}))

	err := e.Validate(&schema.Collection{UpdateRule: `owner = `})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrBadRequest))
	assert.Contains(t, err.Error(), "update rule")
}
