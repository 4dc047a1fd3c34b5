package records

import (
	"fmt"
	"strings"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// modifierField returns the field name and sign of a "field+" or "field-"
// key. Keys starting with "-" are never modifiers.
func modifierField(key string) (string, float64, bool) {
	if len(key) < 2 || strings.HasPrefix(key, "-") {
		return "", 0, false
	}
	switch key[len(key)-1] {
	case '+':
		return key[:len(key)-1], 1, true
	case '-':
		return key[:len(key)-1], -1, true
	}
	return "", 0, false
}

// splitModifiers separates plain assignments from modifier keys. Deltas for
// the same field are summed. A modifier on anything but a number field, a
// non-numeric delta, or a field both assigned and modified is an
// INVALID_MODIFIER issue.
func splitModifiers(c *schema.Collection, data map[string]any) (map[string]any, map[string]float64, []core.Issue) {
	set := make(map[string]any, len(data))
	var deltas map[string]float64
	var issues []core.Issue

	invalid := func(key, message string) {
		issues = append(issues, core.Issue{
			Code:     schema.IssueInvalidModifier,
			Message:  message,
			Path:     key,
			Severity: "error",
		})
	}

	for key, value := range data {
		name, sign, ok := modifierField(key)
		if !ok {
			set[key] = value
			continue
		}
		field := c.Field(name)
		if field == nil || field.Type != schema.FieldTypeNumber {
			invalid(key, fmt.Sprintf("Modifier '%s' requires a number field", key))
			continue
		}
		delta, ok := core.ToFloat64(value)
		if !ok {
			invalid(key, fmt.Sprintf("Modifier '%s' needs a numeric value", key))
			continue
		}
		if deltas == nil {
			deltas = make(map[string]float64)
		}
		deltas[name] += sign * delta
	}

	for name := range deltas {
		if _, both := set[name]; both {
			invalid(name, fmt.Sprintf("Field '%s' cannot be assigned and modified at once", name))
			delete(deltas, name)
		}
	}
	return set, deltas, issues
}
