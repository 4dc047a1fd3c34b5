// Package schema provides the Validator, which checks an incoming write payload
// against a collection's field list and returns the normalized values to store.
package schema

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// Issue codes reported by the Validator.
const (
	IssueRequired          = "REQUIRED_FIELD_MISSING"
	IssueTypeMismatch      = "TYPE_MISMATCH"
	IssueEnumViolation     = "ENUM_VIOLATION"
	IssueMinViolation      = "MIN_VIOLATION"
	IssueMaxViolation      = "MAX_VIOLATION"
	IssueLengthViolation   = "LENGTH_VIOLATION"
	IssuePatternViolation  = "PATTERN_VIOLATION"
	IssueUnexpectedField   = "UNEXPECTED_FIELD"
	IssueInvalidModifier   = "INVALID_MODIFIER"
	IssueGeoOutOfBounds    = "GEO_OUT_OF_BOUNDS"
	IssueAltitudeRequired  = "ALTITUDE_REQUIRED"
	IssueMaxSelectExceeded = "MAX_SELECT_EXCEEDED"
	IssueJSONSchema        = "JSON_SCHEMA_VIOLATION"
	IssueInvalidFormat     = "INVALID_FORMAT"
)

// Validator checks write payloads against a collection. A Validator is cheap to
// build and is not safe for concurrent use; build one per call.
type Validator struct {
	collection *Collection
	issues     []core.Issue
	patterns   map[string]*regexp.Regexp
}

// NewValidator creates a Validator for the given collection.
func NewValidator(c *Collection) *Validator {
	return &Validator{
		collection: c,
		issues:     make([]core.Issue, 0),
		patterns:   make(map[string]*regexp.Regexp),
	}
}

// Validate checks data and returns the normalized values. Required fields are
// only enforced when create is true. All problems are collected; the returned
// issue list is empty when the payload is valid.
func (v *Validator) Validate(data map[string]any, create bool) (Record, []core.Issue) {
	v.issues = make([]core.Issue, 0)
	out := make(Record, len(data))

	for key, value := range data {
		switch key {
		case FieldCreated, FieldUpdated, FieldExpand:
			continue
		case FieldID:
			if !create {
				continue
			}
			if id, ok := value.(string); ok && id != "" {
				if _, err := uuid.Parse(id); err != nil {
					v.addIssue(IssueInvalidFormat, "id must be a uuid", FieldID)
					continue
				}
				out[FieldID] = id
			}
			continue
		}
		if v.collection.Field(key) == nil {
			v.addIssue(IssueUnexpectedField, fmt.Sprintf("Unexpected field '%s' not defined in collection", key), key)
		}
	}

	for _, field := range v.collection.Fields {
		value, exists := data[field.Name]
		// Updates may omit a required field but never blank it.
		if field.Validation.Required && ((create && !exists) || (exists && isBlank(value))) {
			v.addIssue(IssueRequired, fmt.Sprintf("Required field '%s' is missing", field.Name), field.Name)
			continue
		}
		if !exists {
			continue
		}
		if isBlank(value) {
			out[field.Name] = nil
			continue
		}
		if normalized, ok := v.validateField(field, value); ok {
			out[field.Name] = normalized
		}
	}

	return out, v.issues
}

// ValidateValue checks a single value against a field and returns its
// normalized form. Blank values normalize to nil.
func (v *Validator) ValidateValue(field *FieldSchema, value any) (any, []core.Issue) {
	v.issues = make([]core.Issue, 0)
	if isBlank(value) {
		return nil, v.issues
	}
	normalized, _ := v.validateField(field, value)
	return normalized, v.issues
}

// isBlank reports whether a value normalizes to null.
func isBlank(value any) bool {
	switch val := value.(type) {
	case nil:
		return true
	case string:
		return val == ""
	}
	return false
}

func (v *Validator) validateField(field *FieldSchema, value any) (any, bool) {
	before := len(v.issues)
	var normalized any

	switch field.Type {
	case FieldTypeText, FieldTypeEditor:
		normalized = v.validateText(field, value)
	case FieldTypeEmail:
		normalized = v.validateEmail(field, value)
	case FieldTypeURL:
		normalized = v.validateURL(field, value)
	case FieldTypeNumber:
		normalized = v.validateNumber(field, value)
	case FieldTypeBool:
		normalized = v.validateBool(field, value)
	case FieldTypeDate:
		normalized = v.validateTime(field, value, true)
	case FieldTypeDateTime:
		normalized = v.validateTime(field, value, false)
	case FieldTypeSelect:
		normalized = v.validateSelect(field, value)
	case FieldTypeFile:
		normalized = v.validateIDList(field, value, fileMaxSelect(field))
	case FieldTypeRelation:
		normalized = v.validateRelation(field, value)
	case FieldTypeJSON:
		normalized = v.validateJSON(field, value)
	case FieldTypeGeoPoint:
		normalized = v.validateGeoPoint(field, value)
	default:
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Unsupported field type %q", field.Type), field.Name)
	}
	return normalized, len(v.issues) == before
}

func (v *Validator) validateText(field *FieldSchema, value any) any {
	str, ok := value.(string)
	if !ok {
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected string, got %T", value), field.Name)
		return nil
	}
	v.checkLength(field, str)
	v.checkPattern(field, str)
	v.checkAllowed(field, str)
	return str
}

func (v *Validator) validateEmail(field *FieldSchema, value any) any {
	str, ok := value.(string)
	if !ok {
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected string, got %T", value), field.Name)
		return nil
	}
	addr, err := mail.ParseAddress(str)
	if err != nil || addr.Address != str {
		v.addIssue(IssueInvalidFormat, "Invalid email address", field.Name)
		return nil
	}
	v.checkPattern(field, str)
	return str
}

func (v *Validator) validateURL(field *FieldSchema, value any) any {
	str, ok := value.(string)
	if !ok {
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected string, got %T", value), field.Name)
		return nil
	}
	u, err := url.ParseRequestURI(str)
	if err != nil || u.Scheme == "" || u.Host == "" {
		v.addIssue(IssueInvalidFormat, "Invalid absolute URL", field.Name)
		return nil
	}
	v.checkPattern(field, str)
	return str
}

func (v *Validator) validateNumber(field *FieldSchema, value any) any {
	if _, isBool := value.(bool); isBool {
		v.addIssue(IssueTypeMismatch, "Expected number, got bool", field.Name)
		return nil
	}
	num, ok := core.ToFloat64(value)
	if !ok {
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected number, got %T", value), field.Name)
		return nil
	}
	v.CheckRange(field, num)
	return num
}

// CheckRange reports min/max violations of a number field. It is exported for
// increment modifiers, whose result is only known from the stored value.
func (v *Validator) CheckRange(field *FieldSchema, num float64) {
	if field.Validation.Min != nil && num < *field.Validation.Min {
		v.addIssue(IssueMinViolation, fmt.Sprintf("Must be at least %v", *field.Validation.Min), field.Name)
	}
	if field.Validation.Max != nil && num > *field.Validation.Max {
		v.addIssue(IssueMaxViolation, fmt.Sprintf("Must be at most %v", *field.Validation.Max), field.Name)
	}
}

// Issues returns the issues collected so far.
func (v *Validator) Issues() []core.Issue {
	return v.issues
}

func (v *Validator) validateBool(field *FieldSchema, value any) any {
	switch val := value.(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(val) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected boolean, got %T", value), field.Name)
	return nil
}

func (v *Validator) validateTime(field *FieldSchema, value any, dateOnly bool) any {
	var t time.Time
	switch val := value.(type) {
	case time.Time:
		t = val
	case string:
		parsed, err := ParseTime(val)
		if err != nil {
			v.addIssue(IssueInvalidFormat, fmt.Sprintf("Invalid date value %q", val), field.Name)
			return nil
		}
		t = parsed
	default:
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected date string, got %T", value), field.Name)
		return nil
	}
	if dateOnly {
		return t.UTC().Format(DateLayout)
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts the storage layout, RFC 3339 and plain dates.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05", DateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}

func (v *Validator) validateSelect(field *FieldSchema, value any) any {
	allowed := field.AllowedValues()
	if !field.IsMultiple() {
		str, ok := value.(string)
		if !ok {
			v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected string, got %T", value), field.Name)
			return nil
		}
		if !slices.Contains(allowed, str) {
			v.addIssue(IssueEnumViolation, fmt.Sprintf("Value must be one of: %v", allowed), field.Name)
		}
		return str
	}

	values, ok := core.ToStringSlice(value)
	if !ok {
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected list of strings, got %T", value), field.Name)
		return nil
	}
	values = dedupe(values)
	for _, s := range values {
		if !slices.Contains(allowed, s) {
			v.addIssue(IssueEnumViolation, fmt.Sprintf("Value %q must be one of: %v", s, allowed), field.Name)
		}
	}
	if field.Select.MaxSelect > 0 && len(values) > field.Select.MaxSelect {
		v.addIssue(IssueMaxSelectExceeded, fmt.Sprintf("At most %d values allowed", field.Select.MaxSelect), field.Name)
	}
	return values
}

func fileMaxSelect(field *FieldSchema) int {
	if field.File == nil {
		return 0
	}
	return field.File.MaxSelect
}

func (v *Validator) validateIDList(field *FieldSchema, value any, maxSelect int) any {
	ids, ok := core.ToStringSlice(value)
	if !ok {
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected id or list of ids, got %T", value), field.Name)
		return nil
	}
	ids = dedupe(ids)
	if maxSelect > 0 && len(ids) > maxSelect {
		v.addIssue(IssueMaxSelectExceeded, fmt.Sprintf("At most %d values allowed", maxSelect), field.Name)
	}
	if maxSelect == 1 {
		if len(ids) == 0 {
			return nil
		}
		return ids[0]
	}
	return ids
}

func (v *Validator) validateRelation(field *FieldSchema, value any) any {
	if field.IsMultiple() {
		return v.validateIDList(field, value, 0)
	}
	id, ok := value.(string)
	if !ok {
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected record id, got %T", value), field.Name)
		return nil
	}
	return id
}

func (v *Validator) validateJSON(field *FieldSchema, value any) any {
	if raw, ok := value.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			v.addIssue(IssueInvalidFormat, "Invalid JSON value", field.Name)
			return nil
		}
		value = decoded
	}
	if field.JSON == nil || len(field.JSON.Schema) == 0 {
		return value
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(field.JSON.Schema))
	if err != nil {
		v.addIssue(IssueJSONSchema, fmt.Sprintf("Invalid JSON schema: %v", err), field.Name)
		return nil
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		v.addIssue(IssueJSONSchema, fmt.Sprintf("JSON schema validation error: %v", err), field.Name)
		return nil
	}
	if !result.Valid() {
		for _, desc := range result.Errors() {
			v.addIssue(IssueJSONSchema, desc.String(), field.Name)
		}
	}
	return value
}

func (v *Validator) validateGeoPoint(field *FieldSchema, value any) any {
	obj, ok := value.(map[string]any)
	if !ok {
		v.addIssue(IssueTypeMismatch, fmt.Sprintf("Expected {lat, lng} object, got %T", value), field.Name)
		return nil
	}
	lat, latOK := core.ToFloat64(obj["lat"])
	lng, lngOK := core.ToFloat64(obj["lng"])
	if !latOK || !lngOK {
		v.addIssue(IssueTypeMismatch, "Geopoint needs numeric lat and lng", field.Name)
		return nil
	}

	if lat < -90 || lat > 90 {
		v.addIssue(IssueGeoOutOfBounds, "Latitude must be between -90 and 90", field.Name+".lat")
	}
	if lng < -180 || lng > 180 {
		v.addIssue(IssueGeoOutOfBounds, "Longitude must be between -180 and 180", field.Name+".lng")
	}

	point := map[string]any{"lat": lat, "lng": lng}
	if opts := field.GeoPoint; opts != nil {
		if opts.MinLat != nil && lat < *opts.MinLat || opts.MaxLat != nil && lat > *opts.MaxLat {
			v.addIssue(IssueGeoOutOfBounds, "Latitude is outside the allowed range", field.Name+".lat")
		}
		if opts.MinLng != nil && lng < *opts.MinLng || opts.MaxLng != nil && lng > *opts.MaxLng {
			v.addIssue(IssueGeoOutOfBounds, "Longitude is outside the allowed range", field.Name+".lng")
		}
		if _, hasAlt := obj["alt"]; opts.RequireAltitude && !hasAlt {
			v.addIssue(IssueAltitudeRequired, "Altitude is required", field.Name+".alt")
		}
	}
	if rawAlt, hasAlt := obj["alt"]; hasAlt && rawAlt != nil {
		alt, ok := core.ToFloat64(rawAlt)
		if !ok {
			v.addIssue(IssueTypeMismatch, "Altitude must be numeric", field.Name+".alt")
		} else {
			point["alt"] = alt
		}
	}
	return point
}

func (v *Validator) checkLength(field *FieldSchema, str string) {
	n := utf8.RuneCountInString(str)
	if field.Validation.MinLength != nil && n < *field.Validation.MinLength {
		v.addIssue(IssueLengthViolation, fmt.Sprintf("Must be at least %d characters", *field.Validation.MinLength), field.Name)
	}
	if field.Validation.MaxLength != nil && *field.Validation.MaxLength > 0 && n > *field.Validation.MaxLength {
		v.addIssue(IssueLengthViolation, fmt.Sprintf("Must be at most %d characters", *field.Validation.MaxLength), field.Name)
	}
}

func (v *Validator) checkPattern(field *FieldSchema, str string) {
	if field.Validation.Pattern == "" {
		return
	}
	re, ok := v.patterns[field.Validation.Pattern]
	if !ok {
		compiled, err := regexp.Compile(field.Validation.Pattern)
		if err != nil {
			v.addIssue(IssuePatternViolation, "Field pattern is invalid", field.Name)
			return
		}
		v.patterns[field.Validation.Pattern] = compiled
		re = compiled
	}
	if !re.MatchString(str) {
		v.addIssue(IssuePatternViolation, fmt.Sprintf("Does not match pattern %s", field.Validation.Pattern), field.Name)
	}
}

func (v *Validator) checkAllowed(field *FieldSchema, str string) {
	if len(field.Validation.Values) == 0 {
		return
	}
	if !slices.Contains(field.Validation.Values, str) {
		v.addIssue(IssueEnumViolation, fmt.Sprintf("Value must be one of: %v", field.Validation.Values), field.Name)
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, s := range values {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// addIssue adds a new validation issue to the validator's list of issues.
func (v *Validator) addIssue(code, message, path string) {
	v.issues = append(v.issues, core.Issue{
		Code:     code,
		Message:  message,
		Path:     path,
		Severity: "error",
	})
}

// AddIssue records an issue found outside field validation, such as a bad
// modifier key.
func (v *Validator) AddIssue(code, message, path string) {
	v.addIssue(code, message, path)
}
