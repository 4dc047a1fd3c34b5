// Package utils converts between typed Go values and the dynamic map form
// records and metadata rows take inside the engine.
package utils

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ToRecord converts a struct, or a pointer to one, into a map keyed by its
// json tags. Nested structs become nested maps, which is the shape json and
// geopoint field values are validated in.
//
//	type Product struct {
//		Name  string  `json:"name"`
//		Price float64 `json:"price,omitempty"`
//	}
//	data, err := ToRecord(Product{Name: "lamp"}) // map[string]any{"name": "lamp"}
func ToRecord[T any](value T) (map[string]any, error) {
	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return nil, fmt.Errorf("ToRecord: value cannot be nil")
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, fmt.Errorf("ToRecord: value cannot be a nil pointer")
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("ToRecord: expected a struct or a pointer to a struct, got %s", val.Kind())
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("ToRecord: failed to marshal value: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ToRecord: failed to unmarshal value into a map: %w", err)
	}
	return out, nil
}

// FromRecord decodes a record map into T, which must be a struct or a pointer
// to a struct. Values the engine keeps as JSON text, such as a json column
// read back as a string, are decoded when the target field is not a string.
func FromRecord[T any](record map[string]any) (T, error) {
	var zero T
	if record == nil {
		return zero, fmt.Errorf("FromRecord: record cannot be nil")
	}
	typ := reflect.TypeOf(zero)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return zero, fmt.Errorf("FromRecord: target must be a struct or a pointer to a struct, got %s", typ.Kind())
	}

	normalized := make(map[string]any, len(record))
	for k, v := range record {
		normalized[k] = v
	}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		name := jsonName(field)
		raw, ok := normalized[name].(string)
		if !ok || field.Type.Kind() == reflect.String || !json.Valid([]byte(raw)) {
			continue
		}
		normalized[name] = json.RawMessage(raw)
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return zero, fmt.Errorf("FromRecord: failed to marshal record: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("FromRecord: failed to decode record: %w", err)
	}
	return out, nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			tag = tag[:i]
			break
		}
	}
	if tag == "" {
		return f.Name
	}
	return tag
}
