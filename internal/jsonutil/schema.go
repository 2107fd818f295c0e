// Package jsonutil reflects Go argument structs into the JSON Schema maps
// the LLM providers expect for tool definitions, so a tool's argument
// shape lives in one tagged struct instead of a hand-built schema literal.
package jsonutil

import (
	"reflect"
	"strings"
)

// GenerateSchema builds an object schema for v's struct type. Field names
// come from the json tag (falling back to the Go name), `description` tags
// become description entries, and `required:"true"` fields are listed in
// the schema's required array. Non-struct values produce a bare type
// schema.
func GenerateSchema(v any) map[string]any {
	return schemaForType(reflect.TypeOf(v))
}

func schemaForType(t reflect.Type) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		return structSchema(t)
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": schemaForType(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": schemaForType(t.Elem())}
	default:
		// Interfaces and anything else stay unconstrained.
		return map[string]any{}
	}
}

func structSchema(t reflect.Type) map[string]any {
	properties := map[string]any{}
	var required []string

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, skip := fieldName(f)
		if skip {
			continue
		}

		prop := schemaForType(f.Type)
		if desc := f.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		properties[name] = prop

		if f.Tag.Get("required") == "true" {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// fieldName resolves a field's schema key from its json tag; a "-" tag
// drops the field entirely.
func fieldName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return "", true
	}
	if name == "" {
		return f.Name, false
	}
	return name, false
}
