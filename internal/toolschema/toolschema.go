// Package toolschema converts customer tool parameter declarations into the
// JSON Schema objects the LLM gateway expects.
//
// Three input forms are accepted:
//
//  1. Simple: {"city": "string", "limit": "number?"} — a bare type name,
//     trailing "?" marks the field optional.
//  2. Extended: {"unit": {"type": "string?", "description": "...",
//     "enum": ["C", "F"]}}.
//  3. Raw JSON Schema: detected when the root object itself carries a
//     "type" key; passed through untouched.
//
// Conversion happens once at configure time; the result is reused for every
// LLM call in the session.
package toolschema

import (
	"fmt"
	"sort"
	"strings"
)

// validTypes are the JSON Schema primitive types accepted in the simple and
// extended forms.
var validTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// Convert maps a tool parameter declaration to a JSON Schema object. A nil
// or empty declaration yields an object schema with no properties.
func Convert(params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}, nil
	}

	// Raw form: the root already is a schema.
	if _, ok := params["type"]; ok {
		return params, nil
	}

	properties := make(map[string]any, len(params))
	var required []string

	// Deterministic field order so the required list is stable across calls.
	fields := make([]string, 0, len(params))
	for f := range params {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		switch decl := params[field].(type) {
		case string:
			typ, optional, err := parseType(field, decl)
			if err != nil {
				return nil, err
			}
			properties[field] = map[string]any{"type": typ}
			if !optional {
				required = append(required, field)
			}

		case map[string]any:
			prop, optional, err := convertExtended(field, decl)
			if err != nil {
				return nil, err
			}
			properties[field] = prop
			if !optional {
				required = append(required, field)
			}

		default:
			return nil, fmt.Errorf("toolschema: field %q: unsupported declaration %T", field, params[field])
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, nil
}

// convertExtended maps one extended-form property declaration.
func convertExtended(field string, decl map[string]any) (map[string]any, bool, error) {
	rawType, ok := decl["type"].(string)
	if !ok {
		return nil, false, fmt.Errorf("toolschema: field %q: extended form requires a string type", field)
	}
	typ, optional, err := parseType(field, rawType)
	if err != nil {
		return nil, false, err
	}

	prop := map[string]any{"type": typ}
	if desc, ok := decl["description"].(string); ok && desc != "" {
		prop["description"] = desc
	}
	if enum, ok := decl["enum"].([]any); ok && len(enum) > 0 {
		prop["enum"] = enum
	}
	return prop, optional, nil
}

// parseType validates a type name and strips the optional marker.
func parseType(field, raw string) (typ string, optional bool, err error) {
	typ = raw
	if strings.HasSuffix(typ, "?") {
		optional = true
		typ = strings.TrimSuffix(typ, "?")
	}
	if !validTypes[typ] {
		return "", false, fmt.Errorf("toolschema: field %q: unknown type %q", field, raw)
	}
	return typ, optional, nil
}
