// Package schema derives tool input schemas from Go structs and decodes
// tool arguments into them.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/localrivet/mcprpc/protocol"
)

// goTypeToMCPType maps Go kinds to JSON Schema types.
func goTypeToMCPType(kind reflect.Kind) string {
	switch kind {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

type field struct {
	index    int
	name     string
	required bool
	enum     []string
}

// fields lists the exported fields of t with their schema names. A field
// is required unless it is a pointer, tagged omitempty or tagged
// required:"false".
func fields(t reflect.Type) []field {
	var out []field
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		jsonTag := f.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(jsonTag, ",")
		if name == "" {
			name = strings.ToLower(f.Name)
		}

		required := f.Type.Kind() != reflect.Ptr && !strings.Contains(opts, "omitempty")
		if tag := f.Tag.Get("required"); tag != "" {
			required = tag == "true"
		}

		var enum []string
		if tag := f.Tag.Get("enum"); tag != "" {
			for _, v := range strings.Split(tag, ",") {
				enum = append(enum, strings.TrimSpace(v))
			}
		}
		out = append(out, field{index: i, name: name, required: required, enum: enum})
	}
	return out
}

func structType(v interface{}) (reflect.Type, error) {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: %T is not a struct", v)
	}
	return t, nil
}

// FromStruct generates a tool input schema from the fields of a struct.
// Field names come from json tags; description, enum and format tags are
// copied into the property.
func FromStruct(v interface{}) (protocol.ToolInputSchema, error) {
	t, err := structType(v)
	if err != nil {
		return protocol.ToolInputSchema{}, err
	}
	s := protocol.ToolInputSchema{Type: "object", Properties: map[string]protocol.PropertyDetail{}}
	for _, f := range fields(t) {
		sf := t.Field(f.index)
		ft := sf.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		s.Properties[f.name] = protocol.PropertyDetail{
			Type:        goTypeToMCPType(ft.Kind()),
			Description: sf.Tag.Get("description"),
			Enum:        f.enum,
			Format:      sf.Tag.Get("format"),
		}
		if f.required {
			s.Required = append(s.Required, f.name)
		}
	}
	return s, nil
}

// Decode parses tool arguments into T and checks the required and enum
// constraints FromStruct advertises. Errors are suitable for showing to the
// caller of the tool.
func Decode[T any](args json.RawMessage) (*T, error) {
	var out T
	t := reflect.TypeOf(out)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: %T is not a struct", out)
	}

	raw := map[string]interface{}{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &raw); err != nil {
			return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	v := reflect.ValueOf(out)
	for _, f := range fields(t) {
		value, present := raw[f.name]
		if f.required && (!present || value == nil) {
			return nil, fmt.Errorf("missing required argument %q", f.name)
		}
		if len(f.enum) > 0 && value != nil {
			s := fmt.Sprint(reflect.Indirect(v.Field(f.index)).Interface())
			if !slices.Contains(f.enum, s) {
				return nil, fmt.Errorf("argument %q must be one of %s", f.name, strings.Join(f.enum, ", "))
			}
		}
	}
	return &out, nil
}
