package validator

import (
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/maruel/odb/internal/driver"
)

// property is one top level field of a reflected schema.
type property struct {
	name     string
	typ      string
	required bool
}

// Schema returns a registration rejecting records of table that lack a
// required property of T or hold a property of the wrong primitive type.
//
// Properties are derived from T's json tags through JSON Schema reflection:
// a field without omitempty is required. Fields not declared by T are
// accepted.
func Schema[T any](table string) Registration {
	props := reflectProperties(reflect.TypeFor[T]())
	check := func(rec driver.Record) error {
		return checkProperties(props, rec)
	}
	return Registration{
		Table: table,
		Register: func(c Candidate) (Cleanup, error) {
			return nil, check(c.Data().Get())
		},
		Check: check,
	}
}

func reflectProperties(t reflect.Type) []property {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("validator: schema type must be a struct, got %s", t))
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true, ExpandedStruct: true}
	s := r.ReflectFromType(t)
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}
	var props []property
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		props = append(props, property{name: pair.Key, typ: pair.Value.Type, required: required[pair.Key]})
	}
	return props
}

func checkProperties(props []property, rec driver.Record) error {
	for _, p := range props {
		v, ok := rec[p.name]
		if !ok || v == nil {
			if p.required {
				return fmt.Errorf("missing required property %q", p.name)
			}
			continue
		}
		if !hasType(v, p.typ) {
			return fmt.Errorf("property %q: want %s, got %T", p.name, p.typ, v)
		}
	}
	return nil
}

// hasType reports whether v is a JSON value of schema type typ. Unknown or
// empty types accept anything.
func hasType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		return isNumber(v)
	case "integer":
		if f, ok := v.(float64); ok {
			return f == float64(int64(f))
		}
		return isNumber(v)
	case "array":
		return reflect.ValueOf(v).Kind() == reflect.Slice
	case "object":
		return reflect.ValueOf(v).Kind() == reflect.Map
	default:
		return true
	}
}

func isNumber(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
