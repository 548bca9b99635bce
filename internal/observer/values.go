package observer

import (
	"reflect"
)

var mapType = reflect.TypeFor[map[string]any]()

// asMap returns v as a map[string]any, converting named map types such as
// driver.Record.
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().ConvertibleTo(mapType) {
		return rv.Convert(mapType).Interface().(map[string]any), true
	}
	return nil, false
}

// plain returns a deep copy of v where every string-keyed map is a
// map[string]any and every []any is copied. Other values are returned as is.
func plain(v any) any {
	if m, ok := asMap(v); ok {
		if m == nil {
			return nil
		}
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = plain(e)
		}
		return out
	}
	if s, ok := v.([]any); ok {
		if s == nil {
			return nil
		}
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = plain(e)
		}
		return out
	}
	return v
}

// getIn returns the value at path inside root, or nil if absent.
func getIn(root any, path []string) any {
	cur := root
	for _, name := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur = m[name]
	}
	return cur
}

// setIn returns a copy of root with v stored at path. Maps along the path are
// copied, never mutated. A nil v removes the field.
func setIn(root any, path []string, v any) any {
	if len(path) == 0 {
		return v
	}
	m, _ := asMap(root)
	out := make(map[string]any, len(m)+1)
	for k, e := range m {
		out[k] = e
	}
	child := setIn(m[path[0]], path[1:], v)
	if child == nil {
		delete(out, path[0])
	} else {
		out[path[0]] = child
	}
	return out
}

// as converts a stored value to T. Mismatched types yield the zero value.
func as[T any](v any) T {
	if t, ok := v.(T); ok {
		return t
	}
	var zero T
	if v == nil {
		return zero
	}
	tt := reflect.TypeFor[T]()
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && tt.Kind() == reflect.Map && rv.Type().ConvertibleTo(tt) {
		return rv.Convert(tt).Interface().(T)
	}
	return zero
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
