package driver

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// KeyField is the record field holding the natural key.
const KeyField = "id"

// Record is a loosely structured stored value. Values are JSON compatible:
// nil, bool, float64, string, []any and map[string]any.
type Record map[string]any

// Key returns the natural key of r, or "" when r has none.
func (r Record) Key() string {
	switch v := r[KeyField].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case Record:
		return cloneValue(map[string]any(v))
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Normalize returns r with every value in its JSON decoded form, so that
// records are compared and stored the same way by every driver.
func Normalize(r Record) (Record, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return out, nil
}

// Merge returns a copy of base with patch applied. A nil value in patch
// removes the field.
func Merge(base, patch Record) Record {
	out := base.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Diff returns the patch turning base into next: changed or added fields
// with their new value, removed fields as nil. It returns nil when both are
// equal.
func Diff(base, next Record) Record {
	var patch Record
	for k, v := range next {
		if old, ok := base[k]; ok && Equal(old, v) {
			continue
		}
		if patch == nil {
			patch = Record{}
		}
		patch[k] = cloneValue(v)
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			if patch == nil {
				patch = Record{}
			}
			patch[k] = nil
		}
	}
	return patch
}

// Equal reports whether two record values are equal, treating every numeric
// type by its value.
func Equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case map[string]any, Record:
		am := asMap(av)
		bm, ok := b.(map[string]any)
		if !ok {
			br, ok := b.(Record)
			if !ok {
				return false
			}
			bm = br
		}
		if len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			w, ok := bm[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asMap(v any) map[string]any {
	if r, ok := v.(Record); ok {
		return r
	}
	return v.(map[string]any)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Fields returns the sorted field names of r.
func (r Record) Fields() []string {
	return slices.Sorted(maps.Keys(r))
}
