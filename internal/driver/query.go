package driver

import (
	"encoding/json"
	"fmt"

	"github.com/maruel/odb/internal/errors"
)

// Query is a flat mapping of field to an exact value or a set built by In.
// The decoded form {"$in": [...]} is accepted as well.
type Query map[string]any

// InSet matches a field equal to any of its values.
type InSet []any

// In returns a predicate matching any of values.
func In(values ...any) InSet {
	return InSet(values)
}

// MarshalJSON encodes s as {"$in": [...]}.
func (s InSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]any{"$in": []any(s)})
}

// ByKey returns the query matching the record with key.
func ByKey(key string) Query {
	return Query{KeyField: key}
}

// Values returns the accepted values of a query term, and whether the term
// is a set rather than an exact value.
func Values(term any) ([]any, bool) {
	switch t := term.(type) {
	case InSet:
		return t, true
	case map[string]any:
		if v, ok := t["$in"].([]any); ok && len(t) == 1 {
			return v, true
		}
	}
	return []any{term}, false
}

// Validate rejects query terms that are neither scalars nor sets.
func (q Query) Validate() error {
	for field, term := range q {
		vals, _ := Values(term)
		for _, v := range vals {
			switch v.(type) {
			case map[string]any, Record, []any:
				return errors.Invalid(fmt.Sprintf("unsupported predicate on field %q", field))
			}
		}
	}
	return nil
}

// Keys returns the keys a query is restricted to and true when q constrains
// only the key field.
func (q Query) Keys() ([]string, bool) {
	if len(q) != 1 {
		return nil, false
	}
	term, ok := q[KeyField]
	if !ok {
		return nil, false
	}
	vals, _ := Values(term)
	keys := make([]string, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		keys = append(keys, s)
	}
	return keys, true
}

// Match reports whether rec satisfies every term of q. Drivers without a
// native equivalent use it for a full scan.
func Match(rec Record, q Query) bool {
	for field, term := range q {
		got, present := rec[field]
		vals, _ := Values(term)
		found := false
		for _, want := range vals {
			if want == nil {
				if !present || got == nil {
					found = true
					break
				}
				continue
			}
			if present && Equal(got, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
