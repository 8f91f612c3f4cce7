package condition

import (
	"reflect"
	"strings"
)

// Context holds the values conditions are evaluated against. Nested maps are
// addressed with dot paths such as "payload.amount" or "overlay.TRIPWIRE".
type Context map[string]any

// Resolve walks a dot path through nested maps. The boolean reports whether
// every segment was present.
func (c Context) Resolve(path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var cur any = map[string]any(c)
	for _, part := range strings.Split(path, ".") {
		next, ok := lookup(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func lookup(v any, key string) (any, bool) {
	switch m := v.(type) {
	case Context:
		val, ok := m[key]
		return val, ok
	case map[string]any:
		val, ok := m[key]
		return val, ok
	case map[string]string:
		val, ok := m[key]
		return val, ok
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	}
	return nil, false
}
