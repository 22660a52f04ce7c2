package buildbot

import (
	"maps"
	"slices"
)

// Values decoded from .pyl files are map[string]any, []any, string, int64,
// float64, bool, or nil.

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return deepCopy(m).(map[string]any)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func boolValue(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}

// stringsValue returns the strings of a list, ignoring other elements.
func stringsValue(v any) []string {
	list, _ := v.([]any)
	var out []string
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func allStrings(lists ...[]any) bool {
	for _, list := range lists {
		for _, e := range list {
			if _, ok := e.(string); !ok {
				return false
			}
		}
	}
	return true
}

func numberEquals(v any, n int64) bool {
	switch num := v.(type) {
	case int64:
		return num == n
	case float64:
		return num == float64(n)
	}
	return false
}
