package recovery

import (
	"fmt"
	"strconv"
	"strings"
)

// String reads a string field. Numbers and booleans are formatted.
func String(m map[string]any, key string) (string, bool) {
	switch v := m[key].(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

// Number reads a numeric field. Numeric strings such as "0.8" are accepted.
func Number(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// Bool reads a boolean field. The strings "true" and "false" are accepted.
func Bool(m map[string]any, key string) (bool, bool) {
	switch v := m[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	return false, false
}

// Strings reads a list of strings. Non-string elements are formatted; a bare
// string becomes a one-element list.
func Strings(m map[string]any, key string) ([]string, bool) {
	switch v := m[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			switch s := e.(type) {
			case string:
				if strings.TrimSpace(s) != "" {
					out = append(out, s)
				}
			case nil:
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
		return out, true
	case string:
		if strings.TrimSpace(v) == "" {
			return []string{}, true
		}
		return []string{v}, true
	}
	return nil, false
}

// Objects reads a list of objects. Elements that are not objects are dropped
// and counted in skipped.
func Objects(m map[string]any, key string) (objs []map[string]any, skipped int, ok bool) {
	list, isList := m[key].([]any)
	if !isList {
		return nil, 0, false
	}
	for _, e := range list {
		if o, isObj := e.(map[string]any); isObj {
			objs = append(objs, o)
		} else {
			skipped++
		}
	}
	return objs, skipped, true
}

// TypeName returns a short name for the JSON type of v.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
