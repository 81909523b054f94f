package flow

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Interpolate replaces every {{dot.path}} token in s with the value resolved
// against ctx. Unresolvable paths interpolate to the empty string.
func Interpolate(s string, ctx map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		path := placeholderRe.FindStringSubmatch(token)[1]
		val, ok := resolveVariable(ctx, path)
		if !ok || val == nil {
			return ""
		}
		return stringify(val)
	})
}

// InterpolateValue walks an arbitrary decoded JSON value and interpolates
// every string found in it, including strings nested in arrays and objects.
func InterpolateValue(v interface{}, ctx map[string]interface{}) interface{} {
	switch typed := v.(type) {
	case string:
		return Interpolate(typed, ctx)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = InterpolateValue(item, ctx)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, item := range typed {
			out[k] = InterpolateValue(item, ctx)
		}
		return out
	default:
		return v
	}
}

// resolvePath walks a dot path through nested maps. Array indexing is not
// supported; the authoring UI only produces map paths.
func resolvePath(ctx map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = ctx
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v interface{}) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		// JSON numbers decode as float64; drop the trailing .0 on integers.
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%g", typed)
	case bool:
		return fmt.Sprintf("%t", typed)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", typed)
	}
}
