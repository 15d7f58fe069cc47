package pipeline

import (
	"encoding/json"
	"strconv"
)

// Job options arrive from the CLI as native Go values and from HTTP/gRPC as
// decoded JSON, where every number is a float64.

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optBool(opts map[string]any, key string) (bool, bool) {
	switch v := opts[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	f, ok := optFloat(opts, key)
	return int(f), ok
}

func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func optIntOr(opts map[string]any, key string, def int) int {
	if v, ok := optInt(opts, key); ok {
		return v
	}
	return def
}

func optFloatOr(opts map[string]any, key string, def float64) float64 {
	if v, ok := optFloat(opts, key); ok {
		return v
	}
	return def
}
