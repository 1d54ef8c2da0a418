package micsapi

import "math"

// Sanitize walks a decoded JSON value and replaces NaN and infinite floats
// with nil, since strict JSON has no encoding for them. Maps and slices are
// rebuilt so the input is never mutated.
func Sanitize(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case float32:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[key] = Sanitize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return value
	}
}
