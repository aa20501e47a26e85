package config

import (
	"encoding/json"
	"fmt"
	"math"
)

// Normalize converts decoded values to the shapes the tree stores: integers
// become int, json.Number becomes int or float64, and nested maps get string
// keys. Other values are returned unchanged.
func Normalize(v any) any {
	switch val := v.(type) {
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		if val >= math.MinInt && val <= math.MaxInt {
			return int(val)
		}
		return val
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case uint64:
		if val <= math.MaxInt {
			return int(val)
		}
		return val
	case float32:
		return float64(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Normalize(i)
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}
