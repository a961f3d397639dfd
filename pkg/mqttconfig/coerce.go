package mqttconfig

import (
	"math"
)

// The coercion helpers below back the dictionary surface (Set/FromMap). The
// values come from YAML, JSON or a graph builder, so integers may arrive as
// any Go integer type or as an integral float64.

func toInt(option string, v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, invalidValue(option, v, "integer overflows int64")
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, invalidType(option, v, "expected an integer")
		}
		return int64(n), nil
	case float32:
		f := float64(n)
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, invalidType(option, v, "expected an integer")
		}
		return int64(f), nil
	default:
		return 0, invalidType(option, v, "expected an integer")
	}
}

func toString(option string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", invalidType(option, v, "expected a string")
	}
	return s, nil
}

func toBool(option string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, invalidType(option, v, "expected a boolean")
	}
	return b, nil
}

// isList reports whether v is a list shape accepted by the dictionary surface.
func isList(v any) bool {
	switch v.(type) {
	case []any, []string, []int, []int64:
		return true
	default:
		return false
	}
}

// toStringList accepts a list of strings, or a single string when
// allowScalar is set.
func toStringList(option string, v any, allowScalar bool) ([]string, error) {
	switch l := v.(type) {
	case string:
		if !allowScalar {
			return nil, invalidType(option, v, "expected a list of strings")
		}
		return []string{l}, nil
	case []string:
		out := make([]string, len(l))
		copy(out, l)
		return out, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, invalidType(option, v, "list elements must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, invalidType(option, v, "expected a list of strings")
	}
}

// toIntList converts a list value to integers. Every element must be an
// integer; strings such as "0" are rejected.
func toIntList(option string, v any) ([]int64, error) {
	switch l := v.(type) {
	case []int:
		out := make([]int64, len(l))
		for i, e := range l {
			out[i] = int64(e)
		}
		return out, nil
	case []int64:
		out := make([]int64, len(l))
		copy(out, l)
		return out, nil
	case []any:
		out := make([]int64, 0, len(l))
		for _, e := range l {
			n, err := toInt(option, e)
			if err != nil {
				return nil, invalidType(option, v, "list elements must be integers")
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, invalidType(option, v, "expected a list of integers")
	}
}
