package nttype

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidData is the base error for values that fail per-type
// validation. Callers match it with errors.Is.
var ErrInvalidData = errors.New("invalid data for type")

// Coerce validates v against the descriptor and returns the canonical Go
// representation for it: bool, float64, int64, float32, string, []byte or
// the corresponding slice type. It accepts both natural Go values supplied
// by callers and the loosely-typed values the msgpack decoder produces
// ([]any element slices, int64 where a double is expected, and so on).
func (ti TypeInfo) Coerce(v any) (any, error) {
	switch ti.Num {
	case Boolean.Num:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid(ti, v)
		}
		return b, nil

	case Double.Num:
		f, ok := toFloat64(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalid(ti, v)
		}
		return f, nil

	case Int.Num:
		n, ok := toInt64(v)
		if !ok {
			return nil, invalid(ti, v)
		}
		return n, nil

	case Float.Num:
		f, ok := toFloat64(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalid(ti, v)
		}
		return float32(f), nil

	case String.Num:
		s, ok := toString(v)
		if !ok {
			return nil, invalid(ti, v)
		}
		if ti.Name == JSON.Name {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return nil, fmt.Errorf("%w %s: %v", ErrInvalidData, ti.Name, err)
			}
			if _, ok := parsed.(map[string]any); !ok {
				return nil, fmt.Errorf("%w %s: parsed value is not an object", ErrInvalidData, ti.Name)
			}
		}
		return s, nil

	case Raw.Num:
		b, ok := toBytes(v)
		if !ok {
			return nil, invalid(ti, v)
		}
		return b, nil

	case BooleanArray.Num:
		return coerceSlice[bool](ti, v, func(e any) (bool, bool) {
			b, ok := e.(bool)
			return b, ok
		})

	case DoubleArray.Num:
		return coerceSlice[float64](ti, v, func(e any) (float64, bool) {
			f, ok := toFloat64(e)
			if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
				return 0, false
			}
			return f, true
		})

	case IntArray.Num:
		return coerceSlice[int64](ti, v, toInt64)

	case FloatArray.Num:
		return coerceSlice[float32](ti, v, func(e any) (float32, bool) {
			f, ok := toFloat64(e)
			if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
				return 0, false
			}
			return float32(f), true
		})

	case StringArray.Num:
		return coerceSlice[string](ti, v, toString)
	}

	return nil, fmt.Errorf("%w: unrecognized type %d %q", ErrInvalidData, ti.Num, ti.Name)
}

// Validate checks v against the descriptor without returning the coerced
// form.
func (ti TypeInfo) Validate(v any) error {
	_, err := ti.Coerce(v)
	return err
}

func invalid(ti TypeInfo, v any) error {
	return fmt.Errorf("%w %s: %T", ErrInvalidData, ti.Name, v)
}

// coerceSlice converts a typed slice or a decoder-produced []any into []E,
// validating each element.
func coerceSlice[E any](ti TypeInfo, v any, conv func(any) (E, bool)) (any, error) {
	if s, ok := v.([]E); ok {
		for _, e := range s {
			if _, ok := conv(e); !ok {
				return nil, invalid(ti, e)
			}
		}
		return s, nil
	}

	var raw []any
	switch s := v.(type) {
	case []any:
		raw = s
	case []int, []int64, []float64, []float32, []uint64, []string, []bool:
		raw = anySlice(s)
	default:
		return nil, invalid(ti, v)
	}

	out := make([]E, len(raw))
	for i, e := range raw {
		c, ok := conv(e)
		if !ok {
			return nil, invalid(ti, e)
		}
		out[i] = c
	}
	return out, nil
}

func anySlice(v any) []any {
	switch s := v.(type) {
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []int64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []uint64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []float32:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []bool:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return nil
}

func toFloat64(v any) (float64, bool) {
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
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		// msgpack decodes some servers' integers as doubles; accept
		// only exactly integral values.
		if math.IsNaN(n) || math.IsInf(n, 0) || math.Trunc(n) != n {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func toBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		// Some encoders ship raw payloads as msgpack str.
		return []byte(b), true
	}
	return nil, false
}
