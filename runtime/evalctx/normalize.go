package evalctx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"time"
)

var mapType = reflect.TypeOf(Map{})

// Normalize converts a native Go value into the closed set of context kinds:
// nil, bool, int64, float64, string, *Map and []any. Plain maps become *Map
// with sorted keys so that output is deterministic.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return t
	case *Map:
		return t
	case *Context:
		return t.root
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return uintValue(uint64(t))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return uintValue(t)
	case float32:
		return float64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case map[string]any:
		return normalizeMap(len(t), func(yield func(string, any)) {
			for k, item := range t {
				yield(k, item)
			}
		})
	case map[string]string:
		return normalizeMap(len(t), func(yield func(string, any)) {
			for k, item := range t {
				yield(k, item)
			}
		})
	case map[any]any:
		return normalizeMap(len(t), func(yield func(string, any)) {
			for k, item := range t {
				yield(fmt.Sprint(k), item)
			}
		})
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = int64(item)
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case fmt.Stringer:
		return t.String()
	case error:
		return t.Error()
	}
	return fmt.Sprint(v)
}

func uintValue(u uint64) any {
	if u > 1<<63-1 {
		return float64(u)
	}
	return int64(u)
}

func normalizeMap(size int, each func(yield func(string, any))) *Map {
	keys := make([]string, 0, size)
	vals := make(map[string]any, size)
	each(func(k string, v any) {
		keys = append(keys, k)
		vals[k] = v
	})
	sort.Strings(keys)

	out := NewMap()
	for _, k := range keys {
		out.Set(k, Normalize(vals[k]))
	}
	return out
}

// ToNative converts context values back to plain maps and slices.
func ToNative(v any) any {
	switch t := v.(type) {
	case *Map:
		return t.Native()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = ToNative(item)
		}
		return out
	}
	return v
}

// ParseJSON decodes a JSON document into context kinds, preserving object
// key order and integer precision.
func ParseJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeOrdered(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return v, nil
}

func decodeOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := NewMap()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("invalid object key %v", kt)
				}
				val, err := decodeOrdered(dec)
				if err != nil {
					return nil, err
				}
				m.Set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return m, nil
		case '[':
			list := make([]any, 0)
			for dec.More() {
				val, err := decodeOrdered(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case json.Number:
		return Normalize(t), nil
	case string:
		return t, nil
	case bool:
		return t, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}
