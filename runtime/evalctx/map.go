package evalctx

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Map is an insertion-ordered map whose keys match case-insensitively.
// The first spelling of a key is kept for output.
type Map struct {
	order  []string // folded keys in insertion order
	keys   map[string]string
	values map[string]any
}

func NewMap() *Map {
	return &Map{
		keys:   make(map[string]string),
		values: make(map[string]any),
	}
}

func fold(key string) string {
	return strings.ToLower(key)
}

func (m *Map) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[fold(key)]
	return v, ok
}

// Set stores v under key. An existing key keeps its position and spelling.
func (m *Map) Set(key string, v any) {
	f := fold(key)
	if _, ok := m.values[f]; !ok {
		m.order = append(m.order, f)
		m.keys[f] = key
	}
	m.values[f] = v
}

func (m *Map) Delete(key string) {
	f := fold(key)
	if _, ok := m.values[f]; !ok {
		return
	}
	delete(m.values, f)
	delete(m.keys, f)
	for i, k := range m.order {
		if k == f {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Keys returns the keys in insertion order with their original spelling.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.order))
	for i, f := range m.order {
		out[i] = m.keys[f]
	}
	return out
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m *Map) Range(fn func(key string, v any) bool) {
	if m == nil {
		return
	}
	for _, f := range m.order {
		if !fn(m.keys[f], m.values[f]) {
			return
		}
	}
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := NewMap()
	for _, f := range m.order {
		out.order = append(out.order, f)
		out.keys[f] = m.keys[f]
		out.values[f] = cloneValue(m.values[f])
	}
	return out
}

// Native converts the map and everything under it into plain Go maps and slices.
func (m *Map) Native() map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m.order))
	for _, f := range m.order {
		out[m.keys[f]] = ToNative(m.values[f])
	}
	return out
}

func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(m.keys[f])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(m.values[f])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeOrdered(dec)
	if err != nil {
		return err
	}
	out, ok := v.(*Map)
	if !ok {
		return &json.UnmarshalTypeError{Value: "non-object", Type: mapType}
	}
	*m = *out
	return nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Map:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
