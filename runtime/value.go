package runtime

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cast"
)

// ToNumber coerces numbers and numeric strings to float64. Booleans and
// everything else are not numeric.
func ToNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return 0, false
		}
		f, err := cast.ToFloat64E(t)
		return f, err == nil
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		f, err := cast.ToFloat64E(t)
		return f, err == nil
	}
	return 0, false
}

// ToText renders a scalar as text. Maps and lists render as compact JSON;
// nil renders as the empty string.
func ToText(v any) string {
	if v == nil {
		return ""
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	if m, ok := v.(json.Marshaler); ok {
		if b, err := m.MarshalJSON(); err == nil {
			return string(b)
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return cast.ToString(v)
	}
	return string(b)
}

// IsTruthy applies the engine's truthiness rule: nil, false, zero, and the
// empty string are false; everything else is true.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	}
	if f, ok := ToNumber(v); ok {
		return f != 0
	}
	return true
}
