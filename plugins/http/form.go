package http

import (
	"fmt"
	"strconv"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

// flattenToFormData flattens a nested body into bracketed form keys, as
// expected by form-encoded APIs: a[b][0]=x.
func flattenToFormData(data map[string]any, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range data {
		key := k
		if prefix != "" {
			key = fmt.Sprintf("%s[%s]", prefix, k)
		}
		flattenValue(out, key, v)
	}
	return out
}

func flattenValue(out map[string]string, key string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range flattenToFormData(t, key) {
			out[k] = item
		}
	case *evalctx.Map:
		flattenValue(out, key, t.Native())
	case []any:
		for i, item := range t {
			flattenValue(out, key+"["+strconv.Itoa(i)+"]", item)
		}
	case nil:
		out[key] = ""
	default:
		out[key] = runtime.ToText(t)
	}
}
