package runtime

import (
	"os"
	"regexp"
	"strings"

	"github.com/BDNK1/flowgate/runtime/evalctx"
)

var (
	// {{ name }}, {{ a.b[0] }}, {{ ENV.VAR }}
	doubleBraceRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	// {name}
	singleBraceRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.\[\]]*)\}`)
)

const envPrefix = "ENV."

// RenderPlaceholders substitutes {{path}} references with values resolved
// against values. {{ENV.NAME}} reads the process environment. Unresolved
// references render as the empty string.
func RenderPlaceholders(template string, values any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return doubleBraceRe.ReplaceAllStringFunc(template, func(match string) string {
		ref := strings.TrimSpace(doubleBraceRe.FindStringSubmatch(match)[1])
		if strings.HasPrefix(strings.ToUpper(ref), envPrefix) {
			return os.Getenv(ref[len(envPrefix):])
		}
		return ToText(evalctx.Resolve(values, ref))
	})
}

// RenderKey substitutes {name} references, as used by cache keys and raw SQL
// parameters. Unresolved references render as the empty string.
func RenderKey(template string, values any) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return singleBraceRe.ReplaceAllStringFunc(template, func(match string) string {
		ref := match[1 : len(match)-1]
		return ToText(evalctx.Resolve(values, ref))
	})
}

// RenderValue walks strings, maps and lists and renders {{ }} placeholders
// in every string leaf.
func RenderValue(v any, values any) any {
	switch t := v.(type) {
	case string:
		return RenderPlaceholders(t, values)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = RenderValue(item, values)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = RenderValue(item, values)
		}
		return out
	}
	return v
}
