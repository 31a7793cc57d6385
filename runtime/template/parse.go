package template

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/BDNK1/flowgate/runtime"
)

// metaKey holds template metadata; it is stripped from rendered output.
const metaKey = "_meta"

var exprFunctions = []expr.Option{
	expr.Function("base64_encode", func(params ...any) (any, error) {
		return base64.StdEncoding.EncodeToString([]byte(runtime.ToText(params[0]))), nil
	}, new(func(any) string)),
	expr.Function("base64_decode", func(params ...any) (any, error) {
		decoded, err := base64.StdEncoding.DecodeString(runtime.ToText(params[0]))
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}, new(func(any) string)),
}

// compileEnv declares the context-bound helpers so calls type-check; the
// real closures are supplied per render by helperEnv.
var compileEnv = map[string]any{
	"null":    nil,
	"now":     func(...string) string { return "" },
	"lookup":  func(string) any { return nil },
	"defined": func(string) bool { return false },
}

type segment struct {
	text     string
	src      string
	program  *vm.Program
	inString bool
}

// Template is a parsed JSON template with {{ expr }} placeholders.
type Template struct {
	Path     string
	Required []string
	segments []segment
}

// Parse splits content into literal text and compiled placeholders. The
// document with every placeholder blanked out must be valid JSON; its
// _meta.required list is read at this point.
func Parse(path string, content []byte) (*Template, error) {
	t := &Template{Path: path}
	src := string(content)

	var (
		text     strings.Builder
		skeleton strings.Builder
		inString bool
		escaped  bool
	)
	flush := func() {
		if text.Len() > 0 {
			t.segments = append(t.segments, segment{text: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(src); i++ {
		if strings.HasPrefix(src[i:], "{{") {
			end := strings.Index(src[i+2:], "}}")
			if end < 0 {
				return nil, fmt.Errorf("template %s: unclosed placeholder at offset %d", path, i)
			}
			code := strings.TrimSpace(src[i+2 : i+2+end])
			if code == "" {
				return nil, fmt.Errorf("template %s: empty placeholder at offset %d", path, i)
			}
			program, err := expr.Compile(code, append([]expr.Option{expr.Env(compileEnv), expr.AllowUndefinedVariables()}, exprFunctions...)...)
			if err != nil {
				return nil, fmt.Errorf("template %s: placeholder %q: %w", path, code, err)
			}

			flush()
			t.segments = append(t.segments, segment{src: code, program: program, inString: inString})
			if !inString {
				skeleton.WriteString("null")
			}
			i += end + 3
			continue
		}

		c := src[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		}
		text.WriteByte(c)
		skeleton.WriteByte(c)
	}
	flush()

	root, err := gabs.ParseJSON([]byte(skeleton.String()))
	if err != nil {
		return nil, fmt.Errorf("template %s is not valid JSON: %w", path, err)
	}
	for _, item := range root.Search(metaKey, "required").Children() {
		if s, ok := item.Data().(string); ok && strings.TrimSpace(s) != "" {
			t.Required = append(t.Required, s)
		}
	}
	return t, nil
}

// execute renders the template text. A placeholder that fails to evaluate
// renders as null (or an empty string inside a string literal); the
// failures are returned alongside the text.
func (t *Template) execute(env map[string]any) (string, []error) {
	var (
		sb   strings.Builder
		errs []error
	)
	for _, seg := range t.segments {
		if seg.program == nil {
			sb.WriteString(seg.text)
			continue
		}

		v, err := expr.Run(seg.program, env)
		if err != nil {
			errs = append(errs, fmt.Errorf("placeholder %q: %w", seg.src, err))
			v = nil
		}

		if seg.inString {
			sb.WriteString(escapeString(v))
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("placeholder %q: %w", seg.src, err))
			b = []byte("null")
		}
		sb.Write(b)
	}
	return sb.String(), errs
}

// escapeString returns v as text escaped for the inside of a JSON string.
func escapeString(v any) string {
	if v == nil {
		return ""
	}
	b, _ := json.Marshal(runtime.ToText(v))
	return string(b[1 : len(b)-1])
}

// clock formats now() results in a fixed location.
type clock struct {
	loc *time.Location
	now func() time.Time
}

func (c clock) format(layout ...string) string {
	l := time.RFC3339
	if len(layout) > 0 && layout[0] != "" {
		l = layout[0]
	}
	return c.now().In(c.loc).Format(l)
}
