package template

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/BDNK1/flowgate/runtime/evalctx"
	"github.com/BDNK1/flowgate/runtime/filesource"
)

type entry struct {
	tmpl     *Template
	loadedAt time.Time
}

// Renderer loads templates from a file source and renders them against an
// evaluation context. Parsed templates are cached per path for ttl and
// dropped when their file changes. A ttl of zero disables caching.
type Renderer struct {
	files filesource.Source
	ttl   time.Duration
	l     *slog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

func NewRenderer(files filesource.Source, ttl time.Duration, l *slog.Logger) *Renderer {
	r := &Renderer{
		files:   files,
		ttl:     ttl,
		l:       l,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	files.OnChange(r.Invalidate)
	return r
}

func cacheKey(p string) string {
	return strings.ToLower(path.Clean(strings.TrimPrefix(p, "/")))
}

// Load returns the parsed template at p, from cache when fresh.
func (r *Renderer) Load(ctx context.Context, p string) (*Template, error) {
	key := cacheKey(p)

	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok && r.now().Sub(e.loadedAt) < r.ttl {
		return e.tmpl, nil
	}

	content, err := r.files.Read(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", p, err)
	}
	tmpl, err := Parse(p, content)
	if err != nil {
		return nil, err
	}

	if r.ttl <= 0 {
		return tmpl, nil
	}

	r.mu.Lock()
	r.entries[key] = entry{tmpl: tmpl, loadedAt: r.now()}
	r.mu.Unlock()

	r.l.InfoContext(ctx, "Template loaded and cached", "template", p, "required", len(tmpl.Required))
	return tmpl, nil
}

// Invalidate drops the cached template for file.
func (r *Renderer) Invalidate(file string) {
	key := cacheKey(file)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		delete(r.entries, key)
		r.l.Info("Template file changed, invalidating cache", "template", file)
	}
}

// InvalidateAll empties the template cache.
func (r *Renderer) InvalidateAll() {
	r.mu.Lock()
	r.entries = make(map[string]entry)
	r.mu.Unlock()
}

// Metadata returns the _meta.required paths of the template at p.
func (r *Renderer) Metadata(ctx context.Context, p string) ([]string, error) {
	tmpl, err := r.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	return tmpl.Required, nil
}

// Render renders the template at p and parses the result. now() inside the
// template reports time in loc (UTC when nil).
func (r *Renderer) Render(ctx context.Context, p string, ec *evalctx.Context, loc *time.Location) (any, error) {
	tmpl, err := r.Load(ctx, p)
	if err != nil {
		return nil, err
	}

	text, errs := tmpl.execute(helperEnv(ec, clock{loc: orUTC(loc), now: r.now}))
	for _, e := range errs {
		r.l.DebugContext(ctx, "Template placeholder rendered as null", "template", p, "error", e)
	}

	out, err := evalctx.ParseJSON([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("template %s rendered invalid JSON: %w", p, err)
	}
	if m, ok := out.(*evalctx.Map); ok {
		m.Delete(metaKey)
	}
	return out, nil
}

// helperEnv exposes the context to expressions along with null, now(),
// lookup(path) for case-insensitive access and defined(path).
func helperEnv(ec *evalctx.Context, c clock) map[string]any {
	env := ec.Native()
	env["null"] = nil
	env["now"] = c.format
	env["lookup"] = func(p string) any {
		return evalctx.ToNative(ec.Get(p))
	}
	env["defined"] = func(p string) bool {
		_, ok := ec.Lookup(p)
		return ok
	}
	return env
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
