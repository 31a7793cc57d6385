// Package evalctx holds the evaluation context shared by every stage of a
// flow run: an ordered, case-insensitive tree addressed by paths like a.b[2].c.
//
// A Context is not safe for concurrent mutation. Stages that run in parallel
// work on clones and merge afterwards.
package evalctx

import (
	"encoding/json"
	"errors"
)

var errRootIndex = errors.New("path cannot start with an index")

type Context struct {
	root *Map
}

func New() *Context {
	return &Context{root: NewMap()}
}

// FromMap builds a context from native values, normalising them.
func FromMap(values map[string]any) *Context {
	c := New()
	m := Normalize(values).(*Map)
	m.Range(func(k string, v any) bool {
		c.root.Set(k, v)
		return true
	})
	return c
}

// Get returns the value at path, or nil when any segment is missing.
func (c *Context) Get(path string) any {
	v, _ := Lookup(c.root, path)
	return v
}

// Lookup returns the value at path and whether the path resolved.
func (c *Context) Lookup(path string) (any, bool) {
	return Lookup(c.root, path)
}

// Set stores v at path, creating intermediate maps and lists.
// An error is returned only for a malformed path.
func (c *Context) Set(path string, v any) error {
	steps, err := parsePath(path)
	if err != nil {
		return err
	}
	if steps[0].isIndex {
		return errRootIndex
	}
	_, err = assign(c.root, steps, Normalize(v))
	return err
}

func (c *Context) Delete(key string) {
	c.root.Delete(key)
}

// Root exposes the top-level map.
func (c *Context) Root() *Map {
	return c.root
}

func (c *Context) Clone() *Context {
	return &Context{root: c.root.Clone()}
}

// Native returns the whole context as plain Go maps and slices.
func (c *Context) Native() map[string]any {
	return c.root.Native()
}

func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.root)
}
