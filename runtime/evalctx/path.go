package evalctx

import (
	"fmt"
	"strconv"
	"strings"
)

// maxIndex bounds list growth when Set addresses an index past the end.
const maxIndex = 10000

type step struct {
	key     string
	index   int
	isIndex bool
}

// parsePath splits a.b[2].c into steps. Each dot-separated segment is a
// name optionally followed by bracketed non-negative integer indices.
func parsePath(path string) ([]step, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	var steps []step
	for _, seg := range strings.Split(path, ".") {
		name := seg
		rest := ""
		if i := strings.IndexByte(seg, '['); i >= 0 {
			name, rest = seg[:i], seg[i:]
		}
		name = strings.TrimSpace(name)
		if name == "" && rest == "" {
			return nil, fmt.Errorf("empty segment in path '%s'", path)
		}
		if name != "" {
			steps = append(steps, step{key: name})
		}
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				return nil, fmt.Errorf("malformed index in path '%s'", path)
			}
			idx, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid index '%s' in path '%s'", rest[1:end], path)
			}
			steps = append(steps, step{index: idx, isIndex: true})
			rest = rest[end+1:]
		}
	}
	return steps, nil
}

// Lookup resolves path against any context value or plain Go map/slice tree.
// Map keys match case-insensitively. A numeric segment indexes a list and
// length, size or count on a list yields its length.
func Lookup(root any, path string) (any, bool) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, false
	}

	cur := root
	for _, s := range steps {
		next, ok := walk(cur, s)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Resolve is Lookup without the presence flag.
func Resolve(root any, path string) any {
	v, _ := Lookup(root, path)
	return v
}

func walk(cur any, s step) (any, bool) {
	if s.isIndex {
		return index(cur, s.index)
	}

	switch t := cur.(type) {
	case *Map:
		return t.Get(s.key)
	case *Context:
		return t.root.Get(s.key)
	case map[string]any:
		if v, ok := t[s.key]; ok {
			return v, true
		}
		for k, v := range t {
			if strings.EqualFold(k, s.key) {
				return v, true
			}
		}
		return nil, false
	case map[string]string:
		if v, ok := t[s.key]; ok {
			return v, true
		}
		for k, v := range t {
			if strings.EqualFold(k, s.key) {
				return v, true
			}
		}
		return nil, false
	}

	if n, ok := listLen(cur); ok {
		switch strings.ToLower(s.key) {
		case "length", "size", "count":
			return int64(n), true
		}
		if i, err := strconv.Atoi(s.key); err == nil {
			return index(cur, i)
		}
	}
	return nil, false
}

func index(cur any, i int) (any, bool) {
	switch t := cur.(type) {
	case []any:
		if i >= 0 && i < len(t) {
			return t[i], true
		}
	case []map[string]any:
		if i >= 0 && i < len(t) {
			return t[i], true
		}
	}
	return nil, false
}

func listLen(cur any) (int, bool) {
	switch t := cur.(type) {
	case []any:
		return len(t), true
	case []map[string]any:
		return len(t), true
	}
	return 0, false
}

// assign writes v at steps below cur, creating maps and lists on the way and
// replacing scalars that sit where a container is needed.
func assign(cur any, steps []step, v any) (any, error) {
	if len(steps) == 0 {
		return v, nil
	}

	s := steps[0]
	if s.isIndex {
		if s.index > maxIndex {
			return cur, fmt.Errorf("index %d exceeds limit %d", s.index, maxIndex)
		}
		list, _ := cur.([]any)
		for len(list) <= s.index {
			list = append(list, nil)
		}
		child, err := assign(list[s.index], steps[1:], v)
		if err != nil {
			return cur, err
		}
		list[s.index] = child
		return list, nil
	}

	m, ok := cur.(*Map)
	if !ok {
		m = NewMap()
	}
	existing, _ := m.Get(s.key)
	child, err := assign(existing, steps[1:], v)
	if err != nil {
		return cur, err
	}
	m.Set(s.key, child)
	return m, nil
}
