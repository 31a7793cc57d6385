package http

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

// processResponse turns a response body into the dataset result: the node
// at resultPath, replaced by the extract object when one is configured,
// with resultPaths merged on top. Single mode unwraps the first list item.
func processResponse(ds *runtime.DatasetConfig, raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return evalctx.NewMap(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	root, err := gabs.ParseJSONDecoder(dec)
	if err != nil {
		return nil, &runtime.FlowError{
			Type:    runtime.ErrorTypePermanent,
			Code:    runtime.ErrorCodeDatasetFailed,
			Message: "response is not valid JSON",
			Step:    ds.Name,
			Cause:   err,
		}
	}

	var result any
	if base, ok := Locate(root, ds.HTTP.ResultPath); ok {
		result = evalctx.Normalize(base)
	}

	if len(ds.Extract) > 0 {
		extracted := evalctx.NewMap()
		for _, name := range sortedKeys(ds.Extract) {
			v, _ := Locate(root, ds.Extract[name])
			extracted.Set(name, evalctx.Normalize(v))
		}
		result = extracted
	}

	if len(ds.ResultPaths) > 0 {
		merged, ok := result.(*evalctx.Map)
		if !ok {
			merged = evalctx.NewMap()
		}
		for _, rp := range ds.ResultPaths {
			v, _ := Locate(root, rp.Path)
			merged.Set(rp.As, evalctx.Normalize(v))
		}
		result = merged
	}

	if ds.Mode() == runtime.ResultSingle {
		if list, ok := result.([]any); ok {
			if len(list) == 0 {
				return evalctx.NewMap(), nil
			}
			return list[0], nil
		}
	}
	return result, nil
}

// Locate walks a JSON document by path. "" and "$" address the root; a
// leading "$." is ignored; segments are dot separated and may carry
// bracketed indices. Numeric segments index arrays and length on an array
// yields its size.
func Locate(root *gabs.Container, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || path == "$" {
		return root.Data(), true
	}
	path = strings.TrimPrefix(path, "$.")

	cur := root
	for _, seg := range splitPath(path) {
		if arr, ok := cur.Data().([]any); ok && strings.EqualFold(seg, "length") {
			return int64(len(arr)), true
		}
		if arr, ok := cur.Data().([]any); ok {
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(arr) {
				return nil, false
			}
			cur = gabs.Wrap(arr[i])
			continue
		}
		if !cur.Exists(seg) {
			return nil, false
		}
		cur = cur.Search(seg)
	}
	return cur.Data(), true
}

// splitPath turns a.b[0].c into [a b 0 c].
func splitPath(path string) []string {
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
