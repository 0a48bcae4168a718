// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches {NodeId.output} plus an optional path of .field
// and [idx] steps.
var refPattern = regexp.MustCompile(`\{(\w+)\.output((?:\.\w+|\[\d+\])*)\}`)

// ResolveValue substitutes {NodeId.output<path>} references throughout
// a JSON-like value, recursing into maps and slices. Non-string leaves
// pass through untouched.
//
// A string that is exactly one reference keeps the resolved value's
// type for scalars; resolved containers are always JSON-encoded into
// the string. A missing node id yields "{Missing Output: id}"; a path
// that does not fit the value yields "{Invalid Output Path: id<path>}".
func ResolveValue(v any, outputs map[string]any) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, outputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, outputs)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, outputs)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, outputs map[string]any) any {
	// exact single-reference strings keep scalar types
	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		resolved, ok := lookup(m[1], m[2], outputs)
		if !ok {
			return resolved // placeholder string
		}
		switch resolved.(type) {
		case map[string]any, []any:
			return encodeValue(resolved)
		default:
			return resolved
		}
	}

	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := refPattern.FindStringSubmatch(match)
		resolved, ok := lookup(m[1], m[2], outputs)
		if !ok {
			return resolved.(string)
		}
		return encodeValue(resolved)
	})
}

// lookup resolves one reference. ok=false means the returned value is
// a placeholder string, not data.
func lookup(id, path string, outputs map[string]any) (any, bool) {
	root, exists := outputs[id]
	if !exists {
		return fmt.Sprintf("{Missing Output: %s}", id), false
	}
	steps, err := parsePath(path)
	if err != nil {
		return fmt.Sprintf("{Invalid Output Path: %s%s}", id, path), false
	}
	cur := root
	for _, st := range steps {
		if st.isIndex {
			list, ok := cur.([]any)
			if !ok || st.index < 0 || st.index >= len(list) {
				return fmt.Sprintf("{Invalid Output Path: %s%s}", id, path), false
			}
			cur = list[st.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return fmt.Sprintf("{Invalid Output Path: %s%s}", id, path), false
		}
		cur, ok = obj[st.field]
		if !ok {
			return fmt.Sprintf("{Invalid Output Path: %s%s}", id, path), false
		}
	}
	return cur, true
}

type pathStep struct {
	field   string
	isIndex bool
	index   int
}

// parsePath walks a path like ".items[0].title" with a small state
// machine: a step starts with '.' (field) or '[' (index), fields are
// word characters, indices are digits closed by ']'.
func parsePath(path string) ([]pathStep, error) {
	var steps []pathStep
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			i++
			start := i
			for i < len(path) && isWordByte(path[i]) {
				i++
			}
			if i == start {
				return nil, fmt.Errorf("empty field at offset %d", start)
			}
			steps = append(steps, pathStep{field: path[start:i]})
		case '[':
			i++
			start := i
			for i < len(path) && path[i] >= '0' && path[i] <= '9' {
				i++
			}
			if i == start || i >= len(path) || path[i] != ']' {
				return nil, fmt.Errorf("bad index at offset %d", start)
			}
			idx, err := strconv.Atoi(path[start:i])
			if err != nil {
				return nil, err
			}
			i++ // consume ']'
			steps = append(steps, pathStep{isIndex: true, index: idx})
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", path[i], i)
		}
	}
	return steps, nil
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// encodeValue renders a resolved value for embedding in a string.
func encodeValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}
