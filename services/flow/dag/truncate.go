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
)

// TruncateDisplay bounds a value for logs and trace broadcasts. The
// original value is never mutated; run outputs stay complete.
//
// Strings over the limit are cut with a marker carrying the original
// length. Containers over the limit (by encoded size) collapse into a
// descriptor object with a preview.
func TruncateDisplay(v any, max int) any {
	if max <= 0 {
		return v
	}
	switch val := v.(type) {
	case string:
		if len(val) <= max {
			return val
		}
		return fmt.Sprintf("%s... [truncated, %d chars total]", val[:max], len(val))
	case map[string]any, []any:
		encoded := encodedJSON(val)
		if len(encoded) <= max {
			return val
		}
		preview := encoded
		if len(preview) > max {
			preview = preview[:max]
		}
		return map[string]any{
			"_truncated":       true,
			"_original_type":   fmt.Sprintf("%T", val),
			"_original_length": len(encoded),
			"_preview":         preview,
		}
	default:
		return v
	}
}

// TruncateStored bounds a tool output before it enters run state,
// preferring shape preservation over raw size.
//
// Strings are cut. Objects get an even per-field budget when the
// budget stays meaningful (>= 100 chars after per-field overhead);
// otherwise only long fields are cut to half the limit, and if the
// object still encodes over the limit it degrades to an encoded,
// cut string. Sequences keep the longest prefix whose encoding fits.
func TruncateStored(v any, max int) any {
	if max <= 0 {
		return v
	}
	switch val := v.(type) {
	case string:
		if len(val) <= max {
			return val
		}
		return val[:max]
	case map[string]any:
		return truncateStoredMap(val, max)
	case []any:
		return truncateStoredSlice(val, max)
	default:
		return v
	}
}

// per-field encoding overhead: quotes, key, colon, comma
const fieldOverhead = 16

func truncateStoredMap(m map[string]any, max int) any {
	if len(encodedJSON(m)) <= max {
		return m
	}
	n := len(m)
	if n == 0 {
		return m
	}

	budget := (max - n*fieldOverhead) / n
	if budget >= 100 {
		out := make(map[string]any, n)
		for k, v := range m {
			out[k] = TruncateStored(v, budget)
		}
		return out
	}

	half := max / 2
	out := make(map[string]any, n)
	for k, v := range m {
		out[k] = TruncateStored(v, half)
	}
	if len(encodedJSON(out)) <= max {
		return out
	}

	encoded := encodedJSON(m)
	if len(encoded) > max {
		encoded = encoded[:max]
	}
	return encoded
}

func truncateStoredSlice(s []any, max int) []any {
	if len(encodedJSON(s)) <= max {
		return s
	}
	out := make([]any, 0, len(s))
	total := 2 // brackets
	for _, item := range s {
		itemLen := len(encodedJSON(item)) + 1
		if total+itemLen > max {
			if len(out) == 0 {
				// a lone oversized element is bounded, not kept whole
				out = append(out, TruncateStored(item, max))
			}
			break
		}
		out = append(out, item)
		total += itemLen
		if total >= max {
			break
		}
	}
	return out
}

func encodedJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
