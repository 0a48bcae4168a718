// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	thinkBlockPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)
	openThinkPattern  = regexp.MustCompile(`(?s)<think>.*$`)
	fencePattern      = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// StripThink removes <think>...</think> blocks, including an
// unterminated trailing block, and trims the result.
func StripThink(s string) string {
	s = thinkBlockPattern.ReplaceAllString(s, "")
	s = openThinkPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ExtractJSON pulls a JSON object out of an LLM response. Strategies in
// order: direct parse, fenced code blocks, bracket-matched scan. Think
// blocks are stripped first.
func ExtractJSON(response string) (map[string]any, error) {
	text := StripThink(response)

	if obj, ok := tryParseObject(text); ok {
		return obj, nil
	}

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		if obj, ok := tryParseObject(strings.TrimSpace(m[1])); ok {
			return obj, nil
		}
	}

	for _, candidate := range scanBalancedObjects(text) {
		if obj, ok := tryParseObject(candidate); ok {
			return obj, nil
		}
	}

	return nil, &ExtractionError{Reason: "no strategy produced a JSON object", Text: response, Err: ErrNoJSON}
}

// ExtractWorkflowJSON extracts a JSON object and checks the workflow
// shape: an object with a non-empty "nodes" array and an "edges" array.
func ExtractWorkflowJSON(response string) (map[string]any, error) {
	obj, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}
	nodes, ok := obj["nodes"].([]any)
	if !ok || len(nodes) == 0 {
		return nil, &ExtractionError{Reason: "workflow object needs a non-empty nodes array", Text: response, Err: ErrBadStructure}
	}
	if _, ok := obj["edges"].([]any); !ok {
		return nil, &ExtractionError{Reason: "workflow object needs an edges array", Text: response, Err: ErrBadStructure}
	}
	return obj, nil
}

func tryParseObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// scanBalancedObjects finds top-level {...} and [...] spans with a
// bracket-matching scan that respects string literals and escape
// sequences, so brackets inside strings do not confuse matching. A
// mismatched closer abandons the span in progress.
func scanBalancedObjects(s string) []string {
	var spans []string
	var stack []rune
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if len(stack) > 0 {
				inString = true
			}
		case '{', '[':
			if len(stack) == 0 {
				start = i
			}
			stack = append(stack, r)
		case '}', ']':
			if len(stack) == 0 {
				continue
			}
			open := stack[len(stack)-1]
			if (r == '}') != (open == '{') {
				stack = stack[:0]
				start = -1
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && start >= 0 {
				spans = append(spans, s[start:i+1])
				start = -1
			}
		}
	}
	return spans
}
