// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
)

type stubLLM struct {
	response string
	err      error
	prompt   string
}

func (s *stubLLM) Complete(_ context.Context, messages []llm.Message, _ llm.Options) (llm.Response, error) {
	s.prompt = messages[len(messages)-1].Content
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{Content: s.response}, nil
}

var searchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query": map[string]any{"type": "string"},
	},
	"required": []any{"query"},
}

func TestEvaluate_HappyPath(t *testing.T) {
	stub := &stubLLM{response: `{"query": "golang generics"}`}
	e := NewEvaluator(stub, slog.Default())

	res, err := e.Evaluate(context.Background(), "tavily-search", searchSchema,
		map[string]any{"query": "golang generics tutorial text"}, "raw upstream text")
	require.NoError(t, err)
	assert.Equal(t, "llm_adjusted", res.Mode)
	assert.Equal(t, "golang generics", res.Output["query"])
	assert.Equal(t, stub.response, res.RawResponse)

	assert.Contains(t, stub.prompt, "tavily-search")
	assert.Contains(t, stub.prompt, "raw upstream text")
}

func TestEvaluate_StripsThinkAndFences(t *testing.T) {
	stub := &stubLLM{response: "<think>hmm</think>\n```json\n{\"query\": \"x\"}\n```"}
	e := NewEvaluator(stub, slog.Default())

	res, err := e.Evaluate(context.Background(), "t", nil, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", res.Output["query"])
}

func TestEvaluate_NonObjectFails(t *testing.T) {
	stub := &stubLLM{response: `["not", "an", "object"]`}
	e := NewEvaluator(stub, slog.Default())

	_, err := e.Evaluate(context.Background(), "t", nil, map[string]any{}, nil)
	var gerr *GuardError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, stub.response, gerr.RawResponse)
}

func TestEvaluate_LLMFailure(t *testing.T) {
	stub := &stubLLM{err: errors.New("endpoint down")}
	e := NewEvaluator(stub, slog.Default())

	_, err := e.Evaluate(context.Background(), "t", nil, map[string]any{}, nil)
	var gerr *GuardError
	require.ErrorAs(t, err, &gerr)
	assert.Empty(t, gerr.RawResponse)
}

func TestCoerceCandidate(t *testing.T) {
	out := coerceCandidate(map[string]any{
		"obj":    `{"a": 1}`,
		"list":   `[1, 2]`,
		"plain":  "just text",
		"number": 3,
		"broken": "{not json",
	})
	assert.Equal(t, map[string]any{"a": float64(1)}, out["obj"])
	assert.Equal(t, []any{float64(1), float64(2)}, out["list"])
	assert.Equal(t, "just text", out["plain"])
	assert.Equal(t, 3, out["number"])
	assert.Equal(t, "{not json", out["broken"])
}
