// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the chat-completion and embedding collaborators.
//
// Planner, guard, and LLM nodes all speak to OpenAI-compatible
// endpoints. The interfaces here keep the rest of the engine testable
// with in-memory fakes.
package llm

import (
	"context"
	"errors"
)

// Roles for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when the endpoint produces no choices.
var ErrEmptyResponse = errors.New("llm returned no choices")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Override redirects a single call to a different endpoint. Zero-value
// fields fall back to the client's defaults.
type Override struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Options tune a single completion call.
type Options struct {
	// Override, when non-nil, redirects this call.
	Override *Override

	// Temperature; nil keeps the endpoint default.
	Temperature *float32
}

// Usage is the token accounting returned by the endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed chat call.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Client produces chat completions.
type Client interface {
	Complete(ctx context.Context, messages []Message, opts Options) (Response, error)
}

// Embedder produces embedding vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
