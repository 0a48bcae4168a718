// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard shapes upstream node outputs into schema-valid tool
// arguments with a single LLM call.
package guard

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
)

//go:embed prompt.tmpl
var promptText string

var promptTmpl = template.Must(template.New("guard").Parse(promptText))

var (
	thinkPattern     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	openThinkPattern = regexp.MustCompile(`(?s)<think>.*$`)
	fencePattern     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// GuardError reports a failed evaluation, carrying the raw model
// response for diagnostics.
type GuardError struct {
	Reason      string
	RawResponse string
	Err         error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("param guard failed: %s", e.Reason)
}

func (e *GuardError) Unwrap() error { return e.Err }

// Result is a successful evaluation.
type Result struct {
	// Mode is always "llm_adjusted"; it names the strategy that
	// produced Output for the trace.
	Mode        string         `json:"mode"`
	Output      map[string]any `json:"output"`
	RawResponse string         `json:"raw_response"`
}

// Evaluator runs the guard prompt against the configured endpoint.
type Evaluator struct {
	client llm.Client
	logger *slog.Logger
}

// NewEvaluator builds an evaluator over the given client.
func NewEvaluator(client llm.Client, logger *slog.Logger) *Evaluator {
	return &Evaluator{client: client, logger: logger}
}

// Evaluate shapes candidate into arguments for tool.
//
// The candidate is coerced first: string values that parse as JSON
// containers are expanded, so templated substitutions of serialized
// outputs round-trip. The model response must contain a JSON object;
// anything else is a GuardError. No retries happen here; the caller
// decides failure policy.
func (e *Evaluator) Evaluate(ctx context.Context, tool string, schema map[string]any, candidate map[string]any, upstream any) (*Result, error) {
	coerced := coerceCandidate(candidate)

	prompt, err := renderPrompt(tool, schema, coerced, upstream)
	if err != nil {
		return nil, &GuardError{Reason: "prompt rendering failed", Err: err}
	}

	resp, err := e.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{})
	if err != nil {
		return nil, &GuardError{Reason: "llm call failed", Err: err}
	}

	output, err := parseObject(resp.Content)
	if err != nil {
		e.logger.Warn("param guard produced unusable output",
			"tool", tool, "error", err)
		return nil, &GuardError{
			Reason:      err.Error(),
			RawResponse: resp.Content,
			Err:         err,
		}
	}

	return &Result{Mode: "llm_adjusted", Output: output, RawResponse: resp.Content}, nil
}

func renderPrompt(tool string, schema map[string]any, candidate map[string]any, upstream any) (string, error) {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}
	candidateJSON, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		return "", err
	}
	upstreamJSON, err := json.MarshalIndent(upstream, "", "  ")
	if err != nil {
		upstreamJSON = []byte(fmt.Sprintf("%v", upstream))
	}

	var b strings.Builder
	err = promptTmpl.Execute(&b, struct {
		Tool      string
		Schema    string
		Candidate string
		Upstream  string
	}{tool, string(schemaJSON), string(candidateJSON), string(upstreamJSON)})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// coerceCandidate expands string values that hold serialized JSON
// containers.
func coerceCandidate(candidate map[string]any) map[string]any {
	out := make(map[string]any, len(candidate))
	for k, v := range candidate {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				out[k] = parsed
				continue
			}
		}
		out[k] = v
	}
	return out
}

// parseObject strips think blocks and code fences, then requires a
// JSON object.
func parseObject(response string) (map[string]any, error) {
	text := thinkPattern.ReplaceAllString(response, "")
	text = openThinkPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response is valid JSON but not an object")
	}
	return obj, nil
}
