// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration from the environment.
//
// Three LLM endpoints are configured independently: the planner, the
// param guard, and the embedding backend. Guard settings fall back to
// the planner's when unset, so a single PLANNER_* block is enough for
// most deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultPlannerTimeout = 300 * time.Second
	DefaultNodeTimeout    = 60 * time.Second

	DefaultMaxFixAttempts = 3
	DefaultTopK           = 25
	DefaultExpandK        = 15

	DefaultPinnedTools = "tavily-search"

	DefaultToolOutputMaxChars = 20000
	DefaultNodeOutputMaxChars = 15000
	DefaultLogTruncateLength  = 500
	DefaultFixPromptTruncate  = 1500
)

// Retriever modes.
const (
	RetrieverBM25     = "bm25"
	RetrieverSemantic = "semantic"
)

// Endpoint is one OpenAI-compatible chat or embedding endpoint.
// The embedding endpoint may be left empty when the semantic retriever
// is not in use, so per-field requirements live on Config, not here.
type Endpoint struct {
	APIKey  string `validate:"omitempty"`
	BaseURL string `validate:"omitempty,url"`
	Model   string
	Timeout time.Duration `validate:"gte=0"`
}

// Config is the full engine configuration.
type Config struct {
	Planner   Endpoint
	Guard     Endpoint
	Embedding Endpoint

	// RetrieverMode selects the retrieval backend.
	RetrieverMode string `validate:"oneof=bm25 semantic"`

	// EnableTaskOptimization toggles the pre-planning task rewrite.
	EnableTaskOptimization bool

	MaxFixAttempts int `validate:"gte=0"`
	TopK           int `validate:"gt=0"`
	ExpandK        int `validate:"gte=0"`

	// PinnedTools are always appended to retrieval results when present
	// in the catalog.
	PinnedTools []string

	NodeTimeout time.Duration `validate:"gt=0"`

	// LLMInputMaxChars bounds resolved LLM node input; 0 disables.
	LLMInputMaxChars int `validate:"gte=0"`

	// ToolOutputMaxChars bounds tool output embedded in LLM prompts.
	ToolOutputMaxChars int `validate:"gt=0"`

	// NodeOutputMaxChars bounds tool output stored in run state.
	NodeOutputMaxChars int `validate:"gt=0"`

	LogTruncateLength       int `validate:"gt=0"`
	FixPromptTruncateLength int `validate:"gt=0"`

	// FailurePatterns are substrings that mark a tool result as failed.
	FailurePatterns []string
}

// FromEnv builds a Config from environment variables, applying defaults
// and validating the result.
func FromEnv() (*Config, error) {
	planner := Endpoint{
		APIKey:  os.Getenv("PLANNER_KEY"),
		BaseURL: os.Getenv("PLANNER_URL"),
		Model:   os.Getenv("PLANNER_MODEL"),
		Timeout: envDuration("PLANNER_TIMEOUT", DefaultPlannerTimeout),
	}
	guard := Endpoint{
		APIKey:  envOr("GUARD_KEY", planner.APIKey),
		BaseURL: envOr("GUARD_URL", planner.BaseURL),
		Model:   envOr("GUARD_MODEL", planner.Model),
		Timeout: envDuration("GUARD_TIMEOUT", planner.Timeout),
	}
	embedding := Endpoint{
		APIKey:  envOr("EMBEDDING_KEY", planner.APIKey),
		BaseURL: os.Getenv("EMBEDDING_URL"),
		Model:   os.Getenv("EMBEDDING_MODEL"),
		Timeout: envDuration("EMBEDDING_TIMEOUT", planner.Timeout),
	}

	cfg := &Config{
		Planner:   planner,
		Guard:     guard,
		Embedding: embedding,

		RetrieverMode:          envOr("RETRIEVER_MODE", RetrieverBM25),
		EnableTaskOptimization: envBool("ENABLE_TASK_OPTIMIZATION", true),

		MaxFixAttempts: envInt("MAX_FIX_ATTEMPTS", DefaultMaxFixAttempts),
		TopK:           envInt("TOOL_RETRIEVER_TOP_K", DefaultTopK),
		ExpandK:        envInt("TOOL_RETRIEVER_EXPAND_K", DefaultExpandK),

		PinnedTools: splitCSV(envOr("PINNED_TOOLS", DefaultPinnedTools)),

		NodeTimeout: envDuration("NODE_TIMEOUT", DefaultNodeTimeout),

		LLMInputMaxChars:        envInt("LLM_INPUT_MAX_CHARS", 0),
		ToolOutputMaxChars:      envInt("TOOL_OUTPUT_MAX_CHARS", DefaultToolOutputMaxChars),
		NodeOutputMaxChars:      envInt("NODE_OUTPUT_MAX_CHARS", DefaultNodeOutputMaxChars),
		LogTruncateLength:       envInt("LOG_TRUNCATE_LENGTH", DefaultLogTruncateLength),
		FixPromptTruncateLength: envInt("FIX_PROMPT_TRUNCATE_LENGTH", DefaultFixPromptTruncate),

		FailurePatterns: defaultFailurePatterns(),
	}
	if extra := os.Getenv("FAILURE_PATTERNS"); extra != "" {
		cfg.FailurePatterns = append(cfg.FailurePatterns, splitCSV(extra)...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config against its struct tags plus the
// endpoint requirements the tags cannot express.
func (c *Config) Validate() error {
	if c.Planner.APIKey == "" {
		return fmt.Errorf("invalid configuration: PLANNER_KEY is required")
	}
	if c.Planner.Model == "" {
		return fmt.Errorf("invalid configuration: PLANNER_MODEL is required")
	}
	if c.RetrieverMode == RetrieverSemantic && c.Embedding.Model == "" {
		return fmt.Errorf("invalid configuration: EMBEDDING_MODEL is required in semantic mode")
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envDuration accepts either a bare number of seconds or a Go duration
// string ("90", "90s", "2m").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
