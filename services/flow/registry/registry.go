// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry manages the tool catalog and tool invocation.
//
// The catalog is a JSON file of tool descriptors (name, description,
// JSON-schema input). Invocation is delegated to an Invoker so the
// engine stays agnostic of the transport behind each tool.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrUnknownTool is returned when invoking a tool absent from the
	// catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNoInvoker is returned when the registry has no invocation
	// backend configured.
	ErrNoInvoker = errors.New("no tool invoker configured")
)

var (
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_tool_invocations_total",
		Help: "Tool invocations by tool name and outcome.",
	}, []string{"tool", "status"})

	invocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flow_tool_invocation_duration_seconds",
		Help:    "Tool invocation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
)

// Property is a single parameter in a tool's input schema.
type Property struct {
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema is the JSON-schema fragment describing a tool's input.
type Schema struct {
	Type       string              `json:"type,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Tool is one catalog entry.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"input_schema"`
}

// RequiredParams returns the schema's required parameter names, sorted.
func (t Tool) RequiredParams() []string {
	out := append([]string(nil), t.InputSchema.Required...)
	sort.Strings(out)
	return out
}

// OptionalParams returns the non-required parameter names, sorted.
func (t Tool) OptionalParams() []string {
	req := make(map[string]bool, len(t.InputSchema.Required))
	for _, r := range t.InputSchema.Required {
		req[r] = true
	}
	var out []string
	for name := range t.InputSchema.Properties {
		if !req[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Describe renders the full descriptor text used in planner prompts.
func (t Tool) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\nDescription: %s\n", t.Name, t.Description)
	if len(t.InputSchema.Properties) > 0 {
		b.WriteString("Parameters:\n")
		names := make([]string, 0, len(t.InputSchema.Properties))
		for name := range t.InputSchema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		req := make(map[string]bool, len(t.InputSchema.Required))
		for _, r := range t.InputSchema.Required {
			req[r] = true
		}
		for _, name := range names {
			p := t.InputSchema.Properties[name]
			kind := "optional"
			if req[name] {
				kind = "required"
			}
			fmt.Fprintf(&b, "  - %s (%s, %s)", name, p.Type, kind)
			if len(p.Enum) > 0 {
				fmt.Fprintf(&b, " [one of: %s]", strings.Join(p.Enum, ", "))
			}
			fmt.Fprintf(&b, ": %s\n", p.Description)
		}
	}
	return b.String()
}

// Summarize renders the compact descriptor used in stage-1 planning
// prompts: one line for the tool, one per property with type,
// requiredness, and enum values.
func (t Tool) Summarize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", t.Name, t.Description)

	names := make([]string, 0, len(t.InputSchema.Properties))
	for name := range t.InputSchema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	req := make(map[string]bool, len(t.InputSchema.Required))
	for _, r := range t.InputSchema.Required {
		req[r] = true
	}
	for _, name := range names {
		p := t.InputSchema.Properties[name]
		kind := "optional"
		if req[name] {
			kind = "required"
		}
		detail := kind
		if p.Type != "" {
			detail = p.Type + ", " + kind
		}
		fmt.Fprintf(&b, "\n  - %s (%s)", name, detail)
		if len(p.Enum) > 0 {
			fmt.Fprintf(&b, " [one of: %s]", strings.Join(p.Enum, ", "))
		}
		if p.Description != "" {
			fmt.Fprintf(&b, ": %s", p.Description)
		}
	}
	return b.String()
}

// Invoker executes a tool call. Implementations own transport,
// authentication, and retries.
type Invoker func(ctx context.Context, name string, args map[string]any) (any, error)

// Registry is the tool collaborator consumed by the planner, the
// validator, and the executor.
type Registry interface {
	Has(name string) bool
	Schema(name string) (Tool, bool)
	Names() []string
	Tools() []Tool
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// CatalogRegistry is a Registry backed by a JSON catalog file.
//
// Thread Safety: safe for concurrent use; Reload swaps the catalog
// under a write lock.
type CatalogRegistry struct {
	mu      sync.RWMutex
	path    string
	byName  map[string]Tool
	ordered []Tool
	invoker Invoker
	modTime time.Time
}

// Load reads the catalog file and returns a registry over it.
// The file holds either a bare array of tools or {"tools": [...]}.
func Load(path string, invoker Invoker) (*CatalogRegistry, error) {
	r := &CatalogRegistry{path: path, invoker: invoker}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the catalog file and atomically replaces the tool set.
func (r *CatalogRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read tool catalog: %w", err)
	}
	tools, err := parseCatalog(data)
	if err != nil {
		return fmt.Errorf("parse tool catalog %s: %w", r.path, err)
	}

	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("parse tool catalog %s: tool with empty name", r.path)
		}
		byName[t.Name] = t
	}

	info, _ := os.Stat(r.path)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = byName
	r.ordered = tools
	if info != nil {
		r.modTime = info.ModTime()
	}
	return nil
}

func parseCatalog(data []byte) ([]Tool, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var tools []Tool
		if err := json.Unmarshal(data, &tools); err != nil {
			return nil, err
		}
		return tools, nil
	}
	var wrapper struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Tools, nil
}

// Has reports whether the catalog contains the named tool.
func (r *CatalogRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Schema returns the descriptor for the named tool.
func (r *CatalogRegistry) Schema(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the catalog's tool names in file order.
func (r *CatalogRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordered))
	for i, t := range r.ordered {
		out[i] = t.Name
	}
	return out
}

// Tools returns the catalog entries in file order.
func (r *CatalogRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ModTime returns the catalog file's modification time at last load.
func (r *CatalogRegistry) ModTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modTime
}

// Path returns the catalog file path.
func (r *CatalogRegistry) Path() string { return r.path }

// Invoke runs the named tool through the configured Invoker.
func (r *CatalogRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if !r.Has(name) {
		invocationsTotal.WithLabelValues(name, "unknown").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	r.mu.RLock()
	invoker := r.invoker
	r.mu.RUnlock()
	if invoker == nil {
		return nil, ErrNoInvoker
	}

	start := time.Now()
	result, err := invoker(ctx, name, args)
	invocationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		invocationsTotal.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	invocationsTotal.WithLabelValues(name, "ok").Inc()
	return result, nil
}
