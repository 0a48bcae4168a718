// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow defines the workflow intermediate representation (IR)
// shared by the planner and the DAG executor.
//
// The IR is the contract between planning and execution: a list of typed
// subtask nodes plus an explicit edge set. Node ids follow the ST<n> /
// GUARD<n> naming families; numbering within each family is dense and
// 1-based.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ExecutorType identifies how a subtask is executed.
type ExecutorType string

const (
	// ExecutorLLM nodes send their resolved input to the chat model.
	ExecutorLLM ExecutorType = "llm"

	// ExecutorTool nodes invoke a named tool through the registry.
	ExecutorTool ExecutorType = "tool"

	// ExecutorParamGuard nodes shape upstream outputs into schema-valid
	// arguments for a downstream tool.
	ExecutorParamGuard ExecutorType = "param_guard"
)

// Well-known input keys written by the guard injector and consumed by the
// tool node executor.
const (
	KeyFromGuard      = "__from_guard__"
	KeyFromGuards     = "__from_guards__"
	KeyParamOverrides = "_param_overrides"

	KeySourceNodes   = "source_nodes"
	KeyTargetNode    = "target_node"
	KeyTargetTool    = "target_tool"
	KeyInputTemplate = "target_input_template"
	KeySchema        = "schema"
)

var (
	stIDPattern    = regexp.MustCompile(`^ST(\d+)$`)
	guardIDPattern = regexp.MustCompile(`^GUARD(\d+)$`)
)

// STIndex returns the numeric suffix of an ST<n> id, or 0 if the id does
// not belong to the ST family.
func STIndex(id string) int {
	m := stIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// GuardIndex returns the numeric suffix of a GUARD<n> id, or 0 if the id
// does not belong to the GUARD family.
func GuardIndex(id string) int {
	m := guardIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// IsSTID reports whether id matches ^ST\d+$.
func IsSTID(id string) bool { return stIDPattern.MatchString(id) }

// IsGuardID reports whether id matches ^GUARD\d+$.
func IsGuardID(id string) bool { return guardIDPattern.MatchString(id) }

// IDList is the canonical list form of a node's source/target hint.
//
// Planner LLMs emit the hint inconsistently: null, the string "null", a
// single id, or a list of ids. IDList accepts all four on unmarshal and
// always marshals as null (empty) or a JSON array.
type IDList []string

// UnmarshalJSON accepts null, "null", a single string, or a string array.
func (l *IDList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s == "" || s == "null" {
			*l = nil
			return nil
		}
		*l = IDList{s}
		return nil
	case '[':
		var items []any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		out := make(IDList, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok && s != "" && s != "null" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			*l = nil
		} else {
			*l = out
		}
		return nil
	default:
		return fmt.Errorf("id list must be null, string, or array, got %s", trimmed)
	}
}

// MarshalJSON emits null for an empty list, otherwise a JSON array.
func (l IDList) MarshalJSON() ([]byte, error) {
	if len(l) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal([]string(l))
}

// Contains reports whether id is present in the list.
func (l IDList) Contains(id string) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// Replace returns a copy of the list with every occurrence of old
// replaced by new.
func (l IDList) Replace(old, new string) IDList {
	if len(l) == 0 {
		return l
	}
	out := make(IDList, len(l))
	for i, v := range l {
		if v == old {
			out[i] = new
		} else {
			out[i] = v
		}
	}
	return out
}

// LLMConfig overrides the chat endpoint for a single node.
type LLMConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Subtask is one node of the workflow IR.
type Subtask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	Executor ExecutorType `json:"executor"`
	ToolName string       `json:"tool_name,omitempty"`

	// Source and Target are denormalized hints mirroring the edge set.
	Source IDList `json:"source"`
	Target IDList `json:"target"`

	Input  map[string]any `json:"input"`
	Output string         `json:"output,omitempty"`

	LLMConfig *LLMConfig `json:"llm_config,omitempty"`
}

// CloneInput returns a deep copy of the node's input map.
func (s *Subtask) CloneInput() map[string]any {
	if s.Input == nil {
		return map[string]any{}
	}
	out, _ := DeepCopyValue(s.Input).(map[string]any)
	if out == nil {
		return map[string]any{}
	}
	return out
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// WorkflowIR is the planner output and executor input.
type WorkflowIR struct {
	Nodes []Subtask `json:"nodes"`
	Edges []Edge    `json:"edges"`
}

// NodeMap indexes nodes by id. Mutating the returned subtasks mutates the
// IR; callers that need isolation should copy first.
func (ir *WorkflowIR) NodeMap() map[string]*Subtask {
	m := make(map[string]*Subtask, len(ir.Nodes))
	for i := range ir.Nodes {
		m[ir.Nodes[i].ID] = &ir.Nodes[i]
	}
	return m
}

// Node returns the node with the given id, or nil.
func (ir *WorkflowIR) Node(id string) *Subtask {
	for i := range ir.Nodes {
		if ir.Nodes[i].ID == id {
			return &ir.Nodes[i]
		}
	}
	return nil
}

// Predecessors returns the edge-set predecessors of every node.
func (ir *WorkflowIR) Predecessors() map[string][]string {
	preds := make(map[string][]string, len(ir.Nodes))
	for i := range ir.Nodes {
		preds[ir.Nodes[i].ID] = nil
	}
	for _, e := range ir.Edges {
		if _, ok := preds[e.Target]; ok {
			preds[e.Target] = append(preds[e.Target], e.Source)
		}
	}
	return preds
}

// MarshalIndent renders the IR as indented JSON.
func (ir *WorkflowIR) MarshalIndent() (string, error) {
	data, err := json.MarshalIndent(ir, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal workflow IR: %w", err)
	}
	return string(data), nil
}

// DeepCopyValue copies JSON-like values (maps, slices, scalars).
// Non-JSON values are returned as-is.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = DeepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// NodeStatus values recorded in trace entries.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// TraceEntry records a single node execution attempt.
type TraceEntry struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	NodeType string `json:"node_type"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMS float64   `json:"duration_ms"`

	Status string `json:"status"`

	Input  any    `json:"input,omitempty"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	Model       string `json:"model,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	TargetTool  string `json:"target_tool,omitempty"`
	RawResponse any    `json:"raw_response,omitempty"`
}
