// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner turns a natural-language task into a validated
// workflow IR through a two-stage LLM pipeline.
//
// Stage 1 drafts the subtask structure against retrieved tool
// summaries, with a single expansion round when the model reports
// missing tools. Stage 2 concretizes the draft against full tool
// schemas. Malformed stage-2 JSON goes through a bounded auto-fix loop
// before the result is built, guard-injected, and validated.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

// ToolSource is the catalog surface the planner needs.
type ToolSource interface {
	ToolChecker
	SchemaSource
}

// ToolRetriever selects candidate tools for a query.
type ToolRetriever interface {
	Retrieve(ctx context.Context, query string, k int) []registry.Tool
}

// FixAttempt records one round of the auto-fix loop: the remediation
// prompt that went in and either the response that came back or the
// error that ended the attempt.
type FixAttempt struct {
	Attempt       int    `json:"attempt"`
	Status        string `json:"status"`
	InputSnippet  string `json:"input_snippet,omitempty"`
	OutputSnippet string `json:"output_snippet,omitempty"`
	Error         string `json:"error,omitempty"`
}

// FixAttempt statuses.
const (
	FixStatusSuccess = "success"
	FixStatusFailed  = "failed"
)

// LastRun captures every intermediate artifact of the most recent
// planning run, for diagnostics and failure archives.
type LastRun struct {
	Task          string `json:"task"`
	OptimizedTask string `json:"optimized_task,omitempty"`

	PlanText     string         `json:"plan_text,omitempty"`
	DraftJSONRaw string         `json:"draft_json_raw,omitempty"`
	DraftJSON    map[string]any `json:"draft_json,omitempty"`

	Stage1SelectedToolNames []string `json:"stage1_selected_tool_names,omitempty"`
	Stage2Tools             []string `json:"stage2_tools,omitempty"`

	RawJSON         string       `json:"raw_json,omitempty"`
	FixedJSON       string       `json:"fixed_json,omitempty"`
	WorkflowJSONStr string       `json:"workflow_json_str,omitempty"`
	FixAttempts     []FixAttempt `json:"fix_attempts,omitempty"`

	LLMResponseMetadata map[string]any `json:"llm_response_metadata,omitempty"`

	Error      string               `json:"error,omitempty"`
	ErrorStage string               `json:"error_stage,omitempty"`
	WorkflowIR *workflow.WorkflowIR `json:"workflow_ir,omitempty"`
}

// Planner is the two-stage planning pipeline.
//
// Thread Safety: Plan may be called concurrently; LastRun reflects the
// most recently finished call.
type Planner struct {
	client    llm.Client
	tools     ToolSource
	retriever ToolRetriever
	optimizer *Optimizer
	cfg       *config.Config
	logger    *slog.Logger

	mu      sync.Mutex
	lastRun *LastRun
}

// New builds a planner. optimizer may be nil to disable stage 0.
func New(client llm.Client, tools ToolSource, ret ToolRetriever, optimizer *Optimizer, cfg *config.Config, logger *slog.Logger) *Planner {
	return &Planner{
		client:    client,
		tools:     tools,
		retriever: ret,
		optimizer: optimizer,
		cfg:       cfg,
		logger:    logger,
	}
}

// LastRun returns the diagnostics of the most recent Plan call.
func (p *Planner) LastRun() *LastRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

// Plan runs the full pipeline and returns a validated, guard-injected
// workflow. On failure the returned error is a *PlanningError and the
// run diagnostics carry the failing stage.
func (p *Planner) Plan(ctx context.Context, task string) (*workflow.WorkflowIR, *LastRun, error) {
	run := &LastRun{Task: task}
	defer func() {
		p.mu.Lock()
		p.lastRun = run
		p.mu.Unlock()
	}()

	fail := func(stage string, err error) (*workflow.WorkflowIR, *LastRun, error) {
		perr := &PlanningError{Stage: stage, Err: err}
		run.Error = perr.Error()
		run.ErrorStage = stage
		p.logger.Error("planning failed", "stage", stage, "error", err)
		return nil, run, perr
	}

	// Stage 0: optional task rewrite, failure-tolerant.
	planTask := task
	if p.optimizer != nil && p.cfg.EnableTaskOptimization {
		planTask = p.optimizer.Optimize(ctx, task)
		if planTask != task {
			run.OptimizedTask = planTask
		}
	}

	// Stage 1: draft.
	candidates := p.retriever.Retrieve(ctx, planTask, p.cfg.TopK)
	draft, err := p.draft(ctx, run, planTask, candidates)
	if err != nil {
		return fail(StageDraft, err)
	}

	// One-shot expansion when the model reports missing capabilities:
	// one retrieval per reported entry, merged into the candidate set.
	if queries := missingToolQueries(draft["missing_tools"]); len(queries) > 0 {
		p.logger.Info("draft reported missing tools, expanding retrieval", "queries", queries)
		merged := candidates
		for _, q := range queries {
			merged = mergeTools(merged, p.retriever.Retrieve(ctx, q, p.cfg.ExpandK))
		}
		if len(merged) > len(candidates) {
			candidates = merged
			if draft, err = p.draft(ctx, run, planTask, candidates); err != nil {
				return fail(StageDraft, err)
			}
		}
	}

	// Stage 2: concretize against full schemas of the tools the draft
	// actually selected; fall back to the whole candidate set when the
	// draft selected none.
	selected := p.selectedTools(draft)
	run.Stage1SelectedToolNames = selected
	descriptors := p.describeTools(selected, candidates)
	run.Stage2Tools = descriptors

	draftText, _ := json.MarshalIndent(draft, "", "  ")
	concretizePrompt, err := renderConcretizePrompt(planTask, string(draftText), descriptors)
	if err != nil {
		return fail(StageConcretize, err)
	}
	resp, err := p.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: concretizePrompt},
	}, llm.Options{})
	if err != nil {
		return fail(StageConcretize, err)
	}
	run.RawJSON = resp.Content

	// Stage 3: extract, with bounded remediation.
	obj, err := ExtractWorkflowJSON(resp.Content)
	if err != nil {
		obj, err = p.autoFix(ctx, run, concretizePrompt, resp.Content, err)
		if err != nil {
			return fail(StageAutoFixJSON, err)
		}
	}

	// Stage 4: build, inject, validate.
	ir, err := buildIR(obj)
	if err != nil {
		return fail(StageBuildIR, err)
	}
	ir = InjectGuards(ir, p.tools)
	result := Validate(ir, p.tools)
	for _, w := range result.Warnings {
		p.logger.Warn("workflow validation warning", "warning", w)
	}
	if verr := result.Err(); verr != nil {
		return fail(StageBuildIR, verr)
	}

	run.WorkflowIR = ir
	if s, err := ir.MarshalIndent(); err == nil {
		run.WorkflowJSONStr = s
	}
	p.logger.Info("planning succeeded",
		"nodes", len(ir.Nodes), "edges", len(ir.Edges),
		"fix_attempts", len(run.FixAttempts))
	return ir, run, nil
}

// draft runs stage 1 once and records its artifacts.
func (p *Planner) draft(ctx context.Context, run *LastRun, task string, candidates []registry.Tool) (map[string]any, error) {
	summaries := make([]string, len(candidates))
	for i, t := range candidates {
		summaries[i] = t.Summarize()
	}
	prompt, err := renderDraftPrompt(task, summaries)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{})
	if err != nil {
		return nil, err
	}
	run.PlanText = resp.Content
	run.DraftJSONRaw = resp.Content
	run.LLMResponseMetadata = map[string]any{
		"model": resp.Model,
		"usage": resp.Usage,
	}

	draft, err := ExtractJSON(resp.Content)
	if err != nil {
		return nil, err
	}
	run.DraftJSON = draft
	return draft, nil
}

// autoFix reprompts until the response extracts, up to MaxFixAttempts.
func (p *Planner) autoFix(ctx context.Context, run *LastRun, prompt, offending string, extractErr error) (map[string]any, error) {
	lastErr := extractErr
	for attempt := 1; attempt <= p.cfg.MaxFixAttempts; attempt++ {
		fixPrompt, err := renderFixPrompt(
			prompt,
			clip(offending, p.cfg.FixPromptTruncateLength),
			lastErr.Error(),
		)
		if err != nil {
			return nil, err
		}
		record := FixAttempt{
			Attempt:      attempt,
			InputSnippet: clip(fixPrompt, p.cfg.FixPromptTruncateLength),
		}
		resp, err := p.client.Complete(ctx, []llm.Message{
			{Role: llm.RoleUser, Content: fixPrompt},
		}, llm.Options{})
		if err != nil {
			record.Status = FixStatusFailed
			record.Error = err.Error()
			run.FixAttempts = append(run.FixAttempts, record)
			lastErr = err
			continue
		}
		record.OutputSnippet = clip(resp.Content, p.cfg.FixPromptTruncateLength)

		obj, err := ExtractWorkflowJSON(resp.Content)
		if err != nil {
			record.Status = FixStatusFailed
			record.Error = err.Error()
			run.FixAttempts = append(run.FixAttempts, record)
			lastErr = err
			offending = resp.Content
			continue
		}
		record.Status = FixStatusSuccess
		run.FixAttempts = append(run.FixAttempts, record)
		run.FixedJSON = resp.Content
		p.logger.Info("auto-fix recovered workflow JSON", "attempt", attempt)
		return obj, nil
	}
	return nil, fmt.Errorf("auto-fix exhausted after %d attempt(s): %w", p.cfg.MaxFixAttempts, lastErr)
}

// selectedTools collects catalog tool names referenced by draft nodes,
// in first-mention order.
func (p *Planner) selectedTools(draft map[string]any) []string {
	nodes, _ := draft["nodes"].([]any)
	seen := make(map[string]bool)
	var out []string
	for _, raw := range nodes {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := node["tool_name"].(string)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if p.tools.Has(name) {
			out = append(out, name)
		} else {
			p.logger.Warn("draft references tool absent from catalog", "tool", name)
		}
	}
	return out
}

func (p *Planner) describeTools(selected []string, candidates []registry.Tool) []string {
	if len(selected) == 0 {
		out := make([]string, len(candidates))
		for i, t := range candidates {
			out[i] = t.Describe()
		}
		return out
	}
	out := make([]string, 0, len(selected))
	for _, name := range selected {
		if t, ok := p.tools.Schema(name); ok {
			out = append(out, t.Describe())
		}
	}
	return out
}

func buildIR(obj map[string]any) (*workflow.WorkflowIR, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var ir workflow.WorkflowIR
	if err := json.Unmarshal(data, &ir); err != nil {
		return nil, fmt.Errorf("decode workflow IR: %w", err)
	}
	return &ir, nil
}

func mergeTools(base, extra []registry.Tool) []registry.Tool {
	seen := make(map[string]bool, len(base))
	out := append([]registry.Tool(nil), base...)
	for _, t := range base {
		seen[t.Name] = true
	}
	for _, t := range extra {
		if !seen[t.Name] {
			seen[t.Name] = true
			out = append(out, t)
		}
	}
	return out
}

// missingToolQueries turns the draft's missing_tools entries into
// retrieval queries, one per entry. An entry is either a bare string or
// a {capability, keywords} object; for objects the query is the
// capability followed by its keywords.
func missingToolQueries(v any) []string {
	items, _ := v.([]any)
	var out []string
	for _, item := range items {
		switch e := item.(type) {
		case string:
			if e != "" {
				out = append(out, e)
			}
		case map[string]any:
			var parts []string
			if capability, _ := e["capability"].(string); capability != "" {
				parts = append(parts, capability)
			}
			if kws, ok := e["keywords"].([]any); ok {
				for _, kw := range kws {
					if s, ok := kw.(string); ok && s != "" {
						parts = append(parts, s)
					}
				}
			}
			if len(parts) > 0 {
				out = append(out, strings.Join(parts, " "))
			}
		}
	}
	return out
}

// clip bounds s for inclusion in a prompt, marking the cut.
func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("... [truncated, %d chars total]", len(s))
}
