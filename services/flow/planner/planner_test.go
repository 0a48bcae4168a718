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
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// scriptedLLM returns canned responses in order.
type scriptedLLM struct {
	responses []string
	prompts   []string
}

func (s *scriptedLLM) Complete(_ context.Context, messages []llm.Message, _ llm.Options) (llm.Response, error) {
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	if len(s.responses) == 0 {
		return llm.Response{}, llm.ErrEmptyResponse
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return llm.Response{Content: resp, Model: "fake-model",
		Usage: llm.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10}}, nil
}

type recordingRetriever struct {
	queries []string
	batches [][]registry.Tool
}

func (r *recordingRetriever) Retrieve(_ context.Context, query string, _ int) []registry.Tool {
	r.queries = append(r.queries, query)
	if len(r.batches) == 0 {
		return nil
	}
	batch := r.batches[0]
	if len(r.batches) > 1 {
		r.batches = r.batches[1:]
	}
	return batch
}

func testConfig() *config.Config {
	return &config.Config{
		MaxFixAttempts:          2,
		TopK:                    5,
		ExpandK:                 3,
		FixPromptTruncateLength: 500,
	}
}

const draftResponse = `{
  "nodes": [
    {"id": "ST1", "name": "pick topic", "executor": "llm"},
    {"id": "ST2", "name": "search", "executor": "tool", "tool_name": "tavily-search"}
  ],
  "edges": [{"source": "ST1", "target": "ST2"}],
  "missing_tools": []
}`

const concretizeResponse = `{
  "nodes": [
    {"id": "ST1", "name": "pick topic", "description": "choose a topic",
     "executor": "llm", "input": {"prompt": "pick one topic"},
     "target": ["ST2"], "output": "topic"},
    {"id": "ST2", "name": "search", "description": "search the web",
     "executor": "tool", "tool_name": "tavily-search",
     "input": {"query": "{ST1.output}"}, "source": ["ST1"], "output": "results"}
  ],
  "edges": [{"source": "ST1", "target": "ST2"}]
}`

func newTestPlanner(client llm.Client, ret ToolRetriever) *Planner {
	return New(client, searchSchemas(), ret, nil, testConfig(), slog.Default())
}

func searchTool() registry.Tool {
	t, _ := searchSchemas().Schema("tavily-search")
	return t
}

func TestPlan_HappyPath(t *testing.T) {
	client := &scriptedLLM{responses: []string{draftResponse, concretizeResponse}}
	ret := &recordingRetriever{batches: [][]registry.Tool{{searchTool()}}}
	p := newTestPlanner(client, ret)

	ir, run, err := p.Plan(context.Background(), "find news about Go")
	require.NoError(t, err)
	require.NotNil(t, ir)

	// guard injected in front of the referencing tool node
	require.Len(t, ir.Nodes, 3)
	assert.NotNil(t, ir.Node("GUARD1"))

	assert.Equal(t, "find news about Go", run.Task)
	assert.NotEmpty(t, run.DraftJSONRaw)
	assert.NotNil(t, run.DraftJSON)
	assert.Equal(t, []string{"tavily-search"}, run.Stage1SelectedToolNames)
	assert.NotEmpty(t, run.Stage2Tools)
	assert.NotEmpty(t, run.RawJSON)
	assert.NotEmpty(t, run.WorkflowJSONStr)
	assert.Empty(t, run.FixAttempts)
	assert.Equal(t, "fake-model", run.LLMResponseMetadata["model"])
	assert.Equal(t, run, p.LastRun())
}

func TestPlan_AutoFixRecovers(t *testing.T) {
	client := &scriptedLLM{responses: []string{
		draftResponse,
		"I think the workflow should probably search the web.",
		concretizeResponse,
	}}
	ret := &recordingRetriever{batches: [][]registry.Tool{{searchTool()}}}
	p := newTestPlanner(client, ret)

	ir, run, err := p.Plan(context.Background(), "task")
	require.NoError(t, err)
	require.NotNil(t, ir)
	require.Len(t, run.FixAttempts, 1)
	assert.Equal(t, FixStatusSuccess, run.FixAttempts[0].Status)
	assert.Empty(t, run.FixAttempts[0].Error)
	assert.NotEmpty(t, run.FixAttempts[0].InputSnippet)
	assert.NotEmpty(t, run.FixAttempts[0].OutputSnippet)
	assert.NotEmpty(t, run.FixedJSON)
}

func TestPlan_AutoFixExhausted(t *testing.T) {
	client := &scriptedLLM{responses: []string{
		draftResponse,
		"no json here",
		"still no json",
		"give up",
	}}
	ret := &recordingRetriever{batches: [][]registry.Tool{{searchTool()}}}
	p := newTestPlanner(client, ret)

	_, run, err := p.Plan(context.Background(), "task")
	require.Error(t, err)

	var perr *PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageAutoFixJSON, perr.Stage)
	assert.Equal(t, StageAutoFixJSON, run.ErrorStage)
	require.Len(t, run.FixAttempts, 2)
	for _, fa := range run.FixAttempts {
		assert.Equal(t, FixStatusFailed, fa.Status)
		assert.NotEmpty(t, fa.InputSnippet)
		assert.NotEmpty(t, fa.Error)
	}
}

func TestPlan_DraftLLMFailure(t *testing.T) {
	client := &scriptedLLM{}
	ret := &recordingRetriever{batches: [][]registry.Tool{{searchTool()}}}
	p := newTestPlanner(client, ret)

	_, run, err := p.Plan(context.Background(), "task")
	var perr *PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageDraft, perr.Stage)
	assert.Equal(t, StageDraft, run.ErrorStage)
}

func TestPlan_MissingToolsExpandsOnce(t *testing.T) {
	draftWithMissing := `{
	  "nodes": [{"id": "ST1", "executor": "tool", "tool_name": "tavily-search"}],
	  "edges": [],
	  "missing_tools": ["email sender"]
	}`
	client := &scriptedLLM{responses: []string{
		draftWithMissing,
		draftResponse,
		concretizeResponse,
	}}
	emailTool := registry.Tool{Name: "send-email", Description: "Send an email"}
	ret := &recordingRetriever{batches: [][]registry.Tool{
		{searchTool()},
		{emailTool},
	}}
	p := newTestPlanner(client, ret)

	_, _, err := p.Plan(context.Background(), "search then email me")
	require.NoError(t, err)

	require.Len(t, ret.queries, 2)
	assert.Equal(t, "email sender", ret.queries[1])
	// draft ran twice, concretize once
	assert.Len(t, client.prompts, 3)
}

func TestPlan_MissingToolsObjectEntriesRetrievePerEntry(t *testing.T) {
	draftWithMissing := `{
	  "nodes": [{"id": "ST1", "executor": "tool", "tool_name": "tavily-search"}],
	  "edges": [],
	  "missing_tools": [
	    {"capability": "send email", "keywords": ["smtp", "mail"]},
	    "pdf export"
	  ]
	}`
	client := &scriptedLLM{responses: []string{
		draftWithMissing,
		draftResponse,
		concretizeResponse,
	}}
	emailTool := registry.Tool{Name: "send-email", Description: "Send an email"}
	ret := &recordingRetriever{batches: [][]registry.Tool{
		{searchTool()},
		{emailTool},
	}}
	p := newTestPlanner(client, ret)

	_, _, err := p.Plan(context.Background(), "search then email me")
	require.NoError(t, err)

	require.Len(t, ret.queries, 3)
	assert.Equal(t, "send email smtp mail", ret.queries[1])
	assert.Equal(t, "pdf export", ret.queries[2])
	// draft ran twice, concretize once
	assert.Len(t, client.prompts, 3)
}

func TestMissingToolQueries(t *testing.T) {
	entries := []any{
		"email sender",
		map[string]any{"capability": "send email", "keywords": []any{"smtp", "mail"}},
		map[string]any{"keywords": []any{"pdf"}},
		map[string]any{},
		42,
	}
	got := missingToolQueries(entries)
	assert.Equal(t, []string{"email sender", "send email smtp mail", "pdf"}, got)
	assert.Empty(t, missingToolQueries(nil))
	assert.Empty(t, missingToolQueries("not a list"))
}

func TestPlan_Stage1SummariesCarryPropertyDetails(t *testing.T) {
	enumTool := registry.Tool{
		Name:        "tavily-search",
		Description: "Search the web",
		InputSchema: registry.Schema{
			Type: "object",
			Properties: map[string]registry.Property{
				"query": {Type: "string", Description: "what to search for"},
				"depth": {Type: "string", Enum: []string{"basic", "advanced"}},
			},
			Required: []string{"query"},
		},
	}
	client := &scriptedLLM{responses: []string{draftResponse, concretizeResponse}}
	ret := &recordingRetriever{batches: [][]registry.Tool{{enumTool}}}
	p := newTestPlanner(client, ret)

	_, _, err := p.Plan(context.Background(), "find news")
	require.NoError(t, err)
	require.NotEmpty(t, client.prompts)
	assert.Contains(t, client.prompts[0], "query (string, required): what to search for")
	assert.Contains(t, client.prompts[0], "depth (string, optional) [one of: basic, advanced]")
}

func TestPlan_ValidationFailureIsBuildStage(t *testing.T) {
	badConcretize := `{
	  "nodes": [
	    {"id": "ST1", "executor": "tool", "tool_name": "not-in-catalog",
	     "input": {"query": "x"}}
	  ],
	  "edges": []
	}`
	client := &scriptedLLM{responses: []string{draftResponse, badConcretize}}
	ret := &recordingRetriever{batches: [][]registry.Tool{{searchTool()}}}
	p := newTestPlanner(client, ret)

	_, run, err := p.Plan(context.Background(), "task")
	var perr *PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageBuildIR, perr.Stage)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, StageBuildIR, run.ErrorStage)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	out := clip("aaaaaaaaaa", 4)
	assert.Contains(t, out, "aaaa...")
	assert.Contains(t, out, "10 chars total")
}
