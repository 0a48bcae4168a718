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
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/guard"
	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

// fakeRegistry maps tool names to canned behaviors.
type fakeRegistry struct {
	mu      sync.Mutex
	results map[string]any
	errs    map[string]error
	calls   []toolCall
}

type toolCall struct {
	tool string
	args map[string]any
}

func (f *fakeRegistry) Has(name string) bool { _, ok := f.results[name]; return ok }

func (f *fakeRegistry) Schema(name string) (registry.Tool, bool) {
	if f.Has(name) {
		return registry.Tool{Name: name}, true
	}
	return registry.Tool{}, false
}

func (f *fakeRegistry) Names() []string         { return nil }
func (f *fakeRegistry) Tools() []registry.Tool  { return nil }

func (f *fakeRegistry) Invoke(_ context.Context, name string, args map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolCall{tool: name, args: args})
	f.mu.Unlock()
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return f.results[name], nil
}

// echoLLM answers with a fixed prefix plus the prompt's first line.
type echoLLM struct {
	mu      sync.Mutex
	prompts []string
	answer  string
}

func (e *echoLLM) Complete(_ context.Context, messages []llm.Message, _ llm.Options) (llm.Response, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, messages[len(messages)-1].Content)
	e.mu.Unlock()
	return llm.Response{Content: e.answer, Model: "exec-model"}, nil
}

func execConfig() *config.Config {
	return &config.Config{
		NodeTimeout:        5 * time.Second,
		NodeOutputMaxChars: 15000,
		ToolOutputMaxChars: 20000,
		LogTruncateLength:  500,
		FailurePatterns:    []string{"获取网页内容失败"},
	}
}

func newTestExecutor(reg *fakeRegistry, chat llm.Client, guardLLM llm.Client, broadcast func(workflow.TraceEntry)) *Executor {
	logger := slog.Default()
	var eval *guard.Evaluator
	if guardLLM != nil {
		eval = guard.NewEvaluator(guardLLM, logger)
	}
	return NewExecutor(reg, chat, eval, execConfig(), logger, broadcast)
}

func entryByID(trace []workflow.TraceEntry, id string) *workflow.TraceEntry {
	for i := range trace {
		if trace[i].NodeID == id {
			return &trace[i]
		}
	}
	return nil
}

// guardedPipeline is llm -> guard -> tool, the post-injection shape.
func guardedPipeline() *workflow.WorkflowIR {
	return &workflow.WorkflowIR{
		Nodes: []workflow.Subtask{
			{ID: "ST1", Name: "pick topic", Executor: workflow.ExecutorLLM,
				Input: map[string]any{"prompt": "pick a topic"}},
			{ID: "ST2", Name: "search", Executor: workflow.ExecutorTool,
				ToolName: "search",
				Input:    map[string]any{workflow.KeyFromGuard: "GUARD1"}},
			{ID: "GUARD1", Name: "guard", Executor: workflow.ExecutorParamGuard,
				Input: map[string]any{
					workflow.KeySourceNodes:   []any{"ST1"},
					workflow.KeyTargetNode:    "ST2",
					workflow.KeyTargetTool:    "search",
					workflow.KeyInputTemplate: map[string]any{"query": "{ST1.output}"},
					workflow.KeySchema:        map[string]any{"type": "object"},
				}},
		},
		Edges: []workflow.Edge{
			{Source: "ST1", Target: "GUARD1"},
			{Source: "GUARD1", Target: "ST2"},
		},
	}
}

func TestRun_GuardedPipeline(t *testing.T) {
	reg := &fakeRegistry{results: map[string]any{"search": map[string]any{"hits": float64(3)}}}
	chat := &echoLLM{answer: "<think>mull it over</think>go generics"}
	guardLLM := &echoLLM{answer: `{"query": "go generics"}`}
	ex := newTestExecutor(reg, chat, guardLLM, nil)

	res := ex.Run(context.Background(), guardedPipeline())
	require.Empty(t, res.Error)
	require.Len(t, res.Trace, 3)

	// llm output stored think-stripped
	assert.Equal(t, "go generics", res.Outputs["ST1"])
	// guard output is the shaped argument object
	assert.Equal(t, map[string]any{"query": "go generics"}, res.Outputs["GUARD1"])
	// tool received the guard's arguments
	require.Len(t, reg.calls, 1)
	assert.Equal(t, map[string]any{"query": "go generics"}, reg.calls[0].args)
	assert.Equal(t, map[string]any{"hits": float64(3)}, res.Outputs["ST2"])

	assert.Equal(t, 3, res.SuccessfulNodes())
	assert.Equal(t, 0, res.FailedNodes())
	assert.Equal(t, "exec-model", entryByID(res.Trace, "ST1").Model)
	assert.Equal(t, "search", entryByID(res.Trace, "ST2").ToolName)
	assert.Equal(t, "search", entryByID(res.Trace, "GUARD1").TargetTool)
}

func TestRun_FanInWaitsForAllPredecessors(t *testing.T) {
	ir := &workflow.WorkflowIR{
		Nodes: []workflow.Subtask{
			{ID: "ST1", Executor: workflow.ExecutorLLM, Input: map[string]any{"prompt": "a"}},
			{ID: "ST2", Executor: workflow.ExecutorLLM, Input: map[string]any{"prompt": "b"}},
			{ID: "ST3", Executor: workflow.ExecutorLLM,
				Input: map[string]any{"prompt": "join {ST1.output} {ST2.output}"}},
		},
		Edges: []workflow.Edge{
			{Source: "ST1", Target: "ST3"},
			{Source: "ST2", Target: "ST3"},
		},
	}
	chat := &echoLLM{answer: "out"}
	ex := newTestExecutor(&fakeRegistry{}, chat, nil, nil)

	res := ex.Run(context.Background(), ir)
	require.Empty(t, res.Error)
	require.Len(t, res.Trace, 3)

	join := entryByID(res.Trace, "ST3")
	for _, id := range []string{"ST1", "ST2"} {
		pred := entryByID(res.Trace, id)
		assert.False(t, join.StartTime.Before(pred.EndTime),
			"ST3 started before %s finished", id)
	}
	// both predecessor outputs were resolved into the join prompt
	joined := chat.prompts[len(chat.prompts)-1]
	assert.Equal(t, "join out out", joined)
}

func TestRun_FailureSkipsDependentsSilently(t *testing.T) {
	ir := &workflow.WorkflowIR{
		Nodes: []workflow.Subtask{
			{ID: "ST1", Executor: workflow.ExecutorTool, ToolName: "broken",
				Input: map[string]any{"x": float64(1)}},
			{ID: "ST2", Executor: workflow.ExecutorLLM,
				Input: map[string]any{"prompt": "{ST1.output}"}},
			{ID: "ST3", Executor: workflow.ExecutorLLM,
				Input: map[string]any{"prompt": "independent"}},
		},
		Edges: []workflow.Edge{{Source: "ST1", Target: "ST2"}},
	}
	reg := &fakeRegistry{
		results: map[string]any{"broken": nil},
		errs:    map[string]error{"broken": errors.New("connection refused")},
	}
	ex := newTestExecutor(reg, &echoLLM{answer: "ok"}, nil, nil)

	res := ex.Run(context.Background(), ir)

	// failure recorded, dependent skipped with no trace entry
	assert.Contains(t, res.Error, "ST1")
	assert.Nil(t, entryByID(res.Trace, "ST2"))
	assert.NotContains(t, res.Outputs, "ST2")

	// independent branch still ran
	assert.Equal(t, "ok", res.Outputs["ST3"])
	assert.Equal(t, workflow.StatusFailed, entryByID(res.Trace, "ST1").Status)
	assert.Len(t, res.Trace, 2)
}

func TestRun_FailurePatternClassification(t *testing.T) {
	cases := []struct {
		name   string
		result any
		fails  bool
	}{
		{"error prefix", "Error: something broke", true},
		{"failed substring", "the request failed upstream", true},
		{"configured pattern", "页面:获取网页内容失败!", true},
		{"error key", map[string]any{"error": "bad auth"}, true},
		{"clean string", "all good here", false},
		{"clean object", map[string]any{"data": "x"}, false},
		{"empty error key", map[string]any{"error": ""}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ir := &workflow.WorkflowIR{Nodes: []workflow.Subtask{
				{ID: "ST1", Executor: workflow.ExecutorTool, ToolName: "t",
					Input: map[string]any{"k": "v"}},
			}}
			reg := &fakeRegistry{results: map[string]any{"t": tc.result}}
			ex := newTestExecutor(reg, nil, nil, nil)

			res := ex.Run(context.Background(), ir)
			if tc.fails {
				assert.NotEmpty(t, res.Error)
				assert.Equal(t, 1, res.FailedNodes())
			} else {
				assert.Empty(t, res.Error)
				assert.Contains(t, res.Outputs, "ST1")
			}
		})
	}
}

func TestRun_ToolResultJSONNormalized(t *testing.T) {
	ir := &workflow.WorkflowIR{Nodes: []workflow.Subtask{
		{ID: "ST1", Executor: workflow.ExecutorTool, ToolName: "t",
			Input: map[string]any{"k": "v"}},
	}}
	reg := &fakeRegistry{results: map[string]any{"t": `{"parsed": true}`}}
	ex := newTestExecutor(reg, nil, nil, nil)

	res := ex.Run(context.Background(), ir)
	require.Empty(t, res.Error)
	assert.Equal(t, map[string]any{"parsed": true}, res.Outputs["ST1"])
}

func TestRun_ToolOutputStoredTruncated(t *testing.T) {
	ir := &workflow.WorkflowIR{Nodes: []workflow.Subtask{
		{ID: "ST1", Executor: workflow.ExecutorTool, ToolName: "t",
			Input: map[string]any{"k": "v"}},
	}}
	reg := &fakeRegistry{results: map[string]any{"t": strings.Repeat("z", 20000)}}
	ex := newTestExecutor(reg, nil, nil, nil)

	res := ex.Run(context.Background(), ir)
	require.Empty(t, res.Error)
	assert.Len(t, res.Outputs["ST1"], 15000)
}

func TestRun_ParamOverridesWinLast(t *testing.T) {
	ir := guardedPipeline()
	// user override stashed on the guarded tool node
	ir.Nodes[1].Input[workflow.KeyParamOverrides] = map[string]any{"query": "forced"}

	reg := &fakeRegistry{results: map[string]any{"search": "all good"}}
	chat := &echoLLM{answer: "topic"}
	guardLLM := &echoLLM{answer: `{"query": "from guard"}`}
	ex := newTestExecutor(reg, chat, guardLLM, nil)

	res := ex.Run(context.Background(), ir)
	require.Empty(t, res.Error)
	require.Len(t, reg.calls, 1)
	assert.Equal(t, "forced", reg.calls[0].args["query"])
}

func TestRun_MultipleEntriesViaStartNode(t *testing.T) {
	ir := &workflow.WorkflowIR{
		Nodes: []workflow.Subtask{
			{ID: "ST1", Executor: workflow.ExecutorLLM, Input: map[string]any{"prompt": "a"}},
			{ID: "ST2", Executor: workflow.ExecutorLLM, Input: map[string]any{"prompt": "b"}},
		},
	}
	ex := newTestExecutor(&fakeRegistry{}, &echoLLM{answer: "x"}, nil, nil)
	res := ex.Run(context.Background(), ir)

	require.Empty(t, res.Error)
	assert.Len(t, res.Trace, 2)
	assert.Nil(t, entryByID(res.Trace, StartNode))
	assert.NotContains(t, res.Outputs, StartNode)
}

func TestRun_BroadcastPanicSwallowed(t *testing.T) {
	var received int
	var mu sync.Mutex
	broadcast := func(entry workflow.TraceEntry) {
		mu.Lock()
		received++
		mu.Unlock()
		panic("listener bug")
	}
	ir := &workflow.WorkflowIR{Nodes: []workflow.Subtask{
		{ID: "ST1", Executor: workflow.ExecutorLLM, Input: map[string]any{"prompt": "a"}},
	}}
	ex := newTestExecutor(&fakeRegistry{}, &echoLLM{answer: "x"}, nil, broadcast)

	res := ex.Run(context.Background(), ir)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, received)
}

func TestRun_EmptyGraphIsErrorResult(t *testing.T) {
	ex := newTestExecutor(&fakeRegistry{}, nil, nil, nil)
	res := ex.Run(context.Background(), &workflow.WorkflowIR{})
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.Outputs)
}

func TestRun_MissingGuardOutputFailsTool(t *testing.T) {
	ir := &workflow.WorkflowIR{Nodes: []workflow.Subtask{
		{ID: "ST1", Executor: workflow.ExecutorTool, ToolName: "t",
			Input: map[string]any{workflow.KeyFromGuard: "GUARD9"}},
	}}
	reg := &fakeRegistry{results: map[string]any{"t": "x"}}
	ex := newTestExecutor(reg, nil, nil, nil)

	res := ex.Run(context.Background(), ir)
	assert.Contains(t, res.Error, "guard output not available")
	assert.Empty(t, reg.calls)
}

func TestRun_MergedGuards(t *testing.T) {
	ir := &workflow.WorkflowIR{
		Nodes: []workflow.Subtask{
			{ID: "GUARD1", Executor: workflow.ExecutorParamGuard,
				Input: map[string]any{
					workflow.KeyTargetTool:    "t",
					workflow.KeyInputTemplate: map[string]any{"a": "1"},
				}},
			{ID: "GUARD2", Executor: workflow.ExecutorParamGuard,
				Input: map[string]any{
					workflow.KeyTargetTool:    "t",
					workflow.KeyInputTemplate: map[string]any{"b": "2"},
				}},
			{ID: "ST1", Executor: workflow.ExecutorTool, ToolName: "t",
				Input: map[string]any{workflow.KeyFromGuards: []any{"GUARD1", "GUARD2"}}},
		},
		Edges: []workflow.Edge{
			{Source: "GUARD1", Target: "ST1"},
			{Source: "GUARD2", Target: "ST1"},
		},
	}
	reg := &fakeRegistry{results: map[string]any{"t": "done"}}
	guardLLM := &guardByTemplate{}
	ex := newTestExecutor(reg, nil, guardLLM, nil)

	res := ex.Run(context.Background(), ir)
	require.Empty(t, res.Error)
	require.Len(t, reg.calls, 1)
	assert.Contains(t, reg.calls[0].args, "a")
	assert.Contains(t, reg.calls[0].args, "b")
}

// guardByTemplate echoes back whichever candidate key appears in the
// prompt, simulating a guard that passes arguments through.
type guardByTemplate struct{}

func (g *guardByTemplate) Complete(_ context.Context, messages []llm.Message, _ llm.Options) (llm.Response, error) {
	prompt := messages[len(messages)-1].Content
	if strings.Contains(prompt, `"a"`) {
		return llm.Response{Content: `{"a": "1"}`}, nil
	}
	return llm.Response{Content: `{"b": "2"}`}, nil
}
