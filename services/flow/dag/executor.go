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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/guard"
	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

var (
	tracer = otel.Tracer("aleutianflow/dag")

	metricsOnce  sync.Once
	nodeDuration metric.Float64Histogram
	nodesTotal   metric.Int64Counter
	activeNodes  metric.Int64UpDownCounter
	runDuration  metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("aleutianflow/dag")
		nodeDuration, _ = meter.Float64Histogram("flow.node.duration",
			metric.WithDescription("Node execution latency in seconds"),
			metric.WithUnit("s"))
		nodesTotal, _ = meter.Int64Counter("flow.node.total",
			metric.WithDescription("Executed nodes by status"))
		activeNodes, _ = meter.Int64UpDownCounter("flow.node.active",
			metric.WithDescription("Nodes currently executing"))
		runDuration, _ = meter.Float64Histogram("flow.run.duration",
			metric.WithDescription("Whole-run latency in seconds"),
			metric.WithUnit("s"))
	})
}

// RunResult is the outcome of a workflow run.
type RunResult struct {
	Outputs map[string]any        `json:"outputs"`
	Error   string                `json:"error,omitempty"`
	Trace   []workflow.TraceEntry `json:"execution_trace"`
}

// SuccessfulNodes counts trace entries with success status.
func (r *RunResult) SuccessfulNodes() int {
	n := 0
	for _, e := range r.Trace {
		if e.Status == workflow.StatusSuccess {
			n++
		}
	}
	return n
}

// FailedNodes counts trace entries with failed status.
func (r *RunResult) FailedNodes() int {
	n := 0
	for _, e := range r.Trace {
		if e.Status == workflow.StatusFailed {
			n++
		}
	}
	return n
}

// traceExtras carries handler-specific trace fields.
type traceExtras struct {
	model       string
	toolName    string
	targetTool  string
	rawResponse any
	input       any
}

type nodeHandler func(ctx context.Context, node *workflow.Subtask, state *workflow.State) (any, traceExtras, error)

// Executor runs compiled workflows with wavefront parallelism: every
// node whose predecessors have all succeeded runs concurrently in the
// current wave. Fan-in nodes wait for all predecessors by construction.
type Executor struct {
	registry  registry.Registry
	client    llm.Client
	guard     *guard.Evaluator
	cfg       *config.Config
	logger    *slog.Logger
	broadcast func(workflow.TraceEntry)

	handlers map[workflow.ExecutorType]nodeHandler

	// toolNodes is rebuilt per run: ids whose outputs get bounded
	// before they are embedded into prompts.
	mu        sync.Mutex
	toolNodes map[string]bool
}

// NewExecutor wires an executor. broadcast may be nil.
func NewExecutor(reg registry.Registry, client llm.Client, guardEval *guard.Evaluator, cfg *config.Config, logger *slog.Logger, broadcast func(workflow.TraceEntry)) *Executor {
	initMetrics()
	e := &Executor{
		registry:  reg,
		client:    client,
		guard:     guardEval,
		cfg:       cfg,
		logger:    logger,
		broadcast: broadcast,
	}
	e.handlers = map[workflow.ExecutorType]nodeHandler{
		workflow.ExecutorLLM:        e.runLLMNode,
		workflow.ExecutorTool:       e.runToolNode,
		workflow.ExecutorParamGuard: e.runGuardNode,
	}
	return e
}

// Run executes the workflow and always returns a result: node failures
// surface in Error while independent branches keep running, and an
// executor-level panic degrades to an error result with empty outputs.
func (e *Executor) Run(ctx context.Context, ir *workflow.WorkflowIR) (res *RunResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor panic", "panic", r)
			res = &RunResult{
				Outputs: map[string]any{},
				Error:   fmt.Sprintf("executor panic: %v", r),
			}
		}
	}()

	runStart := time.Now()
	ctx, span := tracer.Start(ctx, "dag.run")
	defer span.End()

	g, err := Compile(ir)
	if err != nil {
		return &RunResult{Outputs: map[string]any{}, Error: err.Error()}
	}

	e.mu.Lock()
	e.toolNodes = make(map[string]bool)
	for i := range ir.Nodes {
		if ir.Nodes[i].Executor == workflow.ExecutorTool {
			e.toolNodes[ir.Nodes[i].ID] = true
		}
	}
	e.mu.Unlock()

	state := workflow.NewState()
	result := &RunResult{}

	const (
		stPending = iota
		stDone
		stFailed
		stSkipped
	)
	status := make(map[string]int, len(ir.Nodes)+1)
	for _, id := range g.IDs() {
		status[id] = stPending
	}

	var traceMu sync.Mutex
	appendTrace := func(entry workflow.TraceEntry) {
		traceMu.Lock()
		result.Trace = append(result.Trace, entry)
		traceMu.Unlock()
		e.emit(entry)
	}

	for {
		progressed := false
		var wave []string
		for _, id := range g.IDs() {
			if status[id] != stPending {
				continue
			}
			allDone := true
			anyBad := false
			for _, p := range g.Preds(id) {
				switch status[p] {
				case stDone:
				case stFailed, stSkipped:
					anyBad = true
				default:
					allDone = false
				}
			}
			if anyBad {
				// dependents of failures are skipped silently
				status[id] = stSkipped
				progressed = true
				e.logger.Info("skipping node, upstream failed", "node", id)
				continue
			}
			if allDone {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			if !progressed {
				break
			}
			continue
		}

		var wg sync.WaitGroup
		var statusMu sync.Mutex
		for _, id := range wave {
			if id == StartNode {
				status[id] = stDone
				continue
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ok := e.executeNode(ctx, g.Node(id), state, appendTrace)
				statusMu.Lock()
				if ok {
					status[id] = stDone
				} else {
					status[id] = stFailed
				}
				statusMu.Unlock()
			}(id)
		}
		wg.Wait()
	}

	result.Outputs = state.Outputs()
	result.Error = state.Err()
	runDuration.Record(ctx, time.Since(runStart).Seconds())
	span.SetAttributes(
		attribute.Int("flow.nodes", len(ir.Nodes)),
		attribute.Int("flow.failed", result.FailedNodes()),
	)
	return result
}

// executeNode runs one node with its per-node deadline, records the
// trace entry, and merges failures into run state.
func (e *Executor) executeNode(ctx context.Context, node *workflow.Subtask, state *workflow.State, appendTrace func(workflow.TraceEntry)) bool {
	handler, ok := e.handlers[node.Executor]
	if !ok {
		// validation rejects unknown executors; a miss here is a bug
		state.MergeError(fmt.Sprintf("%s: no handler for executor %q", node.ID, node.Executor))
		return false
	}

	nodeCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.NodeTimeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, e.cfg.NodeTimeout)
		defer cancel()
	}

	nodeCtx, span := tracer.Start(nodeCtx, "dag.node",
		trace.WithAttributes(
			attribute.String("flow.node.id", node.ID),
			attribute.String("flow.node.executor", string(node.Executor)),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("executor", string(node.Executor)))
	activeNodes.Add(nodeCtx, 1, attrs)
	defer activeNodes.Add(nodeCtx, -1, attrs)

	state.AppendCurrentTask(node.ID)
	start := time.Now()
	e.logger.Info("node started", "node", node.ID, "executor", node.Executor)

	output, extras, err := handler(nodeCtx, node, state)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrNodeTimeout, e.cfg.NodeTimeout, err)
	}

	end := time.Now()
	entry := workflow.TraceEntry{
		NodeID:      node.ID,
		NodeName:    node.Name,
		NodeType:    string(node.Executor),
		StartTime:   start,
		EndTime:     end,
		DurationMS:  float64(end.Sub(start)) / float64(time.Millisecond),
		Input:       extras.input,
		Model:       extras.model,
		ToolName:    extras.toolName,
		TargetTool:  extras.targetTool,
		RawResponse: extras.rawResponse,
	}
	nodeDuration.Record(nodeCtx, end.Sub(start).Seconds(), attrs)

	if err != nil {
		entry.Status = workflow.StatusFailed
		entry.Error = err.Error()
		appendTrace(entry)
		nodesTotal.Add(nodeCtx, 1, metric.WithAttributes(
			attribute.String("executor", string(node.Executor)),
			attribute.String("status", workflow.StatusFailed)))
		state.MergeError(fmt.Sprintf("%s: %v", node.ID, err))
		e.logger.Error("node failed", "node", node.ID, "error", err,
			"duration_ms", entry.DurationMS)
		return false
	}

	entry.Status = workflow.StatusSuccess
	entry.Output = output
	appendTrace(entry)
	nodesTotal.Add(nodeCtx, 1, metric.WithAttributes(
		attribute.String("executor", string(node.Executor)),
		attribute.String("status", workflow.StatusSuccess)))
	state.SetOutput(node.ID, output)
	e.logger.Info("node succeeded", "node", node.ID,
		"duration_ms", entry.DurationMS)
	return true
}

// emit sends a display-truncated copy of the entry to the broadcast
// callback. Callback panics are swallowed; tracing never kills a run.
func (e *Executor) emit(entry workflow.TraceEntry) {
	if e.broadcast == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("trace broadcast panicked", "node", entry.NodeID, "panic", r)
		}
	}()
	entry.Input = TruncateDisplay(entry.Input, e.cfg.LogTruncateLength)
	entry.Output = TruncateDisplay(entry.Output, e.cfg.LogTruncateLength)
	entry.RawResponse = TruncateDisplay(entry.RawResponse, e.cfg.LogTruncateLength)
	e.broadcast(entry)
}

// promptOutputs snapshots run outputs with tool outputs bounded, so
// huge tool results do not blow up downstream prompts.
func (e *Executor) promptOutputs(state *workflow.State) map[string]any {
	outputs := state.Outputs()
	e.mu.Lock()
	toolNodes := e.toolNodes
	e.mu.Unlock()
	for id, v := range outputs {
		if toolNodes[id] {
			outputs[id] = TruncateStored(v, e.cfg.ToolOutputMaxChars)
		}
	}
	return outputs
}

// ============================================================
// Node handlers
// ============================================================

func (e *Executor) runLLMNode(ctx context.Context, node *workflow.Subtask, state *workflow.State) (any, traceExtras, error) {
	resolved := ResolveValue(node.CloneInput(), e.promptOutputs(state))
	input, _ := resolved.(map[string]any)
	extras := traceExtras{input: input}

	prompt := llmPrompt(input)
	if e.cfg.LLMInputMaxChars > 0 && len(prompt) > e.cfg.LLMInputMaxChars {
		prompt = prompt[:e.cfg.LLMInputMaxChars]
	}

	opts := llm.Options{}
	if node.LLMConfig != nil {
		opts.Override = &llm.Override{
			APIKey:  node.LLMConfig.APIKey,
			BaseURL: node.LLMConfig.BaseURL,
			Model:   node.LLMConfig.Model,
		}
	}

	resp, err := e.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, opts)
	if err != nil {
		return nil, extras, err
	}
	extras.model = resp.Model
	return planner.StripThink(resp.Content), extras, nil
}

// llmPrompt picks the prompt text out of a resolved input map: a
// "prompt" or "content" string, else the whole map as JSON.
func llmPrompt(input map[string]any) string {
	if p, ok := input["prompt"].(string); ok && p != "" {
		return p
	}
	if c, ok := input["content"].(string); ok && c != "" {
		return c
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}

func (e *Executor) runToolNode(ctx context.Context, node *workflow.Subtask, state *workflow.State) (any, traceExtras, error) {
	extras := traceExtras{toolName: node.ToolName}

	args, err := e.toolArgs(node, state)
	if err != nil {
		return nil, extras, err
	}
	extras.input = args

	result, err := e.registry.Invoke(ctx, node.ToolName, args)
	if err != nil {
		return nil, extras, &ToolFailure{Node: node.ID, Tool: node.ToolName, Message: err.Error()}
	}

	result = normalizeToolResult(result)
	if msg := failureMessage(result, e.cfg.FailurePatterns); msg != "" {
		return nil, extras, &ToolFailure{Node: node.ID, Tool: node.ToolName, Message: msg}
	}

	return TruncateStored(result, e.cfg.NodeOutputMaxChars), extras, nil
}

// toolArgs assembles the argument object: guard handoff, multi-guard
// merge, or direct resolution, with user overrides applied last.
func (e *Executor) toolArgs(node *workflow.Subtask, state *workflow.State) (map[string]any, error) {
	input := node.Input
	var args map[string]any

	switch {
	case input[workflow.KeyFromGuard] != nil:
		gid, _ := input[workflow.KeyFromGuard].(string)
		out, ok := state.Output(gid)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingGuardOutput, gid)
		}
		m, ok := out.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s produced %T, want object", ErrMissingGuardOutput, gid, out)
		}
		args, _ = workflow.DeepCopyValue(m).(map[string]any)

	case input[workflow.KeyFromGuards] != nil:
		gids := anyStrings(input[workflow.KeyFromGuards])
		args = map[string]any{}
		for _, gid := range gids {
			out, ok := state.Output(gid)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingGuardOutput, gid)
			}
			m, ok := out.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s produced %T, want object", ErrMissingGuardOutput, gid, out)
			}
			// later guards win on key conflicts
			for k, v := range m {
				args[k] = workflow.DeepCopyValue(v)
			}
		}

	default:
		clone := node.CloneInput()
		delete(clone, workflow.KeyParamOverrides)
		if hasOutputRefs(clone) {
			// the injector should have placed a guard here
			e.logger.Warn("tool node consumes upstream output without a guard",
				"node", node.ID, "tool", node.ToolName)
		}
		resolved := ResolveValue(clone, e.promptOutputs(state))
		args, _ = resolved.(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
	}

	if po, ok := node.Input[workflow.KeyParamOverrides].(map[string]any); ok {
		for k, v := range po {
			args[k] = workflow.DeepCopyValue(v)
		}
	}
	delete(args, workflow.KeyParamOverrides)
	return args, nil
}

func (e *Executor) runGuardNode(ctx context.Context, node *workflow.Subtask, state *workflow.State) (any, traceExtras, error) {
	input := node.Input
	targetTool, _ := input[workflow.KeyTargetTool].(string)
	extras := traceExtras{targetTool: targetTool}

	tmpl, _ := input[workflow.KeyInputTemplate].(map[string]any)
	resolved := ResolveValue(workflow.DeepCopyValue(tmpl), e.promptOutputs(state))
	candidate, _ := resolved.(map[string]any)
	if candidate == nil {
		candidate = map[string]any{}
	}
	extras.input = candidate

	var upstream any
	if sources := anyStrings(input[workflow.KeySourceNodes]); len(sources) > 0 {
		upstream, _ = state.Output(sources[0])
	}
	schema, _ := input[workflow.KeySchema].(map[string]any)

	res, err := e.guard.Evaluate(ctx, targetTool, schema, candidate, upstream)
	if err != nil {
		var gerr *guard.GuardError
		if errors.As(err, &gerr) {
			extras.rawResponse = gerr.RawResponse
		}
		return nil, extras, err
	}
	extras.rawResponse = res.RawResponse
	return res.Output, extras, nil
}

// normalizeToolResult expands a string result that holds serialized
// JSON, so path references reach into tool outputs.
func normalizeToolResult(result any) any {
	s, ok := result.(string)
	if !ok {
		return result
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return result
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return result
	}
	return parsed
}

// failureMessage classifies a tool result: an "error"-prefixed or
// "failed"-bearing string, a configured failure substring, or an
// object with a non-empty error key all mark the call failed.
func failureMessage(result any, patterns []string) string {
	switch val := result.(type) {
	case string:
		lower := strings.ToLower(val)
		if strings.HasPrefix(lower, "error") || strings.Contains(lower, "failed") {
			return val
		}
		for _, p := range patterns {
			if p != "" && strings.Contains(val, p) {
				return val
			}
		}
	case map[string]any:
		if ev, ok := val["error"]; ok && ev != nil {
			if s, isStr := ev.(string); !isStr || s != "" {
				return fmt.Sprintf("tool reported error: %v", ev)
			}
		}
	}
	return ""
}

func hasOutputRefs(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return refPattern.Match(data)
}

func anyStrings(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case workflow.IDList:
		return []string(val)
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{val}
	default:
		return nil
	}
}
