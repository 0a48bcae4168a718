// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flow glues the engine together: plan a task, apply user
// overrides, execute the DAG, and archive everything.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/archive"
	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

// Event types emitted during a run.
const (
	EventStage     = "stage"
	EventPlanning  = "planning"
	EventDAG       = "dag"
	EventExecution = "execution"
	EventResult    = "result"
	EventError     = "error"
)

// EmitFunc receives run events for streaming to collaborators.
type EmitFunc func(eventType string, data any)

// Planner is the planning collaborator.
type Planner interface {
	Plan(ctx context.Context, task string) (*workflow.WorkflowIR, *planner.LastRun, error)
}

// Executor is the execution collaborator.
type Executor interface {
	Run(ctx context.Context, ir *workflow.WorkflowIR) *dag.RunResult
}

// RunOptions tune a single run.
type RunOptions struct {
	// ParamOverrides merge user values into node inputs before
	// execution, keyed by node id.
	ParamOverrides map[string]map[string]any

	// Reuse skips planning and executes the given workflow directly.
	Reuse *workflow.WorkflowIR
}

// RunOutcome is a finished run.
type RunOutcome struct {
	RunID    string               `json:"run_id"`
	Workflow *workflow.WorkflowIR `json:"workflow"`
	Result   *dag.RunResult       `json:"result"`
}

// Engine drives plan -> override -> execute -> archive.
type Engine struct {
	planner  Planner
	executor Executor
	store    *archive.Store
	logger   *slog.Logger
	emit     EmitFunc
}

// NewEngine wires an engine. emit may be nil.
func NewEngine(p Planner, ex Executor, store *archive.Store, logger *slog.Logger, emit EmitFunc) *Engine {
	return &Engine{planner: p, executor: ex, store: store, logger: logger, emit: emit}
}

// Plan plans a task without executing it.
func (e *Engine) Plan(ctx context.Context, task string) (*workflow.WorkflowIR, *planner.LastRun, error) {
	e.send(EventStage, map[string]any{"stage": "planning", "task": task})
	ir, run, err := e.planner.Plan(ctx, task)
	if err != nil {
		e.send(EventError, map[string]any{"error": err.Error(), "task": task})
		return nil, run, err
	}
	e.send(EventPlanning, map[string]any{"workflow": ir})
	return ir, run, nil
}

// Run executes a task end to end. Planning failures are archived with
// their diagnostics; execution failures are archived as results with
// the error set. The returned outcome is non-nil whenever execution
// started.
func (e *Engine) Run(ctx context.Context, task string, opts RunOptions) (*RunOutcome, error) {
	runID := e.store.NewRunID()
	createdAt := time.Now().UTC()
	e.logger.Info("run started", "run_id", runID, "task", task)

	if err := e.store.SaveMeta(runID, archive.Meta{
		Task:           task,
		ParamOverrides: opts.ParamOverrides,
		CreatedAt:      createdAt,
		ReuseWorkflow:  opts.Reuse != nil,
	}); err != nil {
		e.logger.Warn("meta archive failed", "run_id", runID, "error", err)
	}

	ir := opts.Reuse
	if ir == nil {
		var planRun *planner.LastRun
		var err error
		ir, planRun, err = e.Plan(ctx, task)
		if err != nil {
			if aerr := e.store.SaveError(runID, task, err.Error(), planRun, createdAt); aerr != nil {
				e.logger.Warn("error archive failed", "run_id", runID, "error", aerr)
			}
			return nil, err
		}
	} else {
		e.send(EventPlanning, map[string]any{"workflow": ir, "reused": true})
	}

	workflow.ApplyOverrides(ir, opts.ParamOverrides)

	if err := e.store.SaveGraph(runID, ir); err != nil {
		e.logger.Warn("graph archive failed", "run_id", runID, "error", err)
	}
	e.send(EventDAG, map[string]any{
		"nodes": len(ir.Nodes),
		"edges": len(ir.Edges),
	})

	e.send(EventStage, map[string]any{"stage": "executing", "run_id": runID})
	result := e.executor.Run(ctx, ir)

	if err := e.store.SaveTrace(runID, result.Trace, len(ir.Nodes),
		result.SuccessfulNodes(), result.FailedNodes()); err != nil {
		e.logger.Warn("trace archive failed", "run_id", runID, "error", err)
	}
	if err := e.store.SaveResult(runID, task, result.Outputs, result.Error, createdAt); err != nil {
		e.logger.Warn("result archive failed", "run_id", runID, "error", err)
	}

	if result.Error != "" {
		e.send(EventError, map[string]any{"error": result.Error, "run_id": runID})
	}
	e.send(EventResult, map[string]any{
		"run_id":  runID,
		"outputs": result.Outputs,
		"error":   result.Error,
	})

	e.logger.Info("run finished", "run_id", runID,
		"successful_nodes", result.SuccessfulNodes(),
		"failed_nodes", result.FailedNodes())
	return &RunOutcome{RunID: runID, Workflow: ir, Result: result}, nil
}

// EmitTrace forwards a trace entry as an execution event; wire it as
// the executor's broadcast callback.
func (e *Engine) EmitTrace(entry workflow.TraceEntry) {
	e.send(EventExecution, entry)
}

func (e *Engine) send(eventType string, data any) {
	if e.emit == nil {
		return
	}
	e.emit(eventType, data)
}
