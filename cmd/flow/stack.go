// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	flow "github.com/AleutianAI/AleutianFlow/services/flow"
	"github.com/AleutianAI/AleutianFlow/services/flow/archive"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/guard"
	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
	"github.com/AleutianAI/AleutianFlow/services/flow/planner"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
	"github.com/AleutianAI/AleutianFlow/services/flow/retriever"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

// stack holds the fully wired engine and its collaborators.
type stack struct {
	cfg      *config.Config
	registry *registry.CatalogRegistry
	store    *archive.Store
	engine   *flow.Engine
}

// buildStack wires config, catalog, LLM clients, retriever, planner,
// executor, archive, and engine. emit may be nil for CLI use.
func buildStack(emit flow.EmitFunc) (*stack, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	var invoker registry.Invoker
	if flagGateway != "" {
		invoker = registry.NewHTTPInvoker(flagGateway, cfg.NodeTimeout)
	}
	reg, err := registry.Load(flagCatalog, invoker)
	if err != nil {
		return nil, err
	}

	planClient := llm.NewOpenAI(cfg.Planner.APIKey, cfg.Planner.BaseURL,
		cfg.Planner.Model, cfg.Planner.Timeout)
	guardClient := llm.NewOpenAI(cfg.Guard.APIKey, cfg.Guard.BaseURL,
		cfg.Guard.Model, cfg.Guard.Timeout)

	var sem *retriever.Semantic
	if cfg.RetrieverMode == config.RetrieverSemantic {
		embedClient := llm.NewOpenAI(cfg.Embedding.APIKey, cfg.Embedding.BaseURL,
			cfg.Embedding.Model, cfg.Embedding.Timeout)
		cachePath := filepath.Join(flagArchiveDir, "embeddings_cache.json")
		sem = retriever.NewSemantic(embedClient, cachePath, logger.Logger)
	}
	ret := retriever.New(reg, cfg.RetrieverMode, cfg.PinnedTools, sem)

	var opt *planner.Optimizer
	if cfg.EnableTaskOptimization {
		opt = planner.NewOptimizer(planClient, logger.Logger)
	}
	pl := planner.New(planClient, reg, ret, opt, cfg, logger.Logger)
	guardEval := guard.NewEvaluator(guardClient, logger.Logger)

	store, err := archive.Open(flagArchiveDir)
	if err != nil {
		return nil, err
	}

	// The executor streams trace entries through the engine, which does
	// not exist yet when the executor is built.
	var eng *flow.Engine
	exec := dag.NewExecutor(reg, planClient, guardEval, cfg, logger.Logger,
		func(entry workflow.TraceEntry) {
			if eng != nil {
				eng.EmitTrace(entry)
			}
		})
	eng = flow.NewEngine(pl, exec, store, logger.Logger, emit)

	return &stack{cfg: cfg, registry: reg, store: store, engine: eng}, nil
}

func (s *stack) Close() {
	if err := s.store.Close(); err != nil {
		logger.Warn("archive close failed", "error", err)
	}
}

// loadArchivedWorkflow reads graph.json from a previous run for replay.
func loadArchivedWorkflow(store *archive.Store, runID string) (*workflow.WorkflowIR, error) {
	data, err := store.ReadArtifact(runID, "graph.json")
	if err != nil {
		return nil, fmt.Errorf("no archived workflow for run %s: %w", runID, err)
	}
	var ir workflow.WorkflowIR
	if err := json.Unmarshal(data, &ir); err != nil {
		return nil, fmt.Errorf("archived workflow for run %s is corrupt: %w", runID, err)
	}
	return &ir, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
