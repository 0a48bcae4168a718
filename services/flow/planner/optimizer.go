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
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
)

// Optimizer rewrites a raw user task into planner-friendly form.
// It is failure-tolerant: any problem keeps the original task.
type Optimizer struct {
	client llm.Client
	logger *slog.Logger
}

// NewOptimizer builds a task optimizer over the given client.
func NewOptimizer(client llm.Client, logger *slog.Logger) *Optimizer {
	return &Optimizer{client: client, logger: logger}
}

// Optimize returns a rewritten task, or the original task when the
// rewrite fails or comes back empty.
func (o *Optimizer) Optimize(ctx context.Context, task string) string {
	prompt, err := renderOptimizePrompt(task)
	if err != nil {
		o.logger.Warn("task optimization skipped", "error", err)
		return task
	}
	resp, err := o.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{})
	if err != nil {
		o.logger.Warn("task optimization failed, using original task", "error", err)
		return task
	}
	optimized := StripThink(resp.Content)
	if strings.TrimSpace(optimized) == "" {
		o.logger.Warn("task optimization returned empty text, using original task")
		return task
	}
	return optimized
}
